// Package directory implements a generic directory-service-shaped lookup
// module (spec §4.B.2): a source that resolves one key by issuing a single
// network request to a directory server URL and reading back a DNS-TXT-like
// record, grounded on backend/webdav/webdav.go's use of a shared *http.Client
// for request/response round trips and on
// original_source/modules/lookup_hesiod.c's "look up TXT-style records under
// a keyed postfix, they contain raw map-entry text" semantics.
package directory

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rclone/autofsd/internal/fslog"
	"github.com/rclone/autofsd/pkg/lookup"
	"github.com/rclone/autofsd/pkg/mapent"
)

func init() {
	lookup.Register("directory", Open)
}

// module queries baseURL+"/"+key for each lookup. format carries the
// postfix the original hesiod module appends to a key before querying
// (e.g. ".autofs"), kept here as a URL query suffix instead.
type module struct {
	baseURL *url.URL
	postfix string
	client  *http.Client
}

// Open implements lookup.Opener. argv[0] is the directory server's base URL
// (e.g. "http://directory.example.com/maps"); format, if non-empty, is
// appended as a query postfix to every lookup.
func Open(ctx context.Context, format string, argv []string) (lookup.Module, error) {
	if len(argv) < 1 {
		return nil, fmt.Errorf("directory: no server URL given")
	}
	u, err := url.Parse(argv[0])
	if err != nil {
		return nil, fmt.Errorf("directory: invalid server URL %q: %w", argv[0], err)
	}
	return &module{
		baseURL: u,
		postfix: format,
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (m *module) String() string { return "directory map " + m.baseURL.String() }

func (m *module) Close() error { return nil }

func (m *module) recordURL(key string) string {
	u := *m.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + url.PathEscape(key)
	if m.postfix != "" {
		q := u.Query()
		q.Set("postfix", m.postfix)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (m *module) fetch(ctx context.Context, key string) (string, lookup.Status) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.recordURL(key), nil)
	if err != nil {
		fslog.Errorf(m, "could not build request for %q: %v", key, err)
		return "", lookup.Unavail
	}
	resp, err := m.client.Do(req)
	if err != nil {
		fslog.Errorf(m, "request for %q failed: %v", key, err)
		return "", lookup.TryAgain
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if err != nil {
			return "", lookup.TryAgain
		}
		return strings.TrimSpace(string(body)), lookup.Success
	case http.StatusNotFound:
		return "", lookup.NotFound
	default:
		fslog.Warnf(m, "unexpected status %d looking up %q", resp.StatusCode, key)
		return "", lookup.Unavail
	}
}

// ReadMaster is unsupported: a directory server without an enumeration
// protocol cannot supply the full master map, only point lookups.
func (m *module) ReadMaster(ctx context.Context, sink lookup.MasterSink, age int64) lookup.Status {
	fslog.Errorf(m, "directory source cannot supply a master map")
	return lookup.Unavail
}

// ReadMap is unsupported for the same reason as ReadMaster: this module
// only implements point lookups via Mount, matching a keyed directory
// service that has no bulk-listing operation.
func (m *module) ReadMap(ctx context.Context, cache *mapent.Cache, age int64) lookup.Status {
	fslog.Warnf(m, "directory source does not support full map enumeration")
	return lookup.Unavail
}

// Mount resolves a single key against the directory server.
func (m *module) Mount(ctx context.Context, cache *mapent.Cache, key string) lookup.Status {
	text, st := m.fetch(ctx, key)
	if st != lookup.Success {
		return st
	}
	cache.Update(key, text, time.Now().Unix())
	return lookup.Success
}
