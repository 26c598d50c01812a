// Package hosts implements the "hosts" lookup module (spec §4.B.2): an
// indirect map whose keys are resolved by hostname lookup instead of a flat
// file, grounded on backend/sftp/ssh_external.go's exec.CommandContext
// pattern (here driving `getent hosts` rather than `ssh`) with a direct
// /etc/hosts fallback in the style of backend/local's plain file reads.
package hosts

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rclone/autofsd/internal/fslog"
	"github.com/rclone/autofsd/pkg/lookup"
	"github.com/rclone/autofsd/pkg/mapent"
)

func init() {
	lookup.Register("hosts", Open)
}

// module enumerates the system hostname table. It carries no per-instance
// state beyond a cache of whether getent is available, so module values can
// be shared freely across mounts.
type module struct {
	mu         sync.Mutex
	useGetent  bool
	checked    bool
	etcHostsAt string
}

// Open implements lookup.Opener. The hosts module ignores argv; there is no
// map name, only the system's configured name service (spec §4.B.2).
func Open(ctx context.Context, format string, argv []string) (lookup.Module, error) {
	m := &module{etcHostsAt: "/etc/hosts"}
	return m, nil
}

func (m *module) String() string { return "hosts map" }

func (m *module) Close() error { return nil }

func (m *module) preferGetent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checked {
		return m.useGetent
	}
	m.checked = true
	_, err := exec.LookPath("getent")
	m.useGetent = err == nil
	return m.useGetent
}

// entries returns every (hostname, addresses) pair known to the system,
// preferring `getent hosts` (which consults nsswitch.conf's `hosts:` line,
// e.g. DNS + /etc/hosts) and falling back to parsing /etc/hosts directly.
func (m *module) entries(ctx context.Context) (map[string][]string, error) {
	if m.preferGetent() {
		out, err := m.runGetent(ctx)
		if err == nil {
			return out, nil
		}
		fslog.Warnf(m, "getent hosts failed, falling back to %s: %v", m.etcHostsAt, err)
	}
	return m.parseEtcHosts()
}

func (m *module) runGetent(ctx context.Context) (map[string][]string, error) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(cctx, "getent", "hosts")
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	return parseHostsFormat(strings.NewReader(string(out)))
}

func (m *module) parseEtcHosts() (map[string][]string, error) {
	f, err := os.Open(m.etcHostsAt)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseHostsFormat(f)
}

// parseHostsFormat reads RFC-952-style "addr name [alias...]" lines, shared
// by both /etc/hosts and `getent hosts` output.
func parseHostsFormat(r interface{ Read([]byte) (int, error) }) (map[string][]string, error) {
	out := make(map[string][]string)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		addr := fields[0]
		for _, name := range fields[1:] {
			name = strings.ToLower(name)
			out[name] = append(out[name], addr)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadMaster is unsupported: hosts is never a master-map source type in the
// reference implementation (only a map source type), matching lookup_yp.c's
// rejection of hosts as a master source.
func (m *module) ReadMaster(ctx context.Context, sink lookup.MasterSink, age int64) lookup.Status {
	fslog.Errorf(m, "hosts source cannot supply a master map")
	return lookup.Unavail
}

// ReadMap enumerates the whole hostname table into cache, one key per
// hostname, entry text being a space-joined address list (spec §4.B).
func (m *module) ReadMap(ctx context.Context, cache *mapent.Cache, age int64) lookup.Status {
	hosts, err := m.entries(ctx)
	if err != nil {
		fslog.Errorf(m, "could not enumerate hosts: %v", err)
		return lookup.Unavail
	}
	for name, addrs := range hosts {
		cache.Update(name, strings.Join(addrs, " "), age)
	}
	return lookup.Success
}

// Mount resolves a single hostname key (spec §4.B).
func (m *module) Mount(ctx context.Context, cache *mapent.Cache, key string) lookup.Status {
	hosts, err := m.entries(ctx)
	if err != nil {
		fslog.Errorf(m, "could not enumerate hosts: %v", err)
		return lookup.Unavail
	}
	addrs, ok := hosts[strings.ToLower(key)]
	if !ok {
		return lookup.NotFound
	}
	cache.Update(key, strings.Join(addrs, " "), time.Now().Unix())
	return lookup.Success
}
