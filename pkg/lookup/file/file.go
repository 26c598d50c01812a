// Package file implements the flat-file lookup module (spec §4.B.1, §6
// map-file grammar), grounded on original_source/modules/lookup_file.c's
// read_one() state machine and on backend/local/local.go's plain os.Open/
// bufio.Scanner style of reading local paths.
package file

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rclone/autofsd/internal/fslog"
	"github.com/rclone/autofsd/pkg/lookup"
	"github.com/rclone/autofsd/pkg/mapent"
)

// Limits mirror the C implementation's KEY_MAX_LEN/MAPENT_MAX_LEN/
// MAX_INCLUDE_DEPTH constants (spec §6).
const (
	KeyMaxLen       = 255
	MapentMaxLen    = 16384
	MaxIncludeDepth = 16
)

func init() {
	lookup.Register("file", Open)
}

// module is one opened file-map instance.
type module struct {
	path string

	mu      sync.Mutex
	recurse bool // set on self-include detection (spec §4.B.1)
	depth   int
}

// Open implements lookup.Opener. argv[0] must be an absolute path to the
// map file, matching lookup_init's rejection of relative file maps.
func Open(ctx context.Context, format string, argv []string) (lookup.Module, error) {
	if len(argv) < 1 {
		return nil, fmt.Errorf("file: no map name")
	}
	path := argv[0]
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("file: map %q is not an absolute pathname", path)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("file: map %q missing or not readable: %w", path, err)
	}
	return &module{path: path}, nil
}

func (m *module) String() string { return "file map " + m.path }

func (m *module) Close() error { return nil }

// entry is one parsed (key, text) line, or an include directive.
type entry struct {
	key     string
	text    string
	include bool // key held a leading '+'
}

// readAll parses the whole map file per the §6 grammar: backslash
// continuation, double-quoted opaque runs, '#' comments, blank lines.
func (m *module) readAll() ([]entry, error) {
	f, err := os.Open(m.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), MapentMaxLen+KeyMaxLen+1024)

	var pending strings.Builder
	for sc.Scan() {
		line := sc.Text()
		pending.WriteString(line)
		if strings.HasSuffix(line, "\\") && !inOpenQuote(pending.String()) {
			// trailing backslash before newline: continuation marker
			s := pending.String()
			pending.Reset()
			pending.WriteString(strings.TrimSuffix(s, "\\"))
			continue
		}
		raw := pending.String()
		pending.Reset()

		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if inOpenQuote(raw) {
			fslog.Warnf(m, "unmatched \" in map entry %q", raw)
			continue
		}

		key, text, ok := splitKeyText(trimmed)
		if !ok {
			continue
		}
		if len(key) > KeyMaxLen {
			fslog.Warnf(m, "map key %q is too long, max %d", key, KeyMaxLen)
			continue
		}
		if len(text) > MapentMaxLen {
			fslog.Warnf(m, "map entry for key %q is too long, max %d", key, MapentMaxLen)
			continue
		}
		if strings.HasPrefix(key, "+") {
			entries = append(entries, entry{key: key, include: true})
			continue
		}
		entries = append(entries, entry{key: key, text: text})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// inOpenQuote reports whether line has an odd number of unescaped double
// quotes, meaning a quoted run is still open.
func inOpenQuote(line string) bool {
	count := 0
	for i := 0; i < len(line); i++ {
		if line[i] == '\\' {
			i++
			continue
		}
		if line[i] == '"' {
			count++
		}
	}
	return count%2 == 1
}

// splitKeyText splits "key   rest-of-line" on the first run of
// unquoted whitespace.
func splitKeyText(s string) (key, text string, ok bool) {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			inQuote = !inQuote
		case ' ', '\t':
			if !inQuote {
				return s[:i], strings.TrimSpace(s[i+1:]), true
			}
		}
	}
	return s, "", s != ""
}

// resolvesToSelf reports whether name (the payload of a `+name`
// directive, already stripped of its leading '+') refers to this same map:
// by absolute path if name is absolute, otherwise by basename — exactly
// check_self_include()'s rule.
func (m *module) resolvesToSelf(name string) bool {
	if filepath.IsAbs(name) {
		return name == m.path
	}
	return filepath.Base(name) == filepath.Base(m.path)
}

// parseMasterLine splits a master-map line's rest-of-line text into either
// a forced source type ("-hosts", "-null ...") or a plain map name plus
// trailing mount options (spec §4.C step 1: "if the master entry forced a
// type"). A bare map name defers source selection to the nsswitch
// "automount" database.
func parseMasterLine(text string) (forced bool, sourceType string, argv []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false, "", nil
	}
	if strings.HasPrefix(fields[0], "-") {
		return true, strings.TrimPrefix(fields[0], "-"), fields[1:]
	}
	return false, "", fields
}

// ReadMaster implements lookup.Module.
func (m *module) ReadMaster(ctx context.Context, sink lookup.MasterSink, age int64) lookup.Status {
	m.mu.Lock()
	if m.recurse {
		m.mu.Unlock()
		return lookup.Unavail
	}
	if m.depth > MaxIncludeDepth {
		m.mu.Unlock()
		fslog.Errorf(m, "maximum include depth exceeded %s", m.path)
		return lookup.Unavail
	}
	m.mu.Unlock()

	entries, err := m.readAll()
	if err != nil {
		fslog.Errorf(m, "could not open master map file %s: %v", m.path, err)
		return lookup.Unavail
	}
	for _, e := range entries {
		if e.include {
			name := strings.TrimPrefix(e.key, "+")
			self := m.resolvesToSelf(name)
			m.mu.Lock()
			if self {
				m.recurse = true
			}
			m.depth++
			m.mu.Unlock()
			// The including source re-runs this same operation against
			// the referenced map name; the caller (the master-map
			// reader, spec §4.D) is responsible for re-entering the NSS
			// pipeline for `name`. Here we only guard recursion and
			// surface the directive via sink so the caller can act.
			if err := sink.AddMasterPath(name, "file", "", []string{name}, age, true); err != nil {
				fslog.Warnf(m, "failed to queue included master map %s: %v", name, err)
			}
			m.mu.Lock()
			m.depth--
			m.recurse = false
			m.mu.Unlock()
			continue
		}
		forced, srcType, argv := parseMasterLine(e.text)
		if err := sink.AddMasterPath(e.key, srcType, "sun", argv, age, forced); err != nil {
			fslog.Warnf(m, "failed to add master entry %s: %v", e.key, err)
		}
	}
	return lookup.Success
}

// ReadMap implements lookup.Module: populate cache with every key in this
// map (spec §4.B).
func (m *module) ReadMap(ctx context.Context, cache *mapent.Cache, age int64) lookup.Status {
	m.mu.Lock()
	if m.recurse {
		m.mu.Unlock()
		return lookup.Unavail
	}
	if m.depth > MaxIncludeDepth {
		m.mu.Unlock()
		fslog.Errorf(m, "maximum include depth exceeded %s", m.path)
		return lookup.Unavail
	}
	m.mu.Unlock()

	entries, err := m.readAll()
	if err != nil {
		fslog.Errorf(m, "could not open map file %s: %v", m.path, err)
		return lookup.Unavail
	}
	for _, e := range entries {
		if e.include {
			continue // include directives inside a non-master map are skipped here and in Mount
		}
		cache.Update(e.key, e.text, age)
	}
	return lookup.Success
}

// Mount implements lookup.Module: resolve a single key (spec §4.B, §8
// scenario 1).
func (m *module) Mount(ctx context.Context, cache *mapent.Cache, key string) lookup.Status {
	m.mu.Lock()
	if m.recurse {
		m.mu.Unlock()
		return lookup.Unavail
	}
	m.mu.Unlock()

	if len(key) > KeyMaxLen {
		return lookup.NotFound
	}

	entries, err := m.readAll()
	if err != nil {
		fslog.Errorf(m, "could not open map file %s: %v", m.path, err)
		return lookup.Unavail
	}
	for _, e := range entries {
		if e.include || e.key != key {
			continue
		}
		cache.Update(key, e.text, time.Now().Unix())
		return lookup.Success
	}
	// fall back to the wildcard entry, exactly as lookup_wild does
	for _, e := range entries {
		if !e.include && e.key == "*" {
			cache.Update("*", e.text, time.Now().Unix())
			return lookup.Success
		}
	}
	return lookup.NotFound
}
