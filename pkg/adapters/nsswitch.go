package adapters

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
)

// FileNsswitchReader parses /etc/nsswitch.conf's "automount:" database
// line into an ordered NssEntry list, grounded on backend/local's plain
// os.Open + bufio.Scanner style of reading local configuration.
type FileNsswitchReader struct {
	Path string // default "/etc/nsswitch.conf", overridable via
	// AUTOMOUNTD_NSSWITCH_PATH (spec §6 supplemented env var)
}

func NewFileNsswitchReader(path string) *FileNsswitchReader {
	if path == "" {
		path = "/etc/nsswitch.conf"
	}
	return &FileNsswitchReader{Path: path}
}

func (r *FileNsswitchReader) String() string { return "nsswitch reader " + r.Path }

// Parse implements adapters.NsswitchReader.
func (r *FileNsswitchReader) Parse(ctx context.Context) ([]NssEntry, error) {
	f, err := os.Open(r.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		if !strings.HasPrefix(line, "automount:") {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, "automount:"))
		return parseSourceList(rest)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("nsswitch: no automount database entry in %s", r.Path)
}

// parseSourceList tokenizes "files [NOTFOUND=return] ldap" into NssEntry
// values, one per source token, attaching any bracketed action group that
// immediately follows it.
func parseSourceList(s string) ([]NssEntry, error) {
	var entries []NssEntry
	fields := strings.Fields(s)
	i := 0
	for i < len(fields) {
		tok := fields[i]
		if strings.HasPrefix(tok, "[") {
			// a bracket group with no preceding source name is malformed;
			// skip it defensively rather than aborting the whole parse.
			i++
			continue
		}
		entry := NssEntry{Source: tok, Actions: map[string]NssActionSpec{}}
		i++
		if i < len(fields) && strings.HasPrefix(fields[i], "[") {
			group := fields[i]
			for !strings.HasSuffix(group, "]") && i+1 < len(fields) {
				i++
				group += " " + fields[i]
			}
			group = strings.TrimPrefix(strings.TrimSuffix(group, "]"), "[")
			if err := parseActionGroup(group, entry.Actions); err != nil {
				return nil, err
			}
			i++
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// parseActionGroup parses "NOTFOUND=return !SUCCESS=return" into action
// specs keyed by status token (spec §4.C negation rule: a leading '!'
// before the status name negates the match).
func parseActionGroup(group string, out map[string]NssActionSpec) error {
	for _, clause := range strings.Fields(group) {
		neg := false
		c := clause
		if strings.HasPrefix(c, "!") {
			neg = true
			c = c[1:]
		}
		parts := strings.SplitN(c, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("nsswitch: malformed action clause %q", clause)
		}
		out[strings.ToUpper(parts[0])] = NssActionSpec{Negate: neg, Verb: parts[1]}
	}
	return nil
}
