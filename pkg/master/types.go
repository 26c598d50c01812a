package master

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rclone/autofsd/internal/fslog"
	"github.com/rclone/autofsd/pkg/adapters"
	"github.com/rclone/autofsd/pkg/mapent"
	"github.com/rclone/autofsd/pkg/nss"
)

// DirectRoot is the sentinel mount path meaning "direct-mount root" (spec
// §3, §6).
const DirectRoot = "/-"

// MasterMap is the root registry, keyed by mount path (spec §3).
type MasterMap struct {
	Name             string
	DefaultTimeout   time.Duration
	DefaultGhost     bool
	DefaultLogLevel  string

	mu      sync.Mutex
	entries []*MasterEntry

	Mounter   adapters.MountExecutor
	Parser    adapters.Parser
	Nsswitch  adapters.NsswitchReader

	// ChannelFactory opens the kernel autofs channel for a newly
	// registered mount point, if any. Nil means no on-demand kernel
	// requests are serviced (cache/reconciliation only), which is the
	// default in tests and in any deployment that only needs map
	// population (spec §4.G).
	ChannelFactory func(path string) adapters.KernelChannel
}

// New creates an empty registry.
func New(name string, mounter adapters.MountExecutor, parser adapters.Parser, nsw adapters.NsswitchReader) *MasterMap {
	return &MasterMap{
		Name:           name,
		DefaultTimeout: 10 * time.Minute,
		DefaultGhost:   true,
		Mounter:        mounter,
		Parser:         parser,
		Nsswitch:       nsw,
	}
}

func (mm *MasterMap) String() string { return "master map " + mm.Name }

// MapSource is one configured backend for key->entry resolution (spec §3).
type MapSource struct {
	Type   string
	Format string
	Argv   []string
	Age    int64

	instMu    sync.Mutex
	instances []*MapSource // instance children, strictly append-head

	// Recurse is a self-include guard slot (spec §4.B.1). No code path in
	// this module sets it; the file lookup module keeps its own guard.
	Recurse bool

	// Forced records that the owning master-map line explicitly named
	// Type (e.g. "-hosts") rather than leaving source selection to
	// nsswitch (spec §4.C step 1). An empty Type with Forced false means
	// Argv[0] is a plain map name to be resolved against the nsswitch
	// "automount" database when the pipeline is built.
	Forced bool
}

// Key is the (type, format, argv) tuple the registry deduplicates on (spec
// §4.D add_map_source).
func (s *MapSource) Key() string {
	return s.Type + "\x00" + s.Format + "\x00" + joinArgv(s.Argv)
}

func joinArgv(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += "\x00"
		}
		out += a
	}
	return out
}

// AddInstance adds a runtime-specialised variant at the head of the
// instance list under its own lock, so instance creation never contends
// with the registry lock (spec §4.D find_source_instance /
// add_source_instance).
func (s *MapSource) AddInstance(inst *MapSource) {
	s.instMu.Lock()
	defer s.instMu.Unlock()
	s.instances = append([]*MapSource{inst}, s.instances...)
}

// FindInstance looks for an already-open instance matching (typ, format,
// argv).
func (s *MapSource) FindInstance(typ, format string, argv []string) *MapSource {
	key := (&MapSource{Type: typ, Format: format, Argv: argv}).Key()
	s.instMu.Lock()
	defer s.instMu.Unlock()
	for _, inst := range s.instances {
		if inst.Key() == key {
			return inst
		}
	}
	return nil
}

// MasterEntry represents one administered mount point (spec §3).
type MasterEntry struct {
	Path string // absolute path, or DirectRoot
	Age  int64  // last seen in a re-read of the master map

	mu      sync.Mutex // protects Sources (the "primary" list)
	Sources []*MapSource

	AP *AutomountPoint

	pipeline *nss.Pipeline // rebuilt whenever Sources changes
}

func (e *MasterEntry) String() string { return "master entry " + e.Path }

// IsDirect reports whether this entry is the direct-mount root.
func (e *MasterEntry) IsDirect() bool { return e.Path == DirectRoot }

// AddSource appends src to e's primary source list unless a source with
// the same (type, format, argv) tuple already exists, per spec §4.D's
// deduplication rule. Returns false (and does not append) on a duplicate.
func (e *MasterEntry) AddSource(src *MapSource) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := src.Key()
	for _, s := range e.Sources {
		if s.Key() == key {
			return false
		}
	}
	e.Sources = append(e.Sources, src)
	e.pipeline = nil
	return true
}

// pipelineLocked rebuilds (or returns the cached) NSS pipeline for e's
// current source list. Callers must hold e.mu.
func (e *MasterEntry) pipelineLocked(ctx context.Context) *nss.Pipeline {
	if e.pipeline != nil {
		return e.pipeline
	}
	var srcs []nss.Source
	for _, s := range e.Sources {
		srcs = append(srcs, e.expandSource(ctx, s)...)
	}
	e.pipeline = nss.New(srcs)
	return e.pipeline
}

// expandSource turns one configured MapSource into the concrete nss.Source
// list the pipeline will actually traverse for it (spec §4.C steps 1-3):
//
//  1. A forced type (the master entry explicitly named one, e.g.
//     "-hosts") or an already-absolute map argument (step 2, "force the
//     file type on a copy of the automount point") produces a single
//     Source with Forced set, so the pipeline calls it once and returns.
//  2. Otherwise s.Argv[0] is a plain map name; it is resolved against every
//     source listed in the nsswitch "automount" database, substituting the
//     conventional "files" source's map argument to /etc/<name> (the first
//     "files" occurrence is the one whose substitution applies; later
//     occurrences reuse it, per the step 3 tie-break).
func (e *MasterEntry) expandSource(ctx context.Context, s *MapSource) []nss.Source {
	if s.Forced {
		return []nss.Source{{Type: s.Type, Format: s.Format, Argv: s.Argv, Forced: true}}
	}
	if len(s.Argv) == 0 {
		fslog.Warnf(e, "map source for %s has no map name", e.Path)
		return nil
	}
	mapName := s.Argv[0]
	if strings.HasPrefix(mapName, "/") {
		return []nss.Source{{Type: "file", Format: s.Format, Argv: s.Argv, Forced: true}}
	}

	if e.AP == nil || e.AP.owner == nil || e.AP.owner.Nsswitch == nil {
		fslog.Warnf(e, "no nsswitch reader configured, falling back to files for %s", mapName)
		return []nss.Source{{Type: "file", Format: s.Format, Argv: filesArgv(s.Argv)}}
	}
	nsEntries, err := e.AP.owner.Nsswitch.Parse(ctx)
	if err != nil {
		fslog.Warnf(e, "nsswitch parse failed (%v), falling back to files for %s", err, mapName)
		return []nss.Source{{Type: "file", Format: s.Format, Argv: filesArgv(s.Argv)}}
	}

	var out []nss.Source
	var substituted []string
	for _, ns := range nsEntries {
		typ := ns.Source
		argv := append([]string(nil), s.Argv...)
		if ns.Source == "files" {
			// the nsswitch "files" source is served by the "file" lookup module
			typ = "file"
			if substituted == nil {
				argv = filesArgv(argv)
				substituted = argv
			} else {
				argv = substituted
			}
		}
		out = append(out, nss.Source{
			Type:    typ,
			Format:  s.Format,
			Argv:    argv,
			Actions: nssActionsFromSpec(ns.Actions),
		})
	}
	return out
}

// filesArgv resolves a relative map name to /etc/<name>, the conventional
// "files" source's map path (spec §4.C step 3).
func filesArgv(argv []string) []string {
	out := append([]string(nil), argv...)
	if len(out) > 0 && !strings.HasPrefix(out[0], "/") {
		out[0] = "/etc/" + out[0]
	}
	return out
}

// nssActionsFromSpec converts the adapters package's raw parsed action
// specs into nss.Action values, dropping any clause whose status or verb
// token fails to parse (logged, not fatal — the rest of the action table
// still applies, and RunMap/RunMount fall back to the default verb for an
// unmatched status).
func nssActionsFromSpec(specs map[string]adapters.NssActionSpec) []nss.Action {
	var out []nss.Action
	for status, spec := range specs {
		st, err := nss.ParseStatus(status)
		if err != nil {
			continue
		}
		vb, err := nss.ParseVerb(spec.Verb)
		if err != nil {
			continue
		}
		out = append(out, nss.Action{Status: st, Negate: spec.Negate, Verb: vb})
	}
	return out
}

// Pipeline returns e's current NSS pipeline, rebuilding it if the source
// list changed since the last call.
func (e *MasterEntry) Pipeline(ctx context.Context) *nss.Pipeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pipelineLocked(ctx)
}

// State is one state of the per-AutomountPoint FSM (spec §4.E).
type State int

const (
	// Inval is the sentinel "no valid state observed" value.
	Inval State = iota
	Init
	Ready
	Expire
	Prune
	Readmap
	ShutdownPending
	ShutdownForce
	Shutdown
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Ready:
		return "READY"
	case Expire:
		return "EXPIRE"
	case Prune:
		return "PRUNE"
	case Readmap:
		return "READMAP"
	case ShutdownPending:
		return "SHUTDOWN_PENDING"
	case ShutdownForce:
		return "SHUTDOWN_FORCE"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return "INVAL"
	}
}

// AutomountPoint is the live state of one mount point (spec §3, §4.E).
type AutomountPoint struct {
	Path    string
	Ghost   bool
	Timeout time.Duration

	mountsMu sync.Mutex
	Parent   *AutomountPoint
	Children []*AutomountPoint

	stateMu   sync.Mutex
	state     State
	statePipe chan State

	Cache *mapent.Cache

	// Channel is the kernel autofs channel this point services on-demand
	// mount requests from. Nil means the point is cache/reconciliation
	// only (e.g. in tests), and the worker loop never selects on it
	// (spec §1, §4.G).
	Channel adapters.KernelChannel

	owner *MasterMap
	entry *MasterEntry

	doneOnce sync.Once
	done     chan struct{}
}

func (ap *AutomountPoint) String() string { return "automount point " + ap.Path }

// IsDirect reports whether this point is the direct-mount root.
func (ap *AutomountPoint) IsDirect() bool { return ap.Path == DirectRoot }

// newAutomountPoint constructs an AutomountPoint in state INIT, not yet
// started (spec §3: "created together with its MasterEntry").
func newAutomountPoint(owner *MasterMap, entry *MasterEntry, ghost bool, timeout time.Duration) *AutomountPoint {
	ap := &AutomountPoint{
		Path:      entry.Path,
		Ghost:     ghost,
		Timeout:   timeout,
		state:     Init,
		statePipe: make(chan State, 16),
		Cache:     mapent.New(entry.Path),
		owner:     owner,
		entry:     entry,
		done:      make(chan struct{}),
	}
	if owner != nil && owner.ChannelFactory != nil {
		ap.Channel = owner.ChannelFactory(entry.Path)
	}
	return ap
}

// State returns the current state under the state lock.
func (ap *AutomountPoint) State() State {
	ap.stateMu.Lock()
	defer ap.stateMu.Unlock()
	return ap.state
}

// Signal enqueues a transition request onto the state pipe without
// blocking for it to be processed (spec §4.E/§4.F: "state_mutex serialises
// ... writes to state_pipe"). A full pipe drops the oldest pending
// transition rather than blocking the signal-fanout caller; the FSM loop
// acts only on the transitions it receives, so a dropped one is never run.
func (ap *AutomountPoint) Signal(s State) {
	ap.stateMu.Lock()
	defer ap.stateMu.Unlock()
	select {
	case ap.statePipe <- s:
	default:
		select {
		case <-ap.statePipe:
		default:
		}
		select {
		case ap.statePipe <- s:
		default:
		}
	}
}

// Done reports whether this point's worker has exited.
func (ap *AutomountPoint) Done() <-chan struct{} { return ap.done }

func (ap *AutomountPoint) markDone() {
	ap.doneOnce.Do(func() { close(ap.done) })
}
