// Package lookup defines the pluggable lookup-module contract (spec §4.B):
// the source-type-agnostic capability that file/, hosts/, directory/ and
// null/ implement, plus a by-name registry generalized from
// backend/union/policy/policy.go's map[string]Policy + registerPolicy/Get
// idiom (there one name resolves to one Policy; here one name resolves to
// one Opener).
package lookup

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rclone/autofsd/pkg/mapent"
)

// Status mirrors the small NSS-convention enumeration the spec requires
// every lookup-module operation and the NSS pipeline to agree on.
type Status int

const (
	// Success indicates the operation completed and produced data.
	Success Status = iota
	// NotFound indicates the source was consulted but had no entry.
	NotFound
	// Unavail indicates the source could not be consulted at all.
	Unavail
	// TryAgain indicates a transient failure; the caller should retry.
	TryAgain
)

func (s Status) String() string {
	switch s {
	case Success:
		return "SUCCESS"
	case NotFound:
		return "NOTFOUND"
	case Unavail:
		return "UNAVAIL"
	case TryAgain:
		return "TRYAGAIN"
	default:
		return "UNKNOWN"
	}
}

// MasterSink is the subset of the master-map registry a module's
// ReadMaster needs to populate — kept as a small interface here (rather
// than importing the master package) to avoid a package cycle, matching
// the "opaque capability" framing of spec §4.B.
type MasterSink interface {
	// AddMasterPath registers path with the given source argv and age as
	// seen in this read; forced marks a master-map line that explicitly
	// named sourceType (e.g. "-hosts") rather than leaving source
	// selection to nsswitch (spec §4.C step 1). Returns an error only on a
	// structural failure (allocation, duplicate detection is the sink's
	// responsibility).
	AddMasterPath(path string, sourceType, format string, argv []string, age int64, forced bool) error
}

// Module is one opened lookup-module instance (spec §4.B's five
// operations: open/read_master/read_map/mount/close — open is handled by
// the Opener that produced this Module).
type Module interface {
	// ReadMaster populates sink from this source's master-map data.
	ReadMaster(ctx context.Context, sink MasterSink, age int64) Status
	// ReadMap populates cache from this source's full map.
	ReadMap(ctx context.Context, cache *mapent.Cache, age int64) Status
	// Mount resolves a single key into cache.
	Mount(ctx context.Context, cache *mapent.Cache, key string) Status
	// Close releases any resources (file descriptors, connections) held
	// by this module instance. Implementations must be re-entrant across
	// AutomountPoints (spec §4.B).
	Close() error
}

// Opener constructs a Module instance for (format, argv). argv[0] is the
// map name/path per spec §3 (MapSource.Argv).
type Opener func(ctx context.Context, format string, argv []string) (Module, error)

var (
	mu       sync.Mutex
	openers  = make(map[string]Opener)
)

// Register makes an Opener available under name (e.g. "file", "hosts",
// "ldap"). Re-registering the same name overwrites the previous opener,
// matching union/policy.registerPolicy's unconditional map write.
func Register(name string, o Opener) {
	mu.Lock()
	defer mu.Unlock()
	openers[strings.ToLower(name)] = o
}

// Open resolves name to its Opener and invokes it. Returns a nil Module and
// an error if no module of that type is registered.
func Open(ctx context.Context, name, format string, argv []string) (Module, error) {
	mu.Lock()
	o, ok := openers[strings.ToLower(name)]
	mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("lookup: no module registered for type %q", name)
	}
	return o(ctx, format, argv)
}

// Registered reports whether a module type is available.
func Registered(name string) bool {
	mu.Lock()
	defer mu.Unlock()
	_, ok := openers[strings.ToLower(name)]
	return ok
}
