// Package master implements the master-map registry, the MapSource/
// AutomountPoint data model, and the per-AutomountPoint state machine
// (spec §3, §4.D, §4.E). These live in one package, many files — the way
// backend/cache splits cache.go/handle.go/object.go/directory.go/
// storage_*.go across one package rather than several — because
// MasterEntry and AutomountPoint are mutually referential: an entry owns
// its automount point and the point's worker needs to call back into the
// registry (shutdown, reconciliation) that owns the entry. Splitting them
// into separate Go packages would force an import cycle; one package with
// several files keeps the cycle inside a single compilation unit instead.
package master

// Lock order (must be obeyed top-to-bottom by every code path that needs
// more than one of these at once — spec §5):
//
//  1. MasterMap.mu       — the entry list, and add/remove of entries.
//  2. MapSource.instMu   — one source's instance children list.
//  3. AutomountPoint.mountsMu — parent pointer and submount list.
//  4. AutomountPoint.stateMu  — state transitions and state-pipe writes.
//  5. mapent.Cache's own RWMutex (per AutomountPoint) — the Mapent map.
//
// A goroutine holding a lower-numbered lock may acquire a higher-numbered
// one; never the reverse. Submount recursion (notifySubmounts) drops the
// parent's mountsMu before taking a child's stateMu, then re-acquires it —
// see fsm.go.
