// Package mapent implements the per-AutomountPoint key->entry cache (spec
// §3 Mapent/MapentCache, §4.A Cache). The underlying expiring store is
// patrickmn/go-cache, the same library backend/cache/storage_memory.go uses
// for its transient chunk store; on top of it this package adds the
// operations the spec names that go-cache doesn't provide natively:
// lookup_distinct (ownership check), partial_match (longest-prefix lookup)
// and an explicit enumerate cursor that holds the read lock across multiple
// calls.
package mapent

import "time"

// Mapent is one resolved (or negatively-cached) map entry.
type Mapent struct {
	Key   string // path component, or "*" for the wildcard fallback
	Entry string // raw, unparsed entry text
	Age   int64  // last refresh epoch

	// Status holds the deadline of a negative-cache window: while
	// Status.After(now), Mount must return NotFound without invoking any
	// lookup module (spec §8: "∀ Mapents with status > now: mount returns
	// NOTFOUND without invoking any module").
	Status time.Time

	// Device/Inode record a ghosted subdirectory's identity so a later
	// stat can detect user tampering (spec §4.E ghosting).
	Device uint64
	Inode  uint64
	Ghosted bool

	// Multi back-links to the Mapent that is the root of the multi-mount
	// this entry belongs to, so siblings can share one lock (spec §3).
	Multi *Mapent

	owner *Cache // the Cache that created this entry; see lookup_distinct
}

// Negative reports whether this entry is currently within its negative
// caching window.
func (m *Mapent) Negative(now time.Time) bool {
	return m != nil && m.Status.After(now)
}
