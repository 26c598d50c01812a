package mapent

import (
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/rclone/autofsd/internal/fslog"
)

// UpdateResult mirrors the spec's cache_update return codes (§4.A): they
// tell the caller of Update whether the underlying text actually changed.
type UpdateResult int

const (
	// FAIL indicates the update could not be applied.
	FAIL UpdateResult = iota
	// OK indicates the entry already held this exact text.
	OK
	// UPDATED indicates the text changed (or the entry was created).
	UPDATED
	// MISSING indicates the caller asked to refresh a key that isn't
	// present and none was created.
	MISSING
)

func (r UpdateResult) String() string {
	switch r {
	case OK:
		return "OK"
	case UPDATED:
		return "UPDATED"
	case MISSING:
		return "MISSING"
	default:
		return "FAIL"
	}
}

// Cache is a concurrent key->Mapent store scoped to one AutomountPoint.
// Locking is per-cache; callers must never hold two Caches' locks at once
// (spec §4.A).
type Cache struct {
	name string
	mu   sync.RWMutex
	db   *gocache.Cache
}

// New creates an empty cache. name is used only for logging.
func New(name string) *Cache {
	return &Cache{
		name: name,
		db:   gocache.New(gocache.NoExpiration, 0),
	}
}

func (c *Cache) String() string { return "mapent cache " + c.name }

// Lookup returns a borrowed view of the Mapent for key, or nil if absent.
func (c *Cache) Lookup(key string) *Mapent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.get(key)
}

func (c *Cache) get(key string) *Mapent {
	v, found := c.db.Get(key)
	if !found {
		return nil
	}
	return v.(*Mapent)
}

// LookupDistinct is Lookup but returns nil for an entry that is physically
// owned by a different cache (a multi-mount parent's entry shared into this
// one, per spec §4.A "cache_lookup_distinct").
func (c *Cache) LookupDistinct(key string) *Mapent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.get(key)
	if e == nil || e.owner != c {
		return nil
	}
	return e
}

// PartialMatch returns the Mapent whose key is the longest prefix of key —
// used to locate multi-mount roots (spec §4.A "cache_partial_match").
func (c *Cache) PartialMatch(key string) *Mapent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var best *Mapent
	bestLen := -1
	for k, v := range c.db.Items() {
		if len(k) > len(key) || len(k) <= bestLen {
			continue
		}
		if k == key[:len(k)] {
			best = v.Object.(*Mapent)
			bestLen = len(k)
		}
	}
	return best
}

// Update inserts or replaces the entry for key, returning OK if the text is
// unchanged, UPDATED if it changed (or the key was newly created). A Sun
// multi-mount entry — one key followed by several "/offset location"
// segments — additionally populates one child Mapent per offset, each
// keyed "key/offset" and back-linked via Multi to the root entry, so
// siblings share one lock (spec §3, §4.A).
func (c *Cache) Update(key, text string, age int64) UpdateResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing := c.get(key)
	if existing != nil && existing.Entry == text {
		existing.Age = age
		return OK
	}
	m := &Mapent{Key: key, Entry: text, Age: age, owner: c}
	if existing != nil {
		m.Multi = existing.Multi
	}
	c.db.Set(key, m, gocache.NoExpiration)
	if segs := splitMultiMount(text); len(segs) > 1 {
		for _, seg := range segs {
			childKey := key + seg.offset
			c.db.Set(childKey, &Mapent{
				Key:   childKey,
				Entry: seg.text,
				Age:   age,
				owner: c,
				Multi: m,
			}, gocache.NoExpiration)
		}
	}
	fslog.Debugf(c, "update %q -> UPDATED (age=%d)", key, age)
	return UPDATED
}

// multiSegment is one "/offset location..." clause of a multi-mount entry.
type multiSegment struct {
	offset string
	text   string
}

// splitMultiMount splits a Sun map entry's text on offset tokens (fields
// beginning with "/"); fields between one offset and the next belong to
// that offset's mount text. Text with at most one offset token is an
// ordinary single mount, not a multi-mount, and is returned as nil.
func splitMultiMount(text string) []multiSegment {
	fields := strings.Fields(text)
	var segs []multiSegment
	var cur *multiSegment
	for _, f := range fields {
		if strings.HasPrefix(f, "/") {
			segs = append(segs, multiSegment{offset: f})
			cur = &segs[len(segs)-1]
			continue
		}
		if cur == nil {
			continue // leading option text before the first offset
		}
		if cur.text != "" {
			cur.text += " "
		}
		cur.text += f
	}
	if len(segs) < 2 {
		return nil
	}
	return segs
}

// Negate marks key as negatively cached until now+ttl, creating the entry if
// it does not already exist. Called after a failed parse (spec §4.A / §7).
func (c *Cache) Negate(key string, now time.Time, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.get(key)
	if m == nil {
		m = &Mapent{Key: key, owner: c}
		c.db.Set(key, m, gocache.NoExpiration)
	}
	m.Status = now.Add(ttl)
}

// Delete removes key, reporting whether anything was removed.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.get(key) == nil {
		return false
	}
	c.db.Delete(key)
	return true
}

// Clean removes every entry whose Age is strictly below cutoff.
func (c *Cache) Clean(cutoff int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, item := range c.db.Items() {
		m := item.Object.(*Mapent)
		if m.Age < cutoff {
			c.db.Delete(k)
		}
	}
}

// Cursor iterates entries under a held read lock (spec's
// enumerate_readlock/enumerate/enumerate_unlock triple).
type Cursor struct {
	c   *Cache
	all []*Mapent
}

// EnumerateReadLock acquires the read lock and snapshots the current key
// set for iteration. Callers must call Unlock when done.
func (c *Cache) EnumerateReadLock() *Cursor {
	c.mu.RLock()
	items := c.db.Items()
	all := make([]*Mapent, 0, len(items))
	for _, item := range items {
		all = append(all, item.Object.(*Mapent))
	}
	return &Cursor{c: c, all: all}
}

// Enumerate calls fn for every entry snapshotted by EnumerateReadLock.
func (cur *Cursor) Enumerate(fn func(*Mapent)) {
	for _, m := range cur.all {
		fn(m)
	}
}

// Unlock releases the read lock taken by EnumerateReadLock.
func (cur *Cursor) Unlock() {
	cur.c.mu.RUnlock()
}

// Len reports how many entries were snapshotted.
func (cur *Cursor) Len() int { return len(cur.all) }
