package master

import (
	"context"
	"fmt"
	"time"

	"github.com/rclone/autofsd/internal/fslog"
	"github.com/rclone/autofsd/pkg/lookup"
	"github.com/rclone/autofsd/pkg/nss"
)

// Entries returns a snapshot of the current registry entry list, used by
// the signal fan-out to iterate without holding the registry lock across
// per-entry signalling (spec §4.F: "takes the registry lock first, then
// each entry's state lock").
func (mm *MasterMap) Entries() []*MasterEntry {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return append([]*MasterEntry(nil), mm.entries...)
}

// Find searches the registry under the registry lock for an entry at path
// (spec §4.D find).
func (mm *MasterMap) Find(path string) *MasterEntry {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.findLocked(path)
}

func (mm *MasterMap) findLocked(path string) *MasterEntry {
	for _, e := range mm.entries {
		if e.Path == path {
			return e
		}
	}
	return nil
}

// NewEntry constructs (but does not register) a MasterEntry at path with
// the given age stamp (spec §4.D new_entry).
func NewEntry(path string, age int64) *MasterEntry {
	return &MasterEntry{Path: path, Age: age}
}

// AddEntry appends entry to the registry under the registry lock. The
// caller must have already checked Find(entry.Path) == nil; AddEntry itself
// does not re-check (spec §4.D "duplicates are rejected by the caller using
// find").
func (mm *MasterMap) AddEntry(entry *MasterEntry) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.entries = append(mm.entries, entry)
}

// FreeEntry detaches entry from the registry, shuts its AutomountPoint
// down, and releases its MapSources (spec §4.D free_entry).
func (mm *MasterMap) FreeEntry(entry *MasterEntry) {
	mm.mu.Lock()
	for i, e := range mm.entries {
		if e == entry {
			mm.entries = append(mm.entries[:i], mm.entries[i+1:]...)
			break
		}
	}
	mm.mu.Unlock()

	if entry.AP != nil {
		entry.AP.Signal(ShutdownPending)
		<-entry.AP.Done()
	}
	entry.mu.Lock()
	entry.Sources = nil
	entry.mu.Unlock()
}

// AddMasterSource appends a source to entry, deduplicating on
// (type, format, argv) (spec §4.D add_map_source). Returns false if it was
// a duplicate.
func (mm *MasterMap) AddMasterSource(entry *MasterEntry, typ, format string, age int64, argv []string, forced bool) bool {
	src := &MapSource{Type: typ, Format: format, Argv: argv, Age: age, Forced: forced}
	ok := entry.AddSource(src)
	if !ok {
		fslog.Warnf(mm, "duplicate map source %s %s %v on %s, rejected", typ, format, argv, entry.Path)
	}
	return ok
}

// AddMasterPath implements lookup.MasterSink: lookup modules' ReadMaster
// call this once per parsed master-map line. path is the mount path (or
// DirectRoot), argv[0] is the map name, argv[1:] (if any) is the inline
// format/options text — mirroring the C reader's read_master callback
// shape (spec §4.B/§4.D).
func (mm *MasterMap) AddMasterPath(path, sourceType, format string, argv []string, age int64, forced bool) error {
	mm.mu.Lock()
	entry := mm.findLocked(path)
	mm.mu.Unlock()

	if entry == nil {
		entry = NewEntry(path, age)
		entry.AP = newAutomountPoint(mm, entry, mm.DefaultGhost, mm.DefaultTimeout)
		mm.AddEntry(entry)
		fslog.Infof(mm, "new master entry %s", path)
	} else {
		entry.Age = age
	}
	mm.AddMasterSource(entry, sourceType, format, age, argv, forced)
	return nil
}

// ReadMaster refreshes the registry: drives the NSS pipeline's
// read_master across the configured top-level sources in order, stopping
// at the first one whose action resolves to Return, then reconciles via
// mountMounts (spec §4.D read_master).
func (mm *MasterMap) ReadMaster(ctx context.Context, sources []nss.Source, epoch int64, readall bool) error {
	if len(sources) == 0 {
		fslog.Warnf(mm, "no nss sources configured for automount database")
		return fmt.Errorf("master: no nss sources configured")
	}
	p := nss.New(sources)
	res := p.RunMaster(ctx, mm, epoch)
	if res.Status != lookup.Success && res.Status != lookup.NotFound {
		fslog.Errorf(mm, "read_master pipeline failed: %v", res.Status)
	}
	mm.mountMounts(ctx, epoch, readall)
	return nil
}

// mountMounts is the reconciliation step run after every master-map
// re-read (spec §4.D mount_mounts).
func (mm *MasterMap) mountMounts(ctx context.Context, epoch int64, readall bool) {
	mm.mu.Lock()
	entries := append([]*MasterEntry(nil), mm.entries...)
	mm.mu.Unlock()

	for _, entry := range entries {
		if entry.Age < epoch {
			fslog.Infof(mm, "entry %s stale as of epoch %d, shutting down", entry.Path, epoch)
			if entry.AP != nil {
				entry.AP.Signal(ShutdownPending)
			}
			mm.mu.Lock()
			for i, e := range mm.entries {
				if e == entry {
					mm.entries = append(mm.entries[:i], mm.entries[i+1:]...)
					break
				}
			}
			mm.mu.Unlock()
			continue
		}
		changed := mm.checkUpdateMapSources(entry, epoch, readall)
		if changed && entry.AP != nil {
			entry.AP.Signal(Readmap)
			continue
		}
		if entry.AP != nil && !entry.AP.started() {
			mm.startWorker(ctx, entry)
		}
	}
}

// checkUpdateMapSources drops sources whose Age fell behind epoch,
// special-cases a "null" source type by truncating everything after it
// (spec §4.D), and reports whether anything changed.
func (mm *MasterMap) checkUpdateMapSources(entry *MasterEntry, epoch int64, readall bool) bool {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	changed := false
	kept := entry.Sources[:0:0]
	for _, s := range entry.Sources {
		if s.Type == "null" {
			kept = append(kept, s)
			changed = changed || len(kept) != len(entry.Sources)
			break
		}
		if s.Age < epoch && !readall {
			fslog.Debugf(entry, "dropping stale source %s %v", s.Type, s.Argv)
			changed = true
			continue
		}
		kept = append(kept, s)
	}
	if len(kept) != len(entry.Sources) {
		changed = true
	}
	entry.Sources = kept
	entry.pipeline = nil
	return changed
}

// startWorker launches entry's AutomountPoint FSM as a detached goroutine,
// synchronising on a readiness channel so the caller only proceeds once
// the worker has reached INIT->READY or failed (spec §4.D: "synchronise
// start-up via a one-shot condition").
func (mm *MasterMap) startWorker(ctx context.Context, entry *MasterEntry) {
	ready := make(chan error, 1)
	go entry.AP.run(ctx, entry, ready)
	select {
	case err := <-ready:
		if err != nil {
			fslog.Errorf(mm, "worker for %s failed to start: %v", entry.Path, err)
		}
	case <-time.After(30 * time.Second):
		fslog.Errorf(mm, "worker for %s did not signal readiness within 30s", entry.Path)
	}
}
