package master

import (
	"context"
	"testing"
	"time"

	"github.com/rclone/autofsd/pkg/adapters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopMounter struct{}

func (noopMounter) Mount(ctx context.Context, target, source, fstype string, options []string) (adapters.MountStatus, error) {
	return adapters.MountOK, nil
}
func (noopMounter) Unmount(ctx context.Context, target string, lazy bool) (adapters.MountStatus, error) {
	return adapters.MountOK, nil
}

func newTestRegistry() *MasterMap {
	mm := New("test", noopMounter{}, nil, nil)
	mm.DefaultGhost = false // keep tests from touching the real filesystem
	return mm
}

func TestRegistryUniquenessPerPath(t *testing.T) {
	mm := newTestRegistry()
	require.NoError(t, mm.AddMasterPath("/mnt/a", "file", "sun", []string{"/etc/auto.a"}, 1, false))
	require.NoError(t, mm.AddMasterPath("/mnt/a", "file", "sun", []string{"/etc/auto.a"}, 1, false))

	found := 0
	mm.mu.Lock()
	for _, e := range mm.entries {
		if e.Path == "/mnt/a" {
			found++
		}
	}
	mm.mu.Unlock()
	assert.Equal(t, 1, found, "exactly one master entry per path")
}

func TestAddMapSourceDeduplicates(t *testing.T) {
	mm := newTestRegistry()
	mm.AddMasterPath("/mnt/a", "file", "sun", []string{"/etc/auto.a"}, 1, false)
	entry := mm.Find("/mnt/a")
	require.NotNil(t, entry)
	assert.Len(t, entry.Sources, 1)

	ok := mm.AddMasterSource(entry, "file", "sun", 1, []string{"/etc/auto.a"}, false)
	assert.False(t, ok)
	assert.Len(t, entry.Sources, 1)

	ok = mm.AddMasterSource(entry, "file", "sun", 1, []string{"/etc/auto.b"}, false)
	assert.True(t, ok)
	assert.Len(t, entry.Sources, 2)
}

// TestStaleEntryShutsDown exercises spec §8 scenario 5: an entry present
// only in the first of two master-map reads must receive
// SHUTDOWN_PENDING and its worker must exit; a third read must not find
// it in the registry's live worker set.
func TestStaleEntryShutsDown(t *testing.T) {
	mm := newTestRegistry()

	mm.AddMasterPath("/mnt/a", "file", "sun", []string{"/etc/auto.a"}, 1, false)
	entry := mm.Find("/mnt/a")
	require.NotNil(t, entry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	entry.AP.Ghost = false
	ready := make(chan error, 1)
	go entry.AP.run(ctx, entry, ready)
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never signalled readiness")
	}

	// second read: entry.Age stays at 1, but epoch advances to 2, so the
	// entry is now stale and must be shut down.
	mm.mountMounts(context.Background(), 2, false)

	select {
	case <-entry.AP.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stale entry's worker did not exit")
	}
	assert.Equal(t, Shutdown, entry.AP.State())
	assert.Nil(t, mm.Find("/mnt/a"), "a stale entry must be gone from the registry")
}

func TestFreeEntryReleasesSources(t *testing.T) {
	mm := newTestRegistry()
	mm.AddMasterPath("/mnt/a", "file", "sun", []string{"/etc/auto.a"}, 1, false)
	entry := mm.Find("/mnt/a")
	require.NotNil(t, entry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan error, 1)
	go entry.AP.run(ctx, entry, ready)
	<-ready

	mm.FreeEntry(entry)

	assert.Nil(t, mm.Find("/mnt/a"))
	assert.Empty(t, entry.Sources)
}
