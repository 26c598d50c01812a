package master

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/rclone/autofsd/pkg/adapters"
	"github.com/rclone/autofsd/pkg/lookup"
	"github.com/rclone/autofsd/pkg/mapent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopback is an io.ReadWriter over two buffers; out is guarded by a mutex
// since the worker's respond goroutine and the test's assertions touch it
// from different goroutines.
type loopback struct {
	in *bytes.Buffer

	outMu sync.Mutex
	out   *bytes.Buffer
}

func (l *loopback) Read(p []byte) (int, error) { return l.in.Read(p) }
func (l *loopback) Write(p []byte) (int, error) {
	l.outMu.Lock()
	defer l.outMu.Unlock()
	return l.out.Write(p)
}
func (l *loopback) outLen() int {
	l.outMu.Lock()
	defer l.outMu.Unlock()
	return l.out.Len()
}

// fakeMountModule resolves every key against a fixed (status, text) pair,
// populating the cache exactly like a real lookup module's Mount would.
type fakeMountModule struct {
	status lookup.Status
	text   string
}

func (f fakeMountModule) ReadMaster(ctx context.Context, sink lookup.MasterSink, age int64) lookup.Status {
	return f.status
}
func (f fakeMountModule) ReadMap(ctx context.Context, cache *mapent.Cache, age int64) lookup.Status {
	return f.status
}
func (f fakeMountModule) Mount(ctx context.Context, cache *mapent.Cache, key string) lookup.Status {
	if f.status == lookup.Success {
		cache.Update(key, f.text, time.Now().Unix())
	}
	return f.status
}
func (f fakeMountModule) Close() error { return nil }

// fakeParser reports MountOK for any text not equal to "bad", recording
// every key/text pair it was asked to parse.
type fakeParser struct {
	calls []string
}

func (p *fakeParser) ParseMount(ctx context.Context, pctx adapters.ParseContext, key, text string) (adapters.MountStatus, error) {
	p.calls = append(p.calls, key+"="+text)
	if text == "bad" {
		return adapters.MountFailed, nil
	}
	return adapters.MountOK, nil
}

func newTestEntry(t *testing.T, srcType string) (*MasterMap, *MasterEntry, *fakeParser) {
	t.Helper()
	parser := &fakeParser{}
	mm := New("test", noopMounter{}, parser, nil)
	mm.DefaultGhost = false

	entry := NewEntry("/mnt/mount", 1)
	entry.AP = newAutomountPoint(mm, entry, false, time.Minute)
	entry.AddSource(&MapSource{Type: srcType, Format: "sun", Argv: []string{"unused"}, Forced: true})
	mm.AddEntry(entry)
	return mm, entry, parser
}

// TestMountNegativeCacheShortCircuits exercises spec §8: a key already
// inside its negative-cache window must return NOTFOUND without invoking
// any lookup module.
func TestMountNegativeCacheShortCircuits(t *testing.T) {
	invoked := new(bool)
	lookup.Register("test-mount-negative", func(ctx context.Context, format string, argv []string) (lookup.Module, error) {
		*invoked = true
		return fakeMountModule{status: lookup.Success, text: "srv:/x"}, nil
	})

	_, entry, _ := newTestEntry(t, "test-mount-negative")
	entry.AP.Cache.Negate("joe", time.Now(), time.Minute)

	status := entry.AP.Mount(context.Background(), entry, "joe")
	assert.Equal(t, adapters.MountNotFound, status)
	assert.False(t, *invoked, "a negatively-cached key must never invoke a lookup module")
}

// TestMountSuccessDrivesParser exercises the on-demand mount path end to
// end: RunMount populates the cache, and the resolved text is handed to
// the configured Parser.
func TestMountSuccessDrivesParser(t *testing.T) {
	lookup.Register("test-mount-success", func(ctx context.Context, format string, argv []string) (lookup.Module, error) {
		return fakeMountModule{status: lookup.Success, text: "srv:/home/joe"}, nil
	})

	_, entry, parser := newTestEntry(t, "test-mount-success")

	status := entry.AP.Mount(context.Background(), entry, "joe")
	require.Equal(t, adapters.MountOK, status)
	require.Len(t, parser.calls, 1)
	assert.Equal(t, "joe=srv:/home/joe", parser.calls[0])
}

// TestMountParseFailureNegatesKey exercises spec §7/§8 scenario 6: a parse
// failure after a successful lookup must negatively cache the key.
func TestMountParseFailureNegatesKey(t *testing.T) {
	lookup.Register("test-mount-parsefail", func(ctx context.Context, format string, argv []string) (lookup.Module, error) {
		return fakeMountModule{status: lookup.Success, text: "bad"}, nil
	})

	_, entry, _ := newTestEntry(t, "test-mount-parsefail")

	status := entry.AP.Mount(context.Background(), entry, "joe")
	assert.Equal(t, adapters.MountFailed, status)
	assert.True(t, entry.AP.Cache.Lookup("joe").Negative(time.Now()), "a parse failure must negatively cache the key")
}

// TestMountNotFoundNegatesKey exercises the NOTFOUND path: the pipeline
// found nothing, so the key is negatively cached too.
func TestMountNotFoundNegatesKey(t *testing.T) {
	lookup.Register("test-mount-notfound", func(ctx context.Context, format string, argv []string) (lookup.Module, error) {
		return fakeMountModule{status: lookup.NotFound}, nil
	})

	_, entry, _ := newTestEntry(t, "test-mount-notfound")

	status := entry.AP.Mount(context.Background(), entry, "ghost")
	assert.Equal(t, adapters.MountNotFound, status)
	assert.True(t, entry.AP.Cache.Lookup("ghost").Negative(time.Now()))
}

// TestRunLoopServicesKernelRequest exercises the FSM worker loop's kernel
// request select case end to end: a request packet written into a
// PipeKernelChannel's read side must drive a Mount resolution and come
// back out as a response packet on the write side.
func TestRunLoopServicesKernelRequest(t *testing.T) {
	lookup.Register("test-mount-kernel", func(ctx context.Context, format string, argv []string) (lookup.Module, error) {
		return fakeMountModule{status: lookup.Success, text: "srv:/home/joe"}, nil
	})

	_, entry, _ := newTestEntry(t, "test-mount-kernel")

	in := &bytes.Buffer{}
	require.NoError(t, binary.Write(in, binary.BigEndian, uint32(99)))
	require.NoError(t, binary.Write(in, binary.BigEndian, uint16(len("joe"))))
	in.WriteString("joe")
	lb := &loopback{in: in, out: &bytes.Buffer{}}
	entry.AP.Channel = adapters.NewPipeKernelChannel("test", lb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan error, 1)
	go entry.AP.run(ctx, entry, ready)
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never signalled readiness")
	}

	require.Eventually(t, func() bool {
		return lb.outLen() >= 8
	}, 2*time.Second, 10*time.Millisecond, "expected a response packet on the kernel channel")

	var token, status uint32
	require.NoError(t, binary.Read(lb.out, binary.BigEndian, &token))
	require.NoError(t, binary.Read(lb.out, binary.BigEndian, &status))
	assert.Equal(t, uint32(99), token)
	assert.Equal(t, uint32(0), status, "a successful mount must report status 0")

	cancel()
	select {
	case <-entry.AP.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after context cancellation")
	}
}
