package master

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rclone/autofsd/internal/fslog"
	"github.com/rclone/autofsd/pkg/adapters"
	"github.com/rclone/autofsd/pkg/lookup"
	"github.com/rclone/autofsd/pkg/mapent"
)

// NegativeTimeout is how long a failed parse suppresses further
// resolution attempts for the same key (spec §4.E, §7, §8 scenario 6).
const NegativeTimeout = 60 * time.Second

// started reports whether this point's worker goroutine has been
// launched (state has left INIT), used by mountMounts to decide whether a
// reconciled entry still needs its worker started (spec §4.D).
func (ap *AutomountPoint) started() bool {
	ap.stateMu.Lock()
	defer ap.stateMu.Unlock()
	return ap.state != Init
}

func (ap *AutomountPoint) setState(s State) {
	ap.stateMu.Lock()
	ap.state = s
	ap.stateMu.Unlock()
}

// legalNext reports whether from->to is an allowed transition (spec
// §4.E's table), used both to drive the loop and by tests asserting the
// FSM never observes an illegal path.
func legalNext(from, to State) bool {
	switch from {
	case Init:
		return to == Ready
	case Ready:
		switch to {
		case Expire, Prune, Readmap, ShutdownPending, ShutdownForce:
			return true
		}
	case Expire, Prune, Readmap:
		return to == Ready
	case ShutdownPending, ShutdownForce:
		return to == Shutdown
	}
	return false
}

// run is the AutomountPoint's worker loop (spec §4.E). It is launched as
// a goroutine by startWorker; ready receives nil once the point reaches
// READY for the first time, or an error if startup fails.
func (ap *AutomountPoint) run(ctx context.Context, entry *MasterEntry, ready chan<- error) {
	defer ap.markDone()

	if !legalNext(Init, Ready) {
		ready <- fmt.Errorf("master: illegal initial transition")
		return
	}
	ap.setState(Ready)
	if err := ap.onEnterReady(ctx, entry); err != nil {
		fslog.Errorf(ap, "initial ghosting pass failed: %v", err)
	}
	select {
	case ready <- nil:
	default:
	}

	ticker := time.NewTicker(ap.expireCheckPeriod())
	defer ticker.Stop()

	var requests <-chan adapters.KernelRequest
	if ap.Channel != nil {
		ch, err := ap.Channel.Requests(ctx)
		if err != nil {
			fslog.Errorf(ap, "kernel channel %v not readable: %v", ap.Channel, err)
		} else {
			requests = ch
		}
	}

	for {
		select {
		case <-ctx.Done():
			ap.shutdown(ctx, entry, false)
			return
		case <-ticker.C:
			ap.transition(ctx, entry, Expire)
		case s := <-ap.statePipe:
			if s == ShutdownPending || s == ShutdownForce {
				ap.shutdown(ctx, entry, s == ShutdownForce)
				return
			}
			ap.transition(ctx, entry, s)
		case req, ok := <-requests:
			if !ok {
				requests = nil
				continue
			}
			// Serviced on its own goroutine so a slow mount (network,
			// parser, external mount(8)) never blocks this select loop
			// from handling expire ticks or further kernel requests
			// (spec §1, §5).
			go ap.serviceRequest(ctx, entry, req)
		}
	}
}

// serviceRequest resolves one kernel-triggered mount request and reports
// the outcome back over the kernel channel (spec §1, §4.E, §4.G).
func (ap *AutomountPoint) serviceRequest(ctx context.Context, entry *MasterEntry, req adapters.KernelRequest) {
	key := path.Base(req.Path)
	status := ap.Mount(ctx, entry, key)

	resp := adapters.KernelResponse{Token: req.Token, Status: 0}
	if status != adapters.MountOK {
		resp.Status = 1
	}
	if err := ap.Channel.Respond(ctx, resp); err != nil {
		fslog.Errorf(ap, "kernel channel %v: failed to respond to token %d: %v", ap.Channel, req.Token, err)
	}
}

// Mount resolves key on demand: a negative cache entry short-circuits to
// NOTFOUND without invoking any module (spec §8: "∀ Mapents with status >
// now: mount returns NOTFOUND without invoking any module"); otherwise the
// NSS pipeline's mount operation populates the cache, and a successful
// result is handed to the mount-executing parser. A parse failure negates
// the key so repeated kernel requests for it don't re-drive the whole
// pipeline until NegativeTimeout elapses (spec §4.E, §7, §8 scenario 6).
func (ap *AutomountPoint) Mount(ctx context.Context, entry *MasterEntry, key string) adapters.MountStatus {
	now := time.Now()
	if ap.Cache.Lookup(key).Negative(now) {
		return adapters.MountNotFound
	}

	p := entry.Pipeline(ctx)
	res := p.RunMount(ctx, ap.Cache, key)
	if res.Status != lookup.Success {
		ap.Cache.Negate(key, now, NegativeTimeout)
		return adapters.MountNotFound
	}

	m := ap.Cache.Lookup(key)
	if m == nil {
		ap.Cache.Negate(key, now, NegativeTimeout)
		return adapters.MountNotFound
	}
	if ap.owner == nil || ap.owner.Parser == nil {
		return adapters.MountFailed
	}

	pctx := adapters.ParseContext{MountPath: ap.Path, Ghost: ap.Ghost}
	status, err := ap.owner.Parser.ParseMount(ctx, pctx, key, m.Entry)
	if err != nil || status != adapters.MountOK {
		fslog.Warnf(ap, "mount %s/%s failed: %v (status %v)", ap.Path, key, err, status)
		ap.Cache.Negate(key, now, NegativeTimeout)
		return adapters.MountFailed
	}
	return status
}

func (ap *AutomountPoint) expireCheckPeriod() time.Duration {
	if ap.Timeout <= 0 {
		return time.Minute
	}
	// Sun automount convention: check at roughly 1/4 the expire timeout,
	// never more often than every 10s nor less than once a minute.
	p := ap.Timeout / 4
	if p < 10*time.Second {
		p = 10 * time.Second
	}
	if p > time.Minute {
		p = time.Minute
	}
	return p
}

// transition drives a single non-shutdown state change, serialised by
// stateMu (spec §4.E).
func (ap *AutomountPoint) transition(ctx context.Context, entry *MasterEntry, to State) {
	ap.stateMu.Lock()
	from := ap.state
	ap.stateMu.Unlock()

	if !legalNext(from, to) {
		fslog.Warnf(ap, "ignoring illegal transition %s -> %s", from, to)
		return
	}
	ap.setState(to)

	switch to {
	case Expire:
		ap.expire(ctx, false)
	case Prune:
		ap.expire(ctx, true)
	case Readmap:
		ap.readmap(ctx, entry)
	}

	ap.setState(Ready)
	if to == Readmap {
		ap.onEnterReady(ctx, entry)
	}
	ap.notifySubmounts(ctx, to)
}

// onEnterReady performs the ghosting pass described in spec §4.E: for an
// indirect mount with Ghost set, pre-create empty subdirectories for every
// non-wildcard key, recording device/inode for later tamper detection.
// Direct mounts (DirectRoot) are never ghosted.
func (ap *AutomountPoint) onEnterReady(ctx context.Context, entry *MasterEntry) error {
	if ap.IsDirect() || !ap.Ghost {
		return nil
	}
	cur := ap.Cache.EnumerateReadLock()
	defer cur.Unlock()

	var firstErr error
	cur.Enumerate(func(m *mapent.Mapent) {
		if m.Key == "*" {
			return
		}
		if path.IsAbs(m.Key) {
			fslog.Warnf(ap, "invalid absolute key %q under indirect root %s", m.Key, ap.Path)
			return
		}
		if err := ghostSubdir(ap.Path, m); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}

// readmap re-runs the NSS read_map pipeline for entry against ap's cache
// (spec §4.C step 1 / §4.E READMAP). SUCCESS cleans stale entries from the
// cache; UNAVAIL leaves the cache untouched (spec §4.E failure semantics).
func (ap *AutomountPoint) readmap(ctx context.Context, entry *MasterEntry) {
	epoch := time.Now().Unix()
	p := entry.Pipeline(ctx)
	res := p.RunMap(ctx, ap.Cache, epoch)
	switch res.Status {
	case lookup.Success:
		ap.Cache.Clean(epoch)
	case lookup.Unavail:
		fslog.Warnf(ap, "readmap: source %s unavailable, cache left unchanged", res.Source)
	default:
		fslog.Debugf(ap, "readmap: pipeline result %s from %s", res.Status, res.Source)
	}
}

// expire scans the cache for mounts; force == true (PRUNE) expires every
// currently-unreferenced mount regardless of idle time. The actual
// unmount decision (is this target currently busy) is delegated to the
// mount executor via the owning MasterMap, which the full reference
// daemon gates on kernel-reported use counts this control-plane spec
// treats as an external detail.
func (ap *AutomountPoint) expire(ctx context.Context, force bool) {
	if ap.owner == nil || ap.owner.Mounter == nil {
		return
	}
	cur := ap.Cache.EnumerateReadLock()
	keys := make([]string, 0, cur.Len())
	cur.Enumerate(func(m *mapent.Mapent) {
		if m.Key != "*" {
			keys = append(keys, m.Key)
		}
	})
	cur.Unlock()
	for _, key := range keys {
		target := targetFor(ap.Path, key)
		if _, err := ap.owner.Mounter.Unmount(ctx, target, force); err != nil {
			fslog.Debugf(ap, "expire: %s not unmounted: %v", target, err)
		}
	}
}

func targetFor(root, key string) string {
	if key == "/" {
		return root
	}
	if len(key) > 0 && key[0] == '/' {
		return key
	}
	return path.Join(root, key)
}

// notifySubmounts walks ap.Children, recursing before signalling each
// child (spec §4.E: "recursing before signalling each child"). Siblings
// are notified concurrently via errgroup, grounded on
// backend/smb/connpool.go's errgroup.WithContext fan-out over a pool's
// connections. Lock order: release mountsMu before taking a child's
// stateMu, then re-acquire mountsMu (spec §5).
func (ap *AutomountPoint) notifySubmounts(ctx context.Context, s State) {
	ap.mountsMu.Lock()
	children := append([]*AutomountPoint(nil), ap.Children...)
	ap.mountsMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, child := range children {
		child := child
		g.Go(func() error {
			child.notifySubmounts(gctx, s)
			child.Signal(s)
			return nil
		})
	}
	_ = g.Wait()

	ap.mountsMu.Lock()
	ap.mountsMu.Unlock()
}

// shutdown performs graceful (force==false) or lazy/forced (force==true)
// teardown of every child mount, then transitions to the terminal SHUTDOWN
// state (spec §4.E SHUTDOWN_PENDING / SHUTDOWN_FORCE).
func (ap *AutomountPoint) shutdown(ctx context.Context, entry *MasterEntry, force bool) {
	ap.setState(ShutdownPending)
	if force {
		ap.setState(ShutdownForce)
	}
	ap.notifySubmounts(ctx, ap.State())

	if ap.owner != nil && ap.owner.Mounter != nil {
		if _, err := ap.owner.Mounter.Unmount(ctx, ap.Path, force); err != nil {
			fslog.Debugf(ap, "shutdown: unmount %s: %v", ap.Path, err)
		}
	}
	if ap.Ghost && !ap.IsDirect() {
		cur := ap.Cache.EnumerateReadLock()
		cur.Enumerate(func(m *mapent.Mapent) {
			if m.Ghosted {
				_ = os.Remove(targetFor(ap.Path, m.Key)) // best-effort; non-empty dirs left in place
			}
		})
		cur.Unlock()
	}

	ap.setState(Shutdown)
}

// ghostSubdir creates an empty subdirectory (mode 0555) for m under root
// and records its device/inode on m so a later stat can detect user
// tampering (spec §4.E ghosting). Already-ghosted entries whose directory
// still exists are left alone.
func ghostSubdir(root string, m *mapent.Mapent) error {
	target := targetFor(root, m.Key)
	if m.Ghosted {
		if fi, err := os.Stat(target); err == nil && fi.IsDir() {
			return nil
		}
	}
	if err := os.MkdirAll(target, 0o555); err != nil {
		return fmt.Errorf("ghost %s: %w", target, err)
	}
	dev, ino, err := statDevIno(target)
	if err != nil {
		return fmt.Errorf("ghost stat %s: %w", target, err)
	}
	m.Device, m.Inode, m.Ghosted = dev, ino, true
	return nil
}
