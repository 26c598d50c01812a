// Package signalfanout dispatches process signals into per-entry state
// transitions (spec §4.F), grounded on backend/cache/cache.go's
// signal.Notify(c, syscall.SIGHUP) + dedicated goroutine pattern,
// generalized from one hard-coded signal to the full SIGTERM/SIGUSR1/
// SIGUSR2/SIGHUP set the daemon must answer to.
package signalfanout

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rclone/autofsd/internal/fslog"
	"github.com/rclone/autofsd/pkg/master"
)

// Fanout owns the signal channel and the registry it drives.
type Fanout struct {
	mm *master.MasterMap
	ch chan os.Signal

	// ReadMaster is called on SIGHUP after the epoch is advanced; it is a
	// func value rather than a method value captured at construction so
	// main can supply the concrete nss source list and mount-path reader
	// without this package importing cmd/automountd.
	ReadMaster func(ctx context.Context, epoch int64)

	epoch int64
}

// New registers interest in SIGTERM, SIGUSR1, SIGUSR2, SIGHUP (spec §4.F).
func New(mm *master.MasterMap, startEpoch int64) *Fanout {
	f := &Fanout{
		mm:    mm,
		ch:    make(chan os.Signal, 4),
		epoch: startEpoch,
	}
	signal.Notify(f.ch, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGHUP)
	return f
}

// Run blocks dispatching signals until ctx is done, at which point it
// stops listening and returns. Intended to be run on its own goroutine.
func (f *Fanout) Run(ctx context.Context) {
	defer signal.Stop(f.ch)
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-f.ch:
			f.dispatch(ctx, s)
		}
	}
}

func (f *Fanout) dispatch(ctx context.Context, s os.Signal) {
	switch s {
	case syscall.SIGTERM:
		fslog.Infof(f, "SIGTERM received, shutting down all mount points")
		f.forEachEntry(func(e *master.MasterEntry) {
			if e.AP != nil {
				e.AP.Signal(master.ShutdownPending)
			}
		})
	case syscall.SIGUSR2:
		fslog.Infof(f, "SIGUSR2 received, force-shutting-down all mount points")
		f.forEachEntry(func(e *master.MasterEntry) {
			if e.AP != nil {
				e.AP.Signal(master.ShutdownForce)
			}
		})
	case syscall.SIGUSR1:
		fslog.Infof(f, "SIGUSR1 received, pruning all mount points")
		f.forEachEntry(func(e *master.MasterEntry) {
			if e.AP != nil && e.AP.State() == master.Ready {
				e.AP.Signal(master.Prune)
			}
		})
	case syscall.SIGHUP:
		fslog.Infof(f, "SIGHUP received, re-reading master map")
		f.epoch++
		if f.ReadMaster != nil {
			f.ReadMaster(ctx, f.epoch)
		}
	}
}

func (f *Fanout) forEachEntry(fn func(*master.MasterEntry)) {
	for _, e := range f.mm.Entries() {
		fn(e)
	}
}

func (f *Fanout) String() string { return "signal fanout" }
