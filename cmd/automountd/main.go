// Command automountd is the daemon entrypoint: CLI flag/flag parsing via
// cobra/pflag (grounded on the cobra root-command convention used across
// the rclone command tree), systemd readiness notification via
// iguanesolutions/go-systemd/v5, and wiring of the master registry, NSS
// pipeline sources, and signal fan-out built in this module's packages.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdnotify "github.com/iguanesolutions/go-systemd/v5/notify"
	"github.com/spf13/cobra"

	"github.com/rclone/autofsd/internal/config"
	"github.com/rclone/autofsd/internal/fslog"
	"github.com/rclone/autofsd/pkg/adapters"
	_ "github.com/rclone/autofsd/pkg/lookup/directory"
	_ "github.com/rclone/autofsd/pkg/lookup/file"
	_ "github.com/rclone/autofsd/pkg/lookup/hosts"
	_ "github.com/rclone/autofsd/pkg/lookup/null"
	"github.com/rclone/autofsd/pkg/master"
	"github.com/rclone/autofsd/pkg/nss"
	"github.com/rclone/autofsd/pkg/signalfanout"
)

var masterMapPath string

var rootCmd = &cobra.Command{
	Use:   "automountd",
	Short: "automount daemon: master-map registry and mount-point lifecycle control plane",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&masterMapPath, "master-map", "/etc/auto.master", "path to the master map file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	fslog.SetLevel(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mounter := adapters.NewExecMountExecutor()
	parser := adapters.NewSunParser(mounter)
	nsw := adapters.NewFileNsswitchReader(cfg.NsswitchPath)

	mm := master.New("auto.master", mounter, parser, nsw)
	mm.DefaultTimeout = cfg.DefaultTimeout
	mm.DefaultGhost = cfg.DefaultGhost
	if cfg.KernelPipePath != "" {
		mm.ChannelFactory = func(path string) adapters.KernelChannel {
			ch, err := adapters.OpenPipeKernelChannel(cfg.KernelPipePath)
			if err != nil {
				fslog.Errorf(mm, "could not open kernel channel for %s: %v", path, err)
				return nil
			}
			return ch
		}
	}

	epoch := time.Now().Unix()
	if err := readMaster(ctx, mm, nsw, masterMapPath, epoch, true); err != nil {
		return fmt.Errorf("automountd: initial master-map read failed: %w", err)
	}

	fan := signalfanout.New(mm, epoch)
	fan.ReadMaster = func(ctx context.Context, newEpoch int64) {
		if err := readMaster(ctx, mm, nsw, masterMapPath, newEpoch, false); err != nil {
			fslog.Errorf(mm, "master-map re-read failed: %v", err)
		}
	}
	go fan.Run(ctx)

	if err := sdnotify.Ready(); err != nil {
		fslog.Debugf(mm, "sd_notify READY failed (not running under systemd?): %v", err)
	}

	waitForInterrupt(ctx)
	cancel()
	return nil
}

// readMaster drives the file source against masterMapPath for the initial
// and SIGHUP-triggered master-map reads (spec §4.D read_master); the
// per-key map sources use whatever the nsswitch "automount" database
// names.
func readMaster(ctx context.Context, mm *master.MasterMap, nsw adapters.NsswitchReader, path string, epoch int64, readall bool) error {
	sources := []nss.Source{{Type: "file", Format: "sun", Argv: []string{path}}}
	return mm.ReadMaster(ctx, sources, epoch, readall)
}

func waitForInterrupt(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	select {
	case <-ch:
	case <-ctx.Done():
	}
}
