package adapters

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/rclone/autofsd/internal/fslog"
)

// ExecMountExecutor shells out to the system's mount(8)/umount(8)
// binaries, grounded on backend/sftp/ssh_external.go's
// exec.CommandContext + WaitDelay pattern for driving an external
// privileged helper program rather than linking against it.
type ExecMountExecutor struct {
	MountPath   string // default "mount"
	UmountPath  string // default "umount"
	WaitDelay   time.Duration
}

// NewExecMountExecutor returns an ExecMountExecutor using the system PATH.
func NewExecMountExecutor() *ExecMountExecutor {
	return &ExecMountExecutor{MountPath: "mount", UmountPath: "umount", WaitDelay: 2 * time.Second}
}

func (e *ExecMountExecutor) String() string { return "mount executor" }

// Mount runs "mount -t fstype -o opt1,opt2 source target".
func (e *ExecMountExecutor) Mount(ctx context.Context, target, source, fstype string, options []string) (MountStatus, error) {
	args := []string{}
	if fstype != "" {
		args = append(args, "-t", fstype)
	}
	if len(options) > 0 {
		args = append(args, "-o", strings.Join(options, ","))
	}
	args = append(args, source, target)

	cmd := exec.CommandContext(ctx, e.mountPath(), args...)
	cmd.WaitDelay = e.WaitDelay
	out, err := cmd.CombinedOutput()
	if err != nil {
		fslog.Warnf(e, "mount %s on %s failed: %v: %s", source, target, err, strings.TrimSpace(string(out)))
		return MountFailed, errors.Wrapf(err, "mount %s on %s", source, target)
	}
	fslog.Debugf(e, "mounted %s on %s (fstype=%s)", source, target, fstype)
	return MountOK, nil
}

// Unmount runs "umount [-l] target".
func (e *ExecMountExecutor) Unmount(ctx context.Context, target string, lazy bool) (MountStatus, error) {
	args := []string{}
	if lazy {
		args = append(args, "-l")
	}
	args = append(args, target)

	cmd := exec.CommandContext(ctx, e.umountPath(), args...)
	cmd.WaitDelay = e.WaitDelay
	out, err := cmd.CombinedOutput()
	if err != nil {
		fslog.Warnf(e, "umount %s failed: %v: %s", target, err, strings.TrimSpace(string(out)))
		return MountFailed, errors.Wrapf(err, "umount %s", target)
	}
	return MountOK, nil
}

func (e *ExecMountExecutor) mountPath() string {
	if e.MountPath == "" {
		return "mount"
	}
	return e.MountPath
}

func (e *ExecMountExecutor) umountPath() string {
	if e.UmountPath == "" {
		return "umount"
	}
	return e.UmountPath
}
