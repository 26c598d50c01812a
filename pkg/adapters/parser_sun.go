package adapters

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/rclone/autofsd/internal/fslog"
)

// SunParser parses Sun-style map entry text ("[-options] location") and
// drives a generic mount, grounded on
// original_source/modules/mount_generic.c's mount_mount(): build the full
// target path under the automount point's root, mkdir it (mode 0555) if
// missing, skip if already mounted, then invoke the executor. On a failed
// mount the target directory is removed if we created it; a directory that
// already existed is removed too unless the point is ghosted or the key is
// the multi-mount root "/".
type SunParser struct {
	Mounter MountExecutor
}

func NewSunParser(m MountExecutor) *SunParser {
	return &SunParser{Mounter: m}
}

func (p *SunParser) String() string { return "sun map parser" }

// ParseMount implements Parser.
func (p *SunParser) ParseMount(ctx context.Context, pctx ParseContext, key, text string) (MountStatus, error) {
	fstype, options, location, err := splitSunEntry(text)
	if err != nil {
		return MountFailed, err
	}

	target := targetPath(pctx.MountPath, key)

	existed := dirExists(target)
	if !existed {
		if err := os.MkdirAll(target, 0o555); err != nil {
			return MountFailed, fmt.Errorf("mkdir %s: %w", target, err)
		}
	}

	if isMounted(target) {
		fslog.Warnf(p, "%s is already mounted", target)
		return MountOK, nil
	}

	status, err := p.Mounter.Mount(ctx, target, location, fstype, options)
	if err != nil {
		if (!pctx.Ghost && key != "/") || !existed {
			_ = os.Remove(target)
		}
		return status, err
	}
	return status, nil
}

// targetPath mirrors mount_generic's three cases: root offset of a
// multi-mount ("/"), an absolute direct-mount name, or a relative
// indirect-mount key joined under root.
func targetPath(root, key string) string {
	switch {
	case key == "/":
		return root
	case strings.HasPrefix(key, "/"):
		return key
	default:
		return path.Join(root, key)
	}
}

func dirExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

// isMounted is a best-effort check against /proc/mounts; a missing or
// unreadable /proc/mounts is treated as "not mounted" rather than an
// error, since this is advisory (the mount executor call underneath will
// fail loudly if it is actually already mounted and the kernel disagrees).
func isMounted(target string) bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == target {
			return true
		}
	}
	return false
}

// splitSunEntry parses "-fstype=nfs,ro srv:/home/joe" into
// (fstype, options, location). A bare location with no leading "-" gets
// fstype "auto" and no options, matching the most common auto.home
// one-liner.
func splitSunEntry(text string) (fstype string, options []string, location string, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil, "", fmt.Errorf("sun parser: empty entry")
	}
	fields := strings.Fields(text)
	if !strings.HasPrefix(fields[0], "-") {
		return "auto", nil, strings.Join(fields, " "), nil
	}
	opts := strings.TrimPrefix(fields[0], "-")
	if len(fields) < 2 {
		return "", nil, "", fmt.Errorf("sun parser: entry %q has options but no location", text)
	}
	location = strings.Join(fields[1:], " ")
	fstype = "auto"
	var out []string
	for _, o := range strings.Split(opts, ",") {
		if strings.HasPrefix(o, "fstype=") {
			fstype = strings.TrimPrefix(o, "fstype=")
			continue
		}
		if o != "" {
			out = append(out, o)
		}
	}
	return fstype, out, location, nil
}
