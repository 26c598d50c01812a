// Package config resolves the daemon's environment-driven defaults (spec
// §6): DEFAULT_TIMEOUT, DEFAULT_BROWSE_MODE, plus the supplemented
// AUTOMOUNTD_NSSWITCH_PATH and AUTOMOUNTD_LOG_LEVEL. Grounded on the
// teacher's os.Getenv-based option resolution style (backend/cache's
// Options struct populated from rclone's config system, simplified here
// to direct env lookups since this daemon has no persisted config store).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-derived default the daemon needs at
// startup.
type Config struct {
	DefaultTimeout  time.Duration
	DefaultGhost    bool
	NsswitchPath    string
	LogLevel        string

	// KernelPipePath, if set, is the path to the kernel autofs channel
	// device/pipe each mount point opens for on-demand request servicing
	// (spec §4.G). Empty means the daemon runs cache/reconciliation only,
	// with no kernel-triggered mounts.
	KernelPipePath string
}

// Load reads the process environment and applies the teacher's forgiving
// style: an unparsable or absent value falls back to a sane default
// rather than aborting startup.
func Load() Config {
	return Config{
		DefaultTimeout: parseTimeout(os.Getenv("DEFAULT_TIMEOUT"), 10*time.Minute),
		DefaultGhost:   parseGhost(os.Getenv("DEFAULT_BROWSE_MODE")),
		NsswitchPath:   orDefault(os.Getenv("AUTOMOUNTD_NSSWITCH_PATH"), "/etc/nsswitch.conf"),
		LogLevel:       orDefault(os.Getenv("AUTOMOUNTD_LOG_LEVEL"), "info"),
		KernelPipePath: os.Getenv("AUTOMOUNTD_KERNEL_PIPE"),
	}
}

func parseTimeout(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

// parseGhost implements DEFAULT_BROWSE_MODE: "0" or "no" (case-insensitive)
// disables ghosting; anything else (including unset) leaves it enabled.
func parseGhost(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "no":
		return false
	default:
		return true
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
