// Package adapters defines the thin external contracts named in spec §4.G:
// the kernel autofs channel, the mount executor, the map-entry parser, and
// the nsswitch.conf reader. These are interfaces only — concrete
// implementations live alongside, grounded on backend/sftp/ssh_external.go's
// exec.CommandContext usage (MountExecutor) and on backend/local's plain
// os/bufio file reads (NsswitchReader).
package adapters

import "context"

// MountStatus is the small result code the mount executor and parser
// report back to the core (spec §4.G, §7).
type MountStatus int

const (
	MountOK MountStatus = iota
	MountFailed
	// MountNotFound is returned for a key the NSS pipeline could not
	// resolve, including one already excluded by the negative cache
	// (spec §8: "mount returns NOTFOUND without invoking any module").
	MountNotFound
)

// MountExecutor performs the actual privileged mount(8)-equivalent
// operation. The core never constructs mount arguments itself beyond what
// the parser hands back; this is the sole place exec.Command-style
// subprocess invocation happens (spec §4.G).
type MountExecutor interface {
	Mount(ctx context.Context, target, source, fstype string, options []string) (MountStatus, error)
	Unmount(ctx context.Context, target string, lazy bool) (MountStatus, error)
}

// ParseContext carries whatever the parser needs beyond the raw text —
// kept minimal and opaque to the core, per spec §4.G.
type ParseContext struct {
	MountPath string
	Ghost     bool
}

// Parser turns a raw Mapent entry string into a go/no-go mount outcome.
// The core treats map-entry syntax (Sun map format, hesiod records, etc.)
// as entirely the parser's concern (spec §1 Non-goals, §4.G).
type Parser interface {
	ParseMount(ctx context.Context, pctx ParseContext, key, text string) (MountStatus, error)
}

// KernelRequest is one mount-trigger packet read from the kernel autofs
// channel: an opaque token the kernel uses to match the eventual response,
// and the path-under-root (the lookup key) that triggered it (spec §1,
// §4.G: "(path, key, length) → request" events).
type KernelRequest struct {
	Token uint32
	Path  string
}

// KernelResponse is the (token, status) reply written back to the kernel
// once a request has been serviced; Status is 0 on success, a positive
// errno-style code otherwise (spec §1, §4.G).
type KernelResponse struct {
	Token  uint32
	Status int32
}

// KernelChannel is the opaque kernel autofs device/pipe the core reads
// mount-trigger requests from and writes completion responses to. The core
// never parses or constructs the underlying wire packets itself — that is
// entirely this adapter's concern (spec §1 Non-goals, §4.G).
type KernelChannel interface {
	// Requests returns a channel of incoming mount-trigger requests. The
	// channel is closed once the underlying pipe is torn down or ctx is
	// cancelled.
	Requests(ctx context.Context) (<-chan KernelRequest, error)
	// Respond writes resp back to the kernel.
	Respond(ctx context.Context, resp KernelResponse) error
	Close() error
}

// NssEntry is one parsed line of nsswitch.conf's automount database.
type NssEntry struct {
	Source  string
	Actions map[string]NssActionSpec
}

// NssActionSpec is the "[!]STATUS=verb" clause as read from configuration,
// before being resolved against pkg/nss's Status/Verb types.
type NssActionSpec struct {
	Negate bool
	Verb   string
}

// NsswitchReader parses the system's nsswitch configuration for the
// automount database. Pure function over system configuration (spec
// §4.G).
type NsswitchReader interface {
	Parse(ctx context.Context) ([]NssEntry, error)
}
