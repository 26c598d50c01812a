// Package nss implements the NSS (name service switch) lookup pipeline
// (spec §4.C): an ordered list of sources, each guarded by an optional
// per-status action table, tried in turn until one's action says to stop.
// Grounded on backend/union/union.go's ordered-upstream-list shape and
// backend/union/policy/policy.go's small registry-of-named-behaviors
// pattern, generalized from "pick one upstream Fs" to "decide whether to
// keep trying the next source".
package nss

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"github.com/rclone/autofsd/internal/fslog"
	"github.com/rclone/autofsd/pkg/lookup"
	"github.com/rclone/autofsd/pkg/mapent"
)

// Verb is what an Action tells the pipeline to do after a source returns a
// given Status.
type Verb int

const (
	// Continue moves on to the next source (the default when no action
	// table entry matches a status).
	Continue Verb = iota
	// Return stops the pipeline immediately, propagating this source's
	// result as the pipeline's result.
	Return
)

// Action is one "[!]STATUS=verb" clause of a source's action table, e.g.
// "NOTFOUND=return" or "!SUCCESS=continue" (spec §4.C negation rule: a
// leading '!' matches every status except the named one).
type Action struct {
	Status   lookup.Status
	Negate   bool
	Verb     Verb
}

// matches reports whether this action applies to the status a source just
// returned.
func (a Action) matches(got lookup.Status) bool {
	if a.Negate {
		return got != a.Status
	}
	return got == a.Status
}

// Source is one entry in the pipeline: a source type name ("files",
// "hosts", "nis", ...), its opener format/argv, and the action table that
// governs whether a result from this source stops the pipeline.
type Source struct {
	Type    string
	Format  string
	Argv    []string
	Actions []Action

	// Forced marks a source that bypasses normal multi-source traversal
	// entirely: the master entry explicitly named this type (e.g. a
	// master-map line reading "-hosts"), or the map argument was already
	// an absolute path, forcing the file type on a copy of the automount
	// point (spec §4.C steps 1-2). At most one Source in a Pipeline should
	// carry Forced; RunMap/RunMount call it once and return its status
	// directly, skipping every other configured source.
	Forced bool
}

// defaultVerb is the action taken when a status isn't named in a source's
// table: SUCCESS stops the pipeline, everything else continues to the next
// source — the autofs "files dns" convention of falling through on failure.
func defaultVerb(status lookup.Status) Verb {
	if status == lookup.Success {
		return Return
	}
	return Continue
}

// verbFor resolves the effective verb for status against src's action
// table, falling back to defaultVerb when no entry matches. Matching
// proceeds in table order; the first match wins (spec §4.C).
func (src Source) verbFor(status lookup.Status) Verb {
	for _, a := range src.Actions {
		if a.matches(status) {
			return a.Verb
		}
	}
	return defaultVerb(status)
}

// Pipeline is an ordered, immutable list of Sources shared across every
// lookup it drives; its only mutable state is the TryAgain retry limiter.
type Pipeline struct {
	sources []Source
	// limiter bounds how often a TryAgain result from any single source
	// re-enters that same source before moving on, preventing a flapping
	// remote directory service from starving the pipeline (spec §4.C
	// retry note).
	limiter *rate.Limiter
}

// New builds a Pipeline from an ordered source list.
func New(sources []Source) *Pipeline {
	return &Pipeline{
		sources: sources,
		limiter: rate.NewLimiter(rate.Limit(5), 1),
	}
}

// forced returns the pipeline's forced source, if any (spec §4.C step 1-2:
// "at most one" — the first one found wins).
func (p *Pipeline) forced() *Source {
	for i := range p.sources {
		if p.sources[i].Forced {
			return &p.sources[i]
		}
	}
	return nil
}

func (p *Pipeline) String() string {
	names := make([]string, len(p.sources))
	for i, s := range p.sources {
		names[i] = s.Type
	}
	return "nss pipeline [" + strings.Join(names, " ") + "]"
}

// Result is the outcome of running a pipeline: which source (if any)
// produced the terminating status, and that status.
type Result struct {
	Source string
	Status lookup.Status
}

// RunMaster drives ReadMaster across the pipeline's sources in order,
// stopping at the first source whose action table says Return (spec
// §4.C/§4.D).
func (p *Pipeline) RunMaster(ctx context.Context, sink lookup.MasterSink, age int64) Result {
	for _, src := range p.sources {
		if src.Type == "null" {
			fslog.Debugf(p, "null source reached, truncating master source list")
			return Result{Source: "null", Status: lookup.Success}
		}
		status := p.tryMaster(ctx, src, sink, age)
		if src.verbFor(status) == Return {
			return Result{Source: src.Type, Status: status}
		}
	}
	return Result{Status: lookup.NotFound}
}

func (p *Pipeline) tryMaster(ctx context.Context, src Source, sink lookup.MasterSink, age int64) lookup.Status {
	mod, err := lookup.Open(ctx, src.Type, src.Format, src.Argv)
	if err != nil {
		fslog.Errorf(p, "could not open source %q: %v", src.Type, err)
		return lookup.Unavail
	}
	defer mod.Close()
	return mod.ReadMaster(ctx, sink, age)
}

// RunMap drives ReadMap across the pipeline's sources in order. If the
// pipeline carries a forced source (spec §4.C step 1: the master entry
// named a type explicitly, or step 2: the map argument was already
// absolute), that single source is called once and its status returned
// directly, skipping ordinary multi-source traversal and action matching.
func (p *Pipeline) RunMap(ctx context.Context, cache *mapent.Cache, age int64) Result {
	if fs := p.forced(); fs != nil {
		status := p.tryMap(ctx, *fs, cache, age)
		return Result{Source: fs.Type, Status: status}
	}
	for _, src := range p.sources {
		if src.Type == "null" {
			fslog.Debugf(p, "null source reached, truncating map source list")
			return Result{Source: "null", Status: lookup.Success}
		}
		status := p.tryMap(ctx, src, cache, age)
		if src.verbFor(status) == Return {
			return Result{Source: src.Type, Status: status}
		}
	}
	return Result{Status: lookup.NotFound}
}

func (p *Pipeline) tryMap(ctx context.Context, src Source, cache *mapent.Cache, age int64) lookup.Status {
	mod, err := lookup.Open(ctx, src.Type, src.Format, src.Argv)
	if err != nil {
		fslog.Errorf(p, "could not open source %q: %v", src.Type, err)
		return lookup.Unavail
	}
	defer mod.Close()
	return mod.ReadMap(ctx, cache, age)
}

// RunMount resolves key by trying each source's Mount in order, stopping at
// the first Return verb. A TryAgain result is retried once per source,
// rate-limited by p.limiter, before counting as TryAgain for the action
// table (spec §4.C). A forced source (step 1-2) short-circuits this
// traversal exactly as RunMap does.
func (p *Pipeline) RunMount(ctx context.Context, cache *mapent.Cache, key string) Result {
	if fs := p.forced(); fs != nil {
		status := p.tryMount(ctx, *fs, cache, key)
		return Result{Source: fs.Type, Status: status}
	}
	for _, src := range p.sources {
		if src.Type == "null" {
			continue
		}
		status := p.tryMount(ctx, src, cache, key)
		if status == lookup.TryAgain && p.limiter.Allow() {
			status = p.tryMount(ctx, src, cache, key)
		}
		if src.verbFor(status) == Return {
			return Result{Source: src.Type, Status: status}
		}
	}
	return Result{Status: lookup.NotFound}
}

func (p *Pipeline) tryMount(ctx context.Context, src Source, cache *mapent.Cache, key string) lookup.Status {
	mod, err := lookup.Open(ctx, src.Type, src.Format, src.Argv)
	if err != nil {
		fslog.Errorf(p, "could not open source %q: %v", src.Type, err)
		return lookup.Unavail
	}
	defer mod.Close()
	return mod.Mount(ctx, cache, key)
}

// ParseStatus maps an nsswitch-style status token ("SUCCESS", "NOTFOUND",
// "UNAVAIL", "TRYAGAIN") to a lookup.Status, case-insensitively.
func ParseStatus(token string) (lookup.Status, error) {
	switch strings.ToUpper(token) {
	case "SUCCESS":
		return lookup.Success, nil
	case "NOTFOUND":
		return lookup.NotFound, nil
	case "UNAVAIL":
		return lookup.Unavail, nil
	case "TRYAGAIN":
		return lookup.TryAgain, nil
	default:
		return 0, fmt.Errorf("nss: unknown status token %q", token)
	}
}

// ParseVerb maps an nsswitch-style verb token ("continue", "return") to a
// Verb, case-insensitively.
func ParseVerb(token string) (Verb, error) {
	switch strings.ToLower(token) {
	case "continue":
		return Continue, nil
	case "return":
		return Return, nil
	default:
		return 0, fmt.Errorf("nss: unknown verb token %q", token)
	}
}
