// Package null implements the "null" map source (spec §4.D
// check_update_map_sources): a sentinel source type that, when it appears
// in a master entry's source list, makes the master-map reader drop every
// map source listed after it; the NSS pipeline stops when it reaches it.
// Grounded on the teacher's pattern of trivial no-op backends that still
// satisfy a shared interface (e.g. backend/local's passthrough Fs).
package null

import (
	"context"

	"github.com/rclone/autofsd/pkg/lookup"
	"github.com/rclone/autofsd/pkg/mapent"
)

func init() {
	lookup.Register("null", Open)
}

type module struct{}

// Open implements lookup.Opener. The null source takes no arguments.
func Open(ctx context.Context, format string, argv []string) (lookup.Module, error) {
	return module{}, nil
}

func (module) String() string { return "null map" }

func (module) Close() error { return nil }

// ReadMaster always succeeds without adding anything; the master-map
// reader is responsible for recognizing the "null" source type ahead of
// invoking any module and truncating the source list there (spec §4.D) —
// this method exists only so module satisfies lookup.Module.
func (module) ReadMaster(ctx context.Context, sink lookup.MasterSink, age int64) lookup.Status {
	return lookup.Success
}

// ReadMap always succeeds without adding anything.
func (module) ReadMap(ctx context.Context, cache *mapent.Cache, age int64) lookup.Status {
	return lookup.Success
}

// Mount always reports NotFound: a null source never resolves a key.
func (module) Mount(ctx context.Context, cache *mapent.Cache, key string) lookup.Status {
	return lookup.NotFound
}
