package null

import (
	"context"
	"testing"

	"github.com/rclone/autofsd/pkg/lookup"
	"github.com/rclone/autofsd/pkg/mapent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMountAlwaysNotFound(t *testing.T) {
	mod, err := Open(context.Background(), "", nil)
	require.NoError(t, err)
	st := mod.Mount(context.Background(), mapent.New("test"), "anything")
	assert.Equal(t, lookup.NotFound, st)
}

func TestRegisteredUnderNull(t *testing.T) {
	assert.True(t, lookup.Registered("null"))
}
