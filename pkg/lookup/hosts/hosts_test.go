package hosts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rclone/autofsd/pkg/lookup"
	"github.com/rclone/autofsd/pkg/mapent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeHosts(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestMountResolvesKnownHost(t *testing.T) {
	path := writeHosts(t, "127.0.0.1 localhost\n10.0.0.5 fileserver fs1\n")
	m := &module{etcHostsAt: path, checked: true, useGetent: false}

	c := mapent.New("test")
	st := m.Mount(context.Background(), c, "fileserver")
	assert.Equal(t, lookup.Success, st)
	e := c.Lookup("fileserver")
	require.NotNil(t, e)
	assert.Equal(t, "10.0.0.5", e.Entry)
}

func TestMountResolvesAlias(t *testing.T) {
	path := writeHosts(t, "10.0.0.5 fileserver fs1\n")
	m := &module{etcHostsAt: path, checked: true, useGetent: false}

	c := mapent.New("test")
	st := m.Mount(context.Background(), c, "fs1")
	assert.Equal(t, lookup.Success, st)
}

func TestMountUnknownHostNotFound(t *testing.T) {
	path := writeHosts(t, "127.0.0.1 localhost\n")
	m := &module{etcHostsAt: path, checked: true, useGetent: false}

	c := mapent.New("test")
	st := m.Mount(context.Background(), c, "ghost")
	assert.Equal(t, lookup.NotFound, st)
}

func TestReadMapPopulatesAllHosts(t *testing.T) {
	path := writeHosts(t, "127.0.0.1 localhost\n10.0.0.5 fileserver\n")
	m := &module{etcHostsAt: path, checked: true, useGetent: false}

	c := mapent.New("test")
	st := m.ReadMap(context.Background(), c, 1)
	require.Equal(t, lookup.Success, st)
	assert.Equal(t, 2, c.EnumerateReadLock().Len())
}

func TestReadMasterUnsupported(t *testing.T) {
	m := &module{etcHostsAt: "/etc/hosts", checked: true, useGetent: false}
	st := m.ReadMaster(context.Background(), nil, 1)
	assert.Equal(t, lookup.Unavail, st)
}

func TestOpenIgnoresArgv(t *testing.T) {
	mod, err := Open(context.Background(), "", nil)
	require.NoError(t, err)
	assert.NotNil(t, mod)
}
