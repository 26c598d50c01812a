package adapters

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeNsswitch(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nsswitch.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseSimpleSourceList(t *testing.T) {
	path := writeNsswitch(t, "passwd: files\nautomount: files ldap\n")
	r := NewFileNsswitchReader(path)
	entries, err := r.Parse(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "files", entries[0].Source)
	assert.Equal(t, "ldap", entries[1].Source)
}

func TestParseActionGroup(t *testing.T) {
	path := writeNsswitch(t, "automount: files [NOTFOUND=return !SUCCESS=return] ldap\n")
	r := NewFileNsswitchReader(path)
	entries, err := r.Parse(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "files", entries[0].Source)
	act, ok := entries[0].Actions["NOTFOUND"]
	require.True(t, ok)
	assert.False(t, act.Negate)
	assert.Equal(t, "return", act.Verb)

	act2, ok := entries[0].Actions["SUCCESS"]
	require.True(t, ok)
	assert.True(t, act2.Negate)
}

func TestParseMissingAutomountLine(t *testing.T) {
	path := writeNsswitch(t, "passwd: files\n")
	r := NewFileNsswitchReader(path)
	_, err := r.Parse(context.Background())
	assert.Error(t, err)
}
