package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rclone/autofsd/pkg/lookup"
	"github.com/rclone/autofsd/pkg/mapent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMountFetchesRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/maps/joe" {
			w.Write([]byte("-fstype=nfs srv:/home/joe\n"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	mod, err := Open(context.Background(), "", []string{srv.URL + "/maps"})
	require.NoError(t, err)

	c := mapent.New("test")
	st := mod.Mount(context.Background(), c, "joe")
	assert.Equal(t, lookup.Success, st)
	e := c.Lookup("joe")
	require.NotNil(t, e)
	assert.Equal(t, "-fstype=nfs srv:/home/joe", e.Entry)
}

func TestMountNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	mod, err := Open(context.Background(), "", []string{srv.URL + "/maps"})
	require.NoError(t, err)

	c := mapent.New("test")
	st := mod.Mount(context.Background(), c, "ghost")
	assert.Equal(t, lookup.NotFound, st)
}

func TestReadMapUnsupported(t *testing.T) {
	mod, err := Open(context.Background(), "", []string{"http://example.com/maps"})
	require.NoError(t, err)
	st := mod.ReadMap(context.Background(), mapent.New("test"), 1)
	assert.Equal(t, lookup.Unavail, st)
}

func TestOpenRejectsMissingArgv(t *testing.T) {
	_, err := Open(context.Background(), "", nil)
	assert.Error(t, err)
}
