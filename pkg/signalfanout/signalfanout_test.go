package signalfanout

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/rclone/autofsd/pkg/adapters"
	"github.com/rclone/autofsd/pkg/master"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopMounter struct{}

func (noopMounter) Mount(ctx context.Context, target, source, fstype string, options []string) (adapters.MountStatus, error) {
	return adapters.MountOK, nil
}
func (noopMounter) Unmount(ctx context.Context, target string, lazy bool) (adapters.MountStatus, error) {
	return adapters.MountOK, nil
}

func TestSighupInvokesReadMaster(t *testing.T) {
	mm := master.New("test", noopMounter{}, nil, nil)
	f := New(mm, 1)

	called := make(chan int64, 1)
	f.ReadMaster = func(ctx context.Context, epoch int64) { called <- epoch }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGHUP))

	select {
	case epoch := <-called:
		assert.Equal(t, int64(2), epoch)
	case <-time.After(2 * time.Second):
		t.Fatal("ReadMaster was not invoked after SIGHUP")
	}
}
