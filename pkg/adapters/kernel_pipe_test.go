package adapters

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopback is an io.ReadWriter backed by two independent buffers, so a
// test can write a request packet into the read side and read a response
// packet back off the write side without a real pipe or fifo.
type loopback struct {
	in  *bytes.Buffer
	out *bytes.Buffer
}

func (l *loopback) Read(p []byte) (int, error)  { return l.in.Read(p) }
func (l *loopback) Write(p []byte) (int, error) { return l.out.Write(p) }

func TestRequestsDecodesPacket(t *testing.T) {
	in := &bytes.Buffer{}
	require.NoError(t, binary.Write(in, binary.BigEndian, uint32(42)))
	require.NoError(t, binary.Write(in, binary.BigEndian, uint16(len("joe"))))
	in.WriteString("joe")

	ch := NewPipeKernelChannel("test", &loopback{in: in, out: &bytes.Buffer{}})
	reqs, err := ch.Requests(context.Background())
	require.NoError(t, err)

	select {
	case req := <-reqs:
		assert.Equal(t, uint32(42), req.Token)
		assert.Equal(t, "joe", req.Path)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decoded request")
	}

	_, ok := <-reqs
	assert.False(t, ok, "channel should close once the stream is exhausted")
}

func TestRespondEncodesPacket(t *testing.T) {
	out := &bytes.Buffer{}
	ch := NewPipeKernelChannel("test", &loopback{in: &bytes.Buffer{}, out: out})

	require.NoError(t, ch.Respond(context.Background(), KernelResponse{Token: 7, Status: 1}))

	var token, status uint32
	require.NoError(t, binary.Read(out, binary.BigEndian, &token))
	require.NoError(t, binary.Read(out, binary.BigEndian, &status))
	assert.Equal(t, uint32(7), token)
	assert.Equal(t, uint32(1), status)
}
