package adapters

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// PipeKernelChannel implements KernelChannel over a byte stream (normally
// the kernel autofs pipe fd handed back by mount(2), opened here as a
// plain *os.File), grounded on backend/local's plain os.OpenFile/bufio
// idiom. Each request packet is a fixed-width header — a uint32 token, a
// uint16 path length — followed by the path bytes; each response packet is
// a uint32 token followed by a uint32 status (spec §1, §4.G).
type PipeKernelChannel struct {
	name string
	rw   io.ReadWriter

	mu     sync.Mutex
	reader *bufio.Reader
}

// NewPipeKernelChannel wraps an already-open stream (used directly by
// tests against an in-memory pipe, and by OpenPipeKernelChannel below).
func NewPipeKernelChannel(name string, rw io.ReadWriter) *PipeKernelChannel {
	return &PipeKernelChannel{name: name, rw: rw}
}

// OpenPipeKernelChannel opens the kernel autofs pipe at path for reading
// and writing.
func OpenPipeKernelChannel(path string) (*PipeKernelChannel, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("kernel channel: open %s: %w", path, err)
	}
	return NewPipeKernelChannel(path, f), nil
}

func (c *PipeKernelChannel) String() string { return "kernel autofs channel " + c.name }

// Requests implements KernelChannel: one background goroutine decodes
// packets and sends each request to the returned channel until the stream
// ends or ctx is cancelled (the channel is closed on either condition).
func (c *PipeKernelChannel) Requests(ctx context.Context) (<-chan KernelRequest, error) {
	c.mu.Lock()
	if c.reader == nil {
		c.reader = bufio.NewReader(c.rw)
	}
	r := c.reader
	c.mu.Unlock()

	out := make(chan KernelRequest)
	go func() {
		defer close(out)
		for {
			var token uint32
			if err := binary.Read(r, binary.BigEndian, &token); err != nil {
				return
			}
			var pathLen uint16
			if err := binary.Read(r, binary.BigEndian, &pathLen); err != nil {
				return
			}
			buf := make([]byte, pathLen)
			if _, err := io.ReadFull(r, buf); err != nil {
				return
			}
			select {
			case out <- KernelRequest{Token: token, Path: string(buf)}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Respond implements KernelChannel.
func (c *PipeKernelChannel) Respond(ctx context.Context, resp KernelResponse) error {
	buf := make([]byte, 0, 8)
	buf = binary.BigEndian.AppendUint32(buf, resp.Token)
	buf = binary.BigEndian.AppendUint32(buf, uint32(resp.Status))
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.rw.Write(buf)
	return err
}

// Close releases the underlying stream if it is an io.Closer.
func (c *PipeKernelChannel) Close() error {
	if closer, ok := c.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
