// Package bridge carries sync frames as newline-delimited JSON over a byte
// stream, such as a pipe to a child process or a stdio pair.
package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/louisbranch/cacheline/internal/services/cache/synchronizer"
)

// MaxFrameBytes caps one inbound line.
const MaxFrameBytes = 1 << 20

// ErrClosed is returned by Send after the stream ended or Close was called.
var ErrClosed = errors.New("bridge: closed")

// Bridge is a synchronizer.Transport over an io.Reader/io.Writer pair. The
// stream is connected from Open until the reader hits EOF or fails.
type Bridge struct {
	r    io.Reader
	w    io.Writer
	logf func(string, ...any)

	writeMu sync.Mutex

	mu     sync.Mutex
	open   bool
	closed bool
	done   chan struct{}
}

var _ synchronizer.Transport = (*Bridge)(nil)

// New creates a bridge. logf defaults to log.Printf.
func New(r io.Reader, w io.Writer, logf func(string, ...any)) *Bridge {
	if logf == nil {
		logf = log.Printf
	}
	return &Bridge{r: r, w: w, logf: logf}
}

// Open starts reading frames and reports Connected.
func (b *Bridge) Open(_ context.Context, listener synchronizer.Listener) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.done != nil {
		b.mu.Unlock()
		return fmt.Errorf("bridge already open")
	}
	b.open = true
	b.done = make(chan struct{})
	b.mu.Unlock()

	if listener.OnState != nil {
		listener.OnState(synchronizer.StateConnected)
	}
	go b.read(listener)
	return nil
}

// Send writes frame followed by a newline.
func (b *Bridge) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	up := b.open && !b.closed
	b.mu.Unlock()
	if !up {
		return ErrClosed
	}

	line := make([]byte, 0, len(frame)+1)
	line = append(line, frame...)
	line = append(line, '\n')

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := b.w.Write(line); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close stops sending and closes the underlying reader and writer when
// they implement io.Closer.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var errs []error
	if c, ok := b.r.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := b.w.(io.Closer); ok && any(b.w) != any(b.r) {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Done is closed when the read loop exits.
func (b *Bridge) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

func (b *Bridge) read(listener synchronizer.Listener) {
	defer close(b.done)
	scanner := bufio.NewScanner(b.r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if listener.OnFrame != nil {
			listener.OnFrame(append([]byte(nil), line...))
		}
	}
	if err := scanner.Err(); err != nil {
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if !closed {
			b.logf("bridge: read: %v", err)
		}
	}

	b.mu.Lock()
	b.open = false
	b.mu.Unlock()
	if listener.OnState != nil {
		listener.OnState(synchronizer.StateDisconnected)
	}
}
