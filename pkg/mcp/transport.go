package mcp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// maxFrameSize bounds a single newline-delimited message.
const maxFrameSize = 16 << 20

// Transport is the underlying message transport used by the MCP client.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// stdioTransport speaks newline-delimited JSON over a pair of streams. A
// single reader goroutine turns the input stream into frames.
type stdioTransport struct {
	writer  io.WriteCloser
	reader  io.ReadCloser
	writeMu sync.Mutex

	frames chan []byte
	done   chan struct{} // closed when the reader goroutine stops
	exited <-chan struct{}
	err    error // read error, valid after done

	closeOnce sync.Once
	closed    chan struct{}
}

// newStdioTransport binds stdin/stdout of a peer. exited may be nil; when set
// Receive fails as soon as it is closed and no frames remain.
func newStdioTransport(stdin io.WriteCloser, stdout io.ReadCloser, exited <-chan struct{}) *stdioTransport {
	t := &stdioTransport{
		writer: stdin,
		reader: stdout,
		frames: make(chan []byte, 64),
		done:   make(chan struct{}),
		exited: exited,
		closed: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// NewStreamTransport speaks newline-delimited JSON-RPC over an arbitrary
// stream pair, such as an in-process pipe to a server.
func NewStreamTransport(w io.WriteCloser, r io.ReadCloser) Transport {
	return newStdioTransport(w, r, nil)
}

func (t *stdioTransport) readLoop() {
	defer close(t.done)
	scanner := bufio.NewScanner(t.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		select {
		case t.frames <- frame:
		case <-t.closed:
			t.err = ErrClosed
			return
		}
	}
	if err := scanner.Err(); err != nil {
		t.err = fmt.Errorf("%w: %w", ErrProcessDied, err)
		return
	}
	t.err = fmt.Errorf("%w: %w", ErrProcessDied, io.EOF)
}

func (t *stdioTransport) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	if _, err := t.writer.Write(buf); err != nil {
		return fmt.Errorf("%w: write: %w", ErrProcessDied, err)
	}
	return nil
}

// Receive returns the next frame. Buffered frames are delivered before a
// reader failure or process exit is reported.
func (t *stdioTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-t.frames:
		return frame, nil
	default:
	}
	select {
	case frame := <-t.frames:
		return frame, nil
	case <-t.done:
		select {
		case frame := <-t.frames:
			return frame, nil
		default:
		}
		return nil, t.err
	case <-t.exited:
		select {
		case frame := <-t.frames:
			return frame, nil
		default:
		}
		return nil, fmt.Errorf("%w: process exited", ErrProcessDied)
	case <-t.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *stdioTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		if e := t.writer.Close(); e != nil {
			err = e
		}
		if e := t.reader.Close(); e != nil && err == nil {
			err = e
		}
	})
	return err
}
