package bus

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"

	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/debug"
)

// ErrClosed is returned by Poll once the underlying connection has ended.
var ErrClosed = errors.New("bus transport closed")

// Transport moves messages between the encoder and a single controller.
// Poll never blocks: it reports false when nothing has arrived yet.
type Transport interface {
	Poll() (Message, bool, error)
	Send(Message) error
	Close() error
}

// StreamTransport frames messages over any byte stream (serial port, TCP
// connection, in-memory pipe).
type StreamTransport struct {
	conn io.ReadWriteCloser
	in   chan Message
	g    *errgroup.Group

	wmu sync.Mutex

	mu      sync.Mutex
	readErr error
}

// NewStreamTransport starts reading conn in the background. Messages are
// decoded for flow, so the encoder uses ToDevice and a controller uses
// ToController. The connection is closed when ctx is cancelled.
func NewStreamTransport(ctx context.Context, conn io.ReadWriteCloser, flow Flow) *StreamTransport {
	t := &StreamTransport{
		conn: conn,
		in:   make(chan Message, 16),
	}

	g, ctx := errgroup.WithContext(ctx)
	t.g = g
	readDone := make(chan struct{})

	g.Go(func() error {
		// Wait for context to be canceled, then close connection.
		select {
		case <-ctx.Done():
			return conn.Close()
		case <-readDone:
			return nil
		}
	})
	g.Go(func() error {
		defer close(readDone)
		defer close(t.in)
		err := t.readLoop(ctx, flow)
		t.mu.Lock()
		t.readErr = err
		t.mu.Unlock()
		return nil
	})
	return t
}

func (t *StreamTransport) readLoop(ctx context.Context, flow Flow) error {
	r := bufio.NewReader(t.conn)
	dec := NewDecoder(flow)
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return ErrClosed
			}
			return fmt.Errorf("read bus: %w", err)
		}
		debug.Trace("bus rx byte 0x%02X", b)
		m, ok := dec.Push(b)
		if !ok {
			continue
		}
		select {
		case t.in <- m:
		case <-ctx.Done():
			return ErrClosed
		}
	}
}

// Poll returns the next received message without blocking.
func (t *StreamTransport) Poll() (Message, bool, error) {
	select {
	case m, ok := <-t.in:
		if !ok {
			t.mu.Lock()
			err := t.readErr
			t.mu.Unlock()
			if err == nil {
				err = ErrClosed
			}
			return Message{}, false, err
		}
		debug.Bus("rx", m)
		return m, true, nil
	default:
		return Message{}, false, nil
	}
}

// Receive waits for the next message or until ctx ends.
func (t *StreamTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case m, ok := <-t.in:
		if !ok {
			_, _, err := t.Poll()
			return Message{}, err
		}
		debug.Bus("rx", m)
		return m, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Send writes m. There is no retry: a failed send is reported and dropped.
func (t *StreamTransport) Send(m Message) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	debug.Bus("tx", m)
	if _, err := t.conn.Write(Encode(m)); err != nil {
		return fmt.Errorf("send %s: %w", m.Code, err)
	}
	return nil
}

// Close closes the connection and waits for the reader to stop.
func (t *StreamTransport) Close() error {
	err := t.conn.Close()
	_ = t.g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Config selects and configures the link to the command station.
type Config struct {
	Type    string // "serial", "tcp" or "loopback"
	Port    string // serial device path or host:port
	Baud    int
	Timeout time.Duration // dial timeout for tcp
}

// Open connects the encoder side of the bus. For "loopback" the returned
// controller connection is the other end of an in-memory pipe; for the other
// types it is nil.
func Open(ctx context.Context, cfg Config) (*StreamTransport, net.Conn, error) {
	switch cfg.Type {
	case "serial":
		debug.Info("Opening serial bus %s at %d baud", cfg.Port, cfg.Baud)
		port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.Baud})
		if err != nil {
			return nil, nil, fmt.Errorf("open serial port %q: %w", cfg.Port, err)
		}
		return NewStreamTransport(ctx, port, ToDevice), nil, nil
	case "tcp":
		debug.Info("Dialing bus controller at %s", cfg.Port)
		dialer := &net.Dialer{Timeout: cfg.Timeout}
		conn, err := dialer.DialContext(ctx, "tcp", cfg.Port)
		if err != nil {
			return nil, nil, fmt.Errorf("dial %q: %w", cfg.Port, err)
		}
		return NewStreamTransport(ctx, conn, ToDevice), nil, nil
	case "loopback":
		debug.Info("Using in-memory loopback bus")
		device, controller := net.Pipe()
		return NewStreamTransport(ctx, device, ToDevice), controller, nil
	default:
		return nil, nil, fmt.Errorf("unsupported bus type: %s", cfg.Type)
	}
}
