package bus

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/debug"
)

// Controller is the command station side of the link. It is used by the
// loopback simulator and by tests to drive the encoder over a real byte
// stream.
type Controller struct {
	t       *StreamTransport
	timeout time.Duration
}

// NewController wraps conn as a command station.
func NewController(ctx context.Context, conn io.ReadWriteCloser, timeout time.Duration) *Controller {
	return &Controller{
		t:       NewStreamTransport(ctx, conn, ToController),
		timeout: timeout,
	}
}

// Close closes the controller connection.
func (c *Controller) Close() error {
	return c.t.Close()
}

// Send writes a raw message without waiting for a reply.
func (c *Controller) Send(m Message) error {
	return c.t.Send(m)
}

// Next waits for the next message from the encoder.
func (c *Controller) Next(ctx context.Context) (Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.t.Receive(ctx)
}

// expect waits for a reply with code want, skipping unsolicited READY and
// OPERATING messages. READ and VERSION requests are never rejected, so an
// ERROR seen here answers an earlier MOVE and is skipped too.
func (c *Controller) expect(ctx context.Context, want Code) (Message, error) {
	for {
		m, err := c.Next(ctx)
		if err != nil {
			return Message{}, fmt.Errorf("waiting for %s: %w", want, err)
		}
		switch {
		case m.Code == want:
			if err := Validate(m, ToController); err != nil {
				return Message{}, err
			}
			return m, nil
		case m.Code == CodeError:
			debug.Warn("controller: encoder rejected an earlier request")
		case m.Code == CodeReady, m.Code == CodeOperating:
			debug.Verbose("controller: skipping unsolicited %s", m)
		default:
			return Message{}, fmt.Errorf("waiting for %s: got %s: %w", want, m, ErrMalformed)
		}
	}
}

// drain discards replies that arrived after their request timed out.
func (c *Controller) drain() {
	for {
		m, ok, err := c.t.Poll()
		if err != nil || !ok {
			return
		}
		debug.Verbose("controller: discarding stale %s", m)
	}
}

// ReadPosition requests the committed position id.
func (c *Controller) ReadPosition(ctx context.Context) (uint8, error) {
	c.drain()
	if err := c.t.Send(ReadRequest()); err != nil {
		return 0, err
	}
	m, err := c.expect(ctx, CodeRead)
	if err != nil {
		return 0, err
	}
	return m.Value(), nil
}

// Version requests the encoder firmware version.
func (c *Controller) Version(ctx context.Context) (Version, error) {
	c.drain()
	if err := c.t.Send(VersionRequest()); err != nil {
		return Version{}, err
	}
	m, err := c.expect(ctx, CodeVersion)
	if err != nil {
		return Version{}, err
	}
	return Version{Major: m.Payload[0], Minor: m.Payload[1], Patch: m.Payload[2]}, nil
}

// Move asks the encoder to report id as the current position. MOVE has no
// positive acknowledgement.
func (c *Controller) Move(id uint8) error {
	return c.t.Send(Move(id))
}

// Poll runs a command station polling loop, reading the position every
// interval and logging changes, until ctx ends.
func (c *Controller) Poll(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if v, err := c.Version(ctx); err == nil {
		debug.Info("controller: encoder version %s", v)
	} else {
		debug.Error(err)
	}

	last := -1
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		id, err := c.ReadPosition(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			debug.Error(err)
			continue
		}
		if int(id) != last {
			debug.Live("controller: encoder position id=%d", id)
			last = int(id)
		}
	}
}
