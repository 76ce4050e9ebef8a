package bus

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pollUntil polls t until a message arrives or the deadline passes.
func pollUntil(t *testing.T, tr Transport) Message {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		m, ok, err := tr.Poll()
		require.NoError(t, err)
		if ok {
			return m
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timeout waiting for message")
	return Message{}
}

func TestStreamTransport_PollIsNonBlocking(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	device, controller := net.Pipe()
	defer controller.Close()

	tr := NewStreamTransport(ctx, device, ToDevice)
	defer tr.Close()

	m, ok, err := tr.Poll()
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Message{}, m)
}

func TestStreamTransport_ReceivesFramedMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	device, controller := net.Pipe()
	defer controller.Close()

	tr := NewStreamTransport(ctx, device, ToDevice)
	defer tr.Close()

	go func() {
		// split across writes to exercise the decoder state
		controller.Write([]byte{byte(CodeMove)})
		controller.Write([]byte{5, byte(CodeRead)})
	}()

	assert.Equal(t, Move(5), pollUntil(t, tr))
	assert.Equal(t, ReadRequest(), pollUntil(t, tr))
}

func TestStreamTransport_ReportsClosedAfterPeerHangsUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	device, controller := net.Pipe()

	tr := NewStreamTransport(ctx, device, ToDevice)
	defer tr.Close()
	controller.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_, ok, err := tr.Poll()
		if err != nil {
			assert.False(t, ok)
			assert.ErrorIs(t, err, ErrClosed)
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("transport never reported the closed connection")
}

func TestController_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	device, conn := net.Pipe()

	tr := NewStreamTransport(ctx, device, ToDevice)
	defer tr.Close()
	ctrl := NewController(ctx, conn, time.Second)
	defer ctrl.Close()

	// minimal encoder: answers READ with id 4 and VERSION with 0.0.6,
	// announcing READY first to check that unsolicited messages are skipped
	go func() {
		_ = tr.Send(Ready())
		for ctx.Err() == nil {
			m, ok, err := tr.Poll()
			if err != nil {
				return
			}
			if !ok {
				time.Sleep(time.Millisecond)
				continue
			}
			switch m.Code {
			case CodeRead:
				_ = tr.Send(ReadReply(4))
			case CodeVersion:
				_ = tr.Send(VersionReply(Version{0, 0, 6}))
			}
		}
	}()

	id, err := ctrl.ReadPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(4), id)

	v, err := ctrl.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, Version{0, 0, 6}, v)
}

func TestController_RejectedMoveDoesNotShiftReplies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	device, conn := net.Pipe()

	tr := NewStreamTransport(ctx, device, ToDevice)
	defer tr.Close()
	ctrl := NewController(ctx, conn, time.Second)
	defer ctrl.Close()

	// encoder with positions 4 and 5: unknown MOVE ids get ERROR
	selected := uint8(4)
	go func() {
		for ctx.Err() == nil {
			m, ok, err := tr.Poll()
			if err != nil {
				return
			}
			if !ok {
				time.Sleep(time.Millisecond)
				continue
			}
			switch m.Code {
			case CodeRead:
				_ = tr.Send(ReadReply(selected))
			case CodeMove:
				if id := m.Value(); id == 4 || id == 5 {
					selected = id
				} else {
					_ = tr.Send(ErrorReply())
				}
			}
		}
	}()

	require.NoError(t, ctrl.Move(99))
	for i := 0; i < 3; i++ {
		id, err := ctrl.ReadPosition(ctx)
		require.NoError(t, err, "read %d", i)
		assert.Equal(t, uint8(4), id, "read %d", i)
	}

	require.NoError(t, ctrl.Move(5))
	id, err := ctrl.ReadPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(5), id)
}

func TestOpen_Loopback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr, controller, err := Open(ctx, Config{Type: "loopback"})
	require.NoError(t, err)
	require.NotNil(t, controller)
	defer tr.Close()
	defer controller.Close()

	go controller.Write(Encode(VersionRequest()))
	assert.Equal(t, VersionRequest(), pollUntil(t, tr))
}

func TestOpen_UnsupportedType(t *testing.T) {
	_, _, err := Open(context.Background(), Config{Type: "i2c"})
	assert.Error(t, err)
}
