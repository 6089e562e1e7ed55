package transport

import (
	"context"
	"testing"
	"time"

	"github.com/go-i2p/go-porthop/lib/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dataPacket(seq uint64, payload string) *protocol.Data {
	p := &protocol.Data{Payload: []byte(payload)}
	p.Hdr = protocol.Header{Session: 1, Seq: seq}
	return p
}

func TestPipeDeliversOnlyToBoundPorts(t *testing.T) {
	a, b := NewPipe(8)
	defer a.Close()
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, 4000, dataPacket(1, "lost")))
	assert.Equal(t, uint64(1), b.Stats().Dropped)

	require.NoError(t, b.Bind(4000))
	require.NoError(t, a.Send(ctx, 4000, dataPacket(2, "hello")))

	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	in, err := b.Receive(rctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(4000), in.Port)
	data, ok := in.Packet.(*protocol.Data)
	require.True(t, ok)
	assert.Equal(t, "hello", string(data.Payload))
	assert.Equal(t, uint64(2), data.Header().Seq)

	require.NoError(t, b.Unbind(4000))
	require.NoError(t, a.Send(ctx, 4000, dataPacket(3, "lost")))
	assert.Equal(t, uint64(2), b.Stats().Dropped)
	assert.Equal(t, uint64(3), a.Stats().Sent)
}

func TestPipeReserveAndUnbind(t *testing.T) {
	a, _ := NewPipe(1)
	a.Reserve(5000)
	assert.ErrorIs(t, a.Bind(5000), ErrPortInUse)
	assert.ErrorIs(t, a.Unbind(5001), ErrNotBound)

	require.NoError(t, a.Bind(5001))
	assert.True(t, a.IsBound(5001))
	assert.Equal(t, 1, a.BoundPorts())
}

func TestPipeDropFunc(t *testing.T) {
	a, b := NewPipe(4)
	require.NoError(t, b.Bind(10))
	a.SetDropFunc(func(port uint16, p protocol.Packet) bool {
		return p.Kind() == protocol.KindData
	})
	require.NoError(t, a.Send(context.Background(), 10, dataPacket(1, "x")))
	require.NoError(t, a.Send(context.Background(), 10, &protocol.Close{}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	in, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindClose, in.Packet.Kind())
	assert.Equal(t, uint64(1), a.Stats().Dropped)
}

func TestPipeClose(t *testing.T) {
	a, b := NewPipe(4)
	require.NoError(t, b.Bind(10))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err := b.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Bind(11), ErrClosed)
	assert.ErrorIs(t, b.Send(context.Background(), 10, &protocol.Close{}), ErrClosed)

	// Packets to a closed end are lost, not errors.
	assert.NoError(t, a.Send(context.Background(), 10, &protocol.Close{}))
}

func TestPipeReceiveCancelled(t *testing.T) {
	_, b := NewPipe(4)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := b.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
