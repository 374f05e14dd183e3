package serve

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_PreservesSendOrder(t *testing.T) {
	ch := NewChannel[int]()
	for i := 0; i < 100; i++ {
		require.NoError(t, ch.Send(i))
	}
	for i := 0; i < 100; i++ {
		v, err := ch.Recv(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestChannel_RecvBlocksUntilSend(t *testing.T) {
	ch := NewChannel[string]()
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = ch.Send("hello")
	}()
	v, err := ch.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestChannel_RecvHonorsContext(t *testing.T) {
	ch := NewChannel[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ch.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannel_CloseDrainsThenErrors(t *testing.T) {
	// GIVEN a channel with two buffered messages
	ch := NewChannel[int]()
	require.NoError(t, ch.Send(1))
	require.NoError(t, ch.Send(2))
	ch.Close()

	// THEN buffered messages remain receivable
	v, err := ch.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	v, err = ch.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	// AND the drained channel reports closed
	_, err = ch.Recv(context.Background())
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.ErrorIs(t, ch.Send(3), ErrChannelClosed)
}

func TestChannel_TryRecv(t *testing.T) {
	ch := NewChannel[int]()
	_, ok := ch.TryRecv()
	assert.False(t, ok)

	require.NoError(t, ch.Send(7))
	v, ok := ch.TryRecv()
	assert.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestChannel_CloseIsIdempotent(t *testing.T) {
	ch := NewChannel[int]()
	ch.Close()
	ch.Close()
	_, err := ch.Recv(context.Background())
	assert.ErrorIs(t, err, ErrChannelClosed)
}
