package cycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOneshot_SendRecv(t *testing.T) {
	s := newTestScheduler(t)
	var o Oneshot[string]
	receivers := make([]*Handle[string], 3)
	for i := range receivers {
		h, err := Spawn[string](s, o.Recv())
		require.NoError(t, err)
		receivers[i] = h
	}
	waitFor(t, 5*time.Second, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return len(o.waiters) == len(receivers)
	}, "receivers to wait")

	assert.True(t, o.Send("hello"))
	assert.False(t, o.Send("again"))
	for _, h := range receivers {
		v, err := joinWithin(t, h, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "hello", v)
	}

	// a late receiver completes on its first resume
	h, err := Spawn[string](s, o.Recv())
	require.NoError(t, err)
	v, err := joinWithin(t, h, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestOneshot_Close(t *testing.T) {
	s := newTestScheduler(t)
	var o Oneshot[int]
	h, err := Spawn[int](s, o.Recv())
	require.NoError(t, err)
	o.Close()
	o.Close()
	assert.False(t, o.Send(1))
	_, err = joinWithin(t, h, 5*time.Second)
	assert.ErrorIs(t, err, ErrOneshotClosed)

	_, err, ok := o.TryRecv()
	assert.True(t, ok)
	assert.ErrorIs(t, err, ErrOneshotClosed)
}

func TestOneshot_TryRecv(t *testing.T) {
	var o Oneshot[int]
	_, _, ok := o.TryRecv()
	assert.False(t, ok)
	o.Send(9)
	v, err, ok := o.TryRecv()
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, 9, v)
}

func TestOneshot_CancelledReceiverRemoved(t *testing.T) {
	s := newTestScheduler(t)
	var o Oneshot[int]
	h, err := Spawn[int](s, o.Recv())
	require.NoError(t, err)
	waitFor(t, 5*time.Second, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return len(o.waiters) == 1
	}, "receiver to wait")
	h.Cancel()
	_, err = joinWithin(t, h, 5*time.Second)
	assert.ErrorIs(t, err, ErrCancelled)
	o.mu.Lock()
	assert.Empty(t, o.waiters)
	o.mu.Unlock()
}
