package ringchan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveAll(t *testing.T, rc *RingChannel[int], n int) []int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		v, err := rc.ReceiveContext(ctx)
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func TestRingChannel_OverwritesOldest(t *testing.T) {
	rc := New[int](3)
	for i := 0; i < 5; i++ {
		assert.True(t, rc.Send(i))
	}

	assert.Equal(t, []int{2, 3, 4}, receiveAll(t, rc, 3), "only the newest values MUST survive")
	m := rc.GetMetrics()
	assert.Equal(t, int64(5), m.Written)
	assert.Equal(t, int64(2), m.Overwritten)
	assert.Equal(t, int64(3), m.Processed)
}

func TestRingChannel_ReceiveContext(t *testing.T) {
	t.Run("returns buffered value", func(t *testing.T) {
		rc := New[int](2)
		rc.Send(7)
		v, err := rc.ReceiveContext(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 7, v)
	})

	t.Run("honours context deadline", func(t *testing.T) {
		rc := New[int](2)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := rc.ReceiveContext(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("wakes up on close", func(t *testing.T) {
		rc := New[int](2)
		go func() {
			time.Sleep(10 * time.Millisecond)
			rc.Close()
		}()
		_, err := rc.ReceiveContext(context.Background())
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("drains buffered values before reporting close", func(t *testing.T) {
		rc := New[int](2)
		rc.Send(1)
		rc.Close()

		assert.Equal(t, []int{1}, receiveAll(t, rc, 1))
		_, err := rc.ReceiveContext(context.Background())
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestRingChannel_SendAfterClose(t *testing.T) {
	rc := New[int](2)
	rc.Close()
	rc.Close()

	assert.False(t, rc.Send(1), "Send after Close MUST be rejected without panicking")
	assert.False(t, rc.Send(2))
	assert.Equal(t, int64(2), rc.GetMetrics().Errors)
}

func TestNew_PanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}
