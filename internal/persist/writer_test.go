package persist

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterAppliesInOrder(t *testing.T) {
	w := NewWriter()
	defer w.Close(context.Background())

	var mu sync.Mutex
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		w.Submit(Write{Apply: func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}})
	}
	require.NoError(t, w.Flush(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestWriterCoalescesKeyedWrites(t *testing.T) {
	w := NewWriter()
	defer w.Close(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	w.Submit(Write{Apply: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})
	<-started

	var applied []string
	var mu sync.Mutex
	for _, v := range []string{"v1", "v2", "v3"} {
		v := v
		w.Submit(Write{Key: "snapshot", Apply: func(context.Context) error {
			mu.Lock()
			applied = append(applied, v)
			mu.Unlock()
			return nil
		}})
	}
	assert.Equal(t, 1, w.Pending())
	close(release)
	require.NoError(t, w.Flush(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"v3"}, applied)
}

func TestWriterRetriesWithBackoff(t *testing.T) {
	w := NewWriter(WithBackoff(time.Millisecond, 4*time.Millisecond), WithMaxAttempts(4))
	defer w.Close(context.Background())

	var calls atomic.Int32
	w.Submit(Write{Key: "k", Apply: func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("disk busy")
		}
		return nil
	}})
	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWriterGivesUpAfterMaxAttempts(t *testing.T) {
	w := NewWriter(WithBackoff(time.Millisecond, time.Millisecond), WithMaxAttempts(2))
	defer w.Close(context.Background())

	var calls atomic.Int32
	w.Submit(Write{Apply: func(context.Context) error {
		calls.Add(1)
		return errors.New("read-only filesystem")
	}})
	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestWriterCloseFlushesPending(t *testing.T) {
	w := NewWriter()

	release := make(chan struct{})
	started := make(chan struct{})
	w.Submit(Write{Apply: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})
	<-started

	var flushed atomic.Bool
	w.Submit(Write{Key: "final", Apply: func(context.Context) error {
		flushed.Store(true)
		return nil
	}})
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))
	assert.True(t, flushed.Load())
	assert.ErrorIs(t, w.Flush(context.Background()), ErrWriterClosed)
}
