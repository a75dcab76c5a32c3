package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerFiresAtDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New()
	go s.Run(ctx)

	fired := make(chan struct{})
	s.Schedule("k1", time.Now().Add(20*time.Millisecond), func(context.Context) {
		close(fired)
	})

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("deadline never fired")
	}
	assert.False(t, s.Pending("k1"))
}

func TestSchedulerCancelPreventsFire(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New()
	go s.Run(ctx)

	var fired atomic.Bool
	s.Schedule("k1", time.Now().Add(50*time.Millisecond), func(context.Context) {
		fired.Store(true)
	})
	require.True(t, s.Pending("k1"))
	s.Cancel("k1")

	time.Sleep(150 * time.Millisecond)
	assert.False(t, fired.Load())
	assert.False(t, s.Pending("k1"))
}

func TestSchedulerRescheduleReplacesDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New()
	go s.Run(ctx)

	var count atomic.Int32
	s.Schedule("k1", time.Now().Add(30*time.Millisecond), func(context.Context) {
		count.Add(1)
	})
	s.Schedule("k1", time.Now().Add(60*time.Millisecond), func(context.Context) {
		count.Add(1)
	})

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load(), "one key fires once")
}

func TestSchedulerOrdersByDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New()
	go s.Run(ctx)

	order := make(chan string, 2)
	s.Schedule("late", time.Now().Add(80*time.Millisecond), func(context.Context) {
		order <- "late"
	})
	s.Schedule("early", time.Now().Add(20*time.Millisecond), func(context.Context) {
		order <- "early"
	})

	first := <-order
	second := <-order
	assert.Equal(t, "early", first)
	assert.Equal(t, "late", second)
}

func TestSchedulerCancelUnknownKeyIsNoop(t *testing.T) {
	s := New()
	s.Cancel("never-scheduled")
	assert.False(t, s.Pending("never-scheduled"))
}
