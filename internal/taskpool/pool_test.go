package taskpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNew_DefaultsSize(t *testing.T) {
	p, err := New(0)
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSubmit_RunsTaskAndShutdownWaits(t *testing.T) {
	p, err := New(2)
	require.NoError(t, err)

	var ran atomic.Int32
	for i := 0; i < 2; i++ {
		err := p.Submit(context.Background(), "work", func(context.Context) error {
			time.Sleep(20 * time.Millisecond)
			ran.Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, p.Shutdown(context.Background()))
	require.Equal(t, int32(2), ran.Load())
}

func TestSubmit_DetachesFromCallerCancellation(t *testing.T) {
	p, err := New(1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var taskErr error
	err = p.Submit(ctx, "detached", func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		taskErr = ctx.Err()
		return nil
	})
	require.NoError(t, err)
	cancel()

	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, taskErr)
}

func TestSubmit_AppliesTimeout(t *testing.T) {
	p, err := New(1, WithTimeout(10*time.Millisecond))
	require.NoError(t, err)

	var deadline bool
	err = p.Submit(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		deadline = errors.Is(ctx.Err(), context.DeadlineExceeded)
		return ctx.Err()
	})
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))
	require.True(t, deadline)
}

func TestSubmit_RejectsWhenSaturated(t *testing.T) {
	p, err := New(1)
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	err = p.Submit(context.Background(), "blocker", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started

	err = p.Submit(context.Background(), "overflow", func(context.Context) error { return nil })
	require.Error(t, err)
	require.Contains(t, err.Error(), "overflow")

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSubmit_TaskErrorAndPanicDoNotEscape(t *testing.T) {
	p, err := New(2)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	require.NoError(t, p.Submit(context.Background(), "fails", func(context.Context) error {
		defer wg.Done()
		return errors.New("llm down")
	}))
	require.NoError(t, p.Submit(context.Background(), "panics", func(context.Context) error {
		defer wg.Done()
		panic("boom")
	}))
	wg.Wait()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSubmit_AfterShutdown(t *testing.T) {
	p, err := New(1)
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))

	err = p.Submit(context.Background(), "late", func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSubmit_NilTask(t *testing.T) {
	p, err := New(1)
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()
	require.Error(t, p.Submit(context.Background(), "nil", nil))
}

func TestShutdown_ContextExpires(t *testing.T) {
	p, err := New(1)
	require.NoError(t, err)

	release := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), "stuck", func(context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = p.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestRunning_CountsBusyWorkers(t *testing.T) {
	p, err := New(2)
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), "busy", func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.Equal(t, 1, p.Running())

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
	require.Equal(t, 0, p.Running())
}
