package perkey

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduler_SerialPerKey(t *testing.T) {
	s := New[string]()
	defer s.Close()

	var (
		mu    sync.Mutex
		order []int
	)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Do("k", func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
	}
	wg.Wait()

	require.Len(t, order, 20)
}

func TestScheduler_NoInterleavingPerKey(t *testing.T) {
	s := New[string]()
	defer s.Close()

	var inFlight atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Do("same", func() error {
				require.Equal(t, int32(1), inFlight.Add(1))
				time.Sleep(time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestScheduler_DistinctKeysRunConcurrently(t *testing.T) {
	s := New[string]()
	defer s.Close()

	started := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = s.Do("a", func() error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started

	// a task for a different key completes while "a" is blocked
	done := make(chan struct{})
	go func() {
		_ = s.Do("b", func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task for key b blocked behind key a")
	}
	close(release)
}

func TestScheduler_ErrorPropagation(t *testing.T) {
	s := New[string]()
	defer s.Close()

	want := errors.New("boom")
	err := s.Do("k", func() error { return want })
	require.ErrorIs(t, err, want)
}

func TestScheduler_ContextCancelled(t *testing.T) {
	s := New[string]()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.DoContext(ctx, "k", func() error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestScheduler_ReapsIdleWorkers(t *testing.T) {
	s := New[string](WithIdleTimeout(20 * time.Millisecond))
	defer s.Close()

	require.NoError(t, s.Do("a", func() error { return nil }))
	require.NoError(t, s.Do("b", func() error { return nil }))

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.workers) == 0
	}, time.Second, 5*time.Millisecond)

	// a reaped key accepts work again
	require.NoError(t, s.Do("a", func() error { return nil }))
}

func TestScheduler_Closed(t *testing.T) {
	s := New[string]()
	s.Close()
	err := s.Do("k", func() error { return nil })
	require.ErrorIs(t, err, ErrSchedulerClosed)

	// closing twice is fine
	s.Close()
}
