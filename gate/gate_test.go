package gate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestNewInvalidLimit(t *testing.T) {
	_, err := New(0)
	assert.ErrorIs(t, err, ErrInvalidLimit)

	_, err = New(-1)
	assert.ErrorIs(t, err, ErrInvalidLimit)
}

func TestConcurrencyBound(t *testing.T) {
	g, err := New(2)
	require.NoError(t, err)

	var active, peak atomic.Int32
	work := func(ctx context.Context) (any, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	}

	start := time.Now()
	var eg errgroup.Group
	for i := 0; i < 5; i++ {
		eg.Go(func() error {
			_, err := g.Do(context.Background(), work)
			return err
		})
	}
	require.NoError(t, eg.Wait())
	elapsed := time.Since(start)

	// 5 tasks of 100ms at concurrency 2 need ceil(5/2) = 3 rounds.
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)

	stats := g.Stats()
	assert.Equal(t, uint64(5), stats.Completed)
	assert.Equal(t, 2, stats.PeakActive)
}

func TestDispatchOrder(t *testing.T) {
	g, err := New(1)
	require.NoError(t, err)

	release := make(chan struct{})
	blockerStarted := make(chan struct{})
	go g.Do(context.Background(), func(ctx context.Context) (any, error) {
		close(blockerStarted)
		<-release
		return nil, nil
	})
	<-blockerStarted

	// Enqueue tasks one at a time so submission order is unambiguous.
	order := make(chan int, 4)
	done := make(chan struct{}, 4)
	for i := 1; i <= 4; i++ {
		i := i
		go func() {
			g.Do(context.Background(), func(ctx context.Context) (any, error) {
				order <- i
				return nil, nil
			})
			done <- struct{}{}
		}()
		require.Eventually(t, func() bool {
			return g.Stats().Queued == i
		}, time.Second, time.Millisecond)
	}

	close(release)
	for i := 0; i < 4; i++ {
		<-done
	}

	for want := 1; want <= 4; want++ {
		assert.Equal(t, want, <-order)
	}
}

func TestFailureIsolation(t *testing.T) {
	g, err := New(2)
	require.NoError(t, err)

	boom := errors.New("upstream 502")
	var eg errgroup.Group
	var succeeded atomic.Int32

	for i := 0; i < 6; i++ {
		i := i
		eg.Go(func() error {
			_, err := g.Do(context.Background(), func(ctx context.Context) (any, error) {
				if i == 2 {
					return nil, boom
				}
				succeeded.Add(1)
				return nil, nil
			})
			if i == 2 {
				if !errors.Is(err, boom) {
					return errors.New("expected the task's own error")
				}
				return nil
			}
			return err
		})
	}

	require.NoError(t, eg.Wait())
	assert.Equal(t, int32(5), succeeded.Load())

	stats := g.Stats()
	assert.Equal(t, uint64(5), stats.Completed)
	assert.Equal(t, uint64(1), stats.Failed)
}

func TestPanickingTaskReleasesSlotAsFailure(t *testing.T) {
	g, err := New(1)
	require.NoError(t, err)

	func() {
		defer func() {
			require.NotNil(t, recover(), "panic should propagate to the caller")
		}()
		g.Do(context.Background(), func(ctx context.Context) (any, error) {
			panic("template rendering blew up")
		})
	}()

	stats := g.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(0), stats.Completed)

	// The freed slot must still serve later work.
	v, err := g.Do(context.Background(), func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestCancelQueuedTask(t *testing.T) {
	g, err := New(1)
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	go g.Do(context.Background(), func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := g.Do(ctx, func(ctx context.Context) (any, error) {
			return nil, nil
		})
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return g.Stats().Queued == 1
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, g.Stats().Queued)
	assert.Equal(t, uint64(1), g.Stats().Abandoned)

	// The in-flight task is unaffected.
	close(release)
	require.Eventually(t, func() bool {
		return g.Stats().Completed == 1
	}, time.Second, time.Millisecond)
}

func TestRunTyped(t *testing.T) {
	g, err := New(1)
	require.NoError(t, err)

	pages, err := Run(g, context.Background(), func(ctx context.Context) ([]string, error) {
		return []string{"home", "about"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"home", "about"}, pages)

	_, err = Run(g, context.Background(), func(ctx context.Context) (int, error) {
		return 0, errors.New("fetch failed")
	})
	assert.Error(t, err)
}

func TestGoAsync(t *testing.T) {
	g, err := New(2)
	require.NoError(t, err)

	res := <-g.Go(context.Background(), func(ctx context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, res.Err)
	assert.Equal(t, 42, res.Value)
}

func TestClosedGateRejects(t *testing.T) {
	g, err := New(1)
	require.NoError(t, err)

	g.Close()
	_, err = g.Do(context.Background(), func(ctx context.Context) (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrGateClosed)
}

func TestManyParallelSubmissions(t *testing.T) {
	g, err := New(5)
	require.NoError(t, err)

	var active, peak atomic.Int32
	var eg errgroup.Group
	for i := 0; i < 50; i++ {
		eg.Go(func() error {
			_, err := g.Do(context.Background(), func(ctx context.Context) (any, error) {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				active.Add(-1)
				return nil, nil
			})
			return err
		})
	}
	require.NoError(t, eg.Wait())

	assert.LessOrEqual(t, peak.Load(), int32(5))
	assert.Equal(t, uint64(50), g.Stats().Completed)
}
