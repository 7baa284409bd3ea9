/*
Copyright 2024-2025 Alve Capital

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package predictgate_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alvecapital/predictgate"
	"github.com/mailgun/holster/v4/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmissionQueueOrdering(t *testing.T) {
	t.Run("FIFO within a tier", func(t *testing.T) {
		q := predictgate.NewAdmissionQueue(predictgate.AdmissionQueueConfig{
			TickInterval: clock.Millisecond,
		})

		var mu sync.Mutex
		var order []int

		// Submit before Start so the drain order is fully determined.
		for i := 0; i < 5; i++ {
			i := i
			q.Submit(predictgate.PriorityMedium, func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			}, 0)
		}

		require.NoError(t, q.Start())
		defer q.Stop()

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(order) == 5
		}, 2*clock.Second, clock.Millisecond)

		assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	})

	t.Run("Higher tiers drain first", func(t *testing.T) {
		q := predictgate.NewAdmissionQueue(predictgate.AdmissionQueueConfig{
			TickInterval: clock.Millisecond,
		})

		var mu sync.Mutex
		var order []predictgate.Priority

		record := func(p predictgate.Priority) predictgate.Operation {
			return func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, p)
				mu.Unlock()
				return nil, nil
			}
		}

		// Submit in reverse priority order before the loop starts.
		q.Submit(predictgate.PriorityLow, record(predictgate.PriorityLow), 0)
		q.Submit(predictgate.PriorityMedium, record(predictgate.PriorityMedium), 0)
		q.Submit(predictgate.PriorityHigh, record(predictgate.PriorityHigh), 0)

		require.NoError(t, q.Start())
		defer q.Stop()

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(order) == 3
		}, 2*clock.Second, clock.Millisecond)

		assert.Equal(t, []predictgate.Priority{
			predictgate.PriorityHigh,
			predictgate.PriorityMedium,
			predictgate.PriorityLow,
		}, order)
	})
}

func TestAdmissionQueueRateLimit(t *testing.T) {
	const limit = 5
	q := predictgate.NewAdmissionQueue(predictgate.AdmissionQueueConfig{
		MaxOpsPerSecond: limit,
		TickInterval:    clock.Millisecond,
	})
	require.NoError(t, q.Start())
	defer q.Stop()

	var executed int64
	for i := 0; i < limit*4; i++ {
		q.Submit(predictgate.PriorityHigh, func(ctx context.Context) (interface{}, error) {
			atomic.AddInt64(&executed, 1)
			return nil, nil
		}, 0)
	}

	// Well inside the first one-second window no more than the cap may have
	// run.
	clock.Sleep(500 * clock.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt64(&executed), int64(limit))

	// Eventually the backlog drains across later windows.
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&executed) == int64(limit*4)
	}, 10*clock.Second, 10*clock.Millisecond)
}

func TestAdmissionQueueResults(t *testing.T) {
	q := predictgate.NewAdmissionQueue(predictgate.AdmissionQueueConfig{
		TickInterval: clock.Millisecond,
	})
	require.NoError(t, q.Start())
	defer q.Stop()

	t.Run("Result is delivered", func(t *testing.T) {
		handle := q.Submit(predictgate.PriorityHigh, func(ctx context.Context) (interface{}, error) {
			return "payload", nil
		}, 0)

		ctx, cancel := context.WithTimeout(context.Background(), 2*clock.Second)
		defer cancel()
		result, err := handle.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, "payload", result)
	})

	t.Run("Error is delivered", func(t *testing.T) {
		handle := q.Submit(predictgate.PriorityHigh, func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("platform said no")
		}, 0)

		ctx, cancel := context.WithTimeout(context.Background(), 2*clock.Second)
		defer cancel()
		_, err := handle.Wait(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "platform said no")
	})

	t.Run("Panic becomes an error", func(t *testing.T) {
		handle := q.Submit(predictgate.PriorityHigh, func(ctx context.Context) (interface{}, error) {
			panic("boom")
		}, 0)

		ctx, cancel := context.WithTimeout(context.Background(), 2*clock.Second)
		defer cancel()
		_, err := handle.Wait(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("Wait honors context", func(t *testing.T) {
		stopped := predictgate.NewAdmissionQueue(predictgate.AdmissionQueueConfig{})
		handle := stopped.Submit(predictgate.PriorityLow, func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, 0)

		// The queue never starts, so the handle never resolves.
		ctx, cancel := context.WithTimeout(context.Background(), 50*clock.Millisecond)
		defer cancel()
		_, err := handle.Wait(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestAdmissionQueuePosition(t *testing.T) {
	q := predictgate.NewAdmissionQueue(predictgate.AdmissionQueueConfig{
		TickInterval: clock.Millisecond,
	})
	require.NoError(t, q.Start())
	defer q.Stop()

	started := make(chan struct{})
	release := make(chan struct{})

	// The blocker stalls the scheduling loop so the tasks behind it hold
	// their positions.
	q.Submit(predictgate.PriorityHigh, func(ctx context.Context) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	}, 1)
	<-started

	q.Submit(predictgate.PriorityMedium, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, 2)
	q.Submit(predictgate.PriorityLow, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, 3)

	// The executing task no longer has a position.
	assert.Equal(t, 0, q.PositionOf(1))
	assert.Equal(t, 1, q.PositionOf(2))
	assert.Equal(t, 2, q.PositionOf(3))
	assert.Equal(t, 0, q.PositionOf(99))

	status := q.Status()
	assert.Equal(t, 2, status.TotalWaiting)
	assert.Equal(t, predictgate.LoadModerate, status.Load)

	close(release)
	require.Eventually(t, func() bool {
		return q.PositionOf(3) == 0
	}, 2*clock.Second, clock.Millisecond)
}

func TestAdmissionQueueNotifier(t *testing.T) {
	var mu sync.Mutex
	type notice struct {
		userID   int64
		position int
	}
	var notices []notice

	q := predictgate.NewAdmissionQueue(predictgate.AdmissionQueueConfig{
		MaxOpsPerSecond: 1,
		TickInterval:    clock.Millisecond,
		NotifyInterval:  5 * clock.Millisecond,
		Notifier: func(userID int64, position int, etaSeconds float64) {
			mu.Lock()
			notices = append(notices, notice{userID: userID, position: position})
			mu.Unlock()
		},
	})
	require.NoError(t, q.Start())
	defer q.Stop()

	// With the window cap at one, everything past the first task waits long
	// enough to be told where it stands.
	for user := int64(1); user <= 3; user++ {
		q.Submit(predictgate.PriorityLow, func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, user)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notices) > 0
	}, 2*clock.Second, clock.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, n := range notices {
		assert.Greater(t, n.position, 0)
		assert.NotZero(t, n.userID)
	}
}

func TestAdmissionQueueLifecycle(t *testing.T) {
	q := predictgate.NewAdmissionQueue(predictgate.AdmissionQueueConfig{
		TickInterval: clock.Millisecond,
	})

	require.NoError(t, q.Start())
	assert.Error(t, q.Start(), "second Start must fail")

	q.Stop()
	// Stop on a stopped queue is a no-op.
	q.Stop()

	// The queue can be restarted after a stop.
	require.NoError(t, q.Start())
	q.Stop()
}

func TestSystemLoadLevels(t *testing.T) {
	q := predictgate.NewAdmissionQueue(predictgate.AdmissionQueueConfig{})

	// Nothing queued on a fresh queue.
	status := q.Status()
	assert.Equal(t, predictgate.LoadNormal, status.Load)
	assert.Equal(t, 0, status.TotalWaiting)

	// Queue is not started; submissions accumulate.
	for i := 0; i < 60; i++ {
		q.Submit(predictgate.PriorityLow, func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, 0)
	}
	assert.Equal(t, predictgate.LoadHigh, q.Status().Load)

	for i := 0; i < 60; i++ {
		q.Submit(predictgate.PriorityLow, func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, 0)
	}
	assert.Equal(t, predictgate.LoadCritical, q.Status().Load)
}
