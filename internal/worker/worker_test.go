package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"spotthebot/internal/kv/badgerkv"
	"spotthebot/internal/marker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func TestRunStopsOnCancel(t *testing.T) {
	var calls atomic.Int32
	w := New(5*time.Millisecond, nil, Task{
		Name: "count",
		Run: func(ctx context.Context) (int, error) {
			calls.Add(1)
			return 0, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestFailingTaskDoesNotStopOthers(t *testing.T) {
	var good atomic.Int32
	w := New(5*time.Millisecond, nil,
		Task{Name: "broken", Run: func(context.Context) (int, error) {
			return 0, errors.New("boom")
		}},
		Task{Name: "fine", Run: func(context.Context) (int, error) {
			good.Add(1)
			return 1, nil
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	require.Eventually(t, func() bool { return good.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestEvictionTaskTrimsMarkers(t *testing.T) {
	db, err := badgerkv.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	markers := marker.New(db, marker.Config{MaxMarkers: 2}, nil)
	ctx := context.Background()
	for i := range 5 {
		labels := make([]string, i+1)
		for j := range labels {
			labels[j] = fmt.Sprintf("m%d", i)
		}
		require.NoError(t, markers.Update(ctx, labels, true))
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = New(10*time.Millisecond, nil, EvictionTask(markers)).Run(runCtx)
	}()

	require.Eventually(t, func() bool {
		n, err := markers.Len(ctx)
		return err == nil && n == 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	top, err := markers.ByCount(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []marker.Counted{{Label: "m4", Count: 5}, {Label: "m3", Count: 4}}, top)
}
