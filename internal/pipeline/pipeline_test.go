package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"geolocate/internal/logging"

	"github.com/stretchr/testify/require"
)

func TestRunKeepsInputOrder(t *testing.T) {
	proc := ProcessorFunc(func(ctx context.Context, job Job) Result {
		n := job.Payload.(int)
		time.Sleep(time.Duration(10-n) * time.Millisecond)
		return Result{Value: n * n}
	})
	p := New(context.Background(), 4, 0, logging.Discard(), proc)
	defer p.Stop()

	jobs := make([]Job, 10)
	for i := range jobs {
		jobs[i] = Job{ID: fmt.Sprintf("job-%d", i), Kind: JobImage, Payload: i}
	}

	results := p.Run(context.Background(), jobs)
	require.Len(t, results, 10)
	for i, r := range results {
		require.NoError(t, r.Error)
		require.Equal(t, i*i, r.Value)
		require.Equal(t, jobs[i].ID, r.Job.ID)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	var inFlight, peak int32
	proc := ProcessorFunc(func(ctx context.Context, job Job) Result {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return Result{}
	})
	p := New(context.Background(), 2, 1, logging.Discard(), proc)
	defer p.Stop()

	p.Run(context.Background(), make([]Job, 12))
	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestRunReportsErrorsAndPanics(t *testing.T) {
	proc := ProcessorFunc(func(ctx context.Context, job Job) Result {
		switch job.ID {
		case "bad":
			return Result{Error: errors.New("decode failed")}
		case "panic":
			panic("boom")
		}
		return Result{Value: "ok"}
	})
	p := New(context.Background(), 2, 0, logging.Discard(), proc)
	defer p.Stop()

	results := p.Run(context.Background(), []Job{{ID: "good"}, {ID: "bad"}, {ID: "panic"}})
	require.NoError(t, results[0].Error)
	require.EqualError(t, results[1].Error, "decode failed")
	require.Error(t, results[2].Error)
	require.Equal(t, "panic", results[2].Job.ID)
}

func TestRunCancelledContext(t *testing.T) {
	var calls int32
	proc := ProcessorFunc(func(ctx context.Context, job Job) Result {
		atomic.AddInt32(&calls, 1)
		return Result{}
	})
	p := New(context.Background(), 1, 0, logging.Discard(), proc)
	defer p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := p.Run(ctx, []Job{{ID: "a"}, {ID: "b"}})
	for _, r := range results {
		require.ErrorIs(t, r.Error, context.Canceled)
	}
	require.Zero(t, atomic.LoadInt32(&calls))
}

func TestRunAfterStop(t *testing.T) {
	p := New(context.Background(), 1, 0, logging.Discard(), ProcessorFunc(func(ctx context.Context, job Job) Result {
		return Result{}
	}))
	p.Stop()

	results := p.Run(context.Background(), []Job{{ID: "late"}})
	require.Error(t, results[0].Error)
}

func TestSubscribeReceivesResults(t *testing.T) {
	p := New(context.Background(), 1, 0, logging.Discard(), ProcessorFunc(func(ctx context.Context, job Job) Result {
		return Result{Meta: map[string]any{"detections": 2}}
	}))
	defer p.Stop()

	ch, unsubscribe := p.Subscribe()
	defer unsubscribe()

	p.Run(context.Background(), []Job{{ID: "x", Kind: JobPhoto}})

	select {
	case res := <-ch:
		require.Equal(t, "x", res.Job.ID)
		require.Equal(t, 2, res.Meta["detections"])
	case <-time.After(time.Second):
		t.Fatal("expected a broadcast result")
	}
}
