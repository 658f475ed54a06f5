package workers

import (
	"chat-relay/observability"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestQueueSampler_Sample_Reports_Length_And_Fill(t *testing.T) {
	req := require.New(t)
	metrics := observability.NewMetrics()

	// Given a queue holding 3 items out of 4
	queue := make(chan int, 4)
	queue <- 1
	queue <- 2
	queue <- 3
	sampler := NewQueueSampler(slog.Default(), []NamedQueue{{
		Name:  "trim",
		Depth: func() (int, int) { return len(queue), cap(queue) },
	}}, metrics, time.Minute)

	// When sampled
	sampler.Sample()

	// Then both gauges reflect the queue
	req.Equal(float64(3), testutil.ToFloat64(metrics.QueueLength.WithLabelValues("trim")))
	req.Equal(0.75, testutil.ToFloat64(metrics.QueueFill.WithLabelValues("trim")))
}

func TestQueueSampler_Run_Samples_Until_Canceled(t *testing.T) {
	req := require.New(t)
	metrics := observability.NewMetrics()
	ctx, cancel := context.WithCancel(context.Background())

	depth := make(chan struct{}, 1)
	sampler := NewQueueSampler(slog.Default(), []NamedQueue{{
		Name: "trim",
		Depth: func() (int, int) {
			select {
			case depth <- struct{}{}:
			default:
			}
			return 1, 2
		},
	}}, metrics, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- sampler.Run(ctx) }()

	// Then at least one tick samples the queue
	select {
	case <-depth:
	case <-time.After(time.Second):
		req.Fail("queue was never sampled")
	}

	cancel()
	req.NoError(<-done)
}
