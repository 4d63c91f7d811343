package impl

import (
	"context"
	"fmt"
	"time"

	"github.com/textileio/go-walletd/pkg/metrics"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
	"go.opentelemetry.io/otel/metric/unit"
)

type trackerMetrics struct {
	passes        instrument.Int64Counter
	passLatency   instrument.Int64Histogram
	pendingSeen   instrument.Int64Histogram
	resubmissions instrument.Int64Counter
}

func (t *BlockTracker) initMetrics() error {
	meter := global.MeterProvider().Meter("walletd")

	passes, err := meter.Int64Counter("walletd.tracker.passes")
	if err != nil {
		return fmt.Errorf("creating passes counter: %s", err)
	}
	passLatency, err := meter.Int64Histogram(
		"walletd.tracker.pass_latency",
		instrument.WithUnit(string(unit.Milliseconds)),
	)
	if err != nil {
		return fmt.Errorf("creating pass latency histogram: %s", err)
	}
	pendingSeen, err := meter.Int64Histogram("walletd.tracker.pending_seen")
	if err != nil {
		return fmt.Errorf("creating pending seen histogram: %s", err)
	}
	resubmissions, err := meter.Int64Counter("walletd.tracker.resubmissions")
	if err != nil {
		return fmt.Errorf("creating resubmissions counter: %s", err)
	}

	t.metrics = &trackerMetrics{
		passes:        passes,
		passLatency:   passLatency,
		pendingSeen:   pendingSeen,
		resubmissions: resubmissions,
	}
	return nil
}

func (m *trackerMetrics) recordPass(latency time.Duration, pending int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.passes.Add(ctx, 1, metrics.BaseAttrs...)
	m.passLatency.Record(ctx, latency.Milliseconds(), metrics.BaseAttrs...)
	m.pendingSeen.Record(ctx, int64(pending), metrics.BaseAttrs...)
}

func (m *trackerMetrics) recordResubmission() {
	if m == nil {
		return
	}
	m.resubmissions.Add(context.Background(), 1, metrics.BaseAttrs...)
}
