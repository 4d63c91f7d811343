package impl

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/textileio/go-walletd/pkg/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
)

type coordinatorMetrics struct {
	acquires instrument.Int64Counter
}

func (c *LocalCoordinator) initMetrics() error {
	meter := global.MeterProvider().Meter("walletd")

	acquires, err := meter.Int64Counter("walletd.nonce.acquires")
	if err != nil {
		return fmt.Errorf("creating acquires counter: %s", err)
	}
	c.metrics = &coordinatorMetrics{acquires: acquires}

	heldLocks, err := meter.Int64ObservableGauge("walletd.nonce.held_locks")
	if err != nil {
		return fmt.Errorf("creating held locks gauge: %s", err)
	}
	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(heldLocks, c.heldLocks.Load(), metrics.BaseAttrs...)
			return nil
		},
		[]instrument.Asynchronous{heldLocks}...,
	)
	if err != nil {
		return fmt.Errorf("registering callback: %s", err)
	}
	return nil
}

func (m *coordinatorMetrics) recordAcquire(addr common.Address) {
	if m == nil {
		return
	}
	attrs := append([]attribute.KeyValue{attribute.String("address", addr.Hex())}, metrics.BaseAttrs...)
	m.acquires.Add(context.Background(), 1, attrs...)
}
