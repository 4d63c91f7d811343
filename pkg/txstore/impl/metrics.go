package impl

import (
	"context"
	"fmt"

	"github.com/textileio/go-walletd/pkg/metrics"
	"github.com/textileio/go-walletd/pkg/txstore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
)

type storeMetrics struct {
	transitions instrument.Int64Counter
	baseAttrs   []attribute.KeyValue
}

func (s *TxnStore) initMetrics() error {
	meter := global.MeterProvider().Meter("walletd")
	baseAttrs := append([]attribute.KeyValue{attribute.Int64("chain_id", s.chainID)}, metrics.BaseAttrs...)

	transitions, err := meter.Int64Counter("walletd.txnstore.transitions")
	if err != nil {
		return fmt.Errorf("creating transitions counter: %s", err)
	}
	s.mTransitions = &storeMetrics{transitions: transitions, baseAttrs: baseAttrs}

	recordCount, err := meter.Int64ObservableGauge("walletd.txnstore.records")
	if err != nil {
		return fmt.Errorf("creating records gauge: %s", err)
	}
	pendingCount, err := meter.Int64ObservableGauge("walletd.txnstore.pending")
	if err != nil {
		return fmt.Errorf("creating pending gauge: %s", err)
	}
	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			s.mu.Lock()
			total := int64(len(s.records))
			var pending int64
			for _, r := range s.records {
				if r.Pending() {
					pending++
				}
			}
			s.mu.Unlock()

			o.ObserveInt64(recordCount, total, baseAttrs...)
			o.ObserveInt64(pendingCount, pending, baseAttrs...)
			return nil
		},
		[]instrument.Asynchronous{
			recordCount,
			pendingCount,
		}...,
	)
	if err != nil {
		return fmt.Errorf("registering callback: %s", err)
	}
	return nil
}

func (m *storeMetrics) recordTransition(new txstore.Status) {
	if m == nil {
		return
	}
	attrs := append([]attribute.KeyValue{attribute.String("status", string(new))}, m.baseAttrs...)
	m.transitions.Add(context.Background(), 1, attrs...)
}
