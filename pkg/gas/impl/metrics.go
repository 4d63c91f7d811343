package impl

import (
	"context"
	"fmt"

	"github.com/textileio/go-walletd/pkg/gas"
	"github.com/textileio/go-walletd/pkg/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
)

type estimatorMetrics struct {
	estimates instrument.Int64Counter
}

func (e *ChainEstimator) initMetrics() error {
	meter := global.MeterProvider().Meter("walletd")

	estimates, err := meter.Int64Counter("walletd.gas.estimates")
	if err != nil {
		return fmt.Errorf("creating estimates counter: %s", err)
	}
	e.metrics = &estimatorMetrics{estimates: estimates}
	return nil
}

func (m *estimatorMetrics) recordEstimate(t gas.EstimateType) {
	if m == nil {
		return
	}
	attrs := append([]attribute.KeyValue{attribute.String("source", string(t))}, metrics.BaseAttrs...)
	m.estimates.Add(context.Background(), 1, attrs...)
}
