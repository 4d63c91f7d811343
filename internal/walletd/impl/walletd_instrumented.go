package impl

import (
	"context"
	"fmt"
	"time"

	"github.com/textileio/go-walletd/internal/walletd"
	"github.com/textileio/go-walletd/pkg/gas"
	"github.com/textileio/go-walletd/pkg/metrics"
	"github.com/textileio/go-walletd/pkg/txstore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
	"go.opentelemetry.io/otel/metric/unit"
)

// InstrumentedWalletd wraps a Walletd implementation with call metrics.
type InstrumentedWalletd struct {
	walletd          walletd.Walletd
	callCount        instrument.Int64Counter
	latencyHistogram instrument.Int64Histogram
}

// NewInstrumentedWalletd creates an instrumented wrapper.
func NewInstrumentedWalletd(w walletd.Walletd) (walletd.Walletd, error) {
	meter := global.MeterProvider().Meter("walletd")
	callCount, err := meter.Int64Counter("walletd.call.count")
	if err != nil {
		return nil, fmt.Errorf("creating call count counter: %s", err)
	}
	latencyHistogram, err := meter.Int64Histogram(
		"walletd.call.latency",
		instrument.WithUnit(string(unit.Milliseconds)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating call latency histogram: %s", err)
	}
	return &InstrumentedWalletd{w, callCount, latencyHistogram}, nil
}

// SubmitTransaction validates and queues a transaction for approval.
func (w *InstrumentedWalletd) SubmitTransaction(
	ctx context.Context,
	req walletd.SubmitTransactionRequest,
) (txstore.TxRecord, error) {
	start := time.Now()
	r, err := w.walletd.SubmitTransaction(ctx, req)
	w.record(ctx, "SubmitTransaction", err == nil, time.Since(start))
	return r, err
}

// ApproveTransaction signs and broadcasts an unapproved transaction.
func (w *InstrumentedWalletd) ApproveTransaction(ctx context.Context, id string) (txstore.TxRecord, error) {
	start := time.Now()
	r, err := w.walletd.ApproveTransaction(ctx, id)
	w.record(ctx, "ApproveTransaction", err == nil, time.Since(start))
	return r, err
}

// RejectTransaction cancels a transaction that was not broadcast yet.
func (w *InstrumentedWalletd) RejectTransaction(ctx context.Context, id string) (txstore.TxRecord, error) {
	start := time.Now()
	r, err := w.walletd.RejectTransaction(ctx, id)
	w.record(ctx, "RejectTransaction", err == nil, time.Since(start))
	return r, err
}

// GetTransaction returns a transaction record by id.
func (w *InstrumentedWalletd) GetTransaction(ctx context.Context, id string) (txstore.TxRecord, error) {
	start := time.Now()
	r, err := w.walletd.GetTransaction(ctx, id)
	w.record(ctx, "GetTransaction", err == nil, time.Since(start))
	return r, err
}

// ListTransactions returns records matching the filter.
func (w *InstrumentedWalletd) ListTransactions(
	ctx context.Context,
	f txstore.Filter,
) ([]txstore.TxRecord, error) {
	start := time.Now()
	rs, err := w.walletd.ListTransactions(ctx, f)
	w.record(ctx, "ListTransactions", err == nil, time.Since(start))
	return rs, err
}

// BumpFee queues a same-nonce replacement with higher fees.
func (w *InstrumentedWalletd) BumpFee(
	ctx context.Context,
	req walletd.BumpFeeRequest,
) (txstore.TxRecord, error) {
	start := time.Now()
	r, err := w.walletd.BumpFee(ctx, req)
	w.record(ctx, "BumpFee", err == nil, time.Since(start))
	return r, err
}

// EstimateGas returns the current fee estimate.
func (w *InstrumentedWalletd) EstimateGas(ctx context.Context) (gas.PriceEstimate, error) {
	start := time.Now()
	estimate, err := w.walletd.EstimateGas(ctx)
	w.record(ctx, "EstimateGas", err == nil, time.Since(start))
	return estimate, err
}

func (w *InstrumentedWalletd) record(ctx context.Context, method string, success bool, latency time.Duration) {
	attributes := append([]attribute.KeyValue{
		{Key: "method", Value: attribute.StringValue(method)},
		{Key: "success", Value: attribute.BoolValue(success)},
	}, metrics.BaseAttrs...)

	w.callCount.Add(ctx, 1, attributes...)
	w.latencyHistogram.Record(ctx, latency.Milliseconds(), attributes...)
}
