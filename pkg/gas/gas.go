package gas

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrEstimation indicates every estimation path failed, including the
// eth_gasPrice fallback.
var ErrEstimation = errors.New("gas estimation failed")

// EstimateType tags which path produced a price estimate.
type EstimateType string

// Estimate sources, in the order they are tried.
const (
	EstimateTypeFeeMarket   EstimateType = "fee-market"
	EstimateTypeLegacy      EstimateType = "legacy"
	EstimateTypeEthGasPrice EstimateType = "eth-gasprice"
	EstimateTypeNone        EstimateType = "none"
)

// FeeLevel is one row of a fee-market suggestion table. Fees are in wei, wait
// estimates in milliseconds.
type FeeLevel struct {
	SuggestedMaxPriorityFeePerGas *big.Int `json:"suggested_max_priority_fee_per_gas"`
	SuggestedMaxFeePerGas         *big.Int `json:"suggested_max_fee_per_gas"`
	MinWaitMillis                 int64    `json:"min_wait_millis"`
	MaxWaitMillis                 int64    `json:"max_wait_millis"`
}

// FeeEstimate is a full fee-market suggestion table.
type FeeEstimate struct {
	Low              FeeLevel `json:"low"`
	Medium           FeeLevel `json:"medium"`
	High             FeeLevel `json:"high"`
	EstimatedBaseFee *big.Int `json:"estimated_base_fee"`
}

// LegacyEstimate is a three-speed legacy gas price table, in wei.
type LegacyEstimate struct {
	Low    *big.Int `json:"low"`
	Medium *big.Int `json:"medium"`
	High   *big.Int `json:"high"`
}

// PriceEstimate is the result of a fee estimation round. Exactly the payload
// matching Type is set.
type PriceEstimate struct {
	Type      EstimateType    `json:"estimate_type"`
	FeeMarket *FeeEstimate    `json:"fee_market,omitempty"`
	Legacy    *LegacyEstimate `json:"legacy,omitempty"`
	GasPrice  *big.Int        `json:"gas_price,omitempty"`
}

// LimitEstimate is a buffered gas limit plus how it was obtained.
type LimitEstimate struct {
	GasLimit         uint64 `json:"gas_limit"`
	Estimated        uint64 `json:"estimated"`
	BlockGasLimit    uint64 `json:"block_gas_limit"`
	SimulationFailed bool   `json:"simulation_failed"`
	FailureReason    string `json:"failure_reason,omitempty"`
}

// WaitBounds are confirmation-time bounds in milliseconds. A nil bound is
// unknown.
type WaitBounds struct {
	MinWaitMillis *int64 `json:"min_wait_millis,omitempty"`
	MaxWaitMillis *int64 `json:"max_wait_millis,omitempty"`
}

// Estimator computes fee prices and gas limits.
type Estimator interface {
	// EstimateFees tries the fee-market path, the legacy path and the
	// eth_gasPrice fallback in order, returning the first success.
	EstimateFees(ctx context.Context) (PriceEstimate, error)
	// EstimateGasLimit simulates the call with value and fee fields stripped
	// and returns a buffered limit.
	EstimateGasLimit(ctx context.Context, msg ethereum.CallMsg) (LimitEstimate, error)
}

// Poller keeps a fee estimate fresh while at least one consumer holds a poll
// token.
type Poller interface {
	// Acquire registers interest and returns a token. The first token starts
	// the polling loop.
	Acquire() string
	// Release drops a token. When the last token is released polling stops
	// and the cached estimate is discarded.
	Release(token string)
	// Latest returns the cached estimate, if polling has produced one.
	Latest() (PriceEstimate, bool)
	// Subscribe returns a channel receiving every refreshed estimate, and a
	// function that cancels the subscription.
	Subscribe() (<-chan PriceEstimate, func())
	// Close stops the poller regardless of outstanding tokens.
	Close()
}

// ChainClient provides the chain-side calls estimation needs.
type ChainClient interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	FeeHistory(
		ctx context.Context,
		blockCount uint64,
		lastBlock *big.Int,
		rewardPercentiles []float64,
	) (*ethereum.FeeHistory, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// EstimateWaitTime classifies the effective priority fee of a chosen
// (maxPriorityFee, maxFee) pair against the estimate's brackets. The
// effective priority fee is capped at maxFee minus the base fee. Below the
// low bracket both bounds are unknown; above the high bracket the wait is
// between zero and the high bracket's maximum.
func EstimateWaitTime(e FeeEstimate, maxPriorityFee, maxFee *big.Int) WaitBounds {
	effective := new(big.Int).Set(maxPriorityFee)
	if e.EstimatedBaseFee != nil {
		ceiling := new(big.Int).Sub(maxFee, e.EstimatedBaseFee)
		if ceiling.Cmp(effective) < 0 {
			effective = ceiling
		}
	}

	switch {
	case effective.Cmp(e.Low.SuggestedMaxPriorityFeePerGas) < 0:
		return WaitBounds{}
	case effective.Cmp(e.Medium.SuggestedMaxPriorityFeePerGas) < 0:
		return waitBounds(e.Low.MinWaitMillis, e.Low.MaxWaitMillis)
	case effective.Cmp(e.High.SuggestedMaxPriorityFeePerGas) < 0:
		return waitBounds(e.Medium.MinWaitMillis, e.Medium.MaxWaitMillis)
	case effective.Cmp(e.High.SuggestedMaxPriorityFeePerGas) == 0:
		return waitBounds(e.High.MinWaitMillis, e.High.MaxWaitMillis)
	default:
		return waitBounds(0, e.High.MaxWaitMillis)
	}
}

func waitBounds(min, max int64) WaitBounds {
	return WaitBounds{MinWaitMillis: &min, MaxWaitMillis: &max}
}
