package impl

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"github.com/textileio/go-walletd/pkg/gas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	feeHistoryBlockCount = 5
	gasLimitBufferNum    = 3 // 1.5x as a ratio
	gasLimitBufferDen    = 2
	simulationFallback   = 95 // percent of the block gas limit
	blockLimitCeiling    = 90 // percent, buffered limits never exceed this
)

// Per-level derivation parameters for the local fee-history path.
var (
	rewardPercentiles = []float64{10, 20, 30}
	baseFeeMultNum    = []int64{110, 120, 125}
	priorityMultNum   = []int64{94, 97, 98}
	priorityFloorWei  = []int64{1_000_000_000, 1_500_000_000, 2_000_000_000}
	levelMinWait      = []int64{15_000, 15_000, 15_000}
	levelMaxWait      = []int64{30_000, 45_000, 60_000}
)

// Config parameterizes an Estimator for one chain.
type Config struct {
	// FeeMarketCapable enables the fee-market path (remote API plus local
	// fee-history derivation).
	FeeMarketCapable bool
	// LegacyAPICapable enables the remote legacy gas price API path.
	LegacyAPICapable bool
	// FeeMarketAPIURL is the remote fee-market suggestion endpoint. Empty
	// skips straight to the local derivation.
	FeeMarketAPIURL string
	// LegacyAPIURL is the remote legacy gas price endpoint.
	LegacyAPIURL string
	// HTTPTimeout bounds remote API calls.
	HTTPTimeout time.Duration
}

// ChainEstimator estimates fees and gas limits against one chain, trying the
// richest source first and degrading gracefully down to eth_gasPrice.
type ChainEstimator struct {
	log         zerolog.Logger
	chainClient gas.ChainClient
	httpClient  *http.Client
	config      Config

	metrics *estimatorMetrics
}

var _ gas.Estimator = (*ChainEstimator)(nil)

// NewChainEstimator creates an estimator.
func NewChainEstimator(chainClient gas.ChainClient, config Config) (*ChainEstimator, error) {
	log := logger.With().
		Str("component", "gasestimator").
		Logger()

	if config.HTTPTimeout == 0 {
		config.HTTPTimeout = time.Second * 10
	}
	e := &ChainEstimator{
		log:         log,
		chainClient: chainClient,
		httpClient:  &http.Client{Timeout: config.HTTPTimeout},
		config:      config,
	}
	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("initializing metrics: %s", err)
	}
	return e, nil
}

// EstimateFees tries each estimation path in strict order and returns the
// first success, tagged with its source.
func (e *ChainEstimator) EstimateFees(ctx context.Context) (gas.PriceEstimate, error) {
	if e.config.FeeMarketCapable {
		estimate, err := e.feeMarketEstimate(ctx)
		if err == nil {
			e.metrics.recordEstimate(gas.EstimateTypeFeeMarket)
			return gas.PriceEstimate{Type: gas.EstimateTypeFeeMarket, FeeMarket: estimate}, nil
		}
		e.log.Warn().Err(err).Msg("fee-market estimation failed, falling back")
	}

	if e.config.LegacyAPICapable && e.config.LegacyAPIURL != "" {
		estimate, err := e.legacyEstimate(ctx)
		if err == nil {
			e.metrics.recordEstimate(gas.EstimateTypeLegacy)
			return gas.PriceEstimate{Type: gas.EstimateTypeLegacy, Legacy: estimate}, nil
		}
		e.log.Warn().Err(err).Msg("legacy estimation failed, falling back")
	}

	gasPrice, err := e.chainClient.SuggestGasPrice(ctx)
	if err != nil {
		return gas.PriceEstimate{Type: gas.EstimateTypeNone},
			fmt.Errorf("eth_gasPrice fallback: %s: %w", err, gas.ErrEstimation)
	}
	e.metrics.recordEstimate(gas.EstimateTypeEthGasPrice)
	return gas.PriceEstimate{Type: gas.EstimateTypeEthGasPrice, GasPrice: gasPrice}, nil
}

// EstimateGasLimit simulates the call without value and fee fields, falls
// back to a share of the block gas limit when simulation fails, and buffers
// the result.
func (e *ChainEstimator) EstimateGasLimit(
	ctx context.Context,
	msg ethereum.CallMsg,
) (gas.LimitEstimate, error) {
	header, err := e.chainClient.HeaderByNumber(ctx, nil)
	if err != nil {
		return gas.LimitEstimate{}, fmt.Errorf("getting latest header: %s", err)
	}
	blockLimit := header.GasLimit

	// Value and fee fields make simulation fail on insufficient balance even
	// when the call itself is fine.
	msg.Value = nil
	msg.GasPrice = nil
	msg.GasFeeCap = nil
	msg.GasTipCap = nil

	result := gas.LimitEstimate{BlockGasLimit: blockLimit}
	estimated, err := e.chainClient.EstimateGas(ctx, msg)
	if err != nil {
		result.SimulationFailed = true
		result.FailureReason = err.Error()
		estimated = blockLimit * simulationFallback / 100
		e.log.Warn().Err(err).Uint64("fallback", estimated).Msg("gas simulation failed")
	}
	result.Estimated = estimated
	result.GasLimit = bufferGasLimit(estimated, blockLimit)
	return result, nil
}

// bufferGasLimit pads an estimate by half, caps it at a share of the block
// gas limit, and never returns less than the estimate itself.
func bufferGasLimit(estimated, blockLimit uint64) uint64 {
	buffered := estimated * gasLimitBufferNum / gasLimitBufferDen
	ceiling := blockLimit * blockLimitCeiling / 100
	if buffered > ceiling {
		buffered = ceiling
	}
	if buffered < estimated {
		buffered = estimated
	}
	return buffered
}

func (e *ChainEstimator) feeMarketEstimate(ctx context.Context) (*gas.FeeEstimate, error) {
	if e.config.FeeMarketAPIURL != "" {
		estimate, err := e.remoteFeeMarketEstimate(ctx)
		if err == nil {
			return estimate, nil
		}
		e.log.Warn().Err(err).Msg("remote fee-market API failed, deriving locally")
	}
	return e.feeHistoryEstimate(ctx)
}

// feeMarketAPIResponse is the remote fee-market suggestion shape. All fees
// are decimal gwei strings, waits are milliseconds.
type feeMarketAPIResponse struct {
	Low              feeMarketAPILevel `json:"low"`
	Medium           feeMarketAPILevel `json:"medium"`
	High             feeMarketAPILevel `json:"high"`
	EstimatedBaseFee string            `json:"estimatedBaseFee"`
}

type feeMarketAPILevel struct {
	SuggestedMaxPriorityFeePerGas string `json:"suggestedMaxPriorityFeePerGas"`
	SuggestedMaxFeePerGas         string `json:"suggestedMaxFeePerGas"`
	MinWaitTimeEstimate           int64  `json:"minWaitTimeEstimate"`
	MaxWaitTimeEstimate           int64  `json:"maxWaitTimeEstimate"`
}

func (e *ChainEstimator) remoteFeeMarketEstimate(ctx context.Context) (*gas.FeeEstimate, error) {
	var resp feeMarketAPIResponse
	if err := e.getJSON(ctx, e.config.FeeMarketAPIURL, &resp); err != nil {
		return nil, fmt.Errorf("calling fee-market API: %s", err)
	}

	baseFee, err := gweiToWei(resp.EstimatedBaseFee)
	if err != nil {
		return nil, fmt.Errorf("parsing estimated base fee: %s", err)
	}
	estimate := &gas.FeeEstimate{EstimatedBaseFee: baseFee}
	for _, lvl := range []struct {
		in  feeMarketAPILevel
		out *gas.FeeLevel
	}{
		{resp.Low, &estimate.Low},
		{resp.Medium, &estimate.Medium},
		{resp.High, &estimate.High},
	} {
		priority, err := gweiToWei(lvl.in.SuggestedMaxPriorityFeePerGas)
		if err != nil {
			return nil, fmt.Errorf("parsing priority fee: %s", err)
		}
		maxFee, err := gweiToWei(lvl.in.SuggestedMaxFeePerGas)
		if err != nil {
			return nil, fmt.Errorf("parsing max fee: %s", err)
		}
		*lvl.out = gas.FeeLevel{
			SuggestedMaxPriorityFeePerGas: priority,
			SuggestedMaxFeePerGas:         maxFee,
			MinWaitMillis:                 lvl.in.MinWaitTimeEstimate,
			MaxWaitMillis:                 lvl.in.MaxWaitTimeEstimate,
		}
	}
	return estimate, nil
}

// feeHistoryEstimate derives a suggestion table from eth_feeHistory: per-level
// percentile priority fee samples are medianed, multiplied and floored, and
// added to a multiplied next-block base fee.
func (e *ChainEstimator) feeHistoryEstimate(ctx context.Context) (*gas.FeeEstimate, error) {
	history, err := e.chainClient.FeeHistory(ctx, feeHistoryBlockCount, nil, rewardPercentiles)
	if err != nil {
		return nil, fmt.Errorf("calling eth_feeHistory: %s", err)
	}
	if len(history.BaseFee) == 0 {
		return nil, fmt.Errorf("fee history returned no base fees")
	}
	baseFee := history.BaseFee[len(history.BaseFee)-1]

	estimate := &gas.FeeEstimate{EstimatedBaseFee: new(big.Int).Set(baseFee)}
	levels := []*gas.FeeLevel{&estimate.Low, &estimate.Medium, &estimate.High}
	for i, out := range levels {
		var samples []*big.Int
		for _, blockRewards := range history.Reward {
			if i < len(blockRewards) && blockRewards[i] != nil {
				samples = append(samples, blockRewards[i])
			}
		}
		if len(samples) == 0 {
			return nil, fmt.Errorf("fee history returned no priority fee samples")
		}

		priority := new(big.Int).Mul(median(samples), big.NewInt(priorityMultNum[i]))
		priority.Div(priority, big.NewInt(100))
		if floor := big.NewInt(priorityFloorWei[i]); priority.Cmp(floor) < 0 {
			priority = floor
		}

		maxFee := new(big.Int).Mul(baseFee, big.NewInt(baseFeeMultNum[i]))
		maxFee.Div(maxFee, big.NewInt(100))
		maxFee.Add(maxFee, priority)

		*out = gas.FeeLevel{
			SuggestedMaxPriorityFeePerGas: priority,
			SuggestedMaxFeePerGas:         maxFee,
			MinWaitMillis:                 levelMinWait[i],
			MaxWaitMillis:                 levelMaxWait[i],
		}
	}
	return estimate, nil
}

// legacyAPIResponse is the remote legacy gas price shape, in decimal gwei.
type legacyAPIResponse struct {
	SafeGasPrice    string `json:"SafeGasPrice"`
	ProposeGasPrice string `json:"ProposeGasPrice"`
	FastGasPrice    string `json:"FastGasPrice"`
}

func (e *ChainEstimator) legacyEstimate(ctx context.Context) (*gas.LegacyEstimate, error) {
	var resp legacyAPIResponse
	if err := e.getJSON(ctx, e.config.LegacyAPIURL, &resp); err != nil {
		return nil, fmt.Errorf("calling legacy gas API: %s", err)
	}
	low, err := gweiToWei(resp.SafeGasPrice)
	if err != nil {
		return nil, fmt.Errorf("parsing safe gas price: %s", err)
	}
	medium, err := gweiToWei(resp.ProposeGasPrice)
	if err != nil {
		return nil, fmt.Errorf("parsing propose gas price: %s", err)
	}
	high, err := gweiToWei(resp.FastGasPrice)
	if err != nil {
		return nil, fmt.Errorf("parsing fast gas price: %s", err)
	}
	return &gas.LegacyEstimate{Low: low, Medium: medium, High: high}, nil
}

func (e *ChainEstimator) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %s", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %s", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %s", err)
	}
	return nil
}

func median(values []*big.Int) *big.Int {
	sorted := make([]*big.Int, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })
	return sorted[len(sorted)/2]
}

// gweiToWei parses a decimal gwei string into wei.
func gweiToWei(s string) (*big.Int, error) {
	f, ok := new(big.Float).SetString(s)
	if !ok {
		return nil, fmt.Errorf("invalid gwei value %q", s)
	}
	f.Mul(f, big.NewFloat(1e9))
	wei, _ := f.Int(nil)
	return wei, nil
}
