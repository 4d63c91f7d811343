package impl

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"github.com/textileio/go-walletd/internal/walletd"
	"github.com/textileio/go-walletd/pkg/gas"
	"github.com/textileio/go-walletd/pkg/nonce"
	"github.com/textileio/go-walletd/pkg/txstore"
	"github.com/textileio/go-walletd/pkg/wallet"
)

const defaultFeeBumpPercent = 10

// ChainClient is the chain-side call the controller needs.
type ChainClient interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// WalletdController orchestrates the transaction lifecycle: it owns the
// approve flow (nonce, signing, broadcast) and delegates record bookkeeping
// to the store so status validation is never bypassed.
type WalletdController struct {
	log         zerolog.Logger
	chainID     *big.Int
	store       txstore.Store
	coordinator nonce.Coordinator
	estimator   gas.Estimator
	poller      gas.Poller
	signer      wallet.Signer
	chainClient ChainClient

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

var _ walletd.Walletd = (*WalletdController)(nil)

// NewWalletdController creates a controller. The poller is optional; when nil
// every estimate goes straight to the estimator.
func NewWalletdController(
	chainID int64,
	store txstore.Store,
	coordinator nonce.Coordinator,
	estimator gas.Estimator,
	poller gas.Poller,
	signer wallet.Signer,
	chainClient ChainClient,
) *WalletdController {
	log := logger.With().
		Str("component", "walletdcontroller").
		Int64("chainID", chainID).
		Logger()

	return &WalletdController{
		log:         log,
		chainID:     big.NewInt(chainID),
		store:       store,
		coordinator: coordinator,
		estimator:   estimator,
		poller:      poller,
		signer:      signer,
		chainClient: chainClient,
		inflight:    map[string]struct{}{},
	}
}

// SubmitTransaction validates and queues a transaction for approval,
// estimating its gas limit when the caller didn't set one.
func (c *WalletdController) SubmitTransaction(
	ctx context.Context,
	req walletd.SubmitTransactionRequest,
) (txstore.TxRecord, error) {
	if req.From == (common.Address{}) {
		return txstore.TxRecord{}, fmt.Errorf("from address is empty: %w", walletd.ErrValidation)
	}
	if err := req.GasFees.Validate(); err != nil {
		return txstore.TxRecord{}, fmt.Errorf("%s: %w", err, walletd.ErrValidation)
	}
	if req.Value == nil {
		req.Value = big.NewInt(0)
	}
	origin := req.Origin
	if origin == "" {
		origin = "local"
	}

	r := &txstore.TxRecord{
		ID:       uuid.NewString(),
		ChainID:  c.chainID.Int64(),
		Origin:   origin,
		From:     req.From,
		To:       req.To,
		Value:    req.Value,
		Data:     req.Data,
		GasLimit: req.GasLimit,
		GasFees:  req.GasFees,
		Status:   txstore.StatusUnapproved,
	}
	if r.GasLimit == 0 {
		limit, err := c.estimator.EstimateGasLimit(ctx, ethereum.CallMsg{
			From:  req.From,
			To:    c.callTo(req.To),
			Value: req.Value,
			Data:  req.Data,
		})
		if err != nil {
			return txstore.TxRecord{}, fmt.Errorf("estimating gas limit: %s: %w", err, gas.ErrEstimation)
		}
		r.GasLimit = limit.GasLimit
		if limit.SimulationFailed {
			r.FailureReason = limit.FailureReason
		}
	}

	if err := c.store.Add(ctx, r); err != nil {
		return txstore.TxRecord{}, fmt.Errorf("adding record: %s", err)
	}
	c.log.Info().Str("id", r.ID).Str("from", r.From.Hex()).Msg("transaction queued")
	return c.store.Get(ctx, r.ID)
}

// ApproveTransaction drives an unapproved record through nonce assignment,
// signing and broadcast. A concurrent approve of the same id returns
// immediately so only one broadcast ever happens.
func (c *WalletdController) ApproveTransaction(ctx context.Context, id string) (txstore.TxRecord, error) {
	c.inflightMu.Lock()
	if _, busy := c.inflight[id]; busy {
		c.inflightMu.Unlock()
		return c.store.Get(ctx, id)
	}
	c.inflight[id] = struct{}{}
	c.inflightMu.Unlock()
	defer func() {
		c.inflightMu.Lock()
		delete(c.inflight, id)
		c.inflightMu.Unlock()
	}()

	r, err := c.store.Get(ctx, id)
	if err != nil {
		return txstore.TxRecord{}, fmt.Errorf("getting record: %w", err)
	}
	if r.Status != txstore.StatusUnapproved {
		return txstore.TxRecord{}, fmt.Errorf("record %s is %s: %w", id, r.Status, walletd.ErrValidation)
	}

	if r, err = c.store.SetStatus(ctx, id, txstore.StatusApproved, ""); err != nil {
		return txstore.TxRecord{}, fmt.Errorf("approving record: %s", err)
	}

	// A wrong fee table risks fund loss; estimation failures block the flow
	// before any signing happens.
	if r.GasFees.IsZero() {
		fees, err := c.suggestFees(ctx)
		if err != nil {
			return txstore.TxRecord{}, c.fail(ctx, id, "estimating fees", err)
		}
		r.GasFees = fees
		if err := c.store.Update(ctx, r, "fees estimated"); err != nil {
			return txstore.TxRecord{}, c.fail(ctx, id, "persisting fees", err)
		}
	}

	lock, err := c.coordinator.Acquire(ctx, r.From)
	if err != nil {
		return txstore.TxRecord{}, c.fail(ctx, id, "acquiring nonce", err)
	}
	defer lock.Release()

	// Fee-bump retries reuse their existing nonce; consuming a fresh one
	// would send a second transaction instead of replacing the first.
	if r.Nonce == nil {
		n := lock.Nonce()
		r.Nonce = &n
		if err := c.store.Update(ctx, r, "nonce assigned"); err != nil {
			return txstore.TxRecord{}, c.fail(ctx, id, "persisting nonce", err)
		}
	}

	signed, err := c.signer.SignTx(c.buildTx(&r), r.From)
	if err != nil {
		return txstore.TxRecord{}, c.fail(ctx, id, "signing", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return txstore.TxRecord{}, c.fail(ctx, id, "encoding signed transaction", err)
	}
	r.Hash = signed.Hash()
	r.RawSignedTxn = raw
	if err := c.store.Update(ctx, r, "signed"); err != nil {
		return txstore.TxRecord{}, c.fail(ctx, id, "persisting signature", err)
	}
	if r, err = c.store.SetStatus(ctx, id, txstore.StatusSigned, ""); err != nil {
		return txstore.TxRecord{}, c.fail(ctx, id, "transitioning to signed", err)
	}

	if err := c.chainClient.SendTransaction(ctx, signed); err != nil {
		// A node that already has the transaction is rebroadcast territory,
		// not failure; the hash computed from the raw bytes stands in for
		// the node's answer.
		if !isKnownTxError(err) {
			failErr := c.fail(ctx, id, "broadcasting", err)
			return txstore.TxRecord{}, fmt.Errorf("%s: %w", failErr, walletd.ErrBroadcast)
		}
		c.log.Debug().Str("id", id).Str("hash", r.Hash.Hex()).Msg("transaction already known to the network")
	}

	if r, err = c.store.SetStatus(ctx, id, txstore.StatusSubmitted, ""); err != nil {
		return txstore.TxRecord{}, c.fail(ctx, id, "transitioning to submitted", err)
	}
	c.log.Info().Str("id", id).Str("hash", r.Hash.Hex()).Uint64("nonce", *r.Nonce).Msg("transaction submitted")
	return r, nil
}

// RejectTransaction cancels a record that was not broadcast yet.
func (c *WalletdController) RejectTransaction(ctx context.Context, id string) (txstore.TxRecord, error) {
	r, err := c.store.SetStatus(ctx, id, txstore.StatusRejected, "rejected by user")
	if err != nil {
		return txstore.TxRecord{}, fmt.Errorf("rejecting record: %w", err)
	}
	return r, nil
}

// GetTransaction returns a record by id.
func (c *WalletdController) GetTransaction(ctx context.Context, id string) (txstore.TxRecord, error) {
	return c.store.Get(ctx, id)
}

// ListTransactions returns records matching the filter.
func (c *WalletdController) ListTransactions(
	ctx context.Context,
	f txstore.Filter,
) ([]txstore.TxRecord, error) {
	return c.store.Query(ctx, f)
}

// BumpFee queues a replacement of a submitted record at the same nonce with
// higher fees. The replacement goes through the regular approve flow.
func (c *WalletdController) BumpFee(
	ctx context.Context,
	req walletd.BumpFeeRequest,
) (txstore.TxRecord, error) {
	orig, err := c.store.Get(ctx, req.ID)
	if err != nil {
		return txstore.TxRecord{}, fmt.Errorf("getting record: %w", err)
	}
	if orig.Status != txstore.StatusSubmitted || orig.Nonce == nil {
		return txstore.TxRecord{}, fmt.Errorf(
			"only submitted records can be fee-bumped, %s is %s: %w",
			req.ID, orig.Status, walletd.ErrValidation)
	}

	fees, err := bumpedFees(orig.GasFees, req.GasFees)
	if err != nil {
		return txstore.TxRecord{}, fmt.Errorf("%s: %w", err, walletd.ErrValidation)
	}

	replacement := &txstore.TxRecord{
		ID:              uuid.NewString(),
		ChainID:         orig.ChainID,
		Origin:          orig.Origin,
		From:            orig.From,
		To:              orig.To,
		Nonce:           orig.Nonce,
		Value:           orig.Value,
		Data:            orig.Data,
		GasLimit:        orig.GasLimit,
		GasFees:         fees,
		PreviousGasFees: orig.GasFees,
		Status:          txstore.StatusUnapproved,
	}
	if err := c.store.Add(ctx, replacement); err != nil {
		return txstore.TxRecord{}, fmt.Errorf("adding replacement record: %s", err)
	}
	c.log.Info().
		Str("id", req.ID).
		Str("replacement", replacement.ID).
		Uint64("nonce", *orig.Nonce).
		Msg("fee bump queued")
	return c.store.Get(ctx, replacement.ID)
}

// EstimateGas returns the current fee estimate, served from the poller's
// cache when fresh.
func (c *WalletdController) EstimateGas(ctx context.Context) (gas.PriceEstimate, error) {
	if c.poller != nil {
		if estimate, ok := c.poller.Latest(); ok {
			return estimate, nil
		}
	}
	return c.estimator.EstimateFees(ctx)
}

// fail records the failure on the record and returns the original error,
// wrapped. Never swallows: local bookkeeping happens, then the caller gets
// the error back.
func (c *WalletdController) fail(ctx context.Context, id, action string, err error) error {
	r, getErr := c.store.Get(ctx, id)
	if getErr == nil {
		r.FailureReason = fmt.Sprintf("%s: %s", action, err)
		if updErr := c.store.Update(ctx, r, ""); updErr != nil {
			c.log.Error().Err(updErr).Str("id", id).Msg("recording failure reason")
		}
	}
	if _, stErr := c.store.SetStatus(ctx, id, txstore.StatusFailed, action); stErr != nil {
		c.log.Error().Err(stErr).Str("id", id).Msg("transitioning to failed")
	}
	c.log.Warn().Err(err).Str("id", id).Str("action", action).Msg("approve flow failed")
	return fmt.Errorf("%s: %w", action, err)
}

// suggestFees turns the current estimate into concrete gas fees at the
// medium speed.
func (c *WalletdController) suggestFees(ctx context.Context) (txstore.GasFees, error) {
	estimate, err := c.EstimateGas(ctx)
	if err != nil {
		return txstore.GasFees{}, err
	}
	switch estimate.Type {
	case gas.EstimateTypeFeeMarket:
		return txstore.NewDynamicFees(
			estimate.FeeMarket.Medium.SuggestedMaxFeePerGas,
			estimate.FeeMarket.Medium.SuggestedMaxPriorityFeePerGas,
		), nil
	case gas.EstimateTypeLegacy:
		return txstore.NewLegacyFees(estimate.Legacy.Medium), nil
	case gas.EstimateTypeEthGasPrice:
		return txstore.NewLegacyFees(estimate.GasPrice), nil
	default:
		return txstore.GasFees{}, fmt.Errorf("unusable estimate type %s: %w", estimate.Type, gas.ErrEstimation)
	}
}

func (c *WalletdController) buildTx(r *txstore.TxRecord) *types.Transaction {
	to := c.callTo(r.To)
	if r.GasFees.Dynamic != nil {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     *r.Nonce,
			To:        to,
			Value:     r.Value,
			Data:      r.Data,
			Gas:       r.GasLimit,
			GasFeeCap: r.GasFees.Dynamic.MaxFeePerGas,
			GasTipCap: r.GasFees.Dynamic.MaxPriorityFeePerGas,
		})
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    *r.Nonce,
		To:       to,
		Value:    r.Value,
		Data:     r.Data,
		Gas:      r.GasLimit,
		GasPrice: r.GasFees.Legacy.GasPrice,
	})
}

// callTo maps the zero address to nil so contract creations keep working.
func (c *WalletdController) callTo(to common.Address) *common.Address {
	if to == (common.Address{}) {
		return nil
	}
	return &to
}

// bumpedFees computes replacement fees: caller overrides when given, a
// percentage bump over the original otherwise. Schemes never mix.
func bumpedFees(orig, override txstore.GasFees) (txstore.GasFees, error) {
	if !override.IsZero() {
		if err := override.Validate(); err != nil {
			return txstore.GasFees{}, err
		}
		if (orig.Legacy != nil) != (override.Legacy != nil) {
			return txstore.GasFees{}, fmt.Errorf("fee scheme must match the original record")
		}
		return override, nil
	}

	switch {
	case orig.Legacy != nil:
		return txstore.NewLegacyFees(bumpAmount(orig.Legacy.GasPrice)), nil
	case orig.Dynamic != nil:
		return txstore.NewDynamicFees(
			bumpAmount(orig.Dynamic.MaxFeePerGas),
			bumpAmount(orig.Dynamic.MaxPriorityFeePerGas),
		), nil
	default:
		return txstore.GasFees{}, fmt.Errorf("record has no fees to bump")
	}
}

func bumpAmount(v *big.Int) *big.Int {
	bumped := new(big.Int).Mul(v, big.NewInt(100+defaultFeeBumpPercent))
	return bumped.Div(bumped, big.NewInt(100))
}

// isKnownTxError reports whether the node already has the transaction.
func isKnownTxError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") ||
		strings.Contains(msg, "known transaction") ||
		strings.Contains(msg, "nonce too low")
}
