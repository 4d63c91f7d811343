package walletd

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/textileio/go-walletd/pkg/gas"
	"github.com/textileio/go-walletd/pkg/txstore"
)

// ErrValidation indicates malformed request parameters, rejected before any
// state change.
var ErrValidation = errors.New("invalid request")

// ErrBroadcast indicates the chain client rejected a signed transaction.
var ErrBroadcast = errors.New("broadcasting transaction failed")

// SubmitTransactionRequest is a request to queue a new transaction, starting
// in the unapproved status.
type SubmitTransactionRequest struct {
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Value  *big.Int       `json:"value"`
	Data   []byte         `json:"data,omitempty"`
	Origin string         `json:"origin"`

	// GasLimit overrides estimation when non-zero.
	GasLimit uint64 `json:"gas_limit,omitempty"`
	// GasFees overrides fee estimation when set.
	GasFees txstore.GasFees `json:"gas_fees,omitempty"`
}

// BumpFeeRequest is a request to replace a transaction's fees. Empty GasFees
// means a default percentage bump over the record's own scheme.
type BumpFeeRequest struct {
	ID      string          `json:"id"`
	GasFees txstore.GasFees `json:"gas_fees,omitempty"`
}

// Walletd defines the wallet engine service.
type Walletd interface {
	// SubmitTransaction validates and queues a transaction for approval.
	SubmitTransaction(ctx context.Context, req SubmitTransactionRequest) (txstore.TxRecord, error)

	// ApproveTransaction walks an unapproved transaction through nonce
	// assignment, signing and broadcast. Concurrent approvals of the same id
	// result in a single broadcast.
	ApproveTransaction(ctx context.Context, id string) (txstore.TxRecord, error)

	// RejectTransaction cancels a transaction that was not broadcast yet.
	RejectTransaction(ctx context.Context, id string) (txstore.TxRecord, error)

	// GetTransaction returns a transaction record by id.
	GetTransaction(ctx context.Context, id string) (txstore.TxRecord, error)

	// ListTransactions returns records matching the filter in insertion
	// order.
	ListTransactions(ctx context.Context, f txstore.Filter) ([]txstore.TxRecord, error)

	// BumpFee queues a replacement of a submitted transaction at the same
	// nonce with higher fees.
	BumpFee(ctx context.Context, req BumpFeeRequest) (txstore.TxRecord, error)

	// EstimateGas returns the current fee estimate.
	EstimateGas(ctx context.Context) (gas.PriceEstimate, error)
}
