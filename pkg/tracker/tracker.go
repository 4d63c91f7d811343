package tracker

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EventType classifies tracker notifications.
type EventType string

// Tracker event types.
const (
	EventConfirmed   EventType = "tx:confirmed"
	EventDropped     EventType = "tx:dropped"
	EventFailed      EventType = "tx:failed"
	EventRetry       EventType = "tx:retry"
	EventBlockUpdate EventType = "tx:block-update"
)

// Event is a tracker notification. ID is empty for block updates.
type Event struct {
	Type        EventType
	ID          string
	Hash        common.Hash
	BlockNumber int64
}

// Tracker reconciles in-flight transaction records against the chain, once
// per observed new block.
type Tracker interface {
	// Subscribe returns a channel receiving tracker events, and a function
	// that cancels the subscription.
	Subscribe() (<-chan Event, func())
	// Close stops the tracker and its polling loop.
	Close() error
}

// ChainClient provides the chain-side calls reconciliation needs.
type ChainClient interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}
