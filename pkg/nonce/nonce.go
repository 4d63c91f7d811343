package nonce

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrAcquire indicates a nonce could not be computed, usually a network
// failure querying the chain. The address lock is never left held when it is
// returned.
var ErrAcquire = errors.New("acquiring nonce failed")

// Details breaks down how the next nonce for an address was chosen.
type Details struct {
	// NetworkNonce is the transaction count reported by the chain at the
	// latest block.
	NetworkNonce uint64
	// HighestLocallyConfirmed is one past the highest nonce among locally
	// confirmed transactions, zero when there are none.
	HighestLocallyConfirmed uint64
	// HighestSuggested is the larger of the two sources above.
	HighestSuggested uint64
	// LocalPendingCount is how many locally pending transactions hold a
	// nonce for the address.
	LocalPendingCount int
	// Next is the nonce to use, the first value at or above HighestSuggested
	// not taken by a locally pending transaction.
	Next uint64
}

// Lock is an exclusive claim on an address's next nonce. The address stays
// locked until Release is called, so the caller must release on every path,
// including errors before broadcast.
type Lock interface {
	// Nonce returns the claimed nonce.
	Nonce() uint64
	// Details returns the inputs that produced the nonce.
	Details() Details
	// Release frees the address for other claimants. Safe to call more than
	// once.
	Release()
}

// Coordinator serializes nonce assignment per address.
type Coordinator interface {
	// Acquire locks the address and computes its next nonce. Callers hold
	// the lock through signing and broadcast.
	Acquire(ctx context.Context, addr common.Address) (Lock, error)
}

// ChainClient provides the chain-side view the coordinator needs.
type ChainClient interface {
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
}
