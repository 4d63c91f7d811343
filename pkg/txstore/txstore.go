package txstore

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Status is the lifecycle status of a transaction record.
type Status string

// Lifecycle statuses. A record moves forward only; the terminal set never
// transitions again.
const (
	StatusUnapproved Status = "unapproved"
	StatusApproved   Status = "approved"
	StatusSigned     Status = "signed"
	StatusSubmitted  Status = "submitted"
	StatusConfirmed  Status = "confirmed"
	StatusFailed     Status = "failed"
	StatusDropped    Status = "dropped"
	StatusRejected   Status = "rejected"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusDropped, StatusRejected:
		return true
	}
	return false
}

// validTransitions encodes the status state machine. Failure is reachable
// from every non-terminal status; rejection only before broadcast; dropping
// applies to anything in flight that lost its nonce to another transaction.
var validTransitions = map[Status][]Status{
	StatusUnapproved: {StatusApproved, StatusRejected, StatusFailed},
	StatusApproved:   {StatusSigned, StatusRejected, StatusDropped, StatusFailed},
	StatusSigned:     {StatusSubmitted, StatusRejected, StatusDropped, StatusFailed},
	StatusSubmitted:  {StatusConfirmed, StatusDropped, StatusFailed},
}

// CanTransition reports whether old -> new is a legal status transition.
func CanTransition(old, new Status) bool {
	for _, s := range validTransitions[old] {
		if s == new {
			return true
		}
	}
	return false
}

// ErrNotFound indicates the record id is unknown.
var ErrNotFound = errors.New("txn record not found")

// ErrInvalidTransition indicates a status change the state machine forbids.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrImmutableField indicates an update tried to change or revert a field
// that is append-only once set (nonce, hash, raw payload, receipt, retry
// bookkeeping, replaced-by).
var ErrImmutableField = errors.New("immutable field changed")

// ErrMixedFeeSchemes indicates a record carrying both legacy and fee-market
// gas fields.
var ErrMixedFeeSchemes = errors.New("legacy and fee-market gas params are mutually exclusive")

// ErrNotUnapproved indicates an Add with a record not in the unapproved
// status.
var ErrNotUnapproved = errors.New("added record must be unapproved")

// LegacyFees is the single gas price of a pre-fee-market transaction.
type LegacyFees struct {
	GasPrice *big.Int `json:"gas_price"`
}

// DynamicFees are the fee-market (EIP-1559 style) gas fields.
type DynamicFees struct {
	MaxFeePerGas         *big.Int `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas *big.Int `json:"max_priority_fee_per_gas"`
}

// GasFees is a tagged union of the two fee schemes. Exactly one side is set.
type GasFees struct {
	Legacy  *LegacyFees  `json:"legacy,omitempty"`
	Dynamic *DynamicFees `json:"dynamic,omitempty"`
}

// NewLegacyFees builds legacy-scheme gas fees.
func NewLegacyFees(gasPrice *big.Int) GasFees {
	return GasFees{Legacy: &LegacyFees{GasPrice: gasPrice}}
}

// NewDynamicFees builds fee-market gas fees.
func NewDynamicFees(maxFee, maxPriorityFee *big.Int) GasFees {
	return GasFees{Dynamic: &DynamicFees{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: maxPriorityFee}}
}

// Validate checks the union holds at most one scheme.
func (g GasFees) Validate() error {
	if g.Legacy != nil && g.Dynamic != nil {
		return ErrMixedFeeSchemes
	}
	return nil
}

// IsZero reports whether no fee scheme is set yet.
func (g GasFees) IsZero() bool {
	return g.Legacy == nil && g.Dynamic == nil
}

// TxRecord tracks one transaction through its lifecycle.
type TxRecord struct {
	ID      string         `json:"id"`
	ChainID int64          `json:"chain_id"`
	Origin  string         `json:"origin"`
	From    common.Address `json:"from"`
	To      common.Address `json:"to"`
	Nonce   *uint64        `json:"nonce,omitempty"`
	Value   *big.Int       `json:"value"`
	Data    []byte         `json:"data,omitempty"`

	GasLimit        uint64  `json:"gas_limit"`
	GasFees         GasFees `json:"gas_fees"`
	PreviousGasFees GasFees `json:"previous_gas_fees,omitempty"`

	Status Status `json:"status"`

	Hash            common.Hash    `json:"hash,omitempty"`
	RawSignedTxn    []byte         `json:"raw_signed_txn,omitempty"`
	Receipt         *types.Receipt `json:"receipt,omitempty"`
	RetryCount      int            `json:"retry_count"`
	FirstRetryBlock int64          `json:"first_retry_block,omitempty"`
	ReplacedBy      common.Hash    `json:"replaced_by,omitempty"`
	FailureReason   string         `json:"failure_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
}

// Pending reports whether the record is in-flight from the chain's point of
// view (approved or later, not yet terminal).
func (r *TxRecord) Pending() bool {
	return r.Status == StatusApproved || r.Status == StatusSigned || r.Status == StatusSubmitted
}

// Copy returns a deep enough copy that callers can hold without racing the
// store. Receipt values are shared; they are never mutated after being set.
func (r *TxRecord) Copy() TxRecord {
	cp := *r
	if r.Nonce != nil {
		n := *r.Nonce
		cp.Nonce = &n
	}
	if r.Value != nil {
		cp.Value = new(big.Int).Set(r.Value)
	}
	if r.Data != nil {
		cp.Data = append([]byte(nil), r.Data...)
	}
	if r.RawSignedTxn != nil {
		cp.RawSignedTxn = append([]byte(nil), r.RawSignedTxn...)
	}
	if r.SubmittedAt != nil {
		t := *r.SubmittedAt
		cp.SubmittedAt = &t
	}
	cp.GasFees = r.GasFees.copy()
	cp.PreviousGasFees = r.PreviousGasFees.copy()
	return cp
}

func (g GasFees) copy() GasFees {
	var cp GasFees
	if g.Legacy != nil {
		cp.Legacy = &LegacyFees{GasPrice: new(big.Int).Set(g.Legacy.GasPrice)}
	}
	if g.Dynamic != nil {
		cp.Dynamic = &DynamicFees{
			MaxFeePerGas:         new(big.Int).Set(g.Dynamic.MaxFeePerGas),
			MaxPriorityFeePerGas: new(big.Int).Set(g.Dynamic.MaxPriorityFeePerGas),
		}
	}
	return cp
}

// StatusChange is published on every record mutation.
type StatusChange struct {
	ID  string
	Old Status
	New Status
}

func (c StatusChange) String() string {
	return fmt.Sprintf("%s: %s -> %s", c.ID, c.Old, c.New)
}

// Filter selects records in Query. Zero fields match everything.
type Filter struct {
	Statuses []Status
	From     *common.Address
	Nonce    *uint64
}

// Matches reports whether the record passes the filter.
func (f Filter) Matches(r *TxRecord) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if r.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.From != nil && r.From != *f.From {
		return false
	}
	if f.Nonce != nil && (r.Nonce == nil || *r.Nonce != *f.Nonce) {
		return false
	}
	return true
}

// Store is the single source of truth for transaction records. It is the only
// component allowed to mutate them; everything else goes through Update and
// SetStatus so transition validation and event emission are never bypassed.
type Store interface {
	// Add inserts a new record; it must be in the unapproved status.
	Add(ctx context.Context, r *TxRecord) error

	// Get returns a copy of the record with the given id.
	Get(ctx context.Context, id string) (TxRecord, error)

	// Query returns copies of all records matching the filter, in insertion
	// order.
	Query(ctx context.Context, f Filter) ([]TxRecord, error)

	// Update overwrites the record's mutable fields. The status cannot be
	// changed through Update; note is an audit annotation, not interpreted.
	Update(ctx context.Context, r TxRecord, note string) error

	// SetStatus transitions the record to a new status, validating the
	// transition against the state machine.
	SetStatus(ctx context.Context, id string, new Status, note string) (TxRecord, error)

	// GetCurrentUnapproved returns the most recently added unapproved record.
	GetCurrentUnapproved(ctx context.Context) (TxRecord, error)

	// ClearUnapproved rejects every unapproved record.
	ClearUnapproved(ctx context.Context) error

	// Subscribe returns a channel receiving every status change, and a
	// function that cancels the subscription.
	Subscribe() (<-chan StatusChange, func())

	// Close flushes pending persistence work and stops the store.
	Close() error
}
