package impl

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"github.com/textileio/go-walletd/pkg/nonce"
	"github.com/textileio/go-walletd/pkg/txstore"
	"go.uber.org/atomic"
)

// LocalCoordinator computes the next nonce for an address by reconciling the
// network's transaction count with the locally tracked records. One mutex per
// address guarantees that between Acquire and Release nobody else can claim a
// nonce for it.
type LocalCoordinator struct {
	log         zerolog.Logger
	chainClient nonce.ChainClient
	store       txstore.Store

	mu     sync.Mutex
	addrMu map[common.Address]*sync.Mutex

	heldLocks *atomic.Int64
	metrics   *coordinatorMetrics
}

var _ nonce.Coordinator = (*LocalCoordinator)(nil)

// NewLocalCoordinator creates a coordinator backed by a transaction store.
func NewLocalCoordinator(chainClient nonce.ChainClient, store txstore.Store) (*LocalCoordinator, error) {
	log := logger.With().
		Str("component", "noncecoordinator").
		Logger()

	c := &LocalCoordinator{
		log:         log,
		chainClient: chainClient,
		store:       store,
		addrMu:      map[common.Address]*sync.Mutex{},
		heldLocks:   atomic.NewInt64(0),
	}
	if err := c.initMetrics(); err != nil {
		return nil, fmt.Errorf("initializing metrics: %s", err)
	}
	return c, nil
}

// Acquire locks the address and returns its next nonce.
func (c *LocalCoordinator) Acquire(ctx context.Context, addr common.Address) (nonce.Lock, error) {
	mu := c.addressMutex(addr)
	mu.Lock()

	details, err := c.nextNonce(ctx, addr)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("computing next nonce: %s: %w", err, nonce.ErrAcquire)
	}

	c.metrics.recordAcquire(addr)
	c.log.Debug().
		Str("address", addr.Hex()).
		Uint64("networkNonce", details.NetworkNonce).
		Uint64("highestLocallyConfirmed", details.HighestLocallyConfirmed).
		Int("localPendingCount", details.LocalPendingCount).
		Uint64("next", details.Next).
		Msg("nonce acquired")

	c.heldLocks.Inc()
	return &addressLock{
		details: details,
		unlock: func() {
			c.heldLocks.Dec()
			mu.Unlock()
		},
	}, nil
}

func (c *LocalCoordinator) addressMutex(addr common.Address) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	mu, ok := c.addrMu[addr]
	if !ok {
		mu = &sync.Mutex{}
		c.addrMu[addr] = mu
	}
	return mu
}

func (c *LocalCoordinator) nextNonce(ctx context.Context, addr common.Address) (nonce.Details, error) {
	networkNonce, err := c.chainClient.NonceAt(ctx, addr, nil)
	if err != nil {
		return nonce.Details{}, fmt.Errorf("getting network nonce: %s", err)
	}

	records, err := c.store.Query(ctx, txstore.Filter{From: &addr})
	if err != nil {
		return nonce.Details{}, fmt.Errorf("querying local records: %s", err)
	}

	var highestConfirmed uint64
	taken := map[uint64]struct{}{}
	for i := range records {
		r := &records[i]
		if r.Nonce == nil {
			continue
		}
		switch {
		case r.Status == txstore.StatusConfirmed:
			if *r.Nonce+1 > highestConfirmed {
				highestConfirmed = *r.Nonce + 1
			}
		case r.Pending():
			taken[*r.Nonce] = struct{}{}
		}
	}

	suggested := networkNonce
	if highestConfirmed > suggested {
		suggested = highestConfirmed
	}
	next := suggested
	for {
		if _, ok := taken[next]; !ok {
			break
		}
		next++
	}

	return nonce.Details{
		NetworkNonce:            networkNonce,
		HighestLocallyConfirmed: highestConfirmed,
		HighestSuggested:        suggested,
		LocalPendingCount:       len(taken),
		Next:                    next,
	}, nil
}

type addressLock struct {
	details nonce.Details
	once    sync.Once
	unlock  func()
}

func (l *addressLock) Nonce() uint64          { return l.details.Next }
func (l *addressLock) Details() nonce.Details { return l.details }

func (l *addressLock) Release() {
	l.once.Do(l.unlock)
}
