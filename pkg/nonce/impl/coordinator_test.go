package impl

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/textileio/go-walletd/pkg/database"
	"github.com/textileio/go-walletd/pkg/nonce"
	"github.com/textileio/go-walletd/pkg/txstore"
	txstoreimpl "github.com/textileio/go-walletd/pkg/txstore/impl"
	"github.com/textileio/go-walletd/tests"
)

var testAddr = common.HexToAddress("0xb113f232261a488dca6b7bcaa1ba10521235b577")

func TestFreshAddress(t *testing.T) {
	t.Parallel()
	store := newTxnStore(t)
	coordinator, err := NewLocalCoordinator(&ChainMock{networkNonce: 5}, store)
	require.NoError(t, err)

	lock, err := coordinator.Acquire(context.Background(), testAddr)
	require.NoError(t, err)
	defer lock.Release()

	require.Equal(t, uint64(5), lock.Nonce())
	details := lock.Details()
	require.Equal(t, uint64(5), details.NetworkNonce)
	require.Equal(t, uint64(0), details.HighestLocallyConfirmed)
	require.Equal(t, uint64(5), details.HighestSuggested)
	require.Equal(t, 0, details.LocalPendingCount)
}

func TestPendingNonceSkipped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTxnStore(t)
	addRecord(t, store, 5, txstore.StatusApproved)

	coordinator, err := NewLocalCoordinator(&ChainMock{networkNonce: 5}, store)
	require.NoError(t, err)

	lock, err := coordinator.Acquire(ctx, testAddr)
	require.NoError(t, err)
	defer lock.Release()

	require.Equal(t, uint64(6), lock.Nonce())
	require.Equal(t, 1, lock.Details().LocalPendingCount)
}

func TestLocallyConfirmedAhead(t *testing.T) {
	t.Parallel()
	store := newTxnStore(t)
	addRecord(t, store, 9, txstore.StatusConfirmed)

	coordinator, err := NewLocalCoordinator(&ChainMock{networkNonce: 5}, store)
	require.NoError(t, err)

	lock, err := coordinator.Acquire(context.Background(), testAddr)
	require.NoError(t, err)
	defer lock.Release()

	require.Equal(t, uint64(10), lock.Nonce())
	require.Equal(t, uint64(10), lock.Details().HighestLocallyConfirmed)
}

func TestGapIsFilled(t *testing.T) {
	t.Parallel()
	store := newTxnStore(t)
	addRecord(t, store, 5, txstore.StatusSubmitted)
	addRecord(t, store, 7, txstore.StatusSubmitted)

	coordinator, err := NewLocalCoordinator(&ChainMock{networkNonce: 5}, store)
	require.NoError(t, err)

	lock, err := coordinator.Acquire(context.Background(), testAddr)
	require.NoError(t, err)
	defer lock.Release()

	require.Equal(t, uint64(6), lock.Nonce())
}

func TestReleaseOnChainError(t *testing.T) {
	t.Parallel()
	store := newTxnStore(t)
	chain := &ChainMock{failNonceAt: true}
	coordinator, err := NewLocalCoordinator(chain, store)
	require.NoError(t, err)

	_, err = coordinator.Acquire(context.Background(), testAddr)
	require.ErrorIs(t, err, nonce.ErrAcquire)

	// The address is not left locked after a failed acquire.
	chain.failNonceAt = false
	lock, err := coordinator.Acquire(context.Background(), testAddr)
	require.NoError(t, err)
	lock.Release()
}

func TestMutualExclusion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTxnStore(t)
	coordinator, err := NewLocalCoordinator(&ChainMock{networkNonce: 0}, store)
	require.NoError(t, err)

	lock, err := coordinator.Acquire(ctx, testAddr)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		l, err := coordinator.Acquire(ctx, testAddr)
		require.NoError(t, err)
		l.Release()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block until release")
	case <-time.After(time.Millisecond * 200):
	}

	lock.Release()
	lock.Release() // releasing twice is harmless

	select {
	case <-acquired:
	case <-time.After(time.Second * 5):
		t.Fatal("second acquire never unblocked")
	}
}

func TestConcurrentAcquiresGetUniqueNonces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTxnStore(t)
	coordinator, err := NewLocalCoordinator(&ChainMock{networkNonce: 5}, store)
	require.NoError(t, err)

	const workers = 10
	var wg sync.WaitGroup
	noncesCh := make(chan uint64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, err := coordinator.Acquire(ctx, testAddr)
			require.NoError(t, err)
			defer lock.Release()

			n := lock.Nonce()
			addRecord(t, store, n, txstore.StatusApproved)
			noncesCh <- n
		}()
	}
	wg.Wait()
	close(noncesCh)

	seen := map[uint64]struct{}{}
	for n := range noncesCh {
		require.GreaterOrEqual(t, n, uint64(5))
		require.Less(t, n, uint64(5+workers))
		_, dup := seen[n]
		require.False(t, dup, "nonce %d handed out twice", n)
		seen[n] = struct{}{}
	}
	require.Len(t, seen, workers)
}

// ChainMock fakes the chain-side nonce source.
type ChainMock struct {
	networkNonce uint64
	failNonceAt  bool
}

func (m *ChainMock) NonceAt(_ context.Context, _ common.Address, _ *big.Int) (uint64, error) {
	if m.failNonceAt {
		return 0, context.DeadlineExceeded
	}
	return m.networkNonce, nil
}

func newTxnStore(t *testing.T) txstore.Store {
	t.Helper()
	sqlite, err := database.Open(tests.Sqlite3URL(t))
	require.NoError(t, err)
	store, err := txstoreimpl.New(1337, sqlite)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func addRecord(t require.TestingT, store txstore.Store, n uint64, status txstore.Status) {
	ctx := context.Background()
	r := &txstore.TxRecord{
		ID:      uuid.NewString(),
		ChainID: 1337,
		Origin:  "local",
		From:    testAddr,
		To:      common.HexToAddress("0x2A891118Cf3a8FdeBb00109ea3ed4E33B82D960f"),
		Value:   big.NewInt(1),
		Status:  txstore.StatusUnapproved,
	}
	require.NoError(t, store.Add(ctx, r))

	got, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	got.Nonce = &n
	require.NoError(t, store.Update(ctx, got, ""))

	for _, next := range []txstore.Status{
		txstore.StatusApproved,
		txstore.StatusSigned,
		txstore.StatusSubmitted,
		txstore.StatusConfirmed,
	} {
		_, err := store.SetStatus(ctx, r.ID, next, "")
		require.NoError(t, err)
		if next == status {
			break
		}
	}
}
