package impl

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/textileio/go-walletd/pkg/database"
	"github.com/textileio/go-walletd/pkg/tracker"
	"github.com/textileio/go-walletd/pkg/txstore"
	txstoreimpl "github.com/textileio/go-walletd/pkg/txstore/impl"
	"github.com/textileio/go-walletd/tests"
)

const chainID = 1337

func TestConfirmation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTxnStore(t)
	chain := newChainMock(10)
	key := newKey(t)

	id, hash := addSubmittedRecord(t, store, key, 5)
	trk := newTracker(t, chain, store)
	events, unsub := trk.Subscribe()
	defer unsub()

	chain.setReceipt(hash, &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(11)})
	chain.setHead(11)

	require.Eventually(t, func() bool {
		r, err := store.Get(ctx, id)
		require.NoError(t, err)
		return r.Status == txstore.StatusConfirmed
	}, time.Second*5, time.Millisecond*20)

	r, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, r.Receipt)
	require.Equal(t, types.ReceiptStatusSuccessful, r.Receipt.Status)

	requireEvent(t, events, tracker.EventConfirmed, id)
}

func TestRevertedExecutionStillConfirms(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTxnStore(t)
	chain := newChainMock(10)
	key := newKey(t)

	id, hash := addSubmittedRecord(t, store, key, 5)
	chain.setReceipt(hash, &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(10)})

	newTracker(t, chain, store)

	require.Eventually(t, func() bool {
		r, err := store.Get(ctx, id)
		require.NoError(t, err)
		return r.Status == txstore.StatusConfirmed
	}, time.Second*5, time.Millisecond*20)
}

func TestRecoveredSignedRecordConfirms(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTxnStore(t)
	chain := newChainMock(10)
	key := newKey(t)

	// A crash between signing and broadcast leaves a signed record behind
	// while its transaction may still land on chain. The tracker must walk
	// it forward to confirmed instead of retrying an illegal transition.
	id, hash := addInFlightRecord(t, store, key, 5, txstore.StatusSigned)
	chain.setReceipt(hash, &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)})

	trk := newTracker(t, chain, store)
	events, unsub := trk.Subscribe()
	defer unsub()

	require.Eventually(t, func() bool {
		r, err := store.Get(ctx, id)
		require.NoError(t, err)
		return r.Status == txstore.StatusConfirmed
	}, time.Second*5, time.Millisecond*20)

	requireEvent(t, events, tracker.EventConfirmed, id)
}

func TestFatalRebroadcastFailsRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTxnStore(t)
	chain := newChainMock(10)
	key := newKey(t)

	id, _ := addSubmittedRecord(t, store, key, 5)
	trk := newTracker(t, chain, store)
	events, unsub := trk.Subscribe()
	defer unsub()

	require.Eventually(t, func() bool { return chain.headerCalls() >= 2 }, time.Second*5, time.Millisecond*10)
	chain.setSendErr(errors.New("insufficient funds for gas * price + value"))
	chain.setHead(13)

	require.Eventually(t, func() bool {
		r, err := store.Get(ctx, id)
		require.NoError(t, err)
		return r.Status == txstore.StatusFailed
	}, time.Second*5, time.Millisecond*20)

	r, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Contains(t, r.FailureReason, "insufficient funds")
	requireEvent(t, events, tracker.EventFailed, id)
}

func TestNonceDuplicateSweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTxnStore(t)
	chain := newChainMock(10)
	key := newKey(t)

	winnerID, winnerHash := addSubmittedRecord(t, store, key, 5)
	loserID, _ := addSubmittedRecord(t, store, key, 5)
	failedID, _ := addSubmittedRecord(t, store, key, 5)
	_, err := store.SetStatus(ctx, failedID, txstore.StatusFailed, "")
	require.NoError(t, err)

	chain.setReceipt(winnerHash, &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)})

	newTracker(t, chain, store)

	require.Eventually(t, func() bool {
		r, err := store.Get(ctx, loserID)
		require.NoError(t, err)
		return r.Status == txstore.StatusDropped
	}, time.Second*5, time.Millisecond*20)

	winner, err := store.Get(ctx, winnerID)
	require.NoError(t, err)
	require.Equal(t, txstore.StatusConfirmed, winner.Status)

	loser, err := store.Get(ctx, loserID)
	require.NoError(t, err)
	require.Equal(t, winnerHash, loser.ReplacedBy)

	// A record that already failed keeps its status but gets tagged.
	require.Eventually(t, func() bool {
		failed, err := store.Get(ctx, failedID)
		require.NoError(t, err)
		return failed.ReplacedBy == winnerHash
	}, time.Second*5, time.Millisecond*20)
	failed, err := store.Get(ctx, failedID)
	require.NoError(t, err)
	require.Equal(t, txstore.StatusFailed, failed.Status)
}

func TestResubmission(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTxnStore(t)
	chain := newChainMock(10)
	key := newKey(t)

	id, _ := addSubmittedRecord(t, store, key, 5)
	trk := newTracker(t, chain, store)
	events, unsub := trk.Subscribe()
	defer unsub()

	// First pass only registers the record; resubmission happens once the
	// record has been pending for the configured number of blocks. A second
	// header poll means the first pass finished.
	require.Eventually(t, func() bool { return chain.headerCalls() >= 2 }, time.Second*5, time.Millisecond*10)
	chain.setHead(13)

	require.Eventually(t, func() bool {
		r, err := store.Get(ctx, id)
		require.NoError(t, err)
		return r.RetryCount == 1
	}, time.Second*5, time.Millisecond*20)

	r, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(13), r.FirstRetryBlock)
	require.Equal(t, 1, chain.sentCount())
	requireEvent(t, events, tracker.EventRetry, id)

	// A later resubmission increments the count but never touches the first
	// retry block again.
	chain.setHead(16)
	require.Eventually(t, func() bool {
		r, err := store.Get(ctx, id)
		require.NoError(t, err)
		return r.RetryCount == 2
	}, time.Second*5, time.Millisecond*20)
	r, err = store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(13), r.FirstRetryBlock)
}

func TestDroppedWhenNoncePasses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTxnStore(t)
	chain := newChainMock(10)
	key := newKey(t)

	id, _ := addSubmittedRecord(t, store, key, 5)
	trk := newTracker(t, chain, store)
	events, unsub := trk.Subscribe()
	defer unsub()

	chain.setNonce(6)
	chain.setHead(11)

	require.Eventually(t, func() bool {
		r, err := store.Get(ctx, id)
		require.NoError(t, err)
		return r.Status == txstore.StatusDropped
	}, time.Second*5, time.Millisecond*20)

	requireEvent(t, events, tracker.EventDropped, id)
}

func TestPollingOnlyWhilePending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTxnStore(t)
	chain := newChainMock(10)
	key := newKey(t)

	trk := newTracker(t, chain, store)
	_ = trk

	// Nothing pending: the head is never polled.
	time.Sleep(time.Millisecond * 200)
	require.Equal(t, 0, chain.headerCalls())

	id, hash := addSubmittedRecord(t, store, key, 5)
	require.Eventually(t, func() bool { return chain.headerCalls() > 0 }, time.Second*5, time.Millisecond*10)

	// Confirming the only pending record stops the polling again.
	chain.setReceipt(hash, &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(11)})
	chain.setHead(11)
	require.Eventually(t, func() bool {
		r, err := store.Get(ctx, id)
		require.NoError(t, err)
		return r.Status == txstore.StatusConfirmed
	}, time.Second*5, time.Millisecond*20)

	require.Eventually(t, func() bool {
		calls := chain.headerCalls()
		time.Sleep(time.Millisecond * 150)
		return chain.headerCalls() == calls
	}, time.Second*5, time.Millisecond*10)
}

func newTracker(t *testing.T, chain *ChainMock, store txstore.Store) *BlockTracker {
	t.Helper()
	trk, err := New(chain, store,
		WithPollInterval(time.Millisecond*20),
		WithResubmitBlocks(3),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, trk.Close()) })
	return trk
}

func requireEvent(t *testing.T, events <-chan tracker.Event, eventType tracker.EventType, id string) {
	t.Helper()
	deadline := time.After(time.Second * 5)
	for {
		select {
		case e := <-events:
			if e.Type == eventType && e.ID == id {
				return
			}
		case <-deadline:
			t.Fatalf("event %s for %s never received", eventType, id)
		}
	}
}

// addSubmittedRecord walks a freshly signed transaction through the store up
// to the submitted status and returns its id and hash.
func addSubmittedRecord(
	t *testing.T,
	store txstore.Store,
	key *ecdsa.PrivateKey,
	n uint64,
) (string, common.Hash) {
	t.Helper()
	return addInFlightRecord(t, store, key, n, txstore.StatusSubmitted)
}

// addInFlightRecord walks a freshly signed transaction through the store up to
// the given status and returns its id and hash.
func addInFlightRecord(
	t *testing.T,
	store txstore.Store,
	key *ecdsa.PrivateKey,
	n uint64,
	last txstore.Status,
) (string, common.Hash) {
	t.Helper()
	ctx := context.Background()
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0x2A891118Cf3a8FdeBb00109ea3ed4E33B82D960f")

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    n,
		To:       &to,
		Value:    big.NewInt(1),
		Gas:      21_000,
		GasPrice: big.NewInt(30_000_000_000),
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(chainID)), key)
	require.NoError(t, err)
	raw, err := signed.MarshalBinary()
	require.NoError(t, err)

	r := &txstore.TxRecord{
		ID:      uuid.NewString(),
		ChainID: chainID,
		Origin:  "local",
		From:    from,
		To:      to,
		Value:   big.NewInt(1),
		Status:  txstore.StatusUnapproved,
	}
	require.NoError(t, store.Add(ctx, r))

	got, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	got.Nonce = &n
	got.Hash = signed.Hash()
	got.RawSignedTxn = raw
	got.GasLimit = 21_000
	got.GasFees = txstore.NewLegacyFees(big.NewInt(30_000_000_000))
	require.NoError(t, store.Update(ctx, got, ""))

	for _, next := range []txstore.Status{
		txstore.StatusApproved,
		txstore.StatusSigned,
		txstore.StatusSubmitted,
	} {
		_, err := store.SetStatus(ctx, r.ID, next, "")
		require.NoError(t, err)
		if next == last {
			break
		}
	}
	return r.ID, signed.Hash()
}

func newTxnStore(t *testing.T) txstore.Store {
	t.Helper()
	sqlite, err := database.Open(tests.Sqlite3URL(t))
	require.NoError(t, err)
	store, err := txstoreimpl.New(chainID, sqlite)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

// ChainMock fakes the chain-side tracker calls.
type ChainMock struct {
	mu       sync.Mutex
	head     int64
	nonce    uint64
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction
	sendErr  error
	hdrCalls int
}

func newChainMock(head int64) *ChainMock {
	return &ChainMock{head: head, receipts: map[common.Hash]*types.Receipt{}}
}

func (m *ChainMock) setHead(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.head = n
}

func (m *ChainMock) setNonce(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonce = n
}

func (m *ChainMock) setReceipt(hash common.Hash, receipt *types.Receipt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[hash] = receipt
}

func (m *ChainMock) headerCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hdrCalls
}

func (m *ChainMock) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *ChainMock) HeaderByNumber(_ context.Context, _ *big.Int) (*types.Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hdrCalls++
	return &types.Header{Number: big.NewInt(m.head), GasLimit: 30_000_000}, nil
}

func (m *ChainMock) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if receipt, ok := m.receipts[hash]; ok {
		return receipt, nil
	}
	return nil, ethereum.NotFound
}

func (m *ChainMock) NonceAt(_ context.Context, _ common.Address, _ *big.Int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonce, nil
}

func (m *ChainMock) setSendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

func (m *ChainMock) SendTransaction(_ context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, tx)
	return nil
}
