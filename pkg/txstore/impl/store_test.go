package impl

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/textileio/go-walletd/pkg/database"
	"github.com/textileio/go-walletd/pkg/txstore"
	"github.com/textileio/go-walletd/tests"
)

func TestAddAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t)

	r := newRecord()
	require.NoError(t, s.Add(ctx, r))

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, r.ID, got.ID)
	require.Equal(t, txstore.StatusUnapproved, got.Status)
	require.Equal(t, r.From, got.From)
	require.False(t, got.CreatedAt.IsZero())

	_, err = s.Get(ctx, uuid.NewString())
	require.ErrorIs(t, err, txstore.ErrNotFound)
}

func TestAddRejectsNonUnapproved(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	r := newRecord()
	r.Status = txstore.StatusSubmitted
	require.ErrorIs(t, s.Add(context.Background(), r), txstore.ErrNotUnapproved)
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t)

	r := newRecord()
	require.NoError(t, s.Add(ctx, r))

	// Skipping ahead is forbidden.
	_, err := s.SetStatus(ctx, r.ID, txstore.StatusSubmitted, "")
	require.ErrorIs(t, err, txstore.ErrInvalidTransition)

	for _, next := range []txstore.Status{
		txstore.StatusApproved,
		txstore.StatusSigned,
		txstore.StatusSubmitted,
		txstore.StatusConfirmed,
	} {
		got, err := s.SetStatus(ctx, r.ID, next, "")
		require.NoError(t, err)
		require.Equal(t, next, got.Status)
	}

	// Terminal statuses never transition again.
	_, err = s.SetStatus(ctx, r.ID, txstore.StatusFailed, "")
	require.ErrorIs(t, err, txstore.ErrInvalidTransition)
}

func TestSubmittedAtSetOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t)

	r := newRecord()
	require.NoError(t, s.Add(ctx, r))
	_, err := s.SetStatus(ctx, r.ID, txstore.StatusApproved, "")
	require.NoError(t, err)
	_, err = s.SetStatus(ctx, r.ID, txstore.StatusSigned, "")
	require.NoError(t, err)
	got, err := s.SetStatus(ctx, r.ID, txstore.StatusSubmitted, "")
	require.NoError(t, err)
	require.NotNil(t, got.SubmittedAt)
}

func TestUpdateImmutability(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t)

	r := newRecord()
	require.NoError(t, s.Add(ctx, r))

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)

	// Nonce can be set once.
	nonce := uint64(7)
	got.Nonce = &nonce
	require.NoError(t, s.Update(ctx, got, "nonce assigned"))

	// But never changed afterwards.
	got, err = s.Get(ctx, r.ID)
	require.NoError(t, err)
	other := uint64(8)
	got.Nonce = &other
	require.ErrorIs(t, s.Update(ctx, got, ""), txstore.ErrImmutableField)

	// Status changes cannot sneak in through Update.
	got, err = s.Get(ctx, r.ID)
	require.NoError(t, err)
	got.Status = txstore.StatusApproved
	require.ErrorIs(t, s.Update(ctx, got, ""), txstore.ErrInvalidTransition)
}

func TestUpdateSetOnceFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t)

	r := newRecord()
	require.NoError(t, s.Add(ctx, r))

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	got.RawSignedTxn = []byte{0xf8, 0x6b}
	got.RetryCount = 2
	got.FirstRetryBlock = 11
	got.ReplacedBy = common.HexToHash("0x01")
	require.NoError(t, s.Update(ctx, got, ""))

	// The signed payload never changes once recorded.
	got, err = s.Get(ctx, r.ID)
	require.NoError(t, err)
	got.RawSignedTxn = []byte{0xf8, 0x6c}
	require.ErrorIs(t, s.Update(ctx, got, ""), txstore.ErrImmutableField)

	// The retry count never decreases.
	got, err = s.Get(ctx, r.ID)
	require.NoError(t, err)
	got.RetryCount = 1
	require.ErrorIs(t, s.Update(ctx, got, ""), txstore.ErrImmutableField)

	// The first retry block is recorded once.
	got, err = s.Get(ctx, r.ID)
	require.NoError(t, err)
	got.FirstRetryBlock = 12
	require.ErrorIs(t, s.Update(ctx, got, ""), txstore.ErrImmutableField)

	// And so is the replacing hash.
	got, err = s.Get(ctx, r.ID)
	require.NoError(t, err)
	got.ReplacedBy = common.HexToHash("0x02")
	require.ErrorIs(t, s.Update(ctx, got, ""), txstore.ErrImmutableField)
}

func TestUpdateNeverClearsReceipt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t)

	r := newRecord()
	require.NoError(t, s.Add(ctx, r))

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	got.Receipt = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(11)}
	require.NoError(t, s.Update(ctx, got, "receipt found"))

	got, err = s.Get(ctx, r.ID)
	require.NoError(t, err)
	got.Receipt = nil
	require.ErrorIs(t, s.Update(ctx, got, ""), txstore.ErrImmutableField)
}

func TestMixedFeeSchemesRejected(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	r := newRecord()
	r.GasFees.Legacy = &txstore.LegacyFees{GasPrice: big.NewInt(1)}
	r.GasFees.Dynamic = &txstore.DynamicFees{
		MaxFeePerGas:         big.NewInt(2),
		MaxPriorityFeePerGas: big.NewInt(1),
	}
	require.ErrorIs(t, s.Add(context.Background(), r), txstore.ErrMixedFeeSchemes)
}

func TestQueryFilter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t)

	from := common.HexToAddress("0xd43c59d5694ec111eb9e986c233200b14249558d")
	var ids []string
	for i := 0; i < 3; i++ {
		r := newRecord()
		r.From = from
		require.NoError(t, s.Add(ctx, r))
		ids = append(ids, r.ID)
	}
	_, err := s.SetStatus(ctx, ids[1], txstore.StatusApproved, "")
	require.NoError(t, err)

	got, err := s.Query(ctx, txstore.Filter{Statuses: []txstore.Status{txstore.StatusUnapproved}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, ids[0], got[0].ID)
	require.Equal(t, ids[2], got[1].ID)

	got, err = s.Query(ctx, txstore.Filter{From: &from})
	require.NoError(t, err)
	require.Len(t, got, 3)
}

func TestGetCurrentUnapprovedAndClear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t)

	first := newRecord()
	second := newRecord()
	require.NoError(t, s.Add(ctx, first))
	require.NoError(t, s.Add(ctx, second))

	got, err := s.GetCurrentUnapproved(ctx)
	require.NoError(t, err)
	require.Equal(t, second.ID, got.ID)

	require.NoError(t, s.ClearUnapproved(ctx))
	_, err = s.GetCurrentUnapproved(ctx)
	require.ErrorIs(t, err, txstore.ErrNotFound)

	got, err = s.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, txstore.StatusRejected, got.Status)
}

func TestSubscribe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t)

	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	r := newRecord()
	require.NoError(t, s.Add(ctx, r))
	_, err := s.SetStatus(ctx, r.ID, txstore.StatusApproved, "")
	require.NoError(t, err)

	change := nextChange(t, ch)
	require.Equal(t, r.ID, change.ID)
	require.Equal(t, txstore.Status(""), change.Old)
	require.Equal(t, txstore.StatusUnapproved, change.New)

	change = nextChange(t, ch)
	require.Equal(t, r.ID, change.ID)
	require.Equal(t, txstore.StatusUnapproved, change.Old)
	require.Equal(t, txstore.StatusApproved, change.New)
}

func TestUpdatePublishes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t)

	r := newRecord()
	require.NoError(t, s.Add(ctx, r))

	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	got.GasLimit = 21_000
	require.NoError(t, s.Update(ctx, got, "gas limit set"))

	change := nextChange(t, ch)
	require.Equal(t, r.ID, change.ID)
	require.Equal(t, txstore.StatusUnapproved, change.Old)
	require.Equal(t, txstore.StatusUnapproved, change.New)
}

func nextChange(t *testing.T, ch <-chan txstore.StatusChange) txstore.StatusChange {
	t.Helper()
	select {
	case change := <-ch:
		return change
	case <-time.After(time.Second):
		t.Fatal("no status change received")
		return txstore.StatusChange{}
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, dbURL := newStore(t)

	r := newRecord()
	r.GasFees = txstore.NewDynamicFees(big.NewInt(30_000_000_000), big.NewInt(1_500_000_000))
	require.NoError(t, s.Add(ctx, r))
	_, err := s.SetStatus(ctx, r.ID, txstore.StatusApproved, "user approved")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	sqlite, err := database.Open(dbURL)
	require.NoError(t, err)
	reopened, err := New(1337, sqlite)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, reopened.Close()) })

	got, err := reopened.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, txstore.StatusApproved, got.Status)
	require.NotNil(t, got.GasFees.Dynamic)
	require.Equal(t, "30000000000", got.GasFees.Dynamic.MaxFeePerGas.String())
}

func TestHistoryLimitEvictsTerminalOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dbURL := tests.Sqlite3URL(t)
	sqlite, err := database.Open(dbURL)
	require.NoError(t, err)
	s, err := New(1337, sqlite, WithHistoryLimit(2))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	first := newRecord()
	require.NoError(t, s.Add(ctx, first))
	_, err = s.SetStatus(ctx, first.ID, txstore.StatusRejected, "")
	require.NoError(t, err)

	second := newRecord()
	third := newRecord()
	require.NoError(t, s.Add(ctx, second))
	require.NoError(t, s.Add(ctx, third))

	// The terminal record was evicted, the in-flight ones stay.
	_, err = s.Get(ctx, first.ID)
	require.ErrorIs(t, err, txstore.ErrNotFound)
	_, err = s.Get(ctx, second.ID)
	require.NoError(t, err)
	_, err = s.Get(ctx, third.ID)
	require.NoError(t, err)

	// With no terminal records nothing is evicted, even above the limit.
	fourth := newRecord()
	require.NoError(t, s.Add(ctx, fourth))
	got, err := s.Query(ctx, txstore.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
}

func newStore(t *testing.T) (*TxnStore, string) {
	t.Helper()
	dbURL := tests.Sqlite3URL(t)
	sqlite, err := database.Open(dbURL)
	require.NoError(t, err)
	s, err := New(1337, sqlite, WithFlushInterval(time.Millisecond*50))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, dbURL
}

func newRecord() *txstore.TxRecord {
	return &txstore.TxRecord{
		ID:      uuid.NewString(),
		ChainID: 1337,
		Origin:  "local",
		From:    common.HexToAddress("0xb113f232261a488dca6b7bcaa1ba10521235b577"),
		To:      common.HexToAddress("0x2A891118Cf3a8FdeBb00109ea3ed4E33B82D960f"),
		Value:   big.NewInt(1),
		Status:  txstore.StatusUnapproved,
	}
}
