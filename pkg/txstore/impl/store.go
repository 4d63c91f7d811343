package impl

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"github.com/textileio/go-walletd/pkg/database"
	"github.com/textileio/go-walletd/pkg/database/db"
	"github.com/textileio/go-walletd/pkg/txstore"
)

const (
	defaultHistoryLimit  = 100
	defaultFlushInterval = time.Second
	subscriberBuffer     = 64
	flushTimeout         = time.Second * 10
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Option modifies the store's defaults.
type Option func(*TxnStore) error

// WithHistoryLimit caps how many records are retained per chain. Only
// terminal records are ever evicted.
func WithHistoryLimit(limit int) Option {
	return func(s *TxnStore) error {
		if limit < 1 {
			return fmt.Errorf("history limit should be at least 1, got %d", limit)
		}
		s.historyLimit = limit
		return nil
	}
}

// WithFlushInterval sets the debounce window for persisting mutations.
func WithFlushInterval(d time.Duration) Option {
	return func(s *TxnStore) error {
		if d <= 0 {
			return fmt.Errorf("flush interval should be positive, got %s", d)
		}
		s.flushInterval = d
		return nil
	}
}

// TxnStore is the canonical in-memory transaction store backed by SQLite.
// Every read is served from memory; mutations are persisted asynchronously
// with a trailing debounce so bursts of status changes coalesce into one
// write batch.
type TxnStore struct {
	log           zerolog.Logger
	chainID       int64
	q             *db.Queries
	historyLimit  int
	flushInterval time.Duration

	mu         sync.Mutex
	records    map[string]*txstore.TxRecord
	order      []string
	notes      map[string]string
	dirty      map[string]struct{}
	deleted    map[string]struct{}
	nextPos    int64
	flushTimer *time.Timer
	subs       map[int]chan txstore.StatusChange
	nextSubID  int
	closed     bool

	wgFlush sync.WaitGroup

	mTransitions *storeMetrics
}

var _ txstore.Store = (*TxnStore)(nil)

// New creates a TxnStore for a chain, loading any persisted records.
func New(chainID int64, sqlite *database.SQLiteDB, opts ...Option) (*TxnStore, error) {
	log := logger.With().
		Str("component", "txnstore").
		Int64("chainID", chainID).
		Logger()

	s := &TxnStore{
		log:           log,
		chainID:       chainID,
		q:             sqlite.Queries,
		historyLimit:  defaultHistoryLimit,
		flushInterval: defaultFlushInterval,
		records:       map[string]*txstore.TxRecord{},
		notes:         map[string]string{},
		dirty:         map[string]struct{}{},
		deleted:       map[string]struct{}{},
		subs:          map[int]chan txstore.StatusChange{},
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("applying option: %s", err)
		}
	}

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("loading persisted records: %s", err)
	}
	if err := s.initMetrics(); err != nil {
		return nil, fmt.Errorf("initializing metrics: %s", err)
	}

	return s, nil
}

func (s *TxnStore) load() error {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	rows, err := s.q.ListTxnRecords(ctx, s.chainID)
	if err != nil {
		return fmt.Errorf("listing txn records: %s", err)
	}
	for _, row := range rows {
		r, note, err := fromRow(row)
		if err != nil {
			return fmt.Errorf("decoding record %s: %s", row.ID, err)
		}
		s.records[r.ID] = r
		s.order = append(s.order, r.ID)
		if note != "" {
			s.notes[r.ID] = note
		}
		if row.Position >= s.nextPos {
			s.nextPos = row.Position + 1
		}
	}
	s.log.Info().Int("count", len(rows)).Msg("transaction records loaded")
	return nil
}

// Add inserts a new unapproved record.
func (s *TxnStore) Add(_ context.Context, r *txstore.TxRecord) error {
	if r.Status != txstore.StatusUnapproved {
		return fmt.Errorf("adding record %s: %w", r.ID, txstore.ErrNotUnapproved)
	}
	if err := r.GasFees.Validate(); err != nil {
		return fmt.Errorf("validating gas fees: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; ok {
		return fmt.Errorf("record %s already exists", r.ID)
	}
	cp := r.Copy()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.records[cp.ID] = &cp
	s.order = append(s.order, cp.ID)
	s.markDirty(cp.ID)
	s.pruneHistory()
	s.publish(txstore.StatusChange{ID: cp.ID, New: cp.Status})
	return nil
}

// Get returns a copy of the record.
func (s *TxnStore) Get(_ context.Context, id string) (txstore.TxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return txstore.TxRecord{}, fmt.Errorf("getting record %s: %w", id, txstore.ErrNotFound)
	}
	return r.Copy(), nil
}

// Query returns matching records in insertion order.
func (s *TxnStore) Query(_ context.Context, f txstore.Filter) ([]txstore.TxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []txstore.TxRecord
	for _, id := range s.order {
		r := s.records[id]
		if f.Matches(r) {
			out = append(out, r.Copy())
		}
	}
	return out, nil
}

// Update overwrites mutable fields of an existing record. The status and the
// set-once fields are protected; use SetStatus for transitions.
func (s *TxnStore) Update(_ context.Context, r txstore.TxRecord, note string) error {
	if err := r.GasFees.Validate(); err != nil {
		return fmt.Errorf("validating gas fees: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[r.ID]
	if !ok {
		return fmt.Errorf("updating record %s: %w", r.ID, txstore.ErrNotFound)
	}
	if r.Status != cur.Status {
		return fmt.Errorf("updating record %s: status changes go through SetStatus: %w",
			r.ID, txstore.ErrInvalidTransition)
	}
	if cur.Nonce != nil && (r.Nonce == nil || *r.Nonce != *cur.Nonce) {
		return fmt.Errorf("updating record %s nonce: %w", r.ID, txstore.ErrImmutableField)
	}
	if cur.Hash != (common.Hash{}) && r.Hash != cur.Hash {
		return fmt.Errorf("updating record %s hash: %w", r.ID, txstore.ErrImmutableField)
	}
	if len(cur.RawSignedTxn) > 0 && !bytes.Equal(r.RawSignedTxn, cur.RawSignedTxn) {
		return fmt.Errorf("updating record %s raw signed txn: %w", r.ID, txstore.ErrImmutableField)
	}
	if cur.Receipt != nil && r.Receipt == nil {
		return fmt.Errorf("updating record %s receipt: %w", r.ID, txstore.ErrImmutableField)
	}
	if r.RetryCount < cur.RetryCount {
		return fmt.Errorf("updating record %s retry count: %w", r.ID, txstore.ErrImmutableField)
	}
	if cur.FirstRetryBlock > 0 && r.FirstRetryBlock != cur.FirstRetryBlock {
		return fmt.Errorf("updating record %s first retry block: %w", r.ID, txstore.ErrImmutableField)
	}
	if cur.ReplacedBy != (common.Hash{}) && r.ReplacedBy != cur.ReplacedBy {
		return fmt.Errorf("updating record %s replaced by: %w", r.ID, txstore.ErrImmutableField)
	}

	cp := r.Copy()
	cp.CreatedAt = cur.CreatedAt
	s.records[cp.ID] = &cp
	if note != "" {
		s.notes[cp.ID] = note
	}
	s.markDirty(cp.ID)
	s.publish(txstore.StatusChange{ID: cp.ID, Old: cur.Status, New: cp.Status})
	return nil
}

// SetStatus transitions the record, validating against the state machine, and
// publishes the change to subscribers.
func (s *TxnStore) SetStatus(
	_ context.Context,
	id string,
	new txstore.Status,
	note string,
) (txstore.TxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return txstore.TxRecord{}, fmt.Errorf("transitioning record %s: %w", id, txstore.ErrNotFound)
	}
	old := r.Status
	if !txstore.CanTransition(old, new) {
		return txstore.TxRecord{}, fmt.Errorf("transitioning record %s from %s to %s: %w",
			id, old, new, txstore.ErrInvalidTransition)
	}
	r.Status = new
	if new == txstore.StatusSubmitted && r.SubmittedAt == nil {
		now := time.Now()
		r.SubmittedAt = &now
	}
	if note != "" {
		s.notes[id] = note
	}
	s.markDirty(id)
	s.publish(txstore.StatusChange{ID: id, Old: old, New: new})
	s.mTransitions.recordTransition(new)
	s.log.Debug().Str("id", id).Str("old", string(old)).Str("new", string(new)).Msg("status transition")
	return r.Copy(), nil
}

// GetCurrentUnapproved returns the most recently added unapproved record.
func (s *TxnStore) GetCurrentUnapproved(_ context.Context) (txstore.TxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		r := s.records[s.order[i]]
		if r.Status == txstore.StatusUnapproved {
			return r.Copy(), nil
		}
	}
	return txstore.TxRecord{}, txstore.ErrNotFound
}

// ClearUnapproved rejects every unapproved record.
func (s *TxnStore) ClearUnapproved(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		r := s.records[id]
		if r.Status != txstore.StatusUnapproved {
			continue
		}
		r.Status = txstore.StatusRejected
		s.markDirty(id)
		s.publish(txstore.StatusChange{ID: id, Old: txstore.StatusUnapproved, New: txstore.StatusRejected})
		s.mTransitions.recordTransition(txstore.StatusRejected)
	}
	return nil
}

// Subscribe registers a status change listener.
func (s *TxnStore) Subscribe() (<-chan txstore.StatusChange, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan txstore.StatusChange, subscriberBuffer)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// Close flushes outstanding writes and stops the store.
func (s *TxnStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()

	s.wgFlush.Wait()
	s.flush()
	return nil
}

// publish fans out to subscribers; a slow subscriber loses events rather than
// blocking mutations. Called with mu held.
func (s *TxnStore) publish(c txstore.StatusChange) {
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
			s.log.Warn().Str("change", c.String()).Msg("subscriber channel full, dropping event")
		}
	}
}

// markDirty schedules persistence. Called with mu held.
func (s *TxnStore) markDirty(id string) {
	s.dirty[id] = struct{}{}
	if s.closed {
		return
	}
	if s.flushTimer == nil {
		s.flushTimer = time.AfterFunc(s.flushInterval, func() {
			s.wgFlush.Add(1)
			defer s.wgFlush.Done()
			s.flush()
		})
		return
	}
	s.flushTimer.Reset(s.flushInterval)
}

func (s *TxnStore) flush() {
	s.mu.Lock()
	rows := make([]db.TxnRecord, 0, len(s.dirty))
	pos := map[string]int64{}
	for i, id := range s.order {
		pos[id] = int64(i)
	}
	for id := range s.dirty {
		r, ok := s.records[id]
		if !ok {
			continue
		}
		row, err := toRow(r, s.notes[id], pos[id])
		if err != nil {
			s.log.Error().Err(err).Str("id", id).Msg("encoding record for persistence")
			continue
		}
		rows = append(rows, row)
	}
	deleted := make([]string, 0, len(s.deleted))
	for id := range s.deleted {
		deleted = append(deleted, id)
	}
	s.dirty = map[string]struct{}{}
	s.deleted = map[string]struct{}{}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for _, row := range rows {
		if err := s.q.UpsertTxnRecord(ctx, row); err != nil {
			s.log.Error().Err(err).Str("id", row.ID).Msg("persisting record")
		}
	}
	for _, id := range deleted {
		if err := s.q.DeleteTxnRecord(ctx, id); err != nil {
			s.log.Error().Err(err).Str("id", id).Msg("deleting record")
		}
	}
}

// pruneHistory evicts the oldest terminal records beyond the limit. Called
// with mu held.
func (s *TxnStore) pruneHistory() {
	excess := len(s.order) - s.historyLimit
	if excess <= 0 {
		return
	}
	kept := s.order[:0]
	for _, id := range s.order {
		r := s.records[id]
		if excess > 0 && r.Status.Terminal() {
			delete(s.records, id)
			delete(s.notes, id)
			delete(s.dirty, id)
			s.deleted[id] = struct{}{}
			excess--
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

func toRow(r *txstore.TxRecord, note string, position int64) (db.TxnRecord, error) {
	row := db.TxnRecord{
		ID:           r.ID,
		ChainID:      r.ChainID,
		Origin:       r.Origin,
		FromAddress:  r.From.Hex(),
		ToAddress:    r.To.Hex(),
		Value:        "0",
		Data:         r.Data,
		GasLimit:     int64(r.GasLimit),
		Status:       string(r.Status),
		RawSignedTxn: r.RawSignedTxn,
		RetryCount:   int64(r.RetryCount),
		Position:     position,
		CreatedAt:    r.CreatedAt.Unix(),
	}
	if r.Value != nil {
		row.Value = r.Value.String()
	}
	if r.Nonce != nil {
		row.Nonce = sql.NullInt64{Int64: int64(*r.Nonce), Valid: true}
	}
	if r.GasFees.Legacy != nil {
		row.GasPrice = sql.NullString{String: r.GasFees.Legacy.GasPrice.String(), Valid: true}
	}
	if r.GasFees.Dynamic != nil {
		row.MaxFeePerGas = sql.NullString{String: r.GasFees.Dynamic.MaxFeePerGas.String(), Valid: true}
		row.MaxPriorityFeePerGas = sql.NullString{
			String: r.GasFees.Dynamic.MaxPriorityFeePerGas.String(),
			Valid:  true,
		}
	}
	if r.Hash != (common.Hash{}) {
		row.Hash = sql.NullString{String: r.Hash.Hex(), Valid: true}
	}
	if r.Receipt != nil {
		b, err := json.Marshal(r.Receipt)
		if err != nil {
			return db.TxnRecord{}, fmt.Errorf("marshaling receipt: %s", err)
		}
		row.Receipt = b
	}
	if r.FirstRetryBlock > 0 {
		row.FirstRetryBlock = sql.NullInt64{Int64: r.FirstRetryBlock, Valid: true}
	}
	if r.ReplacedBy != (common.Hash{}) {
		row.ReplacedBy = sql.NullString{String: r.ReplacedBy.Hex(), Valid: true}
	}
	if r.FailureReason != "" {
		row.FailureReason = sql.NullString{String: r.FailureReason, Valid: true}
	}
	if note != "" {
		row.Note = sql.NullString{String: note, Valid: true}
	}
	if r.SubmittedAt != nil {
		row.SubmittedAt = sql.NullInt64{Int64: r.SubmittedAt.Unix(), Valid: true}
	}
	return row, nil
}

func fromRow(row db.TxnRecord) (*txstore.TxRecord, string, error) {
	r := &txstore.TxRecord{
		ID:           row.ID,
		ChainID:      row.ChainID,
		Origin:       row.Origin,
		From:         common.HexToAddress(row.FromAddress),
		To:           common.HexToAddress(row.ToAddress),
		Data:         row.Data,
		GasLimit:     uint64(row.GasLimit),
		Status:       txstore.Status(row.Status),
		RawSignedTxn: row.RawSignedTxn,
		RetryCount:   int(row.RetryCount),
		CreatedAt:    time.Unix(row.CreatedAt, 0),
	}
	value, ok := new(big.Int).SetString(row.Value, 10)
	if !ok {
		return nil, "", fmt.Errorf("parsing value %q", row.Value)
	}
	r.Value = value
	if row.Nonce.Valid {
		n := uint64(row.Nonce.Int64)
		r.Nonce = &n
	}
	if row.GasPrice.Valid {
		gp, ok := new(big.Int).SetString(row.GasPrice.String, 10)
		if !ok {
			return nil, "", fmt.Errorf("parsing gas price %q", row.GasPrice.String)
		}
		r.GasFees = txstore.NewLegacyFees(gp)
	}
	if row.MaxFeePerGas.Valid {
		maxFee, ok := new(big.Int).SetString(row.MaxFeePerGas.String, 10)
		if !ok {
			return nil, "", fmt.Errorf("parsing max fee %q", row.MaxFeePerGas.String)
		}
		maxTip := new(big.Int)
		if row.MaxPriorityFeePerGas.Valid {
			maxTip, ok = new(big.Int).SetString(row.MaxPriorityFeePerGas.String, 10)
			if !ok {
				return nil, "", fmt.Errorf("parsing max priority fee %q", row.MaxPriorityFeePerGas.String)
			}
		}
		r.GasFees = txstore.NewDynamicFees(maxFee, maxTip)
	}
	if row.Hash.Valid {
		r.Hash = common.HexToHash(row.Hash.String)
	}
	if len(row.Receipt) > 0 {
		var receipt types.Receipt
		if err := json.Unmarshal(row.Receipt, &receipt); err != nil {
			return nil, "", fmt.Errorf("unmarshaling receipt: %s", err)
		}
		r.Receipt = &receipt
	}
	if row.FirstRetryBlock.Valid {
		r.FirstRetryBlock = row.FirstRetryBlock.Int64
	}
	if row.ReplacedBy.Valid {
		r.ReplacedBy = common.HexToHash(row.ReplacedBy.String)
	}
	if row.FailureReason.Valid {
		r.FailureReason = row.FailureReason.String
	}
	if row.SubmittedAt.Valid {
		t := time.Unix(row.SubmittedAt.Int64, 0)
		r.SubmittedAt = &t
	}
	var note string
	if row.Note.Valid {
		note = row.Note.String
	}
	return r, note, nil
}
