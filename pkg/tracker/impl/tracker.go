package impl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"github.com/textileio/go-walletd/pkg/tracker"
	"github.com/textileio/go-walletd/pkg/txstore"
)

const (
	defaultPollInterval   = time.Second * 5
	defaultResubmitBlocks = 3
	subscriberBuffer      = 64
)

// Option modifies the tracker's defaults.
type Option func(*BlockTracker) error

// WithPollInterval sets how often the head is polled while records are
// pending.
func WithPollInterval(d time.Duration) Option {
	return func(t *BlockTracker) error {
		if d <= 0 {
			return fmt.Errorf("poll interval should be positive, got %s", d)
		}
		t.pollInterval = d
		return nil
	}
}

// WithResubmitBlocks sets after how many blocks an unconfirmed transaction is
// rebroadcast.
func WithResubmitBlocks(n int64) Option {
	return func(t *BlockTracker) error {
		if n < 1 {
			return fmt.Errorf("resubmit blocks should be at least 1, got %d", n)
		}
		t.resubmitBlocks = n
		return nil
	}
}

// BlockTracker reconciles in-flight records against the chain once per new
// block. The head is polled only while the store holds pending records; a
// store status listener starts and stops the loop. Reconciliation failures
// are logged and retried on the next block, they never fail a record.
type BlockTracker struct {
	log            zerolog.Logger
	chainClient    tracker.ChainClient
	store          txstore.Store
	pollInterval   time.Duration
	resubmitBlocks int64

	mu         sync.Mutex
	subs       map[int]chan tracker.Event
	nextSubID  int
	lastBlock  int64
	polling    bool
	pollCancel context.CancelFunc
	pollDone   chan struct{}
	closed     bool

	// firstSeenBlock tracks the block a record was first observed pending
	// at, keyed by record id. lastAttemptBlock tracks the latest broadcast
	// attempt so resubmissions are spaced by resubmitBlocks.
	firstSeenBlock   map[string]int64
	lastAttemptBlock map[string]int64

	passMu      sync.Mutex
	passRunning bool
	passDirty   bool

	storeUnsub  func()
	watcherDone chan struct{}

	metrics *trackerMetrics
}

var _ tracker.Tracker = (*BlockTracker)(nil)

// New creates a tracker and starts watching the store for pending records.
func New(chainClient tracker.ChainClient, store txstore.Store, opts ...Option) (*BlockTracker, error) {
	log := logger.With().
		Str("component", "txntracker").
		Logger()

	t := &BlockTracker{
		log:              log,
		chainClient:      chainClient,
		store:            store,
		pollInterval:     defaultPollInterval,
		resubmitBlocks:   defaultResubmitBlocks,
		subs:             map[int]chan tracker.Event{},
		firstSeenBlock:   map[string]int64{},
		lastAttemptBlock: map[string]int64{},
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, fmt.Errorf("applying option: %s", err)
		}
	}
	if err := t.initMetrics(); err != nil {
		return nil, fmt.Errorf("initializing metrics: %s", err)
	}

	changes, unsub := store.Subscribe()
	t.storeUnsub = unsub
	t.watcherDone = make(chan struct{})
	go t.watchStore(changes)

	// Records may already be pending from a previous run.
	t.syncPolling()

	return t, nil
}

// Subscribe registers a tracker event listener.
func (t *BlockTracker) Subscribe() (<-chan tracker.Event, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSubID
	t.nextSubID++
	ch := make(chan tracker.Event, subscriberBuffer)
	t.subs[id] = ch
	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if c, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(c)
		}
	}
}

// Close stops the tracker.
func (t *BlockTracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.storeUnsub()
	<-t.watcherDone
	t.stopPolling()

	t.mu.Lock()
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
	t.mu.Unlock()
	return nil
}

func (t *BlockTracker) watchStore(changes <-chan txstore.StatusChange) {
	defer close(t.watcherDone)
	for range changes {
		t.syncPolling()
	}
}

// syncPolling starts or stops the head polling loop according to whether any
// record is pending.
func (t *BlockTracker) syncPolling() {
	pending, err := t.store.Query(context.Background(), txstore.Filter{
		Statuses: []txstore.Status{txstore.StatusApproved, txstore.StatusSigned, txstore.StatusSubmitted},
	})
	if err != nil {
		t.log.Error().Err(err).Msg("querying pending records")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	shouldPoll := len(pending) > 0
	if shouldPoll && !t.polling {
		ctx, cancel := context.WithCancel(context.Background())
		t.polling = true
		t.pollCancel = cancel
		t.pollDone = make(chan struct{})
		go t.pollLoop(ctx, t.pollDone)
		t.log.Debug().Msg("head polling started")
	} else if !shouldPoll && t.polling {
		t.polling = false
		cancel, done := t.pollCancel, t.pollDone
		t.pollCancel, t.pollDone = nil, nil
		go func() {
			cancel()
			<-done
		}()
		t.log.Debug().Msg("head polling stopped")
	}
}

func (t *BlockTracker) stopPolling() {
	t.mu.Lock()
	if !t.polling {
		t.mu.Unlock()
		return
	}
	t.polling = false
	cancel, done := t.pollCancel, t.pollDone
	t.pollCancel, t.pollDone = nil, nil
	t.mu.Unlock()

	cancel()
	<-done
}

func (t *BlockTracker) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	t.checkHead(ctx)
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.checkHead(ctx)
		}
	}
}

func (t *BlockTracker) checkHead(ctx context.Context) {
	header, err := t.chainClient.HeaderByNumber(ctx, nil)
	if err != nil {
		if ctx.Err() == nil {
			t.log.Warn().Err(err).Msg("getting chain head")
		}
		return
	}
	blockNumber := header.Number.Int64()

	t.mu.Lock()
	isNew := blockNumber > t.lastBlock
	if isNew {
		t.lastBlock = blockNumber
	}
	t.mu.Unlock()
	if !isNew {
		return
	}

	t.publish(tracker.Event{Type: tracker.EventBlockUpdate, BlockNumber: blockNumber})
	t.runPass(ctx, blockNumber)
}

// runPass runs a reconciliation pass with single-flight semantics: a block
// observed while a pass is running sets a dirty flag and the pass re-runs
// once after finishing, instead of overlapping with itself.
func (t *BlockTracker) runPass(ctx context.Context, blockNumber int64) {
	t.passMu.Lock()
	if t.passRunning {
		t.passDirty = true
		t.passMu.Unlock()
		return
	}
	t.passRunning = true
	t.passMu.Unlock()

	for {
		t.reconcile(ctx, blockNumber)

		t.passMu.Lock()
		if !t.passDirty {
			t.passRunning = false
			t.passMu.Unlock()
			return
		}
		t.passDirty = false
		t.passMu.Unlock()

		t.mu.Lock()
		blockNumber = t.lastBlock
		t.mu.Unlock()
	}
}

func (t *BlockTracker) reconcile(ctx context.Context, blockNumber int64) {
	start := time.Now()
	pending, err := t.store.Query(ctx, txstore.Filter{
		Statuses: []txstore.Status{txstore.StatusApproved, txstore.StatusSigned, txstore.StatusSubmitted},
	})
	if err != nil {
		t.log.Error().Err(err).Msg("querying pending records")
		return
	}

	pendingIDs := map[string]struct{}{}
	networkNonces := map[common.Address]uint64{}
	for i := range pending {
		r := &pending[i]
		pendingIDs[r.ID] = struct{}{}
		if _, ok := t.firstSeenBlock[r.ID]; !ok {
			t.firstSeenBlock[r.ID] = blockNumber
			t.lastAttemptBlock[r.ID] = blockNumber
		}
		if err := t.reconcileRecord(ctx, r, blockNumber, networkNonces); err != nil {
			t.log.Warn().Err(err).Str("id", r.ID).Msg("reconciling record, will retry next block")
		}
	}

	for id := range t.firstSeenBlock {
		if _, ok := pendingIDs[id]; !ok {
			delete(t.firstSeenBlock, id)
			delete(t.lastAttemptBlock, id)
		}
	}

	t.metrics.recordPass(time.Since(start), len(pending))
}

func (t *BlockTracker) reconcileRecord(
	ctx context.Context,
	r *txstore.TxRecord,
	blockNumber int64,
	networkNonces map[common.Address]uint64,
) error {
	if r.Hash != (common.Hash{}) {
		receipt, err := t.chainClient.TransactionReceipt(ctx, r.Hash)
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return fmt.Errorf("getting receipt: %s", err)
		}
		if receipt != nil {
			return t.confirm(ctx, r, receipt)
		}
	}

	// No receipt yet. Someone else may have consumed the nonce.
	if r.Nonce != nil {
		networkNonce, ok := networkNonces[r.From]
		if !ok {
			var err error
			networkNonce, err = t.chainClient.NonceAt(ctx, r.From, nil)
			if err != nil {
				return fmt.Errorf("getting network nonce: %s", err)
			}
			networkNonces[r.From] = networkNonce
		}
		if networkNonce > *r.Nonce {
			if _, err := t.store.SetStatus(ctx, r.ID, txstore.StatusDropped,
				"nonce confirmed by another transaction"); err != nil {
				return fmt.Errorf("dropping record: %s", err)
			}
			t.publish(tracker.Event{
				Type:        tracker.EventDropped,
				ID:          r.ID,
				Hash:        r.Hash,
				BlockNumber: blockNumber,
			})
			return nil
		}
	}

	return t.maybeResubmit(ctx, r, blockNumber)
}

func (t *BlockTracker) confirm(ctx context.Context, r *txstore.TxRecord, receipt *types.Receipt) error {
	// A reverted execution still confirms: it happened on chain. Success is
	// a receipt field, not a lifecycle status.
	r.Receipt = receipt
	if err := t.store.Update(ctx, *r, "receipt found"); err != nil {
		return fmt.Errorf("persisting receipt: %s", err)
	}

	// A record reloaded after a restart can still sit in approved or signed
	// while its transaction already landed on chain. Walk it forward to
	// submitted first so the confirmation transition is legal.
	if r.Status == txstore.StatusApproved {
		updated, err := t.store.SetStatus(ctx, r.ID, txstore.StatusSigned, "recovered in-flight record")
		if err != nil {
			return fmt.Errorf("advancing recovered record: %s", err)
		}
		r.Status = updated.Status
	}
	if r.Status == txstore.StatusSigned {
		updated, err := t.store.SetStatus(ctx, r.ID, txstore.StatusSubmitted, "recovered in-flight record")
		if err != nil {
			return fmt.Errorf("advancing recovered record: %s", err)
		}
		r.Status = updated.Status
	}

	confirmed, err := t.store.SetStatus(ctx, r.ID, txstore.StatusConfirmed, "")
	if err != nil {
		return fmt.Errorf("confirming record: %s", err)
	}
	blockNumber := receipt.BlockNumber.Int64()
	t.publish(tracker.Event{
		Type:        tracker.EventConfirmed,
		ID:          r.ID,
		Hash:        r.Hash,
		BlockNumber: blockNumber,
	})

	t.sweepDuplicates(ctx, &confirmed, blockNumber)
	return nil
}

// sweepDuplicates drops every other record sharing the confirmed record's
// (from, nonce), tagging it with the winning hash. Already failed records
// keep their status.
func (t *BlockTracker) sweepDuplicates(ctx context.Context, confirmed *txstore.TxRecord, blockNumber int64) {
	if confirmed.Nonce == nil {
		return
	}
	siblings, err := t.store.Query(ctx, txstore.Filter{From: &confirmed.From, Nonce: confirmed.Nonce})
	if err != nil {
		t.log.Error().Err(err).Msg("querying nonce duplicates")
		return
	}
	for i := range siblings {
		sibling := &siblings[i]
		if sibling.ID == confirmed.ID {
			continue
		}
		sibling.ReplacedBy = confirmed.Hash
		if err := t.store.Update(ctx, *sibling, "replaced by confirmed transaction"); err != nil {
			t.log.Error().Err(err).Str("id", sibling.ID).Msg("tagging replaced record")
			continue
		}
		if sibling.Status == txstore.StatusFailed || sibling.Status.Terminal() {
			continue
		}
		if _, err := t.store.SetStatus(ctx, sibling.ID, txstore.StatusDropped, ""); err != nil {
			t.log.Error().Err(err).Str("id", sibling.ID).Msg("dropping replaced record")
			continue
		}
		t.publish(tracker.Event{
			Type:        tracker.EventDropped,
			ID:          sibling.ID,
			Hash:        sibling.Hash,
			BlockNumber: blockNumber,
		})
	}
}

// maybeResubmit rebroadcasts the original signed payload, never a new
// signature, so copies already propagated through the network stay valid.
func (t *BlockTracker) maybeResubmit(ctx context.Context, r *txstore.TxRecord, blockNumber int64) error {
	if r.Status != txstore.StatusSubmitted || len(r.RawSignedTxn) == 0 {
		return nil
	}
	if blockNumber-t.lastAttemptBlock[r.ID] < t.resubmitBlocks {
		return nil
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(r.RawSignedTxn); err != nil {
		return fmt.Errorf("decoding signed payload: %s", err)
	}
	if err := t.chainClient.SendTransaction(ctx, tx); err != nil && !isKnownTxError(err) {
		if isFatalBroadcastError(err) {
			return t.fail(ctx, r, blockNumber, err)
		}
		return fmt.Errorf("rebroadcasting: %s", err)
	}
	t.lastAttemptBlock[r.ID] = blockNumber

	r.RetryCount++
	if r.FirstRetryBlock == 0 {
		r.FirstRetryBlock = blockNumber
	}
	if err := t.store.Update(ctx, *r, "rebroadcast"); err != nil {
		return fmt.Errorf("recording retry: %s", err)
	}
	t.metrics.recordResubmission()
	t.publish(tracker.Event{
		Type:        tracker.EventRetry,
		ID:          r.ID,
		Hash:        r.Hash,
		BlockNumber: blockNumber,
	})
	return nil
}

func (t *BlockTracker) publish(e tracker.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- e:
		default:
			t.log.Warn().Str("type", string(e.Type)).Msg("subscriber channel full, dropping event")
		}
	}
}

// fail marks a record whose rebroadcast the node rejects permanently. Leaving
// it submitted would retry the same rejection every block forever.
func (t *BlockTracker) fail(ctx context.Context, r *txstore.TxRecord, blockNumber int64, cause error) error {
	r.FailureReason = fmt.Sprintf("rebroadcast rejected: %s", cause)
	if err := t.store.Update(ctx, *r, ""); err != nil {
		t.log.Error().Err(err).Str("id", r.ID).Msg("recording failure reason")
	}
	if _, err := t.store.SetStatus(ctx, r.ID, txstore.StatusFailed, "rebroadcast rejected"); err != nil {
		return fmt.Errorf("failing record: %s", err)
	}
	t.publish(tracker.Event{
		Type:        tracker.EventFailed,
		ID:          r.ID,
		Hash:        r.Hash,
		BlockNumber: blockNumber,
	})
	return nil
}

// isKnownTxError reports whether a broadcast error means the node already has
// the transaction, which is success for a rebroadcast.
func isKnownTxError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") ||
		strings.Contains(msg, "known transaction") ||
		strings.Contains(msg, "nonce too low")
}

// isFatalBroadcastError reports whether the node's rejection cannot resolve
// itself with more blocks, as opposed to transient RPC or mempool hiccups.
func isFatalBroadcastError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "insufficient funds") ||
		strings.Contains(msg, "exceeds block gas limit") ||
		strings.Contains(msg, "invalid sender")
}
