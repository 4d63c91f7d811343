package impl

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"github.com/textileio/go-walletd/pkg/gas"
)

const pollerSubscriberBuffer = 8

// EstimatePoller refreshes a fee estimate on an interval, but only while at
// least one consumer holds a poll token. When the last token is released the
// loop stops and the cached estimate is discarded, so no consumer ever reads
// a stale table from an idle poller.
type EstimatePoller struct {
	log       zerolog.Logger
	estimator gas.Estimator
	interval  time.Duration

	mu        sync.Mutex
	tokens    map[string]struct{}
	latest    *gas.PriceEstimate
	subs      map[int]chan gas.PriceEstimate
	nextSubID int
	cancel    context.CancelFunc
	loopDone  chan struct{}
	closed    bool
}

var _ gas.Poller = (*EstimatePoller)(nil)

// NewEstimatePoller creates a poller around an estimator.
func NewEstimatePoller(estimator gas.Estimator, interval time.Duration) *EstimatePoller {
	log := logger.With().
		Str("component", "gaspoller").
		Logger()

	return &EstimatePoller{
		log:       log,
		estimator: estimator,
		interval:  interval,
		tokens:    map[string]struct{}{},
		subs:      map[int]chan gas.PriceEstimate{},
	}
}

// Acquire registers a consumer and starts polling if it is the first one.
func (p *EstimatePoller) Acquire() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	token := uuid.NewString()
	p.tokens[token] = struct{}{}
	if len(p.tokens) == 1 && !p.closed {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		p.loopDone = make(chan struct{})
		go p.loop(ctx, p.loopDone)
	}
	return token
}

// Release drops a consumer; the last release stops polling and resets the
// cached estimate.
func (p *EstimatePoller) Release(token string) {
	p.mu.Lock()
	if _, ok := p.tokens[token]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.tokens, token)
	if len(p.tokens) > 0 {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.loopDone
	p.cancel, p.loopDone = nil, nil
	p.latest = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Latest returns the cached estimate.
func (p *EstimatePoller) Latest() (gas.PriceEstimate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return gas.PriceEstimate{}, false
	}
	return *p.latest, true
}

// Subscribe registers an estimate-updated listener.
func (p *EstimatePoller) Subscribe() (<-chan gas.PriceEstimate, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan gas.PriceEstimate, pollerSubscriberBuffer)
	p.subs[id] = ch
	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if c, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(c)
		}
	}
}

// Close stops the poller regardless of outstanding tokens.
func (p *EstimatePoller) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.tokens = map[string]struct{}{}
	cancel, done := p.cancel, p.loopDone
	p.cancel, p.loopDone = nil, nil
	p.latest = nil
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (p *EstimatePoller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	p.refresh(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refresh(ctx)
		}
	}
}

func (p *EstimatePoller) refresh(ctx context.Context) {
	estimate, err := p.estimator.EstimateFees(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn().Err(err).Msg("refreshing fee estimate")
		}
		return
	}

	p.mu.Lock()
	// The last token may have been released while the estimator call was in
	// flight. Caching the result would leave a stale estimate on an idle
	// poller.
	if len(p.tokens) == 0 {
		p.mu.Unlock()
		return
	}
	p.latest = &estimate
	for _, ch := range p.subs {
		select {
		case ch <- estimate:
		default:
			p.log.Warn().Msg("subscriber channel full, dropping estimate update")
		}
	}
	p.mu.Unlock()
}
