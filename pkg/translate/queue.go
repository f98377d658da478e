// Package translate implements the Translation Queue (C5) and Translator
// (C6) from spec.md §4.5/§4.6: a priority- and concurrency-bounded
// dispatcher in front of pluggable chat-completion-shaped LLM clients.
package translate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/classbridge-ai/stream-interpreter/pkg/bus"
	"github.com/classbridge-ai/stream-interpreter/pkg/domain"
)

// Defaults from spec.md §4.5.
const (
	DefaultConcurrency    = 3
	DefaultItemTimeout    = 7 * time.Second
	DefaultLowStarvation  = 30 * time.Second
	DefaultRetryBaseDelay = 500 * time.Millisecond
	DefaultMaxRetries     = 2
)

// Clock is injectable for deterministic starvation-promotion tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Stats reports the dispatcher's current counts (§4.5 stats()). Only Pending
// is broken down per priority; InFlight, Completed and TimedOut are totals
// across all priorities.
type Stats struct {
	Pending   map[domain.Priority]int
	InFlight  int
	Completed int
	TimedOut  int
}

type item struct {
	req       domain.TranslationRequest
	state     string // "pending" | "in-flight" | "done" | "cancelled"
	enqueueAt time.Time
}

// Queue is C5: three FIFO sub-queues keyed by priority, dispatched against a
// bounded worker pool, with per-item timeout, retry, and starvation
// promotion. Grounded on the teacher's cancel-first-then-lock shutdown idiom
// (managed_stream.go) generalized to per-request cancellation.
type Queue struct {
	mu sync.Mutex

	bus         *bus.Bus
	translator  Translator
	clock       Clock
	concurrency int64
	itemTimeout time.Duration
	starvation  time.Duration
	sem         *semaphore.Weighted

	queues    map[domain.Priority][]*item
	byID      map[string]*item
	cancelFns map[string]context.CancelFunc
	active    map[domain.Priority]map[string]bool

	completed int
	timedOut  int

	wg     sync.WaitGroup
	closed bool
}

// NewQueue creates a Queue. Zero-value durations/concurrency fall back to
// spec.md defaults.
func NewQueue(b *bus.Bus, translator Translator, concurrency int, itemTimeout, starvation time.Duration, clock Clock) *Queue {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if itemTimeout <= 0 {
		itemTimeout = DefaultItemTimeout
	}
	if starvation <= 0 {
		starvation = DefaultLowStarvation
	}
	if clock == nil {
		clock = realClock{}
	}
	return &Queue{
		bus:         b,
		translator:  translator,
		clock:       clock,
		concurrency: int64(concurrency),
		itemTimeout: itemTimeout,
		starvation:  starvation,
		sem:         semaphore.NewWeighted(int64(concurrency)),
		queues: map[domain.Priority][]*item{
			domain.PriorityHigh:   nil,
			domain.PriorityNormal: nil,
			domain.PriorityLow:    nil,
		},
		byID:      make(map[string]*item),
		cancelFns: make(map[string]context.CancelFunc),
		active: map[domain.Priority]map[string]bool{
			domain.PriorityHigh:   {},
			domain.PriorityNormal: {},
			domain.PriorityLow:    {},
		},
	}
}

// Enqueue admits a request. Idempotent on RequestID: a second enqueue of an
// already-live id is a no-op (§4.5).
func (q *Queue) Enqueue(req domain.TranslationRequest) string {
	q.mu.Lock()
	if _, exists := q.byID[req.RequestID]; exists {
		q.mu.Unlock()
		return req.RequestID
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = q.clock.Now()
	}
	it := &item{req: req, state: "pending", enqueueAt: req.EnqueuedAt}
	q.byID[req.RequestID] = it
	q.queues[req.Priority] = append(q.queues[req.Priority], it)
	q.mu.Unlock()

	q.dispatch()
	return req.RequestID
}

// Cancel removes a pending request or marks an in-flight one for
// abandonment. Cancelled requests produce no result event.
func (q *Queue) Cancel(requestID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[requestID]
	if !ok || it.state == "done" || it.state == "cancelled" {
		return false
	}
	if it.state == "pending" {
		q.removeFromQueueLocked(it)
	}
	it.state = "cancelled"
	if cancel, ok := q.cancelFns[requestID]; ok {
		cancel()
	}
	return true
}

func (q *Queue) removeFromQueueLocked(it *item) {
	list := q.queues[it.req.Priority]
	for i, other := range list {
		if other == it {
			q.queues[it.req.Priority] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Stats reports current pending/in-flight/completed/timed-out counts.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{Pending: map[domain.Priority]int{}}
	inFlight := 0
	for _, it := range q.byID {
		switch it.state {
		case "pending":
			s.Pending[it.req.Priority]++
		case "in-flight":
			inFlight++
		}
	}
	s.InFlight = inFlight
	s.Completed = q.completed
	s.TimedOut = q.timedOut
	return s
}

// PromoteStarved promotes any low-priority pending item that has waited
// longer than the starvation threshold to normal. Called periodically by the
// owning pipeline loop (the queue has no internal ticking goroutine).
func (q *Queue) PromoteStarved() {
	q.mu.Lock()
	now := q.clock.Now()
	var promoted []*item
	remaining := q.queues[domain.PriorityLow][:0]
	for _, it := range q.queues[domain.PriorityLow] {
		if now.Sub(it.enqueueAt) > q.starvation {
			it.req.Priority = domain.PriorityNormal
			promoted = append(promoted, it)
		} else {
			remaining = append(remaining, it)
		}
	}
	q.queues[domain.PriorityLow] = remaining
	q.queues[domain.PriorityNormal] = append(q.queues[domain.PriorityNormal], promoted...)
	q.mu.Unlock()

	if len(promoted) > 0 {
		q.dispatch()
	}
}

// dispatch schedules pending items onto free concurrency slots, highest
// priority first, one goroutine per admitted item.
func (q *Queue) dispatch() {
	for {
		if !q.sem.TryAcquire(1) {
			return
		}
		q.mu.Lock()
		it := q.popHighestLocked()
		if it == nil {
			q.mu.Unlock()
			q.sem.Release(1)
			return
		}
		it.state = "in-flight"
		ctx, cancel := context.WithCancel(context.Background())
		q.cancelFns[it.req.RequestID] = cancel
		q.mu.Unlock()

		q.wg.Add(1)
		go q.run(ctx, cancel, it)
	}
}

// popHighestLocked returns the oldest pending item in the highest-priority
// non-empty queue whose source unit has no other in-flight request in that
// same priority (§4.5 ordering guarantee: at most one in-flight request per
// priority+source-unit pair).
func (q *Queue) popHighestLocked() *item {
	for _, p := range []domain.Priority{domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow} {
		list := q.queues[p]
		for i, it := range list {
			if q.active[p][it.req.SourceUnitID] {
				continue
			}
			q.queues[p] = append(list[:i:i], list[i+1:]...)
			q.active[p][it.req.SourceUnitID] = true
			return it
		}
	}
	return nil
}

func (q *Queue) run(ctx context.Context, cancel context.CancelFunc, it *item) {
	defer q.wg.Done()
	defer cancel()

	result, err := q.attemptWithRetry(ctx, it)

	q.mu.Lock()
	delete(q.cancelFns, it.req.RequestID)
	delete(q.active[it.req.Priority], it.req.SourceUnitID)
	cancelled := it.state == "cancelled"
	if !cancelled {
		it.state = "done"
	}
	delete(q.byID, it.req.RequestID)
	if err == nil {
		q.completed++
	}
	q.mu.Unlock()
	// Free this slot before the dispatch calls below, so they can hand it
	// straight to the next pending item.
	q.sem.Release(1)

	if cancelled {
		q.dispatch()
		return
	}
	if err != nil {
		if err == context.DeadlineExceeded {
			q.mu.Lock()
			q.timedOut++
			q.mu.Unlock()
		}
		q.publishError(it.req, err)
		return
	}
	if q.bus != nil {
		q.bus.Publish(bus.KindTranslationComplete, *result, it.req.CorrelationID)
	}
	q.dispatch()
}

func (q *Queue) publishError(req domain.TranslationRequest, err error) {
	if q.bus == nil {
		return
	}
	code := bus.ErrCodeTranslationFailed
	recoverable := false
	if err == context.DeadlineExceeded {
		code = bus.ErrCodeTranslationTimeout
		recoverable = true
	}
	q.bus.Publish(bus.KindError, bus.ErrorPayload{
		Code:          code,
		Message:       err.Error(),
		Recoverable:   recoverable,
		Fatal:         false,
		CorrelationID: req.CorrelationID,
		Context:       map[string]interface{}{"request_id": req.RequestID},
	}, req.CorrelationID)
	q.dispatch()
}

// publishTimeout emits an interim TRANSLATION_TIMEOUT error the moment one
// attempt exceeds the item timeout, independent of the request's eventual
// outcome: a retry that goes on to succeed still leaves this event on the
// bus alongside the later translation_complete (spec.md §8 scenario 3).
func (q *Queue) publishTimeout(req domain.TranslationRequest) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(bus.KindError, bus.ErrorPayload{
		Code:          bus.ErrCodeTranslationTimeout,
		Message:       "translation attempt exceeded item timeout",
		Recoverable:   true,
		CorrelationID: req.CorrelationID,
		Context:       map[string]interface{}{"request_id": req.RequestID},
	}, req.CorrelationID)
}

// publishDelta forwards one streaming-translation chunk onto the bus so
// subscribers can render progressive text ahead of the eventual
// translation_complete (spec.md §4.6, §4.8).
func (q *Queue) publishDelta(req domain.TranslationRequest, text string) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(bus.KindTranslationDelta, domain.TranslationDelta{
		RequestID:     req.RequestID,
		SourceUnitID:  req.SourceUnitID,
		Text:          text,
		CorrelationID: req.CorrelationID,
	}, req.CorrelationID)
}

// attemptWithRetry runs one translation attempt, retrying retryable
// failures (including timeout) with exponential backoff up to
// DefaultMaxRetries times (§4.5).
func (q *Queue) attemptWithRetry(ctx context.Context, it *item) (*domain.TranslationResult, error) {
	delay := DefaultRetryBaseDelay
	var lastErr error

	for attempt := 0; attempt <= DefaultMaxRetries; attempt++ {
		it.req.Attempts = attempt + 1
		result, err := q.attemptOnce(ctx, it)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable(err) {
			return nil, err
		}
		if attempt == DefaultMaxRetries {
			break
		}
		if err == context.DeadlineExceeded {
			q.publishTimeout(it.req)
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		delay *= 2
	}
	return nil, lastErr
}

func retryable(err error) bool {
	if err == context.DeadlineExceeded {
		return true
	}
	if pe, ok := err.(*ProviderError); ok {
		return pe.Retryable()
	}
	return false
}

func (q *Queue) attemptOnce(ctx context.Context, it *item) (*domain.TranslationResult, error) {
	req := it.req

	if req.SourceLanguage == req.TargetLanguage {
		return &domain.TranslationResult{
			RequestID:      req.RequestID,
			SourceUnitID:   req.SourceUnitID,
			SourceText:     req.SourceText,
			TargetText:     req.SourceText,
			SourceLanguage: req.SourceLanguage,
			TargetLanguage: req.TargetLanguage,
			ModelID:        "identity",
			QualityTier:    req.QualityTier,
			FirstPaintMs:   0,
			CompleteMs:     0,
		}, nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, q.itemTimeout)
	defer cancel()

	started := q.clock.Now()
	var targetText string
	var firstPaint time.Duration
	var err error

	if streaming, ok := q.translator.(StreamingTranslator); ok && req.QualityTier == domain.QualityRealtime {
		sawFirst := false
		targetText, err = streaming.TranslateStream(timeoutCtx, req.SourceText, req.SourceLanguage, req.TargetLanguage, func(delta string) {
			if !sawFirst {
				sawFirst = true
				firstPaint = q.clock.Now().Sub(started)
			}
			q.publishDelta(req, delta)
		})
	} else {
		targetText, err = q.translator.Translate(timeoutCtx, req.SourceText, req.SourceLanguage, req.TargetLanguage)
		firstPaint = 0
	}

	if err != nil {
		if timeoutCtx.Err() == context.DeadlineExceeded {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}

	complete := q.clock.Now().Sub(started)
	return &domain.TranslationResult{
		RequestID:      req.RequestID,
		SourceUnitID:   req.SourceUnitID,
		SourceText:     req.SourceText,
		TargetText:     targetText,
		SourceLanguage: req.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
		ModelID:        q.translator.Name(),
		QualityTier:    req.QualityTier,
		FirstPaintMs:   firstPaint.Milliseconds(),
		CompleteMs:     complete.Milliseconds(),
	}, nil
}

// Drain blocks until every in-flight and pending request has completed or
// been cancelled, or the context expires. Used by the pipeline orchestrator
// during graceful stop (spec.md §4.10).
func (q *Queue) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
