// Package poller follows receipts through server-side processing and tells
// the user when each one settles.
package poller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"receiptflow/internal/core"
	applog "receiptflow/internal/log"
	"receiptflow/internal/notify"
)

const (
	DefaultInterval    = 3 * time.Second
	DefaultMaxAttempts = 100
)

// StatusFetcher returns the current backend view of one record.
type StatusFetcher interface {
	Receipt(ctx context.Context, id core.Identity, receiptID int64) (core.ProcessingRecord, error)
}

// Notifier receives one flash per settled id.
type Notifier interface {
	Add(t notify.FlashType, message string) string
}

// SettledHook is called once for every id that leaves the pending state.
// For abandoned and timed out ids the record carries only the ID and the
// last known processing status.
type SettledHook func(ctx context.Context, rec core.ProcessingRecord, state core.TrackState)

type Options struct {
	Interval    time.Duration
	MaxAttempts int
	Hook        SettledHook
}

// Summary is passed to the completion callback.
type Summary struct {
	States map[int64]core.TrackState
}

// IDs returns the ids that ended in state, sorted.
func (s Summary) IDs(state core.TrackState) []int64 {
	var out []int64
	for id, st := range s.States {
		if st == state {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Poller runs at most one polling cycle at a time. Starting a new cycle
// cancels the previous one.
type Poller struct {
	fetcher     StatusFetcher
	identity    core.Identity
	notifier    Notifier
	interval    time.Duration
	maxAttempts int
	hook        SettledHook
	logger      *applog.Logger

	mu     sync.Mutex
	active *Handle
}

func New(fetcher StatusFetcher, id core.Identity, notifier Notifier, opts Options, logger *applog.Logger) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Poller{
		fetcher:     fetcher,
		identity:    id,
		notifier:    notifier,
		interval:    opts.Interval,
		maxAttempts: opts.MaxAttempts,
		hook:        opts.Hook,
		logger:      logger.WithComponent(applog.ComponentPoller),
	}
}

// Handle controls one polling cycle.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	states    map[int64]core.TrackState
	cancelled bool
	finished  bool
}

// Cancel stops the cycle before its next request. It is idempotent and the
// completion callback never runs after it returns.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.cancelled || h.finished {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	h.states = nil
	h.mu.Unlock()
	h.cancel()
}

// Done is closed when the polling goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Pending returns the ids still being polled.
func (h *Handle) Pending() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []int64
	for id, st := range h.states {
		if !st.Settled() {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (h *Handle) isCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

func (h *Handle) set(id int64, st core.TrackState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.states != nil {
		h.states[id] = st
	}
}

// Track starts polling ids, first immediately and then every interval.
// onAllSettled runs once, on the polling goroutine, when no id is pending.
func (p *Poller) Track(ctx context.Context, ids []int64, onAllSettled func(Summary)) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		cancel: cancel,
		done:   make(chan struct{}),
		states: make(map[int64]core.TrackState),
	}

	order := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, dup := h.states[id]; dup {
			continue
		}
		h.states[id] = core.TrackPending
		order = append(order, id)
	}

	p.mu.Lock()
	prev := p.active
	p.active = h
	p.mu.Unlock()
	if prev != nil {
		p.logger.Debug("Restarting polling cycle", "pending", len(prev.Pending()))
		prev.Cancel()
	}

	p.logger.Info("Tracking receipts", "count", len(order))
	go p.run(ctx, h, order, onAllSettled)
	return h
}

func (p *Poller) run(ctx context.Context, h *Handle, ids []int64, onAllSettled func(Summary)) {
	defer close(h.done)
	defer h.cancel()

	states := make(map[int64]core.TrackState, len(ids))
	for _, id := range ids {
		states[id] = core.TrackPending
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		p.pass(ctx, h, ids, states)
		if ctx.Err() != nil || h.isCancelled() {
			return
		}
		if allSettled(states) {
			break
		}
		if attempt >= p.maxAttempts {
			p.expire(ctx, h, ids, states)
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}

	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.finished = true
	h.mu.Unlock()

	p.mu.Lock()
	if p.active == h {
		p.active = nil
	}
	p.mu.Unlock()

	if onAllSettled != nil {
		onAllSettled(Summary{States: states})
	}
}

func (p *Poller) pass(ctx context.Context, h *Handle, ids []int64, states map[int64]core.TrackState) {
	for _, id := range ids {
		if states[id].Settled() {
			continue
		}
		if ctx.Err() != nil || h.isCancelled() {
			return
		}

		rec, err := p.fetcher.Receipt(ctx, p.identity, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("Status check failed, giving up on receipt", applog.NewFields().
				WithOperation(applog.OpStatus).
				WithReceipt(id, string(core.TrackAbandoned)).
				WithError(err).ToSlice()...)
			p.settle(ctx, h, states, core.ProcessingRecord{ID: id, Status: core.StatusProcessing}, core.TrackAbandoned,
				notify.Warning, fmt.Sprintf("Could not check receipt #%d: %v", id, err))
			continue
		}

		switch rec.Status {
		case core.StatusCompleted:
			p.settle(ctx, h, states, rec, core.TrackCompleted,
				notify.Success, fmt.Sprintf("Receipt from %s processed", rec.DisplayStore()))
		case core.StatusFailed:
			p.settle(ctx, h, states, rec, core.TrackFailed,
				notify.Error, fmt.Sprintf("Receipt #%d could not be processed", id))
		}
	}
}

// expire moves every id still pending to timed out.
func (p *Poller) expire(ctx context.Context, h *Handle, ids []int64, states map[int64]core.TrackState) {
	for _, id := range ids {
		if states[id].Settled() {
			continue
		}
		p.logger.Warn("Receipt still processing after maximum attempts", "receipt_id", id, "attempts", p.maxAttempts)
		p.settle(ctx, h, states, core.ProcessingRecord{ID: id, Status: core.StatusProcessing}, core.TrackTimedOut,
			notify.Warning, fmt.Sprintf("Receipt #%d is still processing, check back later", id))
	}
}

func (p *Poller) settle(ctx context.Context, h *Handle, states map[int64]core.TrackState, rec core.ProcessingRecord, st core.TrackState, ft notify.FlashType, msg string) {
	states[rec.ID] = st
	h.set(rec.ID, st)
	p.logger.Debug("Receipt settled", applog.NewFields().WithReceipt(rec.ID, string(st)).ToSlice()...)
	if p.notifier != nil {
		p.notifier.Add(ft, msg)
	}
	if p.hook != nil {
		p.hook(ctx, rec, st)
	}
}

func allSettled(states map[int64]core.TrackState) bool {
	for _, st := range states {
		if !st.Settled() {
			return false
		}
	}
	return true
}
