package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/whatsapp-dispatcher/internal/model"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/repo"
)

var (
	ErrEmptySelection  = errors.New("no messages selected")
	ErrBatchTooSmall   = errors.New("a batch run needs at least two messages")
	ErrNotConfirmed    = errors.New("batch run requires both confirmations")
	ErrBusy            = errors.New("a send is already in progress")
	ErrNoActiveRun     = errors.New("no active batch run")
	ErrMessageNotFound = repo.ErrMessageNotFound
)

const persistTimeout = 10 * time.Second

type Gateway interface {
	Send(ctx context.Context, destination, body string) (string, error)
}

type Store interface {
	GetMessages(ctx context.Context, ids []string) ([]model.QueuedMessage, error)
	UpdateMessage(ctx context.Context, id string, upd model.MessageUpdate) error
}

// Observer receives every emitted run snapshot, in order.
type Observer interface {
	Observe(ctx context.Context, state model.RunState)
}

type SentRecorder interface {
	StoreSent(ctx context.Context, messageID, remoteMessageID string, sentAt time.Time) error
}

// Confirmation is the two-step operator approval a batch run needs.
type Confirmation struct {
	First  bool `json:"first"`
	Second bool `json:"second"`
}

func (c Confirmation) Confirmed() bool { return c.First && c.Second }

type Options struct {
	MinInterval int // seconds
	MaxInterval int // seconds
	// Tick is the length of one countdown second.
	Tick         time.Duration
	NextInterval IntervalFunc
	Now          func() time.Time
	Logger       *slog.Logger
	Observers    []Observer
	SentCache    SentRecorder
}

type Controller struct {
	store   Store
	gateway Gateway
	opts    Options
	log     *slog.Logger

	busy atomic.Bool

	emitMu sync.Mutex

	mu         sync.Mutex
	state      model.RunState
	active     bool
	wake       chan struct{}
	lastSendAt time.Time
	done       chan struct{}
	subs       map[int]chan model.RunState
	nextSub    int
}

func NewController(store Store, gateway Gateway, opts Options) *Controller {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.NextInterval == nil {
		opts.NextInterval = RandomInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxInterval < opts.MinInterval {
		opts.MaxInterval = opts.MinInterval
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Controller{
		store:   store,
		gateway: gateway,
		opts:    opts,
		log:     log.With("component", "dispatch"),
		state:   model.RunState{Phase: model.PhaseIdle},
		wake:    make(chan struct{}),
		subs:    make(map[int]chan model.RunState),
	}
}

// Busy reports whether a batch run or a single send is in progress.
func (c *Controller) Busy() bool { return c.busy.Load() }

// RunBatch starts a sequential run over ids in the given order. The returned
// channel yields run snapshots and is closed after the final one.
func (c *Controller) RunBatch(ctx context.Context, ids []string, conf Confirmation) (<-chan model.RunState, error) {
	switch {
	case len(ids) == 0:
		return nil, ErrEmptySelection
	case len(ids) == 1:
		return nil, ErrBatchTooSmall
	case !conf.Confirmed():
		return nil, ErrNotConfirmed
	}

	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}

	selection := slices.Clone(ids)
	msgs, err := c.store.GetMessages(ctx, selection)
	if err != nil {
		c.busy.Store(false)
		return nil, fmt.Errorf("load selection: %w", err)
	}

	cache := make(map[string]model.QueuedMessage, len(msgs))
	for _, m := range msgs {
		cache[m.ID] = m
	}

	items := make([]model.BatchItem, len(selection))
	for i, id := range selection {
		items[i] = model.BatchItem{ID: id, DisplayStatus: model.DisplayWaiting}
		if m, ok := cache[id]; ok {
			items[i].Destination = m.Destination
		}
	}

	c.emitMu.Lock()
	c.mu.Lock()
	c.state = model.RunState{
		RunID:     uuid.NewString(),
		Phase:     model.PhaseRunning,
		Items:     items,
		StartedAt: c.opts.Now().UTC(),
	}
	c.active = true
	c.wake = make(chan struct{})
	c.done = make(chan struct{})
	updates := c.subscribeLocked()
	runID := c.state.RunID
	c.mu.Unlock()
	c.emitMu.Unlock()

	c.log.Info("batch run started", "run_id", runID, "size", len(selection))

	c.emit(ctx)
	go c.loop(ctx, selection, cache)

	return updates, nil
}

func (c *Controller) loop(ctx context.Context, ids []string, cache map[string]model.QueuedMessage) {
	defer c.finish(ctx)

	for i, id := range ids {
		if c.cancelled() || ctx.Err() != nil {
			return
		}
		if !c.enforceSpacing(ctx) || !c.awaitResume(ctx) {
			return
		}

		c.mu.Lock()
		c.state.CurrentIndex = i
		c.mu.Unlock()

		c.process(ctx, i, id, cache)

		if i == len(ids)-1 {
			return
		}

		gap := c.opts.NextInterval(c.opts.MinInterval, c.opts.MaxInterval)
		if !c.countdown(ctx, gap) {
			return
		}
	}
}

func (c *Controller) process(ctx context.Context, i int, id string, cache map[string]model.QueuedMessage) {
	msg, ok := cache[id]
	if !ok {
		c.log.Warn("selected message not found", "message_id", id)
		messagesProcessedCounter.WithLabelValues(modeBatch, outcomeNotFound).Inc()
		c.project(ctx, i, model.DisplayFailed, ErrMessageNotFound.Error())
		return
	}

	msg.Attempts++
	cache[id] = msg
	if err := c.persist(ctx, id, model.SendingUpdate(msg.Attempts)); err != nil {
		c.log.Error("failed to mark message sending", "message_id", id, "err", err)
		messagesProcessedCounter.WithLabelValues(modeBatch, outcomeFailed).Inc()
		c.project(ctx, i, model.DisplayFailed, err.Error())
		return
	}
	c.project(ctx, i, model.DisplaySending, "")

	remoteID, err := c.send(ctx, modeBatch, msg)
	now := c.opts.Now()

	if err != nil {
		reason := err.Error()
		c.log.Warn("message send failed", "message_id", id, "err", reason)
		if perr := c.persistOutcome(ctx, id, model.FailedUpdate(reason, now)); perr != nil {
			c.log.Error("failed to mark message failed", "message_id", id, "err", perr)
		}
		messagesProcessedCounter.WithLabelValues(modeBatch, outcomeFailed).Inc()
		c.project(ctx, i, model.DisplayFailed, reason)
		return
	}

	c.mu.Lock()
	c.lastSendAt = time.Now()
	c.mu.Unlock()

	if err := c.persistOutcome(ctx, id, model.SentUpdate(now)); err != nil {
		c.log.Error("failed to mark message sent", "message_id", id, "err", err)
		messagesProcessedCounter.WithLabelValues(modeBatch, outcomeFailed).Inc()
		c.project(ctx, i, model.DisplayFailed, err.Error())
		return
	}
	c.recordRemoteID(ctx, id, remoteID, now)

	c.log.Info("message sent", "message_id", id, "remote_id", remoteID)
	messagesProcessedCounter.WithLabelValues(modeBatch, outcomeSent).Inc()
	c.project(ctx, i, model.DisplaySent, "")
}

// send is never interrupted by cancellation; the gateway's own timeout bounds
// it.
func (c *Controller) send(ctx context.Context, mode string, msg model.QueuedMessage) (string, error) {
	start := time.Now()
	remoteID, err := c.gateway.Send(context.WithoutCancel(ctx), msg.Destination, msg.Body)
	gatewayRequestDurationHist.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	return remoteID, err
}

// persist writes even when ctx is already cancelled so an outcome reached
// during shutdown is still recorded.
func (c *Controller) persist(ctx context.Context, id string, upd model.MessageUpdate) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	return c.store.UpdateMessage(ctx, id, upd)
}

// persistOutcome retries a failed outcome write once. A record left in
// sending is later swept as interrupted.
func (c *Controller) persistOutcome(ctx context.Context, id string, upd model.MessageUpdate) error {
	err := c.persist(ctx, id, upd)
	if err == nil || errors.Is(err, ErrMessageNotFound) {
		return err
	}
	c.log.Warn("retrying outcome write", "message_id", id, "err", err)
	return c.persist(ctx, id, upd)
}

func (c *Controller) recordRemoteID(ctx context.Context, id, remoteID string, at time.Time) {
	if c.opts.SentCache == nil || remoteID == "" {
		return
	}
	if err := c.opts.SentCache.StoreSent(context.WithoutCancel(ctx), id, remoteID, at); err != nil {
		c.log.Warn("failed to cache remote message id", "message_id", id, "err", err)
	}
}

func (c *Controller) project(ctx context.Context, i int, status model.DisplayStatus, errMsg string) {
	c.mu.Lock()
	c.state.Items[i].DisplayStatus = status
	c.state.Items[i].ErrorMessage = errMsg
	c.mu.Unlock()
	c.emit(ctx)
}

func (c *Controller) cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.CancelRequested
}

// awaitResume holds the loop while paused. It returns false when the run
// must stop.
func (c *Controller) awaitResume(ctx context.Context) bool {
	for {
		c.mu.Lock()
		if c.state.CancelRequested {
			c.mu.Unlock()
			return false
		}
		if !c.state.Paused {
			c.mu.Unlock()
			return true
		}
		wake := c.wake
		c.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return false
		}
	}
}

// enforceSpacing blocks until MinInterval ticks have passed since the last
// successful send, whatever the randomized gap was.
func (c *Controller) enforceSpacing(ctx context.Context) bool {
	floor := time.Duration(c.opts.MinInterval) * c.opts.Tick

	for {
		c.mu.Lock()
		if c.state.CancelRequested {
			c.mu.Unlock()
			return false
		}
		last := c.lastSendAt
		wake := c.wake
		c.mu.Unlock()

		if last.IsZero() {
			return true
		}
		wait := floor - time.Since(last)
		if wait <= 0 {
			return true
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-wake:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}
}

// countdown exposes the remaining seconds once per tick. A pause freezes the
// current value; resuming continues from it. A wake-up mid-tick only waits
// out what is left of that tick.
func (c *Controller) countdown(ctx context.Context, seconds int) bool {
	remaining := seconds
	left := c.opts.Tick
	for {
		c.mu.Lock()
		if c.state.CancelRequested {
			c.state.CountdownSeconds = 0
			c.mu.Unlock()
			c.emit(ctx)
			return false
		}
		c.state.CountdownSeconds = remaining
		paused := c.state.Paused
		wake := c.wake
		c.mu.Unlock()

		c.emit(ctx)
		if remaining <= 0 {
			return true
		}

		if paused {
			select {
			case <-wake:
			case <-ctx.Done():
				return false
			}
			continue
		}

		start := time.Now()
		timer := time.NewTimer(left)
		select {
		case <-timer.C:
			remaining--
			left = c.opts.Tick
		case <-wake:
			timer.Stop()
			if left -= time.Since(start); left <= 0 {
				remaining--
				left = c.opts.Tick
			}
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}
}

func (c *Controller) finish(ctx context.Context) {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.state.CancelRequested = true
	}
	outcome := model.PhaseCompleted
	if c.state.CancelRequested {
		outcome = model.PhaseCancelled
	}
	finished := c.opts.Now().UTC()
	c.state.Phase = outcome
	c.state.Completed = true
	c.state.Paused = false
	c.state.CancelPending = false
	c.state.CountdownSeconds = 0
	c.state.FinishedAt = &finished
	counts := c.state.Counts()
	runID := c.state.RunID
	done := c.done
	c.mu.Unlock()

	c.emit(ctx)

	c.emitMu.Lock()
	c.mu.Lock()
	c.active = false
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.mu.Unlock()
	c.emitMu.Unlock()

	batchRunsCounter.WithLabelValues(string(outcome)).Inc()
	c.log.Info("batch run finished",
		"run_id", runID,
		"outcome", outcome,
		"sent", counts.Sent,
		"failed", counts.Failed,
		"untouched", counts.Waiting,
	)

	c.busy.Store(false)
	close(done)
}

// Wait blocks until the current run, if any, has finished.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestCancel freezes the run until the cancellation is confirmed or
// dismissed.
func (c *Controller) RequestCancel() error {
	return c.signal(func(s *model.RunState) {
		if !s.CancelRequested {
			s.Paused = true
			s.CancelPending = true
		}
	})
}

func (c *Controller) ConfirmCancel() error {
	return c.signal(func(s *model.RunState) {
		s.CancelRequested = true
		s.CancelPending = false
		s.Paused = false
	})
}

// DismissCancel resumes a run frozen by RequestCancel. It has no effect once
// the cancellation is confirmed.
func (c *Controller) DismissCancel() error {
	return c.signal(func(s *model.RunState) {
		if !s.CancelRequested {
			s.Paused = false
			s.CancelPending = false
		}
	})
}

func (c *Controller) Pause() error {
	return c.signal(func(s *model.RunState) {
		if !s.CancelRequested {
			s.Paused = true
		}
	})
}

func (c *Controller) Resume() error {
	return c.DismissCancel()
}

func (c *Controller) signal(apply func(*model.RunState)) error {
	c.mu.Lock()
	if !c.active || c.state.Completed {
		c.mu.Unlock()
		return ErrNoActiveRun
	}
	apply(&c.state)
	if c.state.Paused {
		c.state.Phase = model.PhasePaused
	} else {
		c.state.Phase = model.PhaseRunning
	}
	close(c.wake)
	c.wake = make(chan struct{})
	c.mu.Unlock()

	c.emit(context.Background())
	return nil
}

// Snapshot returns a copy of the current (or most recent) run state.
func (c *Controller) Snapshot() model.RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Subscribe returns a channel that always holds the newest snapshot. It is
// primed with the current state and closed when the active run finishes, or
// right away when no run is active.
func (c *Controller) Subscribe() (<-chan model.RunState, func()) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		ch := make(chan model.RunState, 1)
		ch <- c.state.Clone()
		close(ch)
		return ch, func() {}
	}

	id := c.nextSub
	ch := c.subscribeLocked()
	return ch, func() { c.unsubscribe(id) }
}

// subscribeLocked must be called with emitMu and mu held.
func (c *Controller) subscribeLocked() chan model.RunState {
	ch := make(chan model.RunState, 1)
	ch <- c.state.Clone()
	c.subs[c.nextSub] = ch
	c.nextSub++
	return ch
}

func (c *Controller) unsubscribe(id int) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.subs[id]; ok {
		close(ch)
		delete(c.subs, id)
	}
}

func (c *Controller) emit(ctx context.Context) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	snap := c.state.Clone()
	subs := make([]chan model.RunState, 0, len(c.subs))
	for _, ch := range c.subs {
		subs = append(subs, ch)
	}
	c.mu.Unlock()

	for _, ch := range subs {
		offer(ch, snap)
	}

	countdownGauge.Set(float64(snap.CountdownSeconds))

	if len(c.opts.Observers) == 0 {
		return
	}
	octx := context.WithoutCancel(ctx)
	for _, o := range c.opts.Observers {
		o.Observe(octx, snap)
	}
}

// offer replaces any unread snapshot with s. Only emit sends, under emitMu.
func offer(ch chan model.RunState, s model.RunState) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
