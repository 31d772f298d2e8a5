package recovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const InterruptedReason = "interrupted before completion, delivery unknown"

type StaleFailer interface {
	FailStale(ctx context.Context, before time.Time, reason string) (int64, error)
}

type BusyChecker interface {
	Busy() bool
}

// Sweeper periodically fails messages stuck in the sending state, which a
// crash between the gateway call and the outcome write leaves behind.
type Sweeper struct {
	store      StaleFailer
	busy       BusyChecker
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
	log        *slog.Logger

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(store StaleFailer, busy BusyChecker, interval, staleAfter time.Duration, log *slog.Logger) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if staleAfter <= 0 {
		return nil, errors.New("staleAfter must be > 0")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		store:      store,
		busy:       busy,
		interval:   interval,
		staleAfter: staleAfter,
		now:        time.Now,
		log:        log.With("component", "recovery"),
		done:       make(chan struct{}),
	}, nil
}

func (s *Sweeper) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.log.Info("sweeper started", "interval", s.interval.String(), "stale_after", s.staleAfter.String())

		s.safeSweep(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.safeSweep(ctx)
			}
		}
	}()

	return true
}

func (s *Sweeper) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.log.Info("sweeper stopped")
	return true
}

func (s *Sweeper) IsRunning() bool {
	return s.running.Load()
}

// Sweep runs one pass. It does nothing while a send is in progress, since
// that send's record is legitimately in the sending state.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	if s.busy != nil && s.busy.Busy() {
		s.log.Debug("sweep skipped, dispatcher busy")
		return 0, nil
	}
	return s.store.FailStale(ctx, s.now().Add(-s.staleAfter), InterruptedReason)
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("sweep panic recovered", "panic", r)
		}
	}()

	start := time.Now()
	n, err := s.Sweep(ctx)
	if err != nil {
		s.log.Error("sweep failed", "err", err)
		return
	}
	if n > 0 {
		s.log.Warn("failed stale messages", "count", n)
	}
	s.log.Debug("sweep completed", "duration_ms", time.Since(start).Milliseconds())
}
