package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/LeventeLantos/whatsapp-dispatcher/internal/model"
)

type storedUpdate struct {
	ID  string
	Upd model.MessageUpdate
}

type fakeStore struct {
	mu        sync.Mutex
	msgs      map[string]model.QueuedMessage
	updates   []storedUpdate
	getErr    error
	updateErr func(id string, upd model.MessageUpdate) error
}

func newFakeStore(ids ...string) *fakeStore {
	s := &fakeStore{msgs: make(map[string]model.QueuedMessage)}
	now := time.Now().UTC()
	for _, id := range ids {
		s.msgs[id] = model.QueuedMessage{
			ID:          id,
			Destination: "dest-" + id,
			Body:        "body-" + id,
			Status:      model.Pending,
			MaxAttempts: 3,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	return s
}

func (s *fakeStore) GetMessages(_ context.Context, ids []string) ([]model.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getErr != nil {
		return nil, s.getErr
	}
	var out []model.QueuedMessage
	for _, id := range ids {
		if m, ok := s.msgs[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateMessage(_ context.Context, id string, upd model.MessageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.updateErr != nil {
		if err := s.updateErr(id, upd); err != nil {
			return err
		}
	}
	m, ok := s.msgs[id]
	if !ok {
		return ErrMessageNotFound
	}
	if upd.Status != nil {
		m.Status = *upd.Status
	}
	if upd.Attempts != nil {
		m.Attempts = *upd.Attempts
	}
	if upd.LastError != nil {
		m.LastError = upd.LastError
	}
	if upd.ProcessedAt != nil {
		m.ProcessedAt = upd.ProcessedAt
	}
	if upd.SentAt != nil {
		m.SentAt = upd.SentAt
	}
	s.msgs[id] = m
	s.updates = append(s.updates, storedUpdate{ID: id, Upd: upd})
	return nil
}

func (s *fakeStore) message(id string) model.QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs[id]
}

func (s *fakeStore) updatesFor(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.updates {
		if u.ID == id {
			n++
		}
	}
	return n
}

type gatewayCall struct {
	Destination string
	Body        string
	At          time.Time
}

type fakeGateway struct {
	mu    sync.Mutex
	calls []gatewayCall
	// fail maps a destination to the error its send returns.
	fail map[string]error
	// onSend runs inside Send for the n-th call (0-based).
	onSend func(n int)
}

func (g *fakeGateway) Send(_ context.Context, destination, body string) (string, error) {
	g.mu.Lock()
	n := len(g.calls)
	g.calls = append(g.calls, gatewayCall{Destination: destination, Body: body, At: time.Now()})
	hook := g.onSend
	err := g.fail[destination]
	g.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if err != nil {
		return "", err
	}
	return "remote-" + destination, nil
}

func (g *fakeGateway) snapshot() []gatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]gatewayCall, len(g.calls))
	copy(out, g.calls)
	return out
}

type recorder struct {
	mu    sync.Mutex
	snaps []model.RunState
}

func (r *recorder) Observe(_ context.Context, s model.RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) all() []model.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.RunState, len(r.snaps))
	copy(out, r.snaps)
	return out
}

type sentCache struct {
	mu   sync.Mutex
	sent map[string]string
}

func (c *sentCache) StoreSent(_ context.Context, id, remoteID string, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sent == nil {
		c.sent = make(map[string]string)
	}
	c.sent[id] = remoteID
	return nil
}

func (c *sentCache) get(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[id]
}

func testOptions(tick time.Duration, minSec, maxSec int) Options {
	return Options{
		MinInterval:  minSec,
		MaxInterval:  maxSec,
		Tick:         tick,
		NextInterval: FixedInterval(minSec),
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

var both = Confirmation{First: true, Second: true}

func drain(t *testing.T, ch <-chan model.RunState) model.RunState {
	t.Helper()

	var last model.RunState
	timeout := time.After(5 * time.Second)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return last
			}
			last = s
		case <-timeout:
			t.Fatalf("run did not finish in time")
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitIdle(t *testing.T, c *Controller) {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool { return !c.Busy() }, "controller to become idle")
}

var errTimeout = errors.New("timeout")
