package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/LeventeLantos/whatsapp-dispatcher/internal/dispatch"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/model"
)

type fakeLister struct {
	gotPage     int
	gotPageSize int

	items []model.QueuedMessage
	total int
	err   error
}

func (f *fakeLister) ListMessages(_ context.Context, page, pageSize int) ([]model.QueuedMessage, int, error) {
	f.gotPage = page
	f.gotPageSize = pageSize
	return f.items, f.total, f.err
}

type fakeDispatcher struct {
	mu sync.Mutex

	gotIDs  []string
	gotConf dispatch.Confirmation
	gotCtx  context.Context

	result    dispatch.DispatchResult
	outcome   model.SendOutcome
	err       error
	signalErr error
	signals   []string
	snapshot  model.RunState
	events    []model.RunState
	busy      bool
}

var _ Dispatcher = (*fakeDispatcher)(nil)

func (f *fakeDispatcher) Dispatch(ctx context.Context, ids []string, conf dispatch.Confirmation) (dispatch.DispatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotCtx, f.gotIDs, f.gotConf = ctx, ids, conf
	return f.result, f.err
}

func (f *fakeDispatcher) SendSingle(ctx context.Context, id string) (model.SendOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotCtx, f.gotIDs = ctx, []string{id}
	return f.outcome, f.err
}

func (f *fakeDispatcher) Snapshot() model.RunState { return f.snapshot }

func (f *fakeDispatcher) Subscribe() (<-chan model.RunState, func()) {
	ch := make(chan model.RunState, len(f.events))
	for _, e := range f.events {
		ch <- e
	}
	close(ch)
	return ch, func() {}
}

func (f *fakeDispatcher) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, name)
	return f.signalErr
}

func (f *fakeDispatcher) RequestCancel() error { return f.record("request_cancel") }
func (f *fakeDispatcher) ConfirmCancel() error { return f.record("confirm_cancel") }
func (f *fakeDispatcher) DismissCancel() error { return f.record("dismiss_cancel") }
func (f *fakeDispatcher) Pause() error         { return f.record("pause") }
func (f *fakeDispatcher) Resume() error        { return f.record("resume") }
func (f *fakeDispatcher) Busy() bool           { return f.busy }

type fakeHistory struct {
	runs   map[string]model.RunState
	latest string
	err    error
}

func (f *fakeHistory) LoadRun(_ context.Context, runID string) (model.RunState, bool, error) {
	if f.err != nil {
		return model.RunState{}, false, f.err
	}
	s, ok := f.runs[runID]
	return s, ok, nil
}

func (f *fakeHistory) LatestRun(ctx context.Context) (model.RunState, bool, error) {
	if f.latest == "" {
		return model.RunState{}, false, f.err
	}
	return f.LoadRun(ctx, f.latest)
}

type ctxKey struct{}

func newTestServer(t *testing.T, d Dispatcher, l MessageLister) http.Handler {
	t.Helper()
	return newHistoryServer(t, d, l, nil)
}

func newHistoryServer(t *testing.T, d Dispatcher, l MessageLister, history RunHistory) http.Handler {
	t.Helper()

	base := context.WithValue(context.Background(), ctxKey{}, "base")
	h := NewHandler(base, d, l, history, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return Router(h)
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("failed to decode json: %v body=%q", err, rr.Body.String())
	}
	return m
}

func do(mux http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func runningState() model.RunState {
	return model.RunState{
		RunID: "run-1",
		Phase: model.PhaseRunning,
		Items: []model.BatchItem{
			{ID: "a", DisplayStatus: model.DisplaySent},
			{ID: "b", DisplayStatus: model.DisplayWaiting},
		},
	}
}

func TestHealth(t *testing.T) {
	mux := newTestServer(t, &fakeDispatcher{busy: true}, &fakeLister{})

	rr := do(mux, http.MethodGet, "/v1/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("expected json content-type, got %q", ct)
	}

	body := decodeJSON(t, rr)
	if body["ok"] != true || body["busy"] != true {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestListMessages_PassesPaginationAndFilters(t *testing.T) {
	lister := &fakeLister{
		items: []model.QueuedMessage{
			{ID: "1", Destination: "5511911110000", Body: "Hello Maria"},
			{ID: "2", Destination: "5511922220000", Body: "Reminder"},
			{ID: "3", Destination: "5521933330000", Body: "hello again"},
		},
		total: 42,
	}
	mux := newTestServer(t, &fakeDispatcher{}, lister)

	rr := do(mux, http.MethodGet, "/v1/messages?page=2&pageSize=3&q=HELLO", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if lister.gotPage != 2 || lister.gotPageSize != 3 {
		t.Fatalf("expected page=2 pageSize=3, got page=%d pageSize=%d", lister.gotPage, lister.gotPageSize)
	}

	body := decodeJSON(t, rr)
	items, ok := body["items"].([]any)
	if !ok {
		t.Fatalf("expected items array, got %T", body["items"])
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 filtered items, got %d", len(items))
	}
	if body["total"] != float64(42) {
		t.Fatalf("expected total 42, got %v", body["total"])
	}
}

func TestListMessages_DefaultsAndDestinationFilter(t *testing.T) {
	lister := &fakeLister{
		items: []model.QueuedMessage{
			{ID: "1", Destination: "5511911110000", Body: "a"},
			{ID: "2", Destination: "5521922220000", Body: "b"},
		},
	}
	mux := newTestServer(t, &fakeDispatcher{}, lister)

	rr := do(mux, http.MethodGet, "/v1/messages?page=abc&q=5521", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if lister.gotPage != 1 || lister.gotPageSize != 50 {
		t.Fatalf("expected defaults page=1 pageSize=50, got %d/%d", lister.gotPage, lister.gotPageSize)
	}
	items := decodeJSON(t, rr)["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
}

func TestListMessages_StoreError(t *testing.T) {
	mux := newTestServer(t, &fakeDispatcher{}, &fakeLister{err: errors.New("db down")})

	rr := do(mux, http.MethodGet, "/v1/messages", "")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "db down") {
		t.Fatalf("expected internal error details to stay hidden, got %q", rr.Body.String())
	}
}

func TestSendMessage(t *testing.T) {
	d := &fakeDispatcher{outcome: model.SendOutcome{ID: "m1", Status: model.Sent, RemoteMessageID: "wa-1"}}
	mux := newTestServer(t, d, &fakeLister{})

	rr := do(mux, http.MethodPost, "/v1/messages/m1/send", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if len(d.gotIDs) != 1 || d.gotIDs[0] != "m1" {
		t.Fatalf("expected id m1, got %v", d.gotIDs)
	}
	body := decodeJSON(t, rr)
	if body["status"] != "sent" || body["remoteMessageId"] != "wa-1" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestSendMessage_OutlivesClientDisconnect(t *testing.T) {
	d := &fakeDispatcher{outcome: model.SendOutcome{ID: "m1", Status: model.Sent}}
	mux := newTestServer(t, d, &fakeLister{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/m1/send", nil).WithContext(ctx)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if d.gotCtx == nil {
		t.Fatalf("expected SendSingle to be called")
	}
	if err := d.gotCtx.Err(); err != nil {
		t.Fatalf("expected send context detached from request, got err=%v", err)
	}
}

func TestSendMessage_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{dispatch.ErrBusy, http.StatusConflict},
		{dispatch.ErrMessageNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		mux := newTestServer(t, &fakeDispatcher{err: tc.err}, &fakeLister{})

		rr := do(mux, http.MethodPost, "/v1/messages/m1/send", "")
		if rr.Code != tc.code {
			t.Fatalf("%v: expected status %d, got %d", tc.err, tc.code, rr.Code)
		}
	}
}

func TestStartBatch_Accepted(t *testing.T) {
	d := &fakeDispatcher{
		result:   dispatch.DispatchResult{Updates: make(chan model.RunState)},
		snapshot: runningState(),
	}
	mux := newTestServer(t, d, &fakeLister{})

	rr := do(mux, http.MethodPost, "/v1/batches",
		`{"ids":["a","b"],"confirmations":{"first":true,"second":true}}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d body=%q", rr.Code, rr.Body.String())
	}
	if len(d.gotIDs) != 2 || !d.gotConf.Confirmed() {
		t.Fatalf("unexpected dispatch args ids=%v conf=%+v", d.gotIDs, d.gotConf)
	}
	if d.gotCtx.Value(ctxKey{}) != "base" {
		t.Fatalf("expected run to be bound to the base context")
	}

	body := decodeJSON(t, rr)
	run := body["run"].(map[string]any)
	if run["runId"] != "run-1" {
		t.Fatalf("unexpected run: %v", run)
	}
	counts := body["counts"].(map[string]any)
	if counts["sent"] != float64(1) || counts["waiting"] != float64(1) {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestStartBatch_SingleIDReturnsOutcome(t *testing.T) {
	out := model.SendOutcome{ID: "a", Status: model.Failed, Error: "timeout"}
	d := &fakeDispatcher{result: dispatch.DispatchResult{Outcome: &out}}
	mux := newTestServer(t, d, &fakeLister{})

	rr := do(mux, http.MethodPost, "/v1/batches", `{"ids":["a"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := decodeJSON(t, rr)
	if body["status"] != "failed" || body["error"] != "timeout" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestStartBatch_Errors(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		code int
	}{
		{"invalid json", `{`, nil, http.StatusBadRequest},
		{"missing ids", `{"confirmations":{"first":true,"second":true}}`, nil, http.StatusBadRequest},
		{"blank id", `{"ids":["a",""]}`, nil, http.StatusBadRequest},
		{"not confirmed", `{"ids":["a","b"]}`, dispatch.ErrNotConfirmed, http.StatusPreconditionRequired},
		{"busy", `{"ids":["a","b"]}`, dispatch.ErrBusy, http.StatusConflict},
		{"load failure", `{"ids":["a","b"]}`, errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := &fakeDispatcher{err: tc.err}
			mux := newTestServer(t, d, &fakeLister{})

			rr := do(mux, http.MethodPost, "/v1/batches", tc.body)
			if rr.Code != tc.code {
				t.Fatalf("expected status %d, got %d body=%q", tc.code, rr.Code, rr.Body.String())
			}
			if _, ok := decodeJSON(t, rr)["error"]; !ok {
				t.Fatalf("expected error field in body %q", rr.Body.String())
			}
		})
	}
}

func TestCurrentBatch(t *testing.T) {
	mux := newTestServer(t, &fakeDispatcher{snapshot: runningState()}, &fakeLister{})

	rr := do(mux, http.MethodGet, "/v1/batches/current", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	run := decodeJSON(t, rr)["run"].(map[string]any)
	if run["phase"] != "running" {
		t.Fatalf("expected phase running, got %v", run["phase"])
	}
}

func TestCurrentBatch_FallsBackToLatestStoredRun(t *testing.T) {
	stored := runningState()
	stored.RunID = "run-old"
	stored.Phase = model.PhaseCompleted
	history := &fakeHistory{runs: map[string]model.RunState{"run-old": stored}, latest: "run-old"}

	idle := &fakeDispatcher{snapshot: model.RunState{Phase: model.PhaseIdle}}
	rr := do(newHistoryServer(t, idle, &fakeLister{}, history), http.MethodGet, "/v1/batches/current", "")
	run := decodeJSON(t, rr)["run"].(map[string]any)
	if run["runId"] != "run-old" || run["phase"] != "completed" {
		t.Fatalf("expected stored run, got %v", run)
	}

	live := &fakeDispatcher{snapshot: runningState()}
	rr = do(newHistoryServer(t, live, &fakeLister{}, history), http.MethodGet, "/v1/batches/current", "")
	run = decodeJSON(t, rr)["run"].(map[string]any)
	if run["runId"] != "run-1" {
		t.Fatalf("expected live run to win, got %v", run["runId"])
	}

	broken := &fakeHistory{latest: "x", err: errors.New("redis down")}
	rr = do(newHistoryServer(t, idle, &fakeLister{}, broken), http.MethodGet, "/v1/batches/current", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected idle snapshot on history error, got %d", rr.Code)
	}
}

func TestGetBatch(t *testing.T) {
	stored := runningState()
	stored.RunID = "run-old"
	history := &fakeHistory{runs: map[string]model.RunState{"run-old": stored}}
	d := &fakeDispatcher{snapshot: runningState()}
	mux := newHistoryServer(t, d, &fakeLister{}, history)

	cases := []struct {
		target string
		code   int
		runID  string
	}{
		{"/v1/batches/run-1", http.StatusOK, "run-1"},
		{"/v1/batches/run-old", http.StatusOK, "run-old"},
		{"/v1/batches/nope", http.StatusNotFound, ""},
	}
	for _, tc := range cases {
		rr := do(mux, http.MethodGet, tc.target, "")
		if rr.Code != tc.code {
			t.Fatalf("%s: expected status %d, got %d", tc.target, tc.code, rr.Code)
		}
		if tc.runID != "" {
			if got := decodeJSON(t, rr)["run"].(map[string]any)["runId"]; got != tc.runID {
				t.Fatalf("%s: expected run %s, got %v", tc.target, tc.runID, got)
			}
		}
	}

	if rr := do(newTestServer(t, d, &fakeLister{}), http.MethodGet, "/v1/batches/run-old", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without history, got %d", rr.Code)
	}

	history.err = errors.New("redis down")
	if rr := do(mux, http.MethodGet, "/v1/batches/run-old", ""); rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on history error, got %d", rr.Code)
	}
}

func TestBatchSignals(t *testing.T) {
	routes := map[string]string{
		"/v1/batches/current/pause":          "pause",
		"/v1/batches/current/resume":         "resume",
		"/v1/batches/current/cancel":         "request_cancel",
		"/v1/batches/current/cancel/confirm": "confirm_cancel",
		"/v1/batches/current/cancel/dismiss": "dismiss_cancel",
	}
	for path, want := range routes {
		d := &fakeDispatcher{snapshot: runningState()}
		mux := newTestServer(t, d, &fakeLister{})

		rr := do(mux, http.MethodPost, path, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", path, rr.Code)
		}
		if len(d.signals) != 1 || d.signals[0] != want {
			t.Fatalf("%s: expected signal %q, got %v", path, want, d.signals)
		}
	}
}

func TestBatchSignals_NoActiveRun(t *testing.T) {
	mux := newTestServer(t, &fakeDispatcher{signalErr: dispatch.ErrNoActiveRun}, &fakeLister{})

	rr := do(mux, http.MethodPost, "/v1/batches/current/cancel/confirm", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestBatchEvents_StreamsUntilClosed(t *testing.T) {
	first := runningState()
	last := runningState()
	last.Phase = model.PhaseCompleted
	last.Completed = true

	mux := newTestServer(t, &fakeDispatcher{events: []model.RunState{first, last}}, &fakeLister{})

	rr := do(mux, http.MethodGet, "/v1/batches/current/events", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	out := rr.Body.String()
	if n := strings.Count(out, "event: run\n"); n != 2 {
		t.Fatalf("expected 2 events, got %d: %q", n, out)
	}
	if !strings.Contains(out, `"phase":"completed"`) {
		t.Fatalf("expected final completed event, got %q", out)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	mux := newTestServer(t, &fakeDispatcher{}, &fakeLister{})

	rr := do(mux, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Fatalf("expected prometheus exposition, got %q", rr.Body.String())
	}
}

func TestRoot(t *testing.T) {
	mux := newTestServer(t, &fakeDispatcher{}, &fakeLister{})

	rr := do(mux, http.MethodGet, "/", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "whatsapp-dispatcher" {
		t.Fatalf("unexpected root response %d %q", rr.Code, rr.Body.String())
	}
}
