package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/LeventeLantos/whatsapp-dispatcher/internal/dispatch"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/model"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/repo"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, ids []string, conf dispatch.Confirmation) (dispatch.DispatchResult, error)
	SendSingle(ctx context.Context, id string) (model.SendOutcome, error)
	Snapshot() model.RunState
	Subscribe() (<-chan model.RunState, func())
	RequestCancel() error
	ConfirmCancel() error
	DismissCancel() error
	Pause() error
	Resume() error
	Busy() bool
}

type MessageLister interface {
	ListMessages(ctx context.Context, page, pageSize int) ([]model.QueuedMessage, int, error)
}

// RunHistory serves runs kept outside the process, so they survive restarts.
type RunHistory interface {
	LoadRun(ctx context.Context, runID string) (model.RunState, bool, error)
	LatestRun(ctx context.Context) (model.RunState, bool, error)
}

type Handler struct {
	// baseCtx outlives requests; batch runs are bound to it.
	baseCtx    context.Context
	dispatcher Dispatcher
	messages   MessageLister
	history    RunHistory
	validate   *validator.Validate
	log        *slog.Logger
}

// NewHandler builds the API handlers. history may be nil.
func NewHandler(baseCtx context.Context, d Dispatcher, m MessageLister, history RunHistory, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		baseCtx:    baseCtx,
		dispatcher: d,
		messages:   m,
		history:    history,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		log:        log.With("component", "api"),
	}
}

type startBatchRequest struct {
	IDs           []string              `json:"ids" validate:"required,min=1,dive,required"`
	Confirmations dispatch.Confirmation `json:"confirmations"`
}

type runResponse struct {
	Run    model.RunState  `json:"run"`
	Counts model.RunCounts `json:"counts"`
}

func newRunResponse(s model.RunState) runResponse {
	return runResponse{Run: s, Counts: s.Counts()}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "busy": h.dispatcher.Busy()})
}

// ListMessages returns one page of the queue. q narrows the page to messages
// whose destination or body contains it, ignoring case.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	page := parseInt(r.URL.Query().Get("page"), 1)
	pageSize := parseInt(r.URL.Query().Get("pageSize"), repo.DefaultPageSize)
	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))

	items, total, err := h.messages.ListMessages(r.Context(), page, pageSize)
	if err != nil {
		h.log.ErrorContext(r.Context(), "list messages failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	if q != "" {
		filtered := items[:0]
		for _, m := range items {
			if strings.Contains(strings.ToLower(m.Destination), q) || strings.Contains(strings.ToLower(m.Body), q) {
				filtered = append(filtered, m)
			}
		}
		items = filtered
	}
	if items == nil {
		items = []model.QueuedMessage{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":    items,
		"page":     page,
		"pageSize": pageSize,
		"total":    total,
	})
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	out, err := h.dispatcher.SendSingle(context.WithoutCancel(r.Context()), id)
	if err != nil && out.ID == "" {
		h.writeDispatchError(w, r, err)
		return
	}
	if err != nil {
		h.log.ErrorContext(r.Context(), "single send outcome not persisted", "message_id", id, "err", err)
	}
	writeJSON(w, http.StatusOK, out)
}

// StartBatch sends a single id directly and starts a run for two or more.
func (h *Handler) StartBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req startBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.WarnContext(ctx, "invalid batch request body", "err", err)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.StructCtx(ctx, req); err != nil {
		h.log.WarnContext(ctx, "batch request validation failed", "err", err)
		writeError(w, http.StatusBadRequest, fmt.Sprintf("validation error: %s", err.Error()))
		return
	}

	res, err := h.dispatcher.Dispatch(h.baseCtx, req.IDs, req.Confirmations)
	if err != nil && res.Outcome == nil {
		h.writeDispatchError(w, r, err)
		return
	}
	if res.Outcome != nil {
		if err != nil {
			h.log.ErrorContext(ctx, "single send outcome not persisted", "message_id", res.Outcome.ID, "err", err)
		}
		writeJSON(w, http.StatusOK, res.Outcome)
		return
	}

	writeJSON(w, http.StatusAccepted, newRunResponse(h.dispatcher.Snapshot()))
}

// CurrentBatch returns the live run, or the last stored one when nothing has
// run since startup.
func (h *Handler) CurrentBatch(w http.ResponseWriter, r *http.Request) {
	snap := h.dispatcher.Snapshot()
	if snap.RunID == "" && h.history != nil {
		latest, ok, err := h.history.LatestRun(r.Context())
		switch {
		case err != nil:
			h.log.WarnContext(r.Context(), "load latest run failed", "err", err)
		case ok:
			snap = latest
		}
	}
	writeJSON(w, http.StatusOK, newRunResponse(snap))
}

func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if snap := h.dispatcher.Snapshot(); snap.RunID == runID {
		writeJSON(w, http.StatusOK, newRunResponse(snap))
		return
	}
	if h.history == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	state, ok, err := h.history.LoadRun(r.Context(), runID)
	if err != nil {
		h.log.ErrorContext(r.Context(), "load run failed", "run_id", runID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, newRunResponse(state))
}

// BatchEvents streams run snapshots as Server-Sent Events until the run
// finishes or the client goes away.
func (h *Handler) BatchEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	updates, unsubscribe := h.dispatcher.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case s, ok := <-updates:
			if !ok {
				return
			}
			b, err := json.Marshal(newRunResponse(s))
			if err != nil {
				h.log.ErrorContext(r.Context(), "encode run event", "err", err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: run\ndata: %s\n\n", b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) PauseBatch(w http.ResponseWriter, r *http.Request) {
	h.signal(w, r, h.dispatcher.Pause)
}

func (h *Handler) ResumeBatch(w http.ResponseWriter, r *http.Request) {
	h.signal(w, r, h.dispatcher.Resume)
}

func (h *Handler) RequestCancel(w http.ResponseWriter, r *http.Request) {
	h.signal(w, r, h.dispatcher.RequestCancel)
}

func (h *Handler) ConfirmCancel(w http.ResponseWriter, r *http.Request) {
	h.signal(w, r, h.dispatcher.ConfirmCancel)
}

func (h *Handler) DismissCancel(w http.ResponseWriter, r *http.Request) {
	h.signal(w, r, h.dispatcher.DismissCancel)
}

func (h *Handler) signal(w http.ResponseWriter, r *http.Request, fn func() error) {
	if err := fn(); err != nil {
		h.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRunResponse(h.dispatcher.Snapshot()))
}

func (h *Handler) writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dispatch.ErrEmptySelection), errors.Is(err, dispatch.ErrBatchTooSmall):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrNotConfirmed):
		writeError(w, http.StatusPreconditionRequired, err.Error())
	case errors.Is(err, dispatch.ErrBusy), errors.Is(err, dispatch.ErrNoActiveRun):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.log.ErrorContext(r.Context(), "dispatch request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
