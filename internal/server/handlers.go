package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/conductor/internal/eventbus"
	"github.com/ashita-ai/conductor/internal/model"
	"github.com/ashita-ai/conductor/internal/service/branches"
	"github.com/ashita-ai/conductor/internal/service/engine"
	"github.com/ashita-ai/conductor/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	engine              *engine.Engine
	branches            *branches.Service
	store               storage.Store
	bus                 *eventbus.Bus
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	keepalive           time.Duration
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Engine              *engine.Engine
	Branches            *branches.Service
	Store               storage.Store
	Bus                 *eventbus.Bus
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	// SSEKeepalive is the interval between keepalive comments on event
	// streams. Zero means 15 seconds.
	SSEKeepalive time.Duration
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	keepalive := d.SSEKeepalive
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	return &Handlers{
		engine:              d.Engine,
		branches:            d.Branches,
		store:               d.Store,
		bus:                 d.Bus,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		keepalive:           keepalive,
	}
}

// HandleCreateThread handles POST /v1/threads.
func (h *Handlers) HandleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req model.CreateThreadRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !identity(r).CanSee(req.WorkspaceID) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "token is scoped to another workspace")
		return
	}
	th, b, err := h.branches.CreateThread(r.Context(), req.WorkspaceID, req.Title)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, model.CreateThreadResponse{Thread: th, Branch: b})
}

// HandleForkBranch handles POST /v1/branches/{branch_id}/fork.
func (h *Handlers) HandleForkBranch(w http.ResponseWriter, r *http.Request) {
	b, ok := h.loadBranch(w, r)
	if !ok {
		return
	}
	var req model.ForkBranchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	fork, err := h.branches.ForkBranch(r.Context(), branches.ForkInput{
		BranchID:      b.ID,
		FromMessageID: req.FromMessageID,
		Name:          req.Name,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, fork)
}

// HandleListMessages handles GET /v1/branches/{branch_id}/messages.
func (h *Handlers) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	b, ok := h.loadBranch(w, r)
	if !ok {
		return
	}
	msgs, err := h.branches.Messages(r.Context(), b.ID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, r, http.StatusOK, msgs)
}

// HandleSendMessage handles POST /v1/branches/{branch_id}/messages.
func (h *Handlers) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	b, ok := h.loadBranch(w, r)
	if !ok {
		return
	}
	var req model.SendMessageRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	resp, err := h.engine.SendMessage(r.Context(), engine.SendInput{
		BranchID: b.ID,
		Content:  req.Content,
		Mode:     req.Mode,
		Policy:   req.Policy,
		Actor:    identity(r).Actor,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if resp.Outcome == engine.OutcomeStarted {
		status = http.StatusCreated
	}
	writeJSON(w, r, status, resp)
}

// HandleInterrupt handles POST /v1/branches/{branch_id}/interrupt.
func (h *Handlers) HandleInterrupt(w http.ResponseWriter, r *http.Request) {
	b, ok := h.loadBranch(w, r)
	if !ok {
		return
	}
	cancelled, next, err := h.engine.Interrupt(r.Context(), b.ID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if cancelled == nil {
		cancelled = []uuid.UUID{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"cancelled_run_ids": cancelled,
		"next_run":          next,
	})
}

// HandleScheduledLoop handles POST /v1/branches/{branch_id}/loop.
func (h *Handlers) HandleScheduledLoop(w http.ResponseWriter, r *http.Request) {
	b, ok := h.loadBranch(w, r)
	if !ok {
		return
	}
	var req model.ScheduledLoopRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	run, err := h.engine.RunScheduled(r.Context(), engine.ScheduledInput{
		BranchID: b.ID,
		Prompt:   req.Prompt,
		Policy:   req.Policy,
		Actor:    identity(r).Actor,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, run)
}

// HandleListRuns handles GET /v1/branches/{branch_id}/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	b, ok := h.loadBranch(w, r)
	if !ok {
		return
	}
	runs, err := h.engine.ListRuns(r.Context(), b.ID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, runs)
}

// HandleListQueue handles GET /v1/branches/{branch_id}/queue.
func (h *Handlers) HandleListQueue(w http.ResponseWriter, r *http.Request) {
	b, ok := h.loadBranch(w, r)
	if !ok {
		return
	}
	items, err := h.engine.ListQueue(r.Context(), b.ID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, items)
}

// HandleListEvents handles GET /v1/branches/{branch_id}/events.
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	b, ok := h.loadBranch(w, r)
	if !ok {
		return
	}
	after, err := queryInt64(r, "after_seq")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	limit := queryLimit(r, 100)
	evs, err := h.engine.ListEvents(r.Context(), b.ID, after, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, evs)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	view, err := h.engine.GetRun(r.Context(), runID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if !h.branchVisible(w, r, view.Run.BranchID) {
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

// HandleResolveDecision handles POST /v1/runs/{run_id}/decisions/{decision_id}.
func (h *Handlers) HandleResolveDecision(w http.ResponseWriter, r *http.Request) {
	runID, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	decisionID, err := pathUUID(r, "decision_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.ResolveDecisionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	run, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.writeInternalError(w, r, "failed to load run", err)
		return
	}
	if !h.branchVisible(w, r, run.BranchID) {
		return
	}
	dec, err := h.engine.ResolveDecision(r.Context(), engine.ResolveInput{
		RunID:      runID,
		DecisionID: decisionID,
		OptionID:   req.OptionID,
		Note:       req.Note,
		Actor:      identity(r).Actor,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, dec)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storageStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		storageStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:      status,
		Version:     h.version,
		Storage:     storageStatus,
		ActiveRuns:  h.engine.ActiveExecutions(),
		Subscribers: h.bus.Total(),
		Uptime:      int64(time.Since(h.startedAt).Seconds()),
	})
}

// loadBranch resolves the {branch_id} path value and checks the caller
// may see it. It writes the error response and returns false on failure.
func (h *Handlers) loadBranch(w http.ResponseWriter, r *http.Request) (model.Branch, bool) {
	id, err := pathUUID(r, "branch_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return model.Branch{}, false
	}
	b, err := h.branches.GetBranch(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return model.Branch{}, false
	}
	if !visible(r, b) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "branch not found")
		return model.Branch{}, false
	}
	return b, true
}

func (h *Handlers) branchVisible(w http.ResponseWriter, r *http.Request, branchID uuid.UUID) bool {
	b, err := h.branches.GetBranch(r.Context(), branchID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return false
	}
	if !visible(r, b) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return false
	}
	return true
}

// visible hides branches of other workspaces from scoped tokens.
func visible(r *http.Request, b model.Branch) bool {
	return identity(r).CanSee(b.WorkspaceID)
}

// writeServiceError maps engine and branch service errors onto responses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrBranchNotFound), errors.Is(err, branches.ErrBranchNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "branch not found")
	case errors.Is(err, branches.ErrThreadNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "thread not found")
	case errors.Is(err, engine.ErrRunNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
	case errors.Is(err, engine.ErrDecisionNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "decision not found")
	case errors.Is(err, branches.ErrMessageNotFound):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "from_message_id is not part of the branch")
	case errors.Is(err, engine.ErrEmptyMessage), errors.Is(err, engine.ErrUnknownOption),
		errors.Is(err, branches.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, engine.ErrDecisionResolved), errors.Is(err, engine.ErrRunNotWaiting),
		errors.Is(err, engine.ErrBranchBusy):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, engine.ErrClosed):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "server is shutting down")
	default:
		h.writeInternalError(w, r, "internal error", err)
	}
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

func pathUUID(r *http.Request, key string) (uuid.UUID, error) {
	raw := r.PathValue(key)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", key, raw)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = engine.MaxEventPage

// queryLimit returns a limit clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := defaultVal
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	return max(1, min(limit, maxQueryLimit))
}

func queryInt64(r *http.Request, key string) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: expected a non-negative integer", key)
	}
	return n, nil
}
