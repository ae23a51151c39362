package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storyrelay/backend/internal/domain"
	"github.com/storyrelay/backend/internal/metrics"
	"github.com/storyrelay/backend/internal/middleware"
	"github.com/storyrelay/backend/pkg/response"
)

// WritingHandler serves the turn protocol: lease acquire and release, turn
// submission and story completion.
type WritingHandler struct {
	locks  *domain.LockService
	turns  *domain.TurnService
	logger *zap.Logger
}

func NewWritingHandler(locks *domain.LockService, turns *domain.TurnService, logger *zap.Logger) *WritingHandler {
	return &WritingHandler{
		locks:  locks,
		turns:  turns,
		logger: logger.Named("WritingHandler"),
	}
}

type lockResponse struct {
	Granted      bool       `json:"granted"`
	LockHolder   *uuid.UUID `json:"lock_holder,omitempty"`
	LockExpireAt time.Time  `json:"lock_expire_at"`
}

type submitTurnRequest struct {
	Content string `json:"content"`
}

type submitTurnResponse struct {
	TurnID    uuid.UUID `json:"turn_id"`
	TurnIndex int       `json:"turn_index"`
}

// AcquireLock handles POST /stories/{id}/lock
func (h *WritingHandler) AcquireLock(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}
	id, ok := storyID(w, r)
	if !ok {
		return
	}

	lease, err := h.locks.Acquire(r.Context(), id, userID)
	metrics.ObserveAcquire(err)
	if err != nil {
		writeError(w, h.logger, err, "failed to acquire lock")
		return
	}

	response.OK(w, lockResponse{Granted: true, LockHolder: &lease.Holder, LockExpireAt: lease.ExpiresAt})
}

// ReleaseLock handles DELETE /stories/{id}/lock
func (h *WritingHandler) ReleaseLock(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}
	id, ok := storyID(w, r)
	if !ok {
		return
	}

	if err := h.locks.Release(r.Context(), id, userID); err != nil {
		writeError(w, h.logger, err, "failed to release lock")
		return
	}
	response.NoContent(w)
}

// SubmitTurn handles POST /stories/{id}/turns
func (h *WritingHandler) SubmitTurn(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}
	id, ok := storyID(w, r)
	if !ok {
		return
	}

	var req submitTurnRequest
	if err := decodeJSON(r, &req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	turn, err := h.turns.Submit(r.Context(), id, userID, req.Content)
	metrics.ObserveSubmit(err)
	if err != nil {
		writeError(w, h.logger, err, "failed to submit turn")
		return
	}

	response.Created(w, submitTurnResponse{TurnID: turn.ID, TurnIndex: turn.TurnIndex})
}

// CompleteStory handles POST /stories/{id}/complete
func (h *WritingHandler) CompleteStory(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}
	id, ok := storyID(w, r)
	if !ok {
		return
	}

	story, err := h.turns.CompleteStory(r.Context(), id, userID)
	if err != nil {
		writeError(w, h.logger, err, "failed to complete story")
		return
	}
	response.OK(w, story)
}
