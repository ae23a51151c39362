package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storyrelay/backend/internal/domain"
	"github.com/storyrelay/backend/pkg/response"
)

// writeError maps a domain error to its wire status and code. Anything
// unrecognised is logged and reported as an internal error with fallback as
// the message.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error, fallback string) {
	var denied *domain.LeaseDeniedError
	var invalid *domain.ValidationError

	switch {
	case errors.As(err, &denied):
		response.ErrorWithData(w, http.StatusConflict, response.CodeLockDenied, err.Error(), lockResponse{
			Granted:      false,
			LockHolder:   &denied.Current.Holder,
			LockExpireAt: denied.Current.ExpiresAt,
		})
	case errors.As(err, &invalid):
		response.ValidationFailed(w, "validation failed", invalid.Errors)
	case errors.Is(err, domain.ErrStoryNotFound):
		response.NotFound(w, err.Error())
	case errors.Is(err, domain.ErrStoryCompleted):
		response.Conflict(w, response.CodeAlreadyCompleted, err.Error())
	case errors.Is(err, domain.ErrLockMismatch):
		response.Conflict(w, response.CodeLockMismatch, err.Error())
	case errors.Is(err, domain.ErrNotCompleted):
		response.Conflict(w, response.CodeNotCompleted, err.Error())
	case errors.Is(err, domain.ErrNotStoryOwner):
		response.Forbidden(w, err.Error())
	case errors.Is(err, domain.ErrNoTurns):
		response.BadRequest(w, err.Error())
	default:
		logger.Error(fallback, zap.Error(err))
		response.InternalError(w, fallback)
	}
}

// storyID parses the {id} path parameter, answering 400 when it is not a
// UUID.
func storyID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid story id")
		return uuid.Nil, false
	}
	return id, true
}

const maxJSONBody = 64 << 10

// decodeJSON reads a single JSON object from the request body.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	return dec.Decode(v)
}
