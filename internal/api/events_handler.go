package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/storyrelay/backend/internal/domain"
	"github.com/storyrelay/backend/internal/middleware"
)

// EventsHandler upgrades watchers of a story to a websocket event stream.
type EventsHandler struct {
	manager *WebSocketManager
	stories domain.StoryStore
	logger  *zap.Logger
}

func NewEventsHandler(manager *WebSocketManager, stories domain.StoryStore, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{
		manager: manager,
		stories: stories,
		logger:  logger.Named("EventsHandler"),
	}
}

// Subscribe handles GET /stories/{id}/events
func (h *EventsHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	id, ok := storyID(w, r)
	if !ok {
		return
	}
	if _, err := h.stories.GetStory(r.Context(), id); err != nil {
		writeError(w, h.logger, err, "failed to get story")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		h.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}

	sub := &Subscriber{
		StoryID: id,
		Conn:    conn,
		Send:    make(chan []byte, sendBufferSize),
	}
	if userID, ok := middleware.GetUserID(r.Context()); ok {
		sub.UserID = userID
	}
	if !h.manager.Subscribe(r.Context(), sub) {
		conn.Close()
		return
	}

	go sub.WritePump()
	go sub.ReadPump(h.manager)
}
