package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/storyrelay/backend/internal/domain"
	"github.com/storyrelay/backend/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Event streams are read-only and public.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Subscriber is one websocket connection watching a story.
type Subscriber struct {
	StoryID uuid.UUID
	UserID  uuid.UUID // zero for anonymous watchers
	Conn    *websocket.Conn
	Send    chan []byte
}

// WSEvent is the frame written to subscribers.
type WSEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WebSocketManager fans story events out to the websockets watching each
// story. It implements domain.EventPublisher.
type WebSocketManager struct {
	stories  map[uuid.UUID]map[*Subscriber]bool
	register chan *Subscriber
	done     chan struct{}
	mu       sync.RWMutex
	logger   *zap.Logger
}

func NewWebSocketManager(logger *zap.Logger) *WebSocketManager {
	return &WebSocketManager{
		stories:  make(map[uuid.UUID]map[*Subscriber]bool),
		register: make(chan *Subscriber),
		done:     make(chan struct{}),
		logger:   logger.Named("WebSocketManager"),
	}
}

// Run processes registrations until ctx is done, then closes every
// subscriber. Run must be called at most once.
func (m *WebSocketManager) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			for _, subs := range m.stories {
				for s := range subs {
					m.removeLocked(s)
				}
			}
			m.mu.Unlock()
			return

		case s := <-m.register:
			m.mu.Lock()
			if _, ok := m.stories[s.StoryID]; !ok {
				m.stories[s.StoryID] = make(map[*Subscriber]bool)
			}
			m.stories[s.StoryID][s] = true
			m.mu.Unlock()
			metrics.EventSubscribers.Inc()
			m.logger.Debug("Subscriber registered", zap.String("storyID", s.StoryID.String()))
		}
	}
}

// removeLocked drops s and closes its send channel. m.mu must be held.
func (m *WebSocketManager) removeLocked(s *Subscriber) {
	subs, ok := m.stories[s.StoryID]
	if !ok || !subs[s] {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(m.stories, s.StoryID)
	}
	close(s.Send)
	metrics.EventSubscribers.Dec()
	m.logger.Debug("Subscriber unregistered", zap.String("storyID", s.StoryID.String()))
}

// Subscribe registers s. It returns false if ctx ends first or the manager
// has stopped.
func (m *WebSocketManager) Subscribe(ctx context.Context, s *Subscriber) bool {
	select {
	case m.register <- s:
		return true
	case <-m.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Unsubscribe removes s. Safe to call more than once.
func (m *WebSocketManager) Unsubscribe(s *Subscriber) {
	m.mu.Lock()
	m.removeLocked(s)
	m.mu.Unlock()
}

// SubscriberCount returns how many subscribers watch storyID.
func (m *WebSocketManager) SubscriberCount(storyID uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.stories[storyID])
}

// Publish delivers event to the story's local subscribers.
func (m *WebSocketManager) Publish(_ context.Context, event domain.Event) {
	m.SendToStory(event.StoryID, WSEvent{Type: string(event.Type), Payload: event})
}

// SendToStory sends a message to every subscriber of a story. Subscribers
// whose buffer is full are dropped rather than blocking the sender.
func (m *WebSocketManager) SendToStory(storyID uuid.UUID, message interface{}) {
	jsonMsg, err := json.Marshal(message)
	if err != nil {
		m.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for s := range m.stories[storyID] {
		select {
		case s.Send <- jsonMsg:
		default:
			m.logger.Warn("Dropping slow subscriber", zap.String("storyID", storyID.String()))
			m.removeLocked(s)
		}
	}
}

// ReadPump discards client frames and keeps the connection alive. It
// unsubscribes when the peer goes away.
func (s *Subscriber) ReadPump(manager *WebSocketManager) {
	defer func() {
		manager.Unsubscribe(s)
		s.Conn.Close()
	}()

	s.Conn.SetReadLimit(512)
	_ = s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error {
		return s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				manager.logger.Debug("Subscriber closed unexpectedly", zap.Error(err))
			}
			return
		}
	}
}

// WritePump writes queued events, one per frame, and pings the peer.
func (s *Subscriber) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.Send:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
