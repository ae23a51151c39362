package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventLockAcquired   EventType = "lock.acquired"
	EventLockReleased   EventType = "lock.released"
	EventTurnSubmitted  EventType = "turn.submitted"
	EventStoryCompleted EventType = "story.completed"
)

// Event describes a committed change to a story. Events are published after
// the transaction commits and delivery is best-effort.
type Event struct {
	Type    EventType `json:"type"`
	StoryID uuid.UUID `json:"story_id"`
	ActorID uuid.UUID `json:"actor_id"`
	Lease   *Lease    `json:"lease,omitempty"`
	Turn    *Turn     `json:"turn,omitempty"`
	At      time.Time `json:"at"`
}

// EventPublisher fans story events out to watchers.
type EventPublisher interface {
	Publish(ctx context.Context, event Event)
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) {}

// Publishers fans each event out to every publisher in order.
type Publishers []EventPublisher

func (ps Publishers) Publish(ctx context.Context, event Event) {
	for _, p := range ps {
		p.Publish(ctx, event)
	}
}
