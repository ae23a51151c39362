package domain_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/storyrelay/backend/internal/domain"
	"github.com/storyrelay/backend/internal/repository"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) Types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]domain.EventType, 0, len(p.events))
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}

type fixture struct {
	clock   *fakeClock
	store   *repository.MemoryRepository
	events  *recordingPublisher
	locks   *domain.LockService
	turns   *domain.TurnService
	stories *domain.StoryService
	creator uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	clock := newFakeClock()
	store := repository.NewMemoryRepository(logger, repository.WithClock(clock.Now))
	events := &recordingPublisher{}
	return &fixture{
		clock:   clock,
		store:   store,
		events:  events,
		locks:   domain.NewLockService(store, events, domain.DefaultLeaseDuration, logger),
		turns:   domain.NewTurnService(store, events, domain.DefaultMaxTurnChars, logger),
		stories: domain.NewStoryService(store, nil, logger),
		creator: uuid.New(),
	}
}

func (f *fixture) newStory(t *testing.T) *domain.Story {
	t.Helper()
	story, err := f.stories.CreateStory(context.Background(), f.creator, domain.NewStory{
		Title:          "The Lighthouse",
		Genre:          domain.GenreFantasy,
		Tags:           []string{"sea"},
		FirstParagraph: "The lamp went dark at midnight.",
	})
	require.NoError(t, err)
	return story
}
