package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storyrelay/backend/internal/domain"
)

// MemoryRepository is a process-local StoryStore. Updates to one story are
// serialized by a per-story mutex, giving the same guarantees as the row
// lock in PostgresRepository.
type MemoryRepository struct {
	mu        sync.RWMutex
	stories   map[uuid.UUID]*domain.Story
	turns     map[uuid.UUID][]*domain.Turn
	epilogues map[uuid.UUID][]*domain.Epilogue
	rowLocks  map[uuid.UUID]*sync.Mutex

	now    func() time.Time
	logger *zap.Logger
}

// MemoryOption configures a MemoryRepository.
type MemoryOption func(*MemoryRepository)

// WithClock replaces the repository clock, which otherwise is time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(r *MemoryRepository) {
		r.now = now
	}
}

func NewMemoryRepository(logger *zap.Logger, opts ...MemoryOption) *MemoryRepository {
	r := &MemoryRepository{
		stories:   make(map[uuid.UUID]*domain.Story),
		turns:     make(map[uuid.UUID][]*domain.Turn),
		epilogues: make(map[uuid.UUID][]*domain.Epilogue),
		rowLocks:  make(map[uuid.UUID]*sync.Mutex),
		now:       time.Now,
		logger:    logger.Named("MemoryRepo"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *MemoryRepository) clock() time.Time {
	return r.now().UTC()
}

func (r *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (r *MemoryRepository) CreateStory(ctx context.Context, params domain.CreateStoryParams) (*domain.Story, *domain.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	now := r.clock()
	story := &domain.Story{
		ID:           uuid.New(),
		Title:        params.Title,
		Genre:        params.Genre,
		Tags:         append([]string(nil), params.Tags...),
		CreatedBy:    params.CreatedBy,
		Preview:      params.Preview,
		TurnCount:    1,
		TotalAuthors: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	turn := &domain.Turn{
		ID:        uuid.New(),
		StoryID:   story.ID,
		TurnIndex: 1,
		AuthorID:  params.CreatedBy,
		Content:   params.FirstParagraph,
		CreatedAt: now,
	}

	r.mu.Lock()
	r.stories[story.ID] = story
	r.turns[story.ID] = []*domain.Turn{turn}
	r.rowLocks[story.ID] = &sync.Mutex{}
	r.mu.Unlock()

	r.logger.Debug("Story created", zap.String("storyID", story.ID.String()))
	return story.Clone(), cloneTurn(turn), nil
}

func (r *MemoryRepository) GetStory(ctx context.Context, id uuid.UUID) (*domain.Story, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	story, ok := r.stories[id]
	if !ok {
		return nil, domain.ErrStoryNotFound
	}
	return story.Clone(), nil
}

func (r *MemoryRepository) ListTurns(ctx context.Context, storyID uuid.UUID) ([]*domain.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.stories[storyID]; !ok {
		return nil, domain.ErrStoryNotFound
	}
	turns := make([]*domain.Turn, 0, len(r.turns[storyID]))
	for _, t := range r.turns[storyID] {
		turns = append(turns, cloneTurn(t))
	}
	return turns, nil
}

func (r *MemoryRepository) ListStories(ctx context.Context, filter domain.StoryFilter) ([]*domain.Story, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	query := strings.ToLower(filter.Query)

	r.mu.RLock()
	matched := make([]*domain.Story, 0, len(r.stories))
	for _, s := range r.stories {
		if s.IsCompleted != filter.Completed {
			continue
		}
		if filter.Genre != "" && s.Genre != filter.Genre {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(s.Title), query) && !strings.Contains(strings.ToLower(s.Preview), query) {
			continue
		}
		matched = append(matched, s.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		switch {
		case filter.Sort == domain.SortLikes && a.LikeCount != b.LikeCount:
			return a.LikeCount > b.LikeCount
		case filter.Sort == domain.SortTurns && a.TurnCount != b.TurnCount:
			return a.TurnCount > b.TurnCount
		case filter.Sort == domain.SortAuthors && a.TotalAuthors != b.TotalAuthors:
			return a.TotalAuthors > b.TotalAuthors
		}
		if filter.Completed && a.CompletedAt != nil && b.CompletedAt != nil && !a.CompletedAt.Equal(*b.CompletedAt) {
			return a.CompletedAt.After(*b.CompletedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})

	total := len(matched)
	start := filter.Offset()
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < total {
		end = start + filter.Limit
	}
	return matched[start:end], total, nil
}

// CountActiveLeases returns how many stories have a lease that has not expired
func (r *MemoryRepository) CountActiveLeases(ctx context.Context) (int, error) {
	now := r.clock()
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.stories {
		if s.ActiveLease(now) != nil {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) UpdateStory(ctx context.Context, id uuid.UUID, fn func(tx domain.StoryTx) error) error {
	r.mu.RLock()
	rowLock, ok := r.rowLocks[id]
	r.mu.RUnlock()
	if !ok {
		return domain.ErrStoryNotFound
	}

	rowLock.Lock()
	defer rowLock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.RLock()
	story := r.stories[id].Clone()
	r.mu.RUnlock()

	tx := &memoryStoryTx{repo: r, story: story, now: r.clock()}
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.saved && len(tx.pending) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if tx.saved {
		r.stories[id] = tx.committed
	}
	r.turns[id] = append(r.turns[id], tx.pending...)
	return nil
}

func (r *MemoryRepository) CreateEpilogue(ctx context.Context, params domain.CreateEpilogueParams) (*domain.Epilogue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stories[params.StoryID]; !ok {
		return nil, domain.ErrStoryNotFound
	}
	e := &domain.Epilogue{
		ID:        uuid.New(),
		StoryID:   params.StoryID,
		AuthorID:  params.AuthorID,
		Content:   params.Content,
		CreatedAt: r.clock(),
	}
	r.epilogues[params.StoryID] = append(r.epilogues[params.StoryID], e)
	c := *e
	return &c, nil
}

func (r *MemoryRepository) ListEpilogues(ctx context.Context, storyID uuid.UUID) ([]*domain.Epilogue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Epilogue, 0, len(r.epilogues[storyID]))
	for _, e := range r.epilogues[storyID] {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

type memoryStoryTx struct {
	repo      *MemoryRepository
	story     *domain.Story
	now       time.Time
	pending   []*domain.Turn
	saved     bool
	committed *domain.Story
}

func (tx *memoryStoryTx) Story() *domain.Story { return tx.story }

func (tx *memoryStoryTx) Now() time.Time { return tx.now }

func (tx *memoryStoryTx) NextTurnIndex(ctx context.Context) (int, error) {
	highest := 0
	tx.repo.mu.RLock()
	for _, t := range tx.repo.turns[tx.story.ID] {
		if t.TurnIndex > highest {
			highest = t.TurnIndex
		}
	}
	tx.repo.mu.RUnlock()
	for _, t := range tx.pending {
		if t.TurnIndex > highest {
			highest = t.TurnIndex
		}
	}
	return highest + 1, nil
}

func (tx *memoryStoryTx) HasAuthored(ctx context.Context, authorID uuid.UUID) (bool, error) {
	tx.repo.mu.RLock()
	defer tx.repo.mu.RUnlock()
	for _, t := range tx.repo.turns[tx.story.ID] {
		if t.AuthorID == authorID {
			return true, nil
		}
	}
	for _, t := range tx.pending {
		if t.AuthorID == authorID {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryStoryTx) InsertTurn(ctx context.Context, turn domain.NewTurn) (*domain.Turn, error) {
	next, _ := tx.NextTurnIndex(ctx)
	if turn.TurnIndex != next {
		return nil, domain.ErrLockMismatch
	}
	t := &domain.Turn{
		ID:        uuid.New(),
		StoryID:   tx.story.ID,
		TurnIndex: turn.TurnIndex,
		AuthorID:  turn.AuthorID,
		Content:   turn.Content,
		CreatedAt: tx.now,
	}
	tx.pending = append(tx.pending, t)
	return cloneTurn(t), nil
}

func (tx *memoryStoryTx) Save(ctx context.Context) error {
	tx.story.UpdatedAt = tx.now
	tx.committed = tx.story.Clone()
	tx.saved = true
	return nil
}

func cloneTurn(t *domain.Turn) *domain.Turn {
	c := *t
	return &c
}
