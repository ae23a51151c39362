package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Genres accepted for a story.
const (
	GenreFree    = "free"
	GenreFantasy = "fantasy"
	GenreSF      = "sf"
	GenreRomance = "romance"
	GenreHorror  = "horror"
)

// PreviewChars is how much of the first turn is kept as the story preview.
const PreviewChars = 200

// Story is a collaborative document ("room") and the owner of the write lease.
type Story struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	Title         string     `json:"title" db:"title"`
	Genre         string     `json:"genre" db:"genre"`
	Tags          []string   `json:"tags" db:"tags"`
	CreatedBy     uuid.UUID  `json:"created_by" db:"created_by"`
	Preview       string     `json:"preview" db:"preview"`
	CoverImageURL *string    `json:"cover_image_url,omitempty" db:"cover_image_url"`
	LockHolder    *uuid.UUID `json:"current_lock_holder,omitempty" db:"current_lock_holder"`
	LockExpireAt  *time.Time `json:"lock_expire_at,omitempty" db:"lock_expire_at"`
	LikeCount     int        `json:"like_count" db:"like_count"`
	TurnCount     int        `json:"turn_count" db:"turn_count"`
	TotalAuthors  int        `json:"total_authors" db:"total_authors"`
	IsCompleted   bool       `json:"is_completed" db:"is_completed"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// Lease returns the lease recorded on the story, expired or not.
// A story without a holder has no lease regardless of a stale expiry.
func (s *Story) Lease() *Lease {
	if s.LockHolder == nil || s.LockExpireAt == nil {
		return nil
	}
	return &Lease{StoryID: s.ID, Holder: *s.LockHolder, ExpiresAt: *s.LockExpireAt}
}

// ActiveLease returns the lease only if it is still live at now.
func (s *Story) ActiveLease(now time.Time) *Lease {
	lease := s.Lease()
	if lease == nil || lease.Expired(now) {
		return nil
	}
	return lease
}

// SetLease records holder as the exclusive writer until expiresAt.
func (s *Story) SetLease(holder uuid.UUID, expiresAt time.Time) {
	s.LockHolder = &holder
	s.LockExpireAt = &expiresAt
}

// ClearLease unlocks the story.
func (s *Story) ClearLease() {
	s.LockHolder = nil
	s.LockExpireAt = nil
}

// Clone returns a deep copy of the story.
func (s *Story) Clone() *Story {
	c := *s
	c.Tags = append([]string(nil), s.Tags...)
	if s.CoverImageURL != nil {
		v := *s.CoverImageURL
		c.CoverImageURL = &v
	}
	if s.LockHolder != nil {
		v := *s.LockHolder
		c.LockHolder = &v
	}
	if s.LockExpireAt != nil {
		v := *s.LockExpireAt
		c.LockExpireAt = &v
	}
	if s.CompletedAt != nil {
		v := *s.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// Lease is the temporary exclusive right to submit the next turn of a story.
type Lease struct {
	StoryID   uuid.UUID `json:"story_id"`
	Holder    uuid.UUID `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease is no longer valid at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Turn is one immutable paragraph of a story.
type Turn struct {
	ID        uuid.UUID `json:"id" db:"id"`
	StoryID   uuid.UUID `json:"story_id" db:"story_id"`
	TurnIndex int       `json:"turn_index" db:"turn_index"`
	AuthorID  uuid.UUID `json:"author_id" db:"author_id"`
	Content   string    `json:"content" db:"content"`
	LikeCount int       `json:"like_count" db:"like_count"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Epilogue is a reader's afterword on a completed story.
type Epilogue struct {
	ID        uuid.UUID `json:"id" db:"id"`
	StoryID   uuid.UUID `json:"story_id" db:"story_id"`
	AuthorID  uuid.UUID `json:"author_id" db:"author_id"`
	Content   string    `json:"content" db:"content"`
	LikeCount int       `json:"like_count" db:"like_count"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// StoryDetail is a story together with its ordered turns.
type StoryDetail struct {
	*Story
	Turns []*Turn `json:"turns"`
}

type CreateStoryParams struct {
	Title          string
	Genre          string
	Tags           []string
	CreatedBy      uuid.UUID
	Preview        string
	FirstParagraph string
}

type NewTurn struct {
	TurnIndex int
	AuthorID  uuid.UUID
	Content   string
}

type CreateEpilogueParams struct {
	StoryID  uuid.UUID
	AuthorID uuid.UUID
	Content  string
}

// Story list orderings.
const (
	SortLatest  = "latest"
	SortLikes   = "likes"
	SortTurns   = "turns"   // completed stories only
	SortAuthors = "authors" // completed stories only
)

// StoryFilter selects a page of stories.
type StoryFilter struct {
	Genre     string
	Query     string
	Sort      string
	Completed bool
	Page      int
	Limit     int
}

// Offset is the number of rows skipped before the requested page.
func (f StoryFilter) Offset() int {
	if f.Page < 1 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}

// StoryStore is the persistent record of stories, turns and lock metadata.
type StoryStore interface {
	// CreateStory inserts the story and its first turn atomically.
	CreateStory(ctx context.Context, params CreateStoryParams) (*Story, *Turn, error)
	GetStory(ctx context.Context, id uuid.UUID) (*Story, error)
	ListTurns(ctx context.Context, storyID uuid.UUID) ([]*Turn, error)
	ListStories(ctx context.Context, filter StoryFilter) ([]*Story, int, error)

	// UpdateStory holds the story row exclusively while fn runs. Every
	// mutation of lock state, turns and counters goes through here. If fn
	// returns an error nothing it did is persisted and the error is
	// returned unchanged.
	UpdateStory(ctx context.Context, id uuid.UUID, fn func(tx StoryTx) error) error

	CreateEpilogue(ctx context.Context, params CreateEpilogueParams) (*Epilogue, error)
	ListEpilogues(ctx context.Context, storyID uuid.UUID) ([]*Epilogue, error)

	Ping(ctx context.Context) error
}

// StoryTx is a story row held exclusively by UpdateStory.
type StoryTx interface {
	// Story is the locked row. Changes to it are written by Save.
	Story() *Story
	// Now is the store's clock for this transaction.
	Now() time.Time
	NextTurnIndex(ctx context.Context) (int, error)
	HasAuthored(ctx context.Context, authorID uuid.UUID) (bool, error)
	InsertTurn(ctx context.Context, turn NewTurn) (*Turn, error)
	Save(ctx context.Context) error
}
