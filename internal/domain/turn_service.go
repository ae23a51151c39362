package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storyrelay/backend/pkg/validator"
)

// DefaultMaxTurnChars caps a single turn, counted in characters.
const DefaultMaxTurnChars = 500

// TurnService appends turns to stories and closes them.
type TurnService struct {
	store        StoryStore
	events       EventPublisher
	maxTurnChars int
	logger       *zap.Logger
}

func NewTurnService(store StoryStore, events EventPublisher, maxTurnChars int, logger *zap.Logger) *TurnService {
	if maxTurnChars <= 0 {
		maxTurnChars = DefaultMaxTurnChars
	}
	if events == nil {
		events = NopPublisher{}
	}
	return &TurnService{
		store:        store,
		events:       events,
		maxTurnChars: maxTurnChars,
		logger:       logger.Named("TurnService"),
	}
}

// ValidateContent trims content and checks it is a non-empty turn within
// the length cap. It returns the trimmed text.
func (s *TurnService) ValidateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", newValidationError("content", "is required")
	}
	if validator.CharCount(content) > s.maxTurnChars {
		return "", newValidationError("content", fmt.Sprintf("must be at most %d characters", s.maxTurnChars))
	}
	return content, nil
}

// Submit appends content as the next turn of the story. authorID must hold
// a live lease; the lease is consumed by a successful submit.
func (s *TurnService) Submit(ctx context.Context, storyID, authorID uuid.UUID, content string) (*Turn, error) {
	content, err := s.ValidateContent(content)
	if err != nil {
		return nil, err
	}

	logFields := []zap.Field{zap.String("storyID", storyID.String()), zap.String("authorID", authorID.String())}

	var turn *Turn
	err = s.store.UpdateStory(ctx, storyID, func(tx StoryTx) error {
		story := tx.Story()
		if story.IsCompleted {
			return ErrStoryCompleted
		}
		lease := story.ActiveLease(tx.Now())
		if lease == nil || lease.Holder != authorID {
			return ErrLockMismatch
		}

		index, err := tx.NextTurnIndex(ctx)
		if err != nil {
			return err
		}
		returning, err := tx.HasAuthored(ctx, authorID)
		if err != nil {
			return err
		}
		turn, err = tx.InsertTurn(ctx, NewTurn{TurnIndex: index, AuthorID: authorID, Content: content})
		if err != nil {
			return err
		}

		story.ClearLease()
		story.TurnCount++
		if !returning {
			story.TotalAuthors++
		}
		return tx.Save(ctx)
	})
	if err != nil {
		if errors.Is(err, ErrLockMismatch) {
			s.logger.Debug("Submit rejected, lease not held", logFields...)
		} else if !errors.Is(err, ErrStoryNotFound) && !errors.Is(err, ErrStoryCompleted) {
			s.logger.Error("Failed to submit turn", append(logFields, zap.Error(err))...)
		}
		return nil, err
	}

	s.logger.Info("Turn submitted", append(logFields, zap.Int("turnIndex", turn.TurnIndex))...)
	s.events.Publish(ctx, Event{
		Type:    EventTurnSubmitted,
		StoryID: storyID,
		ActorID: authorID,
		Turn:    turn,
		At:      turn.CreatedAt,
	})
	return turn, nil
}

// CompleteStory marks the story finished. Only its creator may do this, and
// only once it has at least one turn. Any outstanding lease is dropped.
func (s *TurnService) CompleteStory(ctx context.Context, storyID, requesterID uuid.UUID) (*Story, error) {
	var completed *Story
	err := s.store.UpdateStory(ctx, storyID, func(tx StoryTx) error {
		story := tx.Story()
		if story.CreatedBy != requesterID {
			return ErrNotStoryOwner
		}
		if story.IsCompleted {
			return ErrStoryCompleted
		}
		if story.TurnCount == 0 {
			return ErrNoTurns
		}

		now := tx.Now()
		story.IsCompleted = true
		story.CompletedAt = &now
		story.ClearLease()
		if err := tx.Save(ctx); err != nil {
			return err
		}
		completed = story.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Story completed", zap.String("storyID", storyID.String()), zap.Int("turnCount", completed.TurnCount))
	s.events.Publish(ctx, Event{
		Type:    EventStoryCompleted,
		StoryID: storyID,
		ActorID: requesterID,
		At:      time.Now().UTC(),
	})
	return completed, nil
}
