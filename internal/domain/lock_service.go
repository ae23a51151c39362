package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultLeaseDuration is how long a granted write lease lasts.
const DefaultLeaseDuration = 5 * time.Minute

// LockService arbitrates the exclusive write lease on a story.
type LockService struct {
	store         StoryStore
	events        EventPublisher
	leaseDuration time.Duration
	logger        *zap.Logger
}

func NewLockService(store StoryStore, events EventPublisher, leaseDuration time.Duration, logger *zap.Logger) *LockService {
	if leaseDuration <= 0 {
		leaseDuration = DefaultLeaseDuration
	}
	if events == nil {
		events = NopPublisher{}
	}
	return &LockService{
		store:         store,
		events:        events,
		leaseDuration: leaseDuration,
		logger:        logger.Named("LockService"),
	}
}

// Acquire grants requesterID the write lease if the story is unlocked, the
// current lease has expired, or requesterID already holds it (which extends
// it). Otherwise it returns a *LeaseDeniedError describing the live lease.
func (s *LockService) Acquire(ctx context.Context, storyID, requesterID uuid.UUID) (*Lease, error) {
	logFields := []zap.Field{zap.String("storyID", storyID.String()), zap.String("requesterID", requesterID.String())}

	var granted *Lease
	err := s.store.UpdateStory(ctx, storyID, func(tx StoryTx) error {
		story := tx.Story()
		if story.IsCompleted {
			return ErrStoryCompleted
		}

		now := tx.Now()
		if current := story.ActiveLease(now); current != nil && current.Holder != requesterID {
			return &LeaseDeniedError{Current: *current}
		}

		story.SetLease(requesterID, now.Add(s.leaseDuration))
		if err := tx.Save(ctx); err != nil {
			return err
		}
		granted = story.Lease()
		return nil
	})
	if err != nil {
		var denied *LeaseDeniedError
		if errors.As(err, &denied) {
			s.logger.Debug("Lease denied", append(logFields, zap.String("holder", denied.Current.Holder.String()))...)
		} else if !errors.Is(err, ErrStoryNotFound) && !errors.Is(err, ErrStoryCompleted) {
			s.logger.Error("Failed to acquire lease", append(logFields, zap.Error(err))...)
		}
		return nil, err
	}

	s.logger.Debug("Lease granted", append(logFields, zap.Time("expiresAt", granted.ExpiresAt))...)
	s.events.Publish(ctx, Event{
		Type:    EventLockAcquired,
		StoryID: storyID,
		ActorID: requesterID,
		Lease:   granted,
		At:      time.Now().UTC(),
	})
	return granted, nil
}

// Release gives the lease up early. It only has an effect when holderID is
// the current holder; anyone else releasing is a silent no-op.
func (s *LockService) Release(ctx context.Context, storyID, holderID uuid.UUID) error {
	released := false
	err := s.store.UpdateStory(ctx, storyID, func(tx StoryTx) error {
		story := tx.Story()
		if story.LockHolder == nil || *story.LockHolder != holderID {
			return nil
		}
		story.ClearLease()
		released = true
		return tx.Save(ctx)
	})
	if err != nil {
		if !errors.Is(err, ErrStoryNotFound) {
			s.logger.Error("Failed to release lease", zap.String("storyID", storyID.String()), zap.Error(err))
		}
		return err
	}

	if released {
		s.events.Publish(ctx, Event{
			Type:    EventLockReleased,
			StoryID: storyID,
			ActorID: holderID,
			At:      time.Now().UTC(),
		})
	}
	return nil
}
