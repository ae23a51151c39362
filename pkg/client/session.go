package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is where a Session is in the writing flow.
type State int

const (
	Idle State = iota
	Writing
)

func (s State) String() string {
	if s == Writing {
		return "writing"
	}
	return "idle"
}

// Session drives one participant's turn on one story: take the lease,
// write while the countdown runs, then submit or give up. The countdown is
// advisory; the server checks the deadline again on submit.
type Session struct {
	client  *Client
	storyID uuid.UUID
	now     func() time.Time

	mu        sync.Mutex
	state     State
	expiresAt time.Time
}

type SessionOption func(*Session)

// WithSessionClock overrides time.Now for the countdown.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		s.now = now
	}
}

func NewSession(client *Client, storyID uuid.UUID, opts ...SessionOption) *Session {
	s := &Session{client: client, storyID: storyID, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ExpiresAt is the server's deadline for the current lease, zero when idle.
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

// Start acquires the lease and enters Writing. On *DeniedError the session
// stays Idle; the error says who holds the story and until when. Calling
// Start while Writing refreshes the lease.
func (s *Session) Start(ctx context.Context) error {
	lease, err := s.client.AcquireLock(ctx, s.storyID)
	if err != nil {
		if lostLease(err) {
			s.reset()
		}
		return err
	}

	s.mu.Lock()
	s.state = Writing
	s.expiresAt = lease.ExpiresAt
	s.mu.Unlock()
	return nil
}

// Remaining is the time left on the lease by the local clock.
func (s *Session) Remaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Writing {
		return 0
	}
	if d := s.expiresAt.Sub(s.now()); d > 0 {
		return d
	}
	return 0
}

// Countdown sends Remaining every tick until it reaches zero, the session
// leaves Writing, or ctx ends. The channel is closed when it stops.
func (s *Session) Countdown(ctx context.Context, tick time.Duration) <-chan time.Duration {
	out := make(chan time.Duration, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(tick)
		defer ticker.Stop()

		for {
			remaining := s.Remaining()
			select {
			case out <- remaining:
			case <-ctx.Done():
				return
			}
			if remaining == 0 {
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Submit sends content as the next turn. Success and lease rejections end
// the session; a lost lease is not re-acquired. Validation and transport
// failures keep it Writing so the submit can be tried again.
func (s *Session) Submit(ctx context.Context, content string) (*TurnReceipt, error) {
	if s.State() != Writing {
		return nil, ErrLockMismatch
	}

	receipt, err := s.client.SubmitTurn(ctx, s.storyID, content)
	if err != nil {
		if lostLease(err) {
			s.reset()
		}
		return nil, err
	}

	s.reset()
	return receipt, nil
}

// Cancel releases the lease if it can and always leaves the session Idle.
// A failed release is returned but harmless: the lease expires on its own.
func (s *Session) Cancel(ctx context.Context) error {
	if s.State() != Writing {
		return nil
	}
	defer s.reset()
	return s.client.ReleaseLock(ctx, s.storyID)
}

func (s *Session) reset() {
	s.mu.Lock()
	s.state = Idle
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

// lostLease reports whether err means the session can no longer write.
func lostLease(err error) bool {
	return errors.Is(err, ErrLockDenied) ||
		errors.Is(err, ErrLockMismatch) ||
		errors.Is(err, ErrStoryCompleted) ||
		errors.Is(err, ErrNotFound)
}
