package repository_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/storyrelay/backend/internal/domain"
)

type leaseCounter interface {
	CountActiveLeases(ctx context.Context) (int, error)
}

// testStoryStore exercises behaviour every StoryStore must share.
func testStoryStore(t *testing.T, store domain.StoryStore) {
	ctx := context.Background()

	create := func(t *testing.T, title string) (*domain.Story, uuid.UUID) {
		t.Helper()
		creator := uuid.New()
		story, turn, err := store.CreateStory(ctx, domain.CreateStoryParams{
			Title:          title,
			Genre:          domain.GenreSF,
			Tags:           []string{"space"},
			CreatedBy:      creator,
			Preview:        "It began on Europa.",
			FirstParagraph: "It began on Europa.",
		})
		require.NoError(t, err)
		require.Equal(t, 1, turn.TurnIndex)
		return story, creator
	}

	t.Run("create and read back", func(t *testing.T) {
		story, creator := create(t, "Europa")
		assert.Equal(t, 1, story.TurnCount)
		assert.Equal(t, 1, story.TotalAuthors)
		assert.Nil(t, story.Lease())

		got, err := store.GetStory(ctx, story.ID)
		require.NoError(t, err)
		assert.Equal(t, "Europa", got.Title)
		assert.Equal(t, []string{"space"}, got.Tags)
		assert.Equal(t, creator, got.CreatedBy)

		turns, err := store.ListTurns(ctx, story.ID)
		require.NoError(t, err)
		require.Len(t, turns, 1)
		assert.Equal(t, creator, turns[0].AuthorID)
	})

	t.Run("unknown story", func(t *testing.T) {
		_, err := store.GetStory(ctx, uuid.New())
		assert.ErrorIs(t, err, domain.ErrStoryNotFound)
		_, err = store.ListTurns(ctx, uuid.New())
		assert.ErrorIs(t, err, domain.ErrStoryNotFound)
		err = store.UpdateStory(ctx, uuid.New(), func(domain.StoryTx) error { return nil })
		assert.ErrorIs(t, err, domain.ErrStoryNotFound)
		_, err = store.CreateEpilogue(ctx, domain.CreateEpilogueParams{StoryID: uuid.New(), AuthorID: uuid.New(), Content: "x"})
		assert.ErrorIs(t, err, domain.ErrStoryNotFound)
	})

	t.Run("failed update persists nothing", func(t *testing.T) {
		story, _ := create(t, "Rollback")
		boom := errors.New("boom")

		err := store.UpdateStory(ctx, story.ID, func(tx domain.StoryTx) error {
			next, err := tx.NextTurnIndex(ctx)
			require.NoError(t, err)
			require.Equal(t, 2, next)
			_, err = tx.InsertTurn(ctx, domain.NewTurn{TurnIndex: next, AuthorID: uuid.New(), Content: "lost"})
			require.NoError(t, err)
			tx.Story().SetLease(uuid.New(), tx.Now().Add(time.Minute))
			tx.Story().TurnCount++
			require.NoError(t, tx.Save(ctx))
			return boom
		})
		assert.Same(t, boom, err)

		got, err := store.GetStory(ctx, story.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.TurnCount)
		assert.Nil(t, got.Lease())
		turns, err := store.ListTurns(ctx, story.ID)
		require.NoError(t, err)
		assert.Len(t, turns, 1)
	})

	t.Run("duplicate turn index is rejected", func(t *testing.T) {
		story, _ := create(t, "Duplicate")
		err := store.UpdateStory(ctx, story.ID, func(tx domain.StoryTx) error {
			_, err := tx.InsertTurn(ctx, domain.NewTurn{TurnIndex: 1, AuthorID: uuid.New(), Content: "again"})
			return err
		})
		assert.ErrorIs(t, err, domain.ErrLockMismatch)
	})

	t.Run("lease round trip and authorship", func(t *testing.T) {
		story, creator := create(t, "Lease")
		holder := uuid.New()
		var expires time.Time

		require.NoError(t, store.UpdateStory(ctx, story.ID, func(tx domain.StoryTx) error {
			expires = tx.Now().Add(time.Minute)
			tx.Story().SetLease(holder, expires)
			return tx.Save(ctx)
		}))

		got, err := store.GetStory(ctx, story.ID)
		require.NoError(t, err)
		lease := got.Lease()
		require.NotNil(t, lease)
		assert.Equal(t, holder, lease.Holder)
		assert.WithinDuration(t, expires, lease.ExpiresAt, time.Millisecond)

		if counter, ok := store.(leaseCounter); ok {
			n, err := counter.CountActiveLeases(ctx)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, n, 1)
		}

		require.NoError(t, store.UpdateStory(ctx, story.ID, func(tx domain.StoryTx) error {
			wrote, err := tx.HasAuthored(ctx, creator)
			require.NoError(t, err)
			assert.True(t, wrote)
			wrote, err = tx.HasAuthored(ctx, holder)
			require.NoError(t, err)
			assert.False(t, wrote)
			return nil
		}))
	})

	t.Run("updates on one story are serialised", func(t *testing.T) {
		story, _ := create(t, "Serial")
		const writers = 16

		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.UpdateStory(ctx, story.ID, func(tx domain.StoryTx) error {
					next, err := tx.NextTurnIndex(ctx)
					if err != nil {
						return err
					}
					if _, err := tx.InsertTurn(ctx, domain.NewTurn{TurnIndex: next, AuthorID: uuid.New(), Content: "step"}); err != nil {
						return err
					}
					tx.Story().TurnCount++
					return tx.Save(ctx)
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := store.GetStory(ctx, story.ID)
		require.NoError(t, err)
		assert.Equal(t, writers+1, got.TurnCount)

		turns, err := store.ListTurns(ctx, story.ID)
		require.NoError(t, err)
		require.Len(t, turns, writers+1)
		for i, turn := range turns {
			assert.Equal(t, i+1, turn.TurnIndex)
		}
	})

	t.Run("list filters", func(t *testing.T) {
		marker := uuid.NewString()[:8]
		open, _ := create(t, "Open "+marker)
		done, _ := create(t, "Done "+marker)
		require.NoError(t, store.UpdateStory(ctx, done.ID, func(tx domain.StoryTx) error {
			now := tx.Now()
			tx.Story().IsCompleted = true
			tx.Story().CompletedAt = &now
			return tx.Save(ctx)
		}))

		stories, total, err := store.ListStories(ctx, domain.StoryFilter{Query: marker, Sort: domain.SortLatest, Page: 1, Limit: 10})
		require.NoError(t, err)
		require.Equal(t, 1, total)
		assert.Equal(t, open.ID, stories[0].ID)

		stories, total, err = store.ListStories(ctx, domain.StoryFilter{Query: marker, Completed: true, Page: 1, Limit: 10})
		require.NoError(t, err)
		require.Equal(t, 1, total)
		assert.Equal(t, done.ID, stories[0].ID)
		require.NotNil(t, stories[0].CompletedAt)

		_, total, err = store.ListStories(ctx, domain.StoryFilter{Query: marker, Genre: domain.GenreHorror, Page: 1, Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, 0, total)
	})

	t.Run("latest orders by creation", func(t *testing.T) {
		marker := uuid.NewString()[:8]
		older, _ := create(t, "Older "+marker)
		time.Sleep(5 * time.Millisecond)
		newer, _ := create(t, "Newer "+marker)

		// Taking a lease rewrites the row.
		require.NoError(t, store.UpdateStory(ctx, older.ID, func(tx domain.StoryTx) error {
			holder := uuid.New()
			expires := tx.Now().Add(time.Minute)
			tx.Story().LockHolder = &holder
			tx.Story().LockExpireAt = &expires
			return tx.Save(ctx)
		}))

		stories, _, err := store.ListStories(ctx, domain.StoryFilter{Query: marker, Sort: domain.SortLatest, Page: 1, Limit: 10})
		require.NoError(t, err)
		require.Len(t, stories, 2)
		assert.Equal(t, newer.ID, stories[0].ID)
		assert.Equal(t, older.ID, stories[1].ID)
	})

	t.Run("epilogues", func(t *testing.T) {
		story, _ := create(t, "Epilogues")
		reader := uuid.New()
		_, err := store.CreateEpilogue(ctx, domain.CreateEpilogueParams{StoryID: story.ID, AuthorID: reader, Content: "first"})
		require.NoError(t, err)
		_, err = store.CreateEpilogue(ctx, domain.CreateEpilogueParams{StoryID: story.ID, AuthorID: reader, Content: "second"})
		require.NoError(t, err)

		epilogues, err := store.ListEpilogues(ctx, story.ID)
		require.NoError(t, err)
		require.Len(t, epilogues, 2)
		assert.Equal(t, "first", epilogues[0].Content)
	})
}

// testLeaseExclusion races acquires through the real services.
func testLeaseExclusion(t *testing.T, store domain.StoryStore) {
	ctx := context.Background()
	logger := zap.NewNop()
	locks := domain.NewLockService(store, domain.NopPublisher{}, time.Minute, logger)
	turns := domain.NewTurnService(store, domain.NopPublisher{}, domain.DefaultMaxTurnChars, logger)

	story, _, err := store.CreateStory(ctx, domain.CreateStoryParams{
		Title: "Race", Genre: domain.GenreFree, Tags: []string{"race"},
		CreatedBy: uuid.New(), Preview: "Go.", FirstParagraph: "Go.",
	})
	require.NoError(t, err)

	const contenders = 12
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []uuid.UUID
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			me := uuid.New()
			_, err := locks.Acquire(ctx, story.ID, me)
			if err == nil {
				mu.Lock()
				winners = append(winners, me)
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrLockDenied)
		}()
	}
	wg.Wait()
	require.Len(t, winners, 1)

	var accepted int
	var swg sync.WaitGroup
	for i := 0; i < 4; i++ {
		swg.Add(1)
		go func() {
			defer swg.Done()
			if _, err := turns.Submit(ctx, story.ID, winners[0], "mine"); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, domain.ErrLockMismatch)
			}
		}()
	}
	swg.Wait()
	assert.Equal(t, 1, accepted)

	got, err := store.GetStory(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TurnCount)
	assert.Nil(t, got.Lease())
}
