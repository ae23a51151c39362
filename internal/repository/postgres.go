package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/storyrelay/backend/internal/domain"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const storyColumns = `id, title, genre, tags, created_by, preview, cover_image_url,
	current_lock_holder, lock_expire_at, like_count, turn_count, total_authors,
	is_completed, completed_at, created_at, updated_at`

const turnColumns = `id, story_id, turn_index, author_id, content, like_count, created_at`

const epilogueColumns = `id, story_id, author_id, content, like_count, created_at`

// PostgresRepository implements domain.StoryStore using PostgreSQL
type PostgresRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *pgxpool.Pool, logger *zap.Logger) *PostgresRepository {
	return &PostgresRepository{db: db, logger: logger.Named("PostgresRepo")}
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// CreateStory inserts a story and its first turn in one transaction
func (r *PostgresRepository) CreateStory(ctx context.Context, params domain.CreateStoryParams) (*domain.Story, *domain.Turn, error) {
	logFields := []zap.Field{zap.String("createdBy", params.CreatedBy.String())}

	var story *domain.Story
	var turn *domain.Turn
	err := r.withTransaction(ctx, func(tx pgx.Tx) error {
		var err error
		row := tx.QueryRow(ctx, `
			INSERT INTO stories (title, genre, tags, created_by, preview, turn_count, total_authors)
			VALUES ($1, $2, $3, $4, $5, 1, 1)
			RETURNING `+storyColumns,
			params.Title, params.Genre, params.Tags, params.CreatedBy, params.Preview,
		)
		if story, err = scanStory(row); err != nil {
			return fmt.Errorf("failed to insert story: %w", err)
		}

		row = tx.QueryRow(ctx, `
			INSERT INTO story_turns (story_id, turn_index, author_id, content, created_at)
			VALUES ($1, 1, $2, $3, $4)
			RETURNING `+turnColumns,
			story.ID, params.CreatedBy, params.FirstParagraph, story.CreatedAt,
		)
		if turn, err = scanTurn(row); err != nil {
			return fmt.Errorf("failed to insert first turn: %w", err)
		}
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to create story", append(logFields, zap.Error(err))...)
		return nil, nil, err
	}

	r.logger.Debug("Story created", append(logFields, zap.String("storyID", story.ID.String()))...)
	return story, turn, nil
}

// GetStory retrieves a story by ID
func (r *PostgresRepository) GetStory(ctx context.Context, id uuid.UUID) (*domain.Story, error) {
	row := r.db.QueryRow(ctx, `SELECT `+storyColumns+` FROM stories WHERE id = $1`, id)
	return scanStory(row)
}

// ListTurns returns a story's turns ordered by index
func (r *PostgresRepository) ListTurns(ctx context.Context, storyID uuid.UUID) ([]*domain.Turn, error) {
	turns := []*domain.Turn{}
	err := pgxscan.Select(ctx, r.db, &turns,
		`SELECT `+turnColumns+` FROM story_turns WHERE story_id = $1 ORDER BY turn_index`, storyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	if len(turns) == 0 {
		// Every story is created with its first turn.
		if _, err := r.GetStory(ctx, storyID); err != nil {
			return nil, err
		}
	}
	return turns, nil
}

// ListStories returns one page of stories matching the filter and the total count
func (r *PostgresRepository) ListStories(ctx context.Context, filter domain.StoryFilter) ([]*domain.Story, int, error) {
	conds := []string{"is_completed = $1"}
	args := []any{filter.Completed}
	if filter.Genre != "" {
		args = append(args, filter.Genre)
		conds = append(conds, fmt.Sprintf("genre = $%d", len(args)))
	}
	if filter.Query != "" {
		args = append(args, "%"+likeEscaper.Replace(filter.Query)+"%")
		conds = append(conds, fmt.Sprintf("(title ILIKE $%d OR preview ILIKE $%d)", len(args), len(args)))
	}
	where := " WHERE " + strings.Join(conds, " AND ")

	var total int
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM stories`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count stories: %w", err)
	}

	// Lease and turn activity bump updated_at, so it never drives ordering.
	order := "created_at DESC"
	if filter.Completed {
		order = "completed_at DESC NULLS LAST"
	}
	switch filter.Sort {
	case domain.SortLikes:
		order = "like_count DESC, " + order
	case domain.SortTurns:
		order = "turn_count DESC, " + order
	case domain.SortAuthors:
		order = "total_authors DESC, " + order
	}

	query := `SELECT ` + storyColumns + ` FROM stories` + where + ` ORDER BY ` + order + `, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit, filter.Offset())
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	stories := []*domain.Story{}
	if err := pgxscan.Select(ctx, r.db, &stories, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list stories: %w", err)
	}
	return stories, total, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// UpdateStory runs fn while holding the story row with SELECT ... FOR UPDATE.
// The clock handed to fn is read after the row lock is granted.
func (r *PostgresRepository) UpdateStory(ctx context.Context, id uuid.UUID, fn func(tx domain.StoryTx) error) error {
	return r.withTransaction(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+storyColumns+`, clock_timestamp() FROM stories WHERE id = $1 FOR UPDATE`, id)

		var now time.Time
		story, err := scanStory(row, &now)
		if err != nil {
			return err
		}
		return fn(&postgresStoryTx{tx: tx, story: story, now: now.UTC()})
	})
}

// CreateEpilogue inserts an epilogue
func (r *PostgresRepository) CreateEpilogue(ctx context.Context, params domain.CreateEpilogueParams) (*domain.Epilogue, error) {
	var epilogue domain.Epilogue
	err := pgxscan.Get(ctx, r.db, &epilogue, `
		INSERT INTO epilogues (story_id, author_id, content)
		VALUES ($1, $2, $3)
		RETURNING `+epilogueColumns,
		params.StoryID, params.AuthorID, params.Content,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return nil, domain.ErrStoryNotFound
		}
		return nil, fmt.Errorf("failed to insert epilogue: %w", err)
	}
	return &epilogue, nil
}

// ListEpilogues returns a story's epilogues, oldest first
func (r *PostgresRepository) ListEpilogues(ctx context.Context, storyID uuid.UUID) ([]*domain.Epilogue, error) {
	epilogues := []*domain.Epilogue{}
	err := pgxscan.Select(ctx, r.db, &epilogues,
		`SELECT `+epilogueColumns+` FROM epilogues WHERE story_id = $1 ORDER BY created_at, id`, storyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list epilogues: %w", err)
	}
	return epilogues, nil
}

// CountActiveLeases returns how many stories have a lease that has not expired
func (r *PostgresRepository) CountActiveLeases(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM stories WHERE current_lock_holder IS NOT NULL AND lock_expire_at > now()`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active leases: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) withTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			r.logger.Error("Failed to roll back transaction", zap.Error(rbErr), zap.NamedError("originalError", err))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type postgresStoryTx struct {
	tx    pgx.Tx
	story *domain.Story
	now   time.Time
}

func (t *postgresStoryTx) Story() *domain.Story { return t.story }

func (t *postgresStoryTx) Now() time.Time { return t.now }

func (t *postgresStoryTx) NextTurnIndex(ctx context.Context) (int, error) {
	var next int
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(turn_index), 0) + 1 FROM story_turns WHERE story_id = $1`, t.story.ID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next turn index: %w", err)
	}
	return next, nil
}

func (t *postgresStoryTx) HasAuthored(ctx context.Context, authorID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM story_turns WHERE story_id = $1 AND author_id = $2)`, t.story.ID, authorID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check prior authorship: %w", err)
	}
	return exists, nil
}

func (t *postgresStoryTx) InsertTurn(ctx context.Context, turn domain.NewTurn) (*domain.Turn, error) {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO story_turns (story_id, turn_index, author_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+turnColumns,
		t.story.ID, turn.TurnIndex, turn.AuthorID, turn.Content, t.now,
	)
	inserted, err := scanTurn(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			// The row lock should make this unreachable.
			return nil, domain.ErrLockMismatch
		}
		return nil, fmt.Errorf("failed to insert turn: %w", err)
	}
	return inserted, nil
}

func (t *postgresStoryTx) Save(ctx context.Context) error {
	s := t.story
	s.UpdatedAt = t.now
	_, err := t.tx.Exec(ctx, `
		UPDATE stories SET
			cover_image_url = $2,
			current_lock_holder = $3,
			lock_expire_at = $4,
			turn_count = $5,
			total_authors = $6,
			is_completed = $7,
			completed_at = $8,
			updated_at = $9
		WHERE id = $1`,
		s.ID, s.CoverImageURL, s.LockHolder, s.LockExpireAt, s.TurnCount, s.TotalAuthors,
		s.IsCompleted, s.CompletedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update story: %w", err)
	}
	return nil
}

// Helper functions for scanning rows

func scanStory(row pgx.Row, extra ...any) (*domain.Story, error) {
	var s domain.Story
	dest := []any{
		&s.ID,
		&s.Title,
		&s.Genre,
		&s.Tags,
		&s.CreatedBy,
		&s.Preview,
		&s.CoverImageURL,
		&s.LockHolder,
		&s.LockExpireAt,
		&s.LikeCount,
		&s.TurnCount,
		&s.TotalAuthors,
		&s.IsCompleted,
		&s.CompletedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrStoryNotFound
		}
		return nil, err
	}
	return &s, nil
}

func scanTurn(row pgx.Row) (*domain.Turn, error) {
	var t domain.Turn
	err := row.Scan(
		&t.ID,
		&t.StoryID,
		&t.TurnIndex,
		&t.AuthorID,
		&t.Content,
		&t.LikeCount,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
