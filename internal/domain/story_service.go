package domain

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storyrelay/backend/internal/storage"
	"github.com/storyrelay/backend/pkg/validator"
)

const (
	MaxEpilogueChars = 300

	defaultPageSize = 20
	maxPageSize     = 100
)

// NewStory is a request to open a story together with its first paragraph.
type NewStory struct {
	Title          string   `json:"title" validate:"required,min=1,max=100"`
	Genre          string   `json:"genre" validate:"required,oneof=free fantasy sf romance horror"`
	Tags           []string `json:"tags" validate:"min=1,max=5,dive,required,max=10"`
	FirstParagraph string   `json:"first_paragraph" validate:"required,min=1,max=1000"`
}

// StoryService manages the story catalogue around the turn protocol.
type StoryService struct {
	store   StoryStore
	storage storage.FileStorage
	logger  *zap.Logger
}

func NewStoryService(store StoryStore, storage storage.FileStorage, logger *zap.Logger) *StoryService {
	return &StoryService{
		store:   store,
		storage: storage,
		logger:  logger.Named("StoryService"),
	}
}

// CreateStory opens an unlocked story whose first turn is written by
// creatorID.
func (s *StoryService) CreateStory(ctx context.Context, creatorID uuid.UUID, req NewStory) (*Story, error) {
	req.Title = strings.TrimSpace(req.Title)
	req.FirstParagraph = strings.TrimSpace(req.FirstParagraph)
	tags := make([]string, 0, len(req.Tags))
	for _, tag := range req.Tags {
		tags = append(tags, strings.TrimSpace(tag))
	}
	req.Tags = tags

	if errs := validator.Struct(req); errs.HasErrors() {
		return nil, &ValidationError{Errors: errs}
	}

	story, _, err := s.store.CreateStory(ctx, CreateStoryParams{
		Title:          req.Title,
		Genre:          req.Genre,
		Tags:           req.Tags,
		CreatedBy:      creatorID,
		Preview:        validator.SanitizeString(req.FirstParagraph, PreviewChars),
		FirstParagraph: req.FirstParagraph,
	})
	if err != nil {
		s.logger.Error("Failed to create story", zap.String("creatorID", creatorID.String()), zap.Error(err))
		return nil, err
	}
	s.logger.Info("Story created", zap.String("storyID", story.ID.String()), zap.String("creatorID", creatorID.String()))
	return story, nil
}

// GetStory returns the story with its turns in order.
func (s *StoryService) GetStory(ctx context.Context, id uuid.UUID) (*StoryDetail, error) {
	story, err := s.store.GetStory(ctx, id)
	if err != nil {
		return nil, err
	}
	turns, err := s.store.ListTurns(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StoryDetail{Story: story, Turns: turns}, nil
}

// ListStories returns one page of stories and the total number matching.
func (s *StoryService) ListStories(ctx context.Context, filter StoryFilter) ([]*Story, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	switch filter.Sort {
	case SortLikes:
	case SortTurns, SortAuthors:
		if !filter.Completed {
			filter.Sort = SortLatest
		}
	default:
		filter.Sort = SortLatest
	}
	// Tags are searched as plain words.
	filter.Query = strings.TrimSpace(strings.ReplaceAll(filter.Query, "#", ""))
	return s.store.ListStories(ctx, filter)
}

// SetCover uploads a cover image and attaches it to the story. Only the
// creator may change the cover, and only once the story is completed.
func (s *StoryService) SetCover(ctx context.Context, storyID, requesterID uuid.UUID, file io.Reader, filename, contentType string) (*Story, error) {
	if !strings.HasPrefix(contentType, "image/") {
		return nil, newValidationError("file", "must be an image")
	}

	story, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if story.CreatedBy != requesterID {
		return nil, ErrNotStoryOwner
	}
	if !story.IsCompleted {
		return nil, ErrNotCompleted
	}

	url, err := s.storage.SaveFile(ctx, file, filename, contentType)
	if err != nil {
		s.logger.Error("Failed to save cover", zap.String("storyID", storyID.String()), zap.Error(err))
		return nil, err
	}

	var previous *string
	var updated *Story
	err = s.store.UpdateStory(ctx, storyID, func(tx StoryTx) error {
		story := tx.Story()
		if story.CreatedBy != requesterID {
			return ErrNotStoryOwner
		}
		if !story.IsCompleted {
			return ErrNotCompleted
		}
		previous = story.CoverImageURL
		story.CoverImageURL = &url
		if err := tx.Save(ctx); err != nil {
			return err
		}
		updated = story.Clone()
		return nil
	})
	if err != nil {
		s.deleteCover(ctx, url)
		return nil, err
	}
	if previous != nil {
		s.deleteCover(ctx, *previous)
	}
	return updated, nil
}

func (s *StoryService) deleteCover(ctx context.Context, url string) {
	if err := s.storage.DeleteFile(ctx, url); err != nil {
		s.logger.Warn("Failed to delete cover", zap.String("url", url), zap.Error(err))
	}
}

// AddEpilogue attaches a reader's afterword to a completed story.
func (s *StoryService) AddEpilogue(ctx context.Context, storyID, authorID uuid.UUID, content string) (*Epilogue, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, newValidationError("content", "is required")
	}
	if validator.CharCount(content) > MaxEpilogueChars {
		return nil, newValidationError("content", "must be at most 300 characters")
	}

	story, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if !story.IsCompleted {
		return nil, ErrNotCompleted
	}

	epilogue, err := s.store.CreateEpilogue(ctx, CreateEpilogueParams{StoryID: storyID, AuthorID: authorID, Content: content})
	if err != nil {
		if !errors.Is(err, ErrStoryNotFound) {
			s.logger.Error("Failed to create epilogue", zap.String("storyID", storyID.String()), zap.Error(err))
		}
		return nil, err
	}
	return epilogue, nil
}

// ListEpilogues returns the story's epilogues, oldest first.
func (s *StoryService) ListEpilogues(ctx context.Context, storyID uuid.UUID) ([]*Epilogue, error) {
	if _, err := s.store.GetStory(ctx, storyID); err != nil {
		return nil, err
	}
	return s.store.ListEpilogues(ctx, storyID)
}
