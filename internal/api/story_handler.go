package api

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/storyrelay/backend/internal/domain"
	"github.com/storyrelay/backend/internal/middleware"
	"github.com/storyrelay/backend/pkg/response"
)

type StoryHandler struct {
	storyService  *domain.StoryService
	maxCoverBytes int64
	logger        *zap.Logger
}

func NewStoryHandler(storyService *domain.StoryService, maxCoverBytes int64, logger *zap.Logger) *StoryHandler {
	return &StoryHandler{
		storyService:  storyService,
		maxCoverBytes: maxCoverBytes,
		logger:        logger.Named("StoryHandler"),
	}
}

// StoryPage is one page of the story list.
type StoryPage struct {
	Stories []*domain.Story `json:"stories"`
	Total   int             `json:"total"`
	Page    int             `json:"page"`
	Limit   int             `json:"limit"`
}

type epilogueRequest struct {
	Content string `json:"content"`
}

// CreateStory handles POST /stories
func (h *StoryHandler) CreateStory(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	var req domain.NewStory
	if err := decodeJSON(r, &req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	story, err := h.storyService.CreateStory(r.Context(), userID, req)
	if err != nil {
		writeError(w, h.logger, err, "failed to create story")
		return
	}
	response.Created(w, story)
}

// ListStories handles GET /stories
func (h *StoryHandler) ListStories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	completed, _ := strconv.ParseBool(q.Get("completed"))

	filter := domain.StoryFilter{
		Genre:     q.Get("genre"),
		Query:     q.Get("q"),
		Sort:      q.Get("sort"),
		Completed: completed,
		Page:      page,
		Limit:     limit,
	}

	stories, total, err := h.storyService.ListStories(r.Context(), filter)
	if err != nil {
		writeError(w, h.logger, err, "failed to list stories")
		return
	}
	if stories == nil {
		stories = []*domain.Story{}
	}

	if page < 1 {
		page = 1
	}
	response.OK(w, StoryPage{Stories: stories, Total: total, Page: page, Limit: pageLimit(limit)})
}

// pageLimit mirrors the defaults the service applies.
func pageLimit(limit int) int {
	switch {
	case limit <= 0:
		return 20
	case limit > 100:
		return 100
	default:
		return limit
	}
}

// GetStory handles GET /stories/{id}
func (h *StoryHandler) GetStory(w http.ResponseWriter, r *http.Request) {
	id, ok := storyID(w, r)
	if !ok {
		return
	}

	story, err := h.storyService.GetStory(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err, "failed to get story")
		return
	}
	response.OK(w, story)
}

// SetCover handles PUT /stories/{id}/cover with a multipart "file" field.
func (h *StoryHandler) SetCover(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}
	id, ok := storyID(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxCoverBytes+(1<<20))
	if err := r.ParseMultipartForm(h.maxCoverBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(w, http.StatusRequestEntityTooLarge, response.CodeBadRequest, "cover image is too large")
			return
		}
		response.BadRequest(w, "invalid form data")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		response.BadRequest(w, "missing file")
		return
	}
	defer file.Close()

	if header.Size > h.maxCoverBytes {
		response.Error(w, http.StatusRequestEntityTooLarge, response.CodeBadRequest, "cover image is too large")
		return
	}

	story, err := h.storyService.SetCover(r.Context(), id, userID, file, header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, h.logger, err, "failed to set cover")
		return
	}
	response.OK(w, story)
}

// AddEpilogue handles POST /stories/{id}/epilogues
func (h *StoryHandler) AddEpilogue(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}
	id, ok := storyID(w, r)
	if !ok {
		return
	}

	var req epilogueRequest
	if err := decodeJSON(r, &req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	epilogue, err := h.storyService.AddEpilogue(r.Context(), id, userID, req.Content)
	if err != nil {
		writeError(w, h.logger, err, "failed to add epilogue")
		return
	}
	response.Created(w, epilogue)
}

// ListEpilogues handles GET /stories/{id}/epilogues
func (h *StoryHandler) ListEpilogues(w http.ResponseWriter, r *http.Request) {
	id, ok := storyID(w, r)
	if !ok {
		return
	}

	epilogues, err := h.storyService.ListEpilogues(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err, "failed to list epilogues")
		return
	}
	if epilogues == nil {
		epilogues = []*domain.Epilogue{}
	}
	response.OK(w, epilogues)
}
