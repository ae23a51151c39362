// Package client is a typed HTTP client for the StoryRelay API together
// with the writing session flow built on top of it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Errors returned for the API's error codes. Match them with errors.Is.
var (
	ErrLockDenied      = errors.New("story is locked by another writer")
	ErrLockMismatch    = errors.New("write lease not held or expired")
	ErrStoryCompleted  = errors.New("story is already completed")
	ErrNotCompleted    = errors.New("story is not completed yet")
	ErrNotFound        = errors.New("not found")
	ErrUnauthenticated = errors.New("not authenticated")
	ErrValidation      = errors.New("validation failed")
	ErrForbidden       = errors.New("forbidden")
)

var codeErrors = map[string]error{
	"LOCK_DENIED":       ErrLockDenied,
	"LOCK_MISMATCH":     ErrLockMismatch,
	"ALREADY_COMPLETED": ErrStoryCompleted,
	"NOT_COMPLETED":     ErrNotCompleted,
	"NOT_FOUND":         ErrNotFound,
	"UNAUTHORIZED":      ErrUnauthenticated,
	"VALIDATION_ERROR":  ErrValidation,
	"FORBIDDEN":         ErrForbidden,
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int
	Code    string
	Message string
	Fields  []FieldError
}

// FieldError names one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("storyrelay: http %d", e.Status)
	}
	return fmt.Sprintf("storyrelay: %s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return codeErrors[e.Code]
}

// DeniedError is returned by an acquire that lost to another writer.
type DeniedError struct {
	Holder    uuid.UUID
	ExpiresAt time.Time
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("story is locked by %s until %s", e.Holder, e.ExpiresAt.Format(time.RFC3339))
}

func (e *DeniedError) Unwrap() error {
	return ErrLockDenied
}

// RetryAfter is how long until the holder's lease runs out, as seen at now.
func (e *DeniedError) RetryAfter(now time.Time) time.Duration {
	if d := e.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Lease is a granted write lease.
type Lease struct {
	Holder    uuid.UUID `json:"lock_holder"`
	ExpiresAt time.Time `json:"lock_expire_at"`
}

// TurnReceipt identifies an accepted turn.
type TurnReceipt struct {
	TurnID    uuid.UUID `json:"turn_id"`
	TurnIndex int       `json:"turn_index"`
}

type Turn struct {
	ID        uuid.UUID `json:"id"`
	TurnIndex int       `json:"turn_index"`
	AuthorID  uuid.UUID `json:"author_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Story struct {
	ID           uuid.UUID  `json:"id"`
	Title        string     `json:"title"`
	Genre        string     `json:"genre"`
	Tags         []string   `json:"tags"`
	CreatedBy    uuid.UUID  `json:"created_by"`
	Preview      string     `json:"preview"`
	LockHolder   *uuid.UUID `json:"current_lock_holder,omitempty"`
	LockExpireAt *time.Time `json:"lock_expire_at,omitempty"`
	TurnCount    int        `json:"turn_count"`
	TotalAuthors int        `json:"total_authors"`
	IsCompleted  bool       `json:"is_completed"`
	Turns        []Turn     `json:"turns,omitempty"`
}

// NewStory is the body of a create request.
type NewStory struct {
	Title          string   `json:"title"`
	Genre          string   `json:"genre"`
	Tags           []string `json:"tags"`
	FirstParagraph string   `json:"first_paragraph"`
}

// Client talks to one API server on behalf of one user.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// New creates a client for baseURL (e.g. "http://localhost:8080")
// authenticating with a bearer token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func storyPath(storyID uuid.UUID, suffix string) string {
	return "/api/v1/stories/" + storyID.String() + suffix
}

// CreateStory opens a story with its first paragraph.
func (c *Client) CreateStory(ctx context.Context, req NewStory) (*Story, error) {
	var story Story
	if err := c.do(ctx, http.MethodPost, "/api/v1/stories", req, &story); err != nil {
		return nil, err
	}
	return &story, nil
}

// GetStory fetches a story with its turns.
func (c *Client) GetStory(ctx context.Context, storyID uuid.UUID) (*Story, error) {
	var story Story
	if err := c.do(ctx, http.MethodGet, storyPath(storyID, ""), nil, &story); err != nil {
		return nil, err
	}
	return &story, nil
}

// AcquireLock asks for the story's write lease. A lost race is reported as
// *DeniedError.
func (c *Client) AcquireLock(ctx context.Context, storyID uuid.UUID) (*Lease, error) {
	var lease Lease
	if err := c.do(ctx, http.MethodPost, storyPath(storyID, "/lock"), nil, &lease); err != nil {
		return nil, err
	}
	return &lease, nil
}

// ReleaseLock gives the lease back. Releasing a lease you do not hold is
// not an error.
func (c *Client) ReleaseLock(ctx context.Context, storyID uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, storyPath(storyID, "/lock"), nil, nil)
}

// SubmitTurn appends content as the next turn. The caller must hold the
// lease.
func (c *Client) SubmitTurn(ctx context.Context, storyID uuid.UUID, content string) (*TurnReceipt, error) {
	var receipt TurnReceipt
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPost, storyPath(storyID, "/turns"), body, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// CompleteStory closes the story. Only its creator may do this.
func (c *Client) CompleteStory(ctx context.Context, storyID uuid.UUID) (*Story, error) {
	var story Story
	if err := c.do(ctx, http.MethodPost, storyPath(storyID, "/complete"), nil, &story); err != nil {
		return nil, err
	}
	return &story, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{Status: resp.StatusCode}
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode >= 300 || env.Error != nil {
		return decodeError(resp.StatusCode, &env)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}

func decodeError(status int, env *envelope) error {
	apiErr := &APIError{Status: status}
	if env.Error == nil {
		return apiErr
	}
	apiErr.Code = env.Error.Code
	apiErr.Message = env.Error.Message

	switch apiErr.Code {
	case "LOCK_DENIED":
		var lease Lease
		if err := json.Unmarshal(env.Data, &lease); err == nil {
			return &DeniedError{Holder: lease.Holder, ExpiresAt: lease.ExpiresAt}
		}
	case "VALIDATION_ERROR":
		_ = json.Unmarshal(env.Error.Details, &apiErr.Fields)
	}
	return apiErr
}
