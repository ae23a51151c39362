package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/storyrelay/backend/internal/auth"
	"github.com/storyrelay/backend/internal/domain"
	"github.com/storyrelay/backend/internal/repository"
	"github.com/storyrelay/backend/internal/storage"
)

type testServer struct {
	*httptest.Server
	store   *repository.MemoryRepository
	manager *WebSocketManager
	jwt     *auth.JWTManager
}

func newTestServer(t *testing.T, checks map[string]Pinger) *testServer {
	t.Helper()
	logger := zap.NewNop()

	store := repository.NewMemoryRepository(logger)
	uploads := t.TempDir()
	files, err := storage.NewLocalFileStorage(uploads, "/uploads")
	require.NoError(t, err)

	manager := NewWebSocketManager(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go manager.Run(ctx)
	t.Cleanup(cancel)

	jwtManager := auth.NewJWTManager("test-secret", "storyrelay", time.Hour)
	locks := domain.NewLockService(store, manager, domain.DefaultLeaseDuration, logger)
	turns := domain.NewTurnService(store, manager, domain.DefaultMaxTurnChars, logger)
	stories := domain.NewStoryService(store, files, logger)

	if checks == nil {
		checks = map[string]Pinger{"store": store}
	}
	router := NewRouter(
		NewWritingHandler(locks, turns, logger),
		NewStoryHandler(stories, 1<<20, logger),
		NewEventsHandler(manager, store, logger),
		NewHealthHandler("test", checks, logger),
		jwtManager,
		logger,
		WithUploads(uploads),
	)

	srv := httptest.NewServer(router.Setup())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: store, manager: manager, jwt: jwtManager}
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

func (s *testServer) token(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	token, err := s.jwt.GenerateAccessToken(userID, "")
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path string, userID uuid.UUID, body interface{}) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if userID != uuid.Nil {
		req.Header.Set("Authorization", "Bearer "+s.token(t, userID))
	}
	return s.send(t, req)
}

func (s *testServer) send(t *testing.T, req *http.Request) (int, envelope) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	}
	return resp.StatusCode, env
}

func (s *testServer) createStory(t *testing.T, creator uuid.UUID) *domain.Story {
	t.Helper()
	status, env := s.do(t, http.MethodPost, "/api/v1/stories", creator, domain.NewStory{
		Title:          "The Lighthouse",
		Genre:          domain.GenreFantasy,
		Tags:           []string{"sea"},
		FirstParagraph: "The lamp went dark at midnight.",
	})
	require.Equal(t, http.StatusCreated, status)
	var story domain.Story
	require.NoError(t, json.Unmarshal(env.Data, &story))
	return &story
}

func TestWritingFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	creator, alice, bob := uuid.New(), uuid.New(), uuid.New()
	story := srv.createStory(t, creator)
	base := "/api/v1/stories/" + story.ID.String()

	status, env := srv.do(t, http.MethodPost, base+"/lock", alice, nil)
	require.Equal(t, http.StatusOK, status)
	var granted lockResponse
	require.NoError(t, json.Unmarshal(env.Data, &granted))
	assert.True(t, granted.Granted)
	assert.WithinDuration(t, time.Now().Add(domain.DefaultLeaseDuration), granted.LockExpireAt, 5*time.Second)

	status, env = srv.do(t, http.MethodPost, base+"/lock", bob, nil)
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "LOCK_DENIED", env.Error.Code)
	var denied lockResponse
	require.NoError(t, json.Unmarshal(env.Data, &denied))
	assert.False(t, denied.Granted)
	require.NotNil(t, denied.LockHolder)
	assert.Equal(t, alice, *denied.LockHolder)
	assert.Equal(t, granted.LockExpireAt.Unix(), denied.LockExpireAt.Unix())

	status, env = srv.do(t, http.MethodPost, base+"/turns", bob, submitTurnRequest{Content: "Bob sneaks in."})
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "LOCK_MISMATCH", env.Error.Code)

	status, env = srv.do(t, http.MethodPost, base+"/turns", alice, submitTurnRequest{Content: "   "})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	status, env = srv.do(t, http.MethodPost, base+"/turns", alice, submitTurnRequest{Content: "Alice relights it."})
	require.Equal(t, http.StatusCreated, status)
	var turn submitTurnResponse
	require.NoError(t, json.Unmarshal(env.Data, &turn))
	assert.Equal(t, 2, turn.TurnIndex)
	assert.NotEqual(t, uuid.Nil, turn.TurnID)

	// Submitting released the lease, so bob gets in straight away.
	status, _ = srv.do(t, http.MethodPost, base+"/lock", bob, nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = srv.do(t, http.MethodDelete, base+"/lock", bob, nil)
	require.Equal(t, http.StatusNoContent, status)

	status, env = srv.do(t, http.MethodPost, base+"/complete", alice, nil)
	require.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)

	status, _ = srv.do(t, http.MethodPost, base+"/complete", creator, nil)
	require.Equal(t, http.StatusOK, status)

	status, env = srv.do(t, http.MethodPost, base+"/lock", alice, nil)
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "ALREADY_COMPLETED", env.Error.Code)

	status, env = srv.do(t, http.MethodGet, base, uuid.Nil, nil)
	require.Equal(t, http.StatusOK, status)
	var detail domain.StoryDetail
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	assert.True(t, detail.IsCompleted)
	assert.Equal(t, 2, detail.TurnCount)
	assert.Equal(t, 2, detail.TotalAuthors)
	require.Len(t, detail.Turns, 2)
	assert.Equal(t, "Alice relights it.", detail.Turns[1].Content)
	assert.Nil(t, detail.LockHolder)
}

func TestWritingRoutes_Errors(t *testing.T) {
	srv := newTestServer(t, nil)
	user := uuid.New()

	tests := []struct {
		name   string
		method string
		path   string
		user   uuid.UUID
		status int
		code   string
	}{
		{name: "no token", method: http.MethodPost, path: "/api/v1/stories/" + uuid.NewString() + "/lock", status: http.StatusUnauthorized, code: "UNAUTHORIZED"},
		{name: "bad id", method: http.MethodPost, path: "/api/v1/stories/nope/lock", user: user, status: http.StatusBadRequest, code: "BAD_REQUEST"},
		{name: "unknown story", method: http.MethodPost, path: "/api/v1/stories/" + uuid.NewString() + "/lock", user: user, status: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "unknown story release", method: http.MethodDelete, path: "/api/v1/stories/" + uuid.NewString() + "/lock", user: user, status: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "unknown story get", method: http.MethodGet, path: "/api/v1/stories/" + uuid.NewString(), status: http.StatusNotFound, code: "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := srv.do(t, tt.method, tt.path, tt.user, nil)
			assert.Equal(t, tt.status, status)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestCreateStory_Validation(t *testing.T) {
	srv := newTestServer(t, nil)

	status, env := srv.do(t, http.MethodPost, "/api/v1/stories", uuid.New(), domain.NewStory{
		Title: "x",
		Genre: "western",
		Tags:  []string{"a"},
	})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	var details []struct {
		Field string `json:"field"`
	}
	require.NoError(t, json.Unmarshal(env.Error.Details, &details))
	fields := make([]string, 0, len(details))
	for _, d := range details {
		fields = append(fields, d.Field)
	}
	assert.ElementsMatch(t, []string{"genre", "first_paragraph"}, fields)
}

func TestListStories(t *testing.T) {
	srv := newTestServer(t, nil)
	creator := uuid.New()
	for i := 0; i < 3; i++ {
		srv.createStory(t, creator)
	}

	status, env := srv.do(t, http.MethodGet, "/api/v1/stories?limit=2&page=1", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, status)
	var page StoryPage
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Stories, 2)
	assert.Equal(t, 2, page.Limit)

	status, env = srv.do(t, http.MethodGet, "/api/v1/stories?completed=true", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, 0, page.Total)
	assert.NotNil(t, page.Stories)
}

func TestListStories_LockDoesNotReorder(t *testing.T) {
	srv := newTestServer(t, nil)
	creator, writer := uuid.New(), uuid.New()
	older := srv.createStory(t, creator)
	newer := srv.createStory(t, creator)

	status, _ := srv.do(t, http.MethodPost, "/api/v1/stories/"+older.ID.String()+"/lock", writer, nil)
	require.Equal(t, http.StatusOK, status)

	status, env := srv.do(t, http.MethodGet, "/api/v1/stories?sort=latest", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, status)
	var page StoryPage
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page.Stories, 2)
	assert.Equal(t, newer.ID, page.Stories[0].ID)
}

func TestSetCover(t *testing.T) {
	srv := newTestServer(t, nil)
	creator := uuid.New()
	story := srv.createStory(t, creator)

	upload := func(t *testing.T, userID uuid.UUID, contentType string, content []byte) (int, envelope) {
		t.Helper()
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="cover.png"`)
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/stories/"+story.ID.String()+"/cover", &body)
		require.NoError(t, err)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+srv.token(t, userID))
		return srv.send(t, req)
	}

	status, env := upload(t, uuid.New(), "image/png", []byte("png"))
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)

	status, env = upload(t, creator, "text/plain", []byte("hello"))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	status, env = upload(t, creator, "image/png", []byte("png-bytes"))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "NOT_COMPLETED", env.Error.Code)

	status, _ = srv.do(t, http.MethodPost, "/api/v1/stories/"+story.ID.String()+"/complete", creator, nil)
	require.Equal(t, http.StatusOK, status)

	status, env = upload(t, creator, "image/png", []byte("png-bytes"))
	require.Equal(t, http.StatusOK, status)
	var updated domain.Story
	require.NoError(t, json.Unmarshal(env.Data, &updated))
	require.NotNil(t, updated.CoverImageURL)
	assert.True(t, strings.HasPrefix(*updated.CoverImageURL, "/uploads/covers/"))

	resp, err := http.Get(srv.URL + *updated.CoverImageURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	status, _ = upload(t, creator, "image/png", bytes.Repeat([]byte("x"), 1<<20+1024))
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)
}

func TestEpilogues(t *testing.T) {
	srv := newTestServer(t, nil)
	creator, reader := uuid.New(), uuid.New()
	story := srv.createStory(t, creator)
	base := "/api/v1/stories/" + story.ID.String()

	status, env := srv.do(t, http.MethodPost, base+"/epilogues", reader, epilogueRequest{Content: "Lovely."})
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "NOT_COMPLETED", env.Error.Code)

	status, _ = srv.do(t, http.MethodPost, base+"/complete", creator, nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = srv.do(t, http.MethodPost, base+"/epilogues", reader, epilogueRequest{Content: "Lovely."})
	require.Equal(t, http.StatusCreated, status)

	status, env = srv.do(t, http.MethodGet, base+"/epilogues", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, status)
	var epilogues []domain.Epilogue
	require.NoError(t, json.Unmarshal(env.Data, &epilogues))
	require.Len(t, epilogues, 1)
	assert.Equal(t, reader, epilogues[0].AuthorID)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealth(t *testing.T) {
	srv := newTestServer(t, map[string]Pinger{
		"store": pingFunc(func(context.Context) error { return nil }),
		"redis": pingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})

	status, _ := srv.do(t, http.MethodGet, "/health/live", uuid.Nil, nil)
	assert.Equal(t, http.StatusOK, status)

	status, env := srv.do(t, http.MethodGet, "/health/ready", uuid.Nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(env.Data, &health))
	assert.Equal(t, "up", health.Checks["store"])
	assert.Equal(t, "down", health.Checks["redis"])

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStoryEvents(t *testing.T) {
	srv := newTestServer(t, nil)
	creator, writer := uuid.New(), uuid.New()
	story := srv.createStory(t, creator)
	base := "/api/v1/stories/" + story.ID.String()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + base + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return srv.manager.SubscriberCount(story.ID) == 1
	}, 2*time.Second, 10*time.Millisecond)

	status, _ := srv.do(t, http.MethodPost, base+"/lock", writer, nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = srv.do(t, http.MethodPost, base+"/turns", writer, submitTurnRequest{Content: "Next."})
	require.Equal(t, http.StatusCreated, status)

	read := func() WSEvent {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var event WSEvent
		require.NoError(t, conn.ReadJSON(&event))
		return event
	}
	assert.Equal(t, string(domain.EventLockAcquired), read().Type)
	assert.Equal(t, string(domain.EventTurnSubmitted), read().Type)

	conn.Close()
	require.Eventually(t, func() bool {
		return srv.manager.SubscriberCount(story.ID) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStoryEvents_UnknownStory(t *testing.T) {
	srv := newTestServer(t, nil)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stories/" + uuid.NewString() + "/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
