package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"taskboard/internal/auth"
	"taskboard/internal/board"
	"taskboard/internal/eventbus"
	"taskboard/internal/model"
	"taskboard/internal/realtime"
	"taskboard/internal/storage"
	logx "taskboard/pkg/logx"
)

type testEnv struct {
	api *API
	bus eventbus.Bus
	hub *realtime.Hub
}

func newEnv(t *testing.T, loginRate int) *testEnv {
	t.Helper()
	return newEnvWith(t, Options{LoginRatePerMin: loginRate})
}

// newEnvWith fills in the services on opts.
func newEnvWith(t *testing.T, opts Options) *testEnv {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	hub := realtime.NewHub(logx.Nop())
	authSvc := auth.New(st, auth.Config{Secret: []byte("test"), TokenTTL: time.Hour, BcryptCost: bcrypt.MinCost}, logx.Nop())
	boardSvc := board.New(st, bus, hub, logx.Nop(), board.Options{})

	opts.Board, opts.Auth, opts.Hub = boardSvc, authSvc, hub
	api := New(opts)
	return &testEnv{api: api, bus: bus, hub: hub}
}

type reply struct {
	Success    bool            `json:"success"`
	StatusCode int             `json:"statusCode"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, hdr ...string) (*httptest.ResponseRecorder, reply) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	e.api.Handler().ServeHTTP(rec, req)

	var r reply
	if rec.Header().Get("Content-Type") != "" && bytes.HasPrefix(rec.Body.Bytes(), []byte("{")) {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	}
	return rec, r
}

// signup registers and logs in a user, returning its token and id.
func (e *testEnv) signup(t *testing.T, name, email string) (string, string) {
	t.Helper()
	rec, _ := e.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"fullName": name, "email": email, "password": "hunter22",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, r := e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": email, "password": "hunter22"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Token string       `json:"token"`
		User  model.Public `json:"user"`
	}
	require.NoError(t, json.Unmarshal(r.Data, &out))
	require.NotEmpty(t, out.Token)
	return out.Token, out.User.ID
}

func (e *testEnv) createTask(t *testing.T, token, title string) model.TaskView {
	t.Helper()
	rec, r := e.do(t, http.MethodPost, "/api/tasks", token, map[string]string{
		"title": title, "description": "d", "priority": "Medium",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var tv model.TaskView
	require.NoError(t, json.Unmarshal(r.Data, &tv))
	return tv
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, 0)
	rec, _ := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t, 0)
	rec, r := e.do(t, http.MethodGet, "/api/tasks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, r.Success)

	rec, _ = e.do(t, http.MethodGet, "/api/tasks", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginSetsCookieUsableForAuth(t *testing.T) {
	e := newEnv(t, 0)
	e.signup(t, "Ann", "ann@example.com")

	rec, _ := e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ann@example.com", "password": "hunter22"})
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "token", cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	req.AddCookie(cookies[0])
	out := httptest.NewRecorder()
	e.api.Handler().ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)

	rec, _ = e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ann@example.com", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/api/auth/logout", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, rec.Result().Cookies(), 1)
	assert.Negative(t, rec.Result().Cookies()[0].MaxAge)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	e := newEnv(t, 0)
	e.signup(t, "Ann", "ann@example.com")
	rec, r := e.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"fullName": "Ann 2", "email": "ANN@example.com", "password": "hunter22",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, r.Message, "already registered")
}

func TestUpdateConflictReturns409(t *testing.T) {
	e := newEnv(t, 0)
	tok, _ := e.signup(t, "Ann", "ann@example.com")
	task := e.createTask(t, tok, "Write report")
	seen := task.UpdatedAt

	// First writer wins.
	rec, r := e.do(t, http.MethodPut, "/api/tasks/"+task.ID, tok, map[string]any{
		"title": "Write final report", "lastModified": seen,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ok struct {
		Task model.TaskView `json:"task"`
	}
	require.NoError(t, json.Unmarshal(r.Data, &ok))
	assert.Equal(t, "Write final report", ok.Task.Title)
	assert.True(t, ok.Task.UpdatedAt.After(seen))

	// Second writer still holds the old version.
	rec, _ = e.do(t, http.MethodPut, "/api/tasks/"+task.ID, tok, map[string]any{
		"description": "mine", "lastModified": seen,
	})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	var conflict struct {
		Success    bool           `json:"success"`
		StatusCode int            `json:"statusCode"`
		IsConflict bool           `json:"isConflict"`
		ClientTask map[string]any `json:"clientTask"`
		ServerTask model.TaskView `json:"serverTask"`
		Message    string         `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conflict))
	assert.False(t, conflict.Success)
	assert.Equal(t, http.StatusConflict, conflict.StatusCode)
	assert.True(t, conflict.IsConflict)
	assert.Equal(t, "mine", conflict.ClientTask["description"])
	assert.Equal(t, "Write final report", conflict.ServerTask.Title)
	assert.NotEmpty(t, conflict.Message)

	// Forcing overrides.
	rec, _ = e.do(t, http.MethodPut, "/api/tasks/"+task.ID, tok, map[string]any{
		"description": "mine", "lastModified": seen, "forceUpdate": true,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUpdateAcceptsLooseLastModified(t *testing.T) {
	e := newEnv(t, 0)
	tok, _ := e.signup(t, "Ann", "ann@example.com")
	task := e.createTask(t, tok, "Loose")
	seen := task.UpdatedAt

	rec, _ := e.do(t, http.MethodPut, "/api/tasks/"+task.ID, tok, map[string]any{
		"title": "Loose one", "lastModified": "",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Epoch milliseconds of the version seen before that write.
	rec, _ = e.do(t, http.MethodPut, "/api/tasks/"+task.ID, tok, map[string]any{
		"title": "Loose two", "lastModified": seen.UnixMilli(),
	})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec, r := e.do(t, http.MethodPut, "/api/tasks/"+task.ID, tok, map[string]any{
		"title": "Loose two", "lastModified": "last tuesday",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, r.Success)
}

func TestTaskLifecycle(t *testing.T) {
	e := newEnv(t, 0)
	tok, uid := e.signup(t, "Ann", "ann@example.com")
	task := e.createTask(t, tok, "Ship it")

	rec, r := e.do(t, http.MethodGet, "/api/tasks/"+task.ID, tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, r.Success)

	rec, r = e.do(t, http.MethodPatch, "/api/tasks/"+task.ID+"/status", tok, map[string]string{"status": "In Progress"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var mv board.MoveResult
	require.NoError(t, json.Unmarshal(r.Data, &mv))
	assert.Equal(t, model.StatusTodo, mv.FromStatus)
	assert.Equal(t, model.StatusInProgress, mv.ToStatus)

	rec, _ = e.do(t, http.MethodPatch, "/api/tasks/"+task.ID+"/status", tok, map[string]string{"status": "Blocked"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, r = e.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/smart-assign", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var assigned model.TaskView
	require.NoError(t, json.Unmarshal(r.Data, &assigned))
	require.NotNil(t, assigned.AssignedTo)
	assert.Equal(t, uid, assigned.AssignedTo.ID)

	rec, _ = e.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/smart-assign", tok, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = e.do(t, http.MethodDelete, "/api/tasks/"+task.ID, tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, r = e.do(t, http.MethodGet, "/api/tasks/"+task.ID, tok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "task not found", r.Message)

	rec, r = e.do(t, http.MethodGet, "/api/tasks", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, string(r.Data))

	rec, r = e.do(t, http.MethodGet, "/api/logs?limit=2", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var logs []model.ActionLogView
	require.NoError(t, json.Unmarshal(r.Data, &logs))
	require.Len(t, logs, 2)
	assert.Equal(t, model.ActionTaskDeleted, logs[0].Action)

	rec, _ = e.do(t, http.MethodGet, "/api/logs?limit=x", tok, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProjectRoutesEnforceOwnership(t *testing.T) {
	e := newEnv(t, 0)
	ann, _ := e.signup(t, "Ann", "ann@example.com")
	bob, bobID := e.signup(t, "Bob", "bob@example.com")

	rec, r := e.do(t, http.MethodPost, "/api/projects", ann, map[string]any{"name": "Apollo"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var p model.ProjectView
	require.NoError(t, json.Unmarshal(r.Data, &p))

	rec, _ = e.do(t, http.MethodGet, "/api/projects/"+p.ID+"/tasks", bob, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/api/projects/"+p.ID+"/members", bob, map[string]string{"userId": bobID})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/api/projects/"+p.ID+"/members", ann, map[string]string{"userId": bobID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	task := e.createTask(t, bob, "Design")
	rec, _ = e.do(t, http.MethodPost, "/api/projects/assign-task", bob, map[string]string{"taskId": task.ID, "projectId": p.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, r = e.do(t, http.MethodGet, "/api/projects/"+p.ID+"/tasks", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pt struct {
		Tasks []model.TaskView `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(r.Data, &pt))
	assert.Len(t, pt.Tasks, 1)

	rec, _ = e.do(t, http.MethodPut, "/api/projects/"+p.ID, bob, map[string]any{"status": "archived"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec, _ = e.do(t, http.MethodPut, "/api/projects/"+p.ID, ann, map[string]any{"status": "archived"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = e.do(t, http.MethodDelete, "/api/projects/"+p.ID+"/members/"+bobID, ann, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, r = e.do(t, http.MethodGet, "/api/projects", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, string(r.Data))
}

func TestConnectionIDTagsEvents(t *testing.T) {
	e := newEnv(t, 0)
	tok, _ := e.signup(t, "Ann", "ann@example.com")
	events, unsubscribe := e.bus.Subscribe(8)
	defer unsubscribe()

	rec, _ := e.do(t, http.MethodPost, "/api/tasks", tok, map[string]string{
		"title": "Tagged", "description": "d", "priority": "Low",
	}, HeaderConnectionID, "conn-42")
	require.Equal(t, http.StatusCreated, rec.Code)

	select {
	case ev := <-events:
		assert.Equal(t, string(model.EventTaskCreated), ev.Type)
		assert.Equal(t, "conn-42", ev.Origin)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestOnlineUsers(t *testing.T) {
	e := newEnv(t, 0)
	tok, _ := e.signup(t, "Ann", "ann@example.com")

	rec, r := e.do(t, http.MethodGet, "/api/users/online", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"users":[]}`, string(r.Data))
}

func TestLoginRateLimit(t *testing.T) {
	e := newEnv(t, 2)
	e.signup(t, "Ann", "ann@example.com") // uses one login

	rec, _ := e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ann@example.com", "password": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec, r := e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ann@example.com", "password": "x"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.False(t, r.Success)
}

func TestLoginRateLimitIgnoresForwardedFor(t *testing.T) {
	e := newEnv(t, 2)
	codes := map[int]int{}
	for i := 0; i < 10; i++ {
		rec, _ := e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ann@example.com", "password": "x"},
			"X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i+1))
		codes[rec.Code]++
	}
	assert.Equal(t, map[int]int{http.StatusUnauthorized: 2, http.StatusTooManyRequests: 8}, codes)
}

func TestLoginRateLimitHonorsTrustedProxy(t *testing.T) {
	// httptest requests come from 192.0.2.1.
	e := newEnvWith(t, Options{LoginRatePerMin: 1, TrustedProxies: []string{"192.0.2.0/24"}})
	for i := 0; i < 3; i++ {
		rec, _ := e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ann@example.com", "password": "x"},
			"X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i+1))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "each forwarded client has its own bucket")
	}
	rec, _ := e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ann@example.com", "password": "x"},
		"X-Forwarded-For", "198.51.100.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	e := newEnv(t, 0)
	rec, r := e.do(t, http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, r.Success)
}
