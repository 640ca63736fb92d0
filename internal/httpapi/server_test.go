package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentcom/agentcom/internal/agent"
	"github.com/agentcom/agentcom/internal/auth"
	"github.com/agentcom/agentcom/internal/common/logger"
	"github.com/agentcom/agentcom/internal/gateway/websocket"
	"github.com/agentcom/agentcom/internal/presence"
	"github.com/agentcom/agentcom/internal/repos"
	"github.com/agentcom/agentcom/internal/store"
	"github.com/agentcom/agentcom/internal/taskqueue"
	v1 "github.com/agentcom/agentcom/pkg/api/v1"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

type apiFixture struct {
	router     *gin.Engine
	queue      *taskqueue.Queue
	presence   *presence.Registry
	adminToken string
	agentToken string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := newTestLogger(t)

	st, err := store.Open(t.TempDir(), log)
	require.NoError(t, err)

	tokens, err := st.Table("tokens")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tokens.Close() })
	authReg, err := auth.NewRegistry(tokens, []string{"admin"}, log)
	require.NoError(t, err)

	queue, err := taskqueue.New(st, nil, 50, time.Minute, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = queue.Close() })

	pres := presence.NewRegistry(nil, time.Minute, time.Minute, log)
	agents := agent.NewManager(nil, time.Minute, log)
	agents.SetReclaimer(queue)

	repoReg, err := repos.NewRegistry(st, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repoReg.Close() })

	hub := websocket.NewHub(authReg, pres, agents, queue, nil, 10, log)

	adminToken, err := authReg.Issue("admin")
	require.NoError(t, err)
	agentToken, err := authReg.Issue("worker")
	require.NoError(t, err)

	router := gin.New()
	a := &api{
		deps: Deps{
			Auth:     authReg,
			Queue:    queue,
			Presence: pres,
			Agents:   agents,
			Repos:    repoReg,
			Hub:      hub,
		},
		logger: log.WithFields(zap.String("component", "httpapi")),
	}
	a.registerRoutes(router)

	return &apiFixture{
		router:     router,
		queue:      queue,
		presence:   pres,
		adminToken: adminToken,
		agentToken: agentToken,
	}
}

func (fx *apiFixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)
	return w
}

func TestHealthIsOpen(t *testing.T) {
	fx := newAPIFixture(t)

	w := fx.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestAuthRequired(t *testing.T) {
	fx := newAPIFixture(t)

	w := fx.do(t, http.MethodGet, "/tasks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = fx.do(t, http.MethodGet, "/tasks", "bogus-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = fx.do(t, http.MethodGet, "/tasks", fx.agentToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminRequiredForMutations(t *testing.T) {
	fx := newAPIFixture(t)

	req := v1.SubmitTaskRequest{Description: "build it"}
	w := fx.do(t, http.MethodPost, "/tasks", fx.agentToken, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = fx.do(t, http.MethodPost, "/tasks", fx.adminToken, req)
	assert.Equal(t, http.StatusCreated, w.Code)

	var task v1.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, v1.TaskQueued, task.Status)
	assert.Equal(t, "build it", task.Description)
}

func TestSubmitValidation(t *testing.T) {
	fx := newAPIFixture(t)

	w := fx.do(t, http.MethodPost, "/tasks", fx.adminToken, map[string]interface{}{"priority": "high"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var apiErr apiError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	assert.Equal(t, "validation_failed", apiErr.Code)
}

func TestGetAndListTasks(t *testing.T) {
	fx := newAPIFixture(t)

	submitted, err := fx.queue.Submit(&v1.SubmitTaskRequest{Description: "a", Priority: "high", Repo: "backend"})
	require.NoError(t, err)
	_, err = fx.queue.Submit(&v1.SubmitTaskRequest{Description: "b", Priority: "low"})
	require.NoError(t, err)

	w := fx.do(t, http.MethodGet, "/tasks/"+submitted.ID, fx.agentToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var task v1.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, submitted.ID, task.ID)

	w = fx.do(t, http.MethodGet, "/tasks/task-missing", fx.agentToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = fx.do(t, http.MethodGet, "/tasks?priority=high", fx.agentToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Tasks []v1.Task `json:"tasks"`
		Total int       `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, submitted.ID, list.Tasks[0].ID)

	w = fx.do(t, http.MethodGet, "/tasks?priority=extreme", fx.agentToken, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestRetryDeadLetterEndpoint(t *testing.T) {
	fx := newAPIFixture(t)

	one := 1
	task, err := fx.queue.Submit(&v1.SubmitTaskRequest{Description: "doomed", MaxRetries: &one})
	require.NoError(t, err)

	// A live task cannot be retried.
	w := fx.do(t, http.MethodPost, "/tasks/"+task.ID+"/retry", fx.adminToken, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	assigned, err := fx.queue.Assign(task.ID, "worker", 0)
	require.NoError(t, err)
	_, err = fx.queue.Fail(task.ID, "worker", assigned.Generation, "fatal")
	require.NoError(t, err)

	w = fx.do(t, http.MethodPost, "/tasks/"+task.ID+"/retry", fx.adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var requeued v1.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &requeued))
	assert.Equal(t, v1.TaskQueued, requeued.Status)

	w = fx.do(t, http.MethodPost, "/tasks/task-missing/retry", fx.adminToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTokenAdministration(t *testing.T) {
	fx := newAPIFixture(t)

	w := fx.do(t, http.MethodPost, "/admin/tokens", fx.adminToken, map[string]string{"agent_id": "fresh-agent"})
	require.Equal(t, http.StatusCreated, w.Code)
	var issued struct {
		AgentID string `json:"agent_id"`
		Token   string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &issued))
	assert.Equal(t, "fresh-agent", issued.AgentID)
	assert.NotEmpty(t, issued.Token)

	// The issued token works against the read API.
	w = fx.do(t, http.MethodGet, "/stats", issued.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = fx.do(t, http.MethodDelete, "/admin/tokens/fresh-agent", fx.adminToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = fx.do(t, http.MethodGet, "/stats", issued.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = fx.do(t, http.MethodDelete, "/admin/tokens/fresh-agent", fx.adminToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRepoEndpoints(t *testing.T) {
	fx := newAPIFixture(t)

	create := v1.CreateRepositoryRequest{ID: "backend", Name: "Backend", URL: "https://example.com/backend.git"}
	w := fx.do(t, http.MethodPost, "/repos", fx.adminToken, create)
	require.Equal(t, http.StatusCreated, w.Code)

	w = fx.do(t, http.MethodPost, "/repos", fx.adminToken, create)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = fx.do(t, http.MethodPost, "/repos/backend/pause", fx.adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var repo v1.Repository
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &repo))
	assert.Equal(t, v1.RepoPaused, repo.Status)

	w = fx.do(t, http.MethodPost, "/repos/backend/resume", fx.adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &repo))
	assert.Equal(t, v1.RepoActive, repo.Status)

	w = fx.do(t, http.MethodGet, "/repos", fx.agentToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Repositories []v1.Repository `json:"repositories"`
		Total        int             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)

	w = fx.do(t, http.MethodDelete, "/repos/backend", fx.adminToken, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = fx.do(t, http.MethodPost, "/repos/ghost/pause", fx.adminToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatsAndAgents(t *testing.T) {
	fx := newAPIFixture(t)

	fx.presence.Register("worker", "Worker One", []string{"go"}, "ready")
	_, err := fx.queue.Submit(&v1.SubmitTaskRequest{Description: "queued"})
	require.NoError(t, err)

	w := fx.do(t, http.MethodGet, "/stats", fx.agentToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		Tasks  taskqueue.Stats `json:"tasks"`
		Agents int             `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Tasks.Queued)
	assert.Equal(t, 1, stats.Agents)

	w = fx.do(t, http.MethodGet, "/agents", fx.agentToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var agentList struct {
		Agents []v1.AgentInfo `json:"agents"`
		Total  int            `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agentList))
	require.Equal(t, 1, agentList.Total)
	assert.Equal(t, "worker", agentList.Agents[0].AgentID)
	assert.Equal(t, "Worker One", agentList.Agents[0].Name)
}
