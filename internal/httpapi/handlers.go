package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentcom/agentcom/internal/common/logger"
	"github.com/agentcom/agentcom/internal/repos"
	"github.com/agentcom/agentcom/internal/taskqueue"
	v1 "github.com/agentcom/agentcom/pkg/api/v1"
)

type api struct {
	deps   Deps
	logger *logger.Logger
}

func (a *api) registerRoutes(router *gin.Engine) {
	router.GET("/health", a.health)

	authed := router.Group("/", a.requireAuth())
	authed.GET("/tasks", a.listTasks)
	authed.GET("/tasks/:id", a.getTask)
	authed.GET("/agents", a.listAgents)
	authed.GET("/repos", a.listRepos)
	authed.GET("/stats", a.stats)

	admin := authed.Group("/", a.requireAdmin())
	admin.POST("/tasks", a.submitTask)
	admin.POST("/tasks/:id/retry", a.retryTask)
	admin.POST("/admin/tokens", a.issueToken)
	admin.DELETE("/admin/tokens/:agent_id", a.revokeToken)
	admin.POST("/repos", a.createRepo)
	admin.POST("/repos/:id/pause", a.pauseRepo)
	admin.POST("/repos/:id/resume", a.resumeRepo)
	admin.DELETE("/repos/:id", a.deleteRepo)
}

func (a *api) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "agentcom",
		"time":    time.Now().UnixMilli(),
	})
}

func (a *api) submitTask(c *gin.Context) {
	var req v1.SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, http.StatusUnprocessableEntity, "validation_failed", err.Error())
		return
	}
	task, err := a.deps.Queue.Submit(&req)
	if err != nil {
		abortWith(c, http.StatusUnprocessableEntity, "validation_failed", err.Error())
		return
	}
	a.logger.Info("task submitted",
		zap.String("task_id", task.ID),
		zap.String("caller", c.GetString(callerKey)))
	c.JSON(http.StatusCreated, task)
}

func (a *api) listTasks(c *gin.Context) {
	filter := taskqueue.Filter{
		Status: v1.TaskStatus(c.Query("status")),
		Repo:   c.Query("repo"),
	}
	if p := c.Query("priority"); p != "" {
		priority, err := v1.ParsePriority(p)
		if err != nil {
			abortWith(c, http.StatusUnprocessableEntity, "validation_failed", err.Error())
			return
		}
		filter.Priority = &priority
	}
	tasks := a.deps.Queue.List(filter)
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "total": len(tasks)})
}

func (a *api) getTask(c *gin.Context) {
	task, err := a.deps.Queue.Get(c.Param("id"))
	if err != nil {
		abortWith(c, http.StatusNotFound, "not_found", "task not found")
		return
	}
	c.JSON(http.StatusOK, task)
}

func (a *api) retryTask(c *gin.Context) {
	task, err := a.deps.Queue.RetryDeadLetter(c.Param("id"))
	switch {
	case errors.Is(err, taskqueue.ErrNotFound):
		abortWith(c, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, taskqueue.ErrNotDeadLetter):
		abortWith(c, http.StatusConflict, "wrong_state", "task is not dead-lettered")
	case err != nil:
		abortWith(c, http.StatusInternalServerError, "internal_error", err.Error())
	default:
		c.JSON(http.StatusOK, task)
	}
}

type issueTokenRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
}

func (a *api) issueToken(c *gin.Context) {
	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, http.StatusUnprocessableEntity, "validation_failed", err.Error())
		return
	}
	token, err := a.deps.Auth.Issue(req.AgentID)
	if err != nil {
		abortWith(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agent_id": req.AgentID, "token": token})
}

func (a *api) revokeToken(c *gin.Context) {
	agentID := c.Param("agent_id")
	if err := a.deps.Auth.Revoke(agentID); err != nil {
		abortWith(c, http.StatusNotFound, "not_found", "no token for agent")
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": agentID, "revoked": true})
}

func (a *api) listAgents(c *gin.Context) {
	infos := a.deps.Presence.List()
	agents := make([]v1.AgentInfo, 0, len(infos))
	for _, info := range infos {
		snap, _ := a.deps.Agents.Snapshot(info.AgentID)
		agents = append(agents, v1.AgentInfo{
			AgentID:      info.AgentID,
			Name:         info.Name,
			Capabilities: info.Capabilities,
			Status:       info.Status,
			State:        snap.State,
			CurrentTask:  snap.TaskID,
			ConnectedAt:  info.ConnectedAt.UnixMilli(),
			LastSeenAt:   info.LastSeenAt.UnixMilli(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "total": len(agents)})
}

func (a *api) stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"tasks":       a.deps.Queue.QueueStats(),
		"agents":      a.deps.Presence.Count(),
		"connections": a.deps.Hub.ConnectionCount(),
	})
}

func (a *api) listRepos(c *gin.Context) {
	list := a.deps.Repos.List()
	c.JSON(http.StatusOK, gin.H{"repositories": list, "total": len(list)})
}

func (a *api) createRepo(c *gin.Context) {
	var req v1.CreateRepositoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, http.StatusUnprocessableEntity, "validation_failed", err.Error())
		return
	}
	repo, err := a.deps.Repos.Create(&req)
	if err != nil {
		if errors.Is(err, repos.ErrExists) {
			abortWith(c, http.StatusConflict, "already_exists", "repository already exists")
			return
		}
		abortWith(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	c.JSON(http.StatusCreated, repo)
}

func (a *api) pauseRepo(c *gin.Context) {
	a.setRepoStatus(c, a.deps.Repos.Pause)
}

func (a *api) resumeRepo(c *gin.Context) {
	a.setRepoStatus(c, a.deps.Repos.Resume)
}

func (a *api) setRepoStatus(c *gin.Context, op func(string) error) {
	id := c.Param("id")
	if err := op(id); err != nil {
		if errors.Is(err, repos.ErrNotFound) {
			abortWith(c, http.StatusNotFound, "not_found", "repository not found")
			return
		}
		abortWith(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	repo, err := a.deps.Repos.Get(id)
	if err != nil {
		abortWith(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, repo)
}

func (a *api) deleteRepo(c *gin.Context) {
	if err := a.deps.Repos.Delete(c.Param("id")); err != nil {
		abortWith(c, http.StatusNotFound, "not_found", "repository not found")
		return
	}
	c.Status(http.StatusNoContent)
}
