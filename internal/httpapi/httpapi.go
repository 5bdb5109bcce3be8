// Package httpapi serves the dashboard: read access to sessions, issues,
// plans, and stats, plus a limited write surface for context items. Same
// services and envelopes as the tool RPC, over HTTP.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/savecontext/savecontext/internal/storage"
	"github.com/savecontext/savecontext/internal/types"
)

// API wraps the store for the dashboard routes.
type API struct {
	store storage.Storage
}

// New builds the dashboard API.
func New(store storage.Storage) *API {
	return &API{store: store}
}

// Router assembles the gin engine.
func (a *API) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	{
		api.GET("/sessions", a.listSessions)
		api.GET("/sessions/:id", a.getSession)
		api.GET("/sessions/:id/items", a.listSessionItems)
		api.POST("/sessions/:id/items", a.saveSessionItem)
		api.GET("/issues", a.listIssues)
		api.GET("/plans", a.listPlans)
		api.GET("/checkpoints", a.listCheckpoints)
		api.GET("/stats", a.getStats)
	}
	return r
}

// envelope mirrors the tool RPC result shape.
func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func respondErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch storage.Code(err) {
	case "not_found":
		status = http.StatusNotFound
	case "validation":
		status = http.StatusBadRequest
	case "conflict", "integrity":
		status = http.StatusConflict
	case "unavailable":
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"success": false,
		"error":   gin.H{"code": storage.Code(err), "message": err.Error()},
	})
}

func (a *API) listSessions(c *gin.Context) {
	sessions, err := a.store.ListSessions(c.Request.Context(), storage.SessionFilter{
		ProjectPath: c.Query("project_path"),
		Status:      types.SessionStatus(c.Query("status")),
		Query:       c.Query("q"),
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, sessions)
}

func (a *API) getSession(c *gin.Context) {
	sess, err := a.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	paths, err := a.store.GetSessionPaths(c.Request.Context(), sess.ID)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"session": sess, "paths": paths})
}

func (a *API) listSessionItems(c *gin.Context) {
	items, err := a.store.ListContextItems(c.Request.Context(), storage.ContextFilter{
		SessionID: c.Param("id"),
		Category:  types.Category(c.Query("category")),
		Channel:   c.Query("channel"),
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, items)
}

type saveItemRequest struct {
	Key      string   `json:"key" binding:"required"`
	Value    string   `json:"value" binding:"required"`
	Category string   `json:"category"`
	Priority string   `json:"priority"`
	Channel  string   `json:"channel"`
	Tags     []string `json:"tags"`
}

// saveSessionItem is the dashboard's one write: add or update a context
// item in a session.
func (a *API) saveSessionItem(c *gin.Context) {
	var req saveItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, storage.Validationf("malformed request: %v", err))
		return
	}
	sess, err := a.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	channel := req.Channel
	if channel == "" {
		channel = sess.Channel
	}
	item := &types.ContextItem{
		SessionID: sess.ID,
		Key:       req.Key,
		Value:     req.Value,
		Category:  types.Category(req.Category),
		Priority:  types.Priority(req.Priority),
		Channel:   channel,
		Tags:      req.Tags,
	}
	created, err := a.store.SaveContextItem(c.Request.Context(), item)
	if err != nil {
		respondErr(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respond(c, status, item)
}

func (a *API) listIssues(c *gin.Context) {
	filter := storage.IssueFilter{
		ProjectPath: c.Query("project_path"),
		Status:      types.IssueStatus(c.Query("status")),
		IssueType:   types.IssueType(c.Query("type")),
		SortBy:      c.Query("sort_by"),
	}
	if filter.ProjectPath == "" {
		filter.AllProjects = true
	}
	issues, err := a.store.ListIssues(c.Request.Context(), filter)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, issues)
}

func (a *API) listPlans(c *gin.Context) {
	plans, err := a.store.ListPlans(c.Request.Context(), c.Query("project_path"), types.PlanStatus(c.Query("status")))
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, plans)
}

func (a *API) listCheckpoints(c *gin.Context) {
	cps, err := a.store.ListCheckpoints(c.Request.Context(), c.Query("session_id"), c.Query("project_path"), 0)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, cps)
}

func (a *API) getStats(c *gin.Context) {
	stats, err := a.store.GetStats(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, stats)
}
