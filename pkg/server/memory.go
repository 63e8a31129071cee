package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/openmemory/openmemory-go/pkg/auth"
	"github.com/openmemory/openmemory-go/pkg/core"
	"github.com/openmemory/openmemory-go/pkg/intelligence"
	"github.com/openmemory/openmemory-go/pkg/storage"
	"github.com/openmemory/openmemory-go/pkg/webhook"
)

func (s *Server) addMemory(c *gin.Context) {
	if !requireScope(c, auth.ScopeMemoryWrite) {
		return
	}
	var req core.AddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBind(c, err)
		return
	}
	req.UserID = resolveUser(c, req.UserID)
	res, err := s.deps.Engine.Add(c.Request.Context(), &req)
	if err != nil {
		fail(c, err)
		return
	}
	s.emit(c, req.UserID, webhook.EventMemoryAdded, res)
	c.JSON(http.StatusCreated, res)
}

func (s *Server) queryMemory(c *gin.Context) {
	if !requireScope(c, auth.ScopeMemoryRead) {
		return
	}
	var req core.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBind(c, err)
		return
	}
	req.UserID = resolveUser(c, req.UserID)

	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		s.streamQuery(c, &req)
		return
	}
	results, err := s.deps.Engine.Query(c.Request.Context(), &req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

// streamQuery writes ranked batches as SSE frames. The stream always
// terminates with a done or error event.
func (s *Server) streamQuery(c *gin.Context, req *core.QueryRequest) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	batches, errs := s.deps.Engine.QueryStream(c.Request.Context(), req)
	total := 0
	for batch := range batches {
		total += len(batch)
		c.SSEvent("memories", batch)
		c.Writer.Flush()
	}
	if err := <-errs; err != nil {
		c.SSEvent("error", gin.H{"err": core.Code(err), "message": err.Error()})
		c.Writer.Flush()
		return
	}
	c.SSEvent("done", gin.H{"count": total})
	c.Writer.Flush()
}

func (s *Server) listMemories(c *gin.Context) {
	if !requireScope(c, auth.ScopeMemoryRead) {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("l", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("u", "0"))
	opts := storage.ListOptions{
		UserID: resolveUser(c, c.Query("user_id")),
		Sector: c.Query("sector"),
		Limit:  limit,
		Offset: offset,
	}
	memories, err := s.deps.Engine.List(c.Request.Context(), opts)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": memories, "count": len(memories)})
}

func (s *Server) getMemory(c *gin.Context) {
	if !requireScope(c, auth.ScopeMemoryRead) {
		return
	}
	userID := resolveUser(c, c.Query("user_id"))
	m, err := s.deps.Engine.Get(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) patchMemory(c *gin.Context) {
	if !requireScope(c, auth.ScopeMemoryWrite) {
		return
	}
	var req core.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBind(c, err)
		return
	}
	req.ID = c.Param("id")
	req.UserID = resolveUser(c, req.UserID)
	m, err := s.deps.Engine.Update(c.Request.Context(), &req)
	if err != nil {
		fail(c, err)
		return
	}
	s.emit(c, req.UserID, webhook.EventMemoryUpdated, m)
	c.JSON(http.StatusOK, m)
}

func (s *Server) deleteMemory(c *gin.Context) {
	if !requireScope(c, auth.ScopeMemoryWrite) {
		return
	}
	req := core.DeleteRequest{
		ID:           c.Param("id"),
		UserID:       resolveUser(c, c.Query("user_id")),
		CascadeFacts: c.Query("cascade_facts") == "true",
	}
	if err := s.deps.Engine.Delete(c.Request.Context(), &req); err != nil {
		fail(c, err)
		return
	}
	s.emit(c, req.UserID, webhook.EventMemoryDeleted, gin.H{"id": req.ID})
	c.JSON(http.StatusOK, gin.H{"deleted": req.ID})
}

func (s *Server) ingest(c *gin.Context) {
	if !requireScope(c, auth.ScopeMemoryWrite) {
		return
	}
	var req core.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBind(c, err)
		return
	}
	req.UserID = resolveUser(c, req.UserID)
	res, err := s.deps.Engine.Ingest(c.Request.Context(), &req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) reinforce(c *gin.Context) {
	if !requireScope(c, auth.ScopeMemoryWrite) {
		return
	}
	var req core.ReinforceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBind(c, err)
		return
	}
	req.User = resolveUser(c, req.User)
	m, err := s.deps.Engine.Reinforce(c.Request.Context(), &req)
	if err != nil {
		fail(c, err)
		return
	}
	s.emit(c, req.User, webhook.EventMemoryReinforced, gin.H{"id": m.ID, "salience": m.Salience})
	c.JSON(http.StatusOK, m)
}

func (s *Server) sectors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sectors": intelligence.AllSectors})
}

func (s *Server) listUserMemories(c *gin.Context) {
	if !requireScope(c, auth.ScopeMemoryRead) {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("l", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("u", "0"))
	opts := storage.ListOptions{
		UserID: resolveUser(c, c.Param("id")),
		Limit:  limit,
		Offset: offset,
	}
	memories, err := s.deps.Engine.List(c.Request.Context(), opts)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": memories, "count": len(memories)})
}

func (s *Server) deleteUserMemories(c *gin.Context) {
	if !requireScope(c, auth.ScopeMemoryWrite) {
		return
	}
	userID := resolveUser(c, c.Param("id"))
	n, err := s.deps.Engine.DeleteAllForUser(c.Request.Context(), userID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (s *Server) subscribeWebhook(c *gin.Context) {
	if !requireScope(c, auth.ScopeMemoryWrite) {
		return
	}
	var req struct {
		UserID string   `json:"user_id"`
		URL    string   `json:"url"`
		Events []string `json:"events,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		failBind(c, err)
		return
	}
	if req.URL == "" {
		failValidation(c, "url is required")
		return
	}
	row, err := s.deps.Dispatcher.Subscribe(c.Request.Context(), resolveUser(c, req.UserID), req.URL, req.Events)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": row.ID, "url": row.URL, "events": row.Events})
}

func (s *Server) listWebhooks(c *gin.Context) {
	if !requireScope(c, auth.ScopeMemoryRead) {
		return
	}
	hooks, err := s.deps.Dispatcher.Subscriptions(c.Request.Context(), resolveUser(c, c.Query("user_id")))
	if err != nil {
		fail(c, err)
		return
	}
	items := make([]gin.H, 0, len(hooks))
	for _, h := range hooks {
		items = append(items, gin.H{
			"id":         h.ID,
			"url":        h.URL,
			"events":     h.Events,
			"created_at": h.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": items, "count": len(items)})
}

func (s *Server) unsubscribeWebhook(c *gin.Context) {
	if !requireScope(c, auth.ScopeMemoryWrite) {
		return
	}
	id := c.Param("id")
	err := s.deps.Dispatcher.Unsubscribe(c.Request.Context(), id, resolveUser(c, c.Query("user_id")))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			fail(c, core.EK("unsubscribeWebhook", core.KindNotFound, err))
			return
		}
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// emit queues a webhook event; delivery failures never affect the
// request that triggered them.
func (s *Server) emit(c *gin.Context, userID, event string, payload interface{}) {
	if s.deps.Dispatcher == nil {
		return
	}
	if err := s.deps.Dispatcher.Emit(c.Request.Context(), userID, event, payload); err != nil {
		log.Warn("webhook emit failed", "event", event, "err", err)
	}
}
