package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openmemory/openmemory-go/pkg/auth"
	"github.com/openmemory/openmemory-go/pkg/temporal"
)

func (s *Server) insertFact(c *gin.Context) {
	if !requireScope(c, auth.ScopeMemoryWrite) {
		return
	}
	var req temporal.FactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBind(c, err)
		return
	}
	req.UserID = resolveUser(c, req.UserID)
	fact, err := s.deps.Temporal.InsertFact(c.Request.Context(), &req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, fact)
}

// queryFacts filters by subject and predicate, optionally evaluated as
// of a point in time (as_of, RFC 3339).
func (s *Server) queryFacts(c *gin.Context) {
	if !requireScope(c, auth.ScopeMemoryRead) {
		return
	}
	q := temporal.Query{
		UserID:    resolveUser(c, c.Query("user_id")),
		Subject:   c.Query("subject"),
		Predicate: c.Query("predicate"),
	}
	if v := c.Query("limit"); v != "" {
		q.Limit, _ = strconv.Atoi(v)
	}
	if v := c.Query("as_of"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			failValidation(c, "as_of must be RFC 3339: %v", err)
			return
		}
		q.AsOf = &t
	}
	facts, err := s.deps.Temporal.QueryFacts(c.Request.Context(), &q)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"facts": facts, "count": len(facts)})
}

func (s *Server) insertEdge(c *gin.Context) {
	if !requireScope(c, auth.ScopeMemoryWrite) {
		return
	}
	var req temporal.EdgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBind(c, err)
		return
	}
	req.UserID = resolveUser(c, req.UserID)
	id, err := s.deps.Temporal.InsertEdge(c.Request.Context(), &req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}
