package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/openmemory/openmemory-go/pkg/auth"
	"github.com/openmemory/openmemory-go/pkg/core"
)

func (s *Server) listUsers(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("l", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("u", "0"))
	users, err := s.deps.Store.ListUsers(c.Request.Context(), limit, offset)
	if err != nil {
		fail(c, core.E("listUsers", err))
		return
	}
	items := make([]gin.H, 0, len(users))
	for _, u := range users {
		items = append(items, gin.H{
			"id":               u.ID,
			"summary":          u.Summary,
			"reflection_count": u.ReflectionCount,
			"created_at":       u.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"users": items, "count": len(items)})
}

func (s *Server) createUser(c *gin.Context) {
	var req struct {
		ID string `json:"id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		failBind(c, err)
		return
	}
	if req.ID == "" {
		failValidation(c, "id is required")
		return
	}
	if err := s.deps.Store.UpsertUser(c.Request.Context(), req.ID); err != nil {
		fail(c, core.E("createUser", err))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": req.ID})
}

func (s *Server) getUser(c *gin.Context) {
	u, err := s.deps.Store.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, core.E("getUser", err))
		return
	}
	if u == nil {
		fail(c, core.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":               u.ID,
		"summary":          u.Summary,
		"reflection_count": u.ReflectionCount,
		"created_at":       u.CreatedAt,
	})
}

// deleteUser removes a user row and every memory under it.
func (s *Server) deleteUser(c *gin.Context) {
	userID := c.Param("id")
	if _, err := s.deps.Engine.DeleteAllForUser(c.Request.Context(), userID); err != nil {
		fail(c, err)
		return
	}
	if err := s.deps.Store.DeleteUser(c.Request.Context(), userID); err != nil {
		fail(c, core.E("deleteUser", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": userID})
}

func (s *Server) listUserKeys(c *gin.Context) {
	keys, err := s.deps.Auth.ListKeys(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	items := make([]gin.H, 0, len(keys))
	for _, k := range keys {
		items = append(items, gin.H{
			"id":           k.ID,
			"scopes":       k.Scopes,
			"created_at":   k.CreatedAt,
			"last_used_at": k.LastUsedAt,
			"disabled":     k.Disabled,
		})
	}
	c.JSON(http.StatusOK, gin.H{"keys": items, "count": len(items)})
}

// issueUserKey mints a key. The secret appears once in this response
// and is never retrievable again.
func (s *Server) issueUserKey(c *gin.Context) {
	var req struct {
		Scopes []string `json:"scopes,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		failBind(c, err)
		return
	}
	for _, scope := range req.Scopes {
		switch scope {
		case auth.ScopeMemoryRead, auth.ScopeMemoryWrite, auth.ScopeAdminAll:
		default:
			failValidation(c, "unknown scope %q", scope)
			return
		}
	}
	issued, err := s.deps.Auth.IssueKey(c.Request.Context(), c.Param("id"), req.Scopes)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, issued)
}

func (s *Server) backupStatus(c *gin.Context) {
	cfg := s.deps.Holder.Get()
	if s.deps.Backups == nil {
		c.JSON(http.StatusOK, gin.H{
			"supported": false,
			"backend":   s.deps.Store.Dialect(),
			"note":      "use server-native tooling for the remote backend",
		})
		return
	}
	infos, err := s.deps.Backups.List()
	if err != nil {
		fail(c, core.E("backupStatus", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"supported": true,
		"directory": cfg.BackupDir,
		"backups":   infos,
		"count":     len(infos),
	})
}

func (s *Server) dashboardStats(c *gin.Context) {
	stats, err := s.deps.Store.Stats(c.Request.Context())
	if err != nil {
		fail(c, core.E("dashboardStats", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"memories":  stats.Memories,
		"vectors":   stats.Vectors,
		"waypoints": stats.Waypoints,
		"facts":     stats.Facts,
		"edges":     stats.Edges,
		"users":     stats.Users,
		"by_sector": stats.BySector,
	})
}
