package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/openmemory/openmemory-go/pkg/auth"
	"github.com/openmemory/openmemory-go/pkg/core"
)

const identityKey = "om.identity"

// fail writes the error envelope and aborts. Internal details stay in
// the log; the envelope carries the taxonomy code and message only.
func fail(c *gin.Context, err error) {
	status := core.HTTPStatus(err)
	if status >= 500 {
		log.Error("request failed", "path", c.FullPath(), "err", err)
	}
	body := gin.H{"err": core.Code(err), "message": err.Error()}
	c.AbortWithStatusJSON(status, body)
}

func failValidation(c *gin.Context, format string, args ...interface{}) {
	fail(c, core.EK("http", core.KindValidation, fmt.Errorf(format, args...)))
}

// failBind classifies a body decode error: a body cut off by the size cap
// reports file_too_large, anything else is a validation error.
func failBind(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		fail(c, core.EK("http", core.KindFileTooLarge, err))
		return
	}
	failValidation(c, "invalid body: %v", err)
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"took", time.Since(start))
	}
}

// bodyLimit caps request bodies at the configured payload size.
func (s *Server) bodyLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := s.deps.Holder.Get()
		if c.Request.Body != nil && cfg.MaxPayloadSize > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, cfg.MaxPayloadSize)
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return token
	}
	return c.GetHeader("X-API-Key")
}

// authenticate resolves the caller to an identity. Admin key and the
// static shared key grant full access; scoped keys go through the key
// store. With no credentials configured the server runs open, which is
// the development default.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := s.deps.Holder.Get()
		token := bearerToken(c)

		if cfg.AdminKey == "" && cfg.APIKey == "" {
			c.Set(identityKey, &auth.Identity{Scopes: []string{auth.ScopeAdminAll}})
			c.Next()
			return
		}
		if token == "" {
			fail(c, core.EK("authenticate", core.KindUnauthorized, fmt.Errorf("missing credentials")))
			return
		}
		if s.deps.Auth.VerifyAdmin(token) {
			c.Set(identityKey, &auth.Identity{Scopes: []string{auth.ScopeAdminAll}})
			c.Next()
			return
		}
		if cfg.APIKey != "" && token == cfg.APIKey {
			c.Set(identityKey, &auth.Identity{
				Scopes: []string{auth.ScopeMemoryRead, auth.ScopeMemoryWrite},
			})
			c.Next()
			return
		}
		id, err := s.deps.Auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			fail(c, err)
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := s.deps.Holder.Get()
		token := bearerToken(c)

		if cfg.AdminKey == "" {
			// Open mode. The admin surface stays reachable locally.
			c.Set(identityKey, &auth.Identity{Scopes: []string{auth.ScopeAdminAll}})
			c.Next()
			return
		}
		if s.deps.Auth.VerifyAdmin(token) {
			c.Set(identityKey, &auth.Identity{Scopes: []string{auth.ScopeAdminAll}})
			c.Next()
			return
		}
		if id, err := s.deps.Auth.Authenticate(c.Request.Context(), token); err == nil && id.HasScope(auth.ScopeAdminAll) {
			c.Set(identityKey, id)
			c.Next()
			return
		}
		fail(c, core.EK("requireAdmin", core.KindForbidden, fmt.Errorf("admin access required")))
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := s.deps.Holder.Get()
		if !cfg.RateLimitEnabled || s.deps.Limiter == nil {
			c.Next()
			return
		}
		key := c.ClientIP()
		if id := identity(c); id != nil && id.KeyID != "" {
			key = id.KeyID
		}
		retryAfter, err := s.deps.Limiter.Allow(c.Request.Context(), key)
		if err != nil {
			if core.KindOf(err) == core.KindRateLimited {
				c.Header("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())+1))
			}
			fail(c, err)
			return
		}
		c.Next()
	}
}

func identity(c *gin.Context) *auth.Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	id, _ := v.(*auth.Identity)
	return id
}

// resolveUser picks the effective tenant: an explicit user_id when the
// caller may act across tenants, otherwise the identity's own user.
func resolveUser(c *gin.Context, requested string) string {
	id := identity(c)
	if id == nil || id.UserID == "" {
		if requested == "" {
			return "default"
		}
		return requested
	}
	if requested != "" && requested != id.UserID && !id.HasScope(auth.ScopeAdminAll) {
		return id.UserID
	}
	if requested == "" {
		return id.UserID
	}
	return requested
}

func requireScope(c *gin.Context, scope string) bool {
	id := identity(c)
	if id == nil || id.HasScope(scope) {
		return true
	}
	fail(c, core.EK("requireScope", core.KindForbidden, fmt.Errorf("missing scope %s", scope)))
	return false
}
