package server

import (
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/openmemory/openmemory-go/pkg/config"
	"github.com/openmemory/openmemory-go/pkg/embedder"
)

func (s *Server) embedConfig(c *gin.Context) {
	cfg := s.deps.Holder.Get()
	c.JSON(http.StatusOK, gin.H{
		"kind":       cfg.EmbedKind,
		"model":      cfg.EmbedModel,
		"dimensions": s.deps.Provider.Dimensions(),
		"mode":       cfg.EmbedMode,
		"provider":   s.deps.Provider.Name(),
	})
}

// updateEmbedConfig adjusts the embedding environment and reloads the
// config snapshot. Provider processes pick the change up lazily; the
// running provider instance is not swapped mid-flight.
func (s *Server) updateEmbedConfig(c *gin.Context) {
	var req struct {
		Kind   string `json:"kind,omitempty"`
		Model  string `json:"model,omitempty"`
		Mode   string `json:"mode,omitempty"`
		VecDim int    `json:"vec_dim,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		failBind(c, err)
		return
	}
	if req.Kind != "" {
		switch config.EmbedKind(req.Kind) {
		case config.EmbedSynthetic, config.EmbedLocalDaemon, config.EmbedRemoteAPI, config.EmbedRouter:
		default:
			failValidation(c, "unknown embed kind %q", req.Kind)
			return
		}
		_ = os.Setenv("EMBED_KIND", req.Kind)
	}
	if req.Model != "" {
		_ = os.Setenv("EMBED_MODEL", req.Model)
	}
	if req.Mode != "" {
		_ = os.Setenv("EMBED_MODE", req.Mode)
	}
	if req.VecDim > 0 {
		_ = os.Setenv("VEC_DIM", strconv.Itoa(req.VecDim))
	}
	cfg, err := s.deps.Holder.Reload()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"kind":  cfg.EmbedKind,
		"model": cfg.EmbedModel,
		"mode":  cfg.EmbedMode,
	})
}

// ollamaStatus keeps a stable response shape whether or not the daemon
// is configured or reachable.
func (s *Server) ollamaStatus(c *gin.Context) {
	cfg := s.deps.Holder.Get()
	health := embedder.Health{}
	if cfg.EmbedKind == config.EmbedLocalDaemon || cfg.EmbedKind == config.EmbedRouter {
		health = s.deps.Provider.Health(c.Request.Context())
	}
	c.JSON(http.StatusOK, gin.H{
		"available":     health.Available,
		"version":       health.Version,
		"models_loaded": health.ModelsLoaded,
	})
}
