package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/openmemory/openmemory-go/pkg/auth"
	"github.com/openmemory/openmemory-go/pkg/backup"
	"github.com/openmemory/openmemory-go/pkg/config"
	"github.com/openmemory/openmemory-go/pkg/core"
	"github.com/openmemory/openmemory-go/pkg/crypto"
	"github.com/openmemory/openmemory-go/pkg/embedder"
	"github.com/openmemory/openmemory-go/pkg/embedder/ollama"
	"github.com/openmemory/openmemory-go/pkg/embedder/openai"
	"github.com/openmemory/openmemory-go/pkg/embedder/router"
	"github.com/openmemory/openmemory-go/pkg/embedder/synthetic"
	"github.com/openmemory/openmemory-go/pkg/llm"
	"github.com/openmemory/openmemory-go/pkg/scheduler"
	"github.com/openmemory/openmemory-go/pkg/server"
	"github.com/openmemory/openmemory-go/pkg/storage"
	"github.com/openmemory/openmemory-go/pkg/storage/postgres"
	"github.com/openmemory/openmemory-go/pkg/storage/sqlite"
	"github.com/openmemory/openmemory-go/pkg/temporal"
	"github.com/openmemory/openmemory-go/pkg/webhook"
)

// serveNodeID seeds the snowflake generator. Single-process deployments
// use one node; multi-node setups override it.
var serveNodeID int64

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run migrations, start background jobs and serve HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		holder := config.NewHolder(cfg)

		store, snap, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		if err := store.Migrate(cmd.Context()); err != nil {
			return err
		}

		keyring, err := crypto.ParseKeyring(cfg.EncryptionKeys)
		if err != nil {
			return err
		}

		provider, fallback, err := buildProvider(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = provider.Close() }()

		engine, err := core.New(store, provider, holder, serveNodeID,
			core.WithKeyring(keyring),
			core.WithFallback(fallback))
		if err != nil {
			return err
		}

		temporalSvc, err := temporal.New(store, serveNodeID)
		if err != nil {
			return err
		}

		authSvc := auth.New(store, cfg.AdminKey)
		var limiter *auth.Limiter
		if cfg.RateLimitEnabled {
			limiter = auth.NewLimiter(store, cfg.RateLimitWindow, cfg.RateLimitMaxRequests)
		}

		dispatcher := webhook.New(store)

		var backups *backup.Manager
		if snap != nil {
			backups = backup.NewManager(cfg.BackupDir, snap)
		}

		var summarizer llm.Summarizer = &llm.Extractive{}
		if cfg.OpenAIAPIKey != "" {
			summarizer = llm.NewOpenAI(cfg.OpenAIAPIKey, "")
		}

		sched := scheduler.New(store)
		scheduler.RegisterStandard(sched, scheduler.Deps{
			Store:      store,
			Holder:     holder,
			Engine:     engine,
			Keyring:    keyring,
			Summarizer: summarizer,
			Dispatcher: dispatcher,
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sched.Start()
		defer sched.Stop()

		srv := server.New(server.Deps{
			Holder:     holder,
			Store:      store,
			Engine:     engine,
			Temporal:   temporalSvc,
			Auth:       authSvc,
			Limiter:    limiter,
			Provider:   provider,
			Dispatcher: dispatcher,
			Backups:    backups,
		})
		return srv.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().Int64Var(&serveNodeID, "node-id", 1, "snowflake node id for generated identifiers")
}

// openStore opens the configured backend. The second return is non-nil
// only for the embedded backend, which supports file snapshots.
func openStore(cfg *config.Config) (storage.Store, *sqlite.Client, error) {
	switch cfg.MetadataBackend {
	case config.BackendEmbedded:
		c, err := sqlite.NewClient(&sqlite.Config{
			Path:      cfg.DBPath,
			Strict:    cfg.StrictTenant,
			VectorExt: cfg.VectorExt,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	case config.BackendRemote:
		c, err := postgres.NewClient(&postgres.Config{
			DSN:    cfg.PGDSN,
			Prefix: cfg.PGPrefix,
			Strict: cfg.StrictTenant,
			Vector: cfg.RemoteKNN,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown METADATA_BACKEND %q", errMisuse, cfg.MetadataBackend)
	}
}

// buildProvider assembles the embedding stack for EMBED_KIND. Every kind
// is fronted by the router so sector routing, request collapsing and the
// micro-cache apply uniformly, with the deterministic provider as the
// failure fallback.
func buildProvider(cfg *config.Config) (*router.Router, embedder.Provider, error) {
	det := synthetic.New(cfg.VecDim)

	var primary embedder.Provider
	switch cfg.EmbedKind {
	case config.EmbedSynthetic:
		primary = det
	case config.EmbedLocalDaemon:
		primary = ollama.New(cfg.OllamaURL, cfg.EmbedModel, cfg.VecDim)
	case config.EmbedRemoteAPI:
		if cfg.OpenAIAPIKey == "" {
			return nil, nil, fmt.Errorf("%w: EMBED_KIND=remote_api requires OPENAI_API_KEY", errMisuse)
		}
		primary = openai.New(cfg.OpenAIAPIKey, cfg.EmbedModel, cfg.VecDim)
	case config.EmbedRouter:
		// Router kind fans sectors out across local and remote when
		// both are configured, preferring local for cheap sectors.
		primary = ollama.New(cfg.OllamaURL, cfg.EmbedModel, cfg.VecDim)
		if cfg.OpenAIAPIKey != "" {
			remote := openai.New(cfg.OpenAIAPIKey, cfg.EmbedModel, cfg.VecDim)
			r := router.New(primary, det,
				router.WithTimeout(cfg.EmbedTimeout),
				router.WithRoute("semantic", remote),
				router.WithRoute("reflective", remote))
			return r, det, nil
		}
	default:
		return nil, nil, fmt.Errorf("%w: unknown EMBED_KIND %q", errMisuse, cfg.EmbedKind)
	}

	r := router.New(primary, det, router.WithTimeout(cfg.EmbedTimeout))
	if primary != det {
		log.Debug("embedding provider configured", "kind", cfg.EmbedKind, "provider", primary.Name())
	}
	return r, det, nil
}
