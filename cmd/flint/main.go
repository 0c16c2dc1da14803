// Command flint runs the workflow engine: it loads workflow definitions,
// opens the libSQL store, starts the interval scheduler, and serves the
// HTTP API until interrupted.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ossian/flint/internal/api"
	"github.com/ossian/flint/internal/definition"
	"github.com/ossian/flint/internal/engine"
	"github.com/ossian/flint/internal/enrich"
	"github.com/ossian/flint/internal/logging"
	"github.com/ossian/flint/internal/provider"
	"github.com/ossian/flint/internal/scheduler"
	"github.com/ossian/flint/internal/secrets"
	"github.com/ossian/flint/internal/store"
	"github.com/ossian/flint/internal/stream"
	"github.com/ossian/flint/internal/template"
	"github.com/ossian/flint/internal/trigger"
	"github.com/ossian/flint/pkg/schema"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version)
		return
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "flint: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting flint", "version", version, "listen_addr", cfg.ListenAddr)

	if err := os.MkdirAll(flintDir(), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	vault, err := newVault(cfg, st)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}

	registry := provider.NewRegistry()
	for _, p := range []provider.Provider{
		provider.NewHTTPProvider(),
		provider.NewLogProvider(logger),
	} {
		if err := registry.Register(p); err != nil {
			return fmt.Errorf("register provider: %w", err)
		}
	}

	tmpl := template.NewEngine()
	cel, err := trigger.NewCELEngine()
	if err != nil {
		return fmt.Errorf("init cel: %w", err)
	}

	hub := stream.NewMemoryHub()

	runSched := engine.NewScheduler(st, enrich.NewStoreSink(st), registry, vault, tmpl,
		engine.WithHub(hub),
		engine.WithBreakers(provider.NewBreakerRegistry(provider.DefaultBreakerConfig())),
		engine.WithLogger(logger),
	)
	svc := engine.NewService(st, trigger.NewMatcher(cel, logger), runSched, engine.NewRunPool(cfg.PoolSize), logger)
	defer svc.Shutdown()

	defs, err := loadWorkflows(ctx, cfg, st, cel, registry, tmpl, logger)
	if err != nil {
		return err
	}

	cron := scheduler.New(st, svc, scheduler.WithLogger(logger))
	if err := cron.Sync(ctx, defs); err != nil {
		return fmt.Errorf("sync interval schedules: %w", err)
	}
	if err := cron.RecoverMissed(ctx); err != nil {
		logger.Warn("recover missed schedules", "error", err)
	}
	if err := cron.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer cron.Stop()

	apiServer := api.NewServer(api.Deps{
		Store:   st,
		Service: svc,
		Hub:     hub,
		Logger:  logger,
		RunLog:  store.NewRunLog(st),
	})
	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     apiServer.Handler(),
		ReadTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}

// newLogger builds the process logger: JSON output wrapped in the
// correlation handler so run_id/unit/alert_id ride along automatically.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// newVault picks the secret backend: AES-encrypted store persistence when
// a passphrase is configured, environment variables otherwise.
func newVault(cfg Config, st *store.LibSQLStore) (secrets.Vault, error) {
	if cfg.VaultPassphrase == "" {
		return secrets.NewEnvVault(""), nil
	}
	salt, err := loadOrCreateSalt(filepath.Join(flintDir(), "vault.salt"))
	if err != nil {
		return nil, err
	}
	return secrets.NewAESVault(st, secrets.VaultConfig{
		Passphrase: cfg.VaultPassphrase,
		Salt:       salt,
	})
}

// loadOrCreateSalt reads the PBKDF2 salt file, generating one on first use.
// The salt is not secret but must stay stable or stored secrets become
// undecryptable.
func loadOrCreateSalt(path string) ([]byte, error) {
	if salt, err := os.ReadFile(path); err == nil && len(salt) >= 16 {
		return salt, nil
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("write salt: %w", err)
	}
	return salt, nil
}

// loadWorkflows parses every definition in the workflow directory and
// persists the set to the store. A missing directory is not an error:
// workflows can still be registered through the API later.
func loadWorkflows(ctx context.Context, cfg Config, st store.Store, cel *trigger.CELEngine, registry *provider.Registry, tmpl *template.Engine, logger *slog.Logger) ([]*schema.WorkflowDefinition, error) {
	loader, err := definition.NewLoader(tmpl, cel, registry)
	if err != nil {
		return nil, fmt.Errorf("init loader: %w", err)
	}
	if _, err := os.Stat(cfg.WorkflowDir); os.IsNotExist(err) {
		logger.Info("workflow directory does not exist, skipping", "dir", cfg.WorkflowDir)
		return nil, nil
	}
	defs, err := loader.LoadDir(cfg.WorkflowDir)
	if err != nil {
		return nil, fmt.Errorf("load workflows: %w", err)
	}
	for _, def := range defs {
		if err := st.SaveWorkflow(ctx, def); err != nil {
			return nil, fmt.Errorf("save workflow %s: %w", def.ID, err)
		}
	}
	logger.Info("workflows loaded", "count", len(defs), "dir", cfg.WorkflowDir)
	return defs, nil
}
