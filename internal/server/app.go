// Package server initializes and runs the chunk store server: database and
// migrations, the envelope keypair, the primary storage backend, the
// services on top of them and the public HTTP endpoint, with graceful
// shutdown on OS signals.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/chunkvault/chunkvault/internal/logging"
	"github.com/chunkvault/chunkvault/internal/server/chunkplan"
	"github.com/chunkvault/chunkvault/internal/server/config"
	"github.com/chunkvault/chunkvault/internal/server/credcache"
	"github.com/chunkvault/chunkvault/internal/server/httpapi"
	"github.com/chunkvault/chunkvault/internal/server/keyring"
	"github.com/chunkvault/chunkvault/internal/server/repositories/repomanager"
	"github.com/chunkvault/chunkvault/internal/server/services"
	"github.com/chunkvault/chunkvault/internal/server/storage"
)

type App struct {
	config *config.Config
	logger logging.Logger
	db     *sql.DB
	server *httpapi.Server
}

func NewApp(c *config.Config) (*App, error) {

	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := sql.Open("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	repos := repomanager.NewPostgresRepositoryManager()
	if err := repos.RunMigrations(context.Background(), db); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	keys := keyring.NewManager(c.KeysDir)
	if err := keys.Init(); err != nil {
		return nil, fmt.Errorf("keyring init error: %w", err)
	}

	primary, err := storage.New(c.StorageConfig())
	if err != nil {
		return nil, fmt.Errorf("storage init error: %w", err)
	}

	planner, err := chunkplan.NewPlanner(c.MinChunkSize, c.MaxChunkSize)
	if err != nil {
		return nil, err
	}

	backups := storage.NewCache()
	creds := credcache.New(c.CredCacheTTL, nil)
	envelopes := services.NewEnvelopeService(keys)

	uploads := services.NewUploadService(db, repos, planner, primary, backups, creds, envelopes, logger)
	streams := services.NewStreamService(db, repos, primary, backups, creds, envelopes, logger)

	srv := httpapi.NewServer(c.EndpointAddr, logger, db, uploads, streams, envelopes, c.SecretKey)

	return &App{config: c, logger: logger, db: db, server: srv}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	if err := app.server.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "db close error", "error", err)
	}
}
