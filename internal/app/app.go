// Package app provides the unified application lifecycle management for Sequent.
package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	httpapi "github.com/sequent/sequent/internal/api/http"
	"github.com/sequent/sequent/internal/archive"
	"github.com/sequent/sequent/internal/auth"
	"github.com/sequent/sequent/internal/config"
	"github.com/sequent/sequent/internal/notify"
	"github.com/sequent/sequent/internal/objstore"
	"github.com/sequent/sequent/internal/observability"
	"github.com/sequent/sequent/internal/server"
	"github.com/sequent/sequent/internal/store"
)

// App manages all Sequent service lifecycles.
type App struct {
	cfg *config.Config

	// Shared resources
	store    store.Store
	bus      *notify.Bus
	stats    *observability.Collector
	authz    *auth.Authorizer
	archiver *archive.Archiver
	shutdown *server.ShutdownManager

	// Service components
	ingestServer *http.Server
	queryServer  *http.Server

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	// Resolve paths and validate
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Ensure directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{
		cfg: cfg,
	}, nil
}

// Start initializes shared resources and starts all configured services.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	// Initialize shared resources
	if err := a.initSharedResources(); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	// Bridge shutdown to the app context. Follow streams run on this
	// context and must disconnect before the server closers can drain.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		select {
		case <-ctx.Done():
		case <-a.shutdown.ShutdownCh():
			a.cancel()
		}
	}()

	// Start services based on mode
	if a.cfg.ShouldRunIngest() {
		if err := a.startIngestService(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start ingest service: %w", err)
		}
	}

	if a.cfg.ShouldRunQuery() {
		if err := a.startQueryService(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start query service: %w", err)
		}
	}

	a.wg.Add(1)
	go a.statsLoop(ctx)

	log.Printf("Sequent started in %s mode", a.cfg.Mode)
	return nil
}

// initSharedResources initializes the event log store, notification bus,
// archiver, authorizer, and shutdown manager.
func (a *App) initSharedResources() error {
	a.stats = observability.NewCollector(a.cfg.Store.StatsWindow)
	a.bus = notify.NewBus(a.cfg.Notify.BufferSize)

	storeOpts := []store.Option{
		store.WithNotifier(a.bus),
		store.WithStats(a.stats),
		store.WithReadPoolSize(a.cfg.Store.ReadPoolSize),
	}
	if a.cfg.Store.StrictConsistency {
		storeOpts = append(storeOpts, store.WithStrictConsistency())
	}

	switch a.cfg.Store.Backend {
	case "sqlite":
		s, err := store.NewSQLiteStore(a.cfg.Store.Path, storeOpts...)
		if err != nil {
			return fmt.Errorf("failed to initialize store: %w", err)
		}
		a.store = s
		log.Printf("Store initialized: backend=sqlite, path=%s", a.cfg.Store.Path)
	case "memory":
		a.store = store.NewMemoryStore(storeOpts...)
		log.Printf("Store initialized: backend=memory")
	default:
		return fmt.Errorf("unsupported store backend: %s", a.cfg.Store.Backend)
	}

	a.authz = auth.NewAuthorizer(a.cfg.Auth)
	if !a.authz.Enabled() {
		log.Printf("Authorization disabled: requests run unauthenticated")
	}

	objStorage, err := objstore.New(context.Background(), a.cfg.Archive)
	if err != nil {
		return fmt.Errorf("failed to initialize archive storage: %w", err)
	}
	a.archiver = archive.NewArchiver(a.store, objStorage, a.cfg.Archive.Prefix, a.stats)
	log.Printf("Archive storage initialized: type=%s", a.cfg.Archive.Type)
	if a.cfg.Archive.Type == "s3" {
		log.Printf("S3 config: bucket=%s, region=%s, endpoint=%s",
			a.cfg.Archive.S3.Bucket, a.cfg.Archive.S3.Region, a.cfg.Archive.S3.Endpoint)
	}

	// Initialize shutdown manager. Closers run LIFO: the HTTP servers
	// registered at service start close first, then the bus releases any
	// remaining followers, then the store closes.
	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig())
	a.shutdown.RegisterCloser(a.store)
	a.shutdown.RegisterCloser(a.bus)

	return nil
}

// startIngestService starts the ingest HTTP server.
func (a *App) startIngestService(ctx context.Context) error {
	middleware := httpapi.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		httpapi.RecoveryMiddleware,
		httpapi.TraceIDMiddleware,
		httpapi.CorrelationIDMiddleware,
		httpapi.ContentTypeMiddleware,
	)
	writer := a.authz.Require(auth.RoleWriter)
	admin := a.authz.Require(auth.RoleAdmin)

	mux := http.NewServeMux()
	mux.Handle("POST /v1/records", middleware(writer(httpapi.NewAppendHandler(a.store))))
	mux.Handle("POST /v1/records/batch", middleware(writer(httpapi.NewBatchAppendHandler(a.store))))
	mux.Handle("POST /v1/requests/{id}/archive", middleware(admin(httpapi.NewArchiveHandler(a.archiver))))
	mux.HandleFunc("/health", a.healthHandler("sequent-ingest"))

	a.ingestServer = &http.Server{
		Addr:         a.cfg.HTTP.IngestAddr,
		Handler:      mux,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("Ingest HTTP server listening on %s", a.cfg.HTTP.IngestAddr)
		gs := server.NewGracefulHTTPServer(a.ingestServer, a.shutdown)
		if err := gs.ListenAndServe(); err != nil {
			log.Printf("Ingest HTTP server error: %v", err)
		}
	}()

	return nil
}

// startQueryService starts the query HTTP server.
func (a *App) startQueryService(ctx context.Context) error {
	middleware := httpapi.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		httpapi.RecoveryMiddleware,
		httpapi.TraceIDMiddleware,
		httpapi.CorrelationIDMiddleware,
		httpapi.ContentTypeMiddleware,
	)
	// Follow streams are long-lived and exit on context cancellation, so
	// they bypass the in-flight tracker that drains ordinary requests.
	streamMiddleware := httpapi.ChainMiddleware(
		httpapi.RecoveryMiddleware,
		httpapi.TraceIDMiddleware,
		httpapi.CorrelationIDMiddleware,
	)
	reader := a.authz.Require(auth.RoleReader)

	mux := http.NewServeMux()
	mux.Handle("GET /v1/requests/{id}/records", middleware(reader(httpapi.NewTimelineHandler(a.store))))
	mux.Handle("GET /v1/records", middleware(reader(httpapi.NewFilterHandler(a.store))))
	mux.Handle("GET /v1/requests/{id}/follow", streamMiddleware(reader(httpapi.NewFollowHandler(a.store, a.bus))))
	mux.Handle("GET /v1/stats", middleware(reader(httpapi.NewStatsHandler(a.stats, a.bus))))
	mux.HandleFunc("/health", a.healthHandler("sequent-query"))

	a.queryServer = &http.Server{
		Addr:        a.cfg.HTTP.QueryAddr,
		Handler:     mux,
		ReadTimeout: a.cfg.HTTP.ReadTimeout,
		// No write timeout: it would sever follow streams mid-flight.
		WriteTimeout: 0,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("Query HTTP server listening on %s", a.cfg.HTTP.QueryAddr)
		gs := server.NewGracefulHTTPServer(a.queryServer, a.shutdown)
		if err := gs.ListenAndServe(); err != nil {
			log.Printf("Query HTTP server error: %v", err)
		}
	}()

	return nil
}

// statsLoop periodically logs a collector snapshot.
func (a *App) statsLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := a.stats.Snapshot()
			log.Printf("stats: appends=%d rejected=%d warnings=%d storage_errors=%d timeline_queries=%d filter_queries=%d archived=%d dropped_notifications=%d append_p95=%dus",
				snap.Appends, snap.ValidationRejected, snap.ConsistencyWarnings,
				snap.StorageErrors, snap.TimelineQueries, snap.FilterQueries,
				snap.ArchivedTimelines, a.bus.Dropped(), snap.AppendLatency.P95Us)
		}
	}
}

// Stop gracefully stops all services and releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	log.Printf("Initiating graceful shutdown...")

	// Drains in-flight requests, shuts down the HTTP servers, then closes
	// the bus and store. No-op if a signal already triggered it.
	var shutdownErr error
	if a.shutdown != nil {
		shutdownErr = a.shutdown.Shutdown(ctx, "stop requested")
		if shutdownErr != nil {
			log.Printf("Shutdown error: %v", shutdownErr)
		}
	}

	if a.cancel != nil {
		a.cancel()
	}

	// Wait for all goroutines to finish
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// All goroutines finished
	case <-waitCtx.Done():
		log.Printf("Shutdown timeout, some goroutines may not have finished")
	}

	log.Printf("Sequent stopped")
	return shutdownErr
}

// cleanup releases shared resources after a failed start. Successful runs
// release them through the shutdown manager instead.
func (a *App) cleanup() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Printf("Store close error: %v", err)
		}
	}
}

// healthHandler returns a health check handler for the given service.
func (a *App) healthHandler(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":"%s","mode":"%s"}`, service, a.cfg.Mode)
	}
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}
