// Package main implements the unified sequent binary.
// This binary can run both services (ingest, query) concurrently or a
// single service based on the --mode flag.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/sequent/sequent/internal/app"
	"github.com/sequent/sequent/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Parse command line flags
	var (
		configFile  string
		envFile     string
		dataDir     string
		mode        string
		httpIngest  string
		httpQuery   string
		storePath   string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&envFile, "env-file", "", "Path to a .env file loaded before the environment is read")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&mode, "mode", "", "Service mode: all, ingest, query")
	flag.StringVar(&httpIngest, "http-ingest", "", "HTTP address for ingest service")
	flag.StringVar(&httpQuery, "http-query", "", "HTTP address for query service")
	flag.StringVar(&storePath, "store-path", "", "SQLite database path")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Sequent - Append-Only Event Log For Agent Request Lifecycles\n\n")
		fmt.Fprintf(os.Stderr, "Usage: sequent [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  sequent --data-dir /data/sequent\n")
		fmt.Fprintf(os.Stderr, "  sequent --mode ingest --data-dir /data/sequent\n")
		fmt.Fprintf(os.Stderr, "  sequent --config /etc/sequent/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  SEQUENT_MODE             Service mode (all, ingest, query)\n")
		fmt.Fprintf(os.Stderr, "  SEQUENT_DATA_DIR         Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  SEQUENT_HTTP_*_ADDR      HTTP addresses for services\n")
		fmt.Fprintf(os.Stderr, "  SEQUENT_STORE_BACKEND    Store backend (sqlite, memory)\n")
		fmt.Fprintf(os.Stderr, "  SEQUENT_ARCHIVE_TYPE     Archive storage type (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  SEQUENT_AUTH_*_TOKEN     Bearer tokens per role\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("sequent version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	// Load .env before the environment is consulted
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			log.Fatalf("Failed to load env file: %v", err)
		}
	} else {
		_ = godotenv.Load()
	}

	// Load configuration
	cfg, err := loadConfig(configFile, dataDir, mode, httpIngest, httpQuery, storePath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Print startup banner
	printBanner(cfg)

	// Create and start the application
	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	// Wait for shutdown signal
	if err := application.WaitForShutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}

	if err := application.Stop(context.Background()); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, mode, httpIngest, httpQuery, storePath string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	// Start with defaults or load from file
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	// Apply environment variables
	config.LoadFromEnv(cfg)

	// Apply command line flags (highest priority)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if httpIngest != "" {
		cfg.HTTP.IngestAddr = httpIngest
	}
	if httpQuery != "" {
		cfg.HTTP.QueryAddr = httpQuery
	}
	if storePath != "" {
		cfg.Store.Path = storePath
	}

	return cfg, nil
}

// printBanner prints the startup banner with configuration summary.
func printBanner(cfg *config.Config) {
	log.Printf("╔═══════════════════════════════════════════════════════════╗")
	log.Printf("║                       SEQUENT                             ║")
	log.Printf("║    Append-Only Event Log For Agent Request Lifecycles     ║")
	log.Printf("╚═══════════════════════════════════════════════════════════╝")
	log.Printf("")
	log.Printf("Configuration:")
	log.Printf("  Mode:     %s", cfg.Mode)
	log.Printf("  Data Dir: %s", cfg.DataDir)
	log.Printf("  Store:    %s", cfg.Store.Backend)
	log.Printf("  Archive:  %s", cfg.Archive.Type)
	log.Printf("")

	if cfg.ShouldRunIngest() {
		log.Printf("Ingest Service:")
		log.Printf("  HTTP: %s", cfg.HTTP.IngestAddr)
	}

	if cfg.ShouldRunQuery() {
		log.Printf("Query Service:")
		log.Printf("  HTTP: %s", cfg.HTTP.QueryAddr)
	}

	if cfg.Auth.Enabled {
		log.Printf("Authorization: enabled")
	} else {
		log.Printf("Authorization: disabled")
	}

	log.Printf("")
}
