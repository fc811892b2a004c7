// Package main implements the sequent-replay tool.
// It drains a spool directory of undelivered records into an event log,
// either a SQLite database directly or a remote ingest service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/sequent/sequent/internal/config"
	"github.com/sequent/sequent/internal/spool"
	"github.com/sequent/sequent/internal/store"
	"github.com/sequent/sequent/pkg/recorder"
)

// Config holds the tool configuration.
type Config struct {
	SpoolDir  string
	StorePath string
	URL       string
	Token     string
	Timeout   time.Duration
}

func main() {
	cfg := parseFlags()

	target, cleanup, err := openTarget(cfg)
	if err != nil {
		log.Fatalf("Failed to open replay target: %v", err)
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	replayer := spool.NewReplayer(cfg.SpoolDir, target, time.Second)
	n, err := replayer.DrainOnce(ctx)
	if err != nil {
		fmt.Printf("replayed %d records before failing (%d dropped as invalid)\n", n, replayer.Dropped())
		log.Fatalf("Replay failed: %v", err)
	}

	fmt.Printf("replayed %d records (%d dropped as invalid)\n", n, replayer.Dropped())
}

func parseFlags() Config {
	var (
		cfg        Config
		configFile string
		envFile    string
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&envFile, "env-file", "", "Path to a .env file loaded before the environment is read")
	flag.StringVar(&cfg.SpoolDir, "spool", "", "Spool directory to drain (default: the configured spool dir)")
	flag.StringVar(&cfg.StorePath, "store", "", "SQLite database path to replay into (default: the configured store path)")
	flag.StringVar(&cfg.URL, "url", "", "Ingest service base URL to replay into instead of a local store")
	flag.StringVar(&cfg.Token, "token", "", "Bearer token for the ingest service (writer role)")
	flag.DurationVar(&cfg.Timeout, "timeout", 5*time.Minute, "Overall replay deadline")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "sequent-replay - drain spooled records into an event log\n\n")
		fmt.Fprintf(os.Stderr, "Usage: sequent-replay [-spool DIR] [-store PATH | -url URL [-token TOKEN]]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if cfg.StorePath != "" && cfg.URL != "" {
		flag.Usage()
		log.Fatalf("-store and -url are mutually exclusive")
	}

	// Fill unset paths from the service configuration, so the tool drains
	// the same spool and store the daemon would use.
	if cfg.SpoolDir == "" || (cfg.StorePath == "" && cfg.URL == "") {
		svcCfg := loadServiceConfig(configFile, envFile)
		if cfg.SpoolDir == "" {
			cfg.SpoolDir = svcCfg.Spool.Dir
		}
		if cfg.StorePath == "" && cfg.URL == "" {
			cfg.StorePath = svcCfg.Store.Path
		}
	}

	return cfg
}

// loadServiceConfig resolves the daemon's configuration for path defaults.
// Validation is skipped: the tool needs only the resolved paths.
func loadServiceConfig(configFile, envFile string) *config.Config {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			log.Fatalf("Failed to load env file: %v", err)
		}
	} else {
		_ = godotenv.Load()
	}

	var cfg *config.Config
	if configFile != "" {
		loaded, err := config.LoadFromFile(configFile)
		if err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)
	cfg.Resolve()
	return cfg
}

// openTarget opens the append target the spool drains into.
func openTarget(cfg Config) (spool.Appender, func(), error) {
	if cfg.URL != "" {
		var opts []recorder.HTTPOption
		if cfg.Token != "" {
			opts = append(opts, recorder.WithBearerToken(cfg.Token))
		}
		client, err := recorder.NewHTTPAppender(cfg.URL, opts...)
		if err != nil {
			return nil, nil, err
		}
		return client, func() {}, nil
	}

	s, err := store.NewSQLiteStore(cfg.StorePath)
	if err != nil {
		return nil, nil, err
	}
	return s, func() {
		if err := s.Close(); err != nil {
			log.Printf("Store close error: %v", err)
		}
	}, nil
}
