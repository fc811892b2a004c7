// Package main implements the sequent-archive tool.
// It exports request timelines from the event log into object storage and
// inspects what has already been archived.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"slices"
	"time"

	"github.com/joho/godotenv"

	"github.com/sequent/sequent/internal/archive"
	"github.com/sequent/sequent/internal/config"
	"github.com/sequent/sequent/internal/objstore"
	"github.com/sequent/sequent/internal/store"
	"github.com/sequent/sequent/pkg/types"
)

func main() {
	var (
		configFile   = flag.String("config", "", "Path to YAML configuration file")
		envFile      = flag.String("env-file", "", "Path to .env file to load")
		requestID    = flag.String("request", "", "Archive the timeline of one request id")
		allCompleted = flag.Bool("all-completed", false, "Archive every request that reached a completed status")
		readKey      = flag.String("read", "", "Read an archive object by key and print it as JSON")
		list         = flag.Bool("list", false, "List archive object keys")
		timeout      = flag.Duration("timeout", 5*time.Minute, "Overall deadline")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "sequent-archive - export request timelines to object storage\n\n")
		fmt.Fprintf(os.Stderr, "Usage: sequent-archive [options] (-request ID | -all-completed | -read KEY | -list)\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nStore path and archive storage come from the configuration\n")
		fmt.Fprintf(os.Stderr, "file and SEQUENT_* environment variables, as for sequent itself.\n")
	}

	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Fatalf("Failed to load env file %s: %v", *envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	actions := 0
	for _, selected := range []bool{*requestID != "", *allCompleted, *readKey != "", *list} {
		if selected {
			actions++
		}
	}
	if actions != 1 {
		flag.Usage()
		log.Fatalf("exactly one of -request, -all-completed, -read or -list is required")
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		log.Fatalf("Failed to open store at %s: %v", cfg.Store.Path, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("Store close error: %v", err)
		}
	}()

	storage, err := objstore.New(ctx, cfg.Archive)
	if err != nil {
		log.Fatalf("Failed to open archive storage: %v", err)
	}
	archiver := archive.NewArchiver(st, storage, cfg.Archive.Prefix, nil)

	switch {
	case *readKey != "":
		err = runRead(ctx, archiver, *readKey)
	case *list:
		err = runList(ctx, archiver)
	case *allCompleted:
		err = runAllCompleted(ctx, st, archiver)
	default:
		err = runOne(ctx, archiver, *requestID)
	}
	if err != nil {
		log.Fatalf("Archive operation failed: %v", err)
	}
}

func loadConfig(configFile string) (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		loaded, err := config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runOne archives the timeline of a single request.
func runOne(ctx context.Context, archiver *archive.Archiver, requestID string) error {
	result, err := archiver.ArchiveRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if result.Key == "" {
		fmt.Printf("request %s has no records, nothing archived\n", requestID)
		return nil
	}
	fmt.Printf("archived %s: %d records -> %s\n", result.RequestID, result.RecordCount, result.Key)
	return nil
}

// runAllCompleted archives every request whose timeline contains a
// completion record: status "success" for the structured generation,
// "completed" by convention for the minimal one.
func runAllCompleted(ctx context.Context, st store.Store, archiver *archive.Archiver) error {
	ids := map[string]bool{}
	for _, status := range []string{types.StatusSuccess, types.StatusCompleted} {
		for rec, err := range st.QueryByFilter(ctx, store.Filter{Status: status}) {
			if err != nil {
				return err
			}
			ids[rec.RequestID] = true
		}
	}

	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	slices.Sort(ordered)

	archived := 0
	for _, id := range ordered {
		result, err := archiver.ArchiveRequest(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to archive request %s: %w", id, err)
		}
		fmt.Printf("archived %s: %d records -> %s\n", result.RequestID, result.RecordCount, result.Key)
		archived++
	}
	fmt.Printf("archived %d completed requests\n", archived)
	return nil
}

// runRead prints an archived timeline as indented JSON.
func runRead(ctx context.Context, archiver *archive.Archiver, key string) error {
	env, err := archiver.ReadArchive(ctx, key)
	if err != nil {
		return err
	}
	doc, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode archive: %w", err)
	}
	fmt.Println(string(doc))
	return nil
}

// runList prints the key of every archive object.
func runList(ctx context.Context, archiver *archive.Archiver) error {
	keys, err := archiver.List(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		fmt.Println(key)
	}
	fmt.Printf("%d archive objects\n", len(keys))
	return nil
}
