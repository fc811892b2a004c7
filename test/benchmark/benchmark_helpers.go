package benchmark

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"

	"github.com/joho/godotenv"

	"github.com/sequent/sequent/internal/objstore"
	"github.com/sequent/sequent/pkg/types"
)

// setupArchiveStorage returns the object storage archive benchmarks write
// into. With SEQUENT_S3_BUCKET set (typically via .env) the real S3 backend
// is measured; otherwise a local directory stands in.
func setupArchiveStorage(b *testing.B) objstore.ObjectStorage {
	b.Helper()
	_ = godotenv.Load("../../.env")

	if bucket := os.Getenv("SEQUENT_S3_BUCKET"); bucket != "" {
		storage, err := objstore.NewS3Storage(context.Background(), bucket, objstore.S3Config{
			Region:       os.Getenv("SEQUENT_S3_REGION"),
			Endpoint:     os.Getenv("SEQUENT_S3_ENDPOINT"),
			UsePathStyle: os.Getenv("SEQUENT_S3_USE_PATH_STYLE") == "true",
		})
		if err != nil {
			b.Fatalf("failed to open S3 storage: %v", err)
		}
		return storage
	}

	storage, err := objstore.NewLocalStorage(b.TempDir())
	if err != nil {
		b.Fatalf("failed to create local storage: %v", err)
	}
	return storage
}

// lifecycleRecords generates one request's records: a start, steps-2
// progress updates with small payloads, and a completion.
func lifecycleRecords(requestID string, steps int) []*types.Record {
	records := make([]*types.Record, 0, steps)
	records = append(records, &types.Record{
		SchemaVersion: types.SchemaVersionStructured,
		RequestID:     requestID,
		EventType:     types.EventAgentStart,
		Status:        types.StatusInProgress,
		Step:          "agent processing started",
	})
	for i := 0; i < steps-2; i++ {
		records = append(records, &types.Record{
			SchemaVersion: types.SchemaVersionStructured,
			RequestID:     requestID,
			EventType:     types.EventStep,
			Status:        types.StatusInProgress,
			Step:          fmt.Sprintf("step %d", i),
			Data:          json.RawMessage(`{"tokens":128,"documents":3}`),
		})
	}
	records = append(records, &types.Record{
		SchemaVersion: types.SchemaVersionStructured,
		RequestID:     requestID,
		EventType:     types.EventAgentComplete,
		Status:        types.StatusSuccess,
		Step:          "agent processing completed",
	})
	return records
}

// seedStore appends count requests of recordsEach records to the store.
func seedStore(b *testing.B, s interface {
	Append(ctx context.Context, rec *types.Record) (*types.Record, error)
}, count, recordsEach int) {
	b.Helper()
	ctx := context.Background()
	for r := 0; r < count; r++ {
		for _, rec := range lifecycleRecords(fmt.Sprintf("req-%04d", r), recordsEach) {
			if _, err := s.Append(ctx, rec); err != nil {
				b.Fatalf("failed to seed store: %v", err)
			}
		}
	}
}
