// Package benchmark provides performance benchmarks for Sequent.
package benchmark

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/sequent/sequent/internal/archive"
	"github.com/sequent/sequent/internal/bloom"
	"github.com/sequent/sequent/internal/spool"
	"github.com/sequent/sequent/internal/store"
	"github.com/sequent/sequent/pkg/types"
)

// BenchmarkAppendMemory measures raw append throughput without durability.
func BenchmarkAppendMemory(b *testing.B) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		rec := &types.Record{
			SchemaVersion: types.SchemaVersionStructured,
			RequestID:     fmt.Sprintf("req-%d", i%100),
			EventType:     types.EventStep,
			Status:        types.StatusInProgress,
			Step:          "working",
		}
		if _, err := s.Append(ctx, rec); err != nil {
			b.Fatal(err)
		}
	}

	b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "records/sec")
}

// BenchmarkAppendSQLite measures durable append throughput through the
// single-writer connection.
func BenchmarkAppendSQLite(b *testing.B) {
	s, err := store.NewSQLiteStore(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		rec := &types.Record{
			SchemaVersion: types.SchemaVersionStructured,
			RequestID:     fmt.Sprintf("req-%d", i%100),
			EventType:     types.EventStep,
			Status:        types.StatusInProgress,
			Step:          "working",
		}
		if _, err := s.Append(ctx, rec); err != nil {
			b.Fatal(err)
		}
	}

	b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "records/sec")
}

// BenchmarkAppendSQLiteConcurrent measures append throughput with many
// producers contending for the single writer.
func BenchmarkAppendSQLiteConcurrent(b *testing.B) {
	s, err := store.NewSQLiteStore(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		ctx := context.Background()
		i := 0
		for pb.Next() {
			rec := &types.Record{
				SchemaVersion: types.SchemaVersionStructured,
				RequestID:     fmt.Sprintf("req-%d", i%100),
				EventType:     types.EventStep,
				Status:        types.StatusInProgress,
				Step:          "working",
			}
			if _, err := s.Append(ctx, rec); err != nil {
				b.Fatal(err)
			}
			i++
		}
	})

	b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "records/sec")
}

// BenchmarkTimelineQuery measures one request's timeline read from a store
// holding many requests.
func BenchmarkTimelineQuery(b *testing.B) {
	s, err := store.NewSQLiteStore(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()
	seedStore(b, s, 200, 10)
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		requestID := fmt.Sprintf("req-%04d", i%200)
		records, err := store.Collect(s.QueryByRequest(ctx, requestID))
		if err != nil {
			b.Fatal(err)
		}
		if len(records) != 10 {
			b.Fatalf("expected 10 records, got %d", len(records))
		}
	}
}

// BenchmarkTimelineQueryMiss measures the bloom-filter short circuit for
// request ids that were never written.
func BenchmarkTimelineQueryMiss(b *testing.B) {
	s, err := store.NewSQLiteStore(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()
	seedStore(b, s, 100, 10)
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		records, err := store.Collect(s.QueryByRequest(ctx, fmt.Sprintf("absent-%d", i)))
		if err != nil {
			b.Fatal(err)
		}
		if len(records) != 0 {
			b.Fatal("expected no records for an absent request")
		}
	}
}

// BenchmarkFilterQuery measures a status filter with a result cap over a
// populated store.
func BenchmarkFilterQuery(b *testing.B) {
	s, err := store.NewSQLiteStore(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()
	seedStore(b, s, 200, 10)
	ctx := context.Background()

	f := store.Filter{Status: types.StatusSuccess, Limit: 50}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		records, err := store.Collect(s.QueryByFilter(ctx, f))
		if err != nil {
			b.Fatal(err)
		}
		if len(records) != 50 {
			b.Fatalf("expected 50 records, got %d", len(records))
		}
	}
}

// BenchmarkRequestFilterLookup measures the request-id membership check that
// fronts timeline queries.
func BenchmarkRequestFilterLookup(b *testing.B) {
	filter := bloom.NewWithEstimates(100000, 0.01)
	for i := 0; i < 100000; i++ {
		filter.AddString(fmt.Sprintf("req-%d", i))
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		filter.MayContainString("req-50000")
	}
}

// BenchmarkSpoolAppend measures spool write throughput: the cost a producer
// pays per record while the store is down.
func BenchmarkSpoolAppend(b *testing.B) {
	w, err := spool.NewWriter(b.TempDir(), 64<<20)
	if err != nil {
		b.Fatal(err)
	}
	defer w.Close()

	rec := lifecycleRecords("req-spool", 3)[1]

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := w.Append(rec); err != nil {
			b.Fatal(err)
		}
	}

	b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "records/sec")
}

// BenchmarkSpoolReplay measures draining spooled records into a store.
func BenchmarkSpoolReplay(b *testing.B) {
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		dir := b.TempDir()
		w, err := spool.NewWriter(dir, 64<<20)
		if err != nil {
			b.Fatal(err)
		}
		for _, rec := range lifecycleRecords("req-replay", 1000) {
			if err := w.Append(rec); err != nil {
				b.Fatal(err)
			}
		}
		if err := w.Close(); err != nil {
			b.Fatal(err)
		}
		target := store.NewMemoryStore()
		b.StartTimer()

		replayer := spool.NewReplayer(dir, target, time.Second)
		n, err := replayer.DrainOnce(context.Background())
		if err != nil {
			b.Fatal(err)
		}
		if n != 1000 {
			b.Fatalf("expected 1000 replayed records, got %d", n)
		}
	}

	b.ReportMetric(float64(b.N)*1000/b.Elapsed().Seconds(), "records/sec")
}

// BenchmarkArchiveRequest measures exporting a 100-record timeline as a
// compressed document. Set SEQUENT_S3_BUCKET to measure the S3 backend.
func BenchmarkArchiveRequest(b *testing.B) {
	s := store.NewMemoryStore()
	seedStore(b, s, 1, 100)
	storage := setupArchiveStorage(b)
	archiver := archive.NewArchiver(s, storage, "bench-archives", nil)
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		result, err := archiver.ArchiveRequest(ctx, "req-0000")
		if err != nil {
			b.Fatal(err)
		}
		if result.RecordCount != 100 {
			b.Fatalf("expected 100 records archived, got %d", result.RecordCount)
		}
	}
}

// BenchmarkValidateRecord measures the write-boundary validation cost.
func BenchmarkValidateRecord(b *testing.B) {
	rec := lifecycleRecords("req-validate", 3)[1]

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := store.ValidateRecord(rec); err != nil {
			b.Fatal(err)
		}
	}
}
