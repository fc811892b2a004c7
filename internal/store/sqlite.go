package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sequent/sequent/internal/bloom"
	"github.com/sequent/sequent/internal/errors"
	"github.com/sequent/sequent/pkg/types"
)

// Schema for the event log. AUTOINCREMENT keeps assigned ids strictly
// increasing and never reused; the storage layer alone owns the sequence.
var schemaSQL = []string{
	`CREATE TABLE IF NOT EXISTS agent_logs (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		schema_version INTEGER NOT NULL,
		request_id     TEXT    NOT NULL,
		event_type     TEXT,
		step           TEXT    NOT NULL,
		data           BLOB,
		status         TEXT    NOT NULL,
		error          TEXT,
		timestamp      INTEGER NOT NULL,
		created_at     INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_logs_request_id ON agent_logs(request_id)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_logs_event_type ON agent_logs(event_type)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_logs_status ON agent_logs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_logs_timestamp ON agent_logs(timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_logs_request_ts ON agent_logs(request_id, timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS store_meta (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`,
}

const (
	insertSQL = `INSERT INTO agent_logs (
		schema_version, request_id, event_type, step, data, status, error, timestamp, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectCols = `id, schema_version, request_id, event_type, step, data, status, error, timestamp, created_at`

	byRequestSQL = `SELECT ` + selectCols + ` FROM agent_logs
		WHERE request_id = ? ORDER BY timestamp ASC, id ASC`

	metaRequestFilter   = "request_filter"
	metaFilterWatermark = "request_filter_watermark"
)

// SQLiteStore is the durable event log backed by a single SQLite database
// it owns exclusively. One write connection serializes appends at the
// engine's native single-writer discipline; a read-only pool serves
// queries concurrently under WAL snapshots, so reads never block writes.
type SQLiteStore struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	opts   options

	insertStmt *sql.Stmt

	// requestFilter answers "was this request id ever written" without a
	// table scan; misses short-circuit timeline queries. Rebuilt or caught
	// up from the watermark on open, persisted to store_meta on close.
	requestFilter *bloom.Filter
	lastID        atomic.Int64
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the event log at dbPath.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{
		db:     db,
		dbPath: dbPath,
		opts:   applyOptions(opts),
	}

	// Schema first: the read-only pool cannot open a file that does not
	// exist yet.
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to initialize schema: %w", err)
	}

	// Read connection pool: concurrent readers via read-only mode
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to open read database: %w", err)
	}
	poolSize := s.opts.readPool
	if poolSize <= 0 {
		poolSize = 4
	}
	readDB.SetMaxOpenConns(poolSize)
	readDB.SetMaxIdleConns(poolSize)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	if _, err := readDB.Exec("PRAGMA read_uncommitted = true"); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("store: failed to set read_uncommitted pragma: %w", err)
	}
	s.readDB = readDB

	insertStmt, err := db.Prepare(insertSQL)
	if err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("store: failed to prepare insert statement: %w", err)
	}
	s.insertStmt = insertStmt

	if err := s.loadRequestFilter(context.Background()); err != nil {
		insertStmt.Close()
		readDB.Close()
		db.Close()
		return nil, err
	}

	return s, nil
}

// initSchema creates the table, indexes, and meta table.
func (s *SQLiteStore) initSchema() error {
	for _, stmt := range schemaSQL {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Append validates and durably persists one record.
func (s *SQLiteStore) Append(ctx context.Context, rec *types.Record) (*types.Record, error) {
	start := time.Now()
	stored := prepareForAppend(rec, time.Now().UTC())
	if err := s.opts.checkWriteBoundary(stored); err != nil {
		return nil, err
	}

	var data interface{}
	if stored.Data != nil {
		data = snappy.Encode(nil, stored.Data)
	}
	var eventType interface{}
	if stored.EventType != "" {
		eventType = stored.EventType
	}
	var errText interface{}
	if stored.Error != "" {
		errText = stored.Error
	}

	res, err := s.insertStmt.ExecContext(ctx,
		stored.SchemaVersion, stored.RequestID, eventType, stored.Step, data,
		stored.Status, errText, stored.Timestamp.UnixNano(), stored.CreatedAt.UnixNano(),
	)
	if err != nil {
		if s.opts.stats != nil {
			s.opts.stats.RecordStorageError()
		}
		return nil, errors.NewStorageError(errors.CodeWriteFailed, "store: append failed", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeWriteFailed, "store: failed to read assigned id", err)
	}
	stored.ID = id
	s.lastID.Store(id)
	s.requestFilter.AddString(stored.RequestID)

	if s.opts.stats != nil {
		s.opts.stats.RecordAppend(time.Since(start))
	}
	if s.opts.bus != nil {
		s.opts.bus.Publish(stored.Clone())
	}
	return stored, nil
}

// QueryByRequest returns the request's timeline in ascending
// (timestamp, id) order.
func (s *SQLiteStore) QueryByRequest(ctx context.Context, requestID string) Seq {
	if !s.requestFilter.MayContainString(requestID) {
		// Definitely never written: an empty timeline without touching
		// the database.
		return func(yield func(*types.Record, error) bool) {
			if s.opts.stats != nil {
				s.opts.stats.RecordTimelineQuery(0, 0)
			}
		}
	}

	return func(yield func(*types.Record, error) bool) {
		start := time.Now()
		rows, err := s.readDB.QueryContext(ctx, byRequestSQL, requestID)
		if err != nil {
			if s.opts.stats != nil {
				s.opts.stats.RecordStorageError()
			}
			yield(nil, errors.NewStorageError(errors.CodeReadFailed, "store: timeline query failed", err))
			return
		}
		defer rows.Close()

		n := 0
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				yield(nil, err)
				return
			}
			n++
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			if s.opts.stats != nil {
				s.opts.stats.RecordStorageError()
			}
			yield(nil, errors.NewStorageError(errors.CodeReadFailed, "store: timeline scan failed", err))
			return
		}
		if s.opts.stats != nil {
			s.opts.stats.RecordTimelineQuery(time.Since(start), n)
		}
	}
}

// QueryByFilter returns matching records in descending (timestamp, id)
// order.
func (s *SQLiteStore) QueryByFilter(ctx context.Context, f Filter) Seq {
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return errSeq(invalidRangeError())
	}

	return func(yield func(*types.Record, error) bool) {
		start := time.Now()
		query, args := buildFilterQuery(f)
		rows, err := s.readDB.QueryContext(ctx, query, args...)
		if err != nil {
			if s.opts.stats != nil {
				s.opts.stats.RecordStorageError()
			}
			yield(nil, errors.NewStorageError(errors.CodeReadFailed, "store: filter query failed", err))
			return
		}
		defer rows.Close()

		n := 0
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				yield(nil, err)
				return
			}
			n++
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			if s.opts.stats != nil {
				s.opts.stats.RecordStorageError()
			}
			yield(nil, errors.NewStorageError(errors.CodeReadFailed, "store: filter scan failed", err))
			return
		}
		if s.opts.stats != nil {
			s.opts.stats.RecordFilterQuery(time.Since(start), n)
		}
	}
}

// buildFilterQuery assembles the WHERE clause from present predicates.
func buildFilterQuery(f Filter) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString("SELECT " + selectCols + " FROM agent_logs")

	var conds []string
	var args []interface{}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, f.EventType)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Since.UTC().UnixNano())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "timestamp < ?")
		args = append(args, f.Until.UTC().UnixNano())
	}
	if len(conds) > 0 {
		sb.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	sb.WriteString(" ORDER BY timestamp DESC, id DESC")
	if f.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
	}
	return sb.String(), args
}

// scanRecord reads one row into a record, decompressing the data payload.
// A NULL data column stays nil: absence survives the round trip.
func scanRecord(rows *sql.Rows) (*types.Record, error) {
	var (
		rec       types.Record
		eventType sql.NullString
		errText   sql.NullString
		data      []byte
		ts        int64
		createdAt int64
	)
	if err := rows.Scan(
		&rec.ID, &rec.SchemaVersion, &rec.RequestID, &eventType, &rec.Step,
		&data, &rec.Status, &errText, &ts, &createdAt,
	); err != nil {
		return nil, errors.NewStorageError(errors.CodeReadFailed, "store: row scan failed", err)
	}
	if eventType.Valid {
		rec.EventType = eventType.String
	}
	if errText.Valid {
		rec.Error = errText.String
	}
	if data != nil {
		decoded, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, errors.NewStorageError(errors.CodeCorrupted, "store: data payload corrupted", err)
		}
		rec.Data = decoded
	}
	rec.Timestamp = time.Unix(0, ts).UTC()
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	return &rec, nil
}

// loadRequestFilter restores the persisted request-id filter and catches it
// up from rows written after its watermark, or rebuilds it from scratch.
func (s *SQLiteStore) loadRequestFilter(ctx context.Context) error {
	var (
		filter    *bloom.Filter
		watermark int64
	)

	var blob []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM store_meta WHERE key = ?", metaRequestFilter).Scan(&blob)
	switch {
	case err == nil:
		f, ferr := bloom.Unmarshal(blob)
		if ferr != nil {
			log.Printf("store: discarding unreadable request filter, rebuilding: %v", ferr)
			break
		}
		filter = f
		var wm []byte
		if err := s.db.QueryRowContext(ctx,
			"SELECT value FROM store_meta WHERE key = ?", metaFilterWatermark).Scan(&wm); err == nil && len(wm) == 8 {
			watermark = int64(binary.LittleEndian.Uint64(wm))
		}
	case err == sql.ErrNoRows:
		// First open, build below.
	default:
		return fmt.Errorf("store: failed to load request filter: %w", err)
	}

	if filter == nil {
		var distinct int64
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(DISTINCT request_id) FROM agent_logs").Scan(&distinct); err != nil {
			return fmt.Errorf("store: failed to count request ids: %w", err)
		}
		capacity := distinct * 2
		if capacity < 4096 {
			capacity = 4096
		}
		filter = bloom.NewWithEstimates(int(capacity), 0.01)
		watermark = 0
	}

	// Append-only makes catch-up incremental: only rows past the
	// watermark are new.
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, request_id FROM agent_logs WHERE id > ? ORDER BY id", watermark)
	if err != nil {
		return fmt.Errorf("store: failed to scan request ids: %w", err)
	}
	defer rows.Close()

	caughtUp := 0
	for rows.Next() {
		var id int64
		var requestID string
		if err := rows.Scan(&id, &requestID); err != nil {
			return fmt.Errorf("store: failed to scan request id row: %w", err)
		}
		filter.AddString(requestID)
		if id > watermark {
			watermark = id
		}
		caughtUp++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: request id scan failed: %w", err)
	}

	s.requestFilter = filter
	s.lastID.Store(watermark)
	if caughtUp > 0 {
		log.Printf("store: request filter caught up with %d rows, watermark id=%d", caughtUp, watermark)
	}
	return nil
}

// persistRequestFilter saves the filter and its watermark to store_meta.
func (s *SQLiteStore) persistRequestFilter() error {
	blob, err := s.requestFilter.Marshal()
	if err != nil {
		return fmt.Errorf("store: failed to marshal request filter: %w", err)
	}
	wm := make([]byte, 8)
	binary.LittleEndian.PutUint64(wm, uint64(s.lastID.Load()))

	const upsert = `INSERT INTO store_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.Exec(upsert, metaRequestFilter, blob); err != nil {
		return fmt.Errorf("store: failed to persist request filter: %w", err)
	}
	if _, err := s.db.Exec(upsert, metaFilterWatermark, wm); err != nil {
		return fmt.Errorf("store: failed to persist filter watermark: %w", err)
	}
	return nil
}

// Close persists the request filter and closes both connections.
func (s *SQLiteStore) Close() error {
	if err := s.persistRequestFilter(); err != nil {
		log.Printf("store: %v", err)
	}
	if s.insertStmt != nil {
		s.insertStmt.Close()
	}
	var firstErr error
	if s.readDB != nil {
		if err := s.readDB.Close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
