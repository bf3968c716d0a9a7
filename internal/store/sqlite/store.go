// Package sqlite persists correlation bucket counts so the correlator can
// resume after a restart.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"detection-engine/internal/correlation"
)

// Store is a single-writer SQLite store in WAL mode.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// New opens (creating if needed) the database at path and applies the schema.
// ":memory:" opens a private in-memory database.
func New(path string, log zerolog.Logger) (*Store, error) {
	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_busy_timeout=5000"
	} else if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	s := &Store{db: db, log: log.With().Str("component", "sqlite").Logger()}
	s.log.Info().Str("path", path).Msg("opened database")
	return s, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS correlation_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS correlation_marginals (
			bucket_start INTEGER NOT NULL,
			detector     TEXT    NOT NULL,
			count        INTEGER NOT NULL,
			PRIMARY KEY (bucket_start, detector)
		);

		CREATE TABLE IF NOT EXISTS correlation_joints (
			bucket_start INTEGER NOT NULL,
			detector_a   TEXT    NOT NULL,
			detector_b   TEXT    NOT NULL,
			count        INTEGER NOT NULL,
			PRIMARY KEY (bucket_start, detector_a, detector_b)
		);
	`)
	return err
}

const (
	metaVersion    = "version"
	metaWindow     = "window"
	metaBucketSize = "bucket_size_ns"
	metaWatermark  = "watermark_ns"
	metaTakenAt    = "taken_at_ns"
)

// SaveSnapshot replaces the stored counts with snap in one transaction.
func (s *Store) SaveSnapshot(ctx context.Context, snap *correlation.Snapshot) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, table := range []string{"correlation_meta", "correlation_marginals", "correlation_joints"} {
		if _, err = tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("sqlite clear %s: %w", table, err)
		}
	}

	meta := map[string]string{
		metaVersion:    strconv.Itoa(snap.Version),
		metaWindow:     snap.Window,
		metaBucketSize: strconv.FormatInt(int64(snap.BucketSize), 10),
		metaWatermark:  strconv.FormatInt(unixNano(snap.Watermark), 10),
		metaTakenAt:    strconv.FormatInt(unixNano(snap.TakenAt), 10),
	}
	for k, v := range meta {
		if _, err = tx.ExecContext(ctx, `INSERT INTO correlation_meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("sqlite insert meta: %w", err)
		}
	}

	margStmt, err := tx.PrepareContext(ctx, `INSERT INTO correlation_marginals (bucket_start, detector, count) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite prepare: %w", err)
	}
	defer margStmt.Close()
	jointStmt, err := tx.PrepareContext(ctx, `INSERT INTO correlation_joints (bucket_start, detector_a, detector_b, count) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite prepare: %w", err)
	}
	defer jointStmt.Close()

	rows := 0
	for _, b := range snap.Buckets {
		start := b.Start.UnixNano()
		for d, c := range b.Marginals {
			if _, err = margStmt.ExecContext(ctx, start, d, c); err != nil {
				return fmt.Errorf("sqlite insert marginal: %w", err)
			}
			rows++
		}
		for _, j := range b.Joints {
			if _, err = jointStmt.ExecContext(ctx, start, j.A, j.B, j.Count); err != nil {
				return fmt.Errorf("sqlite insert joint: %w", err)
			}
			rows++
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	s.log.Debug().Int("buckets", len(snap.Buckets)).Int("rows", rows).Msg("saved correlation snapshot")
	return nil
}

// LoadSnapshot returns the stored snapshot, or nil if none was saved.
func (s *Store) LoadSnapshot(ctx context.Context) (*correlation.Snapshot, error) {
	meta := make(map[string]string)
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM correlation_meta`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query meta: %w", err)
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite scan meta: %w", err)
		}
		meta[k] = v
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(meta) == 0 {
		return nil, nil
	}

	snap := &correlation.Snapshot{Window: meta[metaWindow]}
	version, err := strconv.Atoi(meta[metaVersion])
	if err != nil {
		return nil, fmt.Errorf("sqlite meta %s: %w", metaVersion, err)
	}
	snap.Version = version
	var ints [3]int64
	for i, k := range []string{metaBucketSize, metaWatermark, metaTakenAt} {
		if ints[i], err = strconv.ParseInt(meta[k], 10, 64); err != nil {
			return nil, fmt.Errorf("sqlite meta %s: %w", k, err)
		}
	}
	snap.BucketSize = time.Duration(ints[0])
	snap.Watermark = fromUnixNano(ints[1])
	snap.TakenAt = fromUnixNano(ints[2])

	buckets := make(map[int64]*correlation.BucketCounts)
	var order []int64
	get := func(start int64) *correlation.BucketCounts {
		b, ok := buckets[start]
		if !ok {
			b = &correlation.BucketCounts{Start: time.Unix(0, start).UTC(), Marginals: make(map[string]int64)}
			buckets[start] = b
			order = append(order, start)
		}
		return b
	}

	rows, err = s.db.QueryContext(ctx, `SELECT bucket_start, detector, count FROM correlation_marginals ORDER BY bucket_start, detector`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query marginals: %w", err)
	}
	for rows.Next() {
		var start, count int64
		var d string
		if err := rows.Scan(&start, &d, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite scan marginal: %w", err)
		}
		get(start).Marginals[d] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT bucket_start, detector_a, detector_b, count FROM correlation_joints ORDER BY bucket_start, detector_a, detector_b`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query joints: %w", err)
	}
	for rows.Next() {
		var start, count int64
		var j correlation.JointCount
		if err := rows.Scan(&start, &j.A, &j.B, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite scan joint: %w", err)
		}
		j.Count = count
		b := get(start)
		b.Joints = append(b.Joints, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.Sort(order)
	snap.Buckets = make([]correlation.BucketCounts, 0, len(order))
	for _, start := range order {
		b := buckets[start]
		if b.Joints == nil {
			b.Joints = []correlation.JointCount{}
		}
		snap.Buckets = append(snap.Buckets, *b)
	}
	return snap, nil
}

// Ping checks the database for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return errors.New("sqlite: store not open")
	}
	return s.db.Close()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
