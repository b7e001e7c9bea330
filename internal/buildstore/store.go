// Package buildstore persists build records in SQLite. One record per
// build id; the pipeline is the only writer, the HTTP API and the
// recovery sweep are readers.
package buildstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/thesara-space/appbuild/pkg/schema"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Read and Update for an unknown build id.
var ErrNotFound = errors.New("build not found")

// Patch is a partial update applied to a build record. Nil fields are
// left untouched; a state change also appends a timeline entry.
type Patch struct {
	State         *schema.BuildState
	Progress      *int
	Error         *string
	Reasons       []string
	NetworkPolicy *schema.NetworkPolicy
	LLMReportPath *string
}

// Store is a SQLite-backed build record store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the store at dbPath. Parent
// directories are created. WAL mode and a busy timeout are enabled so
// the HTTP API and the pipeline can share the file.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc.org/sqlite ignores _foreign_keys in the connection string.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	db.SetMaxOpenConns(2)

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	stmt := `
	CREATE TABLE IF NOT EXISTS builds (
		id TEXT PRIMARY KEY,
		listing_id TEXT NOT NULL DEFAULT '',
		content_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		reasons TEXT NOT NULL DEFAULT '[]',
		network_policy TEXT NOT NULL DEFAULT '',
		llm_report_path TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_builds_created_at ON builds(created_at, id);
	CREATE INDEX IF NOT EXISTS idx_builds_state ON builds(state);

	CREATE TABLE IF NOT EXISTS build_timeline (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		build_id TEXT NOT NULL,
		state TEXT NOT NULL,
		progress INTEGER NOT NULL,
		happened_at INTEGER NOT NULL,
		FOREIGN KEY (build_id) REFERENCES builds(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_build_timeline_build ON build_timeline(build_id, seq);
	`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Init ensures a record exists for id, creating it in the queued state
// at progress zero. If a record already exists it is returned unchanged,
// so repeated enqueues of the same id are harmless.
func (s *Store) Init(ctx context.Context, id, listingID, contentID string) (*schema.BuildRecord, error) {
	now := time.Now().UnixMilli()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO builds (id, listing_id, content_id, state, progress, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, listingID, contentID, schema.StateQueued, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert build: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO build_timeline (build_id, state, progress, happened_at)
			VALUES (?, ?, 0, ?)
		`, id, schema.StateQueued, now)
		if err != nil {
			return nil, fmt.Errorf("failed to insert timeline entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return s.Read(ctx, id)
}

// Read returns the record for id, including its timeline, or ErrNotFound.
func (s *Store) Read(ctx context.Context, id string) (*schema.BuildRecord, error) {
	rec := &schema.BuildRecord{}
	var reasonsJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, listing_id, content_id, state, progress, error, reasons,
		       network_policy, llm_report_path, created_at, updated_at
		FROM builds WHERE id = ?
	`, id).Scan(&rec.ID, &rec.ListingID, &rec.ContentID, &rec.State, &rec.Progress,
		&rec.Error, &reasonsJSON, &rec.NetworkPolicy, &rec.LLMReportPath,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query build: %w", err)
	}
	if err := json.Unmarshal([]byte(reasonsJSON), &rec.Reasons); err != nil {
		return nil, fmt.Errorf("failed to decode reasons for %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT state, progress, happened_at
		FROM build_timeline WHERE build_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeline: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var entry schema.TimelineEntry
		if err := rows.Scan(&entry.State, &entry.Progress, &entry.HappenedAt); err != nil {
			return nil, fmt.Errorf("failed to scan timeline entry: %w", err)
		}
		rec.Timeline = append(rec.Timeline, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating timeline: %w", err)
	}
	return rec, nil
}

// Update applies a partial patch to the record for id and returns the
// updated record. A state change appends a timeline entry in the same
// transaction.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (*schema.BuildRecord, error) {
	now := time.Now().UnixMilli()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var prevState schema.BuildState
	var prevProgress int
	err = tx.QueryRowContext(ctx, `SELECT state, progress FROM builds WHERE id = ?`, id).
		Scan(&prevState, &prevProgress)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query build: %w", err)
	}

	query := "UPDATE builds SET updated_at = ?"
	args := []any{now}
	if patch.State != nil {
		query += ", state = ?"
		args = append(args, *patch.State)
	}
	if patch.Progress != nil {
		query += ", progress = ?"
		args = append(args, *patch.Progress)
	}
	if patch.Error != nil {
		query += ", error = ?"
		args = append(args, *patch.Error)
	}
	if patch.Reasons != nil {
		encoded, err := json.Marshal(patch.Reasons)
		if err != nil {
			return nil, fmt.Errorf("failed to encode reasons: %w", err)
		}
		query += ", reasons = ?"
		args = append(args, string(encoded))
	}
	if patch.NetworkPolicy != nil {
		query += ", network_policy = ?"
		args = append(args, *patch.NetworkPolicy)
	}
	if patch.LLMReportPath != nil {
		query += ", llm_report_path = ?"
		args = append(args, *patch.LLMReportPath)
	}
	query += " WHERE id = ?"
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("failed to update build: %w", err)
	}

	if patch.State != nil && *patch.State != prevState {
		progress := prevProgress
		if patch.Progress != nil {
			progress = *patch.Progress
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO build_timeline (build_id, state, progress, happened_at)
			VALUES (?, ?, ?, ?)
		`, id, *patch.State, progress, now)
		if err != nil {
			return nil, fmt.Errorf("failed to insert timeline entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return s.Read(ctx, id)
}

// List returns up to limit records ordered by creation time, oldest
// first. cursor is the opaque value returned by a previous call; pass ""
// to start from the beginning. An empty next cursor means the end.
func (s *Store) List(ctx context.Context, cursor string, limit int) ([]*schema.BuildRecord, string, error) {
	if limit <= 0 {
		limit = 50
	}
	var after int64
	var afterID string
	if cursor != "" {
		// The id is everything after the first separator, whatever it
		// contains.
		ts, id, ok := strings.Cut(cursor, ":")
		if !ok {
			return nil, "", fmt.Errorf("invalid cursor %q", cursor)
		}
		var err error
		after, err = strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		afterID = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at FROM builds
		WHERE (created_at, id) > (?, ?)
		ORDER BY created_at, id
		LIMIT ?
	`, after, afterID, limit)
	if err != nil {
		return nil, "", fmt.Errorf("failed to query builds: %w", err)
	}
	defer rows.Close()

	type key struct {
		id        string
		createdAt int64
	}
	var keys []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.id, &k.createdAt); err != nil {
			return nil, "", fmt.Errorf("failed to scan build id: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("error iterating builds: %w", err)
	}

	var records []*schema.BuildRecord
	for _, k := range keys {
		rec, err := s.Read(ctx, k.id)
		if err != nil {
			return nil, "", err
		}
		records = append(records, rec)
	}

	next := ""
	if len(keys) == limit {
		last := keys[len(keys)-1]
		next = fmt.Sprintf("%d:%s", last.createdAt, last.id)
	}
	return records, next, nil
}

// ListUnfinished returns the ids of all builds not in a terminal state,
// oldest first. Used by the recovery sweep at process start.
func (s *Store) ListUnfinished(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM builds
		WHERE state NOT IN (?, ?, ?, ?, ?)
		ORDER BY created_at, id
	`, schema.StatePendingReview, schema.StateApproved, schema.StateRejected,
		schema.StatePublished, schema.StateFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to query unfinished builds: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan build id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unfinished builds: %w", err)
	}
	return ids, nil
}
