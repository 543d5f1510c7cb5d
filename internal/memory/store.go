// Package memory implements the Memory Matrix: a canonical structured store
// with two derived, eventually consistent indexes (similarity and
// relational) and a hybrid read path that merges all three surfaces.
//
// Every write commits to the canonical sqlite store first; that commit is
// the durability boundary. Background workers then propagate the item into
// the derived indexes, and index_status reports the propagation lag.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"cortex/internal/logging"
	"cortex/internal/types"

	_ "modernc.org/sqlite"
)

// CanonicalStore is the authoritative structured store. Per-item optimistic
// versioning is its only serialization point: a write supplying a stale
// version fails with types.ErrVersionConflict and unrelated items never
// contend.
type CanonicalStore struct {
	db      *sql.DB
	corrupt atomic.Bool
}

// OpenCanonicalStore opens (creating if needed) the sqlite database at path
// and migrates the schema. WAL mode keeps readers from blocking writers.
//
// A database that fails its integrity check opens with the corruption latch
// already set: the store refuses writes but the handle stays constructible,
// so the service can come up, answer health probes as unhealthy, and wait
// for an operator instead of crash-looping.
func OpenCanonicalStore(path string) (*CanonicalStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &CanonicalStore{db: db}
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			if isCorruption(err) {
				s.latch(err)
				return s, nil
			}
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := s.integrityCheck(); err != nil {
		// integrityCheck already set the latch.
		return s, nil
	}
	if err := runMigrations(db); err != nil {
		if isCorruption(err) {
			s.latch(err)
			return s, nil
		}
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle so sibling layers (decision graph
// persistence) can share the durability boundary.
func (s *CanonicalStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *CanonicalStore) Close() error { return s.db.Close() }

// Healthy reports whether the corruption latch is clear. Once tripped it
// stays tripped until an operator replaces the database; there is no silent
// auto-recovery.
func (s *CanonicalStore) Healthy() bool { return !s.corrupt.Load() }

func (s *CanonicalStore) integrityCheck() error {
	var result string
	if err := s.db.QueryRow(`PRAGMA integrity_check(1)`).Scan(&result); err != nil {
		s.latch(err)
		return fmt.Errorf("%w: integrity check errored: %v", types.ErrStoreCorrupt, err)
	}
	if result != "ok" {
		s.latch(fmt.Errorf("integrity check reported %q", result))
		return fmt.Errorf("%w: integrity check reported %q", types.ErrStoreCorrupt, result)
	}
	return nil
}

// isCorruption reports whether sqlite is telling us the database file itself
// is bad, as opposed to an ordinary statement failure.
func isCorruption(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "not a database") ||
		strings.Contains(msg, "database corruption")
}

// isWriteCollision reports the losing side of a concurrent write-write race:
// two transactions read the same current version and both try to insert the
// same (id, version) row, so the loser fails on the primary key or on the
// stale WAL snapshot.
func isWriteCollision(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

func (s *CanonicalStore) latch(err error) {
	s.corrupt.Store(true)
	logging.S(logging.CategoryStore).Errorw("canonical store corruption detected", "err", err)
}

// noteError trips the corruption latch when sqlite reports a malformed
// database; all other errors pass through untouched.
func (s *CanonicalStore) noteError(err error) error {
	if err == nil {
		return nil
	}
	if isCorruption(err) {
		s.latch(err)
		return fmt.Errorf("%w: %v", types.ErrStoreCorrupt, err)
	}
	return err
}

// Put writes an item version. expectedVersion 0 creates the item (it must
// not already exist); otherwise expectedVersion must match the current
// version and the new version is expectedVersion+1, with the previous
// version kept and marked superseded. The same transaction enqueues the
// item for index propagation, so the outbox can never miss a committed
// write. Returns the new version.
func (s *CanonicalStore) Put(ctx context.Context, item *types.MemoryItem, expectedVersion int64) (int64, error) {
	if !s.Healthy() {
		return 0, types.ErrStoreCorrupt
	}
	if err := item.Validate(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.noteError(err)
	}
	defer tx.Rollback()

	var current sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM items WHERE id = ?`, item.ID,
	).Scan(&current)
	if err != nil {
		return 0, s.noteError(err)
	}

	switch {
	case !current.Valid && expectedVersion != 0:
		return 0, fmt.Errorf("%w: item %s does not exist", types.ErrVersionConflict, item.ID)
	case current.Valid && expectedVersion != current.Int64:
		return 0, fmt.Errorf("%w: item %s is at version %d, write expected %d",
			types.ErrVersionConflict, item.ID, current.Int64, expectedVersion)
	}

	newVersion := expectedVersion + 1
	if current.Valid {
		// The old version stays readable forever; it is only marked.
		if _, err := tx.ExecContext(ctx,
			`UPDATE items SET is_current = 0, superseded = 1 WHERE id = ? AND version = ?`,
			item.ID, current.Int64,
		); err != nil {
			return 0, s.noteError(err)
		}
	}

	edgesJSON, err := json.Marshal(item.Edges)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal edges: %w", err)
	}
	var embJSON any
	if len(item.Embedding) > 0 {
		b, err := json.Marshal(item.Embedding)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal embedding: %w", err)
		}
		embJSON = string(b)
	}

	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO items (id, version, kind, content, embedding, confidence, provenance,
			edges, index_status, superseded, is_current, importance, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, 1, ?, ?)`,
		item.ID, newVersion, string(item.Kind), item.Content, embJSON,
		item.Confidence, item.Provenance, string(edgesJSON), item.Importance, createdAt,
	); err != nil {
		if isWriteCollision(err) {
			return 0, fmt.Errorf("%w: item %s version %d claimed by a concurrent writer",
				types.ErrVersionConflict, item.ID, newVersion)
		}
		return 0, s.noteError(err)
	}

	// Outbox row for the propagation workers. Re-enqueueing the same
	// (id, version) is a no-op, which keeps the workers idempotent.
	// Timestamps are epoch millis so due-time comparisons stay exact.
	nowMillis := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO index_queue (item_id, version, attempts, next_attempt_at, enqueued_at)
		 VALUES (?, ?, 0, ?, ?)`,
		item.ID, newVersion, nowMillis, nowMillis,
	); err != nil {
		return 0, s.noteError(err)
	}

	if err := tx.Commit(); err != nil {
		if isWriteCollision(err) {
			return 0, fmt.Errorf("%w: item %s version %d claimed by a concurrent writer",
				types.ErrVersionConflict, item.ID, newVersion)
		}
		return 0, s.noteError(err)
	}

	item.Version = newVersion
	item.IndexStatus = types.IndexPending
	return newVersion, nil
}

// Get returns the current version of an item.
func (s *CanonicalStore) Get(ctx context.Context, id string) (*types.MemoryItem, error) {
	row := s.db.QueryRowContext(ctx,
		itemSelect+` WHERE id = ? AND is_current = 1`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: item %s", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, s.noteError(err)
	}
	return item, nil
}

// GetVersion returns one specific historical version of an item. Decision
// records resolve their pinned ItemRefs through this.
func (s *CanonicalStore) GetVersion(ctx context.Context, id string, version int64) (*types.MemoryItem, error) {
	row := s.db.QueryRowContext(ctx,
		itemSelect+` WHERE id = ? AND version = ?`, id, version)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: item %s version %d", types.ErrNotFound, id, version)
	}
	if err != nil {
		return nil, s.noteError(err)
	}
	return item, nil
}

// Filter selects items on the structured surface.
type Filter struct {
	Kinds             []types.MemoryKind
	Provenance        string
	ContentLike       string // substring match, case-insensitive
	MinConfidence     float64
	IncludeSuperseded bool
	Limit             int
}

// Query runs a structured predicate filter over current item versions.
func (s *CanonicalStore) Query(ctx context.Context, f Filter) ([]types.MemoryItem, error) {
	var conds []string
	var args []any

	if !f.IncludeSuperseded {
		conds = append(conds, "is_current = 1", "superseded = 0")
	}
	if len(f.Kinds) > 0 {
		ph := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			ph[i] = "?"
			args = append(args, string(k))
		}
		conds = append(conds, fmt.Sprintf("kind IN (%s)", strings.Join(ph, ", ")))
	}
	if f.Provenance != "" {
		conds = append(conds, "provenance = ?")
		args = append(args, f.Provenance)
	}
	if f.ContentLike != "" {
		conds = append(conds, "LOWER(content) LIKE ?")
		args = append(args, "%"+strings.ToLower(f.ContentLike)+"%")
	}
	if f.MinConfidence > 0 {
		conds = append(conds, "confidence >= ?")
		args = append(args, f.MinConfidence)
	}

	query := itemSelect
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.noteError(err)
	}
	defer rows.Close()

	var items []types.MemoryItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, s.noteError(err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// TouchAccess bumps access tracking for retention scoring. Fire-and-forget
// from the read path.
func (s *CanonicalStore) TouchAccess(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	ph := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		ph[i] = "?"
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE items SET access_count = access_count + 1, last_accessed = CURRENT_TIMESTAMP
			WHERE id IN (%s) AND is_current = 1`, strings.Join(ph, ", ")), args...)
	if err != nil {
		logging.S(logging.CategoryStore).Debugw("access touch failed", "err", err)
	}
}

// setIndexStatus records index propagation progress for one item version.
func (s *CanonicalStore) setIndexStatus(ctx context.Context, id string, version int64, st types.IndexStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE items SET index_status = ? WHERE id = ? AND version = ?`,
		string(st), id, version)
	return s.noteError(err)
}

const itemSelect = `SELECT id, version, kind, content, embedding, confidence, provenance,
	edges, index_status, superseded, importance, access_count, created_at FROM items`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (*types.MemoryItem, error) {
	var (
		item     types.MemoryItem
		kind     string
		status   string
		embJSON  sql.NullString
		edges    string
		supInt   int
		created  time.Time
	)
	if err := r.Scan(&item.ID, &item.Version, &kind, &item.Content, &embJSON,
		&item.Confidence, &item.Provenance, &edges, &status, &supInt,
		&item.Importance, &item.AccessCount, &created); err != nil {
		return nil, err
	}
	item.Kind = types.MemoryKind(kind)
	item.IndexStatus = types.IndexStatus(status)
	item.Superseded = supInt != 0
	item.CreatedAt = created
	if embJSON.Valid && embJSON.String != "" {
		if err := json.Unmarshal([]byte(embJSON.String), &item.Embedding); err != nil {
			return nil, fmt.Errorf("failed to decode embedding for %s: %w", item.ID, err)
		}
	}
	if edges != "" && edges != "[]" {
		if err := json.Unmarshal([]byte(edges), &item.Edges); err != nil {
			return nil, fmt.Errorf("failed to decode edges for %s: %w", item.ID, err)
		}
	}
	return &item, nil
}
