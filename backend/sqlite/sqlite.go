// Package sqlite provides a file-backed relational backend on SQLite.
//
// Each tier using this backend persists to its own database file. The
// store keeps record payloads as JSON columns and maintains a flattened
// search_text column for lexical matching; ranking happens in-process with
// the shared lexical scorer.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mnemo-ai/mnemo/backend"
	"github.com/mnemo-ai/mnemo/record"
)

var _ backend.Backend = (*Store)(nil)

// Store is a SQLite-backed record store. Safe for concurrent use; the
// database is opened in WAL mode.
type Store struct {
	db   *sql.DB
	path string
}

// New opens or creates a SQLite database at the given path and applies the
// schema migration.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, backend.Wrap("sqlite.New", backend.KindUnavailable, err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, backend.Wrap("sqlite.New", backend.KindInternal, err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id               TEXT PRIMARY KEY,
		content          TEXT NOT NULL,
		summary          TEXT NOT NULL DEFAULT '',
		embedding        TEXT,
		importance       REAL NOT NULL DEFAULT 0,
		status           TEXT NOT NULL DEFAULT 'active',
		tags             TEXT,
		created_at       TEXT NOT NULL,
		last_accessed_at TEXT NOT NULL,
		access_count     INTEGER NOT NULL DEFAULT 0,
		strength         REAL NOT NULL DEFAULT 1,
		relationships    TEXT,
		search_text      TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);
	CREATE INDEX IF NOT EXISTS idx_records_strength ON records(strength);
	CREATE INDEX IF NOT EXISTS idx_records_accessed ON records(last_accessed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Capabilities reports lexical search over persistent storage with
// relationship support.
func (s *Store) Capabilities() backend.Capabilities {
	return backend.Capabilities{Persistent: true, Relationships: true}
}

// Create stores a new record.
func (s *Store) Create(ctx context.Context, r *record.Record) (string, error) {
	if err := r.Validate(); err != nil {
		return "", backend.Wrap("sqlite.Create", backend.KindValidation, err)
	}

	row, err := encodeRow(r)
	if err != nil {
		return "", backend.Wrap("sqlite.Create", backend.KindValidation, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records
		(id, content, summary, embedding, importance, status, tags,
		 created_at, last_accessed_at, access_count, strength, relationships, search_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.id, row.content, row.summary, row.embedding, row.importance, row.status,
		row.tags, row.createdAt, row.lastAccessedAt, row.accessCount, row.strength,
		row.relationships, row.searchText,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return "", backend.Wrap("sqlite.Create", backend.KindValidation, backend.ErrAlreadyExists)
		}
		return "", backend.Wrap("sqlite.Create", backend.KindUnavailable, err)
	}
	return r.ID, nil
}

// Read returns the record with the given ID.
func (s *Store) Read(ctx context.Context, id string) (*record.Record, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.Wrap("sqlite.Read", backend.KindNotFound, backend.ErrNotFound)
	}
	if err != nil {
		return nil, backend.Wrap("sqlite.Read", backend.KindInternal, err)
	}
	return r, nil
}

// Update replaces the stored record, matched by ID.
func (s *Store) Update(ctx context.Context, r *record.Record) error {
	if err := r.Validate(); err != nil {
		return backend.Wrap("sqlite.Update", backend.KindValidation, err)
	}

	row, err := encodeRow(r)
	if err != nil {
		return backend.Wrap("sqlite.Update", backend.KindValidation, err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET
		content = ?, summary = ?, embedding = ?, importance = ?, status = ?,
		tags = ?, last_accessed_at = ?, access_count = ?, strength = ?,
		relationships = ?, search_text = ?
		WHERE id = ?`,
		row.content, row.summary, row.embedding, row.importance, row.status,
		row.tags, row.lastAccessedAt, row.accessCount, row.strength,
		row.relationships, row.searchText, row.id,
	)
	if err != nil {
		return backend.Wrap("sqlite.Update", backend.KindUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return backend.Wrap("sqlite.Update", backend.KindInternal, err)
	}
	if n == 0 {
		return backend.Wrap("sqlite.Update", backend.KindNotFound, backend.ErrNotFound)
	}
	return nil
}

// Delete removes the record with the given ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return backend.Wrap("sqlite.Delete", backend.KindUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return backend.Wrap("sqlite.Delete", backend.KindInternal, err)
	}
	if n == 0 {
		return backend.Wrap("sqlite.Delete", backend.KindNotFound, backend.ErrNotFound)
	}
	return nil
}

// Exists reports whether a record with the given ID is stored.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM records WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, backend.Wrap("sqlite.Exists", backend.KindUnavailable, err)
	}
	return true, nil
}

// Search narrows candidates with a LIKE prefilter on the flattened search
// text, then ranks them in-process with the lexical scorer.
func (s *Store) Search(ctx context.Context, q backend.Query) ([]backend.Match, error) {
	query := selectCols + ` WHERE status = 'active'`
	args := []any{}
	if q.IncludeArchived {
		query = selectCols + ` WHERE status IN ('active', 'archived')`
	}

	tokens := backend.Tokenize(q.Text)
	if len(tokens) > 0 {
		likes := make([]string, len(tokens))
		for i, tok := range tokens {
			likes[i] = `search_text LIKE ?`
			args = append(args, "%"+tok+"%")
		}
		query += ` AND (` + strings.Join(likes, " OR ") + `)`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, backend.Wrap("sqlite.Search", backend.KindUnavailable, err)
	}
	defer rows.Close()

	var matches []backend.Match
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, backend.Wrap("sqlite.Search", backend.KindInternal, err)
		}
		if !backend.MatchesQuery(r, q) {
			continue
		}
		score := backend.LexicalScore(q.Text, r)
		if q.Text != "" && score == 0 {
			continue
		}
		matches = append(matches, backend.Match{Record: r, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, backend.Wrap("sqlite.Search", backend.KindUnavailable, err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Record.LastAccessedAt.After(matches[j].Record.LastAccessedAt)
	})

	if q.Offset >= len(matches) {
		return nil, nil
	}
	matches = matches[q.Offset:]
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches, nil
}

// All returns every stored record.
func (s *Store) All(ctx context.Context) ([]*record.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectCols)
	if err != nil {
		return nil, backend.Wrap("sqlite.All", backend.KindUnavailable, err)
	}
	defer rows.Close()

	var out []*record.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, backend.Wrap("sqlite.All", backend.KindInternal, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, backend.Wrap("sqlite.All", backend.KindUnavailable, err)
	}
	return out, nil
}

// BatchCreate stores multiple records with per-item failure isolation.
func (s *Store) BatchCreate(ctx context.Context, recs []*record.Record) ([]string, error) {
	var (
		ids    []string
		failed []backend.ItemError
	)
	for _, r := range recs {
		id, err := s.Create(ctx, r)
		if err != nil {
			failed = append(failed, backend.ItemError{ID: r.ID, Err: err})
			continue
		}
		ids = append(ids, id)
	}
	if len(failed) > 0 {
		return ids, &backend.PartialError{Op: "sqlite.BatchCreate", Items: failed}
	}
	return ids, nil
}

// BatchDelete removes multiple records, ignoring missing IDs.
func (s *Store) BatchDelete(ctx context.Context, ids []string) (int, error) {
	deleted := 0
	var failed []backend.ItemError
	for _, id := range ids {
		err := s.Delete(ctx, id)
		if err == nil {
			deleted++
			continue
		}
		if !errors.Is(err, backend.ErrNotFound) {
			failed = append(failed, backend.ItemError{ID: id, Err: err})
		}
	}
	if len(failed) > 0 {
		return deleted, &backend.PartialError{Op: "sqlite.BatchDelete", Items: failed}
	}
	return deleted, nil
}

// Count returns the number of records matching the filter.
func (s *Store) Count(ctx context.Context, f backend.Filter) (int, error) {
	if len(f.Tags) > 0 {
		// Tag sets are JSON columns; filter in-process.
		recs, err := s.All(ctx)
		if err != nil {
			return 0, err
		}
		n := 0
		for _, r := range recs {
			if backend.MatchesFilter(r, f) {
				n++
			}
		}
		return n, nil
	}

	query := `SELECT COUNT(*) FROM records`
	args := []any{}
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, backend.Wrap("sqlite.Count", backend.KindUnavailable, err)
	}
	return n, nil
}

// Stats returns record counts plus the database file path.
func (s *Store) Stats(ctx context.Context) (backend.Stats, error) {
	var st backend.Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN importance >= 1.0 THEN 1 ELSE 0 END), 0) FROM records`,
	).Scan(&st.Records, &st.Pinned)
	if err != nil {
		return backend.Stats{}, backend.Wrap("sqlite.Stats", backend.KindUnavailable, err)
	}
	st.Details = map[string]any{"path": s.path}
	return st, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const selectCols = `
	SELECT id, content, summary, embedding, importance, status, tags,
	       created_at, last_accessed_at, access_count, strength, relationships
	FROM records`

type rowData struct {
	id             string
	content        string
	summary        string
	embedding      sql.NullString
	importance     float64
	status         string
	tags           sql.NullString
	createdAt      string
	lastAccessedAt string
	accessCount    int64
	strength       float64
	relationships  sql.NullString
	searchText     string
}

func encodeRow(r *record.Record) (*rowData, error) {
	content, err := json.Marshal(r.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}

	row := &rowData{
		id:             r.ID,
		content:        string(content),
		summary:        r.Summary,
		importance:     r.Importance,
		status:         string(r.Status),
		createdAt:      r.CreatedAt.UTC().Format(time.RFC3339Nano),
		lastAccessedAt: r.LastAccessedAt.UTC().Format(time.RFC3339Nano),
		accessCount:    r.AccessCount,
		strength:       r.Strength,
		searchText:     strings.ToLower(backend.SearchableText(r) + " " + strings.Join(r.Tags, " ")),
	}

	if len(r.Embedding) > 0 {
		data, err := json.Marshal(r.Embedding)
		if err != nil {
			return nil, fmt.Errorf("marshal embedding: %w", err)
		}
		row.embedding = sql.NullString{String: string(data), Valid: true}
	}
	if len(r.Tags) > 0 {
		data, err := json.Marshal(r.Tags)
		if err != nil {
			return nil, fmt.Errorf("marshal tags: %w", err)
		}
		row.tags = sql.NullString{String: string(data), Valid: true}
	}
	if len(r.Relationships) > 0 {
		data, err := json.Marshal(r.Relationships)
		if err != nil {
			return nil, fmt.Errorf("marshal relationships: %w", err)
		}
		row.relationships = sql.NullString{String: string(data), Valid: true}
	}
	return row, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*record.Record, error) {
	var row rowData
	err := sc.Scan(
		&row.id, &row.content, &row.summary, &row.embedding, &row.importance,
		&row.status, &row.tags, &row.createdAt, &row.lastAccessedAt,
		&row.accessCount, &row.strength, &row.relationships,
	)
	if err != nil {
		return nil, err
	}

	r := &record.Record{
		ID:          row.id,
		Summary:     row.summary,
		Importance:  row.importance,
		Status:      record.Status(row.status),
		AccessCount: row.accessCount,
		Strength:    row.strength,
	}

	if err := json.Unmarshal([]byte(row.content), &r.Content); err != nil {
		return nil, fmt.Errorf("unmarshal content: %w", err)
	}
	if row.embedding.Valid {
		if err := json.Unmarshal([]byte(row.embedding.String), &r.Embedding); err != nil {
			return nil, fmt.Errorf("unmarshal embedding: %w", err)
		}
	}
	if row.tags.Valid {
		if err := json.Unmarshal([]byte(row.tags.String), &r.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if row.relationships.Valid {
		if err := json.Unmarshal([]byte(row.relationships.String), &r.Relationships); err != nil {
			return nil, fmt.Errorf("unmarshal relationships: %w", err)
		}
	}

	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, row.createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if r.LastAccessedAt, err = time.Parse(time.RFC3339Nano, row.lastAccessedAt); err != nil {
		return nil, fmt.Errorf("parse last_accessed_at: %w", err)
	}

	r.Clamp()
	return r, nil
}
