package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite"

	"github.com/raizoken23/Stage-One-sub000/pkg/memory/model"
)

var (
	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("memory record not found")
	// ErrDuplicateFingerprint is returned when a record with the same fingerprint exists.
	ErrDuplicateFingerprint = errors.New("duplicate fingerprint")
	// ErrClosed is returned by every call after Close.
	ErrClosed = errors.New("metadata store is closed")
)

const defaultSQLiteSchema = `
CREATE TABLE IF NOT EXISTS memory_log (
	id           TEXT PRIMARY KEY,
	agent_id     TEXT NOT NULL,
	memory_type  TEXT NOT NULL,
	trust_score  REAL NOT NULL,
	fingerprint  TEXT NOT NULL UNIQUE,
	created_at   TEXT NOT NULL,
	vector_id    INTEGER NOT NULL UNIQUE,
	content_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_log_agent ON memory_log(agent_id);
CREATE INDEX IF NOT EXISTS idx_memory_log_type ON memory_log(memory_type);
`

const recordColumns = `id, agent_id, memory_type, trust_score, fingerprint, created_at, vector_id, content_json`

// Filter narrows a batch fetch. Empty fields do not filter.
type Filter struct {
	AgentID    string
	MemoryType model.MemoryType
}

type content struct {
	InputText  string `json:"input_text"`
	OutputText string `json:"output_text"`
}

// SQLiteStore is the metadata tier of a domain: one memory_log table with
// unique fingerprint and vector_id columns.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	closed bool
}

// OpenSQLite opens (or creates) the database file at path and ensures the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open database", goerr.V("path", path))
	}
	// one writer; also keeps :memory: databases on a single connection
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "failed to ping database", goerr.V("path", path))
	}
	s := &SQLiteStore{db: db, path: path}
	if err := s.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// InitSchema creates the table and indexes when missing.
func (s *SQLiteStore) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, defaultSQLiteSchema); err != nil {
		return goerr.Wrap(err, "failed to initialize schema")
	}
	return nil
}

func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) live() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Insert stores rec under the next vector id (current maximum + 1, or 0 for
// an empty table). stage runs inside the transaction after the row is
// written and before commit; an error from stage rolls the row back.
func (s *SQLiteStore) Insert(ctx context.Context, rec model.MemoryRecord, stage func(ctx context.Context, vectorID int64) error) (model.MemoryRecord, error) {
	if err := s.live(); err != nil {
		return rec, err
	}
	body, err := json.Marshal(content{InputText: rec.InputText, OutputText: rec.OutputText})
	if err != nil {
		return rec, goerr.Wrap(err, "encode content")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rec, goerr.Wrap(err, "begin transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM memory_log WHERE fingerprint = ?`, rec.Fingerprint).Scan(&one)
	switch {
	case err == nil:
		return rec, goerr.Wrap(ErrDuplicateFingerprint, "insert record", goerr.V("fingerprint", rec.Fingerprint))
	case !errors.Is(err, sql.ErrNoRows):
		return rec, goerr.Wrap(err, "check fingerprint")
	}

	var maxID sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(vector_id) FROM memory_log`).Scan(&maxID); err != nil {
		return rec, goerr.Wrap(err, "read max vector id")
	}
	rec.VectorID = 0
	if maxID.Valid {
		rec.VectorID = maxID.Int64 + 1
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memory_log (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AgentID, string(rec.MemoryType), rec.Trust(), rec.Fingerprint,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), rec.VectorID, string(body),
	)
	if err != nil {
		if isUniqueViolation(err, "fingerprint") {
			return rec, goerr.Wrap(ErrDuplicateFingerprint, "insert record", goerr.V("fingerprint", rec.Fingerprint))
		}
		return rec, goerr.Wrap(err, "insert record", goerr.V("id", rec.ID))
	}

	if stage != nil {
		if err := stage(ctx, rec.VectorID); err != nil {
			return rec, goerr.Wrap(err, "stage vector", goerr.V("vector_id", rec.VectorID))
		}
	}

	if err := tx.Commit(); err != nil {
		return rec, goerr.Wrap(err, "commit record", goerr.V("id", rec.ID))
	}
	committed = true
	return rec, nil
}

func isUniqueViolation(err error, column string) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, column)
}

// maxFetchIDs bounds the ids bound in one query, well under SQLite's
// host-parameter limit.
const maxFetchIDs = 500

// FetchByVectorIDs loads the rows for ids, applying f in SQL. Large id sets
// are split across several queries.
func (s *SQLiteStore) FetchByVectorIDs(ctx context.Context, ids []int64, f Filter) ([]model.MemoryRecord, error) {
	if err := s.live(); err != nil {
		return nil, err
	}
	var out []model.MemoryRecord
	for chunk := range slices.Chunk(ids, maxFetchIDs) {
		recs, err := s.fetchChunk(ctx, chunk, f)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (s *SQLiteStore) fetchChunk(ctx context.Context, ids []int64, f Filter) ([]model.MemoryRecord, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + recordColumns + ` FROM memory_log WHERE vector_id IN (`)
	args := make([]any, 0, len(ids)+2)
	for i, id := range ids {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("?")
		args = append(args, id)
	}
	sb.WriteString(")")
	if f.AgentID != "" {
		sb.WriteString(` AND agent_id = ?`)
		args = append(args, f.AgentID)
	}
	if f.MemoryType != "" {
		sb.WriteString(` AND memory_type = ?`)
		args = append(args, string(f.MemoryType))
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, goerr.Wrap(err, "fetch records", goerr.V("count", len(ids)))
	}
	defer rows.Close()

	var out []model.MemoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "iterate records")
	}
	return out, nil
}

// GetByFingerprint returns the record with fingerprint or ErrNotFound.
func (s *SQLiteStore) GetByFingerprint(ctx context.Context, fingerprint string) (model.MemoryRecord, error) {
	if err := s.live(); err != nil {
		return model.MemoryRecord{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM memory_log WHERE fingerprint = ?`, fingerprint)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.MemoryRecord{}, goerr.Wrap(ErrNotFound, "get record", goerr.V("fingerprint", fingerprint))
	}
	return rec, err
}

// Reinforce raises the trust score of a record by boost, clamped to [0, 1].
func (s *SQLiteStore) Reinforce(ctx context.Context, fingerprint string, boost float64) (oldScore, newScore float64, err error) {
	if err := s.live(); err != nil {
		return 0, 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, goerr.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = tx.QueryRowContext(ctx, `SELECT trust_score FROM memory_log WHERE fingerprint = ?`, fingerprint).Scan(&oldScore)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, goerr.Wrap(ErrNotFound, "reinforce record", goerr.V("fingerprint", fingerprint))
	}
	if err != nil {
		return 0, 0, goerr.Wrap(err, "read trust score")
	}
	// trust scores are kept at 4 decimal places
	newScore = math.Round(math.Max(0, math.Min(1, oldScore+boost))*1e4) / 1e4
	if _, err = tx.ExecContext(ctx, `UPDATE memory_log SET trust_score = ? WHERE fingerprint = ?`, newScore, fingerprint); err != nil {
		return 0, 0, goerr.Wrap(err, "update trust score")
	}
	if err = tx.Commit(); err != nil {
		return 0, 0, goerr.Wrap(err, "commit trust score")
	}
	return oldScore, newScore, nil
}

// Count returns the number of stored records.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	if err := s.live(); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_log`).Scan(&n); err != nil {
		return 0, goerr.Wrap(err, "count records")
	}
	return n, nil
}

// Iterate calls fn for every record in vector id order until fn returns false.
func (s *SQLiteStore) Iterate(ctx context.Context, fn func(model.MemoryRecord) bool) error {
	if err := s.live(); err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM memory_log ORDER BY vector_id`)
	if err != nil {
		return goerr.Wrap(err, "iterate records")
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if !fn(rec) {
			break
		}
	}
	return rows.Err()
}

// Close checkpoints the write-ahead log into the main file and closes the
// database. Repeated calls are no-ops.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_, cpErr := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	if err := s.db.Close(); err != nil {
		return goerr.Wrap(err, "close database", goerr.V("path", s.path))
	}
	if cpErr != nil {
		return goerr.Wrap(cpErr, "checkpoint database", goerr.V("path", s.path))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (model.MemoryRecord, error) {
	var (
		rec       model.MemoryRecord
		memType   string
		trust     float64
		createdAt string
		body      string
	)
	if err := row.Scan(&rec.ID, &rec.AgentID, &memType, &trust, &rec.Fingerprint, &createdAt, &rec.VectorID, &body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, goerr.Wrap(err, "scan record")
	}
	rec.MemoryType = model.MemoryType(memType)
	rec.TrustScore = &trust
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return rec, goerr.Wrap(err, "parse created_at", goerr.V("value", createdAt))
	}
	rec.CreatedAt = ts.UTC()
	var c content
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return rec, goerr.Wrap(err, "decode content", goerr.V("id", rec.ID))
	}
	rec.InputText = c.InputText
	rec.OutputText = c.OutputText
	return rec, nil
}
