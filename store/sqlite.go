package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the C1 ChunkStore implementation: a single-file embedded
// database with blob-packed embeddings and foreign-key cascades.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating and migrating if absent) a chunk store at
// path. WAL mode and a single-connection pool give one process safe
// single-writer access; path == ":memory:" is supported for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open chunk store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate applies the schema. Forward-only and idempotent: every
// statement uses IF NOT EXISTS, safe to run on every open.
func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		path TEXT NOT NULL,
		embedding_model TEXT NOT NULL,
		dimensions INTEGER NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		description TEXT NOT NULL DEFAULT '',
		indexed_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		content TEXT NOT NULL,
		embedding BLOB NOT NULL,
		file_path TEXT NOT NULL,
		file_type TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		line_start INTEGER NOT NULL,
		line_end INTEGER NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		seq INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_project ON chunks(project_id, seq);
	CREATE INDEX IF NOT EXISTS idx_chunks_project_file ON chunks(project_id, file_path);

	CREATE TABLE IF NOT EXISTS file_hashes (
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		file_path TEXT NOT NULL,
		hash TEXT NOT NULL,
		chunk_ids TEXT NOT NULL,
		indexed_at INTEGER NOT NULL,
		PRIMARY KEY (project_id, file_path)
	);

	CREATE TABLE IF NOT EXISTS eval_runs (
		id TEXT PRIMARY KEY,
		project_id TEXT REFERENCES projects(id) ON DELETE CASCADE,
		started_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		mrr REAL NOT NULL DEFAULT 0,
		hit_rate REAL NOT NULL DEFAULT 0,
		precision_at_k REAL NOT NULL DEFAULT 0,
		recall_at_k REAL NOT NULL DEFAULT 0,
		ndcg_at_k REAL NOT NULL DEFAULT 0,
		map REAL NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS eval_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES eval_runs(id) ON DELETE CASCADE,
		query TEXT NOT NULL,
		rr REAL NOT NULL DEFAULT 0,
		hit_rate REAL NOT NULL DEFAULT 0,
		precision_at_k REAL NOT NULL DEFAULT 0,
		recall_at_k REAL NOT NULL DEFAULT 0,
		ndcg_at_k REAL NOT NULL DEFAULT 0,
		ap REAL NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);

	INSERT OR IGNORE INTO schema_version(version) VALUES (1);
	`)
	return err
}

func (s *SQLiteStore) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now()
	p.IndexedAt = now
	p.UpdatedAt = now

	tags, err := json.Marshal(p.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, path, embedding_model, dimensions, tags, description, indexed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Path, p.EmbeddingModel, p.Dimensions, string(tags), p.Description,
		now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	return s.scanProject(s.db.QueryRowContext(ctx, projectSelectSQL+" WHERE p.id = ?", id))
}

func (s *SQLiteStore) GetProjectByName(ctx context.Context, name string) (*Project, error) {
	return s.scanProject(s.db.QueryRowContext(ctx, projectSelectSQL+" WHERE p.name = ?", name))
}

const projectSelectSQL = `
	SELECT p.id, p.name, p.path, p.embedding_model, p.dimensions, p.tags, p.description,
	       p.indexed_at, p.updated_at,
	       (SELECT COUNT(*) FROM chunks c WHERE c.project_id = p.id) AS chunk_count,
	       (SELECT COUNT(DISTINCT file_path) FROM chunks c WHERE c.project_id = p.id) AS file_count
	FROM projects p`

func (s *SQLiteStore) scanProject(row *sql.Row) (*Project, error) {
	var p Project
	var tags string
	var indexedAt, updatedAt int64
	err := row.Scan(&p.ID, &p.Name, &p.Path, &p.EmbeddingModel, &p.Dimensions, &tags, &p.Description,
		&indexedAt, &updatedAt, &p.ChunkCount, &p.FileCount)
	if err == sql.ErrNoRows {
		return nil, ErrProjectNotFound{}
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &p.Tags); err != nil {
		p.Tags = nil // tolerate corrupt tags column rather than fail the read
	}
	p.IndexedAt = time.UnixMilli(indexedAt)
	p.UpdatedAt = time.UnixMilli(updatedAt)
	return &p, nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, projectSelectSQL+" ORDER BY p.name")
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		var p Project
		var tags string
		var indexedAt, updatedAt int64
		if err := rows.Scan(&p.ID, &p.Name, &p.Path, &p.EmbeddingModel, &p.Dimensions, &tags, &p.Description,
			&indexedAt, &updatedAt, &p.ChunkCount, &p.FileCount); err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &p.Tags); err != nil {
			p.Tags = nil
		}
		p.IndexedAt = time.UnixMilli(indexedAt)
		p.UpdatedAt = time.UnixMilli(updatedAt)
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// DeleteProject cascades to chunks, file hashes, and eval rows via foreign
// keys and emits no invalidation itself — callers own a StoreManager and
// must call Invalidate(id) alongside this.
func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProjectNotFound{ID: id}
	}
	return nil
}

// InsertChunks is transactional: either every chunk in the batch lands, or
// none do, and every embedding must match the project's recorded
// dimension.
func (s *SQLiteStore) InsertChunks(ctx context.Context, projectID string, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	project, err := s.GetProject(ctx, projectID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxSeq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM chunks WHERE project_id = ?`, projectID).Scan(&maxSeq); err != nil {
		return fmt.Errorf("read max sequence: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, project_id, content, embedding, file_path, file_type, language,
		                     line_start, line_end, metadata, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for i, c := range chunks {
		if len(c.Embedding) != project.Dimensions {
			return ErrDimensionMismatch{ProjectID: projectID, Expected: project.Dimensions, Got: len(c.Embedding)}
		}
		if err := validateFinite(c.Embedding); err != nil {
			return err
		}
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.ProjectID = projectID
		c.CreatedAt = now

		metadata, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("marshal chunk metadata: %w", err)
		}

		maxSeq++
		_, err = stmt.ExecContext(ctx, c.ID, projectID, c.Content, encodeEmbedding(c.Embedding),
			c.FilePath, string(c.FileType), c.Language, c.LineRange.Start, c.LineRange.End,
			string(metadata), now.UnixMilli(), maxSeq)
		if err != nil {
			return fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE projects SET updated_at = ? WHERE id = ?`, now.UnixMilli(), projectID); err != nil {
		return fmt.Errorf("touch project: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) DeleteChunksForFile(ctx context.Context, projectID, filePath string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE project_id = ? AND file_path = ?`, projectID, filePath)
	if err != nil {
		return fmt.Errorf("delete chunks for file: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM file_hashes WHERE project_id = ? AND file_path = ?`, projectID, filePath)
	if err != nil {
		return fmt.Errorf("delete file hash: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CountChunks(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE project_id = ?`, projectID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

// IterChunks streams a project's chunks in insertion order, pageSize rows
// at a time, for deterministic index rebuilds.
func (s *SQLiteStore) IterChunks(ctx context.Context, projectID string, pageSize int, fn func([]*Chunk) error) error {
	if pageSize <= 0 {
		pageSize = 1000
	}

	var lastSeq int64
	for {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, content, embedding, file_path, file_type, language, line_start, line_end,
			       metadata, created_at, seq
			FROM chunks WHERE project_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
			projectID, lastSeq, pageSize)
		if err != nil {
			return fmt.Errorf("query chunk page: %w", err)
		}

		var page []*Chunk
		for rows.Next() {
			c, seq, err := scanChunk(rows, projectID)
			if err != nil {
				rows.Close()
				return err
			}
			page = append(page, c)
			lastSeq = seq
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < pageSize {
			return nil
		}
	}
}

func (s *SQLiteStore) GetChunks(ctx context.Context, ids []string) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`
		SELECT id, content, embedding, file_path, file_type, language, line_start, line_end,
		       metadata, created_at, seq
		FROM chunks WHERE id IN (%s)`, joinPlaceholders(placeholders))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks by id: %w", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		c, _, err := scanChunk(rows, "")
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func scanChunk(rows *sql.Rows, projectID string) (*Chunk, int64, error) {
	var c Chunk
	var embedding []byte
	var fileType, metadata string
	var createdAt, seq int64
	err := rows.Scan(&c.ID, &c.Content, &embedding, &c.FilePath, &fileType, &c.Language,
		&c.LineRange.Start, &c.LineRange.End, &metadata, &createdAt, &seq)
	if err != nil {
		return nil, 0, fmt.Errorf("scan chunk: %w", err)
	}
	c.ProjectID = projectID
	c.FileType = FileType(fileType)
	c.Embedding = decodeEmbedding(embedding)
	c.CreatedAt = time.UnixMilli(createdAt)
	if err := json.Unmarshal([]byte(metadata), &c.Metadata); err != nil {
		slog.Warn("chunk_metadata_corrupt", slog.String("chunk_id", c.ID), slog.String("error", err.Error()))
		c.Metadata = map[string]string{}
	}
	return &c, seq, nil
}

func (s *SQLiteStore) SaveFileHash(ctx context.Context, fh *FileHash) error {
	chunkIDs, err := json.Marshal(fh.ChunkIDs)
	if err != nil {
		return fmt.Errorf("marshal chunk ids: %w", err)
	}
	now := time.Now()
	fh.IndexedAt = now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO file_hashes (project_id, file_path, hash, chunk_ids, indexed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (project_id, file_path) DO UPDATE SET hash = excluded.hash,
			chunk_ids = excluded.chunk_ids, indexed_at = excluded.indexed_at`,
		fh.ProjectID, fh.FilePath, fh.Hash, string(chunkIDs), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("save file hash: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetFileHash(ctx context.Context, projectID, filePath string) (*FileHash, error) {
	var fh FileHash
	var chunkIDs string
	var indexedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, file_path, hash, chunk_ids, indexed_at
		FROM file_hashes WHERE project_id = ? AND file_path = ?`, projectID, filePath).
		Scan(&fh.ProjectID, &fh.FilePath, &fh.Hash, &chunkIDs, &indexedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file hash: %w", err)
	}
	if err := json.Unmarshal([]byte(chunkIDs), &fh.ChunkIDs); err != nil {
		fh.ChunkIDs = nil
	}
	fh.IndexedAt = time.UnixMilli(indexedAt)
	return &fh, nil
}

// SaveEvalRun persists one C12 evaluation pass and its per-query results.
// If run.ID is empty, one is generated.
func (s *SQLiteStore) SaveEvalRun(ctx context.Context, run *EvalRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var projectID any
	if run.ProjectID != "" {
		projectID = run.ProjectID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO eval_runs (id, project_id, started_at, status, mrr, hit_rate, precision_at_k, recall_at_k, ndcg_at_k, map)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, projectID, run.StartedAt.UnixMilli(), run.Status,
		run.Metrics.MRR, run.Metrics.HitRate, run.Metrics.Precision, run.Metrics.Recall, run.Metrics.NDCG, run.Metrics.MAP,
	)
	if err != nil {
		return fmt.Errorf("insert eval run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO eval_results (run_id, query, rr, hit_rate, precision_at_k, recall_at_k, ndcg_at_k, ap, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare eval result insert: %w", err)
	}
	defer stmt.Close()

	for _, q := range run.Queries {
		if _, err := stmt.ExecContext(ctx, run.ID, q.Query, q.RR, q.HitRate, q.Precision, q.Recall, q.NDCG, q.AP, q.Err); err != nil {
			return fmt.Errorf("insert eval result: %w", err)
		}
	}

	return tx.Commit()
}

// LoadPriorEvalRun returns the most recent run for projectID started before
// the given time, or nil if none exists. Per-query results are not loaded
// back: only the run-level metrics CompareToPrior needs.
func (s *SQLiteStore) LoadPriorEvalRun(ctx context.Context, projectID string, before time.Time) (*EvalRun, error) {
	var run EvalRun
	var startedAt int64
	var scannedProjectID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, started_at, status, mrr, hit_rate, precision_at_k, recall_at_k, ndcg_at_k, map
		FROM eval_runs
		WHERE project_id = ? AND started_at < ?
		ORDER BY started_at DESC
		LIMIT 1`, projectID, before.UnixMilli()).
		Scan(&run.ID, &scannedProjectID, &startedAt, &run.Status,
			&run.Metrics.MRR, &run.Metrics.HitRate, &run.Metrics.Precision, &run.Metrics.Recall, &run.Metrics.NDCG, &run.Metrics.MAP)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load prior eval run: %w", err)
	}
	run.ProjectID = scannedProjectID.String
	run.StartedAt = time.UnixMilli(startedAt)
	return &run, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ ChunkStore = (*SQLiteStore)(nil)

func validateFinite(v []float32) error {
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return fmt.Errorf("embedding contains NaN/Inf")
		}
	}
	return nil
}

func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

func joinPlaceholders(p []string) string {
	out := p[0]
	for _, s := range p[1:] {
		out += "," + s
	}
	return out
}
