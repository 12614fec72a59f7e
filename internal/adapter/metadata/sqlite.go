package metadata

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"docexpert/internal/domain"
	"docexpert/internal/port"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqliteMaxParams bounds the ids bound into one IN clause.
const sqliteMaxParams = 500

// SQLiteStore keeps records in a SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// WAL lets readers proceed while an ingestion batch writes.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, rec domain.MetadataRecord) error {
	return s.PutMany(ctx, []domain.MetadataRecord{rec})
}

func (s *SQLiteStore) PutMany(ctx context.Context, recs []domain.MetadataRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunk_metadata (chunk_id, collection, file_path, file_name, chunk_index, byte_start, byte_end, category, preview, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET
			collection = excluded.collection,
			file_path = excluded.file_path,
			file_name = excluded.file_name,
			chunk_index = excluded.chunk_index,
			byte_start = excluded.byte_start,
			byte_end = excluded.byte_end,
			category = excluded.category,
			preview = excluded.preview,
			ingested_at = excluded.ingested_at
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		_, err := stmt.ExecContext(ctx, string(rec.ChunkID), rec.Collection, rec.FilePath, rec.FileName,
			rec.ChunkIndex, rec.ByteStart, rec.ByteEnd, rec.Category, rec.Preview,
			rec.IngestedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return classifySQLite(fmt.Errorf("saving record %s: %w", rec.ChunkID, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return classifySQLite(fmt.Errorf("committing records: %w", err))
	}
	return nil
}

func (s *SQLiteStore) GetMany(ctx context.Context, ids []domain.ChunkID) (map[domain.ChunkID]domain.MetadataRecord, error) {
	out := make(map[domain.ChunkID]domain.MetadataRecord, len(ids))
	for start := 0; start < len(ids); start += sqliteMaxParams {
		end := min(start+sqliteMaxParams, len(ids))
		if err := s.getChunk(ctx, ids[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) getChunk(ctx context.Context, ids []domain.ChunkID, out map[domain.ChunkID]domain.MetadataRecord) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = string(id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, collection, file_path, file_name, chunk_index, byte_start, byte_end, category, preview, ingested_at
		FROM chunk_metadata WHERE chunk_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return classifySQLite(fmt.Errorf("querying records: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var rec domain.MetadataRecord
		var id, ingestedAt string
		if err := rows.Scan(&id, &rec.Collection, &rec.FilePath, &rec.FileName, &rec.ChunkIndex,
			&rec.ByteStart, &rec.ByteEnd, &rec.Category, &rec.Preview, &ingestedAt); err != nil {
			return fmt.Errorf("scanning record: %w", err)
		}
		rec.ChunkID = domain.ChunkID(id)
		if t, err := time.Parse(time.RFC3339Nano, ingestedAt); err == nil {
			rec.IngestedAt = t
		}
		out[rec.ChunkID] = rec
	}
	return rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id domain.ChunkID) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM chunk_metadata WHERE chunk_id = ?", string(id)); err != nil {
		return classifySQLite(fmt.Errorf("deleting record: %w", err))
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context, collection string) (int64, error) {
	var n int64
	row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunk_metadata WHERE collection = ?", collection)
	if err := row.Scan(&n); err != nil {
		return 0, classifySQLite(fmt.Errorf("counting records: %w", err))
	}
	return n, nil
}

func (s *SQLiteStore) DeleteCollection(ctx context.Context, collection string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunk_metadata WHERE collection = ?", collection); err != nil {
		return classifySQLite(fmt.Errorf("deleting records: %w", err))
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM collection_schema WHERE collection = ?", collection); err != nil {
		return classifySQLite(fmt.Errorf("deleting schema info: %w", err))
	}
	return classifySQLite(tx.Commit())
}

func (s *SQLiteStore) SchemaInfo(ctx context.Context, collection string) (port.SchemaInfo, error) {
	var info port.SchemaInfo
	row := s.db.QueryRowContext(ctx, "SELECT version, fingerprint FROM collection_schema WHERE collection = ?", collection)
	if err := row.Scan(&info.Version, &info.Fingerprint); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return port.SchemaInfo{}, nil
		}
		return info, classifySQLite(fmt.Errorf("reading schema info: %w", err))
	}
	return info, nil
}

func (s *SQLiteStore) SetSchemaInfo(ctx context.Context, collection string, info port.SchemaInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collection_schema (collection, version, fingerprint) VALUES (?, ?, ?)
		ON CONFLICT(collection) DO UPDATE SET version = excluded.version, fingerprint = excluded.fingerprint
	`, collection, info.Version, info.Fingerprint)
	if err != nil {
		return classifySQLite(fmt.Errorf("saving schema info: %w", err))
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// classifySQLite marks lock contention as transient.
func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
	}
	return err
}

var _ port.MetadataStore = (*SQLiteStore)(nil)
