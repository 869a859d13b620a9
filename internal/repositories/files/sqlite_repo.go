package files

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/coldkeeper/internal/common"
	"github.com/dmitrijs2005/coldkeeper/internal/dbx"
	"github.com/dmitrijs2005/coldkeeper/internal/models"
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) CreateOrUpdate(ctx context.Context, rec models.FileRecord) error {

	query := `INSERT INTO files (path, digest, archive_id, size, mod_time)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET
				digest = excluded.digest,
				archive_id = excluded.archive_id,
				size = excluded.size,
				mod_time = excluded.mod_time
	`
	_, err := r.db.ExecContext(ctx, query, rec.Path, nullable(rec.Digest), nullable(rec.ArchiveID), rec.Size, toUnixNano(rec.ModTime))
	if err != nil {
		return fmt.Errorf("failed to upsert file %s: %w", rec.Path, err)
	}

	return nil
}

func (r *SQLiteRepository) GetByPath(ctx context.Context, path string) (models.FileRecord, error) {

	query := `SELECT path, digest, archive_id, size, mod_time FROM files WHERE path = ?`
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, path))
	if errors.Is(err, sql.ErrNoRows) {
		return models.FileRecord{}, common.ErrNotFound
	}
	if err != nil {
		return models.FileRecord{}, fmt.Errorf("failed to get file %s: %w", path, err)
	}

	return rec, nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]models.FileRecord, error) {

	rows, err := r.db.QueryContext(ctx, `SELECT path, digest, archive_id, size, mod_time FROM files`)
	if err != nil {
		return nil, fmt.Errorf("error selecting files: %w", err)
	}
	defer rows.Close()

	var result []models.FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning file row: %w", err)
		}
		result = append(result, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (models.FileRecord, error) {
	var (
		rec       models.FileRecord
		digest    sql.NullString
		archiveID sql.NullString
		modTime   int64
	)
	if err := s.Scan(&rec.Path, &digest, &archiveID, &rec.Size, &modTime); err != nil {
		return models.FileRecord{}, err
	}
	rec.Digest = digest.String
	rec.ArchiveID = archiveID.String
	rec.ModTime = fromUnixNano(modTime)
	return rec, nil
}

// nullable maps "" to NULL; the schema keeps digest and archive_id nullable.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toUnixNano(t time.Time) int64 {
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
