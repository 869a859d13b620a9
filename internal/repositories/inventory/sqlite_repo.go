package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/coldkeeper/internal/dbx"
	"github.com/dmitrijs2005/coldkeeper/internal/models"
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Insert(ctx context.Context, rec models.InventoryRecord) (bool, error) {

	query := `INSERT INTO inventory (path, archive_id, digest, size, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(archive_id) DO UPDATE SET
				path = excluded.path,
				digest = excluded.digest,
				size = excluded.size,
				created_at = excluded.created_at
			WHERE excluded.created_at > inventory.created_at`

	var created int64
	if !rec.CreatedAt.IsZero() {
		created = rec.CreatedAt.Unix()
	}

	result, err := r.db.ExecContext(ctx, query, rec.Path, rec.ArchiveID, rec.Digest, rec.Size, created)
	if err != nil {
		return false, fmt.Errorf("failed to insert inventory entry %s: %w", rec.ArchiveID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]models.InventoryRecord, error) {

	query := `SELECT path, archive_id, digest, size, created_at FROM inventory ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error selecting inventory: %w", err)
	}
	defer rows.Close()

	var result []models.InventoryRecord
	for rows.Next() {
		var (
			rec     models.InventoryRecord
			created int64
		)
		if err := rows.Scan(&rec.Path, &rec.ArchiveID, &rec.Digest, &rec.Size, &created); err != nil {
			return nil, fmt.Errorf("error scanning inventory row: %w", err)
		}
		if created != 0 {
			rec.CreatedAt = time.Unix(created, 0).UTC()
		}
		result = append(result, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *SQLiteRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inventory`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count inventory: %w", err)
	}
	return n, nil
}
