package files

import (
	"context"

	"github.com/dmitrijs2005/coldkeeper/internal/models"
)

// Repository describes the operations on local-scan records.
type Repository interface {
	// CreateOrUpdate inserts a record or replaces the one with the same path.
	CreateOrUpdate(ctx context.Context, rec models.FileRecord) error

	// GetByPath returns the record for path or common.ErrNotFound.
	GetByPath(ctx context.Context, path string) (models.FileRecord, error)

	// List returns every record.
	List(ctx context.Context) ([]models.FileRecord, error)
}
