// Package inventory persists the remote-mirror table: the local copy of the
// archive listing returned by inventory jobs. Rows are added, and a row is
// replaced only when a listing reports a newer archive under the same id
// (an S3 key overwritten by a later upload).
package inventory

import (
	"context"

	"github.com/dmitrijs2005/coldkeeper/internal/models"
)

// Repository describes the operations on remote-mirror records.
type Repository interface {
	// Insert adds a record. A record whose archive id is already known
	// replaces the stored one if it was created later; otherwise it is
	// ignored. It reports whether a row was added or replaced.
	Insert(ctx context.Context, rec models.InventoryRecord) (bool, error)

	// List returns every record, oldest archive first.
	List(ctx context.Context) ([]models.InventoryRecord, error)

	// Count returns the number of records.
	Count(ctx context.Context) (int, error)
}
