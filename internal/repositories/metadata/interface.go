// Package metadata stores small named values next to the cache tables, such
// as the id of the last merged inventory job.
package metadata

import (
	"context"
)

type Repository interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string) error
}
