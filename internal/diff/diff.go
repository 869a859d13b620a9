// Package diff decides which scanned files must be uploaded.
package diff

import (
	"sort"

	"github.com/dmitrijs2005/coldkeeper/internal/models"
)

// ComputeUploadSet returns the local files that have no archive in the remote
// mirror or whose mirrored digest differs from the local one. The inputs are
// not modified.
func ComputeUploadSet(local map[string]models.FileRecord, remote map[string]models.InventoryRecord) map[string]models.FileRecord {
	out := make(map[string]models.FileRecord)
	for path, rec := range local {
		if r, ok := remote[path]; ok && r.Digest == rec.Digest {
			continue
		}
		out[path] = rec
	}
	return out
}

// Paths returns the keys of set in ascending order.
func Paths(set map[string]models.FileRecord) []string {
	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
