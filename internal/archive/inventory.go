package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dmitrijs2005/coldkeeper/internal/models"
)

type inventoryDocument struct {
	VaultARN      string             `json:"VaultARN"`
	InventoryDate string             `json:"InventoryDate"`
	ArchiveList   []inventoryArchive `json:"ArchiveList"`
}

type inventoryArchive struct {
	ArchiveID          string    `json:"ArchiveId"`
	ArchiveDescription string    `json:"ArchiveDescription"`
	CreationDate       time.Time `json:"CreationDate"`
	Size               int64     `json:"Size"`
	SHA256TreeHash     string    `json:"SHA256TreeHash"`
}

// ParseInventory decodes an inventory-retrieval job output in the Glacier
// JSON format. Entries without an archive id are rejected.
func ParseInventory(r io.Reader) ([]InventoryItem, error) {
	var doc inventoryDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode inventory: %w", err)
	}

	items := make([]InventoryItem, 0, len(doc.ArchiveList))
	for i, a := range doc.ArchiveList {
		if a.ArchiveID == "" {
			return nil, fmt.Errorf("decode inventory: archive %d has no id", i)
		}
		items = append(items, InventoryItem{
			ArchiveID:   a.ArchiveID,
			Description: a.ArchiveDescription,
			Digest:      a.SHA256TreeHash,
			Size:        a.Size,
			CreatedAt:   a.CreationDate,
		})
	}
	return items, nil
}

// ToRecords converts listed archives into remote-mirror records.
func ToRecords(items []InventoryItem) []models.InventoryRecord {
	out := make([]models.InventoryRecord, 0, len(items))
	for _, it := range items {
		out = append(out, models.InventoryRecord{
			Path:      it.Description,
			ArchiveID: it.ArchiveID,
			Digest:    it.Digest,
			Size:      it.Size,
			CreatedAt: it.CreatedAt,
		})
	}
	return out
}
