// Package models defines the records kept in the local cache.
package models

import "time"

// FileRecord is a file as seen by the local scanner.
//
// Path is relative to the backup root, slash separated, without a leading
// slash. ArchiveID is empty until an upload has been confirmed by the remote
// service; a record with an ArchiveID is considered archived.
type FileRecord struct {
	Path      string
	Digest    string
	ArchiveID string
	Size      int64
	ModTime   time.Time
}

// Archived reports whether the remote service confirmed an upload of the file.
func (f FileRecord) Archived() bool { return f.ArchiveID != "" }

// InventoryRecord is one entry of the remote archive listing mirrored locally.
type InventoryRecord struct {
	Path      string
	ArchiveID string
	Digest    string
	Size      int64
	CreatedAt time.Time
}
