// Package common defines sentinel errors shared by the sync components.
// Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Inventory errors.
	ErrNoInventoryJob = errors.New("inventory job was not started")

	// Transfer errors.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrSizeMismatch     = errors.New("archive size mismatch")
	ErrContentChanged   = errors.New("file content changed since it was scanned")
	ErrUnknownUpload    = errors.New("unknown upload id")

	// Repository errors.
	ErrNotFound = errors.New("not found")

	// Input errors.
	ErrEmptyFile = errors.New("file is empty")
)
