// Package files provides the persistence layer for the local-scan table: one
// row per file observed under the backup root, with its tree hash and, once
// uploaded, the archive id returned by the remote service.
//
// Key Types
//
//   - type Repository: contract used by the cache
//   - type SQLiteRepository: SQLite implementation over dbx.DBTX
//
// Typical Usage
//
//	repo := files.NewSQLiteRepository(tx)
//	_ = repo.CreateOrUpdate(ctx, rec)
//	all, _ := repo.List(ctx)
//
// See also: internal/models.FileRecord for field semantics.
package files
