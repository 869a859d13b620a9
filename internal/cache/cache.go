// Package cache is the durable local state of a backup: the local-scan table
// (files seen under the root), the remote-mirror table (the archive listing
// from the last inventory) and a small metadata table.
//
// All access to the tables goes through Cache. Every operation returns a
// *Error carrying a Kind so the caller decides what is fatal.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/dmitrijs2005/coldkeeper/internal/cache/migrations"
	"github.com/dmitrijs2005/coldkeeper/internal/common"
	"github.com/dmitrijs2005/coldkeeper/internal/dbx"
	"github.com/dmitrijs2005/coldkeeper/internal/models"
	"github.com/dmitrijs2005/coldkeeper/internal/repositories/files"
	"github.com/dmitrijs2005/coldkeeper/internal/repositories/inventory"
	"github.com/dmitrijs2005/coldkeeper/internal/repositories/metadata"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"
)

// ScanBatchSize is the number of local-scan writes committed together.
const ScanBatchSize = 100

// Metadata keys.
const (
	MetaLastInventoryJob = "inventory.last_job_id"
	MetaInventoryMerged  = "inventory.merged_at"
)

type Cache struct {
	db *sql.DB

	fileRepo      func(dbx.DBTX) files.Repository
	inventoryRepo func(dbx.DBTX) inventory.Repository
	metaRepo      func(dbx.DBTX) metadata.Repository
}

// Open opens (creating if needed) the SQLite database at path. The schema is
// not touched; call InitializeSchema.
func Open(ctx context.Context, path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrap("open", KindRead, err)
	}

	// One connection: SQLite has a single writer and the run is sequential.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, wrap("open", KindRead, fmt.Errorf("%s: %w", p, err))
		}
	}

	return New(db), nil
}

// New wraps an already opened database.
func New(db *sql.DB) *Cache {
	return &Cache{
		db:            db,
		fileRepo:      func(q dbx.DBTX) files.Repository { return files.NewSQLiteRepository(q) },
		inventoryRepo: func(q dbx.DBTX) inventory.Repository { return inventory.NewSQLiteRepository(q) },
		metaRepo:      func(q dbx.DBTX) metadata.Repository { return metadata.NewSQLiteRepository(q) },
	}
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// InitializeSchema applies the embedded migrations. It is idempotent and
// never drops data.
func (c *Cache) InitializeSchema(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	goose.SetLogger(log.New(io.Discard, "", 0))

	if err := goose.SetDialect("sqlite3"); err != nil {
		return wrap("initialize schema", KindSchema, err)
	}

	return wrap("initialize schema", KindSchema, goose.UpContext(ctx, c.db, "."))
}

// LoadLocalScan returns every local-scan record keyed by path.
func (c *Cache) LoadLocalScan(ctx context.Context) (map[string]models.FileRecord, error) {
	list, err := c.fileRepo(c.db).List(ctx)
	if err != nil {
		return nil, wrap("load local scan", KindRead, err)
	}

	result := make(map[string]models.FileRecord, len(list))
	for _, rec := range list {
		result[rec.Path] = rec
	}
	return result, nil
}

// LoadInventory returns the remote mirror keyed by path. When several archives
// share a path the most recently created one wins.
func (c *Cache) LoadInventory(ctx context.Context) (map[string]models.InventoryRecord, error) {
	list, err := c.inventoryRepo(c.db).List(ctx)
	if err != nil {
		return nil, wrap("load inventory", KindRead, err)
	}

	result := make(map[string]models.InventoryRecord, len(list))
	for _, rec := range list {
		result[rec.Path] = rec
	}
	return result, nil
}

// InventorySize returns the number of remote-mirror rows.
func (c *Cache) InventorySize(ctx context.Context) (int, error) {
	n, err := c.inventoryRepo(c.db).Count(ctx)
	return n, wrap("count inventory", KindRead, err)
}

// UpsertLocalScan inserts or replaces one local-scan record. A record carrying
// an archive id is only stored if the cached digest, when there is one, is
// still rec.Digest; otherwise the file was rescanned with new content and
// common.ErrContentChanged is returned with the record left as it was.
func (c *Cache) UpsertLocalScan(ctx context.Context, rec models.FileRecord) error {
	if !rec.Archived() {
		return wrap("upsert local scan", KindWrite, c.fileRepo(c.db).CreateOrUpdate(ctx, rec))
	}

	err := dbx.WithTx(ctx, c.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := c.fileRepo(tx)
		stored, err := repo.GetByPath(ctx, rec.Path)
		switch {
		case errors.Is(err, common.ErrNotFound):
		case err != nil:
			return err
		case stored.Digest != "" && stored.Digest != rec.Digest:
			return fmt.Errorf("%s: %w", rec.Path, common.ErrContentChanged)
		}
		return repo.CreateOrUpdate(ctx, rec)
	})
	return wrap("upsert local scan", KindWrite, err)
}

// InsertInventoryEntries merges records into the remote mirror in a single
// transaction. Either every row is stored or none is. A row whose archive id
// is already known is only replaced by a later-created one, so re-merging a
// listing changes nothing. The number of added or replaced rows is returned.
func (c *Cache) InsertInventoryEntries(ctx context.Context, recs []models.InventoryRecord) (int, error) {
	inserted := 0
	err := dbx.WithTx(ctx, c.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := c.inventoryRepo(tx)
		for _, rec := range recs {
			ok, err := repo.Insert(ctx, rec)
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, wrap("merge inventory", KindRollback, err)
	}
	return inserted, nil
}

// GetMeta returns a metadata value.
func (c *Cache) GetMeta(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := c.metaRepo(c.db).Get(ctx, key)
	return v, ok, wrap("get metadata", KindRead, err)
}

// SetMeta stores a metadata value.
func (c *Cache) SetMeta(ctx context.Context, key, value string) error {
	return wrap("set metadata", KindWrite, c.metaRepo(c.db).Set(ctx, key, value))
}

// ScanBatch writes local-scan records in transactions of ScanBatchSize.
// No other Cache method may be used while a batch has uncommitted writes.
type ScanBatch struct {
	b    *dbx.Batch
	repo func(dbx.DBTX) files.Repository
}

func (c *Cache) NewScanBatch() *ScanBatch {
	return &ScanBatch{b: dbx.NewBatch(c.db, ScanBatchSize), repo: c.fileRepo}
}

// Upsert queues rec; the open transaction commits once it holds
// ScanBatchSize records.
func (s *ScanBatch) Upsert(ctx context.Context, rec models.FileRecord) error {
	err := s.b.Do(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		return s.repo(tx).CreateOrUpdate(ctx, rec)
	})
	return wrap("batch upsert local scan", KindWrite, err)
}

// Commit flushes the records queued since the last commit.
func (s *ScanBatch) Commit() error {
	return wrap("commit local scan", KindWrite, s.b.Commit())
}

// Rollback discards the records queued since the last commit.
func (s *ScanBatch) Rollback() error {
	return wrap("rollback local scan", KindWrite, s.b.Rollback())
}
