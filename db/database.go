// Package db ties together the buffer pool, disk manager, and a table
// registry behind a single OS-level lock on the database directory.
package db

import (
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Felmond13/lstoredb/config"
	"github.com/Felmond13/lstoredb/storage"
	"github.com/Felmond13/lstoredb/table"
)

// Database is one open L-Store-style database directory: a shared buffer
// pool and disk manager, a registry of loaded tables, and an exclusive
// process-level file lock.
type Database struct {
	path        string
	cfg         *config.Config
	bufferPool  *storage.BufferPool
	diskManager *storage.DiskManager
	lock        *fileLock
	log         logrus.FieldLogger

	tables []*table.Table
}

// Open acquires the database directory's exclusive lock, wires up storage,
// and loads every table already persisted under path.
func Open(path string, cfg *config.Config, log logrus.FieldLogger) (*Database, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, errors.Wrapf(err, "db: creating database directory %q", path)
	}

	lock, err := lockPath(path)
	if err != nil {
		return nil, err
	}

	dm, err := storage.NewDiskManager(path, cfg.PageSize)
	if err != nil {
		lock.unlock()
		return nil, errors.Wrap(err, "db: creating disk manager")
	}
	bp := storage.NewBufferPool(dm, cfg.BufferPoolSize, cfg.PageSize, log)

	database := &Database{
		path:        path,
		cfg:         cfg,
		bufferPool:  bp,
		diskManager: dm,
		lock:        lock,
		log:         log.WithField("db", path),
	}

	names, err := dm.ListTables()
	if err != nil {
		lock.unlock()
		return nil, errors.Wrap(err, "db: listing persisted tables")
	}
	sort.Strings(names)
	for _, name := range names {
		tbl, err := table.Load(name, cfg, bp, dm, log)
		if err != nil {
			lock.unlock()
			return nil, errors.Wrapf(err, "db: loading table %q", name)
		}
		database.tables = append(database.tables, tbl)
		database.log.WithField("table", name).Info("db: loaded table")
	}

	return database, nil
}

// CreateTable registers and returns a new, empty table. Returns nil if a
// table by that name already exists.
func (d *Database) CreateTable(name string, numColumns, key int) *table.Table {
	if d.GetTable(name) != nil {
		return nil
	}
	tbl := table.New(name, numColumns, key, d.cfg, d.log)
	tbl.BindStorage(d.bufferPool, d.diskManager)
	d.tables = append(d.tables, tbl)
	return tbl
}

// DropTable removes a table from the registry. It does not delete its
// on-disk pages; a subsequent Close will simply not persist it again.
func (d *Database) DropTable(name string) bool {
	for i, tbl := range d.tables {
		if tbl.Name() == name {
			tbl.Shutdown()
			d.tables = append(d.tables[:i], d.tables[i+1:]...)
			return true
		}
	}
	return false
}

// GetTable returns the most recently registered table with the given name,
// or nil if none exists.
func (d *Database) GetTable(name string) *table.Table {
	for i := len(d.tables) - 1; i >= 0; i-- {
		if d.tables[i].Name() == name {
			return d.tables[i]
		}
	}
	return nil
}

// Tables returns every currently registered table.
func (d *Database) Tables() []*table.Table {
	return append([]*table.Table(nil), d.tables...)
}

// Close saves every table (stopping its merge worker, applying pending
// merges, and writing its metadata), flushes the shared buffer pool, and
// releases the database directory lock.
func (d *Database) Close() error {
	for _, tbl := range d.tables {
		if err := tbl.Save(); err != nil {
			return errors.Wrapf(err, "db: saving table %q", tbl.Name())
		}
	}
	if err := d.bufferPool.FlushAll(""); err != nil {
		return errors.Wrap(err, "db: flushing buffer pool")
	}
	if d.lock != nil {
		if err := d.lock.unlock(); err != nil {
			return errors.Wrap(err, "db: releasing database lock")
		}
	}
	return nil
}
