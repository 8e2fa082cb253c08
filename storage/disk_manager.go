package storage

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DiskManager is the persistence layer for pages: raw page bytes are
// stored one file per (table, area, column, page index) as
// "<path>/<table>/<base|tail>/<column>/<index>.bin", with the valid record
// count for that page alongside it in a sibling ".cnt" text file.
type DiskManager struct {
	path     string
	pageSize int
}

// NewDiskManager creates the root directory (if needed) and returns a
// DiskManager rooted at it.
func NewDiskManager(path string, pageSize int) (*DiskManager, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, errors.Wrapf(err, "storage: creating disk manager root %q", path)
	}
	return &DiskManager{path: path, pageSize: pageSize}, nil
}

// Path returns the root directory this DiskManager persists into.
func (dm *DiskManager) Path() string {
	return dm.path
}

func areaName(isTail bool) string {
	if isTail {
		return "tail"
	}
	return "base"
}

func (dm *DiskManager) columnDir(table string, isTail bool, column int) string {
	return filepath.Join(dm.path, table, areaName(isTail), strconv.Itoa(column))
}

func (dm *DiskManager) binPath(table string, isTail bool, column, pageIndex int) string {
	return filepath.Join(dm.columnDir(table, isTail, column), strconv.Itoa(pageIndex)+".bin")
}

func (dm *DiskManager) cntPath(table string, isTail bool, column, pageIndex int) string {
	return filepath.Join(dm.columnDir(table, isTail, column), strconv.Itoa(pageIndex)+".cnt")
}

// WritePage persists a page's raw bytes (padded or clipped to PageSize) and
// its record count.
func (dm *DiskManager) WritePage(table string, isTail bool, column, pageIndex int, data []byte, numRecords int) error {
	colDir := dm.columnDir(table, isTail, column)
	if err := os.MkdirAll(colDir, 0755); err != nil {
		return errors.Wrapf(err, "storage: creating column dir %q", colDir)
	}

	payload := make([]byte, dm.pageSize)
	n := copy(payload, data)
	_ = n // copy already clips to len(payload) and leaves the rest zeroed

	if err := os.WriteFile(dm.binPath(table, isTail, column, pageIndex), payload, 0644); err != nil {
		return errors.Wrapf(err, "storage: writing page %s/%s/%d/%d", table, areaName(isTail), column, pageIndex)
	}
	if err := os.WriteFile(dm.cntPath(table, isTail, column, pageIndex), []byte(strconv.Itoa(numRecords)), 0644); err != nil {
		return errors.Wrapf(err, "storage: writing page count %s/%s/%d/%d", table, areaName(isTail), column, pageIndex)
	}
	return nil
}

// ReadPage returns the raw bytes of a page, or nil if it has never been
// written.
func (dm *DiskManager) ReadPage(table string, isTail bool, column, pageIndex int) ([]byte, error) {
	path := dm.binPath(table, isTail, column, pageIndex)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "storage: reading page %s", path)
	}
	return data, nil
}

// ReadPageCount returns the number of valid records in a page, or 0 if the
// count file does not exist.
func (dm *DiskManager) ReadPageCount(table string, isTail bool, column, pageIndex int) (int, error) {
	path := dm.cntPath(table, isTail, column, pageIndex)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "storage: reading page count %s", path)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "storage: parsing page count %s", path)
	}
	return n, nil
}

// DeletePage removes both files for a page. Missing files are not an error.
func (dm *DiskManager) DeletePage(table string, isTail bool, column, pageIndex int) error {
	binPath := dm.binPath(table, isTail, column, pageIndex)
	cntPath := dm.cntPath(table, isTail, column, pageIndex)
	if err := removeIfExists(binPath); err != nil {
		return err
	}
	return removeIfExists(cntPath)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "storage: removing %s", path)
	}
	return nil
}

// ListPageIndexes returns every page index that has a .bin file under the
// given (table, area, column), used by the slow-path table rebuild.
func (dm *DiskManager) ListPageIndexes(table string, isTail bool, column int) ([]int, error) {
	colDir := dm.columnDir(table, isTail, column)
	entries, err := os.ReadDir(colDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "storage: listing %q", colDir)
	}

	var indexes []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".bin") {
			continue
		}
		idxStr := strings.TrimSuffix(name, ".bin")
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			continue
		}
		indexes = append(indexes, idx)
	}
	return indexes, nil
}

// ListColumns returns every column index that has a directory under the
// given (table, area).
func (dm *DiskManager) ListColumns(table string, isTail bool) ([]int, error) {
	areaDir := filepath.Join(dm.path, table, areaName(isTail))
	entries, err := os.ReadDir(areaDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "storage: listing %q", areaDir)
	}

	var columns []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		col, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		columns = append(columns, col)
	}
	return columns, nil
}

// TableExists reports whether a subdirectory for table has ever been
// created under the disk manager's root.
func (dm *DiskManager) TableExists(table string) bool {
	info, err := os.Stat(filepath.Join(dm.path, table))
	return err == nil && info.IsDir()
}

// ListTables returns every table name directory under the root that has a
// metadata.txt file (a table this DiskManager's Database considers real).
func (dm *DiskManager) ListTables() ([]string, error) {
	entries, err := os.ReadDir(dm.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "storage: listing %q", dm.path)
	}

	var tables []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		metaPath := filepath.Join(dm.path, e.Name(), "metadata.txt")
		if _, err := os.Stat(metaPath); err == nil {
			tables = append(tables, e.Name())
		}
	}
	return tables, nil
}
