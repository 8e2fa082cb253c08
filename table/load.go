package table

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Felmond13/lstoredb/config"
	"github.com/Felmond13/lstoredb/storage"
)

// Load rebuilds a Table from disk. If the table's page_directory.txt was
// written by a clean Save, it is parsed directly (the fast path). Otherwise
// Load falls back to scanning the RID column of every base and tail page to
// recover the page directory, TPS-relevant indirection chains, and star
// tail records directly from the raw pages (the slow path).
func Load(name string, cfg *config.Config, bp *storage.BufferPool, dm *storage.DiskManager, log logrus.FieldLogger) (*Table, error) {
	tableDir := filepath.Join(dm.Path(), name)
	meta, err := readMetadata(tableDir)
	if err != nil {
		return nil, errors.Wrapf(err, "table: loading %q", name)
	}

	t := New(name, meta.numColumns, meta.key, cfg, log)
	t.BindStorage(bp, dm)
	t.nextBaseRID = meta.nextBaseRID
	t.nextTailRID = meta.nextTailRID

	baseCounts, baseCurrent, err := scanPageCounts(dm, name, false, t.total)
	if err != nil {
		return nil, errors.Wrapf(err, "table: scanning base pages of %q", name)
	}
	tailCounts, tailCurrent, err := scanPageCounts(dm, name, true, t.total)
	if err != nil {
		return nil, errors.Wrapf(err, "table: scanning tail pages of %q", name)
	}
	t.basePageCount, t.currentBasePageIndex = baseCounts, baseCurrent
	t.tailPageCount, t.currentTailPageIndex = tailCounts, tailCurrent

	pdPath := filepath.Join(tableDir, "page_directory.txt")
	if _, err := os.Stat(pdPath); err == nil {
		if err := t.loadFastPath(tableDir); err != nil {
			return nil, errors.Wrapf(err, "table: fast-path load of %q", name)
		}
	} else {
		if err := t.loadSlowPath(cfg); err != nil {
			return nil, errors.Wrapf(err, "table: slow-path load of %q", name)
		}
	}

	t.rebuildTailRanges()
	if err := t.rebuildIndex(); err != nil {
		return nil, errors.Wrapf(err, "table: rebuilding index for %q", name)
	}
	return t, nil
}

type tableMetadata struct {
	numColumns  int
	key         int
	nextBaseRID int64
	nextTailRID int64
}

func readMetadata(tableDir string) (tableMetadata, error) {
	data, err := os.ReadFile(filepath.Join(tableDir, "metadata.txt"))
	if err != nil {
		return tableMetadata{}, errors.Wrap(err, "reading metadata.txt")
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 4 {
		return tableMetadata{}, errors.Errorf("metadata.txt: expected 4 lines, got %d", len(lines))
	}
	numColumns, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return tableMetadata{}, errors.Wrap(err, "metadata.txt: num_columns")
	}
	key, err := strconv.Atoi(strings.TrimSpace(lines[1]))
	if err != nil {
		return tableMetadata{}, errors.Wrap(err, "metadata.txt: key")
	}
	nextBaseRID, err := strconv.ParseInt(strings.TrimSpace(lines[2]), 10, 64)
	if err != nil {
		return tableMetadata{}, errors.Wrap(err, "metadata.txt: next_base_rid")
	}
	nextTailRID, err := strconv.ParseInt(strings.TrimSpace(lines[3]), 10, 64)
	if err != nil {
		return tableMetadata{}, errors.Wrap(err, "metadata.txt: next_tail_rid")
	}
	return tableMetadata{numColumns, key, nextBaseRID, nextTailRID}, nil
}

func scanPageCounts(dm *storage.DiskManager, name string, isTail bool, total int) ([]int, []int, error) {
	counts := make([]int, total)
	current := make([]int, total)
	for col := 0; col < total; col++ {
		indexes, err := dm.ListPageIndexes(name, isTail, col)
		if err != nil {
			return nil, nil, err
		}
		maxIdx := -1
		for _, idx := range indexes {
			if idx > maxIdx {
				maxIdx = idx
			}
		}
		if maxIdx < 0 {
			counts[col] = 1
			current[col] = 0
		} else {
			counts[col] = maxIdx + 1
			current[col] = maxIdx
		}
	}
	return counts, current, nil
}

func (t *Table) loadFastPath(tableDir string) error {
	if err := t.loadPageDirectoryFile(filepath.Join(tableDir, "page_directory.txt")); err != nil {
		return err
	}
	if err := t.loadTPSFile(filepath.Join(tableDir, "tps.txt")); err != nil {
		return err
	}
	return t.loadStarTailFile(filepath.Join(tableDir, "star_tail.txt"))
}

func (t *Table) loadPageDirectoryFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "opening page_directory.txt")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ridStr, rest, ok := strings.Cut(line, "|")
		if !ok {
			return errors.Errorf("page_directory.txt: malformed line %q", line)
		}
		rid, err := strconv.ParseInt(ridStr, 10, 64)
		if err != nil {
			return errors.Wrap(err, "page_directory.txt: rid")
		}
		cells := strings.Split(rest, ";")
		dir := make([]DirEntry, len(cells))
		for i, cell := range cells {
			fields := strings.Split(cell, ",")
			if len(fields) != 5 {
				return errors.Errorf("page_directory.txt: malformed cell %q", cell)
			}
			column, err1 := strconv.Atoi(fields[1])
			rangeIdx, err2 := strconv.Atoi(fields[2])
			page, err3 := strconv.Atoi(fields[3])
			offset, err4 := strconv.Atoi(fields[4])
			if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
				return errors.Errorf("page_directory.txt: malformed cell %q", cell)
			}
			dir[i] = DirEntry{Mark(fields[0][0]), column, rangeIdx, page, offset}
		}
		t.pageDirectory[rid] = dir
		if rid > 0 {
			t.baseRIDs[rid] = struct{}{}
		}
	}
	t.sortedBaseRIDsCache = nil
	return scanner.Err()
}

func (t *Table) loadTPSFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "opening tps.txt")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ridStr, valueStr, ok := strings.Cut(line, "|")
		if !ok {
			return errors.Errorf("tps.txt: malformed line %q", line)
		}
		rid, err := strconv.ParseInt(ridStr, 10, 64)
		if err != nil {
			return errors.Wrap(err, "tps.txt: rid")
		}
		if valueStr == "N" {
			t.tps[rid] = nil
			continue
		}
		value, err := strconv.ParseInt(valueStr, 10, 64)
		if err != nil {
			return errors.Wrap(err, "tps.txt: value")
		}
		t.tps[rid] = &value
	}
	return scanner.Err()
}

func (t *Table) loadStarTailFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "opening star_tail.txt")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rid, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return errors.Wrap(err, "star_tail.txt: rid")
		}
		t.starTailRecord[rid] = struct{}{}
	}
	return scanner.Err()
}

// loadSlowPath recovers the full page directory by scanning the RID column
// of every base page, then every tail page, directly off disk. It mirrors
// original_source/lstore/db.py's load_table slow path: base entries come
// first (so tail entries can resolve a positive indirection pointer to the
// base range it belongs to), then tail entries are processed in an order
// that lets each one resolve a negative (tail-to-tail) indirection pointer
// against a range already assigned earlier in the same pass.
func (t *Table) loadSlowPath(cfg *config.Config) error {
	if err := t.loadSlowPathBase(cfg); err != nil {
		return err
	}
	return t.loadSlowPathTail()
}

func (t *Table) loadSlowPathBase(cfg *config.Config) error {
	ridPages, err := t.diskManager.ListPageIndexes(t.name, false, ColRID)
	if err != nil {
		return err
	}
	sort.Ints(ridPages)

	for _, pageIndex := range ridPages {
		raw, err := t.diskManager.ReadPage(t.name, false, ColRID, pageIndex)
		if err != nil {
			return err
		}
		if raw == nil {
			continue
		}
		count, err := t.diskManager.ReadPageCount(t.name, false, ColRID, pageIndex)
		if err != nil {
			return err
		}
		page := storage.FromBytes(raw, count)
		rangeIndex := pageIndex / cfg.BasePagesPerRange

		for offset := 0; offset < count; offset++ {
			rid, err := page.Read(offset)
			if err != nil {
				return err
			}
			if rid == 0 {
				continue
			}

			dir := make([]DirEntry, t.total)
			for col := 0; col < t.total; col++ {
				mark := MarkBase
				if col == ColIndirection {
					v, err := t.readCell(false, col, pageIndex, offset)
					if err != nil {
						return err
					}
					if v == nil || *v == 0 {
						mark = MarkNull
					}
				}
				dir[col] = DirEntry{mark, col, rangeIndex, pageIndex, offset}
			}
			t.pageDirectory[rid] = dir
			t.baseRIDs[rid] = struct{}{}
		}
	}
	t.sortedBaseRIDsCache = nil
	return nil
}

// loadSlowPathTail recovers every tail record by scanning the RID,
// indirection, and schema-encoding columns of every tail page. Entries whose
// indirection points at a base record (star snapshots) are processed first,
// then the rest by RID descending (oldest first), so that a tail-to-tail
// indirection pointer always resolves against a range already assigned
// earlier in the same pass: a later update points at an older (larger) tail
// RID, and a first update points at its star snapshot, whose RID is
// allocated after the update's own. Star tail records are re-detected by the
// same rule the live write path uses to create them:
// schema_encoding == (1<<numColumns)-1 and the entry points at a base
// record (indirection > 0).
func (t *Table) loadSlowPathTail() error {
	ridPages, err := t.diskManager.ListPageIndexes(t.name, true, ColRID)
	if err != nil {
		return err
	}
	sort.Ints(ridPages)

	type tailEntry struct {
		rid         int64
		pageIndex   int
		offset      int
		indirection *int64
		se          int64
	}
	var entries []tailEntry

	for _, pageIndex := range ridPages {
		raw, err := t.diskManager.ReadPage(t.name, true, ColRID, pageIndex)
		if err != nil {
			return err
		}
		if raw == nil {
			continue
		}
		count, err := t.diskManager.ReadPageCount(t.name, true, ColRID, pageIndex)
		if err != nil {
			return err
		}
		page := storage.FromBytes(raw, count)

		for offset := 0; offset < count; offset++ {
			rid, err := page.Read(offset)
			if err != nil {
				return err
			}
			if rid == 0 {
				continue
			}
			indirection, err := t.readCell(true, ColIndirection, pageIndex, offset)
			if err != nil {
				return err
			}
			seVal, err := t.readCell(true, ColSchemaEncoding, pageIndex, offset)
			if err != nil {
				return err
			}
			var se int64
			if seVal != nil {
				se = *seVal
			}
			entries = append(entries, tailEntry{rid, pageIndex, offset, indirection, se})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		iToBase := entries[i].indirection != nil && *entries[i].indirection > 0
		jToBase := entries[j].indirection != nil && *entries[j].indirection > 0
		if iToBase != jToBase {
			return iToBase
		}
		return entries[i].rid > entries[j].rid
	})

	maxSE := (int64(1) << uint(t.numColumns)) - 1
	tailRange := make(map[int64]int)

	for _, e := range entries {
		var rangeIndex int
		switch {
		case e.indirection == nil || *e.indirection == 0:
			rangeIndex = 0
		case *e.indirection > 0:
			if baseDir, ok := t.pageDirectory[*e.indirection]; ok {
				rangeIndex = baseDir[ColRID].Range
			} else {
				rangeIndex = t.baseRangeFromRID(*e.indirection)
			}
		default:
			if r, ok := tailRange[*e.indirection]; ok {
				rangeIndex = r
			} else if prevDir, ok := t.pageDirectory[*e.indirection]; ok {
				rangeIndex = prevDir[ColRID].Range
			} else {
				rangeIndex = 0
			}
		}
		tailRange[e.rid] = rangeIndex

		dir := make([]DirEntry, t.total)
		indirMark := MarkTail
		if e.indirection == nil || *e.indirection == 0 {
			indirMark = MarkNull
		}
		dir[ColIndirection] = DirEntry{indirMark, ColIndirection, rangeIndex, e.pageIndex, e.offset}
		dir[ColRID] = DirEntry{MarkTail, ColRID, rangeIndex, e.pageIndex, e.offset}
		dir[ColTimestamp] = DirEntry{MarkTail, ColTimestamp, rangeIndex, e.pageIndex, e.offset}
		dir[ColSchemaEncoding] = DirEntry{MarkTail, ColSchemaEncoding, rangeIndex, e.pageIndex, e.offset}

		for j := 0; j < t.numColumns; j++ {
			bit := int64(1) << uint(t.numColumns-1-j)
			colIndex := MetadataColumnCount + j
			mark := MarkTail
			if e.se&bit == 0 {
				mark = MarkNull
			}
			dir[colIndex] = DirEntry{mark, colIndex, rangeIndex, e.pageIndex, e.offset}
		}

		t.pageDirectory[e.rid] = dir
		if e.se == maxSE && e.indirection != nil && *e.indirection > 0 {
			t.starTailRecord[e.rid] = struct{}{}
		}
	}

	return nil
}

// rebuildTailRanges reconstructs tailRangePages from the loaded directory's
// tail entries, whether they came from the fast path's page_directory.txt
// or the slow path's raw tail-page scan.
func (t *Table) rebuildTailRanges() {
	rangeToPages := make(map[int][]int)
	for rid, dir := range t.pageDirectory {
		if !IsTailRID(rid) {
			continue
		}
		entry := dir[ColRID]
		pages := rangeToPages[entry.Range]
		found := false
		for _, p := range pages {
			if p == entry.Page {
				found = true
				break
			}
		}
		if !found {
			rangeToPages[entry.Range] = append(pages, entry.Page)
		}
	}
	if len(rangeToPages) > 0 {
		t.registerExistingTailPages(rangeToPages)
	}
}

// rebuildIndex repopulates the primary key index from the latest version of
// every live base record. Secondary indexes are not persisted and must be
// recreated explicitly after load, same as the original implementation.
func (t *Table) rebuildIndex() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rid := range t.getBaseRIDsLocked() {
		row, err := t.readLatestRecordLocked(rid)
		if err != nil {
			return err
		}
		if row == nil || row[ColRID] == nil {
			continue
		}
		keyVal := row[MetadataColumnCount+t.key]
		if keyVal == nil {
			continue
		}
		t.idx.InsertKey(*keyVal, rid)
		t.idx.AddRecord(rid, rowValues(row))
	}
	return nil
}
