// Package table implements the core storage engine: the RID space, page
// directory, page ranges, version chains, star tail records, the TPS
// watermark, and the background two-phase merge, on top of storage.Page,
// storage.DiskManager, and storage.BufferPool.
package table

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Felmond13/lstoredb/concurrency"
	"github.com/Felmond13/lstoredb/config"
	"github.com/Felmond13/lstoredb/index"
	"github.com/Felmond13/lstoredb/storage"
)

// Metadata column indices, identical across every table regardless of its
// user column count.
const (
	ColIndirection     = 0
	ColRID             = 1
	ColTimestamp       = 2
	ColSchemaEncoding  = 3
	MetadataColumnCount = 4
)

// Mark tags a page directory cell location with where its value lives.
type Mark byte

const (
	MarkBase Mark = 'B'
	MarkTail Mark = 'T'
	MarkNull Mark = 'N'
)

// DirEntry is one page directory cell location: (mark, column, range, page,
// offset).
type DirEntry struct {
	Mark   Mark
	Column int
	Range  int
	Page   int
	Offset int
}

// Row is a full logical record: MetadataColumnCount metadata cells followed
// by NumColumns user cells. A nil entry means the cell holds no value
// (schema-encoding bit unset, or the indirection/TPS slot was never set).
type Row []*int64

// Record is one projected query result row.
type Record struct {
	RID     int64
	Key     int64
	Columns []*int64
}

func i64p(v int64) *int64 { return &v }

// Table is one L-Store-style table: base pages, tail pages, the page
// directory, the primary/secondary index, and the background merge worker,
// all guarded by a single latch.
type Table struct {
	name       string
	key        int
	numColumns int
	total      int // MetadataColumnCount + numColumns

	pageSize          int
	recordsPerPage    int
	basePagesPerRange int
	recordsPerRange   int

	mu            sync.Mutex // the table latch
	pageCounterMu sync.Mutex // guards the base-page allocation counters only

	pageDirectory map[int64][]DirEntry
	idx           *index.Index

	starTailRecord map[int64]struct{}

	nextBaseRID int64
	nextTailRID int64

	tps map[int64]*int64

	baseRIDs            map[int64]struct{}
	sortedBaseRIDsCache []int64

	tailRangePages map[int][][]int // rangeIndex -> per-column list of global tail page indices

	basePageCount        []int
	currentBasePageIndex []int
	tailPageCount        []int
	currentTailPageIndex []int

	bufferPool  *storage.BufferPool
	diskManager *storage.DiskManager

	mergeTailPageThreshold     int
	tailPagesCreatedSinceMerge int
	mergeRequest               *concurrency.Event
	mergeStop                  *concurrency.Event
	mergeWG                    sync.WaitGroup
	mergeRunning               bool
	pendingMergeJobs           []mergeJob

	log logrus.FieldLogger
}

type mergeEntry struct {
	rid             int64
	oldDir          []DirEntry
	snapshotTailRID *int64
}

type mergeJob struct {
	rangeIndex      int
	entries         []mergeEntry
	mergedLocations map[int64]map[int]DirEntry
	oldPagesByCol   map[int]map[int]struct{}
}

// New creates an empty table. Call BindStorage before performing any
// operation that touches pages.
func New(name string, numColumns, key int, cfg *config.Config, log logrus.FieldLogger) *Table {
	if log == nil {
		log = logrus.StandardLogger()
	}
	total := MetadataColumnCount + numColumns
	recordsPerPage := cfg.PageSize / storage.CellWidth

	t := &Table{
		name:                   name,
		key:                    key,
		numColumns:             numColumns,
		total:                  total,
		pageSize:               cfg.PageSize,
		recordsPerPage:         recordsPerPage,
		basePagesPerRange:      cfg.BasePagesPerRange,
		recordsPerRange:        cfg.BasePagesPerRange * recordsPerPage,
		pageDirectory:          make(map[int64][]DirEntry),
		idx:                    index.New(numColumns, key),
		starTailRecord:         make(map[int64]struct{}),
		nextBaseRID:            1,
		nextTailRID:            -1,
		tps:                    make(map[int64]*int64),
		baseRIDs:               make(map[int64]struct{}),
		tailRangePages:         make(map[int][][]int),
		basePageCount:          make([]int, total),
		currentBasePageIndex:   make([]int, total),
		tailPageCount:          make([]int, total),
		currentTailPageIndex:   make([]int, total),
		mergeTailPageThreshold: cfg.MergeTailPageThreshold,
		mergeRequest:           concurrency.NewEvent(),
		mergeStop:              concurrency.NewEvent(),
		log:                    log.WithField("table", name),
	}
	for i := 0; i < total; i++ {
		t.basePageCount[i] = 1
		t.tailPageCount[i] = 1
	}
	t.tailRangePages[0] = make([][]int, total)
	for i := 0; i < total; i++ {
		t.tailRangePages[0][i] = []int{0}
	}
	return t
}

// Name returns the table's name.
func (t *Table) Name() string { return t.name }

// NumColumns returns the number of user columns.
func (t *Table) NumColumns() int { return t.numColumns }

// Key returns the primary key column index.
func (t *Table) Key() int { return t.key }

// BindStorage wires the table to a shared buffer pool and disk manager.
func (t *Table) BindStorage(bp *storage.BufferPool, dm *storage.DiskManager) {
	t.bufferPool = bp
	t.diskManager = dm
}

// ---- low-level cell access ----

func (t *Table) fetchFrame(isTail bool, column, pageIndex int, pin bool) (*storage.Frame, error) {
	if t.bufferPool == nil {
		return nil, nil
	}
	return t.bufferPool.FetchPage(t.name, isTail, column, pageIndex, pin)
}

func (t *Table) unpin(isTail bool, column, pageIndex int) {
	if t.bufferPool == nil {
		return
	}
	t.bufferPool.Unpin(t.name, isTail, column, pageIndex)
}

func (t *Table) readCell(isTail bool, column, pageIndex, offset int) (*int64, error) {
	frame, err := t.fetchFrame(isTail, column, pageIndex, true)
	if err != nil {
		return nil, errors.Wrap(err, "table: read cell")
	}
	if frame == nil {
		return nil, nil
	}
	defer t.unpin(isTail, column, pageIndex)
	if offset < 0 || offset >= frame.Page.NumRecords() {
		return nil, nil
	}
	v, err := frame.Page.Read(offset)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (t *Table) appendCell(isTail bool, column, pageIndex int, value *int64) (int, bool, error) {
	frame, err := t.fetchFrame(isTail, column, pageIndex, true)
	if err != nil {
		return 0, false, errors.Wrap(err, "table: append cell")
	}
	if frame == nil {
		return 0, false, nil
	}
	defer t.unpin(isTail, column, pageIndex)
	if !frame.Page.HasCapacity() {
		return 0, false, nil
	}
	var v int64
	if value != nil {
		v = *value
	}
	offset, err := frame.Page.Write(v)
	if err != nil {
		return 0, false, err
	}
	t.bufferPool.MarkDirty(t.name, isTail, column, pageIndex)
	return offset, true, nil
}

func (t *Table) updateCell(isTail bool, column, pageIndex, offset int, value *int64) (bool, error) {
	frame, err := t.fetchFrame(isTail, column, pageIndex, true)
	if err != nil {
		return false, errors.Wrap(err, "table: update cell")
	}
	if frame == nil {
		return false, nil
	}
	defer t.unpin(isTail, column, pageIndex)
	if offset < 0 || offset >= frame.Page.NumRecords() {
		return false, nil
	}
	var v int64
	if value != nil {
		v = *value
	}
	if err := frame.Page.Update(offset, v); err != nil {
		return false, err
	}
	t.bufferPool.MarkDirty(t.name, isTail, column, pageIndex)
	return true, nil
}

func (t *Table) pageHasCapacity(isTail bool, column, pageIndex int) (bool, error) {
	frame, err := t.fetchFrame(isTail, column, pageIndex, true)
	if err != nil {
		return false, errors.Wrap(err, "table: page capacity check")
	}
	if frame == nil {
		return false, nil
	}
	defer t.unpin(isTail, column, pageIndex)
	return frame.Page.HasCapacity(), nil
}

// ---- ranges and page allocation ----

func (t *Table) baseRangeFromPageIndex(pageIndex int) int {
	return pageIndex / t.basePagesPerRange
}

func (t *Table) baseRangeFromRID(baseRID int64) int {
	if baseRID <= 0 {
		return 0
	}
	return int((baseRID - 1) / int64(t.recordsPerRange))
}

func (t *Table) getBaseRangeForRID(baseRID int64) int {
	if dir, ok := t.pageDirectory[baseRID]; ok {
		return dir[ColRID].Range
	}
	return t.baseRangeFromRID(baseRID)
}

// allocateNewBasePage allocates a fresh base page for column col and makes
// it the column's current (live-insert) page.
func (t *Table) allocateNewBasePage(col int) int {
	t.pageCounterMu.Lock()
	defer t.pageCounterMu.Unlock()
	idx := t.basePageCount[col]
	t.basePageCount[col]++
	t.currentBasePageIndex[col] = idx
	return idx
}

// allocateMergeBasePage allocates a fresh out-of-place base page for the
// background merge, without touching the live current-page pointer so
// concurrent inserts keep landing on the pre-merge page.
func (t *Table) allocateMergeBasePage(col int) int {
	t.pageCounterMu.Lock()
	defer t.pageCounterMu.Unlock()
	idx := t.basePageCount[col]
	t.basePageCount[col]++
	return idx
}

func (t *Table) ensureTailRange(rangeIndex int) {
	if _, ok := t.tailRangePages[rangeIndex]; !ok {
		t.tailRangePages[rangeIndex] = make([][]int, t.total)
	}
}

func (t *Table) registerExistingTailPages(rangeToPages map[int][]int) {
	t.tailRangePages = make(map[int][][]int)
	if len(rangeToPages) == 0 {
		t.tailRangePages[0] = make([][]int, t.total)
		for i := 0; i < t.total; i++ {
			t.tailRangePages[0][i] = []int{0}
		}
		t.tailPagesCreatedSinceMerge = 0
		return
	}
	for rangeIndex, pages := range rangeToPages {
		sorted := append([]int(nil), pages...)
		sort.Ints(sorted)
		cols := make([][]int, t.total)
		for i := 0; i < t.total; i++ {
			cols[i] = append([]int(nil), sorted...)
		}
		t.tailRangePages[rangeIndex] = cols
	}
	t.tailPagesCreatedSinceMerge = 0
}

func (t *Table) onNewTailPage(column int) {
	if column != ColRID {
		return
	}
	t.tailPagesCreatedSinceMerge++
	if t.tailPagesCreatedSinceMerge >= t.mergeTailPageThreshold {
		t.ensureMergeWorkerStarted()
		t.mergeRequest.Set()
	}
}

func (t *Table) getOrAllocateTailPage(rangeIndex, column int) (int, error) {
	t.ensureTailRange(rangeIndex)
	pages := t.tailRangePages[rangeIndex][column]
	if len(pages) == 0 {
		pageIndex := t.tailPageCount[column]
		t.tailPageCount[column]++
		pages = append(pages, pageIndex)
		t.tailRangePages[rangeIndex][column] = pages
		t.currentTailPageIndex[column] = pageIndex
		t.onNewTailPage(column)
		return pageIndex, nil
	}
	pageIndex := pages[len(pages)-1]
	has, err := t.pageHasCapacity(true, column, pageIndex)
	if err != nil {
		return 0, err
	}
	if has {
		t.currentTailPageIndex[column] = pageIndex
		return pageIndex, nil
	}
	pageIndex = t.tailPageCount[column]
	t.tailPageCount[column]++
	pages = append(pages, pageIndex)
	t.tailRangePages[rangeIndex][column] = pages
	t.currentTailPageIndex[column] = pageIndex
	t.onNewTailPage(column)
	return pageIndex, nil
}

func (t *Table) generateRID(isTail bool) {
	if isTail {
		t.nextTailRID--
	} else {
		t.nextBaseRID++
	}
}

// IsTailRID reports whether rid addresses a tail record (negative RIDs are
// tail, positive are base, zero means none/deleted).
func IsTailRID(rid int64) bool { return rid < 0 }

func (t *Table) getBaseRIDsLocked() []int64 {
	if t.sortedBaseRIDsCache == nil {
		rids := make([]int64, 0, len(t.baseRIDs))
		for rid := range t.baseRIDs {
			rids = append(rids, rid)
		}
		sort.Slice(rids, func(i, j int) bool { return rids[i] < rids[j] })
		t.sortedBaseRIDsCache = rids
	}
	return t.sortedBaseRIDsCache
}

// BaseRIDs returns every live base RID in ascending order.
func (t *Table) BaseRIDs() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int64(nil), t.getBaseRIDsLocked()...)
}

// ---- record read/write ----

func (t *Table) readRecordFromDirectory(direction []DirEntry, isTail bool) (Row, error) {
	record := make(Row, len(direction))
	for i, entry := range direction {
		if entry.Mark == MarkNull {
			continue
		}
		v, err := t.readCell(isTail, i, entry.Page, entry.Offset)
		if err != nil {
			return nil, err
		}
		record[i] = v
	}
	return record, nil
}

func (t *Table) readRecordLocked(rid int64) (Row, error) {
	dir, ok := t.pageDirectory[rid]
	if !ok {
		return nil, nil
	}
	return t.readRecordFromDirectory(dir, IsTailRID(rid))
}

// ReadRecord returns the raw stored record for rid (no version-chain
// resolution), or nil if rid is unknown.
func (t *Table) ReadRecord(rid int64) (Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readRecordLocked(rid)
}

func (t *Table) readLatestRecordLocked(baseRID int64) (Row, error) {
	record, err := t.readRecordLocked(baseRID)
	if err != nil || record == nil {
		return record, err
	}
	latest := record
	latestTailRID := record[ColIndirection]
	if latestTailRID != nil && IsTailRID(*latestTailRID) {
		tps := t.tps[baseRID]
		needLookup := tps == nil || *latestTailRID < *tps
		if needLookup {
			tail, err := t.readRecordLocked(*latestTailRID)
			if err != nil {
				return nil, err
			}
			if tail != nil {
				latest = tail
			}
		}
	}
	result := make(Row, len(latest))
	copy(result, latest)
	for i := range result {
		if result[i] == nil {
			result[i] = record[i]
		}
	}
	return result, nil
}

// ReadLatestRecord returns the current version of baseRID as a flat []int64
// (nil cells become 0), satisfying index.RecordSource.
func (t *Table) ReadLatestRecord(rid int64) ([]int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, err := t.readLatestRecordLocked(rid)
	if err != nil || row == nil {
		return nil, err
	}
	return flatten(row), nil
}

func flatten(row Row) []int64 {
	out := make([]int64, len(row))
	for i, p := range row {
		if p != nil {
			out[i] = *p
		}
	}
	return out
}

func (t *Table) readLatestRecordModifiedLocked(baseRID int64, relativeVersion int) (Row, error) {
	record, err := t.readRecordLocked(baseRID)
	if err != nil || record == nil {
		return record, err
	}
	latestRID := record[ColIndirection]
	if latestRID == nil || *latestRID == 0 {
		return record, nil
	}

	if relativeVersion >= 0 {
		tps := t.tps[baseRID]
		if tps != nil && IsTailRID(*latestRID) && *latestRID >= *tps {
			return record, nil
		}
	}

	latestRecord, err := t.readRecordLocked(*latestRID)
	if err != nil {
		return nil, err
	}
	if latestRecord == nil {
		return record, nil
	}
	if relativeVersion >= 0 {
		result := make(Row, len(latestRecord))
		copy(result, latestRecord)
		for i := range result {
			if result[i] == nil {
				result[i] = record[i]
			}
		}
		return result, nil
	}

	steps := -relativeVersion
	curRID := *latestRID
	curRecord := latestRecord
	for steps > 0 {
		prevRID := curRecord[ColIndirection]
		if prevRID == nil || *prevRID == 0 {
			break
		}
		if _, isStar := t.starTailRecord[curRID]; isStar && !IsTailRID(*prevRID) {
			break
		}
		prevRecord, err := t.readRecordLocked(*prevRID)
		if err != nil {
			return nil, err
		}
		if prevRecord == nil {
			break
		}
		curRID = *prevRID
		curRecord = prevRecord
		steps--
	}
	result := make(Row, len(curRecord))
	copy(result, curRecord)
	for i := range result {
		if result[i] == nil {
			result[i] = record[i]
		}
	}
	return result, nil
}

func (t *Table) updateIndirection(baseRID, newTailRID int64) error {
	dir, ok := t.pageDirectory[baseRID]
	if !ok {
		return nil
	}
	entry := dir[ColIndirection]
	if _, err := t.updateCell(false, ColIndirection, entry.Page, entry.Offset, i64p(newTailRID)); err != nil {
		return err
	}
	if entry.Mark == MarkNull {
		dir[ColIndirection] = DirEntry{MarkBase, entry.Column, entry.Range, entry.Page, entry.Offset}
	}
	return nil
}

func (t *Table) updateSE(rid int64, updatedSE int64) error {
	dir, ok := t.pageDirectory[rid]
	if !ok {
		return nil
	}
	entry := dir[ColSchemaEncoding]
	_, err := t.updateCell(false, ColSchemaEncoding, entry.Page, entry.Offset, i64p(updatedSE))
	return err
}

func (t *Table) insertBaseRecordLocked(columns []int64) (int64, bool, error) {
	baseRID := t.nextBaseRID
	t.generateRID(false)
	timestamp := time.Now().UnixMilli()
	metadata := [MetadataColumnCount]*int64{nil, i64p(baseRID), i64p(timestamp), i64p(0)}

	directory := make([]DirEntry, t.total)
	for i := 0; i < t.total; i++ {
		pageIndex := t.currentBasePageIndex[i]
		has, err := t.pageHasCapacity(false, i, pageIndex)
		if err != nil {
			return 0, false, err
		}
		if !has {
			pageIndex = t.allocateNewBasePage(i)
		}

		var value *int64
		if i < MetadataColumnCount {
			value = metadata[i]
		} else {
			v := columns[i-MetadataColumnCount]
			value = &v
		}

		offset, ok, err := t.appendCell(false, i, pageIndex, value)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			return 0, false, nil
		}

		mark := MarkBase
		if i == ColIndirection && metadata[i] == nil {
			mark = MarkNull
		}
		directory[i] = DirEntry{mark, i, t.baseRangeFromPageIndex(pageIndex), pageIndex, offset}
	}

	t.pageDirectory[baseRID] = directory
	t.baseRIDs[baseRID] = struct{}{}
	t.sortedBaseRIDsCache = nil
	return baseRID, true, nil
}

func (t *Table) appendTailRecordFirstTime(baseRID, previousRID int64) (int64, bool, error) {
	curTailRID := t.nextTailRID
	t.generateRID(true)
	baseRangeIndex := t.getBaseRangeForRID(baseRID)

	indirection := i64p(previousRID)
	timestamp := time.Now().UnixMilli()
	se := (int64(1) << uint(t.numColumns)) - 1

	baseRecord, err := t.readRecordLocked(baseRID)
	if err != nil {
		return 0, false, err
	}
	if baseRecord == nil {
		return 0, false, nil
	}
	writeColumn := baseRecord[MetadataColumnCount:]

	metadata := [MetadataColumnCount]*int64{indirection, i64p(curTailRID), i64p(timestamp), i64p(se)}
	directory := make([]DirEntry, t.total)

	for i := 0; i < t.total; i++ {
		pageIndex, err := t.getOrAllocateTailPage(baseRangeIndex, i)
		if err != nil {
			return 0, false, err
		}
		if i < MetadataColumnCount {
			offset, ok, err := t.appendCell(true, i, pageIndex, metadata[i])
			if err != nil {
				return 0, false, err
			}
			if !ok {
				return 0, false, nil
			}
			directory[i] = DirEntry{MarkTail, i, baseRangeIndex, pageIndex, offset}
		} else {
			val := writeColumn[i-MetadataColumnCount]
			offset, ok, err := t.appendCell(true, i, pageIndex, val)
			if err != nil {
				return 0, false, err
			}
			if !ok {
				return 0, false, nil
			}
			mark := MarkTail
			if val == nil {
				mark = MarkNull
			}
			directory[i] = DirEntry{mark, i, baseRangeIndex, pageIndex, offset}
		}
	}

	t.pageDirectory[curTailRID] = directory
	t.starTailRecord[curTailRID] = struct{}{}
	return curTailRID, true, nil
}

func (t *Table) appendTailRecordLocked(columns []*int64, baseRID int64) (int64, bool, error) {
	tailRID := t.nextTailRID
	t.generateRID(true)
	baseRangeIndex := t.getBaseRangeForRID(baseRID)

	baseRecord, err := t.readRecordLocked(baseRID)
	if err != nil {
		return 0, false, err
	}
	if baseRecord == nil {
		return 0, false, nil
	}

	previousRID := baseRID
	if baseRecord[ColIndirection] != nil {
		latestRecord, err := t.readRecordLocked(*baseRecord[ColIndirection])
		if err != nil {
			return 0, false, err
		}
		if latestRecord != nil && latestRecord[ColRID] != nil {
			previousRID = *latestRecord[ColRID]
		}
	}

	timestamp := time.Now().UnixMilli()
	var schemaEncoding int64

	previousRecord, err := t.readRecordLocked(previousRID)
	if err != nil {
		return 0, false, err
	}
	if previousRecord == nil {
		return 0, false, nil
	}
	var prevSE int64
	if previousRecord[ColSchemaEncoding] != nil {
		prevSE = *previousRecord[ColSchemaEncoding]
	}

	columnsCopy := append([]*int64(nil), columns...)
	firstTime := previousRID == baseRID
	for i := range columnsCopy {
		if columnsCopy[i] != nil {
			bit := t.numColumns - 1 - i
			schemaEncoding |= int64(1) << uint(bit)
		} else {
			columnsCopy[i] = previousRecord[i+MetadataColumnCount]
		}
	}

	if firstTime {
		newPrevRID, ok, err := t.appendTailRecordFirstTime(baseRID, previousRID)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			return 0, false, nil
		}
		previousRID = newPrevRID
	}

	indirection := previousRID
	schemaEncoding |= prevSE

	metadata := [MetadataColumnCount]*int64{i64p(indirection), i64p(tailRID), i64p(timestamp), i64p(schemaEncoding)}
	directory := make([]DirEntry, t.total)

	for i := 0; i < t.total; i++ {
		pageIndex, err := t.getOrAllocateTailPage(baseRangeIndex, i)
		if err != nil {
			return 0, false, err
		}
		if i < MetadataColumnCount {
			offset, ok, err := t.appendCell(true, i, pageIndex, metadata[i])
			if err != nil {
				return 0, false, err
			}
			if !ok {
				return 0, false, nil
			}
			directory[i] = DirEntry{MarkTail, i, baseRangeIndex, pageIndex, offset}
		} else {
			val := columnsCopy[i-MetadataColumnCount]
			offset, ok, err := t.appendCell(true, i, pageIndex, val)
			if err != nil {
				return 0, false, err
			}
			if !ok {
				return 0, false, nil
			}
			mark := MarkTail
			if val == nil {
				mark = MarkNull
			}
			directory[i] = DirEntry{mark, i, baseRangeIndex, pageIndex, offset}
		}
	}

	t.pageDirectory[tailRID] = directory
	if err := t.updateIndirection(baseRID, tailRID); err != nil {
		return 0, false, err
	}
	if err := t.updateSE(baseRID, schemaEncoding); err != nil {
		return 0, false, err
	}
	return tailRID, true, nil
}

func (t *Table) deleteRecordLocked(rid int64) (bool, error) {
	dir, ok := t.pageDirectory[rid]
	if !ok {
		return false, nil
	}
	ridEntry := dir[ColRID]
	status, err := t.updateCell(IsTailRID(rid), ColRID, ridEntry.Page, ridEntry.Offset, i64p(0))
	if err != nil {
		return false, err
	}
	delete(t.pageDirectory, rid)
	if rid > 0 {
		delete(t.baseRIDs, rid)
		delete(t.tps, rid)
		t.sortedBaseRIDsCache = nil
	}
	return status, nil
}

// ---- background merge ----

func (t *Table) materializeLatestFromSnapshot(baseDirection []DirEntry, snapshotTailRID *int64) (Row, error) {
	baseRecord, err := t.readRecordFromDirectory(baseDirection, false)
	if err != nil {
		return nil, err
	}
	if snapshotTailRID == nil || !IsTailRID(*snapshotTailRID) {
		return baseRecord, nil
	}
	tailRecord, err := t.readRecordLocked(*snapshotTailRID)
	if err != nil {
		return nil, err
	}
	if tailRecord == nil {
		return baseRecord, nil
	}
	latest := make(Row, len(tailRecord))
	copy(latest, tailRecord)
	for i := range latest {
		if latest[i] == nil {
			latest[i] = baseRecord[i]
		}
	}
	return latest, nil
}

func (t *Table) ensureMergeWorkerStarted() {
	if t.mergeRunning {
		return
	}
	t.mergeStop.Clear()
	t.mergeRunning = true
	t.mergeWG.Add(1)
	go t.mergeWorker()
}

func (t *Table) mergeWorker() {
	defer t.mergeWG.Done()
	for {
		if t.mergeStop.IsSet() {
			return
		}
		hasRequest := t.mergeRequest.Wait(100 * time.Millisecond)
		if t.mergeStop.IsSet() {
			return
		}
		if !hasRequest {
			continue
		}
		t.mergeRequest.Clear()
		if err := t.merge(); err != nil {
			t.log.WithError(err).Warn("table: background merge failed")
		}
	}
}

// merge builds new, out-of-place base pages for every page range holding a
// live base record, reading a latch-protected snapshot but writing the new
// pages without holding the latch, then queues the result for the
// foreground apply phase.
func (t *Table) merge() error {
	runID := uuid.New().String()
	log := t.log.WithField("merge_run", runID)

	t.mu.Lock()
	if len(t.baseRIDs) == 0 {
		t.tailPagesCreatedSinceMerge = 0
		t.mu.Unlock()
		return nil
	}
	rangeSnapshots := make(map[int][]mergeEntry)
	for rid := range t.baseRIDs {
		dir, ok := t.pageDirectory[rid]
		if !ok {
			continue
		}
		rangeIndex := dir[ColRID].Range
		indirectionLoc := dir[ColIndirection]
		var snapshotTailRID *int64
		if indirectionLoc.Mark != MarkNull {
			v, err := t.readCell(false, ColIndirection, indirectionLoc.Page, indirectionLoc.Offset)
			if err != nil {
				t.mu.Unlock()
				return err
			}
			snapshotTailRID = v
		}
		dirCopy := append([]DirEntry(nil), dir...)
		rangeSnapshots[rangeIndex] = append(rangeSnapshots[rangeIndex], mergeEntry{rid, dirCopy, snapshotTailRID})
	}
	t.mu.Unlock()
	log.WithField("ranges", len(rangeSnapshots)).Debug("table: merge build phase starting")

	for rangeIndex, entries := range rangeSnapshots {
		if len(entries) == 0 {
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].rid < entries[j].rid })

		oldPagesByCol := make(map[int]map[int]struct{})
		for col := 0; col < t.numColumns; col++ {
			oldPagesByCol[col+MetadataColumnCount] = make(map[int]struct{})
		}
		currentWritePage := make(map[int]int)
		hasWritePage := make(map[int]bool)
		mergedLocations := make(map[int64]map[int]DirEntry)

		for _, e := range entries {
			latest, err := t.materializeLatestFromSnapshot(e.oldDir, e.snapshotTailRID)
			if err != nil {
				return err
			}
			if latest == nil {
				continue
			}

			rowLocations := make(map[int]DirEntry)
			rowOK := true
			for col := 0; col < t.numColumns; col++ {
				pageCol := col + MetadataColumnCount
				oldPagesByCol[pageCol][e.oldDir[pageCol].Page] = struct{}{}

				targetPage, ok := currentWritePage[pageCol]
				needNew := !hasWritePage[pageCol]
				if ok && !needNew {
					has, err := t.pageHasCapacity(false, pageCol, targetPage)
					if err != nil {
						return err
					}
					needNew = !has
				}
				if needNew {
					targetPage = t.allocateMergeBasePage(pageCol)
					currentWritePage[pageCol] = targetPage
					hasWritePage[pageCol] = true
				}

				offset, ok2, err := t.appendCell(false, pageCol, targetPage, latest[pageCol])
				if err != nil {
					return err
				}
				if !ok2 {
					targetPage = t.allocateMergeBasePage(pageCol)
					currentWritePage[pageCol] = targetPage
					offset, ok2, err = t.appendCell(false, pageCol, targetPage, latest[pageCol])
					if err != nil {
						return err
					}
				}
				if !ok2 {
					rowOK = false
					break
				}
				rowLocations[pageCol] = DirEntry{MarkBase, pageCol, rangeIndex, targetPage, offset}
			}

			if rowOK && len(rowLocations) == t.numColumns {
				mergedLocations[e.rid] = rowLocations
			}
		}

		t.mu.Lock()
		t.pendingMergeJobs = append(t.pendingMergeJobs, mergeJob{rangeIndex, entries, mergedLocations, oldPagesByCol})
		t.mu.Unlock()
	}

	t.mu.Lock()
	t.tailPagesCreatedSinceMerge = 0
	t.mu.Unlock()
	log.Debug("table: merge build phase done, queued for foreground apply")
	return nil
}

// applyPendingMergesLocked performs the foreground apply phase: an O(range)
// pointer swap of the page directory per queued job, TPS bookkeeping, and
// reclaiming the superseded base pages. Callers must already hold t.mu.
func (t *Table) applyPendingMergesLocked() (int, error) {
	if len(t.pendingMergeJobs) == 0 {
		return 0, nil
	}
	jobs := t.pendingMergeJobs
	t.pendingMergeJobs = nil

	applied := 0
	var reclaimBatches []map[int]map[int]struct{}

	for _, job := range jobs {
		var mergedRIDs []int64
		for _, e := range job.entries {
			rowLocations, ok := job.mergedLocations[e.rid]
			if !ok {
				continue
			}
			curDir, ok := t.pageDirectory[e.rid]
			if !ok {
				continue
			}
			if curDir[ColRID].Range != job.rangeIndex {
				continue
			}
			newDir := append([]DirEntry(nil), curDir...)
			for col := 0; col < t.numColumns; col++ {
				pageCol := col + MetadataColumnCount
				newDir[pageCol] = rowLocations[pageCol]
			}
			t.pageDirectory[e.rid] = newDir

			if e.snapshotTailRID != nil && IsTailRID(*e.snapshotTailRID) {
				tps := *e.snapshotTailRID
				t.tps[e.rid] = &tps
			} else {
				t.tps[e.rid] = nil
			}
			mergedRIDs = append(mergedRIDs, e.rid)
		}
		if len(mergedRIDs) == len(job.entries) && len(mergedRIDs) > 0 {
			reclaimBatches = append(reclaimBatches, job.oldPagesByCol)
		}
		applied += len(mergedRIDs)
	}

	for _, batch := range reclaimBatches {
		if err := t.reclaimOldBasePages(batch); err != nil {
			return applied, err
		}
	}
	t.log.WithField("applied", applied).Debug("table: merge apply phase done")
	return applied, nil
}

func (t *Table) reclaimOldBasePages(oldPagesByCol map[int]map[int]struct{}) error {
	if t.bufferPool == nil || t.diskManager == nil {
		return nil
	}
	for col, pages := range oldPagesByCol {
		for pageIndex := range pages {
			if err := t.bufferPool.DiscardPage(t.name, false, col, pageIndex, false); err != nil {
				return err
			}
			if err := t.diskManager.DeletePage(t.name, false, col, pageIndex); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyPendingMergesForeground applies every queued merge job. It is safe
// to call directly (it takes the latch itself); internal operations use
// applyPendingMergesLocked while already holding it.
func (t *Table) ApplyPendingMergesForeground() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applyPendingMergesLocked()
}

// Shutdown stops the background merge worker, waiting up to one second for
// it to exit. Safe to call even if no worker was ever started.
func (t *Table) Shutdown() {
	t.mu.Lock()
	running := t.mergeRunning
	t.mu.Unlock()
	if !running {
		return
	}

	t.mergeRequest.Set()
	t.mergeStop.Set()

	done := make(chan struct{})
	go func() {
		t.mergeWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.log.Warn("table: merge worker did not stop within the shutdown timeout")
	}

	t.mu.Lock()
	t.mergeRunning = false
	t.mu.Unlock()
}

// ---- index helpers ----

func rowValues(row Row) []int64 { return flatten(row) }

type recordSourceLocked struct{ t *Table }

func (r recordSourceLocked) BaseRIDs() []int64 { return r.t.getBaseRIDsLocked() }

func (r recordSourceLocked) ReadLatestRecord(rid int64) ([]int64, error) {
	row, err := r.t.readLatestRecordLocked(rid)
	if err != nil || row == nil {
		return nil, err
	}
	return flatten(row), nil
}

// CreateIndex activates a secondary index on column, backfilling it from
// every live base record's latest version.
func (t *Table) CreateIndex(column int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idx.CreateIndex(column, recordSourceLocked{t})
}

// DropIndex deactivates a secondary index (the primary key index cannot be
// dropped).
func (t *Table) DropIndex(column int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idx.DropIndex(column)
}

func (t *Table) projectRecord(rid, key int64, record Row, projectedColumnsIndex []int) *Record {
	data := record[MetadataColumnCount:]
	full := make([]*int64, t.numColumns)
	for i := 0; i < t.numColumns; i++ {
		if i < len(projectedColumnsIndex) && projectedColumnsIndex[i] == 1 {
			full[i] = data[i]
		}
	}
	return &Record{RID: rid, Key: key, Columns: full}
}

// ---- query-level operations ----

// Insert adds a new base record. columns must have exactly NumColumns
// entries; a duplicate primary key value fails the insert.
func (t *Table) Insert(columns []int64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(columns)
}

func (t *Table) insertLocked(columns []int64) (bool, error) {
	if _, err := t.applyPendingMergesLocked(); err != nil {
		return false, err
	}
	if len(columns) != t.numColumns {
		return false, nil
	}
	key := columns[t.key]
	if rids, ok := t.idx.Locate(t.key, key); ok && len(rids) > 0 {
		return false, nil
	}

	baseRID, ok, err := t.insertBaseRecordLocked(columns)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	t.idx.InsertKey(key, baseRID)
	t.idx.AddRecord(baseRID, columns)
	return true, nil
}

// Select returns every record matching searchKey in searchKeyIndex,
// projected to the columns flagged in projectedColumnsIndex. The second
// return value is false only for an out-of-range searchKeyIndex.
func (t *Table) Select(searchKey int64, searchKeyIndex int, projectedColumnsIndex []int) ([]*Record, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.selectLocked(searchKey, searchKeyIndex, projectedColumnsIndex)
}

func (t *Table) selectLocked(searchKey int64, searchKeyIndex int, projectedColumnsIndex []int) ([]*Record, bool, error) {
	if _, err := t.applyPendingMergesLocked(); err != nil {
		return nil, false, err
	}
	if searchKeyIndex < 0 || searchKeyIndex >= t.numColumns {
		return nil, false, nil
	}

	result := []*Record{}

	if searchKeyIndex == t.key {
		rids, ok := t.idx.Locate(t.key, searchKey)
		if !ok || len(rids) == 0 {
			return result, true, nil
		}
		rid := rids[0]
		record, err := t.readLatestRecordLocked(rid)
		if err != nil {
			return nil, false, err
		}
		if record == nil {
			return result, true, nil
		}
		result = append(result, t.projectRecord(rid, searchKey, record, projectedColumnsIndex))
		return result, true, nil
	}

	var ridList []int64
	if rids, ok := t.idx.Locate(searchKeyIndex, searchKey); ok {
		ridList = rids
	} else {
		for _, rid := range t.getBaseRIDsLocked() {
			record, err := t.readLatestRecordLocked(rid)
			if err != nil {
				return nil, false, err
			}
			if record == nil {
				continue
			}
			v := record[MetadataColumnCount+searchKeyIndex]
			if v != nil && *v == searchKey {
				ridList = append(ridList, rid)
			}
		}
	}

	for _, rid := range ridList {
		record, err := t.readLatestRecordLocked(rid)
		if err != nil {
			return nil, false, err
		}
		if record == nil {
			continue
		}
		var key int64
		if v := record[MetadataColumnCount+t.key]; v != nil {
			key = *v
		}
		result = append(result, t.projectRecord(rid, key, record, projectedColumnsIndex))
	}
	return result, true, nil
}

// SelectVersion is Select restricted to the primary key column, reading
// relativeVersion (0 = latest, negative = older) instead of the live row.
func (t *Table) SelectVersion(searchKey int64, searchKeyIndex int, projectedColumnsIndex []int, relativeVersion int) ([]*Record, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.applyPendingMergesLocked(); err != nil {
		return nil, false, err
	}
	if searchKeyIndex < 0 || searchKeyIndex >= t.numColumns || searchKeyIndex != t.key {
		return nil, false, nil
	}

	rids, ok := t.idx.Locate(t.key, searchKey)
	if !ok || len(rids) == 0 {
		return []*Record{}, true, nil
	}
	rid := rids[0]
	record, err := t.readLatestRecordModifiedLocked(rid, relativeVersion)
	if err != nil {
		return nil, false, err
	}
	if record == nil {
		return []*Record{}, true, nil
	}
	return []*Record{t.projectRecord(rid, searchKey, record, projectedColumnsIndex)}, true, nil
}

// Update writes a new version of the row keyed by primaryKey. A nil entry
// in columns leaves that column unchanged; a non-nil entry in the key
// column must match primaryKey.
func (t *Table) Update(primaryKey int64, columns []*int64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updateLocked(primaryKey, columns)
}

func (t *Table) updateLocked(primaryKey int64, columns []*int64) (bool, error) {
	if _, err := t.applyPendingMergesLocked(); err != nil {
		return false, err
	}
	rids, ok := t.idx.Locate(t.key, primaryKey)
	if !ok || len(rids) == 0 {
		return false, nil
	}
	rid := rids[0]

	oldLatest, err := t.readLatestRecordLocked(rid)
	if err != nil {
		return false, err
	}
	if oldLatest == nil {
		return false, nil
	}

	var newKey *int64
	if t.key < len(columns) {
		newKey = columns[t.key]
	}
	if newKey != nil && *newKey != primaryKey {
		return false, nil
	}

	if _, ok, err := t.appendTailRecordLocked(columns, rid); err != nil {
		return false, err
	} else if !ok {
		return false, nil
	}

	newLatest, err := t.readLatestRecordLocked(rid)
	if err == nil && newLatest != nil {
		t.idx.UpdateRecord(rid, rowValues(oldLatest), rowValues(newLatest))
	}
	return true, nil
}

// Delete removes the row keyed by primaryKey.
func (t *Table) Delete(primaryKey int64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deleteLocked(primaryKey)
}

func (t *Table) deleteLocked(primaryKey int64) (bool, error) {
	if _, err := t.applyPendingMergesLocked(); err != nil {
		return false, err
	}
	rids, ok := t.idx.Locate(t.key, primaryKey)
	if !ok || len(rids) == 0 {
		return false, nil
	}
	rid := rids[0]

	latest, err := t.readLatestRecordLocked(rid)
	if err != nil {
		return false, err
	}
	if latest == nil {
		return false, nil
	}
	t.idx.RemoveRecord(rid, rowValues(latest))

	success, err := t.deleteRecordLocked(rid)
	if err != nil {
		return false, err
	}
	if success {
		t.idx.DeleteIndex(primaryKey)
	}
	return success, nil
}

// Sum adds aggregateColumnIndex over every row whose primary key falls in
// [start, end]. The second return value is false if no row matched.
func (t *Table) Sum(start, end int64, aggregateColumnIndex int) (int64, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.applyPendingMergesLocked(); err != nil {
		return 0, false, err
	}
	ridList := t.idx.LocateRange(start, end, t.key)
	if len(ridList) == 0 {
		return 0, false, nil
	}
	var total int64
	for _, rid := range ridList {
		record, err := t.readLatestRecordLocked(rid)
		if err != nil {
			return 0, false, err
		}
		if record == nil {
			continue
		}
		if v := record[aggregateColumnIndex+MetadataColumnCount]; v != nil {
			total += *v
		}
	}
	return total, true, nil
}

// SumVersion is Sum reading relativeVersion instead of the latest row.
func (t *Table) SumVersion(start, end int64, aggregateColumnIndex int, relativeVersion int) (int64, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.applyPendingMergesLocked(); err != nil {
		return 0, false, err
	}
	ridList := t.idx.LocateRange(start, end, t.key)
	if len(ridList) == 0 {
		return 0, false, nil
	}
	var total int64
	for _, rid := range ridList {
		record, err := t.readLatestRecordModifiedLocked(rid, relativeVersion)
		if err != nil {
			return 0, false, err
		}
		if record == nil {
			continue
		}
		if v := record[aggregateColumnIndex+MetadataColumnCount]; v != nil {
			total += *v
		}
	}
	return total, true, nil
}

// Increment reads column's current value for key and writes back value+1.
func (t *Table) Increment(key int64, column int) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.applyPendingMergesLocked(); err != nil {
		return false, err
	}

	projected := make([]int, t.numColumns)
	for i := range projected {
		projected[i] = 1
	}
	selected, ok, err := t.selectLocked(key, t.key, projected)
	if err != nil {
		return false, err
	}
	if !ok || len(selected) == 0 {
		return false, nil
	}
	r := selected[0]
	if r.Columns[column] == nil {
		return false, nil
	}

	updated := make([]*int64, t.numColumns)
	updated[column] = i64p(*r.Columns[column] + 1)
	return t.updateLocked(key, updated)
}

// ---- persistence ----

// Save stops the merge worker, applies any pending merge, flushes every
// dirty frame for this table, and writes metadata.txt, page_directory.txt,
// tps.txt, and star_tail.txt under disk manager root/<name>.
func (t *Table) Save() error {
	t.Shutdown()

	t.mu.Lock()
	if _, err := t.applyPendingMergesLocked(); err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()

	if t.bufferPool != nil {
		if err := t.bufferPool.FlushAll(t.name); err != nil {
			return errors.Wrap(err, "table: flushing dirty frames")
		}
	}
	if t.diskManager == nil {
		return errors.New("table: cannot save without a bound disk manager")
	}

	tableDir := filepath.Join(t.diskManager.Path(), t.name)
	if err := os.MkdirAll(tableDir, 0755); err != nil {
		return errors.Wrapf(err, "table: creating %q", tableDir)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	metaContent := fmt.Sprintf("%d\n%d\n%d\n%d\n", t.numColumns, t.key, t.nextBaseRID, t.nextTailRID)
	if err := os.WriteFile(filepath.Join(tableDir, "metadata.txt"), []byte(metaContent), 0644); err != nil {
		return errors.Wrap(err, "table: writing metadata.txt")
	}

	rids := make([]int64, 0, len(t.pageDirectory))
	for rid := range t.pageDirectory {
		rids = append(rids, rid)
	}
	sort.Slice(rids, func(i, j int) bool { return rids[i] < rids[j] })

	var pd strings.Builder
	for _, rid := range rids {
		dir := t.pageDirectory[rid]
		parts := make([]string, len(dir))
		for i, e := range dir {
			parts[i] = fmt.Sprintf("%c,%d,%d,%d,%d", e.Mark, e.Column, e.Range, e.Page, e.Offset)
		}
		pd.WriteString(fmt.Sprintf("%d|%s\n", rid, strings.Join(parts, ";")))
	}
	if err := os.WriteFile(filepath.Join(tableDir, "page_directory.txt"), []byte(pd.String()), 0644); err != nil {
		return errors.Wrap(err, "table: writing page_directory.txt")
	}

	tpsRIDs := make([]int64, 0, len(t.tps))
	for rid := range t.tps {
		tpsRIDs = append(tpsRIDs, rid)
	}
	sort.Slice(tpsRIDs, func(i, j int) bool { return tpsRIDs[i] < tpsRIDs[j] })

	var tpsBuf strings.Builder
	for _, rid := range tpsRIDs {
		value := t.tps[rid]
		valueStr := "N"
		if value != nil {
			valueStr = strconv.FormatInt(*value, 10)
		}
		tpsBuf.WriteString(fmt.Sprintf("%d|%s\n", rid, valueStr))
	}
	if err := os.WriteFile(filepath.Join(tableDir, "tps.txt"), []byte(tpsBuf.String()), 0644); err != nil {
		return errors.Wrap(err, "table: writing tps.txt")
	}

	starRIDs := make([]int64, 0, len(t.starTailRecord))
	for rid := range t.starTailRecord {
		starRIDs = append(starRIDs, rid)
	}
	sort.Slice(starRIDs, func(i, j int) bool { return starRIDs[i] < starRIDs[j] })

	var starBuf strings.Builder
	for _, rid := range starRIDs {
		starBuf.WriteString(strconv.FormatInt(rid, 10))
		starBuf.WriteByte('\n')
	}
	if err := os.WriteFile(filepath.Join(tableDir, "star_tail.txt"), []byte(starBuf.String()), 0644); err != nil {
		return errors.Wrap(err, "table: writing star_tail.txt")
	}

	return nil
}
