// Package index implements the per-table primary and secondary indexes: an
// exact-match + sorted-range primary key index, and optional secondary
// value-to-RID-set indexes created on demand.
package index

import "sort"

// RecordSource is the slice of Table that Index needs to (re)build a
// secondary index from the rows that already exist, without importing the
// table package (which imports index).
type RecordSource interface {
	// BaseRIDs returns every base RID currently in the table.
	BaseRIDs() []int64
	// ReadLatestRecord returns the full record (4 metadata columns followed
	// by the user columns) for rid as of its latest version, or nil if rid
	// no longer resolves to a live record.
	ReadLatestRecord(rid int64) ([]int64, error)
}

// Index holds one primary key index and zero or more secondary indexes for
// a single table.
type Index struct {
	key        int
	numColumns int

	// primary maps key column value -> base RID.
	primary map[int64]int64
	// sortedKeys is primary's keys kept in ascending order for range scans.
	sortedKeys []int64

	// secondary[col] is nil until CreateIndex(col) is called; once created
	// it maps a column value to the set of base RIDs holding that value.
	secondary map[int]map[int64]map[int64]struct{}
}

// New returns an Index for a table with numColumns user columns whose
// primary key lives in column keyIndex.
func New(numColumns, keyIndex int) *Index {
	return &Index{
		key:        keyIndex,
		numColumns: numColumns,
		primary:    make(map[int64]int64),
		secondary:  make(map[int]map[int64]map[int64]struct{}),
	}
}

// InsertKey registers rid under key in the primary index. Returns false if
// key is already present (primary keys are unique).
func (ix *Index) InsertKey(key, rid int64) bool {
	if _, exists := ix.primary[key]; exists {
		return false
	}
	ix.primary[key] = rid
	i := sort.Search(len(ix.sortedKeys), func(i int) bool { return ix.sortedKeys[i] >= key })
	ix.sortedKeys = append(ix.sortedKeys, 0)
	copy(ix.sortedKeys[i+1:], ix.sortedKeys[i:])
	ix.sortedKeys[i] = key
	return true
}

func (ix *Index) insertSecondary(column int, value, rid int64) {
	bucket, ok := ix.secondary[column]
	if !ok {
		return
	}
	set, ok := bucket[value]
	if !ok {
		set = make(map[int64]struct{})
		bucket[value] = set
	}
	set[rid] = struct{}{}
}

func (ix *Index) removeSecondary(column int, value, rid int64) {
	bucket, ok := ix.secondary[column]
	if !ok {
		return
	}
	set, ok := bucket[value]
	if !ok {
		return
	}
	delete(set, rid)
	if len(set) == 0 {
		delete(bucket, value)
	}
}

// AddRecord registers a newly inserted base record in every active
// secondary index. columns is the full logical row (user columns only,
// column 0..numColumns-1).
func (ix *Index) AddRecord(rid int64, columns []int64) {
	for col := 0; col < ix.numColumns; col++ {
		if col == ix.key {
			continue
		}
		if _, active := ix.secondary[col]; !active {
			continue
		}
		ix.insertSecondary(col, columns[col], rid)
	}
}

// RemoveRecord removes a base record from every active secondary index.
func (ix *Index) RemoveRecord(rid int64, columns []int64) {
	for col := 0; col < ix.numColumns; col++ {
		if col == ix.key {
			continue
		}
		if _, active := ix.secondary[col]; !active {
			continue
		}
		ix.removeSecondary(col, columns[col], rid)
	}
}

// UpdateRecord moves a base record between secondary index buckets after a
// value change.
func (ix *Index) UpdateRecord(rid int64, oldColumns, newColumns []int64) {
	for col := 0; col < ix.numColumns; col++ {
		if col == ix.key {
			continue
		}
		if _, active := ix.secondary[col]; !active {
			continue
		}
		oldVal, newVal := oldColumns[col], newColumns[col]
		if oldVal == newVal {
			continue
		}
		ix.removeSecondary(col, oldVal, rid)
		ix.insertSecondary(col, newVal, rid)
	}
}

// Locate returns the RIDs matching value in column. For the primary key
// column this is at most one RID; for an active secondary column it is the
// set of matching RIDs; for an inactive or out-of-range column it returns
// (nil, false).
func (ix *Index) Locate(column int, value int64) ([]int64, bool) {
	if column < 0 || column >= ix.numColumns {
		return nil, false
	}
	if column == ix.key {
		rid, ok := ix.primary[value]
		if !ok {
			return nil, true
		}
		return []int64{rid}, true
	}
	bucket, active := ix.secondary[column]
	if !active {
		return nil, false
	}
	set, ok := bucket[value]
	if !ok {
		return []int64{}, true
	}
	rids := make([]int64, 0, len(set))
	for rid := range set {
		rids = append(rids, rid)
	}
	return rids, true
}

// LocateRange returns the RIDs whose primary key falls within [begin, end]
// inclusive, in ascending key order. Only the primary key column supports
// range queries.
func (ix *Index) LocateRange(begin, end int64, column int) []int64 {
	if column != ix.key {
		return nil
	}
	left := sort.Search(len(ix.sortedKeys), func(i int) bool { return ix.sortedKeys[i] >= begin })
	right := sort.Search(len(ix.sortedKeys), func(i int) bool { return ix.sortedKeys[i] > end })

	rids := make([]int64, 0, right-left)
	for _, key := range ix.sortedKeys[left:right] {
		if rid, ok := ix.primary[key]; ok {
			rids = append(rids, rid)
		}
	}
	return rids
}

// DeleteIndex removes a primary key entry, e.g. after a row is deleted.
func (ix *Index) DeleteIndex(key int64) bool {
	if _, ok := ix.primary[key]; !ok {
		return false
	}
	delete(ix.primary, key)
	i := sort.Search(len(ix.sortedKeys), func(i int) bool { return ix.sortedKeys[i] >= key })
	if i < len(ix.sortedKeys) && ix.sortedKeys[i] == key {
		ix.sortedKeys = append(ix.sortedKeys[:i], ix.sortedKeys[i+1:]...)
	}
	return true
}

// CreateIndex activates a secondary index on column, backfilling it from
// every base record's latest version via src. The primary key column is
// always indexed and CreateIndex on it is a no-op success.
func (ix *Index) CreateIndex(column int, src RecordSource) bool {
	if column < 0 || column >= ix.numColumns {
		return false
	}
	if column == ix.key {
		return true
	}
	if _, active := ix.secondary[column]; active {
		return true
	}
	ix.secondary[column] = make(map[int64]map[int64]struct{})

	for _, rid := range src.BaseRIDs() {
		latest, err := src.ReadLatestRecord(rid)
		if err != nil || latest == nil {
			continue
		}
		value := latest[4+column]
		ix.insertSecondary(column, value, rid)
	}
	return true
}

// DropIndex deactivates a secondary index. The primary key index cannot be
// dropped.
func (ix *Index) DropIndex(column int) bool {
	if column < 0 || column >= ix.numColumns {
		return false
	}
	if column == ix.key {
		return false
	}
	delete(ix.secondary, column)
	return true
}

// HasSecondary reports whether column has an active secondary index.
func (ix *Index) HasSecondary(column int) bool {
	_, ok := ix.secondary[column]
	return ok
}
