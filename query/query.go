// Package query is a thin, non-locking dispatcher onto table.Table: every
// method here simply forwards to the matching Table method, which owns all
// locking. Query never touches a lock itself.
package query

import "github.com/Felmond13/lstoredb/table"

// Query is bound to a single table for the lifetime of the caller's
// operations, mirroring the original query-object-per-table API.
type Query struct {
	Table *table.Table
}

// New returns a Query bound to tbl.
func New(tbl *table.Table) *Query {
	return &Query{Table: tbl}
}

// Insert adds a new row. columns must have exactly Table.NumColumns entries.
func (q *Query) Insert(columns ...int64) (bool, error) {
	return q.Table.Insert(columns)
}

// Select returns every row matching searchKey in searchKeyIndex, projected
// to the columns flagged 1 in projectedColumnsIndex.
func (q *Query) Select(searchKey int64, searchKeyIndex int, projectedColumnsIndex []int) ([]*table.Record, bool, error) {
	return q.Table.Select(searchKey, searchKeyIndex, projectedColumnsIndex)
}

// SelectVersion is Select reading relativeVersion (0 = latest, negative =
// older) of the matched row instead of its live value.
func (q *Query) SelectVersion(searchKey int64, searchKeyIndex int, projectedColumnsIndex []int, relativeVersion int) ([]*table.Record, bool, error) {
	return q.Table.SelectVersion(searchKey, searchKeyIndex, projectedColumnsIndex, relativeVersion)
}

// Update writes a new version of the row keyed by primaryKey. A nil entry
// in columns leaves that column unchanged.
func (q *Query) Update(primaryKey int64, columns ...*int64) (bool, error) {
	return q.Table.Update(primaryKey, columns)
}

// Delete removes the row keyed by primaryKey.
func (q *Query) Delete(primaryKey int64) (bool, error) {
	return q.Table.Delete(primaryKey)
}

// Sum adds aggregateColumnIndex over every row whose primary key falls in
// [start, end].
func (q *Query) Sum(start, end int64, aggregateColumnIndex int) (int64, bool, error) {
	return q.Table.Sum(start, end, aggregateColumnIndex)
}

// SumVersion is Sum reading relativeVersion instead of each row's latest
// value.
func (q *Query) SumVersion(start, end int64, aggregateColumnIndex int, relativeVersion int) (int64, bool, error) {
	return q.Table.SumVersion(start, end, aggregateColumnIndex, relativeVersion)
}

// Increment reads column's current value for key and writes back value+1.
func (q *Query) Increment(key int64, column int) (bool, error) {
	return q.Table.Increment(key, column)
}

// CreateIndex activates a secondary index on column.
func (q *Query) CreateIndex(column int) bool {
	return q.Table.CreateIndex(column)
}

// DropIndex deactivates a secondary index on column.
func (q *Query) DropIndex(column int) bool {
	return q.Table.DropIndex(column)
}
