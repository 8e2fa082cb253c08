// Package storage implements the physical layer of the storage engine: the
// fixed-width column Page, the DiskManager that persists pages as flat
// files, and the pinned/dirty BufferPool cache in front of them.
package storage

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// CellWidth is the width in bytes of every cell. Every column, whether a
// metadata column or a user column, is a signed 64-bit big-endian integer.
const CellWidth = 8

// Page is one fixed-size column page: a byte buffer holding p.Capacity()
// big-endian int64 cells, plus a record count. A Page only ever belongs to
// one (table, area, column) and holds a contiguous run of cells for that
// column — it never mixes columns the way a row-oriented page would.
type Page struct {
	size       int
	numRecords int
	data       []byte
}

// NewPage allocates a zeroed page of the given size.
func NewPage(size int) *Page {
	return &Page{size: size, data: make([]byte, size)}
}

// Capacity returns how many cells fit in a page of this size.
func (p *Page) Capacity() int {
	return p.size / CellWidth
}

// NumRecords returns how many cells have been written so far.
func (p *Page) NumRecords() int {
	return p.numRecords
}

// HasCapacity reports whether one more cell can be appended.
func (p *Page) HasCapacity() bool {
	return p.numRecords < p.Capacity()
}

// Write appends value as the next cell and returns the offset (cell index,
// not byte offset) it was written at. Callers must check HasCapacity first.
func (p *Page) Write(value int64) (int, error) {
	if !p.HasCapacity() {
		return 0, errors.New("storage: page is full")
	}
	offset := p.numRecords
	binary.BigEndian.PutUint64(p.data[offset*CellWidth:], uint64(value))
	p.numRecords++
	return offset, nil
}

// Read returns the cell value at the given offset.
func (p *Page) Read(offset int) (int64, error) {
	if offset < 0 || offset >= p.numRecords {
		return 0, errors.Errorf("storage: read offset %d out of range (num_records=%d)", offset, p.numRecords)
	}
	return int64(binary.BigEndian.Uint64(p.data[offset*CellWidth:])), nil
}

// Update overwrites the cell at the given offset in place.
func (p *Page) Update(offset int, value int64) error {
	if offset < 0 || offset >= p.numRecords {
		return errors.Errorf("storage: update offset %d out of range (num_records=%d)", offset, p.numRecords)
	}
	binary.BigEndian.PutUint64(p.data[offset*CellWidth:], uint64(value))
	return nil
}

// Bytes returns the raw page buffer, padded to size, for writing to disk.
func (p *Page) Bytes() []byte {
	return p.data
}

// FromBytes reconstructs a Page from raw disk bytes and a known record
// count. buf is used directly (not copied) — callers must not reuse it.
func FromBytes(buf []byte, numRecords int) *Page {
	return &Page{size: len(buf), numRecords: numRecords, data: buf}
}
