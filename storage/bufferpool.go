package storage

import (
	"container/list"
	"sync"

	"github.com/sirupsen/logrus"
)

// frameKey identifies one cached page.
type frameKey struct {
	table    string
	isTail   bool
	column   int
	pageIdx  int
}

// Frame is one cached Page plus its buffer-management state.
type Frame struct {
	Page     *Page
	Dirty    bool
	PinCount int
}

// BufferPool is a fixed-capacity, pin-aware LRU cache of pages in front of a
// DiskManager. Unlike a plain read-through cache, dirty frames are only
// written back to disk on eviction or an explicit flush — never eagerly —
// and a frame with a nonzero pin count can never be chosen for eviction.
type BufferPool struct {
	mu       sync.Mutex
	dm       *DiskManager
	capacity int
	pageSize int
	log      logrus.FieldLogger

	frames map[frameKey]*Frame
	lru    *list.List                    // front = least recently used
	elems  map[frameKey]*list.Element
}

// NewBufferPool returns a BufferPool of the given frame capacity backed by
// dm. log may be nil, in which case logrus's standard logger is used.
func NewBufferPool(dm *DiskManager, capacity, pageSize int, log logrus.FieldLogger) *BufferPool {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &BufferPool{
		dm:       dm,
		capacity: capacity,
		pageSize: pageSize,
		log:      log,
		frames:   make(map[frameKey]*Frame),
		lru:      list.New(),
		elems:    make(map[frameKey]*list.Element),
	}
}

func (bp *BufferPool) touch(key frameKey) {
	if elem, ok := bp.elems[key]; ok {
		bp.lru.MoveToBack(elem)
		return
	}
	bp.elems[key] = bp.lru.PushBack(key)
}

func (bp *BufferPool) drop(key frameKey) {
	if elem, ok := bp.elems[key]; ok {
		bp.lru.Remove(elem)
		delete(bp.elems, key)
	}
}

func (bp *BufferPool) loadFromDisk(key frameKey) (*Frame, error) {
	raw, err := bp.dm.ReadPage(key.table, key.isTail, key.column, key.pageIdx)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return &Frame{Page: NewPage(bp.pageSize)}, nil
	}

	data := make([]byte, bp.pageSize)
	copy(data, raw)
	count, err := bp.dm.ReadPageCount(key.table, key.isTail, key.column, key.pageIdx)
	if err != nil {
		return nil, err
	}
	if count < 0 {
		count = 0
	}
	maxRecords := bp.pageSize / CellWidth
	if count > maxRecords {
		count = maxRecords
	}
	return &Frame{Page: FromBytes(data, count)}, nil
}

// evictIfNeeded makes room for a new frame if the pool is at capacity,
// writing back the evicted frame first if it is dirty. Returns false if
// every frame is pinned and no room could be made.
func (bp *BufferPool) evictIfNeeded() (bool, error) {
	if len(bp.frames) < bp.capacity {
		return true, nil
	}

	for elem := bp.lru.Front(); elem != nil; elem = elem.Next() {
		key := elem.Value.(frameKey)
		frame, ok := bp.frames[key]
		if !ok {
			bp.drop(key)
			continue
		}
		if frame.PinCount == 0 {
			if err := bp.flushLocked(key); err != nil {
				return false, err
			}
			delete(bp.frames, key)
			bp.drop(key)
			return true, nil
		}
	}

	bp.log.WithFields(logrus.Fields{
		"capacity": bp.capacity,
	}).Warn("storage: buffer pool full and every frame is pinned, cannot evict")
	return false, nil
}

// FetchPage returns the frame for (table, isTail, column, pageIdx), loading
// it from disk on a miss. If pin is true the frame's pin count is
// incremented; callers that pin must eventually call Unpin. Returns nil,
// nil if the pool is full of pinned frames and no room can be made.
func (bp *BufferPool) FetchPage(table string, isTail bool, column, pageIdx int, pin bool) (*Frame, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	key := frameKey{table, isTail, column, pageIdx}
	frame, ok := bp.frames[key]
	if !ok {
		room, err := bp.evictIfNeeded()
		if err != nil {
			return nil, err
		}
		if !room {
			return nil, nil
		}
		frame, err = bp.loadFromDisk(key)
		if err != nil {
			return nil, err
		}
		bp.frames[key] = frame
	}
	if pin {
		frame.PinCount++
	}
	bp.touch(key)
	return frame, nil
}

// MarkDirty flags a cached frame as needing write-back. Returns false if
// the frame is not currently cached.
func (bp *BufferPool) MarkDirty(table string, isTail bool, column, pageIdx int) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	key := frameKey{table, isTail, column, pageIdx}
	frame, ok := bp.frames[key]
	if !ok {
		return false
	}
	frame.Dirty = true
	bp.touch(key)
	return true
}

// Pin increments a cached frame's pin count.
func (bp *BufferPool) Pin(table string, isTail bool, column, pageIdx int) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	key := frameKey{table, isTail, column, pageIdx}
	frame, ok := bp.frames[key]
	if !ok {
		return false
	}
	frame.PinCount++
	bp.touch(key)
	return true
}

// Unpin decrements a cached frame's pin count, never below zero.
func (bp *BufferPool) Unpin(table string, isTail bool, column, pageIdx int) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	key := frameKey{table, isTail, column, pageIdx}
	frame, ok := bp.frames[key]
	if !ok {
		return false
	}
	if frame.PinCount > 0 {
		frame.PinCount--
	}
	bp.touch(key)
	return true
}

func (bp *BufferPool) flushLocked(key frameKey) error {
	frame, ok := bp.frames[key]
	if !ok {
		return nil
	}
	if !frame.Dirty {
		return nil
	}
	if err := bp.dm.WritePage(key.table, key.isTail, key.column, key.pageIdx, frame.Page.Bytes(), frame.Page.NumRecords()); err != nil {
		return err
	}
	frame.Dirty = false
	return nil
}

// FlushPage writes a single cached frame back to disk if it is dirty.
func (bp *BufferPool) FlushPage(table string, isTail bool, column, pageIdx int) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.flushLocked(frameKey{table, isTail, column, pageIdx})
}

// FlushAll writes back every dirty frame, or only those belonging to table
// when table is non-empty.
func (bp *BufferPool) FlushAll(table string) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	keys := make([]frameKey, 0, len(bp.frames))
	for key := range bp.frames {
		if table != "" && key.table != table {
			continue
		}
		keys = append(keys, key)
	}
	for _, key := range keys {
		if err := bp.flushLocked(key); err != nil {
			return err
		}
	}
	return nil
}

// DiscardPage drops a frame from the cache, optionally flushing it first.
func (bp *BufferPool) DiscardPage(table string, isTail bool, column, pageIdx int, flush bool) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	key := frameKey{table, isTail, column, pageIdx}
	if _, ok := bp.frames[key]; !ok {
		bp.drop(key)
		return nil
	}
	if flush {
		if err := bp.flushLocked(key); err != nil {
			return err
		}
	}
	delete(bp.frames, key)
	bp.drop(key)
	return nil
}

// Size returns the number of frames currently cached.
func (bp *BufferPool) Size() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.frames)
}
