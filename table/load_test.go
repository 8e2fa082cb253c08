package table

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/Felmond13/lstoredb/config"
	"github.com/Felmond13/lstoredb/storage"
)

// writeMetadataOnly simulates a crash that flushed pages to disk but never
// reached Table.Save: metadata.txt exists (so Load can determine the
// column/key layout and RID counters) but page_directory.txt, tps.txt, and
// star_tail.txt do not, forcing Load down the slow path.
func writeMetadataOnly(t *testing.T, tbl *Table, dm *storage.DiskManager) {
	t.Helper()
	tableDir := filepath.Join(dm.Path(), tbl.Name())
	if err := os.MkdirAll(tableDir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	content := fmt.Sprintf("%d\n%d\n%d\n%d\n", tbl.numColumns, tbl.key, tbl.nextBaseRID, tbl.nextTailRID)
	if err := os.WriteFile(filepath.Join(tableDir, "metadata.txt"), []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile metadata.txt: %v", err)
	}
}

func TestLoadSlowPathRecoversUpdatedRowAfterUncleanShutdown(t *testing.T) {
	tbl, bp, dm := newTestTable(t, 2, 0)
	mustInsert(t, tbl, []int64{1, 100})
	mustInsert(t, tbl, []int64{2, 200})
	if ok, err := tbl.Update(1, []*int64{nil, i64p(111)}); err != nil || !ok {
		t.Fatalf("first update: ok=%v err=%v", ok, err)
	}
	if ok, err := tbl.Update(1, []*int64{nil, i64p(999)}); err != nil || !ok {
		t.Fatalf("second update: ok=%v err=%v", ok, err)
	}

	if err := bp.FlushAll(tbl.Name()); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	writeMetadataOnly(t, tbl, dm)

	tableDir := filepath.Join(dm.Path(), tbl.Name())
	for _, f := range []string{"page_directory.txt", "tps.txt", "star_tail.txt"} {
		if _, err := os.Stat(filepath.Join(tableDir, f)); err == nil {
			t.Fatalf("expected %s to be absent so Load takes the slow path", f)
		}
	}

	cfg := &config.Config{PageSize: 64, BasePagesPerRange: 2, BufferPoolSize: 64, MergeTailPageThreshold: 3}
	reloadBP := storage.NewBufferPool(dm, cfg.BufferPoolSize, cfg.PageSize, nil)
	reloaded, err := Load(tbl.Name(), cfg, reloadBP, dm, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	records, ok, err := reloaded.Select(1, 0, []int{1, 1})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !ok || len(records) != 1 {
		t.Fatalf("expected exactly one record for key 1, got %v (ok=%v)", records, ok)
	}
	if *records[0].Columns[1] != 999 {
		t.Fatalf("expected the latest updated value 999 to survive a slow-path reload, got %d", *records[0].Columns[1])
	}

	records, ok, err = reloaded.Select(2, 0, []int{1, 1})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !ok || len(records) != 1 || *records[0].Columns[1] != 200 {
		t.Fatalf("expected the never-updated row to read back unchanged, got %v", records)
	}

	reloaded.mu.Lock()
	rids, _ := reloaded.idx.Locate(0, 1)
	baseRID := rids[0]
	baseRecord, err := reloaded.readRecordLocked(baseRID)
	if err != nil {
		reloaded.mu.Unlock()
		t.Fatalf("readRecordLocked: %v", err)
	}
	// Chain after two updates: base -> version2 -> version1 -> floor (star).
	latestTailRID := *baseRecord[ColIndirection]
	latestTailRecord, err := reloaded.readRecordLocked(latestTailRID)
	if err != nil {
		reloaded.mu.Unlock()
		t.Fatalf("readRecordLocked(version2): %v", err)
	}
	version1RID := *latestTailRecord[ColIndirection]
	version1Record, err := reloaded.readRecordLocked(version1RID)
	if err != nil {
		reloaded.mu.Unlock()
		t.Fatalf("readRecordLocked(version1): %v", err)
	}
	floorTailRID := *version1Record[ColIndirection]
	_, isStar := reloaded.starTailRecord[floorTailRID]
	reloaded.mu.Unlock()

	if !IsTailRID(latestTailRID) {
		t.Fatalf("expected the reloaded indirection pointer to reference a tail RID, got %d", latestTailRID)
	}
	if !isStar {
		t.Error("expected the chain's floor tail record to be re-detected as a star tail record")
	}

	prior, _, err := reloaded.SelectVersion(1, 0, []int{1, 1}, -1)
	if err != nil {
		t.Fatalf("SelectVersion(-1): %v", err)
	}
	if len(prior) != 1 || *prior[0].Columns[1] != 111 {
		t.Fatalf("expected the one-version-back value 111 to be recoverable from raw tail pages, got %+v", prior)
	}
}
