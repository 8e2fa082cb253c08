package index

import "testing"

type fakeSource struct {
	rids    []int64
	records map[int64][]int64
}

func (f *fakeSource) BaseRIDs() []int64 { return f.rids }
func (f *fakeSource) ReadLatestRecord(rid int64) ([]int64, error) {
	rec, ok := f.records[rid]
	if !ok {
		return nil, nil
	}
	return rec, nil
}

func TestInsertKeyUniqueAndSorted(t *testing.T) {
	ix := New(3, 0)
	if !ix.InsertKey(5, 100) {
		t.Fatal("first insert should succeed")
	}
	if ix.InsertKey(5, 200) {
		t.Fatal("duplicate key should fail")
	}
	ix.InsertKey(2, 50)
	ix.InsertKey(8, 300)

	rids := ix.LocateRange(0, 10, 0)
	if len(rids) != 3 {
		t.Fatalf("expected 3 rids in range, got %v", rids)
	}
	if rids[0] != 50 || rids[1] != 100 || rids[2] != 300 {
		t.Errorf("expected ascending key order, got %v", rids)
	}
}

func TestLocatePrimary(t *testing.T) {
	ix := New(2, 0)
	ix.InsertKey(7, 1000)

	rids, ok := ix.Locate(0, 7)
	if !ok || len(rids) != 1 || rids[0] != 1000 {
		t.Fatalf("expected [1000], got %v ok=%v", rids, ok)
	}

	rids, ok = ix.Locate(0, 999)
	if !ok || len(rids) != 0 {
		t.Fatalf("expected empty match for missing key, got %v ok=%v", rids, ok)
	}
}

func TestSecondaryIndexLifecycle(t *testing.T) {
	ix := New(2, 0)
	ix.InsertKey(1, 10)
	ix.InsertKey(2, 20)

	// Not active until CreateIndex.
	if _, ok := ix.Locate(1, 99); ok {
		t.Fatal("inactive secondary index should report ok=false")
	}

	src := &fakeSource{
		rids: []int64{10, 20},
		records: map[int64][]int64{
			10: {0, 10, 0, 0, 1, 99},
			20: {0, 20, 0, 0, 2, 99},
		},
	}
	if !ix.CreateIndex(1, src) {
		t.Fatal("CreateIndex should succeed")
	}

	rids, ok := ix.Locate(1, 99)
	if !ok || len(rids) != 2 {
		t.Fatalf("expected both rids backfilled, got %v ok=%v", rids, ok)
	}

	ix.RemoveRecord(10, []int64{1, 99})
	rids, _ = ix.Locate(1, 99)
	if len(rids) != 1 || rids[0] != 20 {
		t.Fatalf("expected only rid 20 left, got %v", rids)
	}

	if !ix.DropIndex(1) {
		t.Fatal("DropIndex should succeed")
	}
	if _, ok := ix.Locate(1, 99); ok {
		t.Fatal("expected index inactive after drop")
	}
}

func TestPrimaryIndexCannotBeDropped(t *testing.T) {
	ix := New(2, 0)
	if ix.DropIndex(0) {
		t.Fatal("dropping the primary key index should fail")
	}
	if !ix.CreateIndex(0, &fakeSource{}) {
		t.Fatal("CreateIndex on the primary key column should be a no-op success")
	}
}

func TestDeleteIndex(t *testing.T) {
	ix := New(2, 0)
	ix.InsertKey(3, 30)
	if !ix.DeleteIndex(3) {
		t.Fatal("expected delete to succeed")
	}
	if ix.DeleteIndex(3) {
		t.Fatal("second delete of the same key should fail")
	}
	if rids := ix.LocateRange(0, 100, 0); len(rids) != 0 {
		t.Errorf("expected no rids after delete, got %v", rids)
	}
}

func TestUpdateRecordMovesSecondaryBucket(t *testing.T) {
	ix := New(2, 0)
	ix.InsertKey(1, 10)
	ix.CreateIndex(1, &fakeSource{})

	ix.AddRecord(10, []int64{1, 50})
	rids, _ := ix.Locate(1, 50)
	if len(rids) != 1 {
		t.Fatalf("expected rid registered under old value, got %v", rids)
	}

	ix.UpdateRecord(10, []int64{1, 50}, []int64{1, 75})
	if rids, _ := ix.Locate(1, 50); len(rids) != 0 {
		t.Errorf("expected old bucket emptied, got %v", rids)
	}
	if rids, _ := ix.Locate(1, 75); len(rids) != 1 {
		t.Errorf("expected new bucket populated, got %v", rids)
	}
}
