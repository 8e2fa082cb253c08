package storage

import (
	"testing"
)

func TestDiskManagerWriteReadRoundTrip(t *testing.T) {
	dm, err := NewDiskManager(t.TempDir(), 4096)
	if err != nil {
		t.Fatalf("NewDiskManager: %v", err)
	}

	data := make([]byte, 32)
	for i := range data {
		data[i] = byte(i)
	}

	if err := dm.WritePage("grades", false, 1, 0, data, 4); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	got, err := dm.ReadPage("grades", false, 1, 0)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if len(got) != 4096 {
		t.Fatalf("expected page padded to 4096 bytes, got %d", len(got))
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d mismatch: want %d got %d", i, data[i], got[i])
		}
	}

	count, err := dm.ReadPageCount("grades", false, 1, 0)
	if err != nil {
		t.Fatalf("ReadPageCount: %v", err)
	}
	if count != 4 {
		t.Errorf("expected count 4, got %d", count)
	}
}

func TestDiskManagerReadMissingPageReturnsNil(t *testing.T) {
	dm, err := NewDiskManager(t.TempDir(), 4096)
	if err != nil {
		t.Fatal(err)
	}
	data, err := dm.ReadPage("grades", false, 0, 0)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if data != nil {
		t.Error("expected nil for a page that was never written")
	}
	count, err := dm.ReadPageCount("grades", false, 0, 0)
	if err != nil {
		t.Fatalf("ReadPageCount: %v", err)
	}
	if count != 0 {
		t.Errorf("expected count 0 for missing page, got %d", count)
	}
}

func TestDiskManagerClipsOversizedData(t *testing.T) {
	dm, err := NewDiskManager(t.TempDir(), 8)
	if err != nil {
		t.Fatal(err)
	}
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if err := dm.WritePage("t", true, 0, 3, data, 1); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	got, err := dm.ReadPage("t", true, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 8 {
		t.Fatalf("expected clip to 8 bytes, got %d", len(got))
	}
}

func TestDiskManagerDeletePage(t *testing.T) {
	dm, err := NewDiskManager(t.TempDir(), 16)
	if err != nil {
		t.Fatal(err)
	}
	if err := dm.WritePage("t", false, 2, 1, make([]byte, 16), 0); err != nil {
		t.Fatal(err)
	}
	if err := dm.DeletePage("t", false, 2, 1); err != nil {
		t.Fatalf("DeletePage: %v", err)
	}
	data, err := dm.ReadPage("t", false, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if data != nil {
		t.Error("expected page to be gone after DeletePage")
	}
	// Deleting again is not an error.
	if err := dm.DeletePage("t", false, 2, 1); err != nil {
		t.Fatalf("second DeletePage: %v", err)
	}
}

func TestDiskManagerListPageIndexesAndColumns(t *testing.T) {
	dm, err := NewDiskManager(t.TempDir(), 16)
	if err != nil {
		t.Fatal(err)
	}
	for _, col := range []int{0, 1} {
		for _, idx := range []int{0, 1, 2} {
			if err := dm.WritePage("t", true, col, idx, make([]byte, 16), 1); err != nil {
				t.Fatal(err)
			}
		}
	}

	cols, err := dm.ListColumns("t", true)
	if err != nil {
		t.Fatalf("ListColumns: %v", err)
	}
	if len(cols) != 2 {
		t.Errorf("expected 2 columns, got %v", cols)
	}

	indexes, err := dm.ListPageIndexes("t", true, 0)
	if err != nil {
		t.Fatalf("ListPageIndexes: %v", err)
	}
	if len(indexes) != 3 {
		t.Errorf("expected 3 page indexes, got %v", indexes)
	}
}
