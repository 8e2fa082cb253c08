package db

import (
	"testing"

	"github.com/Felmond13/lstoredb/config"
)

func testConfig() *config.Config {
	return &config.Config{
		PageSize:               64,
		BasePagesPerRange:      2,
		BufferPoolSize:         64,
		MergeTailPageThreshold: 10,
	}
}

func TestOpenCreateInsertCloseReopen(t *testing.T) {
	dir := t.TempDir()

	database, err := Open(dir, testConfig(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	tbl := database.CreateTable("grades", 2, 0)
	if tbl == nil {
		t.Fatal("CreateTable returned nil")
	}
	if ok, err := tbl.Insert([]int64{1, 100}); err != nil || !ok {
		t.Fatalf("Insert: ok=%v err=%v", ok, err)
	}

	if err := database.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir, testConfig(), nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	reloaded := reopened.GetTable("grades")
	if reloaded == nil {
		t.Fatal("expected table 'grades' to be reloaded from disk")
	}
	records, ok, err := reloaded.Select(1, 0, []int{1, 1})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !ok || len(records) != 1 || *records[0].Columns[1] != 100 {
		t.Fatalf("expected reloaded row [1,100], got %+v", records)
	}
}

func TestOpenRefusesSecondConcurrentOpen(t *testing.T) {
	dir := t.TempDir()

	first, err := Open(dir, testConfig(), nil)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	defer first.Close()

	if _, err := Open(dir, testConfig(), nil); err == nil {
		t.Fatal("expected second Open of the same directory to fail while the first is still open")
	}
}

func TestCreateTableRejectsDuplicateName(t *testing.T) {
	dir := t.TempDir()
	database, err := Open(dir, testConfig(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer database.Close()

	if database.CreateTable("grades", 2, 0) == nil {
		t.Fatal("expected first CreateTable to succeed")
	}
	if database.CreateTable("grades", 2, 0) != nil {
		t.Fatal("expected duplicate CreateTable to return nil")
	}
}

func TestDropTableRemovesFromRegistry(t *testing.T) {
	dir := t.TempDir()
	database, err := Open(dir, testConfig(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer database.Close()

	database.CreateTable("grades", 2, 0)
	if !database.DropTable("grades") {
		t.Fatal("expected DropTable to succeed")
	}
	if database.GetTable("grades") != nil {
		t.Fatal("expected table to be gone after DropTable")
	}
	if database.DropTable("grades") {
		t.Fatal("expected second DropTable to fail")
	}
}
