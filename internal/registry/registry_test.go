package registry

import (
	"path/filepath"
	"testing"
	"time"
)

func TestPutThenGetRoundTrips(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	rec := Record{
		DeviceID:  "abc123",
		LastSeen:  time.Now().Truncate(time.Second),
		Label:     "My KeepKey",
		SetupStep: "ready",
	}
	if err := store.Put(rec); err != nil {
		t.Fatal(err)
	}

	got, ok, err := store.Get("abc123")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected record to be found")
	}
	if got.Label != rec.Label || got.SetupStep != rec.SetupStep {
		t.Fatalf("got = %+v, want %+v", got, rec)
	}
}

func TestGetMissingReturnsNotOK(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	_, ok, err := store.Get("ghost")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected not found")
	}
}

func TestPutOverwritesExisting(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	first := Record{DeviceID: "d1", Label: "first"}
	second := Record{DeviceID: "d1", Label: "second"}
	if err := store.Put(first); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(second); err != nil {
		t.Fatal(err)
	}

	got, _, err := store.Get("d1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Label != "second" {
		t.Fatalf("label = %q, want second", got.Label)
	}
}

func TestExportImportYAMLRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "registry.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if err := store.Put(Record{DeviceID: "a", Label: "A"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(Record{DeviceID: "b", Label: "B"}); err != nil {
		t.Fatal(err)
	}

	snapshotPath := filepath.Join(dir, "snapshot.yaml")
	if err := ExportYAML(store, snapshotPath); err != nil {
		t.Fatal(err)
	}

	store2, err := Open(filepath.Join(dir, "registry2.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store2.Close()

	if err := ImportYAML(store2, snapshotPath); err != nil {
		t.Fatal(err)
	}

	all, err := store2.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}
}
