package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/proxy-pool-manager/internal/types"
)

func sampleSnapshot() *types.Snapshot {
	return &types.Snapshot{
		Records: []types.ProxyRecord{
			{
				Host:          "1.2.3.4",
				Port:          8080,
				Source:        "monosans",
				Protocols:     []types.Protocol{types.ProtocolHTTP, types.ProtocolHTTPS},
				Status:        types.StatusValid,
				LatencyMs:     120,
				LastCheckedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
				LastSuccessAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			},
			{
				Host:                "5.6.7.8",
				Port:                3128,
				Source:              "spys_one",
				Status:              types.StatusDead,
				ConsecutiveFailures: 1,
				DeadCycles:          2,
			},
		},
		SavedAt: time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC),
	}
}

func compareSnapshots(t *testing.T, want, got *types.Snapshot) {
	t.Helper()
	if got == nil {
		t.Fatal("Expected a snapshot, got nil")
	}
	if len(got.Records) != len(want.Records) {
		t.Fatalf("Expected %d records, got %d", len(want.Records), len(got.Records))
	}
	for i := range want.Records {
		w, g := want.Records[i], got.Records[i]
		if g.Host != w.Host || g.Port != w.Port || g.Source != w.Source || g.Status != w.Status {
			t.Errorf("Record %d: expected %+v, got %+v", i, w, g)
		}
		if g.ConsecutiveFailures != w.ConsecutiveFailures || g.DeadCycles != w.DeadCycles || g.LatencyMs != w.LatencyMs {
			t.Errorf("Record %d counters: expected %+v, got %+v", i, w, g)
		}
		if len(g.Protocols) != len(w.Protocols) {
			t.Errorf("Record %d: expected protocols %v, got %v", i, w.Protocols, g.Protocols)
			continue
		}
		for j := range w.Protocols {
			if g.Protocols[j] != w.Protocols[j] {
				t.Errorf("Record %d: expected protocols %v, got %v", i, w.Protocols, g.Protocols)
			}
		}
		if !g.LastCheckedAt.Equal(w.LastCheckedAt) || !g.LastSuccessAt.Equal(w.LastSuccessAt) {
			t.Errorf("Record %d timestamps: expected %v/%v, got %v/%v",
				i, w.LastCheckedAt, w.LastSuccessAt, g.LastCheckedAt, g.LastSuccessAt)
		}
	}
	if !got.SavedAt.Equal(want.SavedAt) {
		t.Errorf("Expected SavedAt %v, got %v", want.SavedAt, got.SavedAt)
	}
}

func TestFileStorage_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool", "proxies.json")
	store, err := NewFileStorage(path)
	if err != nil {
		t.Fatalf("NewFileStorage failed: %v", err)
	}
	defer store.Close()

	want := sampleSnapshot()
	if err := store.Save(want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("Expected the temp file to be renamed away")
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	compareSnapshots(t, want, got)
}

func TestFileStorage_LoadMissing(t *testing.T) {
	store, err := NewFileStorage(filepath.Join(t.TempDir(), "proxies.json"))
	if err != nil {
		t.Fatalf("NewFileStorage failed: %v", err)
	}

	snap, err := store.Load()
	if err != nil {
		t.Errorf("Expected a missing snapshot to be silent, got %v", err)
	}
	if snap != nil {
		t.Errorf("Expected nil snapshot, got %+v", snap)
	}
}

func TestFileStorage_LoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxies.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	store, _ := NewFileStorage(path)
	if _, err := store.Load(); err == nil {
		t.Error("Expected corrupt JSON to surface an error")
	}
}

func TestSQLiteStorage_Roundtrip(t *testing.T) {
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "pool.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStorage failed: %v", err)
	}
	defer store.Close()

	want := sampleSnapshot()
	if err := store.Save(want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	compareSnapshots(t, want, got)

	// A second save replaces the table instead of appending.
	want.Records = want.Records[:1]
	if err := store.Save(want); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}
	got, err = store.Load()
	if err != nil {
		t.Fatalf("Second load failed: %v", err)
	}
	if len(got.Records) != 1 {
		t.Errorf("Expected the snapshot replaced, got %d records", len(got.Records))
	}
}

func TestSQLiteStorage_LoadEmpty(t *testing.T) {
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "pool.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStorage failed: %v", err)
	}
	defer store.Close()

	snap, err := store.Load()
	if err != nil {
		t.Errorf("Expected an empty database to be silent, got %v", err)
	}
	if snap != nil {
		t.Errorf("Expected nil snapshot, got %+v", snap)
	}
}

func TestProtocolsEncoding(t *testing.T) {
	both := []types.Protocol{types.ProtocolHTTP, types.ProtocolHTTPS}
	if s := joinProtocols(both); s != "http,https" {
		t.Errorf("Expected 'http,https', got '%s'", s)
	}
	if got := splitProtocols("http,https"); len(got) != 2 || got[0] != types.ProtocolHTTP || got[1] != types.ProtocolHTTPS {
		t.Errorf("Expected both protocols back, got %v", got)
	}
	if got := splitProtocols(""); got != nil {
		t.Errorf("Expected nil for empty input, got %v", got)
	}
}

func TestNewStorage_Factory(t *testing.T) {
	store, err := NewStorage("file", filepath.Join(t.TempDir(), "p.json"))
	if err != nil {
		t.Fatalf("Expected file storage to build, got %v", err)
	}
	if _, ok := store.(*FileStorage); !ok {
		t.Errorf("Expected *FileStorage, got %T", store)
	}

	if _, err := NewStorage("bogus", "x"); err == nil || !strings.Contains(err.Error(), "unknown storage type") {
		t.Errorf("Expected the unknown type to be rejected, got %v", err)
	}
}
