package index

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileYieldsEmptyIndex(t *testing.T) {
	idx, err := Load(filepath.Join(t.TempDir(), "assets.json"))
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if idx.Len() != 0 {
		t.Fatalf("expected empty index, got %d assets", idx.Len())
	}
}

func TestUpsertSaveReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assets.json")
	idx, err := Load(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}

	asset := testAsset("kuid:1234:100001", "d3b07384d113edec49eaa6238ad5ff00aabbccdd")
	if err := idx.Upsert(asset); err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	if err := idx.Save(); err != nil {
		t.Fatalf("save error: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	got, err := reloaded.ByKUID(asset.KUID)
	if err != nil {
		t.Fatalf("lookup error: %v", err)
	}
	if got.FileID != asset.FileID || got.SHA1 != asset.SHA1 {
		t.Fatalf("reloaded asset mismatch: %+v", got)
	}
	if _, err := reloaded.ByFileID(asset.FileID); err != nil {
		t.Fatalf("by-file lookup error: %v", err)
	}
}

func TestLookupMissing(t *testing.T) {
	idx := newTestIndex(t)
	if _, err := idx.ByKUID("kuid:9:9"); err != ErrAssetNotFound {
		t.Fatalf("expected ErrAssetNotFound, got %v", err)
	}
	if _, err := idx.ByFileID("ffffffffffffffffffffffffffffffff"); err != ErrAssetNotFound {
		t.Fatalf("expected ErrAssetNotFound, got %v", err)
	}
}

func TestUpsertReplacesFileMapping(t *testing.T) {
	idx := newTestIndex(t)
	first := testAsset("kuid:1:1", "aa")
	first.FileID = "11111111111111111111111111111111"
	if err := idx.Upsert(first); err != nil {
		t.Fatalf("upsert error: %v", err)
	}

	second := first
	second.FileID = "22222222222222222222222222222222"
	second.Revision = first.Revision + 1
	if err := idx.Upsert(second); err != nil {
		t.Fatalf("upsert error: %v", err)
	}

	if _, err := idx.ByFileID(first.FileID); err != ErrAssetNotFound {
		t.Fatalf("stale file mapping should be removed, got %v", err)
	}
	got, err := idx.ByFileID(second.FileID)
	if err != nil {
		t.Fatalf("by-file lookup error: %v", err)
	}
	if got.Revision != second.Revision {
		t.Fatalf("expected revision %d, got %d", second.Revision, got.Revision)
	}
}

func TestListFiltersAndOrder(t *testing.T) {
	idx := newTestIndex(t)
	now := time.Now().UTC()

	assets := []Asset{
		{Username: "zed", KUID: "kuid:3:3", SHA1: "cc", FileID: "f3", Revision: 3, LastUpdate: now},
		{Username: "alice", KUID: "kuid:1:1", SHA1: "aa", FileID: "f1", Revision: 1, LastUpdate: now.Add(-48 * time.Hour)},
		{Username: "alice", KUID: "kuid:2:2", SHA1: "bb", FileID: "f2", Revision: 2, LastUpdate: now},
	}
	for _, asset := range assets {
		if err := idx.Upsert(asset); err != nil {
			t.Fatalf("upsert error: %v", err)
		}
	}

	all := idx.List(Filter{})
	if len(all) != 3 {
		t.Fatalf("expected 3 assets, got %d", len(all))
	}
	if all[0].Username != "alice" || all[2].Username != "zed" {
		t.Fatalf("expected username ordering, got %+v", all)
	}

	recent := idx.List(Filter{MinRevision: 2})
	if len(recent) != 2 {
		t.Fatalf("expected 2 assets with revision >= 2, got %d", len(recent))
	}

	updated := idx.List(Filter{MinLastUpdate: now.Add(-time.Hour)})
	if len(updated) != 2 {
		t.Fatalf("expected 2 recently updated assets, got %d", len(updated))
	}
}

func TestImportFile(t *testing.T) {
	dir := t.TempDir()
	importPath := filepath.Join(dir, "export.json")
	payload := `{"assets":[
		{"username":"alice","kuid":"kuid:1:1","sha1":"aa","file_id":"f1","revision":1,"last_update":"2024-05-01T00:00:00Z"},
		{"username":"bob","kuid":"kuid2:2:2:1","sha1":"bb","file_id":"f2","revision":2,"last_update":"2024-06-01T00:00:00Z"}
	]}`
	if err := os.WriteFile(importPath, []byte(payload), 0o600); err != nil {
		t.Fatalf("write export error: %v", err)
	}

	idx, err := Load(filepath.Join(dir, "assets.json"))
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	count, err := idx.ImportFile(importPath)
	if err != nil {
		t.Fatalf("import error: %v", err)
	}
	if count != 2 || idx.Len() != 2 {
		t.Fatalf("expected 2 imported assets, got count=%d len=%d", count, idx.Len())
	}
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Load(filepath.Join(t.TempDir(), "assets.json"))
	if err != nil {
		t.Fatalf("failed to create index: %v", err)
	}
	return idx
}

func testAsset(kuid, sha1 string) Asset {
	return Asset{
		Username:   "alice",
		KUID:       kuid,
		SHA1:       sha1,
		FileID:     "0123456789abcdef0123456789abcdef",
		Revision:   1,
		LastUpdate: time.Now().UTC(),
	}
}
