package index

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestInitSettingsRoundTrip(t *testing.T) {
	ix := openTestIndex(t)
	now := time.UnixMilli(1000)
	if err := ix.InitSettings(1<<20, "/dest", "deadbeef", now); err != nil {
		t.Fatalf("InitSettings: %v", err)
	}

	hash, ok, err := ix.GetSetting(SettingPasswordHash)
	if err != nil || !ok || hash != "deadbeef" {
		t.Fatalf("GetSetting(password_hash) = %q, %v, %v", hash, ok, err)
	}

	if err := ix.CheckKDFVersion(); err != nil {
		t.Fatalf("CheckKDFVersion: %v", err)
	}
}

func TestCheckKDFVersionRejectsUnknown(t *testing.T) {
	ix := openTestIndex(t)
	if err := ix.SetSetting(SettingKDFVersion, "99"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := ix.CheckKDFVersion(); err == nil {
		t.Fatalf("expected CheckKDFVersion to reject an unknown kdf_version")
	}
}

func TestCommitFileAndSnapshot(t *testing.T) {
	ix := openTestIndex(t)
	dirID, err := ix.EnsureDirectoryPath([]string{"sub", "dir"})
	if err != nil {
		t.Fatalf("EnsureDirectoryPath: %v", err)
	}

	blocks := []BlockRef{{Hash: "h1", Size: 10}, {Hash: "h2", Size: 20}}
	if err := ix.CommitFile(dirID, "f.txt", 1000, blocks); err != nil {
		t.Fatalf("CommitFile: %v", err)
	}

	snap, err := ix.Snapshot(1000)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 1 || snap[0].Path != "sub/dir/f.txt" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if len(snap[0].BlockHashes) != 2 || snap[0].BlockHashes[0] != "h1" || snap[0].BlockHashes[1] != "h2" {
		t.Fatalf("unexpected block order: %+v", snap[0].BlockHashes)
	}

	if exists, err := ix.BlockHashExists("h1"); err != nil || !exists {
		t.Fatalf("BlockHashExists(h1) = %v, %v", exists, err)
	}
	if exists, _ := ix.BlockHashExists("nope"); exists {
		t.Fatalf("BlockHashExists(nope) should be false")
	}
}

func TestSnapshotAtEarlierTimestampIsEmpty(t *testing.T) {
	ix := openTestIndex(t)
	dirID, _ := ix.EnsureDirectoryPath(nil)
	if err := ix.CommitFile(dirID, "f.txt", 2000, []BlockRef{{Hash: "h1", Size: 1}}); err != nil {
		t.Fatalf("CommitFile: %v", err)
	}

	snap, err := ix.Snapshot(1000)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 0 {
		t.Fatalf("expected no visible files before the file was created, got %+v", snap)
	}
}

func TestVersionedSnapshots(t *testing.T) {
	ix := openTestIndex(t)
	dirID, _ := ix.EnsureDirectoryPath(nil)

	if err := ix.CommitFile(dirID, "f.txt", 1000, []BlockRef{{Hash: "v1", Size: 1}}); err != nil {
		t.Fatalf("CommitFile v1: %v", err)
	}
	if err := ix.CommitFile(dirID, "f.txt", 2000, []BlockRef{{Hash: "v2", Size: 1}}); err != nil {
		t.Fatalf("CommitFile v2: %v", err)
	}

	at1500, err := ix.Snapshot(1500)
	if err != nil || len(at1500) != 1 || at1500[0].BlockHashes[0] != "v1" {
		t.Fatalf("Snapshot(1500) = %+v, %v", at1500, err)
	}

	at2500, err := ix.Snapshot(2500)
	if err != nil || len(at2500) != 1 || at2500[0].BlockHashes[0] != "v2" {
		t.Fatalf("Snapshot(2500) = %+v, %v", at2500, err)
	}
}

func TestPersistNullAliasHidesFile(t *testing.T) {
	ix := openTestIndex(t)
	dirID, _ := ix.EnsureDirectoryPath(nil)

	if err := ix.CommitFile(dirID, "f.txt", 1000, []BlockRef{{Hash: "v1", Size: 1}}); err != nil {
		t.Fatalf("CommitFile: %v", err)
	}
	if err := ix.PersistNullAlias(dirID, "f.txt", 2000); err != nil {
		t.Fatalf("PersistNullAlias: %v", err)
	}

	before, err := ix.Snapshot(1500)
	if err != nil || len(before) != 1 {
		t.Fatalf("Snapshot(1500) = %+v, %v", before, err)
	}

	after, err := ix.Snapshot(2500)
	if err != nil || len(after) != 0 {
		t.Fatalf("Snapshot(2500) should hide a deleted file, got %+v, %v", after, err)
	}

	live, err := ix.LiveFilenames(dirID)
	if err != nil {
		t.Fatalf("LiveFilenames: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("LiveFilenames should be empty after a null alias, got %v", live)
	}
}

func TestLatestAliasTimestampChangeDetection(t *testing.T) {
	ix := openTestIndex(t)
	dirID, _ := ix.EnsureDirectoryPath(nil)

	if _, found, err := ix.LatestAliasTimestamp(dirID, "f.txt"); err != nil || found {
		t.Fatalf("expected no alias yet, found=%v err=%v", found, err)
	}

	if err := ix.CommitFile(dirID, "f.txt", 1000, []BlockRef{{Hash: "v1", Size: 1}}); err != nil {
		t.Fatalf("CommitFile: %v", err)
	}

	ts, found, err := ix.LatestAliasTimestamp(dirID, "f.txt")
	if err != nil || !found || ts != 1000 {
		t.Fatalf("LatestAliasTimestamp = %d, %v, %v", ts, found, err)
	}
}

func TestCleanupRemovesSupersededAliasesAndOrphanBlocks(t *testing.T) {
	ix := openTestIndex(t)
	dirID, _ := ix.EnsureDirectoryPath(nil)

	dayMs := int64(24 * 60 * 60 * 1000)
	if err := ix.CommitFile(dirID, "f.txt", 0, []BlockRef{{Hash: "v1", Size: 1}}); err != nil {
		t.Fatalf("CommitFile v1: %v", err)
	}
	if err := ix.CommitFile(dirID, "f.txt", 400*dayMs, []BlockRef{{Hash: "v2", Size: 1}}); err != nil {
		t.Fatalf("CommitFile v2: %v", err)
	}

	now := 400 * dayMs
	orphans, err := ix.Cleanup(now, 183)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(orphans) != 1 || orphans[0] != "v1" {
		t.Fatalf("expected v1 orphaned, got %v", orphans)
	}

	for _, h := range orphans {
		if err := ix.DeleteBlockRow(h); err != nil {
			t.Fatalf("DeleteBlockRow: %v", err)
		}
	}

	if exists, _ := ix.BlockHashExists("v1"); exists {
		t.Fatalf("v1 block row should be gone after cleanup")
	}
	if exists, _ := ix.BlockHashExists("v2"); !exists {
		t.Fatalf("v2 block row should survive cleanup")
	}
}

func TestCommitFileDedupsBlockRows(t *testing.T) {
	ix := openTestIndex(t)
	dirID, _ := ix.EnsureDirectoryPath(nil)

	if err := ix.CommitFile(dirID, "a.txt", 1000, []BlockRef{{Hash: "shared", Size: 5}}); err != nil {
		t.Fatalf("CommitFile a: %v", err)
	}
	if err := ix.CommitFile(dirID, "b.txt", 1000, []BlockRef{{Hash: "shared", Size: 5}}); err != nil {
		t.Fatalf("CommitFile b: %v", err)
	}

	var count int
	if err := ix.db.QueryRow(`SELECT COUNT(*) FROM block WHERE hash = 'shared'`).Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one block row for a shared hash, got %d", count)
	}
}
