package scan

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmp/strongbox/index"
)

func openTestIndex(t *testing.T) *index.Index {
	t.Helper()
	ix, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

func writeFileAt(t *testing.T, path string, content string, mtime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
}

func TestScanFindsNewFiles(t *testing.T) {
	root := t.TempDir()
	ix := openTestIndex(t)

	t0 := time.Unix(1000, 0)
	writeFileAt(t, filepath.Join(root, "a.txt"), "hello", t0)
	writeFileAt(t, filepath.Join(root, "sub", "b.txt"), "world", t0.Add(time.Second))

	res, err := Scan(root, ix, ".strongbox")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Work) != 2 {
		t.Fatalf("expected 2 work items, got %d: %+v", len(res.Work), res.Work)
	}
	if res.Work[0].RelPath != "a.txt" || res.Work[1].RelPath != "sub/b.txt" {
		t.Fatalf("expected ascending-mtime order a.txt then sub/b.txt, got %v, %v", res.Work[0].RelPath, res.Work[1].RelPath)
	}
}

func TestScanSkipsIndexFileAtRoot(t *testing.T) {
	root := t.TempDir()
	ix := openTestIndex(t)

	writeFileAt(t, filepath.Join(root, ".strongbox"), "not real data", time.Now())
	writeFileAt(t, filepath.Join(root, "a.txt"), "hello", time.Now())

	res, err := Scan(root, ix, ".strongbox")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Work) != 1 || res.Work[0].RelPath != "a.txt" {
		t.Fatalf("expected only a.txt, got %+v", res.Work)
	}
}

func TestScanSkipsUnchangedFile(t *testing.T) {
	root := t.TempDir()
	ix := openTestIndex(t)

	mtime := time.Unix(5000, 0)
	writeFileAt(t, filepath.Join(root, "a.txt"), "hello", mtime)

	dirID, err := ix.EnsureDirectoryPath(nil)
	if err != nil {
		t.Fatalf("EnsureDirectoryPath: %v", err)
	}
	if err := ix.CommitFile(dirID, "a.txt", mtime.UnixMilli(), []index.BlockRef{{Hash: "h1", Size: 5}}); err != nil {
		t.Fatalf("CommitFile: %v", err)
	}

	res, err := Scan(root, ix, ".strongbox")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Work) != 0 {
		t.Fatalf("expected no work items for an already-committed, unmodified file, got %+v", res.Work)
	}
}

func TestScanDetectsDeletion(t *testing.T) {
	root := t.TempDir()
	ix := openTestIndex(t)

	mtime := time.Unix(5000, 0)
	writeFileAt(t, filepath.Join(root, "a.txt"), "hello", mtime)

	dirID, err := ix.EnsureDirectoryPath(nil)
	if err != nil {
		t.Fatalf("EnsureDirectoryPath: %v", err)
	}
	if err := ix.CommitFile(dirID, "a.txt", mtime.UnixMilli(), []index.BlockRef{{Hash: "h1", Size: 5}}); err != nil {
		t.Fatalf("CommitFile: %v", err)
	}

	if err := os.Remove(filepath.Join(root, "a.txt")); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	res, err := Scan(root, ix, ".strongbox")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.NullAliases) != 1 || res.NullAliases[0].Name != "a.txt" {
		t.Fatalf("expected a.txt to be detected as deleted, got %+v", res.NullAliases)
	}
}
