// Package scan implements C5: depth-first traversal of the source
// tree, per-file change detection against the index, global
// ascending-mtime ordering, and inline deletion detection.
package scan

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/mmp/strongbox/errs"
	"github.com/mmp/strongbox/index"
)

// WorkItem is one changed file the coordinator should stream through
// the pipeline.
type WorkItem struct {
	RelPath  string // path relative to the source root, using '/'
	AbsPath  string
	DirID    int64
	Name     string
	ModTime  time.Time
	Size     int64
}

// NullAliasItem is a path the index believes exists but which the
// traversal did not find — a deletion candidate (SPEC_FULL.md §5).
type NullAliasItem struct {
	DirID int64
	Name  string
}

// Result is the outcome of one full traversal.
type Result struct {
	Work        []WorkItem // sorted by ascending ModTime across the whole tree
	NullAliases []NullAliasItem
}

// Scan walks sourceRoot depth-first, skipping indexFileName at the
// root (the hidden index file lives inside the source tree but is
// never itself backed up), resolving/creating directory rows in ix as
// it goes, and comparing each file's mtime against the latest alias
// already recorded for it.
func Scan(sourceRoot string, ix *index.Index, indexFileName string) (*Result, error) {
	w := &walker{
		root:          sourceRoot,
		ix:            ix,
		indexFileName: indexFileName,
	}
	if err := w.walkDir(sourceRoot, nil); err != nil {
		return nil, err
	}

	sort.SliceStable(w.work, func(i, j int) bool {
		return w.work[i].ModTime.Before(w.work[j].ModTime)
	})

	return &Result{Work: w.work, NullAliases: w.nullAliases}, nil
}

type walker struct {
	root          string
	ix            *index.Index
	indexFileName string

	work        []WorkItem
	nullAliases []NullAliasItem
}

func (w *walker) walkDir(absDir string, segments []string) error {
	dirID, err := w.ix.EnsureDirectoryPath(segments)
	if err != nil {
		return err
	}

	live, err := w.ix.LiveFilenames(dirID)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(live))

	entries, err := os.ReadDir(absDir)
	if err != nil {
		return errs.New(errs.Io, absDir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if len(segments) == 0 && name == w.indexFileName {
			continue
		}

		absPath := filepath.Join(absDir, name)

		if entry.IsDir() {
			if err := w.walkDir(absPath, append(append([]string{}, segments...), name)); err != nil {
				return err
			}
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// Per-file Io faults are recoverable: skip this file, keep
			// walking the rest of the tree.
			continue
		}

		seen[name] = true

		latest, found, err := w.ix.LatestAliasTimestamp(dirID, name)
		if err != nil {
			return err
		}
		mtimeMs := info.ModTime().UnixMilli()
		if found && mtimeMs <= latest {
			continue
		}

		rel, err := filepath.Rel(w.root, absPath)
		if err != nil {
			return errs.Wrap(errs.Other, err)
		}

		w.work = append(w.work, WorkItem{
			RelPath: filepath.ToSlash(rel),
			AbsPath: absPath,
			DirID:   dirID,
			Name:    name,
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
	}

	for _, name := range lo.Without(live, lo.Keys(seen)...) {
		w.nullAliases = append(w.nullAliases, NullAliasItem{DirID: dirID, Name: name})
	}

	return nil
}
