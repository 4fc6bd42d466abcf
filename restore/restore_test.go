package restore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmp/strongbox/codec"
	"github.com/mmp/strongbox/crypto"
	"github.com/mmp/strongbox/errs"
	"github.com/mmp/strongbox/index"
	"github.com/mmp/strongbox/store"
)

func TestRestoreRoundTrip(t *testing.T) {
	key := crypto.DeriveKey("pw")
	dest := t.TempDir()
	st := store.New(dest)

	ix, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err, "index.Open")
	defer ix.Close()

	dirID, err := ix.EnsureDirectoryPath([]string{"docs"})
	require.NoError(t, err, "EnsureDirectoryPath")

	plaintext := []byte("restored content")
	hash := crypto.HashBlock(plaintext)
	object, err := codec.EncodeBlock(key, plaintext)
	require.NoError(t, err, "EncodeBlock")
	require.NoError(t, st.Put(hash, object), "Put")
	require.NoError(t, ix.CommitFile(dirID, "note.txt", 1000, []index.BlockRef{{Hash: hash, Size: int64(len(object))}}), "CommitFile")

	outDir := t.TempDir()
	summary, err := Run(ix, st, key, Config{Timestamp: 1000, Filter: "**", OutDir: outDir})
	require.NoError(t, err, "Run")
	assert.Equal(t, 1, summary.FilesRestored, "errors: %v", summary.Errors)

	got, err := os.ReadFile(filepath.Join(outDir, "docs", "note.txt"))
	require.NoError(t, err, "ReadFile")
	assert.Equal(t, string(plaintext), string(got))
}

func TestRestoreFilterExcludesNonMatching(t *testing.T) {
	key := crypto.DeriveKey("pw")
	dest := t.TempDir()
	st := store.New(dest)

	ix, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err, "index.Open")
	defer ix.Close()

	dirID, _ := ix.EnsureDirectoryPath(nil)
	for _, name := range []string{"a.txt", "a.jpg"} {
		plaintext := []byte(name)
		hash := crypto.HashBlock(plaintext)
		object, err := codec.EncodeBlock(key, plaintext)
		require.NoError(t, err, "EncodeBlock")
		require.NoError(t, st.Put(hash, object), "Put")
		require.NoError(t, ix.CommitFile(dirID, name, 1000, []index.BlockRef{{Hash: hash, Size: int64(len(object))}}), "CommitFile")
	}

	outDir := t.TempDir()
	summary, err := Run(ix, st, key, Config{Timestamp: 1000, Filter: "**/*.txt", OutDir: outDir})
	require.NoError(t, err, "Run")
	assert.Equal(t, 1, summary.FilesRestored, "expected only the *.txt filter match to be restored")

	_, err = os.Stat(filepath.Join(outDir, "a.jpg"))
	assert.True(t, os.IsNotExist(err), "a.jpg should not have been restored")
}

func TestRestoreContinuesAfterCorruptBlock(t *testing.T) {
	key := crypto.DeriveKey("pw")
	dest := t.TempDir()
	st := store.New(dest)

	ix, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err, "index.Open")
	defer ix.Close()

	dirID, _ := ix.EnsureDirectoryPath(nil)

	goodPlain := []byte("good file")
	goodHash := crypto.HashBlock(goodPlain)
	goodObj, err := codec.EncodeBlock(key, goodPlain)
	require.NoError(t, err, "EncodeBlock good")
	require.NoError(t, st.Put(goodHash, goodObj), "Put good")
	require.NoError(t, ix.CommitFile(dirID, "good.txt", 1000, []index.BlockRef{{Hash: goodHash, Size: int64(len(goodObj))}}), "CommitFile good")

	badPlain := []byte("bad file")
	badHash := crypto.HashBlock(badPlain)
	badObj, err := codec.EncodeBlock(key, badPlain)
	require.NoError(t, err, "EncodeBlock bad")
	// Flip a ciphertext byte (leave the IV intact): decryption still
	// "succeeds" under CBC (no integrity check), but the pad or the
	// deflate stream it unwraps to is garbage, so this must surface as
	// a Format error, not KeyMismatch — the passphrase was already
	// verified once before any block I/O (spec §4.1/§7/§8 S5).
	badObj[len(badObj)-1] ^= 0xFF
	require.NoError(t, st.Put(badHash, badObj), "Put bad")
	require.NoError(t, ix.CommitFile(dirID, "bad.txt", 1000, []index.BlockRef{{Hash: badHash, Size: int64(len(badObj))}}), "CommitFile bad")

	outDir := t.TempDir()
	summary, err := Run(ix, st, key, Config{Timestamp: 1000, Filter: "**", OutDir: outDir})
	require.NoError(t, err, "Run")
	require.Equal(t, 1, summary.FilesRestored, "expected exactly 1 file restored (good.txt)")
	require.Len(t, summary.Errors, 1, "expected exactly 1 error recorded for the corrupt block")
	assert.True(t, errs.IsKind(summary.Errors[0], errs.Format), "expected a Format error for the corrupt block, got %v", summary.Errors[0])

	_, err = os.Stat(filepath.Join(outDir, "good.txt"))
	assert.NoError(t, err, "expected good.txt to be restored")
}
