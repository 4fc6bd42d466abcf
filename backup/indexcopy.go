package backup

import (
	"os"
	"path/filepath"

	"github.com/mmp/strongbox/codec"
	"github.com/mmp/strongbox/crypto"
	"github.com/mmp/strongbox/errs"
)

// IndexCopyName is the fixed filename under the destination directory
// that holds the encrypted copy of the local index, per spec §6's
// persisted-state note that a lost source tree must be recoverable
// from the destination alone.
const IndexCopyName = "index.enc"

// ExportIndexCopy reads the local sqlite index file at indexPath,
// compresses and encrypts it with the same EncryptedBlockObject
// codec used for blocks, and writes it to destDir/index.enc. Called
// by the CLI after a successful backup run.
func ExportIndexCopy(key crypto.Key, indexPath, destDir string) error {
	raw, err := os.ReadFile(indexPath)
	if err != nil {
		return errs.New(errs.Io, indexPath, err)
	}

	object, err := codec.EncodeBlock(key, raw)
	if err != nil {
		return err
	}

	dst := filepath.Join(destDir, IndexCopyName)
	tmp, err := os.CreateTemp(destDir, ".tmp-"+IndexCopyName+"-*")
	if err != nil {
		return errs.New(errs.Io, dst, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(object); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.New(errs.Io, dst, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errs.New(errs.Io, dst, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return errs.New(errs.Io, dst, err)
	}
	return nil
}

// ImportIndexCopy reads destDir/index.enc, decrypts and decompresses
// it, and writes the plaintext sqlite file to outPath — used to
// bootstrap a restore when the original source tree (and its local
// index) is unavailable.
func ImportIndexCopy(key crypto.Key, destDir, outPath string) error {
	src := filepath.Join(destDir, IndexCopyName)
	object, err := os.ReadFile(src)
	if err != nil {
		return errs.New(errs.Io, src, err)
	}

	raw, err := codec.DecodeBlock(key, object)
	if err != nil {
		return err
	}

	return os.WriteFile(outPath, raw, 0o600)
}
