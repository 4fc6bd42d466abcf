// Package index implements C4: the durable relational store of
// files, directories, aliases, blocks, and settings, plus the
// transactional commit that is the engine's crash-safety barrier.
package index

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mmp/strongbox/errs"
)

const RootDirectoryID int64 = 1

// BlockRef is one block of a file's content, already durable at the
// destination by the time it is passed to CommitFile.
type BlockRef struct {
	Hash string
	Size int64 // compressed payload length, per spec §4.4
}

// SnapshotEntry is one live file visible at a chosen timestamp.
type SnapshotEntry struct {
	Path        string
	BlockHashes []string
}

// Index wraps the relational store described in spec §4.4. All
// methods are safe only under the single-writer assumption spec §5
// makes explicit (no concurrent processes on the same index).
type Index struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite-backed index at path,
// runs any pending migrations, and refuses an index whose kdf_version
// this build does not understand.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.Database, err)
	}
	if err := ConfigureDatabase(db); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.Database, err)
	}
	ix := &Index{db: db}
	if err := ix.CheckKDFVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return ix, nil
}

func (ix *Index) Close() error {
	return ix.db.Close()
}

// --- settings -------------------------------------------------------

const (
	SettingBlockSize    = "block_size"
	SettingDestination  = "destination"
	SettingPasswordHash = "password_hash"
	SettingCreatedAt    = "created_at"
	SettingKDFVersion   = "kdf_version"

	CurrentKDFVersion = "1" // double-MD5, see crypto.DeriveKey
)

func (ix *Index) SetSetting(key, value string) error {
	_, err := ix.db.Exec(`INSERT INTO setting (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return errs.Wrap(errs.Database, err)
	}
	return nil
}

func (ix *Index) GetSetting(key string) (string, bool, error) {
	var value string
	err := ix.db.QueryRow(`SELECT value FROM setting WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Wrap(errs.Database, err)
	}
	return value, true, nil
}

// InitSettings records the one-time configuration established at
// `init`: block size, destination, password hash, creation time, and
// the KDF version gate (SPEC_FULL.md §5).
func (ix *Index) InitSettings(blockSize int, destination, passwordHash string, createdAt time.Time) error {
	settings := map[string]string{
		SettingBlockSize:    fmt.Sprintf("%d", blockSize),
		SettingDestination:  destination,
		SettingPasswordHash: passwordHash,
		SettingCreatedAt:    fmt.Sprintf("%d", createdAt.UnixMilli()),
		SettingKDFVersion:   CurrentKDFVersion,
	}
	for k, v := range settings {
		if err := ix.SetSetting(k, v); err != nil {
			return err
		}
	}
	return nil
}

// CheckKDFVersion refuses to open an index whose KDF version this
// implementation doesn't know how to read, per spec §9's request for
// a version gate ahead of any future KDF migration.
func (ix *Index) CheckKDFVersion() error {
	v, ok, err := ix.GetSetting(SettingKDFVersion)
	if err != nil {
		return err
	}
	if !ok || v == CurrentKDFVersion {
		return nil
	}
	return errs.New(errs.Format, "", fmt.Errorf("index uses kdf_version %q, this build only understands %q", v, CurrentKDFVersion))
}

// --- directories & files --------------------------------------------

// EnsureDirectoryPath walks segments from the root, creating any
// directory rows that don't yet exist, and returns the leaf's id.
func (ix *Index) EnsureDirectoryPath(segments []string) (int64, error) {
	parent := RootDirectoryID
	for _, name := range segments {
		if name == "" || name == "." {
			continue
		}
		id, err := ix.ensureDirectory(parent, name)
		if err != nil {
			return 0, err
		}
		parent = id
	}
	return parent, nil
}

func (ix *Index) ensureDirectory(parentID int64, name string) (int64, error) {
	var id int64
	err := ix.db.QueryRow(`SELECT id FROM directory WHERE parent_id = ? AND name = ?`, parentID, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, errs.Wrap(errs.Database, err)
	}

	res, err := ix.db.Exec(`INSERT INTO directory (parent_id, name) VALUES (?, ?)`, parentID, name)
	if err != nil {
		return 0, errs.Wrap(errs.Database, err)
	}
	return res.LastInsertId()
}

func (ix *Index) ensureFile(tx *sql.Tx, dirID int64, name string) (int64, error) {
	var id int64
	err := tx.QueryRow(`SELECT id FROM file WHERE directory_id = ? AND name = ?`, dirID, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, errs.Wrap(errs.Database, err)
	}
	res, err := tx.Exec(`INSERT INTO file (directory_id, name) VALUES (?, ?)`, dirID, name)
	if err != nil {
		return 0, errs.Wrap(errs.Database, err)
	}
	return res.LastInsertId()
}

// --- change detection -------------------------------------------------

// LatestAliasTimestamp returns the timestamp of the most recent alias
// for (dirID, name), and whether one exists at all. The scanner emits
// a file for backup iff the filesystem mtime exceeds this.
func (ix *Index) LatestAliasTimestamp(dirID int64, name string) (int64, bool, error) {
	var ts int64
	err := ix.db.QueryRow(`
		SELECT a.timestamp_ms FROM alias a
		JOIN file f ON f.id = a.file_id
		WHERE f.directory_id = ? AND f.name = ?
		ORDER BY a.timestamp_ms DESC LIMIT 1`, dirID, name).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errs.Wrap(errs.Database, err)
	}
	return ts, true, nil
}

// LiveFilenames returns the names of files directly under dirID whose
// most recent alias is non-null, i.e. files the index currently
// believes exist. Used by the scanner's inline deletion detection
// (SPEC_FULL.md §5).
func (ix *Index) LiveFilenames(dirID int64) ([]string, error) {
	rows, err := ix.db.Query(`
		SELECT f.name FROM file f
		WHERE f.directory_id = ? AND (
			SELECT a.is_null FROM alias a
			WHERE a.file_id = f.id
			ORDER BY a.timestamp_ms DESC LIMIT 1
		) = 0`, dirID)
	if err != nil {
		return nil, errs.Wrap(errs.Database, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errs.Wrap(errs.Database, err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// --- block dedup -----------------------------------------------------

// BlockHashExists reports whether a block with this plaintext hash has
// already been committed. The pipeline's producer consults this to
// skip compress+encrypt+write entirely for known blocks (spec §4.6).
func (ix *Index) BlockHashExists(hash string) (bool, error) {
	var id int64
	err := ix.db.QueryRow(`SELECT id FROM block WHERE hash = ?`, hash).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errs.Wrap(errs.Database, err)
	}
	return true, nil
}

// --- commit ----------------------------------------------------------

// CommitFile performs the transactional commit barrier of spec §4.4:
// insert any new block rows (idempotent on hash), insert the alias
// row, insert the alias_block rows, all in one transaction. The
// caller MUST have already durably written every block in blocks to
// the destination store before calling CommitFile — this function
// does not itself touch the block store.
func (ix *Index) CommitFile(dirID int64, name string, timestampMs int64, blocks []BlockRef) error {
	tx, err := ix.db.Begin()
	if err != nil {
		return errs.Wrap(errs.Database, err)
	}
	defer tx.Rollback()

	fileID, err := ix.ensureFile(tx, dirID, name)
	if err != nil {
		return err
	}

	blockIDs := make([]int64, len(blocks))
	for i, b := range blocks {
		id, err := ix.upsertBlock(tx, b.Hash, b.Size)
		if err != nil {
			return err
		}
		blockIDs[i] = id
	}

	res, err := tx.Exec(`INSERT INTO alias (file_id, timestamp_ms, is_null) VALUES (?, ?, 0)`, fileID, timestampMs)
	if err != nil {
		return errs.Wrap(errs.Database, err)
	}
	aliasID, err := res.LastInsertId()
	if err != nil {
		return errs.Wrap(errs.Database, err)
	}

	for ordinal, blockID := range blockIDs {
		if _, err := tx.Exec(`INSERT INTO alias_block (alias_id, ordinal, block_id) VALUES (?, ?, ?)`,
			aliasID, ordinal, blockID); err != nil {
			return errs.Wrap(errs.Database, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.Database, err)
	}
	return nil
}

func (ix *Index) upsertBlock(tx *sql.Tx, hash string, size int64) (int64, error) {
	var id int64
	err := tx.QueryRow(`SELECT id FROM block WHERE hash = ?`, hash).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, errs.Wrap(errs.Database, err)
	}
	res, err := tx.Exec(`INSERT INTO block (hash, size) VALUES (?, ?)`, hash, size)
	if err != nil {
		return 0, errs.Wrap(errs.Database, err)
	}
	return res.LastInsertId()
}

// PersistNullAlias records that a previously observed path is no
// longer present, per spec §3's lifecycle rule.
func (ix *Index) PersistNullAlias(dirID int64, name string, timestampMs int64) error {
	tx, err := ix.db.Begin()
	if err != nil {
		return errs.Wrap(errs.Database, err)
	}
	defer tx.Rollback()

	fileID, err := ix.ensureFile(tx, dirID, name)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO alias (file_id, timestamp_ms, is_null) VALUES (?, ?, 1)`, fileID, timestampMs); err != nil {
		return errs.Wrap(errs.Database, err)
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.Database, err)
	}
	return nil
}

// --- snapshot / restore ----------------------------------------------

// Snapshot returns every live file visible at atMs: the alias with
// the greatest timestamp <= atMs, per file, excluding null aliases
// and files with no alias at or before atMs.
func (ix *Index) Snapshot(atMs int64) ([]SnapshotEntry, error) {
	rows, err := ix.db.Query(`
		WITH RECURSIVE dirpath(id, path) AS (
			SELECT id, '' FROM directory WHERE parent_id IS NULL
			UNION ALL
			SELECT d.id, CASE WHEN dp.path = '' THEN d.name ELSE dp.path || '/' || d.name END
			FROM directory d JOIN dirpath dp ON d.parent_id = dp.id
		)
		SELECT dp.path, f.name, a.id
		FROM dirpath dp
		JOIN file f ON f.directory_id = dp.id
		JOIN alias a ON a.file_id = f.id
		WHERE a.is_null = 0
		  AND a.timestamp_ms = (
			SELECT MAX(a2.timestamp_ms) FROM alias a2
			WHERE a2.file_id = f.id AND a2.timestamp_ms <= ?
		  )`, atMs)
	if err != nil {
		return nil, errs.Wrap(errs.Database, err)
	}
	defer rows.Close()

	type row struct {
		dir, name string
		aliasID   int64
	}
	var found []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.dir, &r.name, &r.aliasID); err != nil {
			return nil, errs.Wrap(errs.Database, err)
		}
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Database, err)
	}

	entries := make([]SnapshotEntry, 0, len(found))
	for _, r := range found {
		hashes, err := ix.blockHashesForAlias(r.aliasID)
		if err != nil {
			return nil, err
		}
		path := r.name
		if r.dir != "" {
			path = r.dir + "/" + r.name
		}
		entries = append(entries, SnapshotEntry{Path: path, BlockHashes: hashes})
	}
	return entries, nil
}

func (ix *Index) blockHashesForAlias(aliasID int64) ([]string, error) {
	rows, err := ix.db.Query(`
		SELECT b.hash FROM alias_block ab
		JOIN block b ON b.id = ab.block_id
		WHERE ab.alias_id = ?
		ORDER BY ab.ordinal`, aliasID)
	if err != nil {
		return nil, errs.Wrap(errs.Database, err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, errs.Wrap(errs.Database, err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// --- cleanup -----------------------------------------------------------

// Cleanup deletes superseded aliases older than the retention horizon
// (now - retentionDays) along with their alias_block rows, then
// returns the hashes of every block whose reference count is now zero.
// It does not delete those block rows: per spec §3 the object must be
// removed before the block row, so callers Delete each returned hash
// from the store first and then call DeleteBlockRow for it.
func (ix *Index) Cleanup(nowMs int64, retentionDays int) ([]string, error) {
	cutoff := nowMs - int64(retentionDays)*24*60*60*1000

	tx, err := ix.db.Begin()
	if err != nil {
		return nil, errs.Wrap(errs.Database, err)
	}
	defer tx.Rollback()

	// Superseded: an alias is superseded if some later alias exists
	// for the same file.
	rows, err := tx.Query(`
		SELECT a.id FROM alias a
		WHERE a.timestamp_ms < ?
		  AND EXISTS (
			SELECT 1 FROM alias a2 WHERE a2.file_id = a.file_id AND a2.timestamp_ms > a.timestamp_ms
		  )`, cutoff)
	if err != nil {
		return nil, errs.Wrap(errs.Database, err)
	}
	var aliasIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errs.Wrap(errs.Database, err)
		}
		aliasIDs = append(aliasIDs, id)
	}
	rows.Close()

	for _, id := range aliasIDs {
		if _, err := tx.Exec(`DELETE FROM alias_block WHERE alias_id = ?`, id); err != nil {
			return nil, errs.Wrap(errs.Database, err)
		}
		if _, err := tx.Exec(`DELETE FROM alias WHERE id = ?`, id); err != nil {
			return nil, errs.Wrap(errs.Database, err)
		}
	}

	orphanRows, err := tx.Query(`
		SELECT b.hash FROM block b
		WHERE NOT EXISTS (SELECT 1 FROM alias_block ab WHERE ab.block_id = b.id)`)
	if err != nil {
		return nil, errs.Wrap(errs.Database, err)
	}
	var orphans []string
	for orphanRows.Next() {
		var h string
		if err := orphanRows.Scan(&h); err != nil {
			orphanRows.Close()
			return nil, errs.Wrap(errs.Database, err)
		}
		orphans = append(orphans, h)
	}
	orphanRows.Close()

	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.Database, err)
	}
	return orphans, nil
}

// DeleteBlockRow removes a block row by hash. Callers must have
// already removed the corresponding object from the store — object
// first, then row, per spec §3 — and must tolerate this being called
// again on a hash already deleted (idempotent cleanup).
func (ix *Index) DeleteBlockRow(hash string) error {
	_, err := ix.db.Exec(`DELETE FROM block WHERE hash = ? AND NOT EXISTS (
		SELECT 1 FROM alias_block ab JOIN block b ON b.id = ab.block_id WHERE b.hash = ?
	)`, hash, hash)
	if err != nil {
		return errs.Wrap(errs.Database, err)
	}
	return nil
}
