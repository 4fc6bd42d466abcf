package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	backupcore "github.com/mmp/strongbox/backup"
	"github.com/mmp/strongbox/crypto"
	"github.com/mmp/strongbox/index"
	restorecore "github.com/mmp/strongbox/restore"
	"github.com/mmp/strongbox/store"
)

func newRestoreCmd() *cobra.Command {
	var destination, out string
	var timestampMs int64
	var filter string

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the snapshot visible at a timestamp into OUT",
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase, err := readPassphrase("Passphrase: ")
			if err != nil {
				return err
			}
			key := crypto.DeriveKey(passphrase)

			indexPath, err := localIndexPath(destination, key, out)
			if err != nil {
				return err
			}
			ix, err := index.Open(indexPath)
			if err != nil {
				return err
			}
			defer ix.Close()

			storedHash, ok, err := ix.GetSetting(index.SettingPasswordHash)
			if err != nil {
				return err
			}
			if ok {
				if err := crypto.VerifyPassword(passphrase, storedHash); err != nil {
					return err
				}
			}

			ts := timestampMs
			if ts == 0 {
				ts = time.Now().UnixMilli()
			}

			st := store.New(destination)
			summary, err := restorecore.Run(ix, st, key, restorecore.Config{
				Timestamp: ts,
				Filter:    filter,
				OutDir:    out,
			})
			if err != nil {
				return err
			}

			fmt.Printf("restored %d files, %d errors\n", summary.FilesRestored, len(summary.Errors))
			for _, e := range summary.Errors {
				fmt.Fprintf(os.Stderr, "  %v\n", e)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&destination, "destination", "d", "", "backup destination directory to restore from")
	cmd.Flags().StringVarP(&out, "source", "s", ".", "directory to restore files into")
	cmd.Flags().Int64VarP(&timestampMs, "timestamp", "t", 0, "milliseconds since the epoch (0 = now)")
	cmd.Flags().StringVarP(&filter, "filter", "f", "**", "glob filter for paths to restore")
	cmd.MarkFlagRequired("destination")

	return cmd
}

// localIndexPath finds an index to read the snapshot from: a local
// index next to the restore output directory if one exists there
// from a prior backup run, otherwise the encrypted copy written to
// the destination at the end of the last successful backup
// (spec §6's persisted-state recovery path).
func localIndexPath(destination string, key crypto.Key, out string) (string, error) {
	local := filepath.Join(out, defaultIndexFileName)
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}

	tmp := filepath.Join(os.TempDir(), "strongbox-restore-index.db")
	if err := backupcore.ImportIndexCopy(key, destination, tmp); err != nil {
		return "", err
	}
	return tmp, nil
}
