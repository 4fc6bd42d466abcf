package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	backupcore "github.com/mmp/strongbox/backup"
	"github.com/mmp/strongbox/crypto"
	"github.com/mmp/strongbox/index"
	"github.com/mmp/strongbox/store"
	"github.com/mmp/strongbox/util"
)

func newBackupCmd() *cobra.Command {
	var source, destination string
	var timeoutSeconds int
	var retentionDays int

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up SOURCE to the configured destination",
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase, err := readPassphrase("Passphrase: ")
			if err != nil {
				return err
			}

			indexPath := filepath.Join(source, defaultIndexFileName)
			ix, err := index.Open(indexPath)
			if err != nil {
				return err
			}
			defer ix.Close()

			dest := destination
			if dest == "" {
				stored, ok, err := ix.GetSetting(index.SettingDestination)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no destination configured; pass --destination or run init first")
				}
				dest = stored
			}
			st := store.New(dest)

			var deadline time.Time
			if timeoutSeconds > 0 {
				deadline = time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
			}

			cfg := backupcore.Config{
				SourceRoot:    source,
				IndexFileName: defaultIndexFileName,
				Destination:   destination, // only persisted if the user explicitly overrode it
				Deadline:      deadline,
				RetentionDays: retentionDays,
			}

			log := util.NewLogger(true, false)
			coord, err := backupcore.New(ix, st, passphrase, cfg, log)
			if err != nil {
				return err
			}

			summary, err := coord.Run(passphrase)
			if err != nil {
				return err
			}

			if err := backupcore.ExportIndexCopy(crypto.DeriveKey(passphrase), indexPath, dest); err != nil {
				log.Warning("backup: could not write encrypted index copy to destination: %v\n", err)
			}

			fmt.Printf("committed %d files (%d blocks written, %d deduped, %s), %d deleted, %d errors",
				summary.FilesCommitted, summary.BlocksWritten, summary.BlocksDeduped,
				util.FmtBytes(summary.BytesWritten), summary.FilesDeleted, len(summary.FileErrors))
			if summary.TimedOut {
				fmt.Print(" (timed out, will resume next run)")
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().StringVarP(&source, "source", "s", ".", "source directory")
	cmd.Flags().StringVarP(&destination, "destination", "d", "", "backup destination directory (overrides the stored value)")
	cmd.Flags().IntVarP(&timeoutSeconds, "timeout", "T", 0, "wall-clock deadline in seconds (0 = no limit)")
	cmd.Flags().IntVarP(&retentionDays, "age", "a", 183, "retention window in days")

	return cmd
}
