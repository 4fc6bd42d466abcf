package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmp/strongbox/crypto"
	"github.com/mmp/strongbox/index"
)

func newInitCmd() *cobra.Command {
	var source, destination string
	var blockSize int

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new backup index in SOURCE",
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

			if err := ix.InitSettings(blockSize, destination, crypto.HashPassword(passphrase), time.Now()); err != nil {
				return err
			}

			fmt.Printf("initialized %s, backing up to %s\n", indexPath, destination)
			return nil
		},
	}

	cmd.Flags().StringVarP(&source, "source", "s", ".", "source directory")
	cmd.Flags().StringVarP(&destination, "destination", "d", "", "backup destination directory")
	cmd.Flags().IntVarP(&blockSize, "block-size", "b", 1<<20, "block size in bytes")
	cmd.MarkFlagRequired("destination")

	return cmd
}
