// Command strongbox is the CLI front end for the backup engine: init,
// backup, and restore subcommands over the core packages. Flag
// parsing, help text, and terminal interaction live here, outside the
// core's scope per spec §1.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mmp/strongbox/errs"
)

const defaultIndexFileName = ".strongbox.db"

// exitKeyMismatch is the distinguished non-zero exit code spec §6
// requires for a refused passphrase.
const exitKeyMismatch = 2

func main() {
	root := &cobra.Command{
		Use:           "strongbox",
		Short:         "Encrypted, compressed, block-deduplicated backups",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newInitCmd(), newBackupCmd(), newRestoreCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errs.IsKind(err, errs.KeyMismatch) {
			os.Exit(exitKeyMismatch)
		}
		os.Exit(1)
	}
}
