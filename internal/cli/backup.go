package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

func newBackupCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backup [FILE]",
		Short: "Write a consistent copy of the sqlite database",
		Long: `Write a consistent copy of the sqlite database while the server may be
running. FILE defaults to a timestamped name next to the database and must lie
in the temp directory, the working directory or the database directory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openMigrated(opts)
			if err != nil {
				return err
			}
			defer d.Close()

			dst := filepath.Join(filepath.Dir(d.Path()), d.BackupName(time.Now()))
			if len(args) == 1 {
				dst = args[0]
			}
			if err := d.Backup(cmd.Context(), dst); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dst)
			return nil
		},
	}
}
