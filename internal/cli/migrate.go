package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/banshee-data/uwbsync/internal/db"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the sqlite schema",
		Long: `Apply, roll back or inspect schema migrations of the sqlite store.

The serve command migrates up automatically; use these commands to inspect a
database or recover one left dirty by a failed migration.`,
	}

	withDB := func(fn func(cmd *cobra.Command, d *db.DB, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			d, err := db.OpenDB(opts.cfg.GetDBPath())
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer d.Close()
			return fn(cmd, d, args)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, d *db.DB, _ []string) error {
				if err := d.MigrateUp(); err != nil {
					return err
				}
				return printStatus(cmd, d)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back every migration",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, d *db.DB, _ []string) error {
				if err := d.MigrateDown(); err != nil {
					return err
				}
				return printStatus(cmd, d)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the applied and latest schema versions",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, d *db.DB, _ []string) error {
				return printStatus(cmd, d)
			}),
		},
		&cobra.Command{
			Use:   "version N",
			Short: "Migrate up or down to version N",
			Args:  cobra.ExactArgs(1),
			RunE: withDB(func(cmd *cobra.Command, d *db.DB, args []string) error {
				v, err := strconv.ParseUint(args[0], 10, 32)
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				if err := d.MigrateTo(uint(v)); err != nil {
					return err
				}
				return printStatus(cmd, d)
			}),
		},
		&cobra.Command{
			Use:   "force N",
			Short: "Set the schema version without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE: withDB(func(cmd *cobra.Command, d *db.DB, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				if err := d.MigrateForce(v); err != nil {
					return err
				}
				return printStatus(cmd, d)
			}),
		},
	)
	return cmd
}

func printStatus(cmd *cobra.Command, d *db.DB) error {
	st, err := d.MigrationStatus()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "database: %s\n", d.Path())
	fmt.Fprintf(out, "current:  %d\n", st.Current)
	fmt.Fprintf(out, "latest:   %d\n", st.Latest)
	if st.Dirty {
		fmt.Fprintln(out, "state:    dirty (run migrate force to recover)")
	} else if n := st.Pending(); n > 0 {
		fmt.Fprintf(out, "state:    %d pending\n", n)
	} else {
		fmt.Fprintln(out, "state:    up to date")
	}
	return nil
}
