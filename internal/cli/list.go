package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/uwbsync/internal/db"
)

func openMigrated(opts *rootOptions) (*db.DB, error) {
	d, err := db.NewDB(opts.cfg.GetDBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return d, nil
}

func newDevicesCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "devices",
		Aliases: []string{"d", "device"},
		Short:   "List persisted anchors and tags",
	}

	list := func(kind string, fetch func(*cobra.Command, *db.DB) ([]db.DeviceRow, error)) *cobra.Command {
		return &cobra.Command{
			Use:     kind,
			Aliases: []string{kind[:1]},
			Short:   "List known " + kind,
			Args:    cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				d, err := openMigrated(opts)
				if err != nil {
					return err
				}
				defer d.Close()

				rows, err := fetch(cmd, d)
				if err != nil {
					return fmt.Errorf("failed to fetch %s: %w", kind, err)
				}
				out := cmd.OutOrStdout()
				if len(rows) == 0 {
					fmt.Fprintf(out, "No %s found.\n", kind)
					return nil
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tCODE\tFIRST SEEN")
				fmt.Fprintln(w, "--\t----\t----------")
				for _, r := range rows {
					fmt.Fprintf(w, "%d\t%s\t%s\n", r.ID, r.Code, r.CreatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			},
		}
	}

	cmd.AddCommand(
		list("anchors", func(cmd *cobra.Command, d *db.DB) ([]db.DeviceRow, error) { return d.Anchors(cmd.Context()) }),
		list("tags", func(cmd *cobra.Command, d *db.DB) ([]db.DeviceRow, error) { return d.Tags(cmd.Context()) }),
	)
	return cmd
}

func newRoundsCommand(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "rounds",
		Aliases: []string{"r"},
		Short:   "List the most recent persisted rounds",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("limit must be positive, got %d", limit)
			}
			d, err := openMigrated(opts)
			if err != nil {
				return err
			}
			defer d.Close()

			rows, err := d.RecentRounds(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to fetch rounds: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No rounds found.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTAG\tSTART\tEND\tREADINGS")
			fmt.Fprintln(w, "--\t---\t-----\t---\t--------")
			for _, r := range rows {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\n", r.ID, r.TagCode,
					r.Start.Format(time.RFC3339Nano), r.End.Format(time.RFC3339Nano), r.Readings)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of rounds to show")
	return cmd
}
