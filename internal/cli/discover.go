package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/uwbsync/internal/discovery"
)

func newDiscoverCommand(opts *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find coordinators advertising on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.logger.Debug("browsing for coordinators", "service", discovery.ServiceType, "timeout", timeout)
			found, err := discovery.Browse(cmd.Context(), timeout)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(found) == 0 {
				fmt.Fprintln(out, "No coordinators found.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "INSTANCE\tHOST\tPORT\tADDRESSES\tVERSION")
			for _, inst := range found {
				addrs := make([]string, 0, len(inst.Addrs))
				for _, a := range inst.Addrs {
					addrs = append(addrs, a.String())
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", inst.Name, inst.Host, inst.Port,
					strings.Join(addrs, ","), txtValue(inst.Text, "version"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 3*time.Second, "How long to wait for answers")
	return cmd
}

func txtValue(txt []string, key string) string {
	for _, kv := range txt {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}
