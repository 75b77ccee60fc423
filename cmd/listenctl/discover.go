package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/npezzotti/go-listen-together/internal/discovery"
	"github.com/spf13/cobra"
)

func discoverCmd(opts *globalOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List relay servers on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			servers, err := discovery.Browse(ctx, opts.logger())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(servers) == 0 {
				fmt.Fprintln(out, "no relay servers found")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tURL")
			for _, s := range servers {
				fmt.Fprintf(w, "%s\t%s\n", s.Instance, s.URL())
			}
			return w.Flush()
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "how long to listen for announcements")
	return cmd
}
