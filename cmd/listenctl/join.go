package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func joinCmd(opts *globalOptions) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "join CODE",
		Short: "Join a room and follow the host's playback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := opts.logger()
			out := cmd.OutOrStdout()

			s, err := startSession(cfg, logger, newLogPlayer(logger), out)
			if err != nil {
				return err
			}
			defer s.Close()

			events, unsubscribe := s.Subscribe()
			defer unsubscribe()

			if err := s.JoinRoom(args[0], trimName(name, cfg.Username)); err != nil {
				return err
			}
			fmt.Fprintln(out, "waiting for the host to let you in, type 'help' for commands")

			return console(cmd.Context(), cmd.InOrStdin(), out, s, events, guestHandler(s, out))
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name, defaults to username from the config")
	return cmd
}
