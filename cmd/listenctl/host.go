package main

import (
	"fmt"

	"github.com/npezzotti/go-listen-together/internal/coordinator"
	"github.com/spf13/cobra"
)

func hostCmd(opts *globalOptions) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Create a room and control its playback",
		Long: `Create a room on the relay server and read playback commands from stdin.

Guests ask to join with the room code; approve or reject them unless
auto_approval is set in the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := opts.logger()
			out := cmd.OutOrStdout()

			s, err := startSession(cfg, logger, coordinator.NopPlayer{}, out)
			if err != nil {
				return err
			}
			defer s.Close()

			events, unsubscribe := s.Subscribe()
			defer unsubscribe()

			if err := s.CreateRoom(trimName(name, cfg.Username)); err != nil {
				return err
			}
			fmt.Fprintln(out, "creating room, type 'help' for commands")

			return console(cmd.Context(), cmd.InOrStdin(), out, s, events, hostHandler(s, out))
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name, defaults to username from the config")
	return cmd
}
