package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/go-listen-together/internal/config"
	"github.com/npezzotti/go-listen-together/internal/coordinator"
	"github.com/npezzotti/go-listen-together/internal/types"
	"github.com/spf13/cobra"
)

func resumeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Return to the room of the last detached or interrupted run",
		Long: `Reconnect to the room saved in the session file and take the same seat.

A host gets control of the room back. A guest whose seat has already been
released asks the host to be let in again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := opts.logger()
			out := cmd.OutOrStdout()

			ticket, err := config.NewTicketFile(cfg.SessionFile).Load(time.Now(), cfg.SessionMaxAge)
			switch {
			case errors.Is(err, config.ErrNoTicket):
				return errors.New("no session to resume, use 'host' or 'join'")
			case errors.Is(err, config.ErrTicketExpired):
				return errors.New("the saved session is too old to resume")
			case err != nil:
				return err
			}

			var player coordinator.Player = coordinator.NopPlayer{}
			if ticket.Role == types.RoleGuest {
				player = newLogPlayer(logger)
			}
			s, err := startSession(cfg, logger, player, out)
			if err != nil {
				return err
			}
			defer s.Close()

			events, unsubscribe := s.Subscribe()
			defer unsubscribe()

			if err := s.Resume(ticket); err != nil {
				return err
			}
			fmt.Fprintf(out, "resuming room %s as %s, type 'help' for commands\n", ticket.RoomCode, ticket.Role)

			handle := guestHandler(s, out)
			if ticket.Role == types.RoleHost {
				handle = hostHandler(s, out)
			}
			return console(cmd.Context(), cmd.InOrStdin(), out, s, events, handle)
		},
	}
}
