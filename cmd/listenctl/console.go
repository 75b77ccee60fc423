package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/npezzotti/go-listen-together/internal/api"
	"github.com/npezzotti/go-listen-together/internal/config"
	"github.com/npezzotti/go-listen-together/internal/coordinator"
	"github.com/npezzotti/go-listen-together/internal/session"
	"github.com/npezzotti/go-listen-together/internal/transport"
	"github.com/npezzotti/go-listen-together/internal/types"
	"github.com/rs/zerolog"
)

var (
	errQuit   = errors.New("quit")
	errDetach = errors.New("detach")
)

func startSession(cfg *config.ClientConfig, logger zerolog.Logger, player coordinator.Player, out io.Writer) (*session.Session, error) {
	wsURL, err := config.WebSocketURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	if config.IsKnownDefaultServer(cfg.ServerURL) {
		fmt.Fprintf(out, "using the public relay at %s\n", cfg.ServerURL)
	}

	t := transport.New(logger, transport.Options{
		Header: http.Header{api.UserIdHeader: {cfg.UserId}},
	})
	s, err := session.New(session.Config{
		ServerURL:   wsURL,
		UserId:      cfg.UserId,
		Settings:    cfg.Settings(),
		JoinTimeout: cfg.JoinTimeout,
		Backoff:     cfg.Backoff(),
		Sync:        cfg.Sync(),
		Tickets:     config.NewTicketFile(cfg.SessionFile),
	}, t, player, logger)
	if err != nil {
		return nil, err
	}

	cfg.Watch(func(next *config.ClientConfig) {
		s.SetSettings(next.Settings())
		logger.Info().
			Bool("auto_approval", next.AutoApproval).
			Bool("sync_volume", next.SyncVolume).
			Bool("mute_host", next.MuteHost).
			Msg("settings reloaded")
	})
	return s, nil
}

// console prints session events and feeds stdin lines to handle until the
// session ends, stdin closes or the process is interrupted.
func console(ctx context.Context, in io.Reader, out io.Writer, s *session.Session, events <-chan session.Event, handle func(command) error) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.LeaveRoom()
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := printEvent(out, s, ev); err != nil {
				return err
			}
		case line, ok := <-lines:
			if !ok {
				s.LeaveRoom()
				return nil
			}
			c, ok := parseLine(line)
			if !ok {
				continue
			}
			if err := handle(c); err != nil {
				if errors.Is(err, errQuit) {
					s.LeaveRoom()
					return nil
				}
				if errors.Is(err, errDetach) {
					s.Detach()
					fmt.Fprintln(out, "detached, run 'listenctl resume' to come back")
					return nil
				}
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

// printEvent reports ev and returns an error when it ends the session.
func printEvent(out io.Writer, s *session.Session, ev session.Event) error {
	switch ev.Kind {
	case session.EventRoom:
		if ev.Room != nil {
			fmt.Fprintf(out, "room %s: %s\n", ev.Room.RoomCode, describePlayback(ev.Room))
		}
	case session.EventConnection:
		fmt.Fprintf(out, "connection: %s\n", ev.State)
	case session.EventRole:
		fmt.Fprintf(out, "role: %s\n", ev.Role)
	case session.EventPending:
		for _, r := range ev.Pending {
			fmt.Fprintf(out, "join request from %s (%s), type 'approve %s' or 'reject %s'\n", r.Username, r.UserId, r.UserId, r.UserId)
		}
	case session.EventBuffer:
		if len(ev.Waiting) > 0 {
			fmt.Fprintf(out, "waiting for %s to load %s\n", strings.Join(ev.Waiting, ", "), ev.TrackId)
		} else {
			fmt.Fprintf(out, "everyone has loaded %s\n", ev.TrackId)
		}
	case session.EventJoinRejected:
		return fmt.Errorf("join rejected (%s): %s", ev.Code, ev.Reason)
	case session.EventRoomClosed:
		return fmt.Errorf("room closed: %s", ev.Reason)
	case session.EventKicked:
		return fmt.Errorf("removed from the room: %s", ev.Reason)
	case session.EventError:
		if ev.Code == "" && s.ConnectionState().Status == transport.Errored {
			return errors.New(ev.Reason)
		}
		fmt.Fprintf(out, "error: %s\n", ev.Reason)
	}
	return nil
}

func describePlayback(r *types.Room) string {
	if r.CurrentTrack == nil {
		return "nothing playing"
	}
	state := "paused"
	if r.IsPlaying {
		state = "playing"
	}
	title := r.CurrentTrack.Title
	if r.CurrentTrack.Artist != "" {
		title += " by " + r.CurrentTrack.Artist
	}
	pos := time.Duration(r.PlaybackPositionMs) * time.Millisecond
	return fmt.Sprintf("%s %q at %s", state, title, pos.Truncate(time.Second))
}

// roomView is the part of a session the status command reads.
type roomView interface {
	Room() *types.Room
	Role() types.RoomRole
	ConnectionState() transport.State
	SessionDuration() time.Duration
}

func printStatus(out io.Writer, s roomView) {
	fmt.Fprintf(out, "connection: %s\n", s.ConnectionState())
	r := s.Room()
	if r == nil {
		fmt.Fprintln(out, "not in a room")
		return
	}

	fmt.Fprintf(out, "room %s as %s for %s\n", r.RoomCode, s.Role(), s.SessionDuration().Truncate(time.Second))
	fmt.Fprintf(out, "%s, volume %.2f\n", describePlayback(r), r.Volume)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tNAME\tROLE\tCONNECTED")
	for _, u := range r.SortedUsers() {
		role := "guest"
		if u.IsHost {
			role = "host"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", u.UserId, u.Username, role, u.IsConnected)
	}
	w.Flush()
}

func usage(out io.Writer, lines ...string) {
	fmt.Fprintln(out, "commands:")
	for _, l := range lines {
		fmt.Fprintln(out, "  "+l)
	}
}

func trimName(name, fallback string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	return fallback
}
