package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/npezzotti/go-listen-together/internal/coordinator"
	"github.com/npezzotti/go-listen-together/internal/types"
)

const syncWait = 10 * time.Second

type command struct {
	name string
	args []string
}

func parseLine(line string) (command, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, false
	}
	return command{name: strings.ToLower(fields[0]), args: fields[1:]}, true
}

func usageError(syntax string) error {
	return fmt.Errorf("usage: %s", syntax)
}

type hostControls interface {
	roomView
	SetTrack(t *types.Track) error
	Play() error
	Pause() error
	SeekTo(positionMs int64) error
	SetVolume(v float64) error
	ApproveJoin(userId string) error
	RejectJoin(userId string) error
	Kick(userId string) error
	PendingRequests() []types.JoinRequest
}

var hostUsage = []string{
	"track <id> <title> [artist]",
	"play | pause",
	"seek <ms>",
	"volume <0..1>",
	"approve <user> | reject <user> | kick <user>",
	"pending",
	"status",
	"detach | quit",
}

func hostHandler(s hostControls, out io.Writer) func(command) error {
	return func(c command) error {
		switch c.name {
		case "track":
			if len(c.args) < 2 {
				return usageError("track <id> <title> [artist]")
			}
			return s.SetTrack(&types.Track{
				Id:     c.args[0],
				Title:  c.args[1],
				Artist: strings.Join(c.args[2:], " "),
			})
		case "play":
			return s.Play()
		case "pause":
			return s.Pause()
		case "seek":
			if len(c.args) != 1 {
				return usageError("seek <ms>")
			}
			ms, err := strconv.ParseInt(c.args[0], 10, 64)
			if err != nil || ms < 0 {
				return usageError("seek <ms>")
			}
			return s.SeekTo(ms)
		case "volume":
			if len(c.args) != 1 {
				return usageError("volume <0..1>")
			}
			v, err := strconv.ParseFloat(c.args[0], 64)
			if err != nil || v < 0 || v > 1 {
				return usageError("volume <0..1>")
			}
			return s.SetVolume(v)
		case "approve", "reject", "kick":
			if len(c.args) != 1 {
				return usageError(c.name + " <user>")
			}
			switch c.name {
			case "approve":
				return s.ApproveJoin(c.args[0])
			case "reject":
				return s.RejectJoin(c.args[0])
			default:
				return s.Kick(c.args[0])
			}
		case "pending":
			pending := s.PendingRequests()
			if len(pending) == 0 {
				fmt.Fprintln(out, "no pending requests")
			}
			for _, r := range pending {
				fmt.Fprintf(out, "%s (%s) waiting since %s\n", r.Username, r.UserId, r.RequestedAt.Format(time.Kitchen))
			}
			return nil
		case "status":
			printStatus(out, s)
			return nil
		case "help":
			usage(out, hostUsage...)
			return nil
		case "detach":
			return errDetach
		case "quit", "exit":
			return errQuit
		}
		return fmt.Errorf("unknown command %q, type 'help'", c.name)
	}
}

type guestControls interface {
	roomView
	RequestSync() *coordinator.SyncFuture
}

var guestUsage = []string{"sync", "status", "detach | quit"}

func guestHandler(s guestControls, out io.Writer) func(command) error {
	return func(c command) error {
		switch c.name {
		case "sync":
			ctx, cancel := context.WithTimeout(context.Background(), syncWait)
			defer cancel()
			room, err := s.RequestSync().Wait(ctx)
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			if room == nil {
				return fmt.Errorf("sync: cancelled")
			}
			fmt.Fprintf(out, "synced: %s\n", describePlayback(room))
			return nil
		case "status":
			printStatus(out, s)
			return nil
		case "help":
			usage(out, guestUsage...)
			return nil
		case "detach":
			return errDetach
		case "quit", "exit":
			return errQuit
		}
		return fmt.Errorf("unknown command %q, type 'help'", c.name)
	}
}
