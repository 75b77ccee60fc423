package coordinator

import (
	"github.com/npezzotti/go-listen-together/internal/types"
)

// Player is the local audio engine a guest drives from host state.
type Player interface {
	Load(track *types.Track)
	SetPlaying(playing bool)
	SeekTo(positionMs int64)
	Position() int64
	SetVolume(volume float64)
	SetMuted(muted bool)
}

// Settings are the user policy flags, read on every application.
type Settings struct {
	AutoApproval bool
	SyncVolume   bool
	MuteHost     bool
}

// NopPlayer ignores everything. Hosts and headless clients use it.
type NopPlayer struct{}

func (NopPlayer) Load(*types.Track) {}
func (NopPlayer) SetPlaying(bool)   {}
func (NopPlayer) SeekTo(int64)      {}
func (NopPlayer) Position() int64   { return 0 }
func (NopPlayer) SetVolume(float64) {}
func (NopPlayer) SetMuted(bool)     {}

func sameTrack(a, b *types.Track) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Id == b.Id && a.Title == b.Title
}
