package main

import (
	"sync"
	"time"

	"github.com/npezzotti/go-listen-together/internal/types"
	"github.com/rs/zerolog"
)

// logPlayer stands in for an audio engine. It logs what it is told and
// keeps a position that advances with the wall clock while playing.
type logPlayer struct {
	log zerolog.Logger
	now func() time.Time

	mu      sync.Mutex
	track   *types.Track
	playing bool
	base    int64
	since   time.Time
	volume  float64
	muted   bool
}

func newLogPlayer(logger zerolog.Logger) *logPlayer {
	return &logPlayer{
		log:    logger.With().Str("module", "player").Logger(),
		now:    time.Now,
		volume: 1,
	}
}

func (p *logPlayer) Load(t *types.Track) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.track = t
	p.base = 0
	p.since = p.now()
	if t != nil {
		p.log.Info().Str("track", t.Id).Str("title", t.Title).Msg("load")
	} else {
		p.log.Info().Msg("unload")
	}
}

func (p *logPlayer) SetPlaying(playing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if playing == p.playing {
		return
	}
	p.base = p.positionLocked()
	p.since = p.now()
	p.playing = playing
	p.log.Info().Bool("playing", playing).Msg("playback")
}

func (p *logPlayer) SeekTo(positionMs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base = positionMs
	p.since = p.now()
	p.log.Info().Int64("position_ms", positionMs).Msg("seek")
}

func (p *logPlayer) Position() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *logPlayer) positionLocked() int64 {
	pos := p.base
	if p.playing {
		pos += p.now().Sub(p.since).Milliseconds()
	}
	if p.track != nil && p.track.DurationMs > 0 && pos > p.track.DurationMs {
		pos = p.track.DurationMs
	}
	return pos
}

func (p *logPlayer) SetVolume(volume float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = volume
	p.log.Info().Float64("volume", volume).Msg("volume")
}

func (p *logPlayer) SetMuted(muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = muted
	p.log.Info().Bool("muted", muted).Msg("mute")
}
