package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"krishivoice/internal/domain"
	"krishivoice/internal/ports"
)

// Coordinator owns the single audio-output slot. Starting a new asset tears
// down any prior playback first, so two streams never overlap, and playback
// never begins before the transcript has been on screen for the dwell time.
type Coordinator struct {
	player ports.Player
	dwell  time.Duration
	log    *slog.Logger

	mu          sync.Mutex
	textShownAt time.Time
	timer       *time.Timer
	gen         int
}

func NewCoordinator(player ports.Player, dwell time.Duration, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{player: player, dwell: dwell, log: log.With("component", "playback")}
}

// TextShown anchors the dwell window. Call it exactly when the final answer
// text becomes visible.
func (c *Coordinator) TextShown() {
	c.mu.Lock()
	c.textShownAt = time.Now()
	c.mu.Unlock()
}

// Start plays the asset once the dwell window has elapsed: immediately when
// the asset arrived late, deferred to the dwell deadline when it arrived
// early. onStarted fires when audio actually begins; onDone fires exactly
// once on natural completion or playback error, and never after Stop.
func (c *Coordinator) Start(ctx context.Context, asset domain.AudioAsset, onStarted func(), onDone func(err error)) {
	c.mu.Lock()
	c.stopLocked()
	c.gen++
	gen := c.gen

	wait := time.Duration(0)
	if !c.textShownAt.IsZero() {
		if elapsed := time.Since(c.textShownAt); elapsed < c.dwell {
			wait = c.dwell - elapsed
		}
	}

	begin := func() {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		err := c.player.Play(ctx, asset, func(playErr error) {
			c.mu.Lock()
			stale := c.gen != gen
			c.mu.Unlock()
			if stale {
				return
			}
			onDone(playErr)
		})
		if err != nil {
			onDone(err)
			return
		}
		onStarted()
	}

	c.mu.Unlock()

	// Tear down whatever was playing before the new asset starts.
	c.player.Stop()

	if wait <= 0 {
		begin()
		return
	}

	c.log.Debug("deferring playback for dwell", "wait", wait)
	c.mu.Lock()
	if c.gen == gen {
		c.timer = time.AfterFunc(wait, begin)
	}
	c.mu.Unlock()
}

// Stop cancels any pending dwell timer and tears down active playback. The
// discarded playback's terminal event is swallowed.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopLocked()
	c.gen++
	c.mu.Unlock()
	c.player.Stop()
}

func (c *Coordinator) stopLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
