package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"krishivoice/internal/audio"
	"krishivoice/internal/domain"
	"krishivoice/internal/ports"
	"krishivoice/internal/protocol"
)

var (
	// ErrSessionActive means a recording was requested while a prior voice
	// turn still holds the session slot.
	ErrSessionActive = errors.New("session: a voice turn is already active")

	// ErrNotRecording means a stop was requested outside the recording phase.
	ErrNotRecording = errors.New("session: not recording")

	// ErrClosed means the controller has been shut down.
	ErrClosed = errors.New("session: controller closed")
)

const (
	defaultResponseTimeout = 60 * time.Second
	defaultAudioWait       = 15 * time.Second
	locationBudget         = 2 * time.Second
)

// PlaybackCoordinator schedules answer audio behind the reading-dwell window
// and tears prior playback down before starting the next.
type PlaybackCoordinator interface {
	TextShown()
	Start(ctx context.Context, asset domain.AudioAsset, onStarted func(), onDone func(err error))
	Stop()
}

// Config carries the controller's tunables. Zero values fall back to the
// documented defaults.
type Config struct {
	UILanguage       string
	ResponseTimeout  time.Duration
	AudioWaitTimeout time.Duration
}

// voiceTurn is the mutable state of the single active session. It lives only
// inside the run loop; the generation counter fences async completions that
// outlive it.
type voiceTurn struct {
	id      string
	gen     uint64
	chunks  strings.Builder
	pending *domain.AudioAsset
}

// Controller is the client-side state machine for one voice turn at a time.
// All public methods post events onto a single channel consumed by run, so
// every transition and callback is decided by one goroutine.
type Controller struct {
	cfg      Config
	device   ports.CaptureDevice
	recorder ports.Recorder
	agent    ports.AgentChannel
	playback PlaybackCoordinator
	location ports.LocationProvider
	sink     ports.EventSink
	log      *slog.Logger

	events chan event
	done   chan struct{}
	wg     sync.WaitGroup

	// Loop-owned. gen advances on every session teardown.
	turn          *voiceTurn
	gen           uint64
	responseTimer *time.Timer
	audioTimer    *time.Timer

	mu      sync.Mutex
	phase   domain.Phase
	chanSt  domain.ChannelStatus
	closing bool
}

// NewController wires the controller and starts its run loop. The caller
// must also route the agent channel's status callback into
// HandleChannelStatus.
func NewController(cfg Config, device ports.CaptureDevice, recorder ports.Recorder, agent ports.AgentChannel, pb PlaybackCoordinator, loc ports.LocationProvider, sink ports.EventSink, log *slog.Logger) *Controller {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = defaultResponseTimeout
	}
	if cfg.AudioWaitTimeout <= 0 {
		cfg.AudioWaitTimeout = defaultAudioWait
	}
	cfg.UILanguage = domain.NormalizeLanguage(cfg.UILanguage)
	c := &Controller{
		cfg:      cfg,
		device:   device,
		recorder: recorder,
		agent:    agent,
		playback: pb,
		location: loc,
		sink:     sink,
		log:      log.With("component", "session"),
		events:   make(chan event, 64),
		done:     make(chan struct{}),
		phase:    domain.PhaseIdle,
		chanSt:   domain.ChannelConnecting,
	}
	c.wg.Add(2)
	go c.run()
	go c.pumpFrames()
	return c
}

// StartRecording begins a new voice turn. It is rejected synchronously and
// without side effects when another turn is active; an in-progress playback
// is cancelled and the recording starts in its place.
func (c *Controller) StartRecording() error {
	return c.ask(event{kind: evStartRecording})
}

// StopRecording finalizes the active recording and hands it to the agent.
func (c *Controller) StopRecording() error {
	return c.ask(event{kind: evStopRecording})
}

// CancelPlayback stops answer audio early. The turn ends as if playback had
// finished.
func (c *Controller) CancelPlayback() {
	c.post(event{kind: evCancelPlayback})
}

// HandleChannelStatus routes transport status changes into the run loop.
func (c *Controller) HandleChannelStatus(status domain.ChannelStatus) {
	c.post(event{kind: evChannelStatus, status: status})
}

// Status reports a snapshot of the current phase and transport state.
func (c *Controller) Status() domain.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.Status{
		Phase:   c.phase,
		Active:  c.phase != domain.PhaseIdle,
		Channel: c.chanSt,
	}
}

// Close shuts the run loop down and releases the capture device.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	c.post(event{kind: evShutdown})
	c.wg.Wait()
	c.device.Release()
	return nil
}

func (c *Controller) ask(ev event) error {
	ev.reply = make(chan error, 1)
	select {
	case c.events <- ev:
	case <-c.done:
		return ErrClosed
	}
	select {
	case err := <-ev.reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) pumpFrames() {
	defer c.wg.Done()
	for {
		select {
		case frame, ok := <-c.agent.Frames():
			if !ok {
				return
			}
			c.post(event{kind: evFrame, frame: frame})
		case <-c.done:
			return
		}
	}
}

func (c *Controller) run() {
	defer c.wg.Done()
	for ev := range c.events {
		switch ev.kind {
		case evStartRecording:
			ev.reply <- c.onStartRecording()
		case evStopRecording:
			ev.reply <- c.onStopRecording()
		case evCancelPlayback:
			c.onCancelPlayback()
		case evRecorderDone:
			c.onRecorderDone(ev)
		case evSendFailed:
			c.onSendFailed(ev)
		case evFrame:
			c.onFrame(ev.frame)
		case evChannelStatus:
			c.onChannelStatus(ev.status)
		case evResponseTimeout:
			c.onResponseTimeout(ev.gen)
		case evAudioTimeout:
			c.onAudioTimeout(ev.gen)
		case evPlaybackStarted:
			c.onPlaybackStarted(ev.gen)
		case evPlaybackDone:
			c.onPlaybackDone(ev)
		case evShutdown:
			c.teardown()
			close(c.done)
			return
		}
	}
}

func (c *Controller) onStartRecording() error {
	if !c.phase.Terminal() {
		if c.phase != domain.PhasePlaying {
			return ErrSessionActive
		}
		// A new recording displaces answer audio. The playing turn ends
		// cleanly and the machine passes through idle before the new
		// turn begins, all within this same event.
		c.playback.Stop()
		c.sink.PlaybackFinished()
		c.endTurn()
		c.setPhase(domain.PhaseIdle)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	handle, err := c.device.Acquire(ctx)
	if err != nil {
		code := domain.ErrorCodeUnsupportedEnv
		if errors.Is(err, audio.ErrCaptureUnavailable) {
			code = domain.ErrorCodePermissionDenied
		}
		c.sink.SessionError(code, err.Error())
		return err
	}
	if err := c.recorder.Start(handle); err != nil {
		c.sink.SessionError(domain.ErrorCodeUnsupportedEnv, err.Error())
		return err
	}

	c.turn = &voiceTurn{id: uuid.NewString(), gen: c.gen}
	c.setPhase(domain.PhaseRecording)
	c.log.Info("recording started", "session_id", c.turn.id)
	return nil
}

func (c *Controller) onStopRecording() error {
	if c.turn == nil || c.phase != domain.PhaseRecording {
		return ErrNotRecording
	}
	// Processing is entered before the encode finishes so the UI reflects
	// the user's intent immediately. The response clock starts here.
	c.setPhase(domain.PhaseProcessing)
	c.armTimer(timerResponse, c.cfg.ResponseTimeout)

	gen := c.turn.gen
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		result, err := c.recorder.Stop(ctx)
		c.post(event{kind: evRecorderDone, gen: gen, result: result, err: err})
	}()
	return nil
}

func (c *Controller) onRecorderDone(ev event) {
	if !c.live(ev.gen) {
		return
	}
	if ev.err != nil {
		code := domain.ErrorCodeUnsupportedEnv
		if errors.Is(ev.err, audio.ErrRecordingTooShort) {
			code = domain.ErrorCodeRecordingShort
		}
		c.fail(code, ev.err.Error())
		return
	}
	c.log.Debug("recording finalized",
		"session_id", c.turn.id,
		"format", ev.result.Format,
		"bytes", len(ev.result.Audio),
		"duration", ev.result.Duration)

	gen := c.turn.gen
	go c.sendRecording(gen, ev.result)
}

// sendRecording runs off the loop: connecting may block through the channel's
// retry schedule and must not stall event handling.
func (c *Controller) sendRecording(gen uint64, result domain.RecordingResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.awaitOpen(ctx); err != nil {
		c.post(event{kind: evSendFailed, gen: gen, err: err})
		return
	}

	var loc *domain.Location
	if c.location != nil {
		lctx, lcancel := context.WithTimeout(ctx, locationBudget)
		loc = c.location.Current(lctx)
		lcancel()
	}

	frame := protocol.NewAudioStream(result.Audio, result.Format, c.cfg.UILanguage)
	frame.Location = loc
	if err := c.agent.Send(frame); err != nil {
		c.post(event{kind: evSendFailed, gen: gen, err: err})
	}
}

// awaitOpen waits out an in-flight dial or reconnect rather than racing it
// with a second Connect. Only a settled offline or closed channel is dialed
// from here.
func (c *Controller) awaitOpen(ctx context.Context) error {
	for {
		switch c.agent.Status() {
		case domain.ChannelOpen:
			return nil
		case domain.ChannelOffline, domain.ChannelClosed:
			return c.agent.Connect(ctx)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (c *Controller) onSendFailed(ev event) {
	if !c.live(ev.gen) {
		return
	}
	c.fail(domain.ErrorCodeChannel, ev.err.Error())
}

func (c *Controller) onFrame(frame protocol.ServerFrame) {
	if c.turn == nil {
		if _, ok := frame.(protocol.AudioURL); ok {
			c.log.Error("audio asset received with no active session; dropping")
		}
		return
	}

	switch f := frame.(type) {
	case protocol.Transcript:
		if c.phase == domain.PhaseRecording {
			return
		}
		c.sink.UserTranscript(f.Content, f.Language)

	case protocol.StreamChunk:
		switch c.phase {
		case domain.PhaseProcessing:
			c.setPhase(domain.PhaseStreaming)
		case domain.PhaseStreaming:
		default:
			return
		}
		c.turn.chunks.WriteString(f.Content)
		c.sink.AnswerChunk(f.Content)

	case protocol.StreamEnd:
		if c.phase != domain.PhaseProcessing && c.phase != domain.PhaseStreaming {
			return
		}
		c.clearTimer(timerResponse)
		// The complete text replaces whatever chunks rendered; it is the
		// one authoritative answer.
		c.log.Debug("answer finalized",
			"session_id", c.turn.id,
			"previewed_chars", c.turn.chunks.Len(),
			"final_chars", len(f.Content))
		c.sink.AnswerFinal(f.Content, f.Language)
		c.playback.TextShown()
		c.setPhase(domain.PhaseWaitingAudio)
		if c.turn.pending != nil {
			asset := *c.turn.pending
			c.turn.pending = nil
			c.startPlayback(asset)
		} else {
			c.armTimer(timerAudioWait, c.cfg.AudioWaitTimeout)
		}

	case protocol.AudioURL:
		asset := domain.AudioAsset{URL: f.URL, Language: f.Language}
		switch c.phase {
		case domain.PhaseProcessing, domain.PhaseStreaming:
			// Audio routinely lands before the text is final. Hold the
			// newest asset until the answer renders.
			c.turn.pending = &asset
		case domain.PhaseWaitingAudio:
			c.clearTimer(timerAudioWait)
			c.startPlayback(asset)
		case domain.PhaseRecording:
			c.log.Error("audio asset received while recording; dropping", "session_id", c.turn.id)
		default:
			c.log.Debug("audio asset ignored", "phase", c.phase)
		}

	case protocol.RemoteError:
		c.fail(domain.ErrorCodeRemote, f.Message)
	}
}

func (c *Controller) startPlayback(asset domain.AudioAsset) {
	gen := c.turn.gen
	c.turn.pending = &asset
	c.playback.Start(context.Background(), asset,
		func() { c.post(event{kind: evPlaybackStarted, gen: gen}) },
		func(err error) { c.post(event{kind: evPlaybackDone, gen: gen, err: err}) },
	)
}

func (c *Controller) onPlaybackStarted(gen uint64) {
	if !c.live(gen) {
		return
	}
	c.setPhase(domain.PhasePlaying)
	if c.turn.pending != nil {
		c.sink.PlaybackStarted(*c.turn.pending)
	}
}

func (c *Controller) onPlaybackDone(ev event) {
	if !c.live(ev.gen) {
		return
	}
	if ev.err != nil {
		c.fail(domain.ErrorCodePlayback, ev.err.Error())
		return
	}
	c.sink.PlaybackFinished()
	c.endTurn()
	c.setPhase(domain.PhaseIdle)
}

func (c *Controller) onCancelPlayback() {
	if c.turn == nil || (c.phase != domain.PhasePlaying && c.phase != domain.PhaseWaitingAudio) {
		return
	}
	c.clearTimer(timerAudioWait)
	c.playback.Stop()
	c.sink.PlaybackFinished()
	c.endTurn()
	c.setPhase(domain.PhaseIdle)
}

func (c *Controller) onChannelStatus(status domain.ChannelStatus) {
	c.mu.Lock()
	c.chanSt = status
	c.mu.Unlock()
	c.sink.ChannelStatusChanged(status)

	// Reconnecting is survivable: the response clock still bounds the wait.
	// Exhausted retries are not.
	if status == domain.ChannelOffline && c.turn != nil {
		switch c.phase {
		case domain.PhaseProcessing, domain.PhaseStreaming, domain.PhaseWaitingAudio:
			c.fail(domain.ErrorCodeChannel, "connection to the assistant was lost")
		}
	}
}

func (c *Controller) onResponseTimeout(gen uint64) {
	if !c.live(gen) {
		return
	}
	if c.phase != domain.PhaseProcessing && c.phase != domain.PhaseStreaming {
		return
	}
	c.fail(domain.ErrorCodeResponseTimeout, "the assistant did not answer in time")
}

func (c *Controller) onAudioTimeout(gen uint64) {
	if !c.live(gen) || c.phase != domain.PhaseWaitingAudio {
		return
	}
	// Only the audio expectation is abandoned. The answer text already
	// rendered and stands; the turn ends without playback.
	c.log.Warn("answer audio never arrived", "session_id", c.turn.id)
	c.sink.SessionError(domain.ErrorCodeAudioTimeout, "answer audio did not arrive")
	c.endTurn()
	c.setPhase(domain.PhaseIdle)
}

// fail is the single error path: every failure funnels here, reports once,
// and resets to idle.
func (c *Controller) fail(code domain.ErrorCode, message string) {
	c.playback.Stop()
	c.sink.SessionError(code, message)
	c.endTurn()
	c.setPhase(domain.PhaseIdle)
}

// endTurn tears the active session down and advances the generation so
// stale timers and async completions are discarded on arrival.
func (c *Controller) endTurn() {
	c.clearTimer(timerResponse)
	c.clearTimer(timerAudioWait)
	c.turn = nil
	c.gen++
}

func (c *Controller) live(gen uint64) bool {
	return c.turn != nil && c.turn.gen == gen
}

func (c *Controller) armTimer(kind timerKind, d time.Duration) {
	c.clearTimer(kind)
	gen := c.turn.gen
	ev := evResponseTimeout
	if kind == timerAudioWait {
		ev = evAudioTimeout
	}
	t := time.AfterFunc(d, func() {
		c.post(event{kind: ev, gen: gen})
	})
	if kind == timerResponse {
		c.responseTimer = t
	} else {
		c.audioTimer = t
	}
}

func (c *Controller) clearTimer(kind timerKind) {
	if kind == timerResponse {
		if c.responseTimer != nil {
			c.responseTimer.Stop()
			c.responseTimer = nil
		}
		return
	}
	if c.audioTimer != nil {
		c.audioTimer.Stop()
		c.audioTimer = nil
	}
}

func (c *Controller) setPhase(phase domain.Phase) {
	c.mu.Lock()
	c.phase = phase
	c.mu.Unlock()
	c.sink.PhaseChanged(phase)
}

func (c *Controller) teardown() {
	c.playback.Stop()
	c.clearTimer(timerResponse)
	c.clearTimer(timerAudioWait)
	c.turn = nil
}
