package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"krishivoice/internal/audio"
	"krishivoice/internal/domain"
	"krishivoice/internal/ports"
	"krishivoice/internal/protocol"
)

type fakeHandle struct {
	blocked chan struct{}
}

func (h *fakeHandle) Read() ([]byte, error) {
	<-h.blocked
	return nil, errors.New("released")
}

func (h *fakeHandle) Live() bool { return true }

type fakeDevice struct {
	err      error
	released bool
}

func (d *fakeDevice) Acquire(context.Context) (ports.CaptureHandle, error) {
	if d.err != nil {
		return nil, d.err
	}
	return &fakeHandle{blocked: make(chan struct{})}, nil
}

func (d *fakeDevice) Release() { d.released = true }

type fakeRecorder struct {
	startErr error
	stopErr  error
	result   domain.RecordingResult
}

func (r *fakeRecorder) Start(ports.CaptureHandle) error { return r.startErr }

func (r *fakeRecorder) Stop(context.Context) (domain.RecordingResult, error) {
	return r.result, r.stopErr
}

type fakeChannel struct {
	mu     sync.Mutex
	frames chan protocol.ServerFrame
	sent   []any
	status domain.ChannelStatus
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		frames: make(chan protocol.ServerFrame, 16),
		status: domain.ChannelOpen,
	}
}

func (ch *fakeChannel) Connect(context.Context) error { return nil }

func (ch *fakeChannel) Send(frame any) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.sent = append(ch.sent, frame)
	return nil
}

func (ch *fakeChannel) Frames() <-chan protocol.ServerFrame { return ch.frames }

func (ch *fakeChannel) Status() domain.ChannelStatus {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.status
}

func (ch *fakeChannel) Close() error { return nil }

func (ch *fakeChannel) emit(frame protocol.ServerFrame) { ch.frames <- frame }

func (ch *fakeChannel) sentCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.sent)
}

func (ch *fakeChannel) sentAt(i int) any {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.sent[i]
}

// fakePlayback records scheduling calls; tests drive the started/done
// callbacks by hand so timing stays deterministic.
type fakePlayback struct {
	mu        sync.Mutex
	starts    int
	stops     int
	textShown int
	onStarted func()
	onDone    func(error)
}

func (p *fakePlayback) TextShown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.textShown++
}

func (p *fakePlayback) Start(_ context.Context, _ domain.AudioAsset, onStarted func(), onDone func(err error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	p.onStarted = onStarted
	p.onDone = onDone
}

func (p *fakePlayback) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
}

func (p *fakePlayback) begin(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		p.mu.Lock()
		cb := p.onStarted
		p.mu.Unlock()
		if cb != nil {
			cb()
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("playback was never started")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (p *fakePlayback) finish(err error) {
	p.mu.Lock()
	cb := p.onDone
	p.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (p *fakePlayback) startCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}

type sinkEvent struct {
	kind   string
	text   string
	phase  domain.Phase
	status domain.ChannelStatus
	code   domain.ErrorCode
}

type captureSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *captureSink) record(ev sinkEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) PhaseChanged(phase domain.Phase) {
	s.record(sinkEvent{kind: "phase", phase: phase})
}

func (s *captureSink) ChannelStatusChanged(status domain.ChannelStatus) {
	s.record(sinkEvent{kind: "channel", status: status})
}

func (s *captureSink) UserTranscript(text, _ string) {
	s.record(sinkEvent{kind: "transcript", text: text})
}

func (s *captureSink) AnswerChunk(text string) {
	s.record(sinkEvent{kind: "chunk", text: text})
}

func (s *captureSink) AnswerFinal(text, _ string) {
	s.record(sinkEvent{kind: "final", text: text})
}

func (s *captureSink) PlaybackStarted(domain.AudioAsset) {
	s.record(sinkEvent{kind: "playback_started"})
}

func (s *captureSink) PlaybackFinished() {
	s.record(sinkEvent{kind: "playback_finished"})
}

func (s *captureSink) SessionError(code domain.ErrorCode, message string) {
	s.record(sinkEvent{kind: "error", code: code, text: message})
}

func (s *captureSink) snapshot() []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sinkEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *captureSink) wait(t *testing.T, desc string, pred func([]sinkEvent) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if pred(s.snapshot()) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; events: %+v", desc, s.snapshot())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (s *captureSink) waitPhase(t *testing.T, phase domain.Phase) {
	t.Helper()
	s.wait(t, "phase "+string(phase), func(evs []sinkEvent) bool {
		for _, ev := range evs {
			if ev.kind == "phase" && ev.phase == phase {
				return true
			}
		}
		return false
	})
}

func (s *captureSink) waitError(t *testing.T, code domain.ErrorCode) {
	t.Helper()
	s.wait(t, "error "+string(code), func(evs []sinkEvent) bool {
		for _, ev := range evs {
			if ev.kind == "error" && ev.code == code {
				return true
			}
		}
		return false
	})
}

func (s *captureSink) hasKind(kind string) bool {
	for _, ev := range s.snapshot() {
		if ev.kind == kind {
			return true
		}
	}
	return false
}

type harness struct {
	ctrl     *Controller
	device   *fakeDevice
	recorder *fakeRecorder
	channel  *fakeChannel
	playback *fakePlayback
	sink     *captureSink
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		device:   &fakeDevice{},
		recorder: &fakeRecorder{result: domain.RecordingResult{Audio: []byte("pcm"), Format: "mp3", Duration: time.Second}},
		channel:  newFakeChannel(),
		playback: &fakePlayback{},
		sink:     &captureSink{},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.ctrl = NewController(cfg, h.device, h.recorder, h.channel, h.playback, nil, h.sink, log)
	t.Cleanup(func() { h.ctrl.Close() })
	return h
}

// runToWaiting drives a turn through start, stop and the final answer so a
// test can pick up at the waiting-audio phase.
func (h *harness) runToWaiting(t *testing.T) {
	t.Helper()
	if err := h.ctrl.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := h.ctrl.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	h.sink.wait(t, "audio sent", func([]sinkEvent) bool { return h.channel.sentCount() == 1 })
	h.channel.emit(protocol.StreamEnd{Content: "answer", Language: "en"})
	h.sink.waitPhase(t, domain.PhaseWaitingAudio)
}

func TestFullTurn(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	if err := h.ctrl.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if got := h.ctrl.Status().Phase; got != domain.PhaseRecording {
		t.Fatalf("phase = %v, want recording", got)
	}
	if err := h.ctrl.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	h.sink.waitPhase(t, domain.PhaseProcessing)
	h.sink.wait(t, "audio sent", func([]sinkEvent) bool { return h.channel.sentCount() == 1 })

	frame, ok := h.channel.sentAt(0).(protocol.AudioStream)
	if !ok {
		t.Fatalf("sent frame type %T, want AudioStream", h.channel.sentAt(0))
	}
	if frame.Type != protocol.TypeAudioStream || !frame.IsFirst || !frame.IsFinal {
		t.Fatalf("malformed audio frame: %+v", frame)
	}

	h.channel.emit(protocol.Transcript{Content: "what is wrong with my wheat", Language: "en"})
	h.channel.emit(protocol.StreamChunk{Content: "Your wheat "})
	h.channel.emit(protocol.StreamChunk{Content: "shows rust."})
	h.sink.waitPhase(t, domain.PhaseStreaming)

	h.channel.emit(protocol.StreamEnd{Content: "Your wheat shows leaf rust.", Language: "en"})
	h.sink.waitPhase(t, domain.PhaseWaitingAudio)

	h.channel.emit(protocol.AudioURL{URL: "https://assets.example/a.mp3", Language: "en"})
	h.playback.begin(t)
	h.sink.waitPhase(t, domain.PhasePlaying)

	h.playback.finish(nil)
	h.sink.waitPhase(t, domain.PhaseIdle)

	evs := h.sink.snapshot()
	var sawChunks, sawFinal bool
	for _, ev := range evs {
		switch ev.kind {
		case "chunk":
			if sawFinal {
				t.Fatal("chunk rendered after final answer")
			}
			sawChunks = true
		case "final":
			if ev.text != "Your wheat shows leaf rust." {
				t.Fatalf("final text = %q", ev.text)
			}
			sawFinal = true
		}
	}
	if !sawChunks || !sawFinal {
		t.Fatalf("missing chunk/final events: %+v", evs)
	}
	if !h.sink.hasKind("playback_finished") {
		t.Fatal("playback never reported finished")
	}
}

func TestAudioBeforeTextIsBuffered(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	if err := h.ctrl.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := h.ctrl.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	h.sink.wait(t, "audio sent", func([]sinkEvent) bool { return h.channel.sentCount() == 1 })

	// Audio lands first. Nothing may play until the text is final.
	h.channel.emit(protocol.AudioURL{URL: "https://assets.example/early.mp3"})
	time.Sleep(20 * time.Millisecond)
	if h.playback.startCount() != 0 {
		t.Fatal("playback started before the answer text arrived")
	}

	h.channel.emit(protocol.StreamEnd{Content: "done", Language: "en"})
	h.playback.begin(t)
	h.sink.waitPhase(t, domain.PhasePlaying)
	h.playback.finish(nil)
	h.sink.waitPhase(t, domain.PhaseIdle)
}

func TestStartWhileActiveIsRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	if err := h.ctrl.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := h.ctrl.StartRecording(); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second start: %v, want ErrSessionActive", err)
	}
	if err := h.ctrl.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	h.sink.waitPhase(t, domain.PhaseProcessing)
	if err := h.ctrl.StartRecording(); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("start while processing: %v, want ErrSessionActive", err)
	}
}

func TestStartDuringPlaybackDisplacesIt(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.runToWaiting(t)

	h.channel.emit(protocol.AudioURL{URL: "https://assets.example/a.mp3"})
	h.playback.begin(t)
	h.sink.waitPhase(t, domain.PhasePlaying)

	if err := h.ctrl.StartRecording(); err != nil {
		t.Fatalf("start during playback: %v", err)
	}
	if got := h.ctrl.Status().Phase; got != domain.PhaseRecording {
		t.Fatalf("phase = %v, want recording", got)
	}
	if !h.sink.hasKind("playback_finished") {
		t.Fatal("displaced playback never reported finished")
	}
}

func TestDisplacementFailureResetsToIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.runToWaiting(t)

	h.channel.emit(protocol.AudioURL{URL: "https://assets.example/a.mp3"})
	h.playback.begin(t)
	h.sink.waitPhase(t, domain.PhasePlaying)

	// The microphone dies between the answer and the follow-up question.
	// Displacing playback must not strand the machine in a turnless
	// playing phase when the new recording cannot start.
	h.device.err = audio.ErrCaptureUnavailable
	if err := h.ctrl.StartRecording(); err == nil {
		t.Fatal("expected start to fail with a dead microphone")
	}
	h.sink.waitError(t, domain.ErrorCodePermissionDenied)
	if got := h.ctrl.Status().Phase; got != domain.PhaseIdle {
		t.Fatalf("phase = %v, want idle", got)
	}
	if h.ctrl.Status().Active {
		t.Fatal("machine still reports an active turn")
	}
	if !h.sink.hasKind("playback_finished") {
		t.Fatal("displaced playback never reported finished")
	}
}

func TestAudioWaitTimeoutKeepsText(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{AudioWaitTimeout: 25 * time.Millisecond})
	h.runToWaiting(t)

	h.sink.waitError(t, domain.ErrorCodeAudioTimeout)
	h.sink.waitPhase(t, domain.PhaseIdle)
	if h.playback.startCount() != 0 {
		t.Fatal("playback attempted after audio timeout")
	}
	if !h.sink.hasKind("final") {
		t.Fatal("answer text lost on audio timeout")
	}
	// A straggler asset after the timeout belongs to a dead turn.
	h.channel.emit(protocol.AudioURL{URL: "https://assets.example/late.mp3"})
	time.Sleep(20 * time.Millisecond)
	if h.playback.startCount() != 0 {
		t.Fatal("stale asset started playback")
	}
}

func TestResponseTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{ResponseTimeout: 25 * time.Millisecond})

	if err := h.ctrl.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := h.ctrl.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	h.sink.waitError(t, domain.ErrorCodeResponseTimeout)
	h.sink.waitPhase(t, domain.PhaseIdle)
	if err := h.ctrl.StartRecording(); err != nil {
		t.Fatalf("start after timeout: %v", err)
	}
}

func TestRemoteErrorFrame(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	if err := h.ctrl.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := h.ctrl.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	h.sink.wait(t, "audio sent", func([]sinkEvent) bool { return h.channel.sentCount() == 1 })

	h.channel.emit(protocol.RemoteError{Message: "model unavailable"})
	h.sink.waitError(t, domain.ErrorCodeRemote)
	h.sink.waitPhase(t, domain.PhaseIdle)
}

func TestRecordingTooShort(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.recorder.stopErr = audio.ErrRecordingTooShort

	if err := h.ctrl.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := h.ctrl.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	h.sink.waitError(t, domain.ErrorCodeRecordingShort)
	h.sink.waitPhase(t, domain.PhaseIdle)
	if h.channel.sentCount() != 0 {
		t.Fatal("short recording was sent anyway")
	}
}

func TestCaptureUnavailable(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.device.err = audio.ErrCaptureUnavailable

	if err := h.ctrl.StartRecording(); err == nil {
		t.Fatal("expected start to fail")
	}
	h.sink.waitError(t, domain.ErrorCodePermissionDenied)
	if got := h.ctrl.Status().Phase; got != domain.PhaseIdle {
		t.Fatalf("phase = %v, want idle", got)
	}
}

func TestAssetWithNoSessionIsDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	h.channel.emit(protocol.AudioURL{URL: "https://assets.example/orphan.mp3"})
	time.Sleep(20 * time.Millisecond)
	if h.playback.startCount() != 0 {
		t.Fatal("orphan asset started playback")
	}
	if len(h.sink.snapshot()) != 0 {
		t.Fatalf("unexpected UI events: %+v", h.sink.snapshot())
	}
}

func TestChannelOfflineFailsActiveTurn(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	if err := h.ctrl.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := h.ctrl.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	h.sink.wait(t, "audio sent", func([]sinkEvent) bool { return h.channel.sentCount() == 1 })

	h.ctrl.HandleChannelStatus(domain.ChannelReconnecting)
	time.Sleep(10 * time.Millisecond)
	if got := h.ctrl.Status().Phase; got == domain.PhaseIdle {
		t.Fatal("turn dropped while channel was merely reconnecting")
	}

	h.ctrl.HandleChannelStatus(domain.ChannelOffline)
	h.sink.waitError(t, domain.ErrorCodeChannel)
	h.sink.waitPhase(t, domain.PhaseIdle)
}

func TestCancelPlayback(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.runToWaiting(t)

	h.channel.emit(protocol.AudioURL{URL: "https://assets.example/a.mp3"})
	h.playback.begin(t)
	h.sink.waitPhase(t, domain.PhasePlaying)

	h.ctrl.CancelPlayback()
	h.sink.waitPhase(t, domain.PhaseIdle)
	if !h.sink.hasKind("playback_finished") {
		t.Fatal("cancel did not report playback finished")
	}
}
