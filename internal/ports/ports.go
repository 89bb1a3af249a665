package ports

import (
	"context"
	"time"

	"krishivoice/internal/domain"
	"krishivoice/internal/protocol"
)

// CaptureConfig describes how microphone PCM should be captured.
type CaptureConfig struct {
	SampleRate    int
	Channels      int
	SliceDuration time.Duration
}

// CaptureHandle is a live microphone handle. Read blocks until the next
// fixed-duration PCM slice is available or the handle is released.
type CaptureHandle interface {
	Read() ([]byte, error)
	Live() bool
}

// CaptureDevice owns the hardware microphone. Acquire is idempotent: it
// returns the existing handle when one is live and only touches the OS when
// prior tracks have ended. Release always runs on teardown.
type CaptureDevice interface {
	Acquire(ctx context.Context) (CaptureHandle, error)
	Release()
}

// Recorder turns a capture handle into one immutable RecordingResult.
// Start must not block on hardware; Stop finalizes and encodes.
type Recorder interface {
	Start(handle CaptureHandle) error
	Stop(ctx context.Context) (domain.RecordingResult, error)
}

// Transcoder produces the primary transport encoding from raw PCM. A failed
// transcode is reported honestly so the caller can fall back.
type Transcoder interface {
	Transcode(ctx context.Context, pcm []byte, sampleRate, channels int) ([]byte, string, error)
}

// AgentChannel is the persistent duplex connection to the remote agent.
// Send requires an open connection; there is no silent queueing.
type AgentChannel interface {
	Connect(ctx context.Context) error
	Send(frame any) error
	Frames() <-chan protocol.ServerFrame
	Status() domain.ChannelStatus
	Close() error
}

// Player owns the single audio-output device. Play fetches and plays the
// asset, invoking done exactly once unless Stop discards the playback first.
type Player interface {
	Play(ctx context.Context, asset domain.AudioAsset, done func(err error)) error
	Stop()
}

// LocationProvider yields best-effort coordinates. It must respect the
// context deadline and may return nil; it never blocks a session.
type LocationProvider interface {
	Current(ctx context.Context) *domain.Location
}

// EventSink receives the UI-facing callbacks in their documented order.
type EventSink interface {
	PhaseChanged(phase domain.Phase)
	ChannelStatusChanged(status domain.ChannelStatus)
	UserTranscript(text, language string)
	AnswerChunk(text string)
	AnswerFinal(text, language string)
	PlaybackStarted(asset domain.AudioAsset)
	PlaybackFinished()
	SessionError(code domain.ErrorCode, message string)
}
