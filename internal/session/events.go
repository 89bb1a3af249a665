package session

import (
	"krishivoice/internal/domain"
	"krishivoice/internal/protocol"
)

// The controller is a single-goroutine reducer. Every stimulus (user
// signals, recorder completion, channel frames and status changes, timer
// expiry, playback completion) becomes one event consumed in order by the
// run loop. Async completions carry the session generation they belong to
// so nothing can touch a session that has since been torn down.

type eventKind int

const (
	evStartRecording eventKind = iota
	evStopRecording
	evCancelPlayback
	evRecorderDone
	evSendFailed
	evFrame
	evChannelStatus
	evResponseTimeout
	evAudioTimeout
	evPlaybackStarted
	evPlaybackDone
	evShutdown
)

type event struct {
	kind   eventKind
	gen    uint64
	frame  protocol.ServerFrame
	status domain.ChannelStatus
	result domain.RecordingResult
	err    error
	reply  chan error
}

type timerKind int

const (
	timerResponse timerKind = iota
	timerAudioWait
)
