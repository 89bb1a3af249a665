package domain

import "time"

// Phase models one voice turn end to end. Transitions are strictly ordered;
// the only backward edge is the error/teardown path to PhaseIdle.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseRecording    Phase = "recording"
	PhaseProcessing   Phase = "processing"
	PhaseStreaming    Phase = "streaming"
	PhaseWaitingAudio Phase = "waiting_audio"
	PhasePlaying      Phase = "playing"
)

// Terminal reports whether a new session may be started from this phase.
func (p Phase) Terminal() bool {
	return p == PhaseIdle
}

// ChannelStatus is the lifecycle of the duplex agent connection. The session
// machine observes these transitions; it never touches the socket itself.
type ChannelStatus string

const (
	ChannelConnecting   ChannelStatus = "connecting"
	ChannelOpen         ChannelStatus = "open"
	ChannelReconnecting ChannelStatus = "reconnecting"
	ChannelOffline      ChannelStatus = "offline"
	ChannelClosed       ChannelStatus = "closed"
)

// ErrorCode identifies the normalized failure classes surfaced to the UI.
type ErrorCode string

const (
	ErrorCodePermissionDenied ErrorCode = "permission_denied"
	ErrorCodeUnsupportedEnv   ErrorCode = "unsupported_environment"
	ErrorCodeChannel          ErrorCode = "channel_unavailable"
	ErrorCodeRecordingShort   ErrorCode = "recording_too_short"
	ErrorCodeResponseTimeout  ErrorCode = "response_timeout"
	ErrorCodeAudioTimeout     ErrorCode = "audio_timeout"
	ErrorCodeRemote           ErrorCode = "remote_error"
	ErrorCodeStartup          ErrorCode = "startup"
	ErrorCodePlayback         ErrorCode = "playback"
)

// Retryable reports whether the error should be rendered as a generic
// try-again message rather than a permission-style one.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrorCodePermissionDenied, ErrorCodeUnsupportedEnv, ErrorCodeStartup:
		return false
	}
	return true
}

// RecordingResult is the immutable output of one finished recording.
type RecordingResult struct {
	Audio    []byte
	Format   string
	Duration time.Duration
}

// AudioAsset is a playable reference to the synthesized answer.
type AudioAsset struct {
	URL      string
	Language string
}

// Location is a best-effort coordinate pair attached to a voice turn.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// SupportedLanguages is the fixed product language set. Do not extend it.
var SupportedLanguages = map[string]string{
	"en": "English",
	"hi": "हिंदी (Hindi)",
	"bn": "বাংলা (Bengali)",
	"te": "తెలుగు (Telugu)",
	"ta": "தமிழ் (Tamil)",
	"mr": "मराठी (Marathi)",
	"gu": "ગુજરાતી (Gujarati)",
	"kn": "ಕನ್ನಡ (Kannada)",
	"ml": "മലയാളം (Malayalam)",
	"pa": "ਪੰਜਾਬੀ (Punjabi)",
}

// DefaultLanguage is used whenever a language code is missing or unsupported.
const DefaultLanguage = "en"

// NormalizeLanguage validates a language code, falling back to the default.
func NormalizeLanguage(code string) string {
	if _, ok := SupportedLanguages[code]; ok {
		return code
	}
	return DefaultLanguage
}

// Status summarizes the machine for polling callers.
type Status struct {
	Phase   Phase         `json:"phase"`
	Active  bool          `json:"active"`
	Channel ChannelStatus `json:"channel"`
}
