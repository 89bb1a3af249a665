package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"krishivoice/internal/domain"
)

// Wire frame kinds. One JSON object per websocket text message.
const (
	TypeAudioStream = "audio_stream"
	TypePing        = "ping"

	TypeTranscript  = "transcript"
	TypeStreamChunk = "stream_chunk"
	TypeStreamEnd   = "stream_end"
	TypeAudioURL    = "audio_url"
	TypeError       = "error"
	TypePong        = "pong"
)

// ErrUnknownFrame marks frames the dispatcher should drop rather than
// surface; the channel must never crash on a malformed or foreign frame.
var ErrUnknownFrame = errors.New("unknown frame")

// AudioStream carries one complete utterance as a single framed message.
type AudioStream struct {
	Type       string           `json:"type"`
	AudioData  string           `json:"audio_data"`
	Format     string           `json:"format"`
	IsFirst    bool             `json:"is_first"`
	IsFinal    bool             `json:"is_final"`
	UILanguage string           `json:"ui_language"`
	Location   *domain.Location `json:"location,omitempty"`
}

// NewAudioStream frames a finished recording. The whole utterance travels in
// one message, so it is both the first and the final slice of its stream.
func NewAudioStream(audio []byte, format, uiLanguage string) AudioStream {
	return AudioStream{
		Type:       TypeAudioStream,
		AudioData:  base64.StdEncoding.EncodeToString(audio),
		Format:     format,
		IsFirst:    true,
		IsFinal:    true,
		UILanguage: uiLanguage,
	}
}

// Ping is the liveness heartbeat. The agent answers with a pong frame; no
// reply tracking is done beyond parsing it.
type Ping struct {
	Type string `json:"type"`
}

// NewPing returns an encodable heartbeat frame.
func NewPing() Ping { return Ping{Type: TypePing} }

// ServerFrame is the closed set of agent-to-client messages. Exactly one
// concrete type is produced per parsed frame.
type ServerFrame interface {
	frameType() string
}

// Transcript is the recognized user speech for the current turn.
type Transcript struct {
	Content  string
	Language string
}

// StreamChunk is one incremental fragment of the answer text. Fragments are
// a live preview only; StreamEnd carries the authoritative text.
type StreamChunk struct {
	Content string
}

// StreamEnd carries the complete authoritative answer.
type StreamEnd struct {
	Content  string
	Language string
}

// AudioURL references the synthesized speech asset for the answer.
type AudioURL struct {
	URL      string
	Language string
}

// RemoteError reports an explicit turn failure from the agent.
type RemoteError struct {
	Message string
}

// Pong is the heartbeat reply.
type Pong struct{}

func (Transcript) frameType() string  { return TypeTranscript }
func (StreamChunk) frameType() string { return TypeStreamChunk }
func (StreamEnd) frameType() string   { return TypeStreamEnd }
func (AudioURL) frameType() string    { return TypeAudioURL }
func (RemoteError) frameType() string { return TypeError }
func (Pong) frameType() string        { return TypePong }

// rawFrame covers every field any known agent build has used. The agent has
// shipped chunk text under content/text/chunk and final text under
// complete_response/response/content/text; accept all of them.
type rawFrame struct {
	Type             string `json:"type"`
	Content          string `json:"content"`
	Text             string `json:"text"`
	Chunk            string `json:"chunk"`
	CompleteResponse string `json:"complete_response"`
	Response         string `json:"response"`
	Language         string `json:"language"`
	URL              string `json:"url"`
	Message          string `json:"message"`
}

// ParseServerFrame decodes one agent frame. Malformed payloads and unknown
// kinds return ErrUnknownFrame so callers can drop them silently.
func ParseServerFrame(data []byte) (ServerFrame, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownFrame, err)
	}

	switch raw.Type {
	case TypeTranscript:
		return Transcript{Content: raw.Content, Language: raw.Language}, nil
	case TypeStreamChunk:
		return StreamChunk{Content: firstNonEmpty(raw.Content, raw.Text, raw.Chunk)}, nil
	case TypeStreamEnd:
		content := firstNonEmpty(raw.CompleteResponse, raw.Response, raw.Content, raw.Text)
		return StreamEnd{Content: Sanitize(content), Language: raw.Language}, nil
	case TypeAudioURL:
		if raw.URL == "" {
			return nil, fmt.Errorf("%w: audio_url without url", ErrUnknownFrame)
		}
		return AudioURL{URL: raw.URL, Language: raw.Language}, nil
	case TypeError:
		message := raw.Message
		if message == "" {
			message = "unknown agent error"
		}
		return RemoteError{Message: message}, nil
	case TypePong:
		return Pong{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, raw.Type)
	}
}

// Sanitize strips the trailing/leading "undefined" tokens the agent's
// streaming pipeline occasionally appends and collapses repeated spaces.
func Sanitize(text string) string {
	result := strings.TrimSpace(text)
	for strings.HasSuffix(result, "undefined") {
		result = strings.TrimSpace(strings.TrimSuffix(result, "undefined"))
	}
	for strings.HasPrefix(result, "undefined") {
		result = strings.TrimSpace(strings.TrimPrefix(result, "undefined"))
	}
	for strings.Contains(result, "  ") {
		result = strings.ReplaceAll(result, "  ", " ")
	}
	return result
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
