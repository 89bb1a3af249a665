package main

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"krishivoice/internal/audio"
	"krishivoice/internal/domain"
	"krishivoice/internal/protocol"
)

// cannedAnswers lets the gateway answer something vaguely plausible in every
// supported language without any model behind it.
var cannedAnswers = map[string]string{
	"en": "For leaf rust on wheat, spray propiconazole at 0.1 percent and avoid evening irrigation for a week.",
	"hi": "गेहूं में रतुआ रोग के लिए प्रोपिकोनाज़ोल 0.1 प्रतिशत का छिड़काव करें और एक सप्ताह शाम की सिंचाई न करें।",
}

const fallbackAnswer = "Please consult your local Krishi Vigyan Kendra for detailed guidance."

type gateway struct {
	log      *slog.Logger
	upgrader websocket.Upgrader
	asset    []byte
	baseURL  string

	// chunkDelay paces streamed fragments so clients see real streaming.
	chunkDelay time.Duration
}

func newGateway(baseURL string, log *slog.Logger) (*gateway, error) {
	asset, err := toneWAV(2 * time.Second)
	if err != nil {
		return nil, fmt.Errorf("render answer asset: %w", err)
	}
	return &gateway{
		log:        log.With("component", "devagent"),
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		asset:      asset,
		baseURL:    baseURL,
		chunkDelay: 30 * time.Millisecond,
	}, nil
}

func (g *gateway) routes(e *echo.Echo) {
	e.GET("/api/voice", g.handleVoice)
	e.POST("/api/chat", g.handleChat)
	e.GET("/api/languages", g.handleLanguages)
	e.GET("/api/health", g.handleHealth)
	e.GET("/assets/answer.wav", g.handleAsset)
}

func (g *gateway) handleVoice(c echo.Context) error {
	conn, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	g.log.Info("voice connection opened", "remote", conn.RemoteAddr().String())

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			g.log.Info("voice connection closed", "error", err)
			return nil
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			g.sendError(conn, "malformed frame")
			continue
		}
		switch head.Type {
		case protocol.TypePing:
			g.write(conn, map[string]string{"type": protocol.TypePong})
		case protocol.TypeAudioStream:
			g.answerTurn(conn, data)
		default:
			g.sendError(conn, "unsupported frame type "+head.Type)
		}
	}
}

// answerTurn plays the agent side of one voice turn: transcript, then the
// audio asset deliberately ahead of the text, then the streamed answer.
// Sending audio first mirrors production, where synthesis regularly wins the
// race against the language model's final token.
func (g *gateway) answerTurn(conn *websocket.Conn, data []byte) {
	var frame struct {
		AudioData  string           `json:"audio_data"`
		Format     string           `json:"format"`
		UILanguage string           `json:"ui_language"`
		Location   *domain.Location `json:"location"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		g.sendError(conn, "malformed audio_stream frame")
		return
	}
	payload, err := base64.StdEncoding.DecodeString(frame.AudioData)
	if err != nil || len(payload) == 0 {
		g.sendError(conn, "audio_data is not valid base64")
		return
	}
	lang := domain.NormalizeLanguage(frame.UILanguage)
	g.log.Info("turn received",
		"bytes", len(payload),
		"format", frame.Format,
		"language", lang,
		"has_location", frame.Location != nil)

	answer, ok := cannedAnswers[lang]
	if !ok {
		answer = fallbackAnswer
	}

	g.write(conn, map[string]string{
		"type":     protocol.TypeTranscript,
		"content":  "(transcription unavailable in the dev gateway)",
		"language": lang,
	})
	g.write(conn, map[string]string{
		"type":     protocol.TypeAudioURL,
		"url":      g.baseURL + "/assets/answer.wav",
		"language": lang,
	})

	words := strings.Fields(answer)
	for i := 0; i < len(words); i += 4 {
		end := i + 4
		if end > len(words) {
			end = len(words)
		}
		g.write(conn, map[string]string{
			"type":    protocol.TypeStreamChunk,
			"content": strings.Join(words[i:end], " ") + " ",
		})
		time.Sleep(g.chunkDelay)
	}
	g.write(conn, map[string]string{
		"type":              protocol.TypeStreamEnd,
		"complete_response": answer,
		"language":          lang,
	})
}

func (g *gateway) sendError(conn *websocket.Conn, message string) {
	g.write(conn, map[string]string{"type": protocol.TypeError, "message": message})
}

func (g *gateway) write(conn *websocket.Conn, frame any) {
	if err := conn.WriteJSON(frame); err != nil {
		g.log.Warn("write failed", "error", err)
	}
}

func (g *gateway) handleChat(c echo.Context) error {
	var req struct {
		Message  string `json:"message"`
		Language string `json:"language"`
	}
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "message is required"})
	}
	lang := domain.NormalizeLanguage(req.Language)
	answer, ok := cannedAnswers[lang]
	if !ok {
		answer = fallbackAnswer
	}
	return c.JSON(http.StatusOK, map[string]string{
		"response": answer,
		"language": lang,
	})
}

func (g *gateway) handleLanguages(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"languages": domain.SupportedLanguages})
}

func (g *gateway) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (g *gateway) handleAsset(c echo.Context) error {
	return c.Blob(http.StatusOK, "audio/wav", g.asset)
}

// toneWAV renders a soft 440 Hz tone so playback is audible without a real
// synthesis backend.
func toneWAV(d time.Duration) ([]byte, error) {
	const sampleRate = 24000
	n := int(d.Seconds() * sampleRate)
	pcm := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		v := math.Sin(2*math.Pi*440*float64(i)/sampleRate) * 0.2
		s := int16(v * math.MaxInt16)
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(s))
	}
	return audio.EncodeWAV(pcm, sampleRate, 1)
}
