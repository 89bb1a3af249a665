package playback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"krishivoice/internal/domain"
)

const (
	playbackSampleRate = 24000
	playbackChannels   = 1
	fetchTimeout       = 20 * time.Second
)

// OtoPlayer fetches a synthesized asset over HTTP, decodes it to PCM with
// an ffmpeg subprocess, and plays it through the speaker via oto. It owns
// the audio-output device exclusively.
type OtoPlayer struct {
	httpClient *http.Client
	ffmpeg     string
	log        *slog.Logger

	ctxOnce sync.Once
	ctxErr  error
	otoCtx  *oto.Context

	mu      sync.Mutex
	current *oto.Player
	watch   chan struct{}
}

func NewOtoPlayer(ffmpegCommand string, log *slog.Logger) *OtoPlayer {
	if ffmpegCommand == "" {
		ffmpegCommand = "ffmpeg"
	}
	if log == nil {
		log = slog.Default()
	}
	return &OtoPlayer{
		httpClient: &http.Client{Timeout: fetchTimeout},
		ffmpeg:     ffmpegCommand,
		log:        log.With("component", "player"),
	}
}

func (p *OtoPlayer) initContext() error {
	p.ctxOnce.Do(func() {
		otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   playbackSampleRate,
			ChannelCount: playbackChannels,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			p.ctxErr = fmt.Errorf("failed to init audio output: %w", err)
			return
		}
		<-ready
		p.otoCtx = otoCtx
	})
	return p.ctxErr
}

// Play starts the asset and invokes done exactly once when playback drains
// naturally or fails. A Stop in between discards the terminal event.
func (p *OtoPlayer) Play(ctx context.Context, asset domain.AudioAsset, done func(err error)) error {
	if err := p.initContext(); err != nil {
		return err
	}

	encoded, err := p.fetch(ctx, asset.URL)
	if err != nil {
		return err
	}

	pcm, err := p.decode(ctx, encoded)
	if err != nil {
		return err
	}

	p.Stop()

	player := p.otoCtx.NewPlayer(bytes.NewReader(pcm))
	watch := make(chan struct{})

	p.mu.Lock()
	p.current = player
	p.watch = watch
	p.mu.Unlock()

	player.Play()
	p.log.Debug("playback started", "bytes", len(pcm), "language", asset.Language)

	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-watch:
				return
			case <-ticker.C:
				if !player.IsPlaying() {
					p.mu.Lock()
					if p.current == player {
						p.current = nil
						p.watch = nil
					}
					p.mu.Unlock()
					_ = player.Close()
					done(nil)
					return
				}
			}
		}
	}()

	return nil
}

// Stop halts and releases any active playback immediately.
func (p *OtoPlayer) Stop() {
	p.mu.Lock()
	player := p.current
	watch := p.watch
	p.current = nil
	p.watch = nil
	p.mu.Unlock()

	if watch != nil {
		close(watch)
	}
	if player != nil {
		player.Pause()
		_ = player.Close()
	}
}

func (p *OtoPlayer) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid asset URL: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch audio asset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("audio asset fetch returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio asset: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("audio asset is empty")
	}
	return data, nil
}

// decode converts the downloaded asset to raw PCM at the output rate.
func (p *OtoPlayer) decode(ctx context.Context, encoded []byte) ([]byte, error) {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
		"-f", "s16le",
		"-ar", strconv.Itoa(playbackSampleRate),
		"-ac", strconv.Itoa(playbackChannels),
		"pipe:1",
	}

	cmd := exec.CommandContext(ctx, p.ffmpeg, args...)
	cmd.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := bytes.TrimSpace(stderr.Bytes())
		if len(detail) > 0 {
			return nil, fmt.Errorf("ffmpeg decode failed: %w: %s", err, detail)
		}
		return nil, fmt.Errorf("ffmpeg decode failed: %w", err)
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("decoded audio is empty")
	}
	return stdout.Bytes(), nil
}
