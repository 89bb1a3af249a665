package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
)

// FFmpegTranscoder compresses raw PCM into MP3 through an ffmpeg
// subprocess. Any failure is reported so the caller can ship the raw
// capture instead; the agent accepts both.
type FFmpegTranscoder struct {
	command string
	bitrate string
}

func NewFFmpegTranscoder(command string) *FFmpegTranscoder {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFmpegTranscoder{command: command, bitrate: "64k"}
}

func (t *FFmpegTranscoder) Transcode(ctx context.Context, pcm []byte, sampleRate, channels int) ([]byte, string, error) {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(channels),
		"-i", "pipe:0",
		"-f", "mp3",
		"-b:a", t.bitrate,
		"pipe:1",
	}

	cmd := exec.CommandContext(ctx, t.command, args...)
	cmd.Stdin = bytes.NewReader(pcm)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := bytes.TrimSpace(stderr.Bytes())
		if len(detail) > 0 {
			return nil, "", fmt.Errorf("ffmpeg transcode failed: %w: %s", err, detail)
		}
		return nil, "", fmt.Errorf("ffmpeg transcode failed: %w", err)
	}
	if stdout.Len() == 0 {
		return nil, "", fmt.Errorf("ffmpeg produced no output")
	}
	return stdout.Bytes(), "mp3", nil
}
