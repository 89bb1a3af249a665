// Command krishivoice is a terminal client for the Krishi Setu voice
// assistant. Enter toggles recording of one question; the answer streams as
// text and then plays as speech.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"krishivoice/internal/bootstrap"
	"krishivoice/internal/domain"
	"krishivoice/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "krishivoice:", err)
		os.Exit(1)
	}
}

func run() error {
	sink := &terminalSink{out: os.Stdout}
	services, err := bootstrap.Build(sink)
	if err != nil {
		return err
	}
	defer services.Controller.Close()
	defer services.Channel.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Acquire the microphone once, up front, so the permission prompt
	// happens now rather than mid-turn. A refusal here is sticky: every
	// recording attempt will fail fast with the same error.
	acquireCtx, acquireCancel := context.WithTimeout(ctx, 10*time.Second)
	if _, err := services.Capture.Acquire(acquireCtx); err != nil {
		sink.SessionError(domain.ErrorCodeStartup, "microphone unavailable: "+err.Error())
		services.Log.Warn("eager microphone acquisition failed", "error", err)
	}
	acquireCancel()

	// Connect eagerly so the first turn does not pay the dial.
	connectCtx, connectCancel := context.WithTimeout(ctx, 15*time.Second)
	if err := services.Channel.Connect(connectCtx); err != nil {
		services.Log.Warn("agent not reachable yet, will retry on first turn", "error", err)
	}
	connectCancel()

	fmt.Println("krishivoice ready.")
	fmt.Println("  enter        start/stop recording")
	fmt.Println("  t <message>  ask by text")
	fmt.Println("  s            cancel playback")
	fmt.Println("  l            list languages")
	fmt.Println("  q            quit")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := handle(ctx, services, line); done {
				return nil
			}
		}
	}
}

func handle(ctx context.Context, services bootstrap.Services, line string) bool {
	ctrl := services.Controller
	switch {
	case line == "q":
		return true

	case line == "s":
		ctrl.CancelPlayback()

	case line == "l":
		for code, name := range services.TextChat.Languages(ctx) {
			fmt.Printf("  %s  %s\n", code, name)
		}

	case strings.HasPrefix(line, "t "):
		message := strings.TrimSpace(strings.TrimPrefix(line, "t "))
		if message == "" {
			return false
		}
		askCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		answer, err := services.TextChat.Ask(askCtx, message, services.Config.Session.UILanguage, nil)
		cancel()
		if err != nil {
			fmt.Println("! text chat failed:", err)
			return false
		}
		fmt.Println(">", answer)

	default:
		toggleRecording(ctrl)
	}
	return false
}

func toggleRecording(ctrl *session.Controller) {
	if ctrl.Status().Phase == domain.PhaseRecording {
		if err := ctrl.StopRecording(); err != nil {
			fmt.Println("! stop failed:", err)
		}
		return
	}
	err := ctrl.StartRecording()
	switch {
	case err == nil:
	case errors.Is(err, session.ErrSessionActive):
		fmt.Println("! a question is already in flight, wait for the answer")
	default:
		fmt.Println("! recording failed:", err)
	}
}

// terminalSink renders session callbacks as terminal output. Callbacks arrive
// on the controller goroutine, so writes are naturally serialized.
type terminalSink struct {
	out *os.File
}

func (s *terminalSink) PhaseChanged(phase domain.Phase) {
	switch phase {
	case domain.PhaseRecording:
		fmt.Fprintln(s.out, "[recording] speak now, enter to finish")
	case domain.PhaseProcessing:
		fmt.Fprintln(s.out, "[thinking]")
	case domain.PhaseIdle:
		fmt.Fprintln(s.out, "[ready]")
	}
}

func (s *terminalSink) ChannelStatusChanged(status domain.ChannelStatus) {
	switch status {
	case domain.ChannelReconnecting:
		fmt.Fprintln(s.out, "[connection lost, retrying]")
	case domain.ChannelOffline:
		fmt.Fprintln(s.out, "[offline]")
	}
}

func (s *terminalSink) UserTranscript(text, _ string) {
	fmt.Fprintf(s.out, "you said: %s\n", text)
}

func (s *terminalSink) AnswerChunk(text string) {
	fmt.Fprint(s.out, text)
}

func (s *terminalSink) AnswerFinal(text, _ string) {
	fmt.Fprintf(s.out, "\n> %s\n", text)
}

func (s *terminalSink) PlaybackStarted(domain.AudioAsset) {
	fmt.Fprintln(s.out, "[playing answer, s to skip]")
}

func (s *terminalSink) PlaybackFinished() {}

func (s *terminalSink) SessionError(code domain.ErrorCode, message string) {
	switch {
	case code == domain.ErrorCodeAudioTimeout:
		fmt.Fprintln(s.out, "[no speech audio for this answer]")
	case code.Retryable():
		fmt.Fprintf(s.out, "! %s, please try again (%s)\n", message, code)
	default:
		fmt.Fprintf(s.out, "! %s (%s)\n", message, code)
	}
}
