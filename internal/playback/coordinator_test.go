package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"krishivoice/internal/domain"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePlayer struct {
	mu      sync.Mutex
	playErr error
	played  []domain.AudioAsset
	dones   []func(error)
	stops   int
}

func (p *fakePlayer) Play(_ context.Context, asset domain.AudioAsset, done func(err error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playErr != nil {
		return p.playErr
	}
	p.played = append(p.played, asset)
	p.dones = append(p.dones, done)
	return nil
}

func (p *fakePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
}

func (p *fakePlayer) playCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.played)
}

func (p *fakePlayer) finish(i int, err error) {
	p.mu.Lock()
	done := p.dones[i]
	p.mu.Unlock()
	done(err)
}

func waitFor(t *testing.T, desc string, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !pred() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", desc)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type callbackLog struct {
	mu      sync.Mutex
	started int
	done    []error
}

func (l *callbackLog) onStarted() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started++
}

func (l *callbackLog) onDone(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done = append(l.done, err)
}

func (l *callbackLog) startedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

func (l *callbackLog) doneCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.done)
}

func TestStartsImmediatelyWhenDwellElapsed(t *testing.T) {
	t.Parallel()
	player := &fakePlayer{}
	c := NewCoordinator(player, 10*time.Millisecond, discardLog())
	cb := &callbackLog{}

	c.TextShown()
	time.Sleep(20 * time.Millisecond)
	c.Start(context.Background(), domain.AudioAsset{URL: "u"}, cb.onStarted, cb.onDone)

	if player.playCount() != 1 {
		t.Fatal("late asset should play without deferral")
	}
	if cb.startedCount() != 1 {
		t.Fatal("onStarted not invoked")
	}

	player.finish(0, nil)
	if cb.doneCount() != 1 {
		t.Fatal("onDone not invoked on natural completion")
	}
}

func TestDefersUntilDwellDeadline(t *testing.T) {
	t.Parallel()
	player := &fakePlayer{}
	c := NewCoordinator(player, 60*time.Millisecond, discardLog())
	cb := &callbackLog{}

	c.TextShown()
	c.Start(context.Background(), domain.AudioAsset{URL: "u"}, cb.onStarted, cb.onDone)

	if player.playCount() != 0 {
		t.Fatal("playback began inside the dwell window")
	}
	waitFor(t, "deferred playback", func() bool { return player.playCount() == 1 })
	if cb.startedCount() != 1 {
		t.Fatal("onStarted not invoked after deferral")
	}
}

func TestStopCancelsPendingDwell(t *testing.T) {
	t.Parallel()
	player := &fakePlayer{}
	c := NewCoordinator(player, 40*time.Millisecond, discardLog())
	cb := &callbackLog{}

	c.TextShown()
	c.Start(context.Background(), domain.AudioAsset{URL: "u"}, cb.onStarted, cb.onDone)
	c.Stop()

	time.Sleep(80 * time.Millisecond)
	if player.playCount() != 0 {
		t.Fatal("cancelled dwell still played")
	}
	if cb.doneCount() != 0 {
		t.Fatal("onDone fired for a playback that never began")
	}
}

func TestReplacementSwallowsStaleDone(t *testing.T) {
	t.Parallel()
	player := &fakePlayer{}
	c := NewCoordinator(player, 0, discardLog())
	first := &callbackLog{}
	second := &callbackLog{}

	c.Start(context.Background(), domain.AudioAsset{URL: "a"}, first.onStarted, first.onDone)
	c.Start(context.Background(), domain.AudioAsset{URL: "b"}, second.onStarted, second.onDone)

	if player.playCount() != 2 {
		t.Fatalf("play count = %d, want 2", player.playCount())
	}

	// The displaced playback's terminal event must not reach its observer.
	player.finish(0, nil)
	if first.doneCount() != 0 {
		t.Fatal("stale onDone leaked through")
	}
	player.finish(1, nil)
	if second.doneCount() != 1 {
		t.Fatal("live onDone lost")
	}
}

func TestPlayErrorReportsDone(t *testing.T) {
	t.Parallel()
	player := &fakePlayer{playErr: errors.New("no output device")}
	c := NewCoordinator(player, 0, discardLog())
	cb := &callbackLog{}

	c.Start(context.Background(), domain.AudioAsset{URL: "u"}, cb.onStarted, cb.onDone)

	if cb.doneCount() != 1 {
		t.Fatal("play failure not reported")
	}
	if cb.startedCount() != 0 {
		t.Fatal("onStarted fired for failed playback")
	}
}

func TestStartWithoutTextShownPlaysImmediately(t *testing.T) {
	t.Parallel()
	player := &fakePlayer{}
	c := NewCoordinator(player, time.Hour, discardLog())
	cb := &callbackLog{}

	c.Start(context.Background(), domain.AudioAsset{URL: "u"}, cb.onStarted, cb.onDone)
	if player.playCount() != 1 {
		t.Fatal("playback should not wait when no text anchor exists")
	}
}
