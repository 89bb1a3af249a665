package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"krishivoice/internal/ports"
)

// ErrCaptureUnavailable is the sticky failure set when the eager startup
// acquisition is refused. Later attempts report it without touching the OS
// again; there is no silent retry of a denied permission.
var ErrCaptureUnavailable = errors.New("microphone capture is unavailable")

// ErrHandleReleased is returned by Read once the device has been released.
var ErrHandleReleased = errors.New("capture handle released")

// Device owns the hardware microphone through malgo. The device is acquired
// eagerly at startup to mask OS permission latency; Acquire reuses the live
// handle and only re-acquires when prior tracks have ended.
type Device struct {
	cfg ports.CaptureConfig
	log *slog.Logger

	mu           sync.Mutex
	malgoCtx     *malgo.AllocatedContext
	handle       *captureHandle
	everAcquired bool
	unavailable  error
}

// NewDevice prepares a capture device. Call Acquire once at startup.
func NewDevice(cfg ports.CaptureConfig, log *slog.Logger) *Device {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.SliceDuration <= 0 {
		cfg.SliceDuration = 100 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Device{cfg: cfg, log: log.With("component", "capture")}
}

// Acquire is idempotent: it hands back the existing handle while it is
// live, re-acquires transparently when the OS revoked it, and fails fast
// forever after a startup denial.
func (d *Device) Acquire(_ context.Context) (ports.CaptureHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.unavailable != nil {
		return nil, d.unavailable
	}
	if d.handle != nil && d.handle.Live() {
		return d.handle, nil
	}
	if d.handle != nil {
		d.log.Info("capture handle went stale, re-acquiring")
		d.handle.release()
		d.handle = nil
	}

	handle, err := d.acquireLocked()
	if err != nil {
		if !d.everAcquired {
			// Startup denial: mark capture unavailable for good.
			d.unavailable = fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
			return nil, d.unavailable
		}
		return nil, err
	}
	d.handle = handle
	d.everAcquired = true
	return handle, nil
}

func (d *Device) acquireLocked() (*captureHandle, error) {
	if d.malgoCtx == nil {
		malgoCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to init audio context: %w", err)
		}
		d.malgoCtx = malgoCtx
	}

	handle := &captureHandle{
		slices: make(chan []byte, 32),
		done:   make(chan struct{}),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(d.cfg.Channels)
	deviceConfig.SampleRate = uint32(d.cfg.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(d.cfg.SliceDuration / time.Millisecond)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			handle.push(input)
		},
	}

	device, err := malgo.InitDevice(d.malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("failed to init microphone: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("failed to start microphone: %w", err)
	}

	handle.device = device
	d.log.Info("microphone acquired", "sample_rate", d.cfg.SampleRate, "channels", d.cfg.Channels)
	return handle, nil
}

// Release stops the device and frees the audio context. Safe to call on any
// exit path, including after a failed Acquire.
func (d *Device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle != nil {
		d.handle.release()
		d.handle = nil
	}
	if d.malgoCtx != nil {
		_ = d.malgoCtx.Uninit()
		d.malgoCtx.Free()
		d.malgoCtx = nil
	}
}

// captureHandle delivers fixed-duration PCM slices from the device callback.
type captureHandle struct {
	device *malgo.Device

	slices chan []byte

	mu       sync.Mutex
	done     chan struct{}
	released bool
}

func (h *captureHandle) push(input []byte) {
	if len(input) == 0 {
		return
	}
	slice := make([]byte, len(input))
	copy(slice, input)
	select {
	case h.slices <- slice:
	case <-h.done:
	default:
		// A stalled reader loses audio rather than blocking the device.
	}
}

func (h *captureHandle) Read() ([]byte, error) {
	select {
	case slice := <-h.slices:
		return slice, nil
	case <-h.done:
		// Drain anything the callback pushed before release.
		select {
		case slice := <-h.slices:
			return slice, nil
		default:
			return nil, ErrHandleReleased
		}
	}
}

func (h *captureHandle) Live() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.released && h.device != nil && h.device.IsStarted()
}

func (h *captureHandle) release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	close(h.done)
	device := h.device
	h.mu.Unlock()

	if device != nil {
		_ = device.Stop()
		device.Uninit()
	}
}
