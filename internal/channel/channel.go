package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"krishivoice/internal/domain"
	"krishivoice/internal/protocol"
)

// ErrNotConnected is returned by Send when the channel is not open. The
// caller owns establishing the connection; nothing is queued on its behalf.
var ErrNotConnected = errors.New("agent channel is not connected")

const (
	defaultDialTimeout = 10 * time.Second
	writeWait          = 10 * time.Second
	maxFrameSize       = 4 * 1024 * 1024
)

// Config controls the duplex agent connection.
type Config struct {
	URL               string
	DialTimeout       time.Duration
	HeartbeatInterval time.Duration
	MaxAttempts       int
	ReconnectDelay    time.Duration
}

// Channel is a persistent duplex websocket to the remote agent gateway.
// Incoming frames are parsed in arrival order onto Frames(); malformed
// frames are dropped. An unexpected close triggers bounded reconnection.
type Channel struct {
	cfg      Config
	log      *slog.Logger
	onStatus func(domain.ChannelStatus)
	frames   chan protocol.ServerFrame

	mu     sync.Mutex
	conn   *websocket.Conn
	status domain.ChannelStatus
	closed bool
	gen    int

	// writeMu serializes frame writes: the transport allows a single
	// concurrent writer, and Send is called from both the session's send
	// path and the heartbeat goroutine.
	writeMu sync.Mutex
}

// New builds a channel in the closed state. onStatus observes every status
// transition and may be nil.
func New(cfg Config, onStatus func(domain.ChannelStatus), log *slog.Logger) (*Channel, error) {
	if cfg.URL == "" {
		return nil, errors.New("agent websocket URL is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 25 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		cfg:      cfg,
		log:      log.With("component", "channel"),
		onStatus: onStatus,
		frames:   make(chan protocol.ServerFrame, 64),
		status:   domain.ChannelClosed,
	}, nil
}

// Connect dials the agent with bounded retries and linear backoff. It
// resolves once the websocket handshake completes.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status == domain.ChannelOpen {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.mu.Unlock()

	c.setStatus(domain.ChannelConnecting)
	if err := c.dialWithRetry(ctx, domain.ChannelConnecting); err != nil {
		c.setStatus(domain.ChannelOffline)
		return err
	}
	return nil
}

func (c *Channel) dialWithRetry(ctx context.Context, retryStatus domain.ChannelStatus) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			// Caller closed mid-retry; closed is terminal.
			return ErrNotConnected
		}
		if attempt > 1 {
			c.setStatus(retryStatus)
			delay := time.Duration(attempt-1) * c.cfg.ReconnectDelay
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		c.log.Info("dialing agent", "attempt", attempt, "max", c.cfg.MaxAttempts)
		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, nil)
		cancel()
		if err != nil {
			lastErr = err
			c.log.Warn("dial failed", "attempt", attempt, "error", err)
			continue
		}

		conn.SetReadLimit(maxFrameSize)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return ErrNotConnected
		}
		c.conn = conn
		c.gen++
		gen := c.gen
		c.mu.Unlock()

		c.setStatus(domain.ChannelOpen)
		go c.readPump(conn, gen)
		go c.heartbeat(conn, gen)
		return nil
	}
	return fmt.Errorf("failed to connect to agent after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

// Send writes one frame. It reports ErrNotConnected when the channel is not
// open rather than queueing silently.
func (c *Channel) Send(frame any) error {
	c.mu.Lock()
	conn := c.conn
	open := c.status == domain.ChannelOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

// Frames delivers parsed agent frames in arrival order. The channel stays
// valid across reconnects.
func (c *Channel) Frames() <-chan protocol.ServerFrame {
	return c.frames
}

// Status returns the current connection status.
func (c *Channel) Status() domain.ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Close tears the connection down and suppresses all reconnection.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.setStatus(domain.ChannelClosed)
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		return conn.Close()
	}
	return nil
}

// setStatus records and publishes a status transition. Repeated statuses are
// published too: observers see one reconnecting report per attempt. Closed is
// terminal; only a fresh Connect moves the channel out of it.
func (c *Channel) setStatus(status domain.ChannelStatus) {
	c.mu.Lock()
	if c.closed && status != domain.ChannelClosed {
		c.mu.Unlock()
		return
	}
	c.status = status
	c.mu.Unlock()

	c.log.Debug("channel status", "status", status)
	if c.onStatus != nil {
		c.onStatus(status)
	}
}

func (c *Channel) readPump(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, gen, err)
			return
		}

		frame, err := protocol.ParseServerFrame(data)
		if err != nil {
			// Foreign or malformed frames never crash the channel.
			c.log.Debug("dropping frame", "error", err)
			continue
		}
		if _, isPong := frame.(protocol.Pong); isPong {
			continue
		}

		select {
		case c.frames <- frame:
		default:
			c.log.Warn("frame buffer full, dropping frame")
		}
	}
}

func (c *Channel) heartbeat(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		stale := c.gen != gen || c.conn != conn
		c.mu.Unlock()
		if stale {
			return
		}
		if err := c.Send(protocol.NewPing()); err != nil {
			return
		}
	}
}

// handleDisconnect runs the bounded reconnect loop for closes the caller
// did not initiate.
func (c *Channel) handleDisconnect(conn *websocket.Conn, gen int, cause error) {
	_ = conn.Close()

	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	if websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Info("agent closed the connection", "cause", cause)
	} else {
		c.log.Warn("connection lost", "cause", cause)
	}

	c.setStatus(domain.ChannelReconnecting)
	if err := c.dialWithRetry(context.Background(), domain.ChannelReconnecting); err != nil {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		c.log.Error("reconnection exhausted", "error", err)
		c.setStatus(domain.ChannelOffline)
	}
}
