package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"callcore/native/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle state of the signaling connection.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var errClosed = errors.New("signal client closed")

// Config configures a Client. Zero durations and counts take the defaults
// below.
type Config struct {
	URL    string
	Tokens domain.TokenProvider

	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
	PingInterval         time.Duration
	WriteTimeout         time.Duration
	DialTimeout          time.Duration

	Dialer      *websocket.Dialer
	Diagnostics domain.Diagnostics
	Logger      *zerolog.Logger
}

const (
	defaultMaxReconnectAttempts = 5
	defaultReconnectBackoff     = time.Second
	defaultWriteTimeout         = 5 * time.Second
	defaultDialTimeout          = 10 * time.Second
)

// Client manages the WebSocket connection to the signaling relay. It
// reconnects with linear backoff after unexpected drops and fans decoded
// frames out to listeners registered per message type.
type Client struct {
	cfg  Config
	log  zerolog.Logger
	diag domain.Diagnostics

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	done    chan struct{}
	epoch   uint64
	attempt int
	stopped bool
	timer   *time.Timer

	listeners *listenerSet
}

// NewClient creates a signaling client. Call Connect to open it.
func NewClient(cfg Config) *Client {
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultReconnectBackoff
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}

	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	l = l.With().Str("module", "signal").Logger()

	diag := cfg.Diagnostics
	if diag == nil {
		diag = logDiagnostics{log: l}
	}

	return &Client{
		cfg:       cfg,
		log:       l,
		diag:      diag,
		listeners: newListenerSet(),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempt returns how many reconnects have been scheduled since the
// connection was last open.
func (c *Client) ReconnectAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Connect dials the relay and starts the read loop. It is a no-op while the
// client is already connecting or open. An explicit Connect starts a fresh
// retry cycle; if the dial fails a reconnect is scheduled and the error is
// returned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.stopped = false
	c.attempt = 0
	c.stopTimerLocked()
	c.state = StateConnecting
	c.mu.Unlock()

	return c.dial(ctx)
}

// Close shuts down the connection and cancels any pending reconnect.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.stopped = true
	c.stopTimerLocked()
	if c.conn != nil {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteTimeout),
		)
	}
	c.closeConnLocked()
	c.state = StateClosed
	c.log.Info().Msg("closed")
}

// Send writes msg if the connection is open. Messages sent while the
// connection is down are logged and dropped, never replayed.
func (c *Client) Send(msg domain.Message) {
	data, err := domain.Encode(msg)
	if err != nil {
		c.log.Error().Err(err).Str("type", string(msg.Type())).Msg("encode")
		c.diag.ReportError(err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen || c.conn == nil {
		c.log.Warn().Str("type", string(msg.Type())).Str("state", c.state.String()).Msg("not connected, dropping message")
		return
	}
	if err := c.writeLocked(data); err != nil {
		// The read loop notices the broken connection and reconnects.
		c.log.Error().Err(err).Str("type", string(msg.Type())).Msg("write")
		return
	}
	c.log.Debug().Str("type", string(msg.Type())).Msg(">>>")
}

// On registers handler for frames of type t. Handlers for the same type run
// in registration order on the read goroutine.
func (c *Client) On(t domain.MessageType, handler func(domain.Message)) domain.ListenerID {
	return c.listeners.add(t, handler)
}

// Off removes a handler registered with On. It is safe to call from inside
// a handler; a removed handler is not invoked again, even for the frame
// currently being dispatched.
func (c *Client) Off(t domain.MessageType, id domain.ListenerID) {
	c.listeners.remove(t, id)
}

func (c *Client) dial(ctx context.Context) error {
	token, err := c.token(ctx)
	if err != nil {
		c.connectFailed(err)
		return fmt.Errorf("fetch token: %w", err)
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	c.log.Info().Str("url", c.cfg.URL).Msg("connecting")
	conn, _, err := c.cfg.Dialer.DialContext(dctx, c.cfg.URL, nil)
	if err != nil {
		c.connectFailed(err)
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.mu.Lock()
	if c.stopped || c.state != StateConnecting {
		c.mu.Unlock()
		conn.Close()
		return errClosed
	}
	c.epoch++
	epoch := c.epoch
	c.conn = conn

	// auth goes out before the state flips to open, so it always precedes
	// anything passed to Send.
	if token != "" {
		data, err := domain.Encode(domain.Auth{Token: token})
		if err == nil {
			err = c.writeLocked(data)
		}
		if err != nil {
			c.closeConnLocked()
			c.scheduleReconnectLocked()
			c.mu.Unlock()
			return fmt.Errorf("send auth: %w", err)
		}
	}

	done := make(chan struct{})
	c.done = done
	c.state = StateOpen
	c.attempt = 0
	c.mu.Unlock()

	c.log.Info().Str("url", c.cfg.URL).Msg("connected")

	if c.cfg.PingInterval > 0 {
		idle := 2 * c.cfg.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(idle))
		})
		go c.pingLoop(conn, done)
	}
	go c.readLoop(conn, epoch)

	return nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.cfg.Tokens == nil {
		return "", nil
	}
	return c.cfg.Tokens.Token(ctx)
}

func (c *Client) connectFailed(err error) {
	c.log.Warn().Err(err).Msg("connect failed")

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return
	}
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked moves to closed and, unless the client was closed
// explicitly or retries are exhausted, arms the next reconnect.
func (c *Client) scheduleReconnectLocked() {
	c.state = StateClosed
	if c.stopped {
		return
	}
	if c.attempt >= c.cfg.MaxReconnectAttempts {
		c.log.Error().Int("attempts", c.attempt).Msg("giving up reconnecting")
		return
	}
	c.attempt++
	delay := time.Duration(c.attempt) * c.cfg.ReconnectBackoff
	c.log.Info().Int("attempt", c.attempt).Dur("delay", delay).Msg("reconnect scheduled")
	c.timer = time.AfterFunc(delay, c.reconnect)
}

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.stopped || c.state != StateClosed {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.state = StateConnecting
	c.mu.Unlock()

	_ = c.dial(context.Background())
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) closeConnLocked() {
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) writeLocked(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop(conn *websocket.Conn, epoch uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(epoch, err)
			return
		}

		msg, err := domain.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("discarding malformed frame")
			c.diag.ReportError(fmt.Errorf("decode frame: %w", err))
			continue
		}

		c.log.Debug().Str("type", string(msg.Type())).Msg("<<<")
		c.listeners.dispatch(msg)
	}
}

func (c *Client) connectionLost(epoch uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || c.epoch != epoch || c.state != StateOpen {
		return
	}
	c.log.Warn().Err(err).Msg("connection lost")
	c.closeConnLocked()
	c.scheduleReconnectLocked()
}

func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.conn != conn {
				c.mu.Unlock()
				return
			}
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.mu.Unlock()
			if err != nil {
				c.log.Warn().Err(err).Msg("ping")
				return
			}
		}
	}
}

type logDiagnostics struct {
	log zerolog.Logger
}

func (d logDiagnostics) ReportError(err error) {
	d.log.Error().Err(err).Msg("diagnostics")
}
