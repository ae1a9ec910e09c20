package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/pkg/circuitbreaker"
	"peerlink/pkg/retry"
)

// ClientConfig configures a peer's connection to the relay.
type ClientConfig struct {
	URL          string
	Room         string
	Token        string
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	SendBuffer   int
	Reconnect    retry.Config
	Breaker      circuitbreaker.Config
}

// FrameHandler receives every frame the relay sends. It runs on the
// client's read goroutine and must not block.
type FrameHandler func(domain.RelayFrame)

// Client is the peer side of the relay. It redials when the connection
// drops; every new connection starts with a fresh connect event.
type Client struct {
	cfg     ClientConfig
	handler FrameHandler
	logger  *zap.SugaredLogger
	dialer  *websocket.Dialer
	breaker *circuitbreaker.CircuitBreaker

	mu     sync.Mutex
	conn   *websocket.Conn
	out    chan []byte
	gone   chan struct{}
	closed bool
}

func NewClient(cfg ClientConfig, handler FrameHandler, logger *zap.SugaredLogger) *Client {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker = circuitbreaker.DefaultConfig()
	}
	cfg.Reconnect.NonRetryableErrors = append(cfg.Reconnect.NonRetryableErrors, domain.ErrRelayClosed)

	breaker := circuitbreaker.New(cfg.Breaker)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("relay dial breaker changed state", "from", from.String(), "to", to.String())
	})

	return &Client{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		breaker: breaker,
	}
}

// RoomURL builds the websocket URL of a room from the relay base URL.
func RoomURL(base, room, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid relay url scheme %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + url.PathEscape(room)
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Run connects and reads frames until ctx is done or Close is called,
// redialing with backoff after a dropped connection.
func (c *Client) Run(ctx context.Context) error {
	target, err := RoomURL(c.cfg.URL, c.cfg.Room, c.cfg.Token)
	if err != nil {
		return err
	}

	for {
		conn, err := retry.RetryWithResult(ctx, c.cfg.Reconnect, func() (*websocket.Conn, error) {
			if c.isClosed() {
				return nil, domain.ErrRelayClosed
			}
			return circuitbreaker.Do(c.breaker, func() (*websocket.Conn, error) {
				return c.dial(ctx, target)
			})
		})
		if err != nil {
			if c.isClosed() {
				return nil
			}
			return fmt.Errorf("failed to connect to relay: %w", err)
		}

		c.serve(ctx, conn)

		if c.isClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		c.logger.Infow("relay connection lost, reconnecting", "room", c.cfg.Room)
	}
}

func (c *Client) dial(ctx context.Context, target string) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay refused connection (%s): %w", resp.Status, err)
		}
		return nil, err
	}
	return conn, nil
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	out := make(chan []byte, c.cfg.SendBuffer)
	gone := make(chan struct{})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn, c.out, c.gone = conn, out, gone
	c.mu.Unlock()

	go c.writePump(conn, out, gone)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.readPump(conn)

	c.mu.Lock()
	close(gone)
	c.conn, c.out, c.gone = nil, nil, nil
	c.mu.Unlock()
	conn.Close()
}

func (c *Client) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !c.isClosed() {
				c.logger.Debugw("relay read failed", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		var frame domain.RelayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warnw("ignoring malformed relay frame", "error", err)
			continue
		}
		c.handler(frame)
	}
}

func (c *Client) writePump(conn *websocket.Conn, out <-chan []byte, gone <-chan struct{}) {
	for {
		select {
		case msg := <-out:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debugw("relay write failed", "error", err)
				conn.Close()
				return
			}
		case <-gone:
			return
		}
	}
}

// SendSignal sends an envelope to the relay. It fails with
// domain.ErrRelayClosed while disconnected.
func (c *Client) SendSignal(ctx context.Context, envelope domain.SignalEnvelope) error {
	frame, err := domain.NewRelayFrame(domain.RelayEventSignal, envelope)
	if err != nil {
		return fmt.Errorf("failed to encode signal: %w", err)
	}
	msg, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode signal: %w", err)
	}

	c.mu.Lock()
	out, gone := c.out, c.gone
	c.mu.Unlock()
	if out == nil {
		return domain.ErrRelayClosed
	}

	select {
	case out <- msg:
		return nil
	case <-gone:
		return domain.ErrRelayClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected reports whether a relay connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close leaves the room. Run returns nil afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leave")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		c.logger.Debugw("failed to send close frame", "error", err)
	}
	conn.Close()
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
