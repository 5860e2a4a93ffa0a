// Package relayclient is the client side of the signaling relay: one
// WebSocket carrying signaling.Message values in both directions.
package relayclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/signaling"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrRelayClosed  = errors.New("relay connection closed")
	ErrBackpressure = errors.New("relay send queue full")
)

const writeWait = 5 * time.Second

type Options struct {
	URL        string
	UserID     domain.UserID
	Username   string
	PingPeriod time.Duration
	QueueSize  int
}

// Client implements core.Relay. Send never blocks on the network: frames go
// through a bounded queue drained by the write pump.
type Client struct {
	conn       *websocket.Conn
	send       chan core.Frame
	pingPeriod time.Duration

	mu     sync.RWMutex
	closed bool
}

func SignalURL(base string, uid domain.UserID, username string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if uid != "" {
		q.Set("user_id", string(uid))
	}
	if username != "" {
		q.Set("username", username)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func Dial(ctx context.Context, opts Options) (*Client, error) {
	target, err := SignalURL(opts.URL, opts.UserID, opts.Username)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 30 * time.Second
	}
	log.Info().Str("module", "relayclient").Str("url", opts.URL).Str("user", string(opts.UserID)).Msg("connected")
	return &Client{
		conn:       conn,
		send:       make(chan core.Frame, opts.QueueSize),
		pingPeriod: opts.PingPeriod,
	}, nil
}

func (c *Client) Send(m signaling.Message) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	return c.TrySend(data)
}

func (c *Client) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrRelayClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

// Drain waits until queued frames are written or timeout passes, then
// sends a close frame and closes the connection.
func (c *Client) Drain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for len(c.send) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.Close()
}

// Run pumps messages until ctx is done or the connection drops. Every valid
// inbound message is handed to deliver from the read goroutine.
func (c *Client) Run(ctx context.Context, deliver func(signaling.Message)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writePump(ctx)
	go func() {
		<-ctx.Done()
		c.Close()
	}()
	return c.readPump(ctx, deliver)
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "relayclient").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "relayclient").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "relayclient").Msg("ping")
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, deliver func(signaling.Message)) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Str("module", "relayclient").Msg("readPump read error")
			return fmt.Errorf("%w: %v", ErrRelayClosed, err)
		}
		msg, err := signaling.Parse(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "relayclient").Msg("bad message from relay")
			continue
		}
		deliver(msg)
	}
}
