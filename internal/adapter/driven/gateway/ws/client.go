package ws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/wire"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrNotConnected = errors.New("ws: not connected")

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

// link is one live socket. done closes when the socket is gone.
type link struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (l *link) shutdown() {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

// Client is the endpoint side of the websocket transport. It keeps one
// connection to the relay open, reconnecting with exponential backoff.
// Sends are never queued across reconnects.
type Client struct {
	url    string
	dialer *websocket.Dialer

	MinBackoff time.Duration
	MaxBackoff time.Duration

	mu      sync.RWMutex
	state   domain.ConnectionState
	link    *link
	handler func(domain.Envelope)
}

func NewClient(relayURL string, userID domain.UserID) (*Client, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("user", userID.String())
	u.RawQuery = q.Encode()

	return &Client{
		url:        u.String(),
		dialer:     websocket.DefaultDialer,
		MinBackoff: defaultMinBackoff,
		MaxBackoff: defaultMaxBackoff,
		state:      domain.ConnectionDisconnected,
	}, nil
}

func (c *Client) OnMessage(handler func(domain.Envelope)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

func (c *Client) ConnectionState() domain.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) Send(ctx context.Context, env domain.Envelope) error {
	data, err := wire.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.RLock()
	l := c.link
	c.mu.RUnlock()
	if l == nil {
		return ErrNotConnected
	}
	select {
	case <-l.done:
		return ErrNotConnected
	default:
	}

	select {
	case l.out <- data:
		return nil
	case <-l.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects and reconnects until ctx is done.
func (c *Client) Run(ctx context.Context) {
	backoff := c.MinBackoff
	for {
		c.setState(domain.ConnectionConnecting, nil)
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.setState(domain.ConnectionDisconnected, nil)
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("Relay dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.MaxBackoff)
			continue
		}

		backoff = c.MinBackoff
		log.Info().Str("relay", c.url).Msg("Connected to relay")
		c.serve(ctx, conn)
		c.setState(domain.ConnectionDisconnected, nil)

		if ctx.Err() != nil {
			return
		}
		log.Warn().Msg("Relay connection lost, reconnecting")
	}
}

func (c *Client) setState(s domain.ConnectionState, l *link) {
	c.mu.Lock()
	c.state = s
	c.link = l
	c.mu.Unlock()
}

// serve pumps one connection until it breaks or ctx is done.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	l := &link{conn: conn, out: make(chan []byte, sendBuffer), done: make(chan struct{})}
	c.setState(domain.ConnectionConnected, l)

	stop := context.AfterFunc(ctx, l.shutdown)
	defer stop()

	go c.writePump(l)
	c.readPump(l)
}

func (c *Client) readPump(l *link) {
	defer l.shutdown()

	l.conn.SetReadLimit(maxMessageSize)
	_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	l.conn.SetPingHandler(func(data string) error {
		_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
		return l.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Error().Err(err).Msg("Unexpected relay close error")
			}
			return
		}

		env, err := wire.Unmarshal(data)
		if err != nil {
			log.Warn().Err(err).Msg("Dropping undecodable envelope")
			continue
		}

		c.mu.RLock()
		h := c.handler
		c.mu.RUnlock()
		if h != nil {
			h(env)
		}
	}
}

func (c *Client) writePump(l *link) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		l.shutdown()
	}()

	for {
		select {
		case <-l.done:
			return
		case data := <-l.out:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Msg("Relay write failed")
				return
			}
		case <-ticker.C:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
