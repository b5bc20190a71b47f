package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ortusmarket/convo-core/internal/observability"
)

// ErrDisconnected indicates an operation was attempted while the realtime
// connection is down. Callers retry manually; nothing is queued.
var ErrDisconnected = errors.New("realtime transport disconnected")

const (
	reconnectMinWait = 500 * time.Millisecond
	reconnectMaxWait = 15 * time.Second
	handshakeTimeout = 5 * time.Second
	keepaliveEvery   = 30 * time.Second
)

// TokenSource supplies the bearer token attached to the websocket handshake.
// Session management is owned by the embedding application.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// Client maintains the single duplex connection to the messaging endpoint and
// fans inbound events out to subscribers. Disconnects are silent to
// subscribers; sends on a dead connection fail with ErrDisconnected.
type Client struct {
	endpoint string
	token    TokenSource
	dialer   *websocket.Dialer
	log      zerolog.Logger
	bus      *bus

	mu     sync.Mutex
	conn   *websocket.Conn
	joined string

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient constructs a realtime client for the given websocket endpoint.
func NewClient(endpoint string, token TokenSource, logger zerolog.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		token:    token,
		dialer:   &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		log:      logger.With().Str("component", "transport").Logger(),
		bus:      newBus(logger),
		closed:   make(chan struct{}),
	}
}

// Subscribe registers a handler for one inbound event kind. Any number of
// handlers may subscribe to the same kind.
func (c *Client) Subscribe(kind EventKind, handler Handler) {
	c.bus.subscribe(kind, handler)
}

// Connect dials the endpoint and starts the read loop. The connection is kept
// alive until ctx is cancelled or Close is called; on read failure the client
// redials with backoff and re-joins the currently open thread.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.setConn(conn)
	go c.run(ctx)

	return nil
}

// Send marshals the payload into an envelope and writes it to the connection.
func (c *Client) Send(kind EventKind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrDisconnected
	}

	if err := c.conn.WriteJSON(Envelope{Kind: kind, Payload: raw}); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	return nil
}

// JoinThread subscribes the connection to a thread's event room. The thread
// is remembered so a reconnect re-joins it.
func (c *Client) JoinThread(id string) error {
	c.mu.Lock()
	c.joined = id
	c.mu.Unlock()

	return c.Send(EventJoinThread, RoomPayload{ThreadID: id})
}

// LeaveThread releases the room membership for the thread.
func (c *Client) LeaveThread(id string) error {
	c.mu.Lock()
	if c.joined == id {
		c.joined = ""
	}
	c.mu.Unlock()

	return c.Send(EventLeaveThread, RoomPayload{ThreadID: id})
}

// Joined reports the thread the client currently considers open.
func (c *Client) Joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// Close tears down the connection and stops the reconnect loop.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != nil {
		tok, err := c.token.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve transport token: %w", err)
		}
		if tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.endpoint, header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial realtime endpoint: %w", err)
	}

	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) run(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		c.readLoop(conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()

		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		default:
		}

		if !c.reconnect(ctx) {
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.log.Debug().Err(err).Msg("transport read loop ended")
			return
		}
		c.bus.publish(env)
	}
}

// reconnect redials with exponential backoff until it succeeds or the client
// is shut down. Returns false when the client should stop for good.
func (c *Client) reconnect(ctx context.Context) bool {
	wait := reconnectMinWait

	for {
		select {
		case <-ctx.Done():
			return false
		case <-c.closed:
			return false
		case <-time.After(wait):
		}

		observability.TransportReconnects().Inc()

		conn, err := c.dial(ctx)
		if err != nil {
			c.log.Warn().Err(err).Dur("next_wait", wait).Msg("transport reconnect failed")
			wait *= 2
			if wait > reconnectMaxWait {
				wait = reconnectMaxWait
			}
			continue
		}

		c.setConn(conn)
		c.rejoin()
		c.log.Info().Msg("transport reconnected")
		return true
	}
}

func (c *Client) rejoin() {
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()

	if joined == "" {
		return
	}
	if err := c.Send(EventJoinThread, RoomPayload{ThreadID: joined}); err != nil {
		c.log.Warn().Err(err).Str("thread_id", joined).Msg("failed to re-join thread after reconnect")
	}
}
