// Package signal speaks the Janus gateway websocket API.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"camrelay/native/internal/domain"
	xlog "camrelay/native/internal/log"
	"camrelay/native/internal/metrics"
)

const subprotocol = "janus-protocol"

// ErrClosed is returned for requests on a connection that has gone away.
var ErrClosed = errors.New("gateway connection closed")

// message is the Janus JSON envelope.
type message struct {
	Janus       string                     `json:"janus"`
	Transaction string                     `json:"transaction,omitempty"`
	SessionID   uint64                     `json:"session_id,omitempty"`
	HandleID    uint64                     `json:"handle_id,omitempty"`
	Sender      uint64                     `json:"sender,omitempty"`
	Plugin      string                     `json:"plugin,omitempty"`
	OpaqueID    string                     `json:"opaque_id,omitempty"`
	Body        any                        `json:"body,omitempty"`
	JSEP        *domain.SessionDescription `json:"jsep,omitempty"`
	Data        json.RawMessage            `json:"data,omitempty"`
	PluginData  *pluginData                `json:"plugindata,omitempty"`
	Error       *domain.GatewayError       `json:"error,omitempty"`
	Reason      string                     `json:"reason,omitempty"`
}

type pluginData struct {
	Plugin string          `json:"plugin"`
	Data   json.RawMessage `json:"data"`
}

type idData struct {
	ID uint64 `json:"id"`
}

// conn multiplexes transactions over one gateway websocket.
type conn struct {
	ws     *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan message
	events  func(message)

	closed    chan struct{}
	closeOnce sync.Once
}

func dial(ctx context.Context, url string) (*conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{subprotocol},
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	c := &conn{
		ws:      ws,
		logger:  xlog.WithComponent("signal"),
		pending: make(map[string]chan message),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *conn) setEventHandler(fn func(message)) {
	c.mu.Lock()
	c.events = fn
	c.mu.Unlock()
}

// close shuts down the websocket; pending requests fail with ErrClosed.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

func (c *conn) send(msg message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Janus, err)
	}
	c.logger.Debug().RawJSON("msg", data).Msg(">>>")
	metrics.GatewayMessages.WithLabelValues("out", msg.Janus).Inc()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Janus, err)
	}
	return nil
}

// request sends msg under a fresh transaction and waits for its first reply
// (success, ack or error).
func (c *conn) request(ctx context.Context, msg message) (message, error) {
	msg.Transaction = uuid.NewString()
	ch := make(chan message, 1)

	c.mu.Lock()
	c.pending[msg.Transaction] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.Transaction)
		c.mu.Unlock()
	}()

	if err := c.send(msg); err != nil {
		return message{}, err
	}

	select {
	case resp := <-ch:
		if resp.Janus == "error" {
			if resp.Error != nil {
				return resp, resp.Error
			}
			return resp, &domain.GatewayError{Reason: "unspecified error"}
		}
		return resp, nil
	case <-c.closed:
		return message{}, ErrClosed
	case <-ctx.Done():
		return message{}, ctx.Err()
	}
}

func (c *conn) readLoop() {
	defer c.close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Warn().Err(err).Msg("read error")
			}
			return
		}
		c.logger.Debug().RawJSON("msg", data).Msg("<<<")

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("unmarshal error")
			continue
		}
		metrics.GatewayMessages.WithLabelValues("in", msg.Janus).Inc()
		c.dispatch(msg)
	}
}

func (c *conn) dispatch(msg message) {
	c.mu.Lock()
	var ch chan message
	switch msg.Janus {
	case "success", "error", "ack":
		ch = c.pending[msg.Transaction]
		delete(c.pending, msg.Transaction)
	}
	events := c.events
	c.mu.Unlock()

	if ch != nil {
		ch <- msg
		return
	}
	if events != nil {
		events(msg)
		return
	}
	c.logger.Debug().Str("janus", msg.Janus).Msg("unhandled message")
}

// Gateway opens sessions on a Janus server, one websocket per session.
type Gateway struct {
	url       string
	keepalive time.Duration
}

// NewGateway creates a Gateway for the websocket endpoint at url.
func NewGateway(url string, keepalive time.Duration) *Gateway {
	return &Gateway{url: url, keepalive: keepalive}
}

// CreateSession dials the gateway and creates a session on it.
func (g *Gateway) CreateSession(ctx context.Context) (domain.GatewaySession, error) {
	c, err := dial(ctx, g.url)
	if err != nil {
		return nil, err
	}
	c.logger.Info().Str("url", g.url).Msg("connected to gateway")

	resp, err := c.request(ctx, message{Janus: "create"})
	if err != nil {
		c.close()
		return nil, fmt.Errorf("create session: %w", err)
	}
	var data idData
	if err := json.Unmarshal(resp.Data, &data); err != nil || data.ID == 0 {
		c.close()
		return nil, fmt.Errorf("create session: missing session id")
	}

	s := newSession(c, data.ID)
	c.setEventHandler(s.dispatch)
	go s.keepaliveLoop(g.keepalive)
	return s, nil
}
