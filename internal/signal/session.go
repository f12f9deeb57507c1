package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"camrelay/native/internal/domain"
)

// Session is a live Janus session with its attached plugin handles.
type Session struct {
	conn   *conn
	id     uint64
	logger zerolog.Logger

	mu      sync.Mutex
	handles map[uint64]*Handle
}

func newSession(c *conn, id uint64) *Session {
	return &Session{
		conn:    c,
		id:      id,
		logger:  c.logger.With().Uint64("session_id", id).Logger(),
		handles: make(map[uint64]*Handle),
	}
}

func (s *Session) ID() uint64 { return s.id }

// Attach attaches plugin to the session. Asynchronous plugin events are
// delivered to events from the connection's read goroutine.
func (s *Session) Attach(ctx context.Context, plugin, opaqueID string, events domain.PluginEvents) (domain.PluginHandle, error) {
	resp, err := s.conn.request(ctx, message{
		Janus:     "attach",
		SessionID: s.id,
		Plugin:    plugin,
		OpaqueID:  opaqueID,
	})
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", plugin, err)
	}
	var data idData
	if err := json.Unmarshal(resp.Data, &data); err != nil || data.ID == 0 {
		return nil, fmt.Errorf("attach %s: missing handle id", plugin)
	}

	h := &Handle{session: s, id: data.ID, plugin: plugin, events: events}
	s.mu.Lock()
	s.handles[h.id] = h
	s.mu.Unlock()

	s.logger.Info().Str("plugin", plugin).Uint64("handle_id", h.id).Str("opaque_id", opaqueID).Msg("plugin attached")
	return h, nil
}

// Destroy destroys the session on the gateway and closes the websocket.
func (s *Session) Destroy(ctx context.Context) error {
	defer s.conn.close()

	if _, err := s.conn.request(ctx, message{Janus: "destroy", SessionID: s.id}); err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	s.logger.Info().Msg("session destroyed")
	return nil
}

func (s *Session) handle(id uint64) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[id]
}

func (s *Session) dispatch(msg message) {
	switch msg.Janus {
	case "timeout":
		s.logger.Warn().Msg("gateway timed out the session")
		s.mu.Lock()
		handles := make([]*Handle, 0, len(s.handles))
		for id, h := range s.handles {
			handles = append(handles, h)
			delete(s.handles, id)
		}
		s.mu.Unlock()
		for _, h := range handles {
			h.events.OnCleanup()
		}
		s.conn.close()
		return
	case "keepalive":
		return
	}

	h := s.handle(msg.Sender)
	if h == nil {
		s.logger.Debug().Str("janus", msg.Janus).Uint64("sender", msg.Sender).Msg("event for unknown handle")
		return
	}

	switch msg.Janus {
	case "event":
		pm := domain.PluginMessage{JSEP: msg.JSEP}
		if msg.PluginData != nil {
			pm.Plugin = msg.PluginData.Plugin
			pm.Data = msg.PluginData.Data
		}
		h.events.OnMessage(pm)

	case "webrtcup":
		s.logger.Info().Uint64("handle_id", h.id).Msg("peer connection up")

	case "media":
		s.logger.Debug().Uint64("handle_id", h.id).RawJSON("msg", mustJSON(msg)).Msg("media state")

	case "slowlink":
		s.logger.Warn().Uint64("handle_id", h.id).Msg("slow link reported")

	case "hangup":
		s.logger.Info().Uint64("handle_id", h.id).Str("reason", msg.Reason).Msg("hangup")
		h.events.OnCleanup()

	case "detached":
		s.mu.Lock()
		delete(s.handles, h.id)
		s.mu.Unlock()
		s.logger.Info().Uint64("handle_id", h.id).Msg("handle detached by gateway")
		h.events.OnCleanup()

	default:
		s.logger.Debug().Str("janus", msg.Janus).Msg("unhandled event")
	}
}

func (s *Session) keepaliveLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.conn.closed:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, err := s.conn.request(ctx, message{Janus: "keepalive", SessionID: s.id})
			cancel()
			if err != nil {
				select {
				case <-s.conn.closed:
				default:
					s.logger.Warn().Err(err).Msg("keepalive failed")
				}
				return
			}
		}
	}
}

// Handle is a plugin handle attached to a Session.
type Handle struct {
	session *Session
	id      uint64
	plugin  string
	events  domain.PluginEvents
}

func (h *Handle) ID() uint64 { return h.id }

// Send sends body to the plugin, with jsep when non-nil.
func (h *Handle) Send(ctx context.Context, body any, jsep *domain.SessionDescription) error {
	_, err := h.session.conn.request(ctx, message{
		Janus:     "message",
		SessionID: h.session.id,
		HandleID:  h.id,
		Body:      body,
		JSEP:      jsep,
	})
	if err != nil {
		return fmt.Errorf("send to %s: %w", h.plugin, err)
	}
	return nil
}

// Detach detaches the handle from its session.
func (h *Handle) Detach(ctx context.Context) error {
	h.session.mu.Lock()
	delete(h.session.handles, h.id)
	h.session.mu.Unlock()

	if _, err := h.session.conn.request(ctx, message{
		Janus:     "detach",
		SessionID: h.session.id,
		HandleID:  h.id,
	}); err != nil {
		return fmt.Errorf("detach %s: %w", h.plugin, err)
	}
	return nil
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return data
}
