package signal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// fakeJanus is a minimal in-process Janus websocket endpoint.
type fakeJanus struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	received []map[string]any
}

func newFakeJanus(t *testing.T) *fakeJanus {
	t.Helper()
	f := &fakeJanus{t: t}
	upgrader := websocket.Upgrader{Subprotocols: []string{subprotocol}}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		f.serve(ws)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeJanus) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeJanus) requests(janus string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, m := range f.received {
		if m["janus"] == janus {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeJanus) serve(ws *websocket.Conn) {
	write := func(v map[string]any) {
		if err := ws.WriteJSON(v); err != nil {
			f.t.Logf("fake janus write: %v", err)
		}
	}
	for {
		var req map[string]any
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		f.mu.Lock()
		f.received = append(f.received, req)
		f.mu.Unlock()

		tx := req["transaction"]
		switch req["janus"] {
		case "create":
			write(map[string]any{"janus": "success", "transaction": tx, "data": map[string]any{"id": 1001}})
		case "attach":
			if req["plugin"] != "janus.plugin.echotest" {
				write(map[string]any{"janus": "error", "transaction": tx,
					"error": map[string]any{"code": 460, "reason": "No such plugin"}})
				continue
			}
			write(map[string]any{"janus": "success", "transaction": tx, "session_id": 1001, "data": map[string]any{"id": 2002}})
		case "message":
			write(map[string]any{"janus": "ack", "transaction": tx, "session_id": 1001})
			ev := map[string]any{
				"janus": "event", "transaction": tx, "session_id": 1001, "sender": 2002,
				"plugindata": map[string]any{"plugin": "janus.plugin.echotest", "data": map[string]any{"echotest": "event", "result": "ok"}},
			}
			if jsep, ok := req["jsep"].(map[string]any); ok && jsep["type"] == "offer" {
				ev["jsep"] = map[string]any{"type": "answer", "sdp": "v=0\r\nanswer"}
			}
			write(ev)
		case "keepalive":
			write(map[string]any{"janus": "ack", "transaction": tx, "session_id": 1001})
		case "detach":
			write(map[string]any{"janus": "success", "transaction": tx, "session_id": 1001})
			write(map[string]any{"janus": "detached", "session_id": 1001, "sender": 2002})
		case "destroy":
			write(map[string]any{"janus": "success", "transaction": tx, "session_id": 1001})
		case "timeout-me":
			write(map[string]any{"janus": "timeout", "session_id": 1001})
		case "hangup-me":
			write(map[string]any{"janus": "hangup", "session_id": 1001, "sender": 2002, "reason": "test"})
		default:
			raw, _ := json.Marshal(req)
			f.t.Errorf("fake janus: unexpected request %s", raw)
		}
	}
}
