package session

import (
	"context"
	"sync"

	"camrelay/native/internal/domain"
)

type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	l.ops = append(l.ops, op)
	l.mu.Unlock()
}

func (l *opLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

func (l *opLog) has(op string) bool {
	for _, o := range l.list() {
		if o == op {
			return true
		}
	}
	return false
}

type fakeGateway struct {
	ops       *opLog
	createErr error
	// hold, when set, delays CreateSession until it is closed, ignoring ctx.
	hold    chan struct{}
	session *fakeGatewaySession
}

func (g *fakeGateway) CreateSession(ctx context.Context) (domain.GatewaySession, error) {
	g.ops.add("create_session")
	if g.hold != nil {
		<-g.hold
	}
	if g.createErr != nil {
		return nil, g.createErr
	}
	return g.session, nil
}

type fakeGatewaySession struct {
	ops       *opLog
	attachErr error
	handle    *fakeHandle

	mu       sync.Mutex
	opaqueID string
	plugin   string
}

func (s *fakeGatewaySession) ID() uint64 { return 1001 }

func (s *fakeGatewaySession) Attach(ctx context.Context, plugin, opaqueID string, events domain.PluginEvents) (domain.PluginHandle, error) {
	s.ops.add("attach")
	s.mu.Lock()
	s.opaqueID, s.plugin = opaqueID, plugin
	s.mu.Unlock()
	if s.attachErr != nil {
		return nil, s.attachErr
	}
	s.handle.events = events
	return s.handle, nil
}

func (s *fakeGatewaySession) Destroy(ctx context.Context) error {
	s.ops.add("destroy_session")
	return nil
}

type sentMessage struct {
	body any
	jsep *domain.SessionDescription
}

type fakeHandle struct {
	ops    *opLog
	events domain.PluginEvents

	// rejectPayload answers the payload-only message with a plugin error.
	rejectPayload   bool
	sendOfferErr    error
	noAnswer        bool
	cleanupOnDetach bool

	mu   sync.Mutex
	sent []sentMessage
}

func (h *fakeHandle) ID() uint64 { return 2002 }

func (h *fakeHandle) Send(ctx context.Context, body any, jsep *domain.SessionDescription) error {
	h.mu.Lock()
	h.sent = append(h.sent, sentMessage{body: body, jsep: jsep})
	h.mu.Unlock()

	if jsep == nil {
		h.ops.add("send_payload")
		if h.rejectPayload {
			h.events.OnMessage(domain.PluginMessage{
				Plugin: DefaultPlugin,
				Data:   []byte(`{"error_code":490,"error":"invalid request"}`),
			})
		}
		return nil
	}
	h.ops.add("send_offer")
	if h.sendOfferErr != nil {
		return h.sendOfferErr
	}
	if !h.noAnswer {
		h.events.OnMessage(domain.PluginMessage{
			Plugin: DefaultPlugin,
			Data:   []byte(`{"result":"ok"}`),
			JSEP:   &domain.SessionDescription{Type: "answer", SDP: "v=0\r\nanswer"},
		})
	}
	return nil
}

func (h *fakeHandle) Detach(ctx context.Context) error {
	h.ops.add("detach")
	if h.cleanupOnDetach {
		h.events.OnCleanup()
	}
	return nil
}

func (h *fakeHandle) messages() []sentMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]sentMessage(nil), h.sent...)
}

type fakePeer struct {
	ops       *opLog
	offerErr  error
	remoteErr error

	mu     sync.Mutex
	descs  []domain.MediaDescription
	remote []domain.SessionDescription
}

func (p *fakePeer) CreateOffer(ctx context.Context, desc domain.MediaDescription) (domain.SessionDescription, error) {
	p.ops.add("create_offer")
	p.mu.Lock()
	p.descs = append(p.descs, desc)
	p.mu.Unlock()
	if p.offerErr != nil {
		return domain.SessionDescription{}, p.offerErr
	}
	return domain.SessionDescription{Type: "offer", SDP: "v=0\r\noffer"}, nil
}

func (p *fakePeer) SetRemoteDescription(sdp domain.SessionDescription) error {
	p.ops.add("set_remote")
	p.mu.Lock()
	p.remote = append(p.remote, sdp)
	p.mu.Unlock()
	return p.remoteErr
}

func (p *fakePeer) Close() error {
	p.ops.add("close_peer")
	return nil
}

func (p *fakePeer) offers() []domain.MediaDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.MediaDescription(nil), p.descs...)
}

type fakeSelector struct {
	ops *opLog
	id  string
	err error
}

func (f *fakeSelector) Select(ctx context.Context) (string, error) {
	f.ops.add("select_device")
	return f.id, f.err
}

type fakeClock struct {
	ops    *opLog
	offset float64
	err    error
}

func (f *fakeClock) Estimate() (float64, error) {
	f.ops.add("estimate_clock")
	return f.offset, f.err
}

type harness struct {
	ops     *opLog
	gateway *fakeGateway
	gwSess  *fakeGatewaySession
	handle  *fakeHandle
	peer    *fakePeer
	devices *fakeSelector
	clock   *fakeClock
}

func newHarness() *harness {
	ops := &opLog{}
	handle := &fakeHandle{ops: ops}
	gwSess := &fakeGatewaySession{ops: ops, handle: handle}
	return &harness{
		ops:     ops,
		gateway: &fakeGateway{ops: ops, session: gwSess},
		gwSess:  gwSess,
		handle:  handle,
		peer:    &fakePeer{ops: ops},
		devices: &fakeSelector{ops: ops, id: "42"},
		clock:   &fakeClock{ops: ops, offset: 12.5},
	}
}

func (h *harness) config() Config {
	return Config{
		Gateway:        h.gateway,
		Peer:           h.peer,
		Devices:        h.devices,
		Clock:          h.clock,
		TargetFilename: "/tmp/42.webm",
	}
}
