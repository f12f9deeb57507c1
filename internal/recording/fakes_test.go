package recording

import (
	"context"
	"errors"
	"sync"

	"camrelay/native/internal/domain"
)

type calls struct {
	mu  sync.Mutex
	ops []string
}

func (c *calls) add(op string) {
	c.mu.Lock()
	c.ops = append(c.ops, op)
	c.mu.Unlock()
}

func (c *calls) has(op string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.ops {
		if o == op {
			return true
		}
	}
	return false
}

func (c *calls) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

type fakeDeviceSource struct {
	devices []domain.Device
	err     error
}

func (f *fakeDeviceSource) EnumerateDevices(ctx context.Context) ([]domain.Device, error) {
	return f.devices, f.err
}

type fakeStream struct {
	calls   *calls
	stopErr error
}

func (s *fakeStream) ID() string { return "stream-1" }

func (s *fakeStream) Stop() error {
	s.calls.add("stop_tracks")
	return s.stopErr
}

type fakeCapturer struct {
	calls    *calls
	err      error
	stream   *fakeStream
	deviceID string
}

func (f *fakeCapturer) Capture(ctx context.Context, deviceID string) (domain.MediaStream, error) {
	f.calls.add("capture")
	f.deviceID = deviceID
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

type fakeLocal struct {
	calls *calls
	err   error
}

func (l *fakeLocal) Finalize() ([]string, error) {
	l.calls.add("finalize")
	return []string{"recordings/42.ivf"}, l.err
}

type fakeRecorder struct {
	calls *calls
	local *fakeLocal
	name  string
}

func (r *fakeRecorder) Record(stream domain.MediaStream, name string) (domain.LocalRecording, error) {
	r.calls.add("record")
	r.name = name
	return r.local, nil
}

type fakeJobs struct {
	calls   *calls
	job     *domain.Job
	err     error
	stopErr error
	stopped []string
}

func (j *fakeJobs) RegisterJob(ctx context.Context) (*domain.Job, error) {
	j.calls.add("register")
	if j.err != nil {
		return nil, j.err
	}
	return j.job, nil
}

func (j *fakeJobs) StopJob(ctx context.Context, id string) error {
	j.calls.add("stop_job")
	j.stopped = append(j.stopped, id)
	return j.stopErr
}

// Gateway fakes that answer every offer, for driving a real session.

type answeringGateway struct {
	calls *calls
	err   error
	// hang blocks CreateSession until its context ends.
	hang bool
}

func (g *answeringGateway) CreateSession(ctx context.Context) (domain.GatewaySession, error) {
	g.calls.add("create_session")
	if g.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if g.err != nil {
		return nil, g.err
	}
	return &answeringSession{calls: g.calls}, nil
}

type answeringSession struct {
	calls *calls
}

func (s *answeringSession) ID() uint64 { return 7 }

func (s *answeringSession) Attach(ctx context.Context, plugin, opaqueID string, events domain.PluginEvents) (domain.PluginHandle, error) {
	s.calls.add("attach")
	return &answeringHandle{calls: s.calls, events: events}, nil
}

func (s *answeringSession) Destroy(ctx context.Context) error {
	s.calls.add("destroy_session")
	return nil
}

type answeringHandle struct {
	calls  *calls
	events domain.PluginEvents

	mu   sync.Mutex
	sent []any
}

func (h *answeringHandle) ID() uint64 { return 8 }

func (h *answeringHandle) Send(ctx context.Context, body any, jsep *domain.SessionDescription) error {
	h.mu.Lock()
	h.sent = append(h.sent, body)
	h.mu.Unlock()
	if jsep != nil {
		h.calls.add("send_offer")
		h.events.OnMessage(domain.PluginMessage{JSEP: &domain.SessionDescription{Type: "answer", SDP: "v=0"}})
		return nil
	}
	h.calls.add("send_payload")
	return nil
}

func (h *answeringHandle) Detach(ctx context.Context) error {
	h.calls.add("detach")
	return nil
}

type fakePeer struct {
	calls *calls

	mu      sync.Mutex
	offered []domain.MediaDescription
}

func (p *fakePeer) CreateOffer(ctx context.Context, desc domain.MediaDescription) (domain.SessionDescription, error) {
	p.mu.Lock()
	p.offered = append(p.offered, desc)
	p.mu.Unlock()
	return domain.SessionDescription{Type: "offer", SDP: "v=0"}, nil
}

func (p *fakePeer) SetRemoteDescription(sdp domain.SessionDescription) error { return nil }

func (p *fakePeer) Close() error {
	p.calls.add("close_peer")
	return nil
}

type fixedOffset float64

func (f fixedOffset) Estimate() (float64, error) { return float64(f), nil }

var errBoom = errors.New("boom")
