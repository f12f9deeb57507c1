// Package session negotiates one media relay session with the gateway.
//
// A Session owns all negotiation state. Gateway completions and plugin
// events are posted to a single loop goroutine, which validates each one
// against the current state before acting on it; completions that arrive
// after the session moved on are dropped and any resource they carry is
// released.
package session

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"camrelay/native/internal/domain"
	xlog "camrelay/native/internal/log"
	"camrelay/native/internal/metrics"
	"camrelay/native/internal/policy"
)

const (
	DefaultPlugin      = "janus.plugin.echotest"
	DefaultStepTimeout = 30 * time.Second

	opaquePrefix = "camrelay-"
	opaqueLength = 12
	teardownWait = 10 * time.Second
)

var (
	ErrSessionActive    = errors.New("signaling session already started")
	ErrAlreadyDestroyed = errors.New("signaling session already destroyed")
	ErrDestroyed        = errors.New("signaling session destroyed before negotiation completed")
	ErrNotNegotiated    = errors.New("signaling session is not negotiated")
)

// DeviceSelector picks the capture device for an offer.
type DeviceSelector interface {
	Select(ctx context.Context) (string, error)
}

// OffsetEstimator estimates the server clock offset in milliseconds.
type OffsetEstimator interface {
	Estimate() (float64, error)
}

// Config wires a Session to its collaborators.
type Config struct {
	Gateway        domain.Gateway
	Peer           domain.Peer
	Devices        DeviceSelector
	Clock          OffsetEstimator
	Plugin         string
	TargetFilename string
	Simulcast      bool
	StepTimeout    time.Duration
	// OnTransition is called from the session loop and must not block.
	OnTransition func(Transition)
}

type eventKind int

const (
	evStart eventKind = iota
	evSessionCreated
	evAttached
	evPrepared
	evPayloadSent
	evOfferCreated
	evOfferSent
	evPluginMessage
	evCleanup
	evDestroy
	evTeardownDone
	evRenegotiate
	evReleased
)

var eventNames = map[eventKind]string{
	evStart:          "start",
	evSessionCreated: "session_created",
	evAttached:       "attached",
	evPrepared:       "prepared",
	evPayloadSent:    "payload_sent",
	evOfferCreated:   "offer_created",
	evOfferSent:      "offer_sent",
	evPluginMessage:  "plugin_message",
	evCleanup:        "cleanup",
	evDestroy:        "destroy",
	evTeardownDone:   "teardown_done",
	evRenegotiate:    "renegotiate",
	evReleased:       "released",
}

type event struct {
	kind     eventKind
	fromStep bool
	step     string
	err      error
	reply    chan error

	gwSession domain.GatewaySession
	handle    domain.PluginHandle
	desc      domain.MediaDescription
	payload   domain.NegotiationPayload
	jsep      *domain.SessionDescription
	msg       domain.PluginMessage
}

// Session is one signaling session: gateway session, plugin handle and the
// offer/answer exchange bound to a capture device.
type Session struct {
	cfg    Config
	logger zerolog.Logger

	events   chan event
	loopDone chan struct{}

	// Owned by the loop goroutine.
	state       State
	gwSession   domain.GatewaySession
	handle      domain.PluginHandle
	desc        domain.MediaDescription
	payload     domain.NegotiationPayload
	pending     *domain.SessionDescription
	reneg       bool
	inflight    int
	stepCtx     context.Context
	cancelSteps context.CancelFunc
	waiters     []chan error

	mu          sync.Mutex
	snapshot    State
	log         []Transition
	err         error
	settled     chan struct{}
	settledOnce *sync.Once
	hasPayload  bool
	sentPayload domain.NegotiationPayload
}

// New creates an Unstarted session and starts its loop. The loop exits once
// the session is Destroyed or Failed and every in-flight step returned, so
// a session must be started and destroyed, or destroyed, to release it.
func New(cfg Config) *Session {
	if cfg.Plugin == "" {
		cfg.Plugin = DefaultPlugin
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	stepCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:         cfg,
		logger:      xlog.WithComponent("session"),
		events:      make(chan event),
		loopDone:    make(chan struct{}),
		stepCtx:     stepCtx,
		cancelSteps: cancel,
		settled:     make(chan struct{}),
		settledOnce: &sync.Once{},
	}
	go s.loop()
	return s
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Err returns the failure that moved the session to Failed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Transitions returns a copy of the transition log.
func (s *Session) Transitions() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transition, len(s.log))
	copy(out, s.log)
	return out
}

// Payload returns the last negotiation payload sent to the relay.
func (s *Session) Payload() (domain.NegotiationPayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentPayload, s.hasPayload
}

// Start begins session creation. It does not wait for negotiation; use Wait.
func (s *Session) Start(ctx context.Context) error {
	return s.request(ctx, evStart)
}

// Renegotiate re-selects the device and sends a replacement offer. The
// session must be Negotiated; it returns to Negotiated when done.
func (s *Session) Renegotiate(ctx context.Context) error {
	if err := s.request(ctx, evRenegotiate); err != nil {
		return err
	}
	_, err := s.Wait(ctx)
	return err
}

// Wait blocks until the current negotiation completes, fails, or the
// session is destroyed.
func (s *Session) Wait(ctx context.Context) (State, error) {
	s.mu.Lock()
	ch := s.settled
	s.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return s.State(), ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.snapshot {
	case Negotiated:
		return s.snapshot, nil
	case Failed:
		return s.snapshot, s.err
	default:
		return s.snapshot, ErrDestroyed
	}
}

// Destroy tears the session down from any state and waits for it to reach
// Destroyed. Destroying a Failed session is a no-op.
func (s *Session) Destroy(ctx context.Context) error {
	return s.request(ctx, evDestroy)
}

func (s *Session) request(ctx context.Context, kind eventKind) error {
	reply := make(chan error, 1)
	select {
	case s.events <- event{kind: kind, reply: reply}:
	case <-s.loopDone:
		return s.closedResult(kind)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closedResult answers requests that arrive after the loop exited.
func (s *Session) closedResult(kind eventKind) error {
	st := s.State()
	switch kind {
	case evDestroy:
		if st == Destroyed {
			return ErrAlreadyDestroyed
		}
		return nil
	case evStart:
		return ErrSessionActive
	default:
		return ErrNotNegotiated
	}
}

// post delivers a gateway callback to the loop; callbacks after exit are dropped.
func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.loopDone:
	}
}

// spawn runs fn outside the loop and posts its completion. Called only
// from the loop goroutine.
func (s *Session) spawn(fn func(ctx context.Context) event) {
	s.inflight++
	ctx, cancel := context.WithTimeout(s.stepCtx, s.cfg.StepTimeout)
	go func() {
		defer cancel()
		ev := fn(ctx)
		ev.fromStep = true
		s.events <- ev
	}()
}

func (s *Session) loop() {
	defer close(s.loopDone)
	for ev := range s.events {
		if ev.fromStep {
			s.inflight--
		}
		s.apply(ev)
		if s.state.Terminal() && s.inflight == 0 {
			return
		}
	}
}

func (s *Session) transition(to State) {
	from := s.state
	if !Allowed(from, to) {
		s.logger.Error().Str("from", from.String()).Str("to", to.String()).Msg("illegal transition ignored")
		return
	}
	s.state = to
	tr := Transition{From: from, To: to, At: time.Now()}

	s.mu.Lock()
	s.snapshot = to
	s.log = append(s.log, tr)
	s.mu.Unlock()

	metrics.SignalingTransitions.WithLabelValues(from.String(), to.String()).Inc()
	s.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("transition")
	if s.cfg.OnTransition != nil {
		s.cfg.OnTransition(tr)
	}
}

func (s *Session) settle() {
	s.mu.Lock()
	once, ch := s.settledOnce, s.settled
	s.mu.Unlock()
	once.Do(func() { close(ch) })
}

func (s *Session) stale(ev event) {
	metrics.StaleEvents.WithLabelValues(eventNames[ev.kind], s.state.String()).Inc()
	s.logger.Debug().Str("event", eventNames[ev.kind]).Str("state", s.state.String()).Msg("stale event ignored")

	// Resources created for a session that has moved on are released here.
	if ev.handle != nil || ev.gwSession != nil {
		h, gs := ev.handle, ev.gwSession
		s.spawn(func(ctx context.Context) event {
			return event{kind: evReleased, err: release(h, gs, nil)}
		})
	}
}

func (s *Session) apply(ev event) {
	switch ev.kind {
	case evStart:
		if s.state != Unstarted {
			ev.reply <- ErrSessionActive
			return
		}
		s.transition(SessionCreating)
		s.spawn(s.createSession)
		ev.reply <- nil

	case evSessionCreated:
		if s.state != SessionCreating {
			s.stale(ev)
			return
		}
		if ev.err != nil {
			s.fail("create session", ev.err)
			return
		}
		s.gwSession = ev.gwSession
		s.transition(SessionReady)
		s.logger.Info().Uint64("session_id", s.gwSession.ID()).Msg("gateway session created")
		s.transition(PluginAttaching)
		s.spawn(s.attach(s.gwSession))

	case evAttached:
		if s.state != PluginAttaching {
			s.stale(ev)
			return
		}
		if ev.err != nil {
			s.fail("attach", ev.err)
			return
		}
		s.handle = ev.handle
		s.transition(PluginReady)
		s.beginNegotiation(false)

	case evPrepared:
		if s.state != Negotiating {
			s.stale(ev)
			return
		}
		if ev.err != nil {
			s.fail(ev.step, ev.err)
			return
		}
		s.desc, s.payload = ev.desc, ev.payload
		s.spawn(s.sendPayload(s.handle, s.payload))

	case evPayloadSent:
		if s.state != Negotiating {
			s.stale(ev)
			return
		}
		if ev.err != nil {
			s.fail("send payload", ev.err)
			return
		}
		s.mu.Lock()
		s.sentPayload, s.hasPayload = s.payload, true
		s.mu.Unlock()
		s.spawn(s.createOffer(s.desc))

	case evOfferCreated:
		if s.state != Negotiating {
			s.stale(ev)
			return
		}
		if ev.err != nil {
			s.fail("create offer", ev.err)
			return
		}
		s.spawn(s.sendOffer(s.handle, s.payload, ev.jsep))

	case evOfferSent:
		if s.state != Negotiating {
			s.stale(ev)
			return
		}
		if ev.err != nil {
			s.fail("send offer", ev.err)
			return
		}
		if s.pending != nil {
			jsep := *s.pending
			s.pending = nil
			if err := s.applyRemote(jsep); err != nil {
				s.fail("remote message", err)
				return
			}
		}
		s.transition(Negotiated)
		s.reneg = false
		s.settle()

	case evPluginMessage:
		s.handleMessage(ev.msg)

	case evCleanup:
		if s.state == Destroying || s.state.Terminal() {
			return
		}
		s.logger.Info().Str("state", s.state.String()).Msg("gateway cleanup notification")

	case evRenegotiate:
		if s.state != Negotiated {
			ev.reply <- ErrNotNegotiated
			return
		}
		s.mu.Lock()
		s.settled = make(chan struct{})
		s.settledOnce = &sync.Once{}
		s.mu.Unlock()
		s.beginNegotiation(true)
		ev.reply <- nil

	case evDestroy:
		switch s.state {
		case Destroyed:
			ev.reply <- ErrAlreadyDestroyed
		case Failed:
			ev.reply <- nil
		case Destroying:
			s.waiters = append(s.waiters, ev.reply)
		default:
			s.waiters = append(s.waiters, ev.reply)
			s.transition(Destroying)
			s.cancelSteps()
			h, gs := s.handle, s.gwSession
			s.handle, s.gwSession = nil, nil
			s.spawnTeardown(evTeardownDone, h, gs)
		}

	case evTeardownDone:
		s.transition(Destroyed)
		if ev.err != nil {
			s.logger.Warn().Err(ev.err).Msg("teardown finished with errors")
		} else {
			s.logger.Info().Msg("session destroyed")
		}
		for _, w := range s.waiters {
			w <- ev.err
		}
		s.waiters = nil
		s.settle()

	case evReleased:
		if ev.err != nil {
			s.logger.Warn().Err(ev.err).Msg("release after failure")
		}
	}
}

// spawnTeardown releases the gateway resources and the peer. It ignores
// the cancelled step context so that teardown always reaches the gateway.
func (s *Session) spawnTeardown(kind eventKind, h domain.PluginHandle, gs domain.GatewaySession) {
	s.inflight++
	peer := s.cfg.Peer
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), teardownWait)
		defer cancel()
		err := releaseCtx(ctx, h, gs, peer)
		s.events <- event{kind: kind, fromStep: true, err: err}
	}()
}

func (s *Session) fail(step string, err error) {
	serr := domain.NewSignalingError(step, err)
	s.mu.Lock()
	s.err = serr
	s.mu.Unlock()

	metrics.SignalingFailures.WithLabelValues(step).Inc()
	s.logger.Error().Err(err).Str("step", step).Str("state", s.state.String()).Msg("signaling failed")

	s.transition(Failed)
	s.cancelSteps()
	h, gs := s.handle, s.gwSession
	s.handle, s.gwSession = nil, nil
	s.spawnTeardown(evReleased, h, gs)
	s.settle()
}

func (s *Session) beginNegotiation(renegotiation bool) {
	s.reneg = renegotiation
	s.transition(Negotiating)
	s.spawn(s.prepare(renegotiation))
}

// pluginResult is the subset of plugin event data that signals an error.
type pluginResult struct {
	ErrorCode int    `json:"error_code"`
	Error     string `json:"error"`
}

func (s *Session) handleMessage(msg domain.PluginMessage) {
	var res pluginResult
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &res); err != nil {
			s.logger.Debug().Err(err).Msg("plugin data is not an object")
		}
	}
	if res.Error != "" || res.ErrorCode != 0 {
		gerr := &domain.GatewayError{Code: res.ErrorCode, Reason: res.Error}
		if s.state == Negotiating {
			s.fail("remote message", gerr)
			return
		}
		s.logger.Warn().Err(gerr).Str("state", s.state.String()).Msg("plugin reported an error")
		return
	}
	if msg.JSEP == nil {
		s.logger.Debug().RawJSON("data", orNull(msg.Data)).Msg("plugin message")
		return
	}

	switch s.state {
	case Negotiated:
		if err := s.applyRemote(*msg.JSEP); err != nil {
			s.logger.Warn().Err(err).Msg("remote description rejected")
		}
	case Negotiating:
		// The answer can overtake the completion of our own send.
		jsep := *msg.JSEP
		s.pending = &jsep
	default:
		s.logger.Debug().Str("state", s.state.String()).Msg("remote description ignored")
	}
}

// applyRemote hands an answer to the peer.
func (s *Session) applyRemote(jsep domain.SessionDescription) error {
	if err := s.cfg.Peer.SetRemoteDescription(jsep); err != nil {
		return fmt.Errorf("apply remote description: %w", err)
	}
	s.logger.Info().Str("type", jsep.Type).Msg("remote description applied")
	return nil
}

func (s *Session) createSession(ctx context.Context) event {
	gs, err := s.cfg.Gateway.CreateSession(ctx)
	return event{kind: evSessionCreated, gwSession: gs, err: err}
}

func (s *Session) attach(gs domain.GatewaySession) func(context.Context) event {
	return func(ctx context.Context) event {
		opaque, err := opaqueID()
		if err != nil {
			return event{kind: evAttached, err: err}
		}
		h, err := gs.Attach(ctx, s.cfg.Plugin, opaque, pluginEvents{s})
		return event{kind: evAttached, handle: h, err: err}
	}
}

// prepare selects the device and estimates the clock offset, then builds
// the offer description and payload. The payload is only built from a
// completed estimate.
func (s *Session) prepare(renegotiation bool) func(context.Context) event {
	return func(ctx context.Context) event {
		deviceID, err := s.cfg.Devices.Select(ctx)
		if err != nil {
			return event{kind: evPrepared, step: "select device", err: err}
		}
		offset, err := s.cfg.Clock.Estimate()
		if err != nil {
			return event{kind: evPrepared, step: "estimate clock", err: err}
		}
		desc := policy.BuildMediaDescription(deviceID, s.cfg.Simulcast, renegotiation)
		payload := policy.BuildPayload(desc, offset, s.cfg.TargetFilename)
		return event{kind: evPrepared, desc: desc, payload: payload}
	}
}

func (s *Session) sendPayload(h domain.PluginHandle, payload domain.NegotiationPayload) func(context.Context) event {
	return func(ctx context.Context) event {
		return event{kind: evPayloadSent, err: h.Send(ctx, payload, nil)}
	}
}

func (s *Session) createOffer(desc domain.MediaDescription) func(context.Context) event {
	return func(ctx context.Context) event {
		jsep, err := s.cfg.Peer.CreateOffer(ctx, desc)
		return event{kind: evOfferCreated, jsep: &jsep, err: err}
	}
}

func (s *Session) sendOffer(h domain.PluginHandle, payload domain.NegotiationPayload, jsep *domain.SessionDescription) func(context.Context) event {
	return func(ctx context.Context) event {
		return event{kind: evOfferSent, err: h.Send(ctx, payload, jsep)}
	}
}

func release(h domain.PluginHandle, gs domain.GatewaySession, peer domain.Peer) error {
	ctx, cancel := context.WithTimeout(context.Background(), teardownWait)
	defer cancel()
	return releaseCtx(ctx, h, gs, peer)
}

func releaseCtx(ctx context.Context, h domain.PluginHandle, gs domain.GatewaySession, peer domain.Peer) error {
	var errs []error
	if h != nil {
		if err := h.Detach(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if gs != nil {
		if err := gs.Destroy(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close peer: %w", err))
		}
	}
	return errors.Join(errs...)
}

// pluginEvents forwards gateway callbacks into the session loop.
type pluginEvents struct {
	s *Session
}

func (p pluginEvents) OnMessage(msg domain.PluginMessage) {
	p.s.post(event{kind: evPluginMessage, msg: msg})
}

func (p pluginEvents) OnCleanup() {
	p.s.post(event{kind: evCleanup})
}

const opaqueAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func opaqueID() (string, error) {
	buf := make([]byte, opaqueLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate opaque id: %w", err)
	}
	for i, b := range buf {
		buf[i] = opaqueAlphabet[int(b)%len(opaqueAlphabet)]
	}
	return opaquePrefix + string(buf), nil
}

func orNull(data []byte) []byte {
	if len(data) == 0 {
		return []byte("null")
	}
	return data
}
