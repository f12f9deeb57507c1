package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"camrelay/native/internal/domain"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func states(trs []Transition) []State {
	out := []State{Unstarted}
	for _, tr := range trs {
		out = append(out, tr.To)
	}
	return out
}

func TestSession_NegotiatesInOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := testContext(t)
	h := newHarness()

	var mu sync.Mutex
	var seen []Transition
	cfg := h.config()
	cfg.OnTransition = func(tr Transition) {
		mu.Lock()
		seen = append(seen, tr)
		mu.Unlock()
	}

	s := New(cfg)
	require.NoError(t, s.Start(ctx))
	st, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, Negotiated, st)

	assert.Equal(t, []string{
		"create_session", "attach", "select_device", "estimate_clock",
		"send_payload", "create_offer", "send_offer", "set_remote",
	}, h.ops.list())

	assert.Equal(t, []State{
		Unstarted, SessionCreating, SessionReady, PluginAttaching,
		PluginReady, Negotiating, Negotiated,
	}, states(s.Transitions()))
	mu.Lock()
	assert.Equal(t, s.Transitions(), seen)
	mu.Unlock()

	want := domain.NegotiationPayload{Audio: false, Video: true, ClockOffsetMs: 12.5, TargetFilename: "/tmp/42.webm"}
	msgs := h.handle.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, want, msgs[0].body)
	assert.Nil(t, msgs[0].jsep)
	assert.Equal(t, want, msgs[1].body)
	require.NotNil(t, msgs[1].jsep)
	assert.Equal(t, "offer", msgs[1].jsep.Type)

	payload, ok := s.Payload()
	require.True(t, ok)
	assert.Equal(t, want, payload)

	offers := h.peer.offers()
	require.Len(t, offers, 1)
	assert.Equal(t, "42", offers[0].DeviceID)
	assert.False(t, offers[0].ReplaceVideo)

	h.gwSess.mu.Lock()
	assert.Regexp(t, `^camrelay-[A-Za-z0-9]{12}$`, h.gwSess.opaqueID)
	assert.Equal(t, DefaultPlugin, h.gwSess.plugin)
	h.gwSess.mu.Unlock()

	require.NoError(t, s.Destroy(ctx))
	assert.Equal(t, Destroyed, s.State())
	for _, op := range []string{"detach", "destroy_session", "close_peer"} {
		assert.True(t, h.ops.has(op), op)
	}
	assert.ErrorIs(t, s.Destroy(ctx), ErrAlreadyDestroyed)

	_, err = s.Wait(ctx)
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestSession_StartTwiceRejected(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := testContext(t)
	h := newHarness()

	s := New(h.config())
	require.NoError(t, s.Start(ctx))
	assert.ErrorIs(t, s.Start(ctx), ErrSessionActive)

	_, err := s.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Destroy(ctx))
	assert.ErrorIs(t, s.Start(ctx), ErrSessionActive)
}

func TestSession_ClockFailureNeverSendsPayload(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := testContext(t)
	h := newHarness()
	h.clock.err = fmt.Errorf("%w: server unreachable", domain.ErrClockUnavailable)

	s := New(h.config())
	require.NoError(t, s.Start(ctx))
	st, err := s.Wait(ctx)
	assert.Equal(t, Failed, st)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSignaling)
	assert.ErrorIs(t, err, domain.ErrClockUnavailable)

	var serr *domain.SignalingError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "estimate clock", serr.Step)

	assert.False(t, h.ops.has("send_payload"))
	assert.False(t, h.ops.has("create_offer"))
	assert.Eventually(t, func() bool {
		return h.ops.has("detach") && h.ops.has("destroy_session") && h.ops.has("close_peer")
	}, time.Second, 5*time.Millisecond)

	// Failed is absorbing.
	require.NoError(t, s.Destroy(ctx))
	assert.Equal(t, Failed, s.State())
	assert.Equal(t, err, s.Err())
}

func TestSession_DeviceFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := testContext(t)
	h := newHarness()
	h.devices.err = domain.ErrDeviceUnavailable

	s := New(h.config())
	require.NoError(t, s.Start(ctx))
	_, err := s.Wait(ctx)
	assert.ErrorIs(t, err, domain.ErrDeviceUnavailable)
	assert.False(t, h.ops.has("estimate_clock"))
	require.NoError(t, s.Destroy(ctx))
}

func TestSession_AttachErrorCarriesGatewayCode(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := testContext(t)
	h := newHarness()
	h.gwSess.attachErr = &domain.GatewayError{Code: 460, Reason: "No such plugin"}

	s := New(h.config())
	require.NoError(t, s.Start(ctx))
	_, err := s.Wait(ctx)

	var serr *domain.SignalingError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "attach", serr.Step)
	assert.Equal(t, 460, serr.Code)
	assert.Equal(t, "No such plugin", serr.Reason)

	assert.Equal(t, []State{Unstarted, SessionCreating, SessionReady, PluginAttaching, Failed}, states(s.Transitions()))
	assert.Eventually(t, func() bool { return h.ops.has("destroy_session") }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Destroy(ctx))
}

func TestSession_CreateFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := testContext(t)
	h := newHarness()
	h.gateway.createErr = fmt.Errorf("%w: connection refused", domain.ErrNetwork)

	s := New(h.config())
	require.NoError(t, s.Start(ctx))
	_, err := s.Wait(ctx)
	assert.ErrorIs(t, err, domain.ErrNetwork)
	assert.Equal(t, Failed, s.State())
	assert.False(t, h.ops.has("attach"))
	require.NoError(t, s.Destroy(ctx))
}

func TestSession_OfferFailures(t *testing.T) {
	t.Run("create offer", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
		ctx := testContext(t)
		h := newHarness()
		h.peer.offerErr = errors.New("no codecs")

		s := New(h.config())
		require.NoError(t, s.Start(ctx))
		_, err := s.Wait(ctx)
		var serr *domain.SignalingError
		require.True(t, errors.As(err, &serr))
		assert.Equal(t, "create offer", serr.Step)
		assert.False(t, h.ops.has("send_offer"))
		require.NoError(t, s.Destroy(ctx))
	})

	t.Run("send offer", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
		ctx := testContext(t)
		h := newHarness()
		h.handle.sendOfferErr = &domain.GatewayError{Code: 454, Reason: "Invalid JSEP"}

		s := New(h.config())
		require.NoError(t, s.Start(ctx))
		_, err := s.Wait(ctx)
		var serr *domain.SignalingError
		require.True(t, errors.As(err, &serr))
		assert.Equal(t, "send offer", serr.Step)
		assert.Equal(t, 454, serr.Code)
		require.NoError(t, s.Destroy(ctx))
	})
}

func TestSession_PluginErrorWhileNegotiatingFails(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := testContext(t)
	h := newHarness()
	h.handle.rejectPayload = true

	s := New(h.config())
	require.NoError(t, s.Start(ctx))
	st, err := s.Wait(ctx)
	assert.Equal(t, Failed, st)

	var serr *domain.SignalingError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, 490, serr.Code)
	assert.Equal(t, "invalid request", serr.Reason)

	// The payload completion arrives after the failure and is dropped.
	assert.False(t, h.ops.has("create_offer"))
	require.NoError(t, s.Destroy(ctx))
}

func TestSession_DestroyDuringCreateReleasesLateSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := testContext(t)
	h := newHarness()
	h.gateway.hold = make(chan struct{})

	s := New(h.config())
	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return h.ops.has("create_session") }, time.Second, time.Millisecond)

	require.NoError(t, s.Destroy(ctx))
	assert.Equal(t, Destroyed, s.State())
	assert.Equal(t, []State{Unstarted, SessionCreating, Destroying, Destroyed}, states(s.Transitions()))
	assert.False(t, h.ops.has("destroy_session"))

	close(h.gateway.hold)
	assert.Eventually(t, func() bool { return h.ops.has("destroy_session") }, time.Second, 5*time.Millisecond)
	assert.False(t, h.ops.has("attach"))
	assert.Equal(t, Destroyed, s.State())
	assert.ErrorIs(t, s.Destroy(ctx), ErrAlreadyDestroyed)
}

func TestSession_DestroyBeforeStart(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := testContext(t)
	h := newHarness()

	s := New(h.config())
	require.NoError(t, s.Destroy(ctx))
	assert.Equal(t, []State{Unstarted, Destroying, Destroyed}, states(s.Transitions()))
	assert.Equal(t, []string{"close_peer"}, h.ops.list())
	assert.ErrorIs(t, s.Destroy(ctx), ErrAlreadyDestroyed)
}

func TestSession_CleanupWhileDestroyingIsIgnored(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := testContext(t)
	h := newHarness()
	h.handle.cleanupOnDetach = true

	s := New(h.config())
	require.NoError(t, s.Start(ctx))
	_, err := s.Wait(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Destroy(ctx))
	assert.Equal(t, []State{
		Unstarted, SessionCreating, SessionReady, PluginAttaching,
		PluginReady, Negotiating, Negotiated, Destroying, Destroyed,
	}, states(s.Transitions()))
	assert.NoError(t, s.Err())
}

func TestSession_AnswerAfterNegotiatedIsApplied(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := testContext(t)
	h := newHarness()
	h.handle.noAnswer = true

	s := New(h.config())
	require.NoError(t, s.Start(ctx))
	_, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, h.ops.has("set_remote"))

	h.handle.events.OnMessage(domain.PluginMessage{
		Plugin: DefaultPlugin,
		JSEP:   &domain.SessionDescription{Type: "answer", SDP: "v=0\r\nlate"},
	})
	assert.Eventually(t, func() bool { return h.ops.has("set_remote") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Negotiated, s.State())
	require.NoError(t, s.Destroy(ctx))
}

func TestSession_RejectedAnswerWhileNegotiatingFails(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := testContext(t)
	h := newHarness()
	h.peer.remoteErr = errors.New("malformed sdp")

	s := New(h.config())
	require.NoError(t, s.Start(ctx))
	st, err := s.Wait(ctx)
	assert.Equal(t, Failed, st)

	var serr *domain.SignalingError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "remote message", serr.Step)
	assert.ErrorContains(t, err, "malformed sdp")
	assert.True(t, h.ops.has("set_remote"))

	for _, tr := range s.Transitions() {
		assert.NotEqual(t, Negotiated, tr.To)
	}
	require.NoError(t, s.Destroy(ctx))
	assert.Eventually(t, func() bool { return h.ops.has("close_peer") }, time.Second, 5*time.Millisecond)
}

func TestSession_RejectedAnswerAfterNegotiatedIsLogged(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := testContext(t)
	h := newHarness()
	h.handle.noAnswer = true
	h.peer.remoteErr = errors.New("malformed sdp")

	s := New(h.config())
	require.NoError(t, s.Start(ctx))
	_, err := s.Wait(ctx)
	require.NoError(t, err)

	h.handle.events.OnMessage(domain.PluginMessage{
		Plugin: DefaultPlugin,
		JSEP:   &domain.SessionDescription{Type: "answer", SDP: "v=0\r\nlate"},
	})
	assert.Eventually(t, func() bool { return h.ops.has("set_remote") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Negotiated, s.State())
	require.NoError(t, s.Destroy(ctx))
}

func TestSession_Renegotiate(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := testContext(t)
	h := newHarness()

	s := New(h.config())
	assert.ErrorIs(t, s.Renegotiate(ctx), ErrNotNegotiated)

	require.NoError(t, s.Start(ctx))
	_, err := s.Wait(ctx)
	require.NoError(t, err)

	h.devices.id = "43"
	require.NoError(t, s.Renegotiate(ctx))
	assert.Equal(t, Negotiated, s.State())

	offers := h.peer.offers()
	require.Len(t, offers, 2)
	assert.False(t, offers[0].ReplaceVideo)
	assert.True(t, offers[1].ReplaceVideo)
	assert.Equal(t, "43", offers[1].DeviceID)
	assert.Equal(t, []State{
		Unstarted, SessionCreating, SessionReady, PluginAttaching,
		PluginReady, Negotiating, Negotiated, Negotiating, Negotiated,
	}, states(s.Transitions()))

	require.NoError(t, s.Destroy(ctx))
	assert.ErrorIs(t, s.Renegotiate(ctx), ErrNotNegotiated)
}

func TestAllowed(t *testing.T) {
	assert.True(t, Allowed(Unstarted, SessionCreating))
	assert.True(t, Allowed(Negotiated, Negotiating))
	assert.True(t, Allowed(PluginAttaching, Failed))
	assert.True(t, Allowed(Unstarted, Destroying))
	assert.False(t, Allowed(Destroying, Failed))
	assert.False(t, Allowed(Destroyed, Destroying))
	assert.False(t, Allowed(Failed, Destroying))
	assert.False(t, Allowed(Unstarted, Negotiated))
	assert.Equal(t, "PluginReady", PluginReady.String())
	assert.Equal(t, "Unknown", State(42).String())
}
