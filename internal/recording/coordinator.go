// Package recording sequences local capture, remote job registration and
// the signaling session of one recording, and tears them down together.
package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"camrelay/native/internal/domain"
	xlog "camrelay/native/internal/log"
	"camrelay/native/internal/metrics"
	"camrelay/native/internal/session"
)

// Teardown step names, in the order Stop runs them.
const (
	StepFinalize = "finalize recorder"
	StepTracks   = "stop tracks"
	StepSession  = "destroy session"
	StepJob      = "stop job"
)

// ErrStoppedWhileStarting is returned by Start when the recording was
// stopped before negotiation completed.
var ErrStoppedWhileStarting = errors.New("recording stopped while starting")

// Signaling is the signaling session a recording negotiates.
type Signaling interface {
	Start(ctx context.Context) error
	Wait(ctx context.Context) (session.State, error)
	Destroy(ctx context.Context) error
	State() session.State
}

// SignalingFactory builds a signaling session that tells the relay to
// write to filename.
type SignalingFactory func(filename string, simulcast bool) (Signaling, error)

// DeviceSelector picks the camera to capture.
type DeviceSelector interface {
	Select(ctx context.Context) (string, error)
}

// Options are the per-start choices of the caller.
type Options struct {
	Simulcast bool
}

// Coordinator owns at most one active recording.
type Coordinator struct {
	devices   DeviceSelector
	capturer  domain.Capturer
	recorder  domain.Recorder
	jobs      domain.JobRegistry
	signaling SignalingFactory
	logger    zerolog.Logger

	mu       sync.Mutex
	current  *Session
	starting *pendingStart
}

// pendingStart is a Start in progress. StopCurrent cancels it through
// cancel and the signaling session registered so far.
type pendingStart struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	stopped   bool
	signaling Signaling
}

// attach registers sig; false when the start was already stopped.
func (p *pendingStart) attach(sig Signaling) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.signaling = sig
	return true
}

func (p *pendingStart) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// NewCoordinator wires a Coordinator. recorder may be nil to skip the local copy.
func NewCoordinator(devices DeviceSelector, capturer domain.Capturer, recorder domain.Recorder, jobs domain.JobRegistry, signaling SignalingFactory) *Coordinator {
	return &Coordinator{
		devices:   devices,
		capturer:  capturer,
		recorder:  recorder,
		jobs:      jobs,
		signaling: signaling,
		logger:    xlog.WithComponent("recording"),
	}
}

// Session is one recording: the local stream, its local copy, the remote
// job and the signaling session. All four are released together.
type Session struct {
	DeviceID  string
	StartedAt time.Time
	Job       *domain.Job

	stream    domain.MediaStream
	local     domain.LocalRecording
	signaling Signaling
	files     []string

	mu      sync.Mutex
	stopped bool
}

// Status is a point-in-time view of a Session.
type Status struct {
	Recording  bool      `json:"recording"`
	DeviceID   string    `json:"device_id"`
	StreamID   string    `json:"stream_id"`
	JobID      string    `json:"job_id,omitempty"`
	VideoPath  string    `json:"video_path,omitempty"`
	Signaling  string    `json:"signaling"`
	StartedAt  time.Time `json:"started_at"`
	LocalFiles []string  `json:"local_files,omitempty"`
}

// RemoteJobID is the id of the registered job, or "" when registration failed.
func (s *Session) RemoteJobID() string {
	if s.Job == nil {
		return ""
	}
	return s.Job.ID
}

// Stream is the local capture.
func (s *Session) Stream() domain.MediaStream { return s.stream }

// SignalingState reports the signaling session state; Unstarted when the
// recording runs without one.
func (s *Session) SignalingState() session.State {
	if s.signaling == nil {
		return session.Unstarted
	}
	return s.signaling.State()
}

// Status snapshots the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	stopped := s.stopped
	files := append([]string(nil), s.files...)
	s.mu.Unlock()

	st := Status{
		Recording:  !stopped,
		DeviceID:   s.DeviceID,
		Signaling:  s.SignalingState().String(),
		StartedAt:  s.StartedAt,
		LocalFiles: files,
	}
	if s.stream != nil {
		st.StreamID = s.stream.ID()
	}
	if s.Job != nil {
		st.JobID, st.VideoPath = s.Job.ID, s.Job.VideoPath
	}
	return st
}

// Current returns the active recording, if any.
func (c *Coordinator) Current() (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.current != nil
}

// Start begins a recording. Capture and job registration run concurrently.
// When registration fails the recording continues locally: the session is
// returned together with an error wrapping domain.ErrNetwork. Any other
// failure, including StopCurrent before negotiation completes, releases
// everything acquired so far.
func (c *Coordinator) Start(ctx context.Context, opts Options) (*Session, error) {
	c.mu.Lock()
	if c.current != nil || c.starting != nil {
		c.mu.Unlock()
		return nil, domain.ErrRecordingActive
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &pendingStart{cancel: cancel, done: make(chan struct{})}
	c.starting = p
	c.mu.Unlock()

	sess, err := c.start(ctx, opts, p)
	cancel()

	c.mu.Lock()
	c.starting = nil
	stoppedLate := sess != nil && p.isStopped()
	if sess != nil && !stoppedLate {
		c.current = sess
		metrics.RecordingsActive.Set(1)
	}
	c.mu.Unlock()

	if stoppedLate {
		c.abort(sess)
		sess, err = nil, ErrStoppedWhileStarting
	}
	close(p.done)

	metrics.RecordingStarts.WithLabelValues(startOutcome(sess, err)).Inc()
	return sess, err
}

func startOutcome(sess *Session, err error) string {
	switch {
	case err == nil:
		return "ok"
	case sess != nil:
		return "local_only"
	case errors.Is(err, ErrStoppedWhileStarting):
		return "stopped"
	case errors.Is(err, domain.ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, domain.ErrSignaling):
		return "signaling_failed"
	default:
		return "error"
	}
}

func (c *Coordinator) start(ctx context.Context, opts Options, p *pendingStart) (*Session, error) {
	deviceID, err := c.devices.Select(ctx)
	if err != nil {
		if p.isStopped() {
			return nil, fmt.Errorf("%w: %w", ErrStoppedWhileStarting, err)
		}
		return nil, err
	}

	var (
		stream domain.MediaStream
		job    *domain.Job
		regErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		stream, err = c.capturer.Capture(gctx, deviceID)
		return err
	})
	g.Go(func() error {
		// A registration failure must not cancel the capture.
		job, regErr = c.jobs.RegisterJob(ctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		if job != nil {
			c.stopJob(job.ID)
		}
		if p.isStopped() {
			return nil, fmt.Errorf("%w: %w", ErrStoppedWhileStarting, err)
		}
		if !errors.Is(err, domain.ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrDeviceUnavailable, err)
		}
		c.logger.Error().Err(err).Str("device_id", deviceID).Msg("capture failed")
		return nil, err
	}

	sess := &Session{
		DeviceID:  deviceID,
		StartedAt: time.Now(),
		Job:       job,
		stream:    stream,
	}
	c.startLocal(sess)

	if p.isStopped() {
		c.abort(sess)
		return nil, ErrStoppedWhileStarting
	}
	if regErr != nil {
		if !errors.Is(regErr, domain.ErrNetwork) {
			regErr = fmt.Errorf("%w: %w", domain.ErrNetwork, regErr)
		}
		c.logger.Warn().Err(regErr).Msg("job registration failed, recording locally only")
		return sess, regErr
	}

	sig, err := c.signaling(job.VideoPath, opts.Simulcast)
	if err != nil {
		c.abort(sess)
		return nil, err
	}
	sess.signaling = sig
	if !p.attach(sig) {
		c.abort(sess)
		return nil, ErrStoppedWhileStarting
	}

	if err := sig.Start(ctx); err != nil {
		c.abort(sess)
		return nil, c.startErr(p, err)
	}
	if _, err := sig.Wait(ctx); err != nil {
		c.logger.Error().Err(err).Str("job_id", job.ID).Msg("signaling did not complete")
		c.abort(sess)
		return nil, c.startErr(p, err)
	}

	c.logger.Info().
		Str("job_id", job.ID).
		Str("video_path", job.VideoPath).
		Str("device_id", deviceID).
		Msg("recording started")
	return sess, nil
}

// startErr marks err as caused by StopCurrent when the start was stopped.
func (c *Coordinator) startErr(p *pendingStart, err error) error {
	if p.isStopped() {
		return fmt.Errorf("%w: %w", ErrStoppedWhileStarting, err)
	}
	return err
}

func (c *Coordinator) startLocal(sess *Session) {
	if c.recorder == nil {
		return
	}
	name := sess.stream.ID()
	if sess.Job != nil {
		name = sess.Job.ID
	}
	local, err := c.recorder.Record(sess.stream, name)
	if err != nil {
		c.logger.Warn().Err(err).Msg("local recording unavailable")
		return
	}
	sess.local = local
}

// abort releases a session that never became current.
func (c *Coordinator) abort(sess *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.teardown(ctx, sess); err != nil {
		c.logger.Warn().Err(err).Msg("release after failed start")
	}
}

func (c *Coordinator) stopJob(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.jobs.StopJob(ctx, id); err != nil {
		c.logger.Warn().Err(err).Str("job_id", id).Msg("stop orphaned job")
	}
}

// Stop finalizes the local recording, stops the tracks, destroys the
// signaling session and stops the remote job. Every step runs even when an
// earlier one fails; failures are returned as a *domain.TeardownError.
func (c *Coordinator) Stop(ctx context.Context, sess *Session) error {
	if sess == nil {
		return domain.ErrAlreadyStopped
	}
	sess.mu.Lock()
	if sess.stopped || sess.SignalingState() == session.Destroyed {
		sess.mu.Unlock()
		return domain.ErrAlreadyStopped
	}
	sess.stopped = true
	sess.mu.Unlock()

	c.mu.Lock()
	if c.current == sess {
		c.current = nil
		metrics.RecordingsActive.Set(0)
	}
	c.mu.Unlock()

	err := c.runTeardown(ctx, sess)
	if err != nil {
		c.logger.Error().Err(err).Str("job_id", sess.RemoteJobID()).Msg("recording stopped with errors")
		return err
	}
	c.logger.Info().Str("job_id", sess.RemoteJobID()).Msg("recording stopped")
	return nil
}

// StopCurrent stops the active recording. A recording that is still
// starting has its signaling session destroyed; StopCurrent then waits for
// Start to release everything it acquired.
func (c *Coordinator) StopCurrent(ctx context.Context) error {
	c.mu.Lock()
	sess, p := c.current, c.starting
	if sess == nil && p != nil {
		// Marked under c.mu so Start cannot publish the session afterwards.
		p.mu.Lock()
		already := p.stopped
		p.stopped = true
		p.mu.Unlock()
		if already {
			p = nil
		}
	}
	c.mu.Unlock()

	switch {
	case sess != nil:
		return c.Stop(ctx, sess)
	case p != nil:
		return c.stopStarting(ctx, p)
	default:
		return domain.ErrAlreadyStopped
	}
}

func (c *Coordinator) stopStarting(ctx context.Context, p *pendingStart) error {
	p.mu.Lock()
	sig := p.signaling
	p.mu.Unlock()

	c.logger.Info().Msg("stopping recording that is still starting")
	if sig != nil {
		if err := sig.Destroy(ctx); err != nil && !errors.Is(err, session.ErrAlreadyDestroyed) {
			c.logger.Warn().Err(err).Msg("destroy signaling during start")
		}
	}
	p.cancel()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) teardown(ctx context.Context, sess *Session) error {
	sess.mu.Lock()
	sess.stopped = true
	sess.mu.Unlock()
	return c.runTeardown(ctx, sess)
}

func (c *Coordinator) runTeardown(ctx context.Context, sess *Session) error {
	var failed []domain.StepError
	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			metrics.TeardownFailures.WithLabelValues(name).Inc()
			failed = append(failed, domain.StepError{Step: name, Err: err})
		}
	}

	if sess.local != nil {
		step(StepFinalize, func() error {
			files, err := sess.local.Finalize()
			sess.mu.Lock()
			sess.files = files
			sess.mu.Unlock()
			return err
		})
	}
	step(StepTracks, sess.stream.Stop)
	if sess.signaling != nil {
		step(StepSession, func() error {
			if err := sess.signaling.Destroy(ctx); err != nil && !errors.Is(err, session.ErrAlreadyDestroyed) {
				return err
			}
			return nil
		})
	}
	if sess.Job != nil {
		step(StepJob, func() error { return c.jobs.StopJob(ctx, sess.Job.ID) })
	}

	if len(failed) > 0 {
		return &domain.TeardownError{Steps: failed}
	}
	return nil
}
