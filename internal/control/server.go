// Package control serves the HTTP API that starts and stops recordings.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"camrelay/native/internal/device"
	"camrelay/native/internal/domain"
	xlog "camrelay/native/internal/log"
	"camrelay/native/internal/policy"
	"camrelay/native/internal/recording"
)

// Recordings is the recording lifecycle the API drives.
type Recordings interface {
	Start(ctx context.Context, opts recording.Options) (*recording.Session, error)
	Current() (*recording.Session, bool)
	StopCurrent(ctx context.Context) error
}

// DeviceLister lists the cameras.
type DeviceLister interface {
	List(ctx context.Context) []domain.Device
}

// Config tunes the router.
type Config struct {
	// StartLimit caps recording starts per client per minute.
	StartLimit int
}

// Server is the control API.
type Server struct {
	recordings Recordings
	devices    DeviceLister
	cfg        Config
	logger     zerolog.Logger
}

// NewServer creates the control API.
func NewServer(recordings Recordings, devices DeviceLister, cfg Config) *Server {
	if cfg.StartLimit <= 0 {
		cfg.StartLimit = 10
	}
	return &Server{
		recordings: recordings,
		devices:    devices,
		cfg:        cfg,
		logger:     xlog.WithComponent("control"),
	}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/devices", s.listDevices)

	r.Route("/recordings", func(r chi.Router) {
		r.With(startLimit(s.cfg.StartLimit)).Post("/", s.startRecording)
		r.Get("/current", s.currentRecording)
		r.Delete("/current", s.stopRecording)
	})
	return r
}

func startLimit(n int) func(http.Handler) http.Handler {
	return httprate.Limit(
		n,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limit_exceeded"})
		}),
	)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

type devicesResponse struct {
	Devices []domain.Device `json:"devices"`
	Default string          `json:"default,omitempty"`
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.devices.List(r.Context())
	resp := devicesResponse{Devices: devices}
	if resp.Devices == nil {
		resp.Devices = []domain.Device{}
	}
	if id, err := device.SelectDefault(devices); err == nil {
		resp.Default = id
	}
	writeJSON(w, http.StatusOK, resp)
}

type startResponse struct {
	recording.Status
	Warning string `json:"warning,omitempty"`
}

func (s *Server) startRecording(w http.ResponseWriter, r *http.Request) {
	opts := recording.Options{Simulcast: policy.SimulcastRequested(r.URL.Query())}
	sess, err := s.recordings.Start(r.Context(), opts)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, startResponse{Status: sess.Status()})
	case sess != nil:
		// Recording locally without a remote job.
		writeJSON(w, http.StatusAccepted, startResponse{Status: sess.Status(), Warning: err.Error()})
	default:
		writeError(w, err)
	}
}

func (s *Server) currentRecording(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.recordings.Current()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active recording"})
		return
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) stopRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.recordings.StopCurrent(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Error  string   `json:"error"`
	Code   int      `json:"code,omitempty"`
	Reason string   `json:"reason,omitempty"`
	Steps  []string `json:"failed_steps,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	var serr *domain.SignalingError
	var terr *domain.TeardownError
	switch {
	case errors.Is(err, recording.ErrStoppedWhileStarting):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrRecordingActive):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrAlreadyStopped):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrDeviceUnavailable):
		status = http.StatusServiceUnavailable
	case errors.As(err, &serr):
		status = http.StatusBadGateway
		resp.Code, resp.Reason = serr.Code, serr.Reason
	case errors.As(err, &terr):
		for _, s := range terr.Steps {
			resp.Steps = append(resp.Steps, s.Step)
		}
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe serves the API on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("control API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("control API: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown control API: %w", err)
		}
		return nil
	}
}
