// Package app wires the recorder client together from configuration.
package app

import (
	"fmt"

	"github.com/rs/zerolog"

	"camrelay/native/internal/api"
	"camrelay/native/internal/capture"
	"camrelay/native/internal/clock"
	"camrelay/native/internal/config"
	"camrelay/native/internal/control"
	"camrelay/native/internal/device"
	xlog "camrelay/native/internal/log"
	"camrelay/native/internal/recorder"
	"camrelay/native/internal/recording"
	"camrelay/native/internal/session"
	"camrelay/native/internal/signal"
	"camrelay/native/internal/webrtc"
)

// App holds the long-lived components.
type App struct {
	Config     *config.Config
	Devices    *device.Selector
	Recordings *recording.Coordinator
	Control    *control.Server

	source  *capture.Source
	gateway *signal.Gateway
	clock   clock.Estimator
	logger  zerolog.Logger
}

// New builds the App for cfg.
func New(cfg *config.Config) (*App, error) {
	source, err := capture.NewSource(capture.Options{})
	if err != nil {
		return nil, fmt.Errorf("create capture source: %w", err)
	}

	a := &App{
		Config:  cfg,
		Devices: device.NewSelector(source),
		source:  source,
		gateway: signal.NewGateway(cfg.GatewayURL, cfg.Keepalive),
		clock: clock.Estimator{
			Samples:   cfg.ClockSamples,
			MaxRounds: cfg.ClockMaxRounds,
			Local:     clock.SystemClock{},
			Remote:    clock.NewHTTPSource(cfg.APIBase+"/", cfg.ClockResync),
		},
		logger: xlog.WithComponent("app"),
	}

	a.Recordings = recording.NewCoordinator(
		a.Devices,
		source,
		recorder.New(cfg.RecordingsDir),
		api.NewClient(cfg.APIBase),
		a.newSignaling,
	)
	a.Control = control.NewServer(a.Recordings, a.Devices, control.Config{})
	return a, nil
}

// newSignaling creates a peer for the camera and a signaling session that
// negotiates it.
func (a *App) newSignaling(filename string, simulcast bool) (recording.Signaling, error) {
	peer, err := webrtc.NewPeer(a.Config.ICEServers, a.source)
	if err != nil {
		return nil, fmt.Errorf("create peer: %w", err)
	}
	peer.SetOnLocalStream(func(trackID string) {
		a.logger.Info().Str("track_id", trackID).Msg("local stream attached")
	})

	return session.New(session.Config{
		Gateway:        a.gateway,
		Peer:           peer,
		Devices:        a.Devices,
		Clock:          a.clock,
		TargetFilename: filename,
		Simulcast:      simulcast,
		OnTransition: func(tr session.Transition) {
			a.logger.Debug().Str("from", tr.From.String()).Str("to", tr.To.String()).Msg("signaling")
		},
	}), nil
}
