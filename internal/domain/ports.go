package domain

import (
	"context"
	"time"

	"github.com/pion/rtp"
)

// DeviceSource enumerates the media devices currently attached.
type DeviceSource interface {
	EnumerateDevices(ctx context.Context) ([]Device, error)
}

// Gateway opens signaling sessions on the media gateway.
type Gateway interface {
	CreateSession(ctx context.Context) (GatewaySession, error)
}

// GatewaySession is one live session on the gateway.
type GatewaySession interface {
	ID() uint64
	Attach(ctx context.Context, plugin, opaqueID string, events PluginEvents) (PluginHandle, error)
	Destroy(ctx context.Context) error
}

// PluginHandle is a plugin endpoint attached to a gateway session.
type PluginHandle interface {
	ID() uint64
	Send(ctx context.Context, body any, jsep *SessionDescription) error
	Detach(ctx context.Context) error
}

// PluginEvents receives asynchronous notifications for an attached handle.
type PluginEvents interface {
	OnMessage(msg PluginMessage)
	OnCleanup()
}

// Peer manages the local WebRTC peer connection.
type Peer interface {
	CreateOffer(ctx context.Context, desc MediaDescription) (SessionDescription, error)
	SetRemoteDescription(sdp SessionDescription) error
	Close() error
}

// RemoteClock reads the recording server's notion of "now".
type RemoteClock interface {
	Now() (time.Time, error)
}

// JobRegistry registers and closes recording jobs on the remote API.
type JobRegistry interface {
	RegisterJob(ctx context.Context) (*Job, error)
	StopJob(ctx context.Context, id string) error
}

// MediaStream is an acquired local capture.
type MediaStream interface {
	ID() string
	// Stop ends every track of the stream.
	Stop() error
}

// Capturer acquires local media constrained to a device.
type Capturer interface {
	Capture(ctx context.Context, deviceID string) (MediaStream, error)
}

// LocalRecording is a local copy of a capture being written.
type LocalRecording interface {
	// Finalize flushes and closes the recording, returning the files written.
	Finalize() ([]string, error)
}

// Recorder starts local recordings of a stream.
type Recorder interface {
	Record(stream MediaStream, name string) (LocalRecording, error)
}

// RTPTrack is one packetized local track.
type RTPTrack interface {
	ID() string
	// Kind is "audio" or "video".
	Kind() string
	ReadRTP() ([]*rtp.Packet, error)
	Close() error
}

// TrackSource is a MediaStream whose tracks can be read as RTP.
type TrackSource interface {
	MediaStream
	OpenTracks() ([]RTPTrack, error)
}
