// Package capture acquires camera and microphone tracks with pion/mediadevices.
package capture

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"camrelay/native/internal/domain"
	xlog "camrelay/native/internal/log"
	"camrelay/native/internal/webrtc"
)

const (
	MinWidth  = 1280
	MinHeight = 720

	defaultVideoBitRate = 1_500_000
	defaultAudioBitRate = 64_000
	rtpMTU              = 1200
)

var (
	vp8Codec  = strings.TrimPrefix(pion.MimeTypeVP8, "video/")
	opusCodec = strings.TrimPrefix(pion.MimeTypeOpus, "audio/")
)

// mediaTrack is the part of mediadevices.Track this package uses.
type mediaTrack interface {
	ID() string
	Kind() pion.RTPCodecType
	NewRTPReader(codecName string, ssrc uint32, mtu int) (mediadevices.RTPReadCloser, error)
	Close() error
}

type acquireFunc func(mediadevices.MediaStreamConstraints) ([]mediaTrack, error)

func getUserMedia(c mediadevices.MediaStreamConstraints) ([]mediaTrack, error) {
	stream, err := mediadevices.GetUserMedia(c)
	if err != nil {
		return nil, err
	}
	var tracks []mediaTrack
	for _, t := range stream.GetTracks() {
		tracks = append(tracks, t)
	}
	return tracks, nil
}

// Options tunes the encoders.
type Options struct {
	VideoBitRate int
	AudioBitRate int
}

// Source enumerates devices and opens capture streams. It implements
// domain.DeviceSource, domain.Capturer and webrtc.VideoSource.
type Source struct {
	codecs    *mediadevices.CodecSelector
	acquire   acquireFunc
	enumerate func() []mediadevices.MediaDeviceInfo
	logger    zerolog.Logger

	mu     sync.Mutex
	active map[string]*Stream
}

// NewSource builds a Source with VP8 video and Opus audio encoders.
func NewSource(opts Options) (*Source, error) {
	if opts.VideoBitRate <= 0 {
		opts.VideoBitRate = defaultVideoBitRate
	}
	if opts.AudioBitRate <= 0 {
		opts.AudioBitRate = defaultAudioBitRate
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("create VP8 params: %w", err)
	}
	vpxParams.BitRate = opts.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("create Opus params: %w", err)
	}
	opusParams.BitRate = opts.AudioBitRate

	codecs := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return newSource(codecs, getUserMedia, mediadevices.EnumerateDevices), nil
}

func newSource(codecs *mediadevices.CodecSelector, acquire acquireFunc, enumerate func() []mediadevices.MediaDeviceInfo) *Source {
	return &Source{
		codecs:    codecs,
		acquire:   acquire,
		enumerate: enumerate,
		logger:    xlog.WithComponent("capture"),
		active:    make(map[string]*Stream),
	}
}

// EnumerateDevices lists the attached media devices.
func (s *Source) EnumerateDevices(ctx context.Context) ([]domain.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos := s.enumerate()
	devices := make([]domain.Device, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, domain.Device{
			Kind:  deviceKind(info.Kind),
			Label: info.Label,
			ID:    info.DeviceID,
		})
	}
	return devices, nil
}

func deviceKind(k mediadevices.MediaDeviceType) domain.DeviceKind {
	switch k {
	case mediadevices.VideoInput:
		return domain.DeviceVideoInput
	case mediadevices.AudioInput:
		return domain.DeviceAudioInput
	default:
		return domain.DeviceAudioOutput
	}
}

// Capture opens audio and video, the video bound to deviceID and at least
// 1280x720. The stream stays registered for OpenVideo until stopped.
func (s *Source) Capture(ctx context.Context, deviceID string) (domain.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tracks, err := s.acquire(mediadevices.MediaStreamConstraints{
		Video: videoConstraints(deviceID),
		Audio: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: s.codecs,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDeviceUnavailable, err)
	}
	if findKind(tracks, pion.RTPCodecTypeVideo) == nil {
		closeAll(tracks)
		return nil, fmt.Errorf("%w: no video track for device %s", domain.ErrDeviceUnavailable, deviceID)
	}

	st := &Stream{id: uuid.NewString(), deviceID: deviceID, tracks: tracks, owner: s}
	s.mu.Lock()
	if prev, ok := s.active[deviceID]; ok {
		s.logger.Warn().Str("device_id", deviceID).Str("stream_id", prev.id).Msg("replacing active capture")
	}
	s.active[deviceID] = st
	s.mu.Unlock()

	s.logger.Info().Str("device_id", deviceID).Str("stream_id", st.id).Int("tracks", len(tracks)).Msg("capture started")
	return st, nil
}

// OpenVideo returns an RTP reader over the camera. An active capture of the
// same device is shared; otherwise a video-only capture is opened and
// closed with the reader.
func (s *Source) OpenVideo(deviceID string) (webrtc.LocalVideo, error) {
	s.mu.Lock()
	st := s.active[deviceID]
	s.mu.Unlock()

	if st != nil {
		if t := findKind(st.tracks, pion.RTPCodecTypeVideo); t != nil {
			return openRTP(t, false)
		}
	}

	tracks, err := s.acquire(mediadevices.MediaStreamConstraints{
		Video: videoConstraints(deviceID),
		Codec: s.codecs,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDeviceUnavailable, err)
	}
	t := findKind(tracks, pion.RTPCodecTypeVideo)
	if t == nil {
		closeAll(tracks)
		return nil, fmt.Errorf("%w: no video track for device %s", domain.ErrDeviceUnavailable, deviceID)
	}
	return openRTP(t, true)
}

func (s *Source) release(st *Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[st.deviceID] == st {
		delete(s.active, st.deviceID)
	}
}

func videoConstraints(deviceID string) func(*mediadevices.MediaTrackConstraints) {
	return func(c *mediadevices.MediaTrackConstraints) {
		c.DeviceID = prop.StringExact(deviceID)
		// 16:9 at the minimum size; mediadevices has no aspect-ratio constraint.
		c.Width = prop.IntRanged{Min: MinWidth, Ideal: MinWidth, Max: 3840}
		c.Height = prop.IntRanged{Min: MinHeight, Ideal: MinHeight, Max: 2160}
	}
}

func findKind(tracks []mediaTrack, kind pion.RTPCodecType) mediaTrack {
	for _, t := range tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

func closeAll(tracks []mediaTrack) error {
	var errs []error
	for _, t := range tracks {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close track %s: %w", t.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Stream is an active capture.
type Stream struct {
	id       string
	deviceID string
	tracks   []mediaTrack
	owner    *Source

	stopOnce sync.Once
	stopErr  error
}

func (st *Stream) ID() string { return st.id }

// DeviceID is the camera the stream was opened for.
func (st *Stream) DeviceID() string { return st.deviceID }

// Stop ends every track. Later calls return the first result.
func (st *Stream) Stop() error {
	st.stopOnce.Do(func() {
		st.owner.release(st)
		st.stopErr = closeAll(st.tracks)
		st.owner.logger.Info().Str("stream_id", st.id).Msg("capture stopped")
	})
	return st.stopErr
}

// OpenTracks opens an RTP reader per track.
func (st *Stream) OpenTracks() ([]domain.RTPTrack, error) {
	out := make([]domain.RTPTrack, 0, len(st.tracks))
	for _, t := range st.tracks {
		r, err := openRTP(t, false)
		if err != nil {
			for _, o := range out {
				_ = o.Close()
			}
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// RTPTrack reads encoded packets from one capture track.
type RTPTrack struct {
	track     mediaTrack
	reader    mediadevices.RTPReadCloser
	ownsTrack bool
	closeOnce sync.Once
}

func openRTP(t mediaTrack, ownsTrack bool) (*RTPTrack, error) {
	codec := opusCodec
	if t.Kind() == pion.RTPCodecTypeVideo {
		codec = vp8Codec
	}
	ssrc, err := randomSSRC()
	if err != nil {
		return nil, err
	}
	r, err := t.NewRTPReader(codec, ssrc, rtpMTU)
	if err != nil {
		return nil, fmt.Errorf("open %s reader on %s: %w", codec, t.ID(), err)
	}
	return &RTPTrack{track: t, reader: r, ownsTrack: ownsTrack}, nil
}

func (r *RTPTrack) ID() string { return r.track.ID() }

func (r *RTPTrack) Kind() string { return r.track.Kind().String() }

// ReadRTP returns the next batch of packets. The packets are copies and
// remain valid after the next call.
func (r *RTPTrack) ReadRTP() ([]*rtp.Packet, error) {
	pkts, release, err := r.reader.Read()
	if err != nil {
		return nil, err
	}
	out := make([]*rtp.Packet, 0, len(pkts))
	for _, p := range pkts {
		if p != nil {
			out = append(out, p.Clone())
		}
	}
	if release != nil {
		release()
	}
	return out, nil
}

func (r *RTPTrack) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.reader.Close()
		if r.ownsTrack {
			err = errors.Join(err, r.track.Close())
		}
	})
	return err
}

func randomSSRC() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generate ssrc: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
