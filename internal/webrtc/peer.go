package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"camrelay/native/internal/domain"
	xlog "camrelay/native/internal/log"
)

const (
	streamID = "camrelay"

	sdesMidURI         = "urn:ietf:params:rtp-hdrext:sdes:mid"
	sdesRTPStreamIDURI = "urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id"
)

// simulcastRIDs are the layer ids offered when simulcast is requested.
var simulcastRIDs = []string{"q", "h", "f"}

// LocalVideo is an encoded local video track packetized as RTP.
type LocalVideo interface {
	ID() string
	ReadRTP() ([]*rtp.Packet, error)
	Close() error
}

// VideoSource opens the camera identified by deviceID.
type VideoSource interface {
	OpenVideo(deviceID string) (LocalVideo, error)
}

// Peer wraps a Pion PeerConnection publishing one camera.
type Peer struct {
	pc     *pion.PeerConnection
	source VideoSource
	logger zerolog.Logger

	mu       sync.Mutex
	dc       *pion.DataChannel
	sender   *pion.RTPSender
	layers   []*pion.TrackLocalStaticRTP
	video    LocalVideo
	fwdDone  chan struct{}
	closed   bool
	onLocal  func(trackID string)
	onRemote func(track *pion.TrackRemote)
}

// NewPeer creates a PeerConnection with VP8/Opus registered.
func NewPeer(iceURLs []string, source VideoSource) (*Peer, error) {
	m := &pion.MediaEngine{}

	vp8 := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:  pion.MimeTypeVP8,
			ClockRate: 90000,
		},
		PayloadType: 96,
	}
	if err := m.RegisterCodec(vp8, pion.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register VP8: %w", err)
	}

	opus := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:    pion.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}
	if err := m.RegisterCodec(opus, pion.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register Opus: %w", err)
	}

	for _, uri := range []string{sdesMidURI, sdesRTPStreamIDURI} {
		if err := m.RegisterHeaderExtension(pion.RTPHeaderExtensionCapability{URI: uri}, pion.RTPCodecTypeVideo); err != nil {
			return nil, fmt.Errorf("register header extension %s: %w", uri, err)
		}
	}

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
	)

	var servers []pion.ICEServer
	if len(iceURLs) > 0 {
		servers = append(servers, pion.ICEServer{URLs: iceURLs})
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		pc:     pc,
		source: source,
		logger: xlog.WithComponent("webrtc"),
	}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		p.logger.Info().Str("state", state.String()).Msg("ICE connection state")
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.logger.Info().Str("state", state.String()).Msg("peer connection state")
	})
	pc.OnTrack(p.handleTrack)

	return p, nil
}

// SetOnLocalStream registers fn to run once a camera track is bound to the
// connection.
func (p *Peer) SetOnLocalStream(fn func(trackID string)) {
	p.mu.Lock()
	p.onLocal = fn
	p.mu.Unlock()
}

// SetOnRemoteStream registers fn to consume remote tracks. Without it remote
// media is drained and discarded.
func (p *Peer) SetOnRemoteStream(fn func(track *pion.TrackRemote)) {
	p.mu.Lock()
	p.onRemote = fn
	p.mu.Unlock()
}

func (p *Peer) handleTrack(track *pion.TrackRemote, _ *pion.RTPReceiver) {
	codec := track.Codec()
	p.logger.Info().Str("kind", track.Kind().String()).Str("codec", codec.MimeType).Uint8("pt", uint8(codec.PayloadType)).Msg("got remote track")

	p.mu.Lock()
	fn := p.onRemote
	p.mu.Unlock()
	if fn != nil {
		go fn(track)
		return
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	}()
}

// CreateOffer binds the camera named by desc, creates an SDP offer, sets it
// as the local description and returns it once ICE gathering completes.
func (p *Peer) CreateOffer(ctx context.Context, desc domain.MediaDescription) (domain.SessionDescription, error) {
	if desc.Audio {
		return domain.SessionDescription{}, errors.New("audio leg is not supported by this peer")
	}
	if desc.Video {
		if err := p.bindVideo(desc); err != nil {
			return domain.SessionDescription{}, err
		}
	}
	if desc.Data {
		if err := p.ensureDataChannel(); err != nil {
			return domain.SessionDescription{}, err
		}
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	gathered := pion.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return domain.SessionDescription{}, fmt.Errorf("ice gathering: %w", ctx.Err())
	}

	local := p.pc.LocalDescription()
	p.logger.Info().Bool("simulcast", desc.Simulcast).Bool("replace_video", desc.ReplaceVideo).Msg("local SDP offer set")
	return domain.SessionDescription{Type: local.Type.String(), SDP: local.SDP}, nil
}

// bindVideo opens desc.DeviceID and feeds it into the video sender, adding
// the sender on first use. With ReplaceVideo the existing sender is kept
// and only its source changes.
func (p *Peer) bindVideo(desc domain.MediaDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.New("peer closed")
	}
	if p.sender != nil && !desc.ReplaceVideo {
		return nil
	}

	video, err := p.source.OpenVideo(desc.DeviceID)
	if err != nil {
		return fmt.Errorf("open video %s: %w", desc.DeviceID, err)
	}

	if p.sender == nil {
		if err := p.addVideoSender(desc.Simulcast); err != nil {
			video.Close()
			return err
		}
	} else {
		p.stopForwarding()
	}

	p.video = video
	p.fwdDone = make(chan struct{})
	go p.forward(video, p.layers, p.fwdDone)

	if p.onLocal != nil {
		go p.onLocal(video.ID())
	}
	return nil
}

func (p *Peer) addVideoSender(simulcast bool) error {
	codec := pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8, ClockRate: 90000}

	rids := []string{""}
	if simulcast {
		rids = simulcastRIDs
	}

	layers := make([]*pion.TrackLocalStaticRTP, 0, len(rids))
	for _, rid := range rids {
		var opts []func(*pion.TrackLocalStaticRTP)
		if rid != "" {
			opts = append(opts, pion.WithRTPStreamID(rid))
		}
		track, err := pion.NewTrackLocalStaticRTP(codec, "video", streamID, opts...)
		if err != nil {
			return fmt.Errorf("create video track: %w", err)
		}
		layers = append(layers, track)
	}

	sender, err := p.pc.AddTrack(layers[0])
	if err != nil {
		return fmt.Errorf("add video track: %w", err)
	}
	for _, l := range layers[1:] {
		if err := sender.AddEncoding(l); err != nil {
			return fmt.Errorf("add simulcast encoding %s: %w", l.RID(), err)
		}
	}

	p.sender = sender
	p.layers = layers
	go p.readRTCP(sender)
	return nil
}

// forward copies packets from video into every layer until video ends.
func (p *Peer) forward(video LocalVideo, layers []*pion.TrackLocalStaticRTP, done chan struct{}) {
	defer close(done)
	for {
		pkts, err := video.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Debug().Err(err).Msg("video source ended")
			}
			return
		}
		for _, pkt := range pkts {
			for _, l := range layers {
				if err := l.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
					p.logger.Warn().Err(err).Str("rid", l.RID()).Msg("write RTP")
				}
			}
		}
	}
}

// stopForwarding closes the current source and waits for its forwarder.
// Callers hold p.mu.
func (p *Peer) stopForwarding() {
	if p.video == nil {
		return
	}
	if err := p.video.Close(); err != nil {
		p.logger.Warn().Err(err).Msg("close video source")
	}
	<-p.fwdDone
	p.video = nil
}

func (p *Peer) readRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *Peer) ensureDataChannel() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dc != nil {
		return nil
	}

	dc, err := p.pc.CreateDataChannel(streamID, nil)
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	dc.OnOpen(func() {
		p.logger.Info().Msg("data channel opened")
	})
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		p.logger.Debug().Str("data", string(msg.Data)).Msg("data channel message")
	})
	dc.OnClose(func() {
		p.logger.Info().Msg("data channel closed")
	})
	p.dc = dc
	return nil
}

// SetRemoteDescription applies the gateway's SDP answer.
func (p *Peer) SetRemoteDescription(sdp domain.SessionDescription) error {
	answer := pion.SessionDescription{
		Type: pion.NewSDPType(sdp.Type),
		SDP:  sdp.SDP,
	}
	if answer.Type != pion.SDPTypeAnswer {
		return fmt.Errorf("set remote description: unexpected type %q", sdp.Type)
	}

	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	p.logger.Info().Msg("remote SDP answer set")
	return nil
}

// Close stops the camera source and shuts down the DataChannel and PeerConnection.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.stopForwarding()
	dc := p.dc
	p.mu.Unlock()

	var errs []error
	if dc != nil {
		errs = append(errs, dc.Close())
	}
	errs = append(errs, p.pc.Close())
	return errors.Join(errs...)
}
