package webrtc

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"callcore/native/internal/domain"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/transport/v3"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// FactoryConfig configures the peer connections a Factory creates.
type FactoryConfig struct {
	ICEServers []domain.ICEServer
	// AllowLoopback keeps loopback host candidates, which are dropped by
	// default. Useful when both peers run on one machine.
	AllowLoopback bool
	// ICE timeouts; zero values use 30s disconnected, 120s failed, 2s keepalive.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
	// Net replaces the host network, e.g. with a vnet in tests.
	Net    transport.Net
	Logger *zerolog.Logger
}

// Factory creates Peers sharing one pion API.
// It implements domain.PeerFactory.
type Factory struct {
	api           *pion.API
	iceServers    []pion.ICEServer
	allowLoopback bool
	log           zerolog.Logger
}

// NewFactory registers the default codecs, RTCP reports and NACK handling and
// returns a Factory ready to create peers.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}

	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := pion.ConfigureRTCPReports(i); err != nil {
		return nil, fmt.Errorf("configure rtcp reports: %w", err)
	}
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	m.RegisterFeedback(pion.RTCPFeedback{Type: "nack"}, pion.RTPCodecTypeVideo)
	m.RegisterFeedback(pion.RTCPFeedback{Type: "nack", Parameter: "pli"}, pion.RTPCodecTypeVideo)
	i.Add(generator)
	i.Add(responder)

	disconnected, failed, keepAlive := cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval
	if disconnected == 0 {
		disconnected = 30 * time.Second
	}
	if failed == 0 {
		failed = 120 * time.Second
	}
	if keepAlive == 0 {
		keepAlive = 2 * time.Second
	}
	se := pion.SettingEngine{}
	se.SetICETimeouts(disconnected, failed, keepAlive)
	se.LoggerFactory = pionLoggers{log: l.With().Str("module", "pion").Logger()}
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(se),
	)

	var servers []pion.ICEServer
	for _, s := range cfg.ICEServers {
		servers = append(servers, pion.ICEServer{
			URLs:       []string{s.URL},
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	return &Factory{
		api:           api,
		iceServers:    servers,
		allowLoopback: cfg.AllowLoopback,
		log:           l.With().Str("module", "webrtc").Logger(),
	}, nil
}

// NewPeer creates a peer connection for a call of the given kind. Every
// callback in events may be nil.
func (f *Factory) NewPeer(kind domain.MediaKind, events domain.PeerEvents) (domain.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(pion.Configuration{
		ICEServers:   f.iceServers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		pc:            pc,
		allowLoopback: f.allowLoopback,
		log:           f.log.With().Str("kind", string(kind)).Logger(),
	}

	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			p.log.Debug().Msg("ICE gathering complete")
			return
		}
		init := c.ToJSON()
		if !p.allowLoopback && isLoopback(init.Candidate) {
			p.log.Debug().Msg("filtering loopback ICE candidate")
			return
		}
		p.log.Debug().Str("candidate", init.Candidate).Msg("local ICE candidate")
		if events.OnICECandidate != nil {
			events.OnICECandidate(candidateFromPion(init))
		}
	})
	pc.OnTrack(func(track *pion.TrackRemote, receiver *pion.RTPReceiver) {
		codec := track.Codec()
		p.log.Info().
			Str("kind", track.Kind().String()).
			Str("codec", codec.MimeType).
			Uint8("pt", uint8(codec.PayloadType)).
			Msg("remote track")

		r := newRemoteTrack(track, receiver, p.log)
		go r.readLoop()
		if events.OnTrack != nil {
			events.OnTrack(r)
		} else {
			r.Release()
		}
	})
	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		p.log.Debug().Str("state", state.String()).Msg("ICE connection state")
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.log.Info().Str("state", state.String()).Msg("peer connection state")
		if events.OnConnectionState != nil {
			events.OnConnectionState(connectionState(state))
		}
	})

	return p, nil
}

// Peer wraps a pion PeerConnection for one call.
// It implements domain.PeerConnection.
type Peer struct {
	pc            *pion.PeerConnection
	allowLoopback bool
	log           zerolog.Logger
}

// AddLocalMedia adds every track of a *LocalStream and binds the resulting
// senders back to it so toggling can swap tracks.
func (p *Peer) AddLocalMedia(media domain.LocalMedia) error {
	stream, ok := media.(*LocalStream)
	if !ok {
		return fmt.Errorf("unsupported local media %T", media)
	}
	for _, t := range stream.localTracks() {
		sender, err := p.pc.AddTrack(t.track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.kind, err)
		}
		stream.bind(t, sender)
		go drainRTCP(sender)
	}
	return nil
}

// CreateOffer creates an SDP offer and sets it as the local description.
func (p *Peer) CreateOffer() (domain.SDPPayload, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set local description: %w", err)
	}
	p.log.Debug().Msg("local SDP offer set")
	return sdpFromPion(offer), nil
}

// CreateAnswer creates an SDP answer and sets it as the local description.
func (p *Peer) CreateAnswer() (domain.SDPPayload, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set local description: %w", err)
	}
	p.log.Debug().Msg("local SDP answer set")
	return sdpFromPion(answer), nil
}

func (p *Peer) SetRemoteDescription(sdp domain.SDPPayload) error {
	desc, err := sdpToPion(sdp)
	if err != nil {
		return err
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.log.Debug().Str("type", sdp.Type).Msg("remote SDP set")
	return nil
}

// AddICECandidate applies a remote candidate. The caller must have set the
// remote description first.
func (p *Peer) AddICECandidate(candidate domain.ICECandidatePayload) error {
	if err := p.pc.AddICECandidate(candidateToPion(candidate)); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// Close shuts down the PeerConnection.
func (p *Peer) Close() error {
	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

// drainRTCP reads the sender's RTCP so interceptors like NACK see it.
func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func sdpFromPion(desc pion.SessionDescription) domain.SDPPayload {
	return domain.SDPPayload{Type: desc.Type.String(), SDP: desc.SDP}
}

func sdpToPion(sdp domain.SDPPayload) (pion.SessionDescription, error) {
	var t pion.SDPType
	switch sdp.Type {
	case "offer":
		t = pion.SDPTypeOffer
	case "answer":
		t = pion.SDPTypeAnswer
	default:
		return pion.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", sdp.Type)
	}
	if sdp.SDP == "" {
		return pion.SessionDescription{}, errors.New("empty sdp")
	}
	return pion.SessionDescription{Type: t, SDP: sdp.SDP}, nil
}

func candidateFromPion(init pion.ICECandidateInit) domain.ICECandidatePayload {
	return domain.ICECandidatePayload{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func candidateToPion(c domain.ICECandidatePayload) pion.ICECandidateInit {
	return pion.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func connectionState(s pion.PeerConnectionState) domain.ConnectionState {
	switch s {
	case pion.PeerConnectionStateConnecting:
		return domain.ConnectionConnecting
	case pion.PeerConnectionStateConnected:
		return domain.ConnectionConnected
	case pion.PeerConnectionStateDisconnected:
		return domain.ConnectionDisconnected
	case pion.PeerConnectionStateFailed:
		return domain.ConnectionFailed
	case pion.PeerConnectionStateClosed:
		return domain.ConnectionClosed
	default:
		return domain.ConnectionNew
	}
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
