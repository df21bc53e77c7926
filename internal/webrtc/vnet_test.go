package webrtc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"callcore/native/internal/domain"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
	"github.com/rs/zerolog"
)

// newVNetFactories returns two factories whose peers can only reach each
// other over an in-memory router.
func newVNetFactories(t *testing.T) (*Factory, *Factory) {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { router.Stop() })

	var factories []*Factory
	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		nop := zerolog.Nop()
		f, err := NewFactory(FactoryConfig{Net: n, Logger: &nop})
		if err != nil {
			t.Fatalf("NewFactory: %v", err)
		}
		factories = append(factories, f)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return factories[0], factories[1]
}

type peerEvents struct {
	candidates chan domain.ICECandidatePayload
	tracks     chan domain.RemoteMedia
	states     chan domain.ConnectionState
}

func newPeerEvents() *peerEvents {
	return &peerEvents{
		candidates: make(chan domain.ICECandidatePayload, 32),
		tracks:     make(chan domain.RemoteMedia, 4),
		states:     make(chan domain.ConnectionState, 16),
	}
}

func (e *peerEvents) hooks() domain.PeerEvents {
	return domain.PeerEvents{
		OnICECandidate:    func(c domain.ICECandidatePayload) { e.candidates <- c },
		OnTrack:           func(r domain.RemoteMedia) { e.tracks <- r },
		OnConnectionState: func(s domain.ConnectionState) { e.states <- s },
	}
}

func (e *peerEvents) waitConnected(t *testing.T, who string) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case s := <-e.states:
			if s == domain.ConnectionConnected {
				return
			}
			if s == domain.ConnectionFailed {
				t.Fatalf("%s: connection failed", who)
			}
		case <-timeout:
			t.Fatalf("%s: not connected", who)
		}
	}
}

// forward applies candidates from src to dst until the test ends.
func forward(t *testing.T, src *peerEvents, dst *Peer) {
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		for {
			select {
			case c := <-src.candidates:
				dst.AddICECandidate(c)
			case <-stop:
				return
			}
		}
	}()
}

func TestCallConnectsOverVirtualNetwork(t *testing.T) {
	callerFactory, calleeFactory := newVNetFactories(t)
	nop := zerolog.Nop()
	capture := NewSyntheticCapture(&nop)

	newSide := func(f *Factory) (*Peer, *peerEvents) {
		ev := newPeerEvents()
		pc, err := f.NewPeer(domain.KindAudio, ev.hooks())
		if err != nil {
			t.Fatalf("NewPeer: %v", err)
		}
		t.Cleanup(func() { pc.Close() })
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		media, err := capture.Acquire(ctx, domain.KindAudio)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		t.Cleanup(media.Release)
		if err := pc.AddLocalMedia(media); err != nil {
			t.Fatalf("AddLocalMedia: %v", err)
		}
		return pc.(*Peer), ev
	}
	caller, callerEv := newSide(callerFactory)
	callee, calleeEv := newSide(calleeFactory)

	offer, err := caller.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := callee.SetRemoteDescription(offer); err != nil {
		t.Fatalf("callee SetRemoteDescription: %v", err)
	}
	answer, err := callee.CreateAnswer()
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := caller.SetRemoteDescription(answer); err != nil {
		t.Fatalf("caller SetRemoteDescription: %v", err)
	}
	// Candidates are only applied once both descriptions are set, the same
	// ordering the call manager enforces.
	forward(t, callerEv, callee)
	forward(t, calleeEv, caller)

	callerEv.waitConnected(t, "caller")
	calleeEv.waitConnected(t, "callee")

	var remote *RemoteTrack
	select {
	case r := <-calleeEv.tracks:
		remote = r.(*RemoteTrack)
	case <-time.After(10 * time.Second):
		t.Fatal("callee got no remote track")
	}
	if remote.Kind() != domain.KindAudio {
		t.Errorf("remote kind = %s", remote.Kind())
	}

	dir := t.TempDir()
	path, err := remote.Record(dir)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if filepath.Ext(path) != ".ogg" {
		t.Errorf("recording %s is not ogg", path)
	}

	deadline := time.Now().Add(5 * time.Second)
	for remote.Packets() < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("received %d packets", remote.Packets())
		}
		time.Sleep(20 * time.Millisecond)
	}

	remote.Release()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat recording: %v", err)
	}
	if info.Size() == 0 {
		t.Error("recording is empty")
	}
}
