package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"callcore/native/internal/domain"

	"github.com/rs/zerolog"
)

type fakeTransport struct {
	mu       sync.Mutex
	sent     []domain.Message
	handlers map[domain.MessageType]map[domain.ListenerID]func(domain.Message)
	next     domain.ListenerID
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[domain.MessageType]map[domain.ListenerID]func(domain.Message))}
}

func (t *fakeTransport) Send(msg domain.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, msg)
}

func (t *fakeTransport) On(mt domain.MessageType, fn func(domain.Message)) domain.ListenerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	if t.handlers[mt] == nil {
		t.handlers[mt] = make(map[domain.ListenerID]func(domain.Message))
	}
	t.handlers[mt][t.next] = fn
	return t.next
}

func (t *fakeTransport) Off(mt domain.MessageType, id domain.ListenerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers[mt], id)
}

// deliver simulates an inbound frame.
func (t *fakeTransport) deliver(msg domain.Message) {
	t.mu.Lock()
	var fns []func(domain.Message)
	for _, fn := range t.handlers[msg.Type()] {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (t *fakeTransport) messages() []domain.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Message, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *fakeTransport) count(mt domain.MessageType) int {
	n := 0
	for _, m := range t.messages() {
		if m.Type() == mt {
			n++
		}
	}
	return n
}

func (t *fakeTransport) listeners() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, hs := range t.handlers {
		n += len(hs)
	}
	return n
}

type fakeMedia struct {
	id   string
	kind domain.MediaKind

	mu       sync.Mutex
	audio    bool
	video    bool
	released int
}

func (f *fakeMedia) ID() string             { return f.id }
func (f *fakeMedia) Kind() domain.MediaKind { return f.kind }

func (f *fakeMedia) SetAudioEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = enabled
}

func (f *fakeMedia) SetVideoEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.video = enabled
}

func (f *fakeMedia) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

func (f *fakeMedia) releases() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// fakeCapture hands out fakeMedia. When gate is set, Acquire blocks until a
// value is sent on it.
type fakeCapture struct {
	mu       sync.Mutex
	err      error
	gate     chan struct{}
	acquired []*fakeMedia
}

func (c *fakeCapture) Acquire(ctx context.Context, kind domain.MediaKind) (domain.LocalMedia, error) {
	c.mu.Lock()
	gate, err := c.gate, c.err
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m := &fakeMedia{id: fmt.Sprintf("local-%d", len(c.acquired)+1), kind: kind}
	c.acquired = append(c.acquired, m)
	return m, nil
}

func (c *fakeCapture) last() *fakeMedia {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.acquired) == 0 {
		return nil
	}
	return c.acquired[len(c.acquired)-1]
}

type fakePeer struct {
	events domain.PeerEvents

	mu         sync.Mutex
	local      domain.LocalMedia
	remoteDesc *domain.SDPPayload
	candidates []domain.ICECandidatePayload
	closed     int

	// Candidates emitted asynchronously once the local description is set.
	gather        []domain.ICECandidatePayload
	remoteDescErr error
	candidateErr  error
}

func (p *fakePeer) AddLocalMedia(media domain.LocalMedia) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = media
	return nil
}

func (p *fakePeer) CreateOffer() (domain.SDPPayload, error) {
	p.startGathering()
	return domain.SDPPayload{Type: "offer", SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer() (domain.SDPPayload, error) {
	p.startGathering()
	return domain.SDPPayload{Type: "answer", SDP: "v=0 answer"}, nil
}

func (p *fakePeer) startGathering() {
	p.mu.Lock()
	gather := p.gather
	p.mu.Unlock()
	if len(gather) == 0 {
		return
	}
	go func() {
		for _, c := range gather {
			p.events.OnICECandidate(c)
		}
	}()
}

func (p *fakePeer) SetRemoteDescription(sdp domain.SDPPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteDescErr != nil {
		return p.remoteDescErr
	}
	p.remoteDesc = &sdp
	return nil
}

func (p *fakePeer) AddICECandidate(c domain.ICECandidatePayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteDesc == nil {
		return errors.New("remote description not set")
	}
	if p.candidateErr != nil {
		return p.candidateErr
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePeer) applied() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, c := range p.candidates {
		out = append(out, c.Candidate)
	}
	return out
}

func (p *fakePeer) closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeFactory struct {
	mu     sync.Mutex
	peers  []*fakePeer
	gather []domain.ICECandidatePayload
	setup  func(*fakePeer)
}

func (f *fakeFactory) NewPeer(kind domain.MediaKind, events domain.PeerEvents) (domain.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{events: events, gather: f.gather}
	if f.setup != nil {
		f.setup(p)
	}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type fakeRemote struct {
	id       string
	mu       sync.Mutex
	released int
}

func (r *fakeRemote) ID() string             { return r.id }
func (r *fakeRemote) Kind() domain.MediaKind { return domain.KindAudio }

func (r *fakeRemote) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released++
}

func (r *fakeRemote) releases() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

type snapshotRecorder struct {
	mu    sync.Mutex
	snaps []domain.Snapshot
}

func (r *snapshotRecorder) record(s domain.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *snapshotRecorder) statuses() []domain.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Status, len(r.snaps))
	for i, s := range r.snaps {
		out[i] = s.Status
	}
	return out
}

func (r *snapshotRecorder) last() domain.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

func (r *snapshotRecorder) ended() (domain.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.snaps {
		if s.Status == domain.StatusEnded {
			return s, true
		}
	}
	return domain.Snapshot{}, false
}

type harness struct {
	m         *Manager
	transport *fakeTransport
	capture   *fakeCapture
	peers     *fakeFactory
	rec       *snapshotRecorder
}

func newHarness(t *testing.T, localID string) *harness {
	t.Helper()
	h := &harness{
		transport: newFakeTransport(),
		capture:   &fakeCapture{},
		peers:     &fakeFactory{},
		rec:       &snapshotRecorder{},
	}
	nop := zerolog.Nop()
	ids := 0
	h.m = NewManager(Config{
		LocalPeerID: localID,
		Transport:   h.transport,
		Capture:     h.capture,
		Peers:       h.peers,
		Logger:      &nop,
		NewSessionID: func() string {
			ids++
			return fmt.Sprintf("s-%d", ids)
		},
	})
	h.m.OnStateChange(h.rec.record)
	t.Cleanup(h.m.Close)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func equalStatuses(got, want []domain.Status) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
