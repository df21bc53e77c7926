package relay

import (
	"context"
	"errors"
	"sort"
	"sync"

	"callcore/native/internal/domain"

	"github.com/rs/zerolog"
)

// Verifier resolves the token of an auth frame to a peer id.
type Verifier interface {
	Verify(ctx context.Context, token string) (peerID string, err error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, token string) (string, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// ErrUnauthorized is returned by verifiers that reject a token.
var ErrUnauthorized = errors.New("unauthorized")

// DevVerifier accepts any non-empty token as the peer id itself.
var DevVerifier = VerifierFunc(func(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	return token, nil
})

// Hub tracks authenticated peers and routes messages between them.
type Hub struct {
	log zerolog.Logger

	mu    sync.RWMutex
	peers map[string]*peerConn
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		log:   logger,
		peers: make(map[string]*peerConn),
	}
}

// register makes c the connection for its peer id and returns the one it
// displaced, if any.
func (h *Hub) register(c *peerConn) *peerConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.peers[c.peerID]
	h.peers[c.peerID] = c
	h.log.Info().Str("peer", c.peerID).Str("conn", c.id).Int("peers", len(h.peers)).Msg("peer registered")
	return old
}

func (h *Hub) unregister(c *peerConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peers[c.peerID] != c {
		return
	}
	delete(h.peers, c.peerID)
	h.log.Info().Str("peer", c.peerID).Str("conn", c.id).Int("peers", len(h.peers)).Msg("peer unregistered")
}

// Peers lists the connected peer ids.
func (h *Hub) Peers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.peers))
	for id := range h.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CloseAll disconnects every peer. Their read loops unregister them.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*peerConn, 0, len(h.peers))
	for _, c := range h.peers {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}

// route stamps from onto msg and forwards it to its recipient. Messages for
// peers that are not connected are dropped.
func (h *Hub) route(from string, msg domain.Message) {
	stamped, to, ok := stampFrom(msg, from)
	if !ok {
		h.log.Warn().Str("peer", from).Str("type", string(msg.Type())).Msg("not routable, dropping")
		return
	}

	h.mu.RLock()
	dst := h.peers[to]
	h.mu.RUnlock()
	if dst == nil {
		h.log.Debug().Str("from", from).Str("to", to).Str("type", string(msg.Type())).Msg("recipient offline, dropping")
		return
	}

	data, err := domain.Encode(stamped)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(msg.Type())).Msg("encode")
		return
	}
	dst.enqueue(data)
}

// stampFrom returns msg with its sender set to from, and its recipient.
func stampFrom(msg domain.Message, from string) (domain.Message, string, bool) {
	switch m := msg.(type) {
	case domain.CallOffer:
		m.From = from
		return m, m.To, true
	case domain.CallAnswer:
		m.From = from
		return m, m.To, true
	case domain.ICECandidate:
		m.From = from
		return m, m.To, true
	case domain.CallEnded:
		m.From = from
		return m, m.To, true
	case domain.CallRejected:
		m.From = from
		return m, m.To, true
	default:
		return nil, "", false
	}
}
