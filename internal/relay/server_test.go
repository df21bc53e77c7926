package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"callcore/native/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	nop := zerolog.Nop()
	cfg.Logger = &nop
	s := NewServer(cfg)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return s, srv.URL
}

func dial(t *testing.T, base string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(base, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg domain.Message) {
	t.Helper()
	data, err := domain.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func receive(t *testing.T, conn *websocket.Conn) domain.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := domain.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

// login connects and authenticates as peer, waiting until the hub lists it.
func login(t *testing.T, s *Server, base, peer string) *websocket.Conn {
	t.Helper()
	conn := dial(t, base)
	send(t, conn, domain.Auth{Token: peer})
	waitForPeers(t, s, func(peers []string) bool {
		for _, p := range peers {
			if p == peer {
				return true
			}
		}
		return false
	})
	return conn
}

func waitForPeers(t *testing.T, s *Server, cond func([]string) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond(s.Hub().Peers()) {
		if time.Now().After(deadline) {
			t.Fatalf("peers = %v", s.Hub().Peers())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func offer(from, to string) domain.CallOffer {
	return domain.CallOffer{
		SessionID: "s-1",
		From:      from,
		To:        to,
		Kind:      domain.KindAudio,
		Offer:     domain.SDPPayload{Type: "offer", SDP: "v=0"},
	}
}

func TestRoutesByRecipient(t *testing.T) {
	s, base := newTestServer(t, Config{})
	alice := login(t, s, base, "alice")
	bob := login(t, s, base, "bob")

	send(t, alice, offer("alice", "bob"))

	got, ok := receive(t, bob).(domain.CallOffer)
	if !ok {
		t.Fatalf("bob got %T, want CallOffer", got)
	}
	if got.From != "alice" || got.SessionID != "s-1" || got.Kind != domain.KindAudio {
		t.Errorf("offer = %+v", got)
	}

	send(t, bob, domain.CallRejected{SessionID: "s-1", To: "alice", Reason: "busy"})
	rej, ok := receive(t, alice).(domain.CallRejected)
	if !ok || rej.From != "bob" || rej.Reason != "busy" {
		t.Errorf("alice got %+v", rej)
	}
}

func TestStampsSenderOverSpoofedFrom(t *testing.T) {
	s, base := newTestServer(t, Config{})
	alice := login(t, s, base, "alice")
	bob := login(t, s, base, "bob")

	send(t, alice, offer("mallory", "bob"))

	if got := receive(t, bob).(domain.CallOffer); got.From != "alice" {
		t.Errorf("From = %q, want alice", got.From)
	}
}

func TestFirstFrameMustBeAuth(t *testing.T) {
	s, base := newTestServer(t, Config{})
	conn := dial(t, base)

	send(t, conn, offer("alice", "bob"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("read = %v, want policy violation close", err)
	}
	if peers := s.Hub().Peers(); len(peers) != 0 {
		t.Errorf("peers = %v, want none", peers)
	}
}

func TestVerifierRejection(t *testing.T) {
	verifier := VerifierFunc(func(_ context.Context, token string) (string, error) {
		if token != "secret" {
			return "", ErrUnauthorized
		}
		return "alice", nil
	})
	s, base := newTestServer(t, Config{Verifier: verifier})

	bad := dial(t, base)
	send(t, bad, domain.Auth{Token: "guess"})
	bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := bad.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("bad token read = %v, want policy violation", err)
	}

	good := dial(t, base)
	send(t, good, domain.Auth{Token: "secret"})
	waitForPeers(t, s, func(p []string) bool { return len(p) == 1 && p[0] == "alice" })
}

func TestAuthTimeout(t *testing.T) {
	_, base := newTestServer(t, Config{AuthTimeout: 50 * time.Millisecond})
	conn := dial(t, base)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection stayed open without auth")
	}
}

func TestMalformedFrameIsSkipped(t *testing.T) {
	s, base := newTestServer(t, Config{})
	alice := login(t, s, base, "alice")
	bob := login(t, s, base, "bob")

	if err := alice.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	send(t, alice, offer("alice", "bob"))

	if _, ok := receive(t, bob).(domain.CallOffer); !ok {
		t.Error("offer after malformed frame not delivered")
	}
}

func TestOfflineRecipientIsDropped(t *testing.T) {
	s, base := newTestServer(t, Config{})
	alice := login(t, s, base, "alice")

	send(t, alice, offer("alice", "nobody"))
	send(t, alice, offer("alice", "alice"))

	if _, ok := receive(t, alice).(domain.CallOffer); !ok {
		t.Error("connection unusable after dropped message")
	}
}

func TestNewerConnectionReplacesOlder(t *testing.T) {
	s, base := newTestServer(t, Config{})
	first := login(t, s, base, "alice")
	second := dial(t, base)
	send(t, second, domain.Auth{Token: "alice"})

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatal("replaced connection still open")
	}

	bob := login(t, s, base, "bob")
	send(t, bob, offer("bob", "alice"))
	if _, ok := receive(t, second).(domain.CallOffer); !ok {
		t.Error("newer connection did not receive")
	}
	if peers := s.Hub().Peers(); len(peers) != 2 {
		t.Errorf("peers = %v", peers)
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	s, base := newTestServer(t, Config{})
	alice := login(t, s, base, "alice")
	alice.Close()

	waitForPeers(t, s, func(p []string) bool { return len(p) == 0 })
}

func TestCloseAllDisconnectsPeers(t *testing.T) {
	s, base := newTestServer(t, Config{})
	alice := login(t, s, base, "alice")
	login(t, s, base, "bob")
	waitForPeers(t, s, func(p []string) bool { return len(p) == 2 })

	s.Hub().CloseAll()

	alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := alice.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("read err = %v, want normal close", err)
	}
	waitForPeers(t, s, func(p []string) bool { return len(p) == 0 })
}

func TestHealthz(t *testing.T) {
	s, base := newTestServer(t, Config{})
	login(t, s, base, "alice")

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
		Peers  int    `json:"peers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || body.Status != "ok" || body.Peers != 1 {
		t.Errorf("healthz = %d %+v", resp.StatusCode, body)
	}
}
