package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"callcore/native/internal/domain"
)

func TestFetchTicket_SendsBearerAndParsesTicket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer jwt-1" {
			t.Errorf("expected bearer header, got %q", got)
		}
		var req ticketRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.RequestID == "" {
			t.Error("expected a request id")
		}
		_, _ = w.Write([]byte(`{"result":0,"data":{"token":"tok","peerId":"alice","signalServer":"wss://relay/ws","iceServers":[{"url":"stun:stun.example.org:3478"}]}}`))
	}))
	defer srv.Close()

	ticket, err := NewClient(srv.URL, nil).FetchTicket(context.Background(), "jwt-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if ticket.Token != "tok" || ticket.PeerID != "alice" || ticket.SignalServer != "wss://relay/ws" {
		t.Errorf("unexpected ticket %+v", ticket)
	}
	if len(ticket.ICEServers) != 1 || ticket.ICEServers[0].URL != "stun:stun.example.org:3478" {
		t.Errorf("unexpected ice servers %+v", ticket.ICEServers)
	}
}

func TestFetchTicket_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"http status", http.StatusUnauthorized, `denied`},
		{"api result", http.StatusOK, `{"result":3,"msg":"expired jwt"}`},
		{"bad json", http.StatusOK, `{`},
		{"no token", http.StatusOK, `{"result":0,"data":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			if _, err := NewClient(srv.URL, nil).FetchTicket(context.Background(), "jwt"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

type fakeFetcher struct {
	calls   int
	tickets []*domain.Ticket
	err     error
}

func (f *fakeFetcher) FetchTicket(ctx context.Context, jwt string) (*domain.Ticket, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.tickets[f.calls-1], nil
}

func TestTokenSource_CachesUntilExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f := &fakeFetcher{tickets: []*domain.Ticket{
		{Token: "first", ExpiresAt: now.Add(10 * time.Minute)},
		{Token: "second", ExpiresAt: now.Add(time.Hour)},
	}}
	src := NewTokenSource(f, "jwt")
	src.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		tok, err := src.Token(context.Background())
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		if tok != "first" {
			t.Fatalf("expected cached token, got %q", tok)
		}
	}
	if f.calls != 1 {
		t.Errorf("expected 1 fetch, got %d", f.calls)
	}

	// Inside the skew window the ticket counts as expired.
	now = now.Add(10*time.Minute - 10*time.Second)
	tok, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "second" {
		t.Errorf("expected refreshed token, got %q", tok)
	}
}

func TestTokenSource_PropagatesFetchError(t *testing.T) {
	src := NewTokenSource(&fakeFetcher{err: errors.New("down")}, "jwt")
	if _, err := src.Token(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken("abc").Token(context.Background())
	if err != nil || tok != "abc" {
		t.Errorf("expected abc, got %q, %v", tok, err)
	}
}
