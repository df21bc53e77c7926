package api

import (
	"context"
	"sync"
	"time"

	"callcore/native/internal/domain"
)

// StaticToken is a TokenProvider for a fixed, pre-issued token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

const defaultExpirySkew = 30 * time.Second

// TokenSource caches a ticket and fetches a new one once it is about to
// expire. It is safe for concurrent use.
type TokenSource struct {
	fetcher domain.TicketFetcher
	jwt     string
	skew    time.Duration
	now     func() time.Time

	mu     sync.Mutex
	ticket *domain.Ticket
}

func NewTokenSource(fetcher domain.TicketFetcher, jwt string) *TokenSource {
	return &TokenSource{
		fetcher: fetcher,
		jwt:     jwt,
		skew:    defaultExpirySkew,
		now:     time.Now,
	}
}

// Ticket returns the cached ticket, fetching a fresh one when needed.
func (s *TokenSource) Ticket(ctx context.Context) (*domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticket != nil && !s.ticket.Expired(s.now(), s.skew) {
		return s.ticket, nil
	}
	t, err := s.fetcher.FetchTicket(ctx, s.jwt)
	if err != nil {
		return nil, err
	}
	s.ticket = t
	return t, nil
}

func (s *TokenSource) Token(ctx context.Context) (string, error) {
	t, err := s.Ticket(ctx)
	if err != nil {
		return "", err
	}
	return t.Token, nil
}
