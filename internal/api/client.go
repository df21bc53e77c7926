package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"callcore/native/internal/domain"

	"github.com/google/uuid"
)

const clientVersion = "1.0.0"

type ticketRequest struct {
	RequestID  string `json:"requestId"`
	ClientType string `json:"clientType"`
	Version    string `json:"version"`
}

type ticketResponse struct {
	Result int           `json:"result"`
	Msg    string        `json:"msg"`
	Data   domain.Ticket `json:"data"`
}

// Client fetches signaling tickets from the identity service.
type Client struct {
	url  string
	http *http.Client
}

// NewClient creates an API client for ticketURL. A nil httpClient uses
// http.DefaultClient.
func NewClient(ticketURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{url: ticketURL, http: httpClient}
}

// FetchTicket exchanges the user's identity JWT for a signaling token, the
// relay address and ICE servers.
func (c *Client) FetchTicket(ctx context.Context, jwt string) (*domain.Ticket, error) {
	body, err := json.Marshal(ticketRequest{
		RequestID:  uuid.NewString(),
		ClientType: "native",
		Version:    clientVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal ticket request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+jwt)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	var ticketResp ticketResponse
	if err := json.Unmarshal(respBody, &ticketResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if ticketResp.Result != 0 {
		return nil, fmt.Errorf("API error (result=%d): %s", ticketResp.Result, ticketResp.Msg)
	}
	if ticketResp.Data.Token == "" {
		return nil, fmt.Errorf("ticket has no token")
	}

	return &ticketResp.Data, nil
}
