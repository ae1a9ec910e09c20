package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	httphandlers "peerlink/internal/handlers/http"
)

// roomClient talks to the relay's room API.
type roomClient struct {
	baseURL    string
	httpClient *http.Client
}

// newRoomClient accepts the relay URL in either its http or ws form.
func newRoomClient(relayURL string) *roomClient {
	base := strings.TrimSuffix(relayURL, "/")
	switch {
	case strings.HasPrefix(base, "ws://"):
		base = "http://" + strings.TrimPrefix(base, "ws://")
	case strings.HasPrefix(base, "wss://"):
		base = "https://" + strings.TrimPrefix(base, "wss://")
	}
	return &roomClient{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// CreateRoom asks the relay for an unused room name.
func (c *roomClient) CreateRoom(ctx context.Context) (*httphandlers.RoomResponse, error) {
	return c.post(ctx, "/api/v1/rooms")
}

// IssueToken fetches an access token for an existing room.
func (c *roomClient) IssueToken(ctx context.Context, room string) (*httphandlers.RoomResponse, error) {
	return c.post(ctx, "/api/v1/rooms/"+url.PathEscape(room)+"/token")
}

func (c *roomClient) post(ctx context.Context, path string) (*httphandlers.RoomResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return parseRoomResponse(resp)
}

func parseRoomResponse(resp *http.Response) (*httphandlers.RoomResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("relay API error %s: %s", apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var room httphandlers.RoomResponse
	if err := json.Unmarshal(body, &room); err != nil {
		return nil, fmt.Errorf("invalid room response: %w", err)
	}
	return &room, nil
}
