// Package history talks to the external call-record service. The live call
// path treats every operation as a fire-and-forget side effect.
package history

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client records call lifecycle events against the platform's REST API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a recorder for the service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

type initiateRequest struct {
	RoomID        string     `json:"roomId"`
	Initiator     string     `json:"initiator"`
	Receiver      string     `json:"receiver,omitempty"`
	ScheduledTime *time.Time `json:"scheduledTime,omitempty"`
}

type identityRequest struct {
	Identity string `json:"identity"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Initiate creates the call record when a room first comes into existence.
func (c *Client) Initiate(roomID, initiator, receiver string, scheduled *time.Time) error {
	return c.do(http.MethodPost, "/api/video-calls", initiateRequest{
		RoomID:        roomID,
		Initiator:     initiator,
		Receiver:      receiver,
		ScheduledTime: scheduled,
	})
}

// Join marks identity as present on the call record.
func (c *Client) Join(roomID, identity string) error {
	return c.do(http.MethodPut, "/api/video-calls/"+roomID+"/join", identityRequest{Identity: identity})
}

// End marks identity as having left, closing the record when both have.
func (c *Client) End(roomID, identity string) error {
	return c.do(http.MethodPut, "/api/video-calls/"+roomID+"/end", identityRequest{Identity: identity})
}

// Cancel closes the record without a normal ending.
func (c *Client) Cancel(roomID, reason string) error {
	return c.do(http.MethodPut, "/api/video-calls/"+roomID+"/cancel", cancelRequest{Reason: reason})
}

func (c *Client) do(method, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: http %d: %s", method, path, resp.StatusCode, msg)
	}
	return nil
}

// Nop is a recorder that discards everything, for deployments without a
// history service.
type Nop struct{}

func (Nop) Initiate(string, string, string, *time.Time) error { return nil }
func (Nop) Join(string, string) error                         { return nil }
func (Nop) End(string, string) error                          { return nil }
func (Nop) Cancel(string, string) error                       { return nil }
