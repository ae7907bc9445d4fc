// Package transport — client.go
//
// HTTP client side of the discovery RPC. Per-call deadlines come from
// the caller's context; the embedded http.Client carries only a
// backstop timeout.

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const clientBackstop = 90 * time.Second

// Client issues discovery RPCs to peer transport addresses.
type Client struct {
	http *http.Client
}

// NewClient creates a client.
func NewClient() *Client {
	return &Client{
		http: &http.Client{Timeout: clientBackstop},
	}
}

// Publish delivers a snapshot to addr and returns the follower's ack.
func (c *Client) Publish(ctx context.Context, addr string, req PublishRequest) (PublishAck, error) {
	var ack PublishAck
	if err := c.post(ctx, addr, "/eskka/v1/publish", req, &ack); err != nil {
		return PublishAck{}, err
	}
	return ack, nil
}

// RequestRepublish asks the master at addr to resend its state.
func (c *Client) RequestRepublish(ctx context.Context, addr string, req RepublishRequest) error {
	return c.post(ctx, addr, "/eskka/v1/republish", req, nil)
}

// PingVote asks the voter at addr to probe a target.
func (c *Client) PingVote(ctx context.Context, addr string, req PingRequest) (PingVote, error) {
	var vote PingVote
	if err := c.post(ctx, addr, "/eskka/v1/ping", req, &vote); err != nil {
		return PingVote{}, err
	}
	return vote, nil
}

// Identify resolves the node behind addr.
func (c *Client) Identify(ctx context.Context, addr string) (Identity, error) {
	var id Identity
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"http://"+addr+"/eskka/v1/health", nil)
	if err != nil {
		return Identity{}, fmt.Errorf("transport: identify %s: %w", addr, err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Identity{}, fmt.Errorf("transport: identify %s: %w", addr, err)
	}
	defer drainClose(resp)
	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("transport: identify %s: status %d", addr, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return Identity{}, fmt.Errorf("transport: identify %s: %w", addr, err)
	}
	return id, nil
}

func (c *Client) post(ctx context.Context, addr, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("transport: marshal %s: %w", path, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+addr+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("transport: %s %s: %w", path, addr, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("transport: %s %s: %w", path, addr, err)
	}
	defer drainClose(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("transport: %s %s: status %d", path, addr, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("transport: %s %s: decode: %w", path, addr, err)
	}
	return nil
}

func drainClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
