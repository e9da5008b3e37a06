package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"breaksync/internal/model"
)

// Client is a thin HTTP client for the local control endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: NormalizeBaseURL(baseURL),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NormalizeBaseURL adds http:// to a bare host:port.
func NormalizeBaseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	return "http://" + addr
}

// Status fetches the agent status.
func (c *Client) Status(ctx context.Context) (model.Status, error) {
	var resp model.Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &resp)
	return resp, err
}

// Claim asks the agent to become master.
func (c *Client) Claim(ctx context.Context) (ClaimResponse, error) {
	var resp ClaimResponse
	err := c.do(ctx, http.MethodPost, "/claim", nil, &resp)
	return resp, err
}

// AddPeer adds and persists a peer.
func (c *Client) AddPeer(ctx context.Context, peerURL string) (PeerResponse, error) {
	var resp PeerResponse
	err := c.do(ctx, http.MethodPost, "/peers", PeerRequest{URL: peerURL}, &resp)
	return resp, err
}

// RemovePeer removes a peer and drops its connection.
func (c *Client) RemovePeer(ctx context.Context, peerURL string) (PeerResponse, error) {
	var resp PeerResponse
	err := c.do(ctx, http.MethodDelete, "/peers?url="+url.QueryEscape(peerURL), nil, &resp)
	return resp, err
}

// Reconnect retries every disconnected peer now.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/reconnect", nil, nil)
}

// Disconnect drops every peer connection.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/disconnect", nil, nil)
}

// Suspend pauses activity monitoring until Resume.
func (c *Client) Suspend(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/suspend", nil, nil)
}

// Resume restarts activity monitoring.
func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/resume", nil, nil)
}

// History fetches daily statistics for [from, to]. Empty bounds are open.
func (c *Client) History(ctx context.Context, from, to string) (HistoryResponse, error) {
	var resp HistoryResponse
	q := url.Values{}
	if from != "" {
		q.Set("from", from)
	}
	if to != "" {
		q.Set("to", to)
	}
	path := "/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("request failed: %s: %s", res.Status, msg)
		}
		return fmt.Errorf("request failed: %s", res.Status)
	}

	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}

	decoder := json.NewDecoder(res.Body)
	return decoder.Decode(out)
}
