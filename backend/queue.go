package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
)

// The queue endpoints store one opaque JSON document. The backend may
// renormalize it on save, so SaveQueue returns what was actually stored.

// FetchQueue returns the persisted queue document, or nil when none exists.
func (c *Client) FetchQueue(ctx context.Context) (json.RawMessage, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/queue", nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return trimJSON(body), nil
}

// SaveQueue replaces the persisted queue document.
func (c *Client) SaveQueue(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	req, err := c.newRequest(ctx, http.MethodPut, "/api/queue", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return trimJSON(body), nil
}

// ClearQueue deletes the persisted queue document.
func (c *Client) ClearQueue(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/queue", nil)
	if err != nil {
		return err
	}
	_, err = c.do(req)
	return err
}

func trimJSON(b []byte) json.RawMessage {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	return json.RawMessage(b)
}
