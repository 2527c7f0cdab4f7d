// Package push provides a client for an FCM-style push delivery
// endpoint, keyed by device token.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Token errors the provider reports for dead or malformed device tokens.
const (
	errInvalidRegistration = "InvalidRegistration"
	errNotRegistered       = "NotRegistered"
)

// APIError reports a non-2xx provider response.
type APIError struct {
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("push provider error: status %d", e.StatusCode)
}

// TokenError reports a rejected device token. Retrying cannot fix it.
type TokenError struct {
	Reason string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("push token rejected: %s", e.Reason)
}

// Client represents a push delivery client.
type Client struct {
	endpoint  string
	serverKey string
	client    *http.Client
}

// NewClient creates a new push client.
func NewClient(endpoint, serverKey string) *Client {
	return &Client{
		endpoint:  endpoint,
		serverKey: serverKey,
		client:    &http.Client{},
	}
}

type sendRequest struct {
	To           string            `json:"to"`
	Notification map[string]string `json:"notification"`
}

type sendResponse struct {
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

// Send delivers one push message to the device token and returns the
// provider message id.
func (c *Client) Send(ctx context.Context, token, title, body string) (string, error) {
	reqBody := sendRequest{
		To: token,
		Notification: map[string]string{
			"title": title,
			"body":  body,
		},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+c.serverKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &APIError{StatusCode: resp.StatusCode}
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	if len(out.Results) == 0 {
		return "", fmt.Errorf("empty provider response")
	}

	res := out.Results[0]
	if res.Error != "" {
		if res.Error == errInvalidRegistration || res.Error == errNotRegistered {
			return "", &TokenError{Reason: res.Error}
		}
		return "", fmt.Errorf("provider rejected message: %s", res.Error)
	}

	return res.MessageID, nil
}
