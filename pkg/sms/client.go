// Package sms provides a client for an HTTP SMS gateway. The gateway
// accepts a JSON payload and returns a provider message id used later to
// reconcile delivery receipts.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// APIError reports a non-2xx gateway response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sms gateway error: status %d: %s", e.StatusCode, e.Body)
}

// Client represents an SMS gateway client.
type Client struct {
	apiURL string
	apiKey string
	sender string
	client *http.Client
}

// NewClient creates a new SMS gateway client.
func NewClient(apiURL, apiKey, sender string) *Client {
	return &Client{
		apiURL: apiURL,
		apiKey: apiKey,
		sender: sender,
		client: &http.Client{},
	}
}

// sendRequest represents the gateway send payload.
type sendRequest struct {
	To      string `json:"to"`      // recipient phone number
	From    string `json:"from"`    // sender id
	Message string `json:"message"` // message text
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

// Send submits one message to the gateway and returns the provider
// message id.
func (c *Client) Send(ctx context.Context, to, message string) (string, error) {
	reqBody := sendRequest{
		To:      to,
		From:    c.sender,
		Message: message,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		return "", &APIError{StatusCode: resp.StatusCode, Body: buf.String()}
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	return out.MessageID, nil
}
