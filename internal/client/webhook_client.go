package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxErrorBody = 512

type SendResult struct {
	MessageID string
}

// HTTPStatusError is returned when the gateway answers with a non-2xx status.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d body=%q", e.StatusCode, e.Body)
}

// Retryable reports whether a send error is worth another attempt. Client
// errors other than 408 and 429 are permanent.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var se *HTTPStatusError
	if errors.As(err, &se) {
		if se.StatusCode == http.StatusRequestTimeout || se.StatusCode == http.StatusTooManyRequests {
			return true
		}
		return se.StatusCode >= 500
	}
	return true
}

// WebhookClient posts outbound messages to a generic WhatsApp HTTP gateway.
type WebhookClient struct {
	url    string
	token  string
	client *http.Client
}

func NewWebhookClient(url, token string) *WebhookClient {
	return &WebhookClient{
		url:   url,
		token: token,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type sendRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
}

type sendResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
	ID        string `json:"id"`
}

func (c *WebhookClient) Send(ctx context.Context, phoneNumber, message string) (SendResult, error) {
	reqBody, err := json.Marshal(sendRequest{
		PhoneNumber: phoneNumber,
		Message:     message,
	})
	if err != nil {
		return SendResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return SendResult{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return SendResult{}, &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return SendResult{}, fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	id := sr.MessageID
	if id == "" {
		id = sr.ID
	}
	if id == "" {
		return SendResult{}, fmt.Errorf("missing messageId in response body=%q", string(body))
	}

	return SendResult{MessageID: id}, nil
}
