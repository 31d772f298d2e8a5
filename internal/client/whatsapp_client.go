package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type WhatsAppClient struct {
	url         string
	apiKey      string
	countryCode string
	client      *http.Client
}

func NewWhatsAppClient(url, apiKey, countryCode string, timeout time.Duration) *WhatsAppClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WhatsAppClient{
		url:         url,
		apiKey:      apiKey,
		countryCode: countryCode,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type sendRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
	ID        string `json:"id"`
	Key       struct {
		ID string `json:"id"`
	} `json:"key"`
}

func (r sendResponse) remoteID() string {
	switch {
	case r.MessageID != "":
		return r.MessageID
	case r.ID != "":
		return r.ID
	default:
		return r.Key.ID
	}
}

// Send delivers one text message. The returned id is empty when the
// gateway accepted the message without reporting one.
func (c *WhatsAppClient) Send(ctx context.Context, destination, text string) (string, error) {
	number, err := NormalizePhone(destination, c.countryCode)
	if err != nil {
		return "", fmt.Errorf("%w: %q", err, destination)
	}

	reqBody, err := json.Marshal(sendRequest{
		Number: number,
		Text:   text,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var sr sendResponse
	if len(bytes.TrimSpace(body)) > 0 {
		// Some gateways answer 2xx with a plain-text body; that is still a success.
		_ = json.Unmarshal(body, &sr)
	}
	return sr.remoteID(), nil
}
