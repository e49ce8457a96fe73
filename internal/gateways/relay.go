package gateways

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultRelayTimeout = 10 * time.Second

// relayClient posts JSON to a delivery relay service.
type relayClient struct {
	httpClient *http.Client
	url        string
}

func newRelayClient(url string, httpClient *http.Client) relayClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRelayTimeout}
	}
	return relayClient{httpClient: httpClient, url: strings.TrimSpace(url)}
}

func (c relayClient) postJSON(ctx context.Context, body any, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("relay: encode request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("relay: build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("relay: send request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return fmt.Errorf("relay: status=%d body=%s", response.StatusCode, strings.TrimSpace(string(responseBody)))
	}
	if result != nil {
		if err := json.NewDecoder(response.Body).Decode(result); err != nil {
			return fmt.Errorf("relay: decode response: %w", err)
		}
	}
	return nil
}

// PushRelay forwards push batches to an HTTP relay that speaks to the platform push services.
type PushRelay struct {
	client relayClient
}

// NewPushRelay constructs a push relay posting to url. A nil httpClient uses a default with a timeout.
func NewPushRelay(url string, httpClient *http.Client) *PushRelay {
	return &PushRelay{client: newRelayClient(url, httpClient)}
}

type pushRelayRequest struct {
	Tokens       []string    `json:"tokens"`
	Notification PushMessage `json:"notification"`
}

type pushRelayResponse struct {
	Results []PushResult `json:"results"`
}

func (r *PushRelay) SendBatch(ctx context.Context, tokens []string, message PushMessage) ([]PushResult, error) {
	if len(tokens) > MaxPushBatch {
		return nil, ErrBatchTooLarge
	}
	if len(tokens) == 0 {
		return nil, nil
	}
	var response pushRelayResponse
	if err := r.client.postJSON(ctx, pushRelayRequest{Tokens: tokens, Notification: message}, &response); err != nil {
		return nil, err
	}
	return alignResults(tokens, response.Results), nil
}

// alignResults returns one result per token in request order. Tokens the relay did not report on are failures.
func alignResults(tokens []string, reported []PushResult) []PushResult {
	byToken := make(map[string]PushResult, len(reported))
	for _, result := range reported {
		byToken[result.Token] = result
	}
	aligned := make([]PushResult, 0, len(tokens))
	for _, token := range tokens {
		result, ok := byToken[token]
		if !ok {
			result = PushResult{Token: token, ErrorCode: "missing_result"}
		}
		aligned = append(aligned, result)
	}
	return aligned
}

// EmailRelay forwards email to an HTTP relay.
type EmailRelay struct {
	client relayClient
}

// NewEmailRelay constructs an email relay posting to url.
func NewEmailRelay(url string, httpClient *http.Client) *EmailRelay {
	return &EmailRelay{client: newRelayClient(url, httpClient)}
}

func (r *EmailRelay) SendEmail(ctx context.Context, message EmailMessage) error {
	return r.client.postJSON(ctx, message, nil)
}

// SMSRelay forwards text messages to an HTTP relay.
type SMSRelay struct {
	client relayClient
}

// NewSMSRelay constructs an SMS relay posting to url.
func NewSMSRelay(url string, httpClient *http.Client) *SMSRelay {
	return &SMSRelay{client: newRelayClient(url, httpClient)}
}

func (r *SMSRelay) SendSMS(ctx context.Context, message SMSMessage) error {
	return r.client.postJSON(ctx, message, nil)
}
