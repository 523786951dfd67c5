package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// holdRequest is the request shape for placing a payment hold.
type holdRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Reference   string `json:"reference"`
}

// holdResponse is the minimal response shape for a placed hold.
type holdResponse struct {
	HoldRef string `json:"hold_ref"`
	Status  string `json:"status"`
}

// tokenPayload is the expected JSON shape stored in the parameter store for
// the provider API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("payments: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client authorizes payment holds against the payment provider. It is only
// consumed by the checkout step that moves a content request from priced to
// authorized.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a payments Client. The provider key is fetched from the
// parameter store on first use and cached for the process lifetime.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("payments: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("payments: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     "https://api.payments.example.com/v1",
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Authorize places a hold for the amount and returns the provider's hold
// reference. The hold is not a settlement; capture happens out of band once
// content is delivered.
func (c *Client) Authorize(ctx context.Context, amountCents int64, currency, reference string) (string, error) {
	if amountCents <= 0 {
		return "", errors.New("payments: amount must be positive")
	}
	if currency == "" {
		return "", errors.New("payments: currency must not be empty")
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(holdRequest{
		AmountCents: amountCents,
		Currency:    currency,
		Reference:   reference,
	})
	if err != nil {
		return "", fmt.Errorf("payments: marshal hold request: %w", err)
	}

	url := strings.TrimRight(c.baseURL, "/") + "/holds"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("payments: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	// The request id doubles as the provider-side idempotency key so a
	// retried checkout cannot place two holds.
	req.Header.Set("Idempotency-Key", reference)

	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return "", fmt.Errorf("payments: hold request failed: %w", doErr)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("payments: read response body: %w", err)
	}
	var payload holdResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("payments: decode hold response: %w", err)
	}
	if payload.HoldRef == "" {
		return "", errors.New("payments: no hold reference in response")
	}
	return payload.HoldRef, nil
}

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = fetchAPIKey(ctx, c.getter, c.paramPrefix+"/payments-token")
	})
	return c.apiKey, c.keyErr
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func fetchAPIKey(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("payments: paramstore getter is nil")
	}
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("payments: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("payments: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("payments: API token is empty")
	}
	return tp.Token, nil
}
