// Package billing is the REST client for the external payment processor's
// refund endpoint.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	contractx "github.com/pakin-t/deskflow/agent/contract"
)

type Config struct {
	URL     string        `split_words:"true" required:"true"`
	Token   string        `split_words:"true" required:"true"`
	Timeout time.Duration `split_words:"true" default:"10s"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ contractx.BillingProcessor = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.URL)
	if baseURL == "" {
		return nil, errors.New("billing url is required")
	}

	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(cfg.Token),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

func MustNew(cfg Config) *Client {
	client, err := NewClient(cfg)
	if err != nil {
		panic(err)
	}
	return client
}

type refundRequest struct {
	OrderID  string  `json:"order_id"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

type refundResponse struct {
	Reference string `json:"reference"`
	Error     string `json:"error,omitempty"`
}

// ProcessRefund asks the processor to move the money back and returns its
// reference. 5xx and transport failures are transient; 4xx responses are
// systemic and must not be retried.
func (c *Client) ProcessRefund(ctx context.Context, order contractx.Order) (string, error) {
	payload, err := json.Marshal(refundRequest{
		OrderID:  order.ID,
		Amount:   order.Amount,
		Currency: order.Currency,
	})
	if err != nil {
		return "", fmt.Errorf("%w: marshal refund request: %v", contractx.ErrValidation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/refunds", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: build refund request: %v", contractx.ErrValidation, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: refund request: %v", contractx.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read refund response: %v", contractx.ErrTransient, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: billing processor status %d", contractx.ErrTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return "", fmt.Errorf("%w: billing processor status %d: %s", contractx.ErrSystemic, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out refundResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%w: decode refund response: %v", contractx.ErrSystemic, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("%w: billing processor: %s", contractx.ErrSystemic, out.Error)
	}
	if strings.TrimSpace(out.Reference) == "" {
		return "", fmt.Errorf("%w: billing processor returned no reference", contractx.ErrSystemic)
	}
	return out.Reference, nil
}
