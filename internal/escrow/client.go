package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gitlab.ozon.dev/qwestard/marketplace/internal/apperr"
)

type Config struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// Client talks to the escrow payment provider.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(cfg Config) *Client {
	hc := cfg.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    hc,
	}
}

type Charge struct {
	Charge                  int64 `json:"charge"`
	ChargeCalculatorVersion int   `json:"charge_calculator_version"`
}

type CreateTransactionRequest struct {
	BuyerID                 string `json:"buyer_id"`
	SellerID                string `json:"seller_id"`
	Price                   int64  `json:"price"`
	Charge                  int64  `json:"charge"`
	ChargeCalculatorVersion int    `json:"charge_calculator_version"`
	Currency                string `json:"currency"`
	Description             string `json:"description"`
}

type Transaction struct {
	ID                      string     `json:"id"`
	Status                  string     `json:"status"`
	BuyerID                 string     `json:"buyer_id"`
	SellerID                string     `json:"seller_id"`
	Price                   int64      `json:"price"`
	Charge                  int64      `json:"charge"`
	Currency                string     `json:"currency"`
	ClaimedByBuyer          bool       `json:"claimed_by_buyer"`
	ClaimedBySeller         bool       `json:"claimed_by_seller"`
	ComplaintPeriodDeadline *time.Time `json:"complaint_period_deadline,omitempty"`
}

// Charge asks the provider what it will take for a transaction of the given price.
func (c *Client) Charge(ctx context.Context, price int64, currency string) (Charge, error) {
	q := url.Values{}
	q.Set("price", strconv.FormatInt(price, 10))
	q.Set("currency", currency)
	var out Charge
	if err := c.do(ctx, http.MethodGet, "/charge?"+q.Encode(), nil, &out); err != nil {
		return Charge{}, fmt.Errorf("escrow charge: %w", err)
	}
	return out, nil
}

func (c *Client) CreateTransaction(ctx context.Context, req CreateTransactionRequest) (*Transaction, error) {
	var out Transaction
	if err := c.do(ctx, http.MethodPost, "/transactions", req, &out); err != nil {
		return nil, fmt.Errorf("escrow create transaction: %w", err)
	}
	if strings.TrimSpace(out.ID) == "" {
		return nil, apperr.Unavailable("escrow_bad_response", errors.New("missing transaction id"))
	}
	return &out, nil
}

func (c *Client) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	var out Transaction
	if err := c.do(ctx, http.MethodGet, "/transactions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, fmt.Errorf("escrow get transaction %s: %w", id, err)
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(c.apiKey, "")

	resp, err := c.http.Do(req)
	if err != nil {
		// timeouts and connection failures are retryable
		return apperr.Unavailable("escrow_unavailable", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperr.NotFound("escrow_transaction_not_found", "transaction not found at provider")
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apperr.Unavailable("escrow_unavailable", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	case resp.StatusCode >= 400:
		return apperr.Rejected("escrow_rejected", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.Unavailable("escrow_bad_response", err)
	}
	return nil
}
