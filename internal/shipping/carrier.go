package shipping

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gitlab.ozon.dev/qwestard/marketplace/internal/apperr"
	"gitlab.ozon.dev/qwestard/marketplace/internal/parcel"
)

type CarrierConfig struct {
	BaseURL string
	Token   string
	// Timeout bounds each request when HTTP is nil. Defaults to 15s.
	Timeout time.Duration
	HTTP    *http.Client
}

// CarrierClient is an HTTP client for the shipping provider.
type CarrierClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewCarrierClient(cfg CarrierConfig) *CarrierClient {
	hc := cfg.HTTP
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &CarrierClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    hc,
	}
}

type CarrierAddress struct {
	Name    string `json:"name"`
	Street1 string `json:"street1"`
	City    string `json:"city"`
	Zip     string `json:"zip"`
	Country string `json:"country"`
}

type CarrierShipmentRequest struct {
	AddressFrom CarrierAddress      `json:"address_from"`
	AddressTo   CarrierAddress      `json:"address_to"`
	Parcels     []parcel.Dimensions `json:"parcels"`
	Async       bool                `json:"async"`
}

type CarrierRate struct {
	ObjectID string `json:"object_id"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Provider string `json:"provider"`
}

type CarrierShipment struct {
	ObjectID string        `json:"object_id"`
	Status   string        `json:"status"`
	Rates    []CarrierRate `json:"rates"`
}

type carrierLabelRequest struct {
	Rate          string `json:"rate"`
	LabelFileType string `json:"label_file_type"`
	Async         bool   `json:"async"`
	Metadata      string `json:"metadata"`
}

type CarrierLabel struct {
	ObjectID       string `json:"object_id"`
	Status         string `json:"status"`
	LabelURL       string `json:"label_url"`
	TrackingNumber string `json:"tracking_number"`
	TrackingURL    string `json:"tracking_url_provider"`
	TrackingStatus string `json:"tracking_status"`
	Messages       []struct {
		Text string `json:"text"`
	} `json:"messages"`
}

func (c *CarrierClient) CreateShipment(ctx context.Context, req CarrierShipmentRequest) (*CarrierShipment, error) {
	var out CarrierShipment
	if err := c.post(ctx, "/shipments", req, &out, ReasonRateUnavailable); err != nil {
		return nil, fmt.Errorf("carrier create shipment: %w", err)
	}
	return &out, nil
}

// CreateLabel buys the rate. The order id travels as metadata so a label
// bought twice for one order can be traced at the carrier.
func (c *CarrierClient) CreateLabel(ctx context.Context, rateID, orderID string) (*CarrierLabel, error) {
	req := carrierLabelRequest{Rate: rateID, LabelFileType: "PDF", Metadata: "order " + orderID}
	var out CarrierLabel
	if err := c.post(ctx, "/transactions", req, &out, apperr.ReasonLabelGenerationFailed); err != nil {
		return nil, fmt.Errorf("carrier create label: %w", err)
	}
	return &out, nil
}

func (c *CarrierClient) post(ctx context.Context, path string, in, out any, reason string) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "ShippoToken "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Unavailable(reason, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		cause := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return apperr.Unavailable(reason, cause)
		}
		return apperr.Rejected(reason, cause)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperr.Unavailable(reason, err)
	}
	return nil
}
