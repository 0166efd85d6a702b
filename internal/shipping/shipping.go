// Package shipping quotes, creates and labels shipments at the carrier.
// Every call is a thin wrapper that is safe to retry and fails with one of
// three reasons: dimensions_missing, rate_unavailable, label_generation_failed.
package shipping

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"gitlab.ozon.dev/qwestard/marketplace/internal/apperr"
	"gitlab.ozon.dev/qwestard/marketplace/internal/models"
	"gitlab.ozon.dev/qwestard/marketplace/internal/parcel"
)

const (
	ReasonDimensionsMissing     = apperr.ReasonDimensionsMissing
	ReasonRateUnavailable       = apperr.ReasonRateUnavailable
	ReasonLabelGenerationFailed = apperr.ReasonLabelGenerationFailed
)

type Carrier interface {
	CreateShipment(ctx context.Context, req CarrierShipmentRequest) (*CarrierShipment, error)
	CreateLabel(ctx context.Context, rateID, orderID string) (*CarrierLabel, error)
}

type Request struct {
	From           models.Address
	To             models.Address
	ParcelTemplate string
	WeightGrams    int64
}

type Rate struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Provider string `json:"provider"`
}

// Quote is a created carrier shipment with its chosen rate.
type Quote struct {
	ShipmentID string `json:"shipment_id"`
	RateID     string `json:"rate_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
}

type Service struct {
	carrier  Carrier
	parcels  parcel.Catalog
	currency string
}

func NewService(carrier Carrier, parcels parcel.Catalog, currency string) *Service {
	if parcels == nil {
		parcels = parcel.NewCatalog()
	}
	return &Service{carrier: carrier, parcels: parcels, currency: currency}
}

// Quote returns the cheapest rate the carrier offers for the route.
func (s *Service) Quote(ctx context.Context, req Request) (Rate, error) {
	_, rate, err := s.shipment(ctx, req)
	return rate, err
}

// CreateShipment creates the carrier shipment and fixes the rate the order will buy.
func (s *Service) CreateShipment(ctx context.Context, req Request) (Quote, error) {
	id, rate, err := s.shipment(ctx, req)
	if err != nil {
		return Quote{}, err
	}
	return Quote{ShipmentID: id, RateID: rate.ID, Amount: rate.Amount, Currency: rate.Currency}, nil
}

func (s *Service) shipment(ctx context.Context, req Request) (string, Rate, error) {
	dims, err := s.parcels.Resolve(req.ParcelTemplate, req.WeightGrams)
	if err != nil {
		return "", Rate{}, err
	}
	sh, err := s.carrier.CreateShipment(ctx, CarrierShipmentRequest{
		AddressFrom: carrierAddress(req.From),
		AddressTo:   carrierAddress(req.To),
		Parcels:     []parcel.Dimensions{dims},
	})
	if err != nil {
		return "", Rate{}, err
	}
	rate, err := s.cheapest(sh.Rates)
	if err != nil {
		return "", Rate{}, err
	}
	return sh.ObjectID, rate, nil
}

func (s *Service) cheapest(rates []CarrierRate) (Rate, error) {
	var best *Rate
	for _, r := range rates {
		if s.currency != "" && !strings.EqualFold(r.Currency, s.currency) {
			continue
		}
		amount, err := decimal.NewFromString(r.Amount)
		if err != nil {
			continue
		}
		cents := amount.Shift(2).Round(0).IntPart()
		if best == nil || cents < best.Amount {
			best = &Rate{ID: r.ObjectID, Amount: cents, Currency: strings.ToUpper(r.Currency), Provider: r.Provider}
		}
	}
	if best == nil {
		return Rate{}, apperr.Rejected(ReasonRateUnavailable, errors.New("carrier returned no usable rate"))
	}
	return *best, nil
}

// GenerateLabel buys the previously chosen rate for the order.
func (s *Service) GenerateLabel(ctx context.Context, rateID, orderID string) (models.Label, error) {
	if rateID == "" {
		return models.Label{}, apperr.Validation(ReasonLabelGenerationFailed, "shipment has no rate")
	}
	l, err := s.carrier.CreateLabel(ctx, rateID, orderID)
	if err != nil {
		return models.Label{}, err
	}
	if !strings.EqualFold(l.Status, "SUCCESS") {
		var msgs []string
		for _, m := range l.Messages {
			msgs = append(msgs, m.Text)
		}
		return models.Label{}, apperr.Unavailable(ReasonLabelGenerationFailed,
			fmt.Errorf("carrier label status %s: %s", l.Status, strings.Join(msgs, "; ")))
	}
	return models.Label{
		LabelID:        l.ObjectID,
		LabelURL:       l.LabelURL,
		TrackingNumber: l.TrackingNumber,
		TrackingURL:    l.TrackingURL,
		TrackingStatus: l.TrackingStatus,
	}, nil
}

func carrierAddress(a models.Address) CarrierAddress {
	return CarrierAddress{Name: a.Name, Street1: a.Street, City: a.City, Zip: a.Zip, Country: a.Country}
}
