// Package estimator computes the cost breakdown of a candidate transaction.
package estimator

import (
	"context"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"gitlab.ozon.dev/qwestard/marketplace/internal/apperr"
	"gitlab.ozon.dev/qwestard/marketplace/internal/escrow"
	"gitlab.ozon.dev/qwestard/marketplace/internal/models"
	"gitlab.ozon.dev/qwestard/marketplace/internal/shipping"
)

// Option selects which sub-computations run.
type Option uint8

const (
	WithPlatformCharge Option = 1 << iota
	WithProviderCharge
	WithShipping

	All = WithPlatformCharge | WithProviderCharge | WithShipping
)

func (o Option) has(f Option) bool { return o&f != 0 }

type ChargeQuoter interface {
	Charge(ctx context.Context, price int64, currency string) (escrow.Charge, error)
}

type ShipmentCreator interface {
	CreateShipment(ctx context.Context, req shipping.Request) (shipping.Quote, error)
}

type Config struct {
	Currency           string
	PlatformFeePercent decimal.Decimal
	PlatformFeeMin     int64
	Enabled            Option
}

type Request struct {
	Price    int64
	Shipping *shipping.Request
	// Options overrides Config.Enabled when non-zero.
	Options Option
}

type Estimate struct {
	PlatformCharge               int64           `json:"platform_charge"`
	PaymentProviderCharge        int64           `json:"payment_provider_charge"`
	PaymentProviderChargeVersion int             `json:"payment_provider_charge_version"`
	ShippingPrice                int64           `json:"shipping_price"`
	Shipment                     *shipping.Quote `json:"shipment,omitempty"`
}

// Quote flattens the estimate into the breakdown stored on proposals and orders.
func (e Estimate) Quote() models.Quote {
	q := models.Quote{
		PlatformCharge:               e.PlatformCharge,
		PaymentProviderCharge:        e.PaymentProviderCharge,
		PaymentProviderChargeVersion: e.PaymentProviderChargeVersion,
		ShippingPrice:                e.ShippingPrice,
	}
	if e.Shipment != nil {
		q.ExternalShipmentID = e.Shipment.ShipmentID
		q.ExternalRateID = e.Shipment.RateID
	}
	return q
}

type Estimator struct {
	cfg       Config
	charges   ChargeQuoter
	shipments ShipmentCreator
}

func New(cfg Config, charges ChargeQuoter, shipments ShipmentCreator) *Estimator {
	if cfg.Enabled == 0 {
		cfg.Enabled = All
	}
	return &Estimator{cfg: cfg, charges: charges, shipments: shipments}
}

// Estimate runs the requested sub-computations concurrently. Any failure
// fails the whole estimate; no partial breakdown is ever returned.
func (e *Estimator) Estimate(ctx context.Context, req Request) (Estimate, error) {
	if req.Price <= 0 {
		return Estimate{}, apperr.Validation("invalid_price", "price must be positive")
	}
	opts := req.Options
	if opts == 0 {
		opts = e.cfg.Enabled
	}
	if opts.has(WithShipping) && req.Shipping == nil {
		return Estimate{}, apperr.Validation(apperr.ReasonDimensionsMissing, "shipping requested without a parcel profile")
	}

	var out Estimate
	if opts.has(WithPlatformCharge) {
		out.PlatformCharge = e.PlatformCharge(req.Price)
	}

	g, ctx := errgroup.WithContext(ctx)
	if opts.has(WithProviderCharge) {
		g.Go(func() error {
			c, err := e.charges.Charge(ctx, req.Price, e.cfg.Currency)
			if err != nil {
				return err
			}
			out.PaymentProviderCharge = c.Charge
			out.PaymentProviderChargeVersion = c.ChargeCalculatorVersion
			return nil
		})
	}
	if opts.has(WithShipping) {
		g.Go(func() error {
			q, err := e.shipments.CreateShipment(ctx, *req.Shipping)
			if err != nil {
				return err
			}
			out.ShippingPrice = q.Amount
			out.Shipment = &q
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Estimate{}, err
	}
	return out, nil
}

// PlatformCharge is percent of the price rounded half-up to a cent, never
// below the configured minimum.
func (e *Estimator) PlatformCharge(price int64) int64 {
	fee := decimal.NewFromInt(price).Mul(e.cfg.PlatformFeePercent).Div(decimal.NewFromInt(100)).Round(0).IntPart()
	if fee < e.cfg.PlatformFeeMin {
		return e.cfg.PlatformFeeMin
	}
	return fee
}
