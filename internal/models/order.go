package models

import "time"

type OrderStatus string

const (
	OrderStatusPaymentPending   OrderStatus = "payment_pending"
	OrderStatusPaymentConfirmed OrderStatus = "payment_confirmed"
	OrderStatusCompleted        OrderStatus = "completed"
	OrderStatusCancelled        OrderStatus = "cancelled"
	OrderStatusExpired          OrderStatus = "expired"
)

type Order struct {
	ID                           string      `json:"id"`
	ItemID                       string      `json:"item_id"`
	ProposalID                   string      `json:"proposal_id,omitempty"`
	BuyerID                      string      `json:"buyer_id"`
	SellerID                     string      `json:"seller_id"`
	BuyerAddressID               string      `json:"buyer_address_id"`
	SellerAddressID              string      `json:"seller_address_id"`
	Status                       OrderStatus `json:"status"`
	PaymentTransactionID         string      `json:"payment_transaction_id,omitempty"`
	Price                        int64       `json:"price"`
	ShippingPrice                int64       `json:"shipping_price"`
	PaymentProviderCharge        int64       `json:"payment_provider_charge"`
	PaymentProviderChargeVersion int         `json:"payment_provider_charge_version"`
	PlatformCharge               int64       `json:"platform_charge"`
	CreatedAt                    time.Time   `json:"created_at"`
	UpdatedAt                    time.Time   `json:"updated_at"`
}

func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusCancelled, OrderStatusExpired:
		return true
	}
	return false
}

func (s OrderStatus) Live() bool {
	return s == OrderStatusPaymentPending || s == OrderStatusPaymentConfirmed
}

// CanTransition encodes the one-directional order graph:
//
//	payment_pending -> payment_confirmed -> completed
//	payment_pending -> completed
//	payment_pending -> cancelled | expired
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	switch s {
	case OrderStatusPaymentPending:
		switch next {
		case OrderStatusPaymentConfirmed, OrderStatusCompleted, OrderStatusCancelled, OrderStatusExpired:
			return true
		}
	case OrderStatusPaymentConfirmed:
		return next == OrderStatusCompleted
	}
	return false
}
