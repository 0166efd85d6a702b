package escrow

import (
	"strings"
	"time"
)

// Code is the provider's event vocabulary. Transaction statuses reuse it.
type Code string

const (
	CodeCreated       Code = "created"
	CodeJoined        Code = "joined"
	CodePaid          Code = "paid"
	CodePaymentFailed Code = "payment_failed"
	CodeCancelled     Code = "cancelled"
	CodeTracking      Code = "tracking_details_submitted"
	CodeDelivered     Code = "delivered"
	CodeComplained    Code = "complained"
	CodeFundsReleased Code = "funds_released"
)

// NormalizeCode strips the provider's "basic_tx." namespace and case noise.
func NormalizeCode(raw string) Code {
	c := strings.ToLower(strings.TrimSpace(raw))
	c = strings.TrimPrefix(c, "basic_tx.")
	return Code(c)
}

// Preview is the snapshot of the transaction the provider attaches to a webhook.
type Preview struct {
	Status                  string     `json:"status"`
	ClaimedByBuyer          bool       `json:"claimed_by_buyer"`
	ClaimedBySeller         bool       `json:"claimed_by_seller"`
	ComplaintPeriodDeadline *time.Time `json:"complaint_period_deadline,omitempty"`
}

// Event is one webhook delivery, or one status observed by polling.
type Event struct {
	Code                  Code      `json:"code"`
	ExternalTransactionID string    `json:"target_id"`
	Preview               *Preview  `json:"target_preview,omitempty"`
	Time                  time.Time `json:"time"`
}

// EventFromTransaction builds the event the sync job feeds the reconciler.
func EventFromTransaction(tx *Transaction, at time.Time) Event {
	return Event{
		Code:                  NormalizeCode(tx.Status),
		ExternalTransactionID: tx.ID,
		Time:                  at,
		Preview: &Preview{
			Status:                  tx.Status,
			ClaimedByBuyer:          tx.ClaimedByBuyer,
			ClaimedBySeller:         tx.ClaimedBySeller,
			ComplaintPeriodDeadline: tx.ComplaintPeriodDeadline,
		},
	}
}
