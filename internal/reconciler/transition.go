package reconciler

import (
	"gitlab.ozon.dev/qwestard/marketplace/internal/escrow"
	"gitlab.ozon.dev/qwestard/marketplace/internal/models"
)

type Action int

const (
	// ActionNone leaves the order as is; only the escrow mirror is refreshed.
	ActionNone Action = iota
	// ActionStale means the order is already terminal and the event came late.
	ActionStale
	ActionConfirm
	ActionComplete
	ActionCancel
)

func (a Action) String() string {
	switch a {
	case ActionStale:
		return "stale"
	case ActionConfirm:
		return "confirm"
	case ActionComplete:
		return "complete"
	case ActionCancel:
		return "cancel"
	}
	return "none"
}

// Decision is what one provider event does to one order.
type Decision struct {
	Action Action
	To     models.OrderStatus
	// Paid is set when this transition is the first sign of payment: the
	// label is flagged and both parties are told.
	Paid bool
	// ReleaseItem puts the item back on sale.
	ReleaseItem bool
	// SellItem marks the item sold.
	SellItem bool
}

// Transition is the single table of how provider events move an order. The
// webhook, the Kafka consumer and the sync job all go through it.
func Transition(status models.OrderStatus, code escrow.Code) Decision {
	if status.Terminal() {
		return Decision{Action: ActionStale}
	}

	switch code {
	case escrow.CodePaid:
		if status == models.OrderStatusPaymentPending {
			return Decision{Action: ActionConfirm, To: models.OrderStatusPaymentConfirmed, Paid: true}
		}
	case escrow.CodeFundsReleased, escrow.CodeDelivered:
		// payment is implied when the provider skips straight to the end
		return Decision{
			Action:   ActionComplete,
			To:       models.OrderStatusCompleted,
			Paid:     status == models.OrderStatusPaymentPending,
			SellItem: true,
		}
	case escrow.CodeCancelled, escrow.CodePaymentFailed:
		if status == models.OrderStatusPaymentPending {
			return Decision{Action: ActionCancel, To: models.OrderStatusCancelled, ReleaseItem: true}
		}
	}
	return Decision{Action: ActionNone}
}

// Changes reports whether the decision moves the order.
func (d Decision) Changes() bool {
	return d.To != ""
}
