// Package reconciler applies escrow provider events to orders.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"gitlab.ozon.dev/qwestard/marketplace/internal/apperr"
	"gitlab.ozon.dev/qwestard/marketplace/internal/audit"
	"gitlab.ozon.dev/qwestard/marketplace/internal/escrow"
	"gitlab.ozon.dev/qwestard/marketplace/internal/models"
	"gitlab.ozon.dev/qwestard/marketplace/internal/repository"
)

const (
	ReasonOrderNotFound = "order_not_found"
	ReasonMissingTarget = "missing_target"

	SourceWebhook = "webhook"
	SourceKafka   = "kafka"
	SourceSync    = "sync"
)

type Labeler interface {
	GenerateLabel(ctx context.Context, rateID, orderID string) (models.Label, error)
}

type Reconciler struct {
	store  repository.Store
	labels Labeler
	audit  audit.Logger
	lease  time.Duration
	now    func() time.Time

	// orders whose label is being bought by this process
	inflight sync.Map
}

func New(store repository.Store, labels Labeler, auditLog audit.Logger, lease time.Duration) *Reconciler {
	if auditLog == nil {
		auditLog = audit.Nop{}
	}
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	return &Reconciler{
		store:  store,
		labels: labels,
		audit:  auditLog,
		lease:  lease,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Result describes what an event did.
type Result struct {
	OrderID string             `json:"order_id"`
	From    models.OrderStatus `json:"from"`
	To      models.OrderStatus `json:"to"`
	Action  string             `json:"action"`
}

// Handle processes one webhook delivery. It returns only after the
// transaction commits; label generation runs afterwards and never fails the call.
func (r *Reconciler) Handle(ctx context.Context, ev escrow.Event) (*Result, error) {
	return r.apply(ctx, ev, SourceWebhook)
}

// Apply feeds a status observed by polling through the same path as webhooks.
func (r *Reconciler) Apply(ctx context.Context, ev escrow.Event) (*Result, error) {
	return r.apply(ctx, ev, SourceSync)
}

// HandleMessage consumes a payment event from Kafka. Unknown transactions and
// malformed payloads are acknowledged so they do not block the partition.
func (r *Reconciler) HandleMessage(ctx context.Context, value []byte) error {
	var ev escrow.Event
	if err := json.Unmarshal(value, &ev); err != nil {
		log.Printf("reconciler: dropping malformed payment event: %v", err)
		return nil
	}
	_, err := r.apply(ctx, ev, SourceKafka)
	if apperr.Is(err, apperr.KindNotFound) || apperr.Is(err, apperr.KindValidation) {
		log.Printf("reconciler: ignoring payment event for %q: %v", ev.ExternalTransactionID, err)
		return nil
	}
	return err
}

func (r *Reconciler) apply(ctx context.Context, ev escrow.Event, source string) (*Result, error) {
	if ev.ExternalTransactionID == "" {
		return nil, apperr.Validation(ReasonMissingTarget, "event has no target transaction")
	}
	code := escrow.NormalizeCode(string(ev.Code))
	now := r.now()

	var (
		res      Result
		decision Decision
		order    models.Order
	)
	err := r.store.InTx(ctx, func(tx repository.Tx) error {
		o, err := tx.LockOrderByTransaction(ctx, ev.ExternalTransactionID)
		if err != nil {
			return err
		}
		if o == nil {
			return apperr.NotFound(ReasonOrderNotFound, "no order for transaction")
		}
		order = *o

		if err := tx.UpdateEscrowMirror(ctx, ev.ExternalTransactionID, mirror(code, ev.Preview), now); err != nil {
			return err
		}

		decision = Transition(o.Status, code)
		res = Result{OrderID: o.ID, From: o.Status, To: o.Status, Action: decision.Action.String()}
		if !decision.Changes() {
			return nil
		}

		if !o.Status.CanTransition(decision.To) {
			return fmt.Errorf("order %s: %s cannot move to %s", o.ID, o.Status, decision.To)
		}
		ok, err := tx.UpdateOrderStatus(ctx, o.ID, o.Status, decision.To, now)
		if err != nil {
			return err
		}
		if !ok {
			// the row is locked, so this only happens if the order moved under another lock holder
			decision = Decision{Action: ActionNone}
			res.Action = decision.Action.String()
			return nil
		}
		res.To = decision.To

		if decision.Paid {
			if err := tx.FlagLabel(ctx, o.ID, now); err != nil {
				return err
			}
			for _, recipient := range []string{o.BuyerID, o.SellerID} {
				if err := tx.EnqueueNotification(ctx, models.Notification{
					Recipient: recipient,
					Kind:      models.NotifyOrderPaid,
					Context:   map[string]string{"order_id": o.ID, "item_id": o.ItemID},
					CreatedAt: now,
				}); err != nil {
					return err
				}
			}
		}
		if decision.SellItem {
			if err := tx.SetItemStatus(ctx, o.ItemID, models.ItemStatusSold); err != nil {
				return err
			}
		}
		if decision.ReleaseItem {
			if _, err := tx.ReleaseItems(ctx, []string{o.ItemID}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case decision.Action == ActionStale:
		log.Printf("reconciler: stale %s event %s for %s order %s", source, code, order.Status, order.ID)
	case decision.Changes():
		r.audit.Log(audit.AuditLog{
			Timestamp: now,
			Entity:    "order",
			EntityID:  order.ID,
			OldState:  string(res.From),
			NewState:  string(res.To),
			Source:    source,
			Message:   string(code),
		})
	}

	if decision.Paid {
		if _, err := r.GenerateLabel(ctx, order.ID); err != nil {
			log.Printf("reconciler: label for order %s left for retry: %v", order.ID, err)
		}
	}
	return &res, nil
}

// mirror always records the event code; the preview only contributes the
// claim flags and the complaint deadline.
func mirror(code escrow.Code, p *escrow.Preview) repository.EscrowMirror {
	m := repository.EscrowMirror{Status: string(code)}
	if p != nil {
		m.ClaimedByBuyer = &p.ClaimedByBuyer
		m.ClaimedBySeller = &p.ClaimedBySeller
		m.ComplaintPeriodDeadline = p.ComplaintPeriodDeadline
	}
	return m
}

// GenerateLabel buys the carrier label for a paid order and reports whether
// this call bought it. A lease on the shipment row keeps concurrent callers
// from buying it twice; a caller that does not get the lease returns false.
// The carrier call is cut off when the lease runs out, and a result that
// comes back after another worker took the lease over is not saved.
func (r *Reconciler) GenerateLabel(ctx context.Context, orderID string) (bool, error) {
	if _, busy := r.inflight.LoadOrStore(orderID, struct{}{}); busy {
		return false, nil
	}
	defer r.inflight.Delete(orderID)

	now := r.now()
	s, err := r.store.ClaimLabel(ctx, orderID, now, now.Add(-r.lease))
	if err != nil {
		return false, err
	}
	if s == nil || s.LabelClaimedAt == nil {
		return false, nil
	}
	claimedAt := *s.LabelClaimedAt

	callCtx, cancel := context.WithTimeout(ctx, r.lease)
	label, err := r.labels.GenerateLabel(callCtx, s.ExternalRateID, orderID)
	cancel()
	bg := context.WithoutCancel(ctx)
	if err != nil {
		if ferr := r.store.FailLabel(bg, orderID, claimedAt, r.now()); ferr != nil {
			log.Printf("reconciler: marking label failed for order %s: %v", orderID, ferr)
		}
		r.audit.Log(audit.AuditLog{Timestamp: r.now(), Entity: "shipment", EntityID: s.ID,
			OldState: string(models.LabelStatusGenerating), NewState: string(models.LabelStatusFailed),
			Source: "label", Message: err.Error()})
		return false, err
	}

	saved, err := r.store.SaveLabel(bg, orderID, claimedAt, label, r.now())
	if err != nil {
		return false, err
	}
	if !saved {
		log.Printf("reconciler: lease on order %s label lost, carrier label %s discarded", orderID, label.LabelID)
		return false, nil
	}
	r.audit.Log(audit.AuditLog{Timestamp: r.now(), Entity: "shipment", EntityID: s.ID,
		OldState: string(models.LabelStatusGenerating), NewState: string(models.LabelStatusGenerated),
		Source: "label", Message: label.TrackingNumber})
	return true, nil
}
