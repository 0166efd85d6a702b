// Package order creates orders from accepted proposals or buy-now requests
// and owns the compensation path when the escrow provider cannot be reached.
//
// Creation is a small saga recorded in an OrderAttempt row:
//
//	started -> persisted -> completed
//	                     -> compensated (provider unavailable, rows deleted)
//	                     -> rejected    (provider declined, order cancelled)
package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"gitlab.ozon.dev/qwestard/marketplace/internal/apperr"
	"gitlab.ozon.dev/qwestard/marketplace/internal/audit"
	"gitlab.ozon.dev/qwestard/marketplace/internal/escrow"
	"gitlab.ozon.dev/qwestard/marketplace/internal/estimator"
	"gitlab.ozon.dev/qwestard/marketplace/internal/models"
	"gitlab.ozon.dev/qwestard/marketplace/internal/repository"
	"gitlab.ozon.dev/qwestard/marketplace/internal/shipping"
)

const (
	ReasonItemNotFound       = "item_not_found"
	ReasonItemUnavailable    = "item_unavailable"
	ReasonOwnItem            = "own_item"
	ReasonProfileNotFound    = "profile_not_found"
	ReasonAddressMissing     = "address_missing"
	ReasonOrderNotFound      = "order_not_found"
	ReasonProposalNotPending = "proposal_not_pending"
)

// EscrowStatusInitiating marks a local escrow mirror whose provider
// transaction has not been created yet.
const EscrowStatusInitiating = "initiating"

type Estimator interface {
	Estimate(ctx context.Context, req estimator.Request) (estimator.Estimate, error)
}

type EscrowCreator interface {
	CreateTransaction(ctx context.Context, req escrow.CreateTransactionRequest) (*escrow.Transaction, error)
}

type Service struct {
	store     repository.Store
	estimates Estimator
	escrow    EscrowCreator
	audit     audit.Logger
	currency  string
	now       func() time.Time
}

func NewService(store repository.Store, estimates Estimator, esc EscrowCreator, auditLog audit.Logger, currency string) *Service {
	if auditLog == nil {
		auditLog = audit.Nop{}
	}
	return &Service{
		store:     store,
		estimates: estimates,
		escrow:    esc,
		audit:     auditLog,
		currency:  currency,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type BuyNowRequest struct {
	BuyerID   string
	ItemID    string
	AddressID string
}

// plan is everything known before the first write.
type plan struct {
	item            *models.Item
	proposal        *models.Proposal
	buyer           *models.Profile
	seller          *models.Profile
	buyerAddressID  string
	sellerAddressID string
	price           int64
	quote           models.Quote
}

// CreateFromBuyNow buys an item at its listed price.
func (s *Service) CreateFromBuyNow(ctx context.Context, req BuyNowRequest) (*models.Order, error) {
	p, err := s.preflight(ctx, req.ItemID, req.BuyerID, req.AddressID)
	if err != nil {
		return nil, err
	}
	p.price = p.item.Price

	attempt, err := s.startAttempt(ctx, p)
	if err != nil {
		return nil, err
	}

	buyerAddr, sellerAddr, err := s.addresses(ctx, p)
	if err != nil {
		s.closeAttempt(ctx, attempt, models.AttemptRejected, "", err)
		return nil, err
	}
	est, err := s.estimates.Estimate(ctx, estimator.Request{
		Price: p.price,
		Shipping: &shipping.Request{
			From:           *sellerAddr,
			To:             *buyerAddr,
			ParcelTemplate: p.item.ParcelTemplate,
			WeightGrams:    p.item.WeightGrams,
		},
	})
	if err != nil {
		s.closeAttempt(ctx, attempt, models.AttemptRejected, "", err)
		return nil, err
	}
	p.quote = est.Quote()

	return s.create(ctx, attempt, p)
}

// CreateFromProposal turns a pending proposal into an order. The stored
// quote is reused as is; nothing is re-estimated.
func (s *Service) CreateFromProposal(ctx context.Context, proposal *models.Proposal) (*models.Order, error) {
	p, err := s.preflight(ctx, proposal.ItemID, proposal.BuyerID, proposal.BuyerAddressID)
	if err != nil {
		return nil, err
	}
	p.proposal = proposal
	p.price = proposal.ProposalPrice
	p.quote = proposal.Quote

	attempt, err := s.startAttempt(ctx, p)
	if err != nil {
		return nil, err
	}
	return s.create(ctx, attempt, p)
}

func (s *Service) Get(ctx context.Context, profileID, id string) (*models.Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, apperr.NotFound(ReasonOrderNotFound, "order not found")
	}
	if profileID != o.BuyerID && profileID != o.SellerID {
		return nil, apperr.Validation(apperr.ReasonNotOwner, "order belongs to other profiles")
	}
	return o, nil
}

// preflight validates outside any transaction. Availability is checked
// again under the item lock.
func (s *Service) preflight(ctx context.Context, itemID, buyerID, addressID string) (*plan, error) {
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, apperr.NotFound(ReasonItemNotFound, "item not found")
	}
	if item.OwnerID == buyerID {
		return nil, apperr.Validation(ReasonOwnItem, "cannot buy your own item")
	}
	if !item.Purchasable() {
		return nil, apperr.Conflict(ReasonItemUnavailable, "item is not available")
	}
	buyer, err := s.store.GetProfile(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	seller, err := s.store.GetProfile(ctx, item.OwnerID)
	if err != nil {
		return nil, err
	}
	if buyer == nil || seller == nil {
		return nil, apperr.NotFound(ReasonProfileNotFound, "profile not found")
	}
	if addressID == "" {
		addressID = buyer.AddressID
	}
	sellerAddressID := item.AddressID
	if sellerAddressID == "" {
		sellerAddressID = seller.AddressID
	}
	if addressID == "" || sellerAddressID == "" {
		return nil, apperr.Validation(ReasonAddressMissing, "buyer and seller addresses are required")
	}
	return &plan{item: item, buyer: buyer, seller: seller, buyerAddressID: addressID, sellerAddressID: sellerAddressID}, nil
}

func (s *Service) addresses(ctx context.Context, p *plan) (*models.Address, *models.Address, error) {
	buyerAddr, err := s.store.GetAddress(ctx, p.buyerAddressID)
	if err != nil {
		return nil, nil, err
	}
	sellerAddr, err := s.store.GetAddress(ctx, p.sellerAddressID)
	if err != nil {
		return nil, nil, err
	}
	if buyerAddr == nil || sellerAddr == nil {
		return nil, nil, apperr.Validation(ReasonAddressMissing, "address not found")
	}
	return buyerAddr, sellerAddr, nil
}

func (s *Service) startAttempt(ctx context.Context, p *plan) (*models.OrderAttempt, error) {
	now := s.now()
	a := &models.OrderAttempt{
		ID:        uuid.NewString(),
		ItemID:    p.item.ID,
		BuyerID:   p.buyer.ID,
		State:     models.AttemptStarted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if p.proposal != nil {
		a.ProposalID = p.proposal.ID
	}
	if err := s.store.InsertAttempt(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) closeAttempt(ctx context.Context, a *models.OrderAttempt, state models.AttemptState, orderID string, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := s.store.UpdateAttempt(ctx, a.ID, state, orderID, msg, s.now()); err != nil {
		log.Printf("order attempt %s: mark %s: %v", a.ID, state, err)
	}
}

func (s *Service) create(ctx context.Context, attempt *models.OrderAttempt, p *plan) (*models.Order, error) {
	o, err := s.persist(ctx, attempt, p)
	if err != nil {
		s.closeAttempt(ctx, attempt, models.AttemptRejected, "", err)
		return nil, err
	}

	tx, err := s.escrow.CreateTransaction(ctx, escrow.CreateTransactionRequest{
		BuyerID:                 p.buyer.EscrowUserID,
		SellerID:                p.seller.EscrowUserID,
		Price:                   o.Price,
		Charge:                  o.PaymentProviderCharge,
		ChargeCalculatorVersion: o.PaymentProviderChargeVersion,
		Currency:                s.currency,
		Description:             fmt.Sprintf("order %s", o.ID),
	})
	// the request may be gone by now; cleanup must still run
	bg := context.WithoutCancel(ctx)
	if err != nil {
		if apperr.Is(err, apperr.KindExternalRejected) {
			if cerr := s.cancelRejected(bg, attempt, o, err); cerr != nil {
				log.Printf("order %s: cancel after provider rejection: %v", o.ID, cerr)
			}
		} else if cerr := s.compensate(bg, attempt.ID, o.ID, o.ItemID, err); cerr != nil {
			log.Printf("order %s: compensation failed, left for sync: %v", o.ID, cerr)
		}
		return nil, err
	}

	// recorded first so that Compensate can finish the order if finalize fails
	if err := s.store.SetEscrowExternalID(bg, o.ID, tx.ID, EscrowStatusInitiating, s.now()); err != nil {
		log.Printf("order %s: record escrow transaction %s: %v", o.ID, tx.ID, err)
	}
	status := tx.Status
	if status == "" {
		status = string(escrow.CodeCreated)
	}
	if err := s.finalize(bg, attempt.ID, p.proposal, o, tx.ID, status); err != nil {
		log.Printf("order %s: finalize after escrow transaction %s: %v", o.ID, tx.ID, err)
		return nil, err
	}
	return o, nil
}

// persist is the first local transaction: the item lock serializes
// concurrent purchases of the same item.
func (s *Service) persist(ctx context.Context, attempt *models.OrderAttempt, p *plan) (*models.Order, error) {
	now := s.now()
	o := &models.Order{
		ID:                           uuid.NewString(),
		ItemID:                       p.item.ID,
		BuyerID:                      p.buyer.ID,
		SellerID:                     p.seller.ID,
		BuyerAddressID:               p.buyerAddressID,
		SellerAddressID:              p.sellerAddressID,
		Status:                       models.OrderStatusPaymentPending,
		Price:                        p.price,
		ShippingPrice:                p.quote.ShippingPrice,
		PaymentProviderCharge:        p.quote.PaymentProviderCharge,
		PaymentProviderChargeVersion: p.quote.PaymentProviderChargeVersion,
		PlatformCharge:               p.quote.PlatformCharge,
		CreatedAt:                    now,
		UpdatedAt:                    now,
	}
	if p.proposal != nil {
		o.ProposalID = p.proposal.ID
	}

	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		item, err := tx.LockItem(ctx, p.item.ID)
		if err != nil {
			return err
		}
		if item == nil {
			return apperr.NotFound(ReasonItemNotFound, "item not found")
		}
		if !item.Purchasable() {
			return apperr.Conflict(ReasonItemUnavailable, "item is not available")
		}
		live, err := tx.LiveOrderForItem(ctx, item.ID)
		if err != nil {
			return err
		}
		if live != nil {
			return apperr.Conflict(ReasonItemUnavailable, "item already has an order in progress")
		}
		if p.proposal != nil {
			cur, err := tx.LockProposal(ctx, p.proposal.ID)
			if err != nil {
				return err
			}
			if cur == nil || cur.Status != models.ProposalStatusPending {
				return apperr.Conflict(ReasonProposalNotPending, "proposal is no longer pending")
			}
		}

		if err := tx.InsertOrder(ctx, o); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return apperr.Conflict(ReasonItemUnavailable, "item already has an order in progress")
			}
			return err
		}
		if err := tx.InsertEscrowTransaction(ctx, &models.EscrowTransaction{
			ID:               uuid.NewString(),
			OrderID:          o.ID,
			BuyerExternalID:  p.buyer.EscrowUserID,
			SellerExternalID: p.seller.EscrowUserID,
			Status:           EscrowStatusInitiating,
			Price:            o.Price,
			Charge:           o.PaymentProviderCharge,
			CreatedAt:        now,
			UpdatedAt:        now,
		}); err != nil {
			return err
		}
		if err := tx.InsertShipment(ctx, &models.Shipment{
			ID:                 uuid.NewString(),
			OrderID:            o.ID,
			ExternalShipmentID: p.quote.ExternalShipmentID,
			ExternalRateID:     p.quote.ExternalRateID,
			LabelStatus:        models.LabelStatusNone,
			CreatedAt:          now,
			UpdatedAt:          now,
		}); err != nil {
			return err
		}
		if err := tx.SetItemStatus(ctx, item.ID, models.ItemStatusPending); err != nil {
			return err
		}
		return tx.UpdateAttempt(ctx, attempt.ID, models.AttemptPersisted, o.ID, "", now)
	})
	if err != nil {
		return nil, err
	}
	s.audit.Log(audit.AuditLog{Timestamp: now, Entity: "order", EntityID: o.ID, NewState: string(o.Status), Source: "order.create"})
	return o, nil
}

// finalize records the provider transaction id and, for proposals,
// accepts the proposal in the same transaction.
func (s *Service) finalize(ctx context.Context, attemptID string, proposal *models.Proposal, o *models.Order, externalID, status string) error {
	now := s.now()
	accepted := false
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		if err := tx.SetOrderTransaction(ctx, o.ID, externalID, now); err != nil {
			return err
		}
		if err := tx.SetEscrowExternalID(ctx, o.ID, externalID, status, now); err != nil {
			return err
		}
		if proposal != nil {
			ok, err := tx.ResolveProposal(ctx, proposal.ID, models.ProposalStatusAccepted, now)
			if err != nil {
				return err
			}
			accepted = ok
			if ok {
				if err := tx.EnqueueNotification(ctx, models.Notification{
					Recipient: proposal.BuyerID,
					Kind:      models.NotifyProposalAccepted,
					Context:   map[string]string{"proposal_id": proposal.ID, "order_id": o.ID, "item_id": o.ItemID},
					CreatedAt: now,
				}); err != nil {
					return err
				}
			}
		}
		return tx.UpdateAttempt(ctx, attemptID, models.AttemptCompleted, o.ID, "", now)
	})
	if err != nil {
		return err
	}
	o.PaymentTransactionID = externalID
	o.UpdatedAt = now
	if accepted {
		s.audit.Log(audit.AuditLog{Timestamp: now, Entity: "proposal", EntityID: proposal.ID,
			OldState: string(models.ProposalStatusPending), NewState: string(models.ProposalStatusAccepted), Source: "order.create"})
	}
	return nil
}

// cancelRejected keeps the order for the record but frees the item.
func (s *Service) cancelRejected(ctx context.Context, attempt *models.OrderAttempt, o *models.Order, cause error) error {
	now := s.now()
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.UpdateOrderStatus(ctx, o.ID, models.OrderStatusPaymentPending, models.OrderStatusCancelled, now); err != nil {
			return err
		}
		if err := tx.SetEscrowExternalID(ctx, o.ID, "", "rejected", now); err != nil {
			return err
		}
		if _, err := tx.ReleaseItems(ctx, []string{o.ItemID}); err != nil {
			return err
		}
		return tx.UpdateAttempt(ctx, attempt.ID, models.AttemptRejected, o.ID, cause.Error(), now)
	})
	if err != nil {
		return err
	}
	s.audit.Log(audit.AuditLog{Timestamp: now, Entity: "order", EntityID: o.ID,
		OldState: string(models.OrderStatusPaymentPending), NewState: string(models.OrderStatusCancelled),
		Source: "order.create", Message: cause.Error()})
	return nil
}

// compensate deletes the rows written by persist and puts the item back on sale.
func (s *Service) compensate(ctx context.Context, attemptID, orderID, itemID string, cause error) error {
	now := s.now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		if orderID != "" {
			o, err := tx.GetOrder(ctx, orderID)
			if err != nil {
				return err
			}
			e, err := tx.GetEscrowTransactionByOrder(ctx, orderID)
			if err != nil {
				return err
			}
			if e != nil && e.ExternalID != "" {
				return fmt.Errorf("order %s has escrow transaction %s, not deleting", orderID, e.ExternalID)
			}
			if o != nil && o.PaymentTransactionID == "" && o.Status == models.OrderStatusPaymentPending {
				if err := tx.DeleteShipment(ctx, orderID); err != nil {
					return err
				}
				if err := tx.DeleteEscrowTransaction(ctx, orderID); err != nil {
					return err
				}
				if err := tx.DeleteOrder(ctx, orderID); err != nil {
					return err
				}
				if _, err := tx.ReleaseItems(ctx, []string{itemID}); err != nil {
					return err
				}
			}
		}
		return tx.UpdateAttempt(ctx, attemptID, models.AttemptCompensated, "", msg, now)
	})
	if err != nil {
		return err
	}
	if orderID != "" {
		s.audit.Log(audit.AuditLog{Timestamp: now, Entity: "order", EntityID: orderID,
			OldState: string(models.OrderStatusPaymentPending), NewState: "deleted", Source: "order.compensate", Message: msg})
	}
	return nil
}

// Compensate closes an attempt that never finished, e.g. after a crash
// between the local insert and the provider call. An order that already
// carries a provider transaction id is left alone; one whose provider
// transaction was recorded but never finalized is finished instead of deleted.
func (s *Service) Compensate(ctx context.Context, a *models.OrderAttempt) error {
	if a.OrderID != "" {
		o, err := s.store.GetOrder(ctx, a.OrderID)
		if err != nil {
			return err
		}
		if o != nil && o.PaymentTransactionID != "" {
			return s.store.UpdateAttempt(ctx, a.ID, models.AttemptCompleted, "", "", s.now())
		}
		if o != nil {
			e, err := s.store.GetEscrowTransactionByOrder(ctx, o.ID)
			if err != nil {
				return err
			}
			if e != nil && e.ExternalID != "" {
				return s.resume(ctx, a, o, e.ExternalID)
			}
		}
	}
	return s.compensate(ctx, a.ID, a.OrderID, a.ItemID, errors.New("stale attempt"))
}

func (s *Service) resume(ctx context.Context, a *models.OrderAttempt, o *models.Order, externalID string) error {
	var proposal *models.Proposal
	if a.ProposalID != "" {
		p, err := s.store.GetProposal(ctx, a.ProposalID)
		if err != nil {
			return err
		}
		proposal = p
	}
	if err := s.finalize(ctx, a.ID, proposal, o, externalID, string(escrow.CodeCreated)); err != nil {
		return fmt.Errorf("resume order %s: %w", o.ID, err)
	}
	log.Printf("order %s: finished with escrow transaction %s", o.ID, externalID)
	return nil
}
