// Package proposal runs price negotiation between a buyer and an item owner.
package proposal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"gitlab.ozon.dev/qwestard/marketplace/internal/apperr"
	"gitlab.ozon.dev/qwestard/marketplace/internal/audit"
	"gitlab.ozon.dev/qwestard/marketplace/internal/estimator"
	"gitlab.ozon.dev/qwestard/marketplace/internal/models"
	"gitlab.ozon.dev/qwestard/marketplace/internal/repository"
	"gitlab.ozon.dev/qwestard/marketplace/internal/shipping"
)

const (
	ReasonInvalidPrice       = "invalid_price"
	ReasonPriceAboveListing  = "price_above_listing"
	ReasonInvalidDecision    = "invalid_decision"
	ReasonProposalExists     = "proposal_exists"
	ReasonProposalNotFound   = "proposal_not_found"
	ReasonProposalNotPending = "proposal_not_pending"
	ReasonAcceptanceInFlight = "acceptance_in_progress"
	ReasonItemNotFound       = "item_not_found"
	ReasonItemUnavailable    = "item_unavailable"
	ReasonOwnItem            = "own_item"
	ReasonProfileNotFound    = "profile_not_found"
	ReasonAddressMissing     = "address_missing"
)

type Decision string

const (
	Accept Decision = "accepted"
	Reject Decision = "rejected"
)

type Estimator interface {
	Estimate(ctx context.Context, req estimator.Request) (estimator.Estimate, error)
}

type OrderCreator interface {
	CreateFromProposal(ctx context.Context, p *models.Proposal) (*models.Order, error)
}

type Service struct {
	store     repository.Store
	estimates Estimator
	orders    OrderCreator
	audit     audit.Logger
	now       func() time.Time
}

func NewService(store repository.Store, estimates Estimator, orders OrderCreator, auditLog audit.Logger) *Service {
	if auditLog == nil {
		auditLog = audit.Nop{}
	}
	return &Service{
		store:     store,
		estimates: estimates,
		orders:    orders,
		audit:     auditLog,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type CreateRequest struct {
	BuyerID   string
	ItemID    string
	Price     int64
	AddressID string
}

// Resolution is the outcome of Resolve. Order is set only when this call
// accepted the proposal.
type Resolution struct {
	Proposal *models.Proposal `json:"proposal"`
	Order    *models.Order    `json:"order,omitempty"`
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Proposal, error) {
	if req.Price <= 0 {
		return nil, apperr.Validation(ReasonInvalidPrice, "price must be positive")
	}
	item, err := s.store.GetItem(ctx, req.ItemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, apperr.NotFound(ReasonItemNotFound, "item not found")
	}
	if item.OwnerID == req.BuyerID {
		return nil, apperr.Validation(ReasonOwnItem, "cannot make a proposal on your own item")
	}
	if !item.Purchasable() {
		return nil, apperr.Conflict(ReasonItemUnavailable, "item is not available")
	}
	if req.Price > item.Price {
		return nil, apperr.Validation(ReasonPriceAboveListing, "proposal exceeds the listed price")
	}
	pending, err := s.store.HasPendingProposal(ctx, item.ID, req.BuyerID)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, apperr.Conflict(ReasonProposalExists, "a pending proposal already exists for this item")
	}

	from, to, addressID, err := s.route(ctx, item, req.BuyerID, req.AddressID)
	if err != nil {
		return nil, err
	}
	est, err := s.estimates.Estimate(ctx, estimator.Request{
		Price: req.Price,
		Shipping: &shipping.Request{
			From:           *from,
			To:             *to,
			ParcelTemplate: item.ParcelTemplate,
			WeightGrams:    item.WeightGrams,
		},
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	p := &models.Proposal{
		ID:             uuid.NewString(),
		ItemID:         item.ID,
		BuyerID:        req.BuyerID,
		BuyerAddressID: addressID,
		ProposalPrice:  req.Price,
		OriginalPrice:  item.Price,
		Status:         models.ProposalStatusPending,
		Quote:          est.Quote(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = s.store.InTx(ctx, func(tx repository.Tx) error {
		cur, err := tx.LockItem(ctx, item.ID)
		if err != nil {
			return err
		}
		if cur == nil || !cur.Purchasable() {
			return apperr.Conflict(ReasonItemUnavailable, "item is not available")
		}
		if err := tx.InsertProposal(ctx, p); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return apperr.Conflict(ReasonProposalExists, "a pending proposal already exists for this item")
			}
			return err
		}
		return tx.EnqueueNotification(ctx, models.Notification{
			Recipient: cur.OwnerID,
			Kind:      models.NotifyProposalCreated,
			Context:   map[string]string{"proposal_id": p.ID, "item_id": item.ID, "buyer_id": req.BuyerID},
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	s.audit.Log(audit.AuditLog{Timestamp: now, Entity: "proposal", EntityID: p.ID, NewState: string(p.Status), Source: "proposal.create"})
	return p, nil
}

func (s *Service) route(ctx context.Context, item *models.Item, buyerID, addressID string) (*models.Address, *models.Address, string, error) {
	buyer, err := s.store.GetProfile(ctx, buyerID)
	if err != nil {
		return nil, nil, "", err
	}
	if buyer == nil {
		return nil, nil, "", apperr.NotFound(ReasonProfileNotFound, "profile not found")
	}
	if addressID == "" {
		addressID = buyer.AddressID
	}
	sellerAddressID := item.AddressID
	if sellerAddressID == "" {
		seller, err := s.store.GetProfile(ctx, item.OwnerID)
		if err != nil {
			return nil, nil, "", err
		}
		if seller != nil {
			sellerAddressID = seller.AddressID
		}
	}
	to, err := s.store.GetAddress(ctx, addressID)
	if err != nil {
		return nil, nil, "", err
	}
	from, err := s.store.GetAddress(ctx, sellerAddressID)
	if err != nil {
		return nil, nil, "", err
	}
	if to == nil || from == nil {
		return nil, nil, "", apperr.Validation(ReasonAddressMissing, "buyer and seller addresses are required")
	}
	return from, to, addressID, nil
}

// Resolve accepts or rejects a proposal on behalf of the item owner.
// Resolving a terminal proposal returns it unchanged.
func (s *Service) Resolve(ctx context.Context, ownerID, proposalID string, decision Decision) (*Resolution, error) {
	if decision != Accept && decision != Reject {
		return nil, apperr.Validation(ReasonInvalidDecision, "decision must be accepted or rejected")
	}
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperr.NotFound(ReasonProposalNotFound, "proposal not found")
	}
	item, err := s.store.GetItem(ctx, p.ItemID)
	if err != nil {
		return nil, err
	}
	if item == nil || item.OwnerID != ownerID {
		return nil, apperr.Validation(apperr.ReasonNotOwner, "only the item owner can resolve a proposal")
	}
	if p.Status.Terminal() {
		return &Resolution{Proposal: p}, nil
	}

	if decision == Accept {
		return s.accept(ctx, p)
	}
	return s.reject(ctx, p)
}

func (s *Service) accept(ctx context.Context, p *models.Proposal) (*Resolution, error) {
	o, err := s.orders.CreateFromProposal(ctx, p)
	if err != nil {
		if apperr.Reason(err) == ReasonProposalNotPending {
			// lost a race with another resolution; report where it ended
			if cur, gerr := s.store.GetProposal(ctx, p.ID); gerr == nil && cur != nil && cur.Status.Terminal() {
				return &Resolution{Proposal: cur}, nil
			}
		}
		return nil, err
	}
	cur, err := s.store.GetProposal(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return &Resolution{Proposal: cur, Order: o}, nil
}

func (s *Service) reject(ctx context.Context, p *models.Proposal) (*Resolution, error) {
	now := s.now()
	var (
		out      *models.Proposal
		rejected bool
	)
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		cur, err := tx.LockProposal(ctx, p.ID)
		if err != nil {
			return err
		}
		if cur == nil {
			return apperr.NotFound(ReasonProposalNotFound, "proposal not found")
		}
		if cur.Status.Terminal() {
			out = cur
			return nil
		}
		live, err := tx.LiveOrderForItem(ctx, cur.ItemID)
		if err != nil {
			return err
		}
		if live != nil && live.ProposalID == cur.ID {
			return apperr.Conflict(ReasonAcceptanceInFlight, "proposal is being accepted")
		}
		if _, err := tx.ResolveProposal(ctx, cur.ID, models.ProposalStatusRejected, now); err != nil {
			return err
		}
		if err := tx.EnqueueNotification(ctx, models.Notification{
			Recipient: cur.BuyerID,
			Kind:      models.NotifyProposalRejected,
			Context:   map[string]string{"proposal_id": cur.ID, "item_id": cur.ItemID},
			CreatedAt: now,
		}); err != nil {
			return err
		}
		cur.Status = models.ProposalStatusRejected
		cur.UpdatedAt = now
		out = cur
		rejected = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rejected {
		s.audit.Log(audit.AuditLog{Timestamp: now, Entity: "proposal", EntityID: out.ID,
			OldState: string(models.ProposalStatusPending), NewState: string(out.Status), Source: "proposal.resolve"})
	}
	return &Resolution{Proposal: out}, nil
}

// Get returns a proposal to its buyer or to the item owner.
func (s *Service) Get(ctx context.Context, profileID, id string) (*models.Proposal, error) {
	p, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperr.NotFound(ReasonProposalNotFound, "proposal not found")
	}
	if p.BuyerID == profileID {
		return p, nil
	}
	item, err := s.store.GetItem(ctx, p.ItemID)
	if err != nil {
		return nil, err
	}
	if item == nil || item.OwnerID != profileID {
		return nil, apperr.Validation(apperr.ReasonNotOwner, "proposal belongs to other profiles")
	}
	return p, nil
}
