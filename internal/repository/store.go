package repository

import (
	"context"
	"errors"
	"time"

	"gitlab.ozon.dev/qwestard/marketplace/internal/models"
)

// ErrDuplicate is returned when a uniqueness invariant (one pending proposal
// per item and buyer, one live order per item) rejects an insert.
var ErrDuplicate = errors.New("duplicate")

// EscrowMirror is what the reconciler copies from the provider.
type EscrowMirror struct {
	Status                  string
	ClaimedByBuyer          *bool
	ClaimedBySeller         *bool
	ComplaintPeriodDeadline *time.Time
}

// Tx is the set of row operations the saga needs. Getters return nil, nil
// when the row does not exist. Lock* variants hold a row lock until the
// surrounding transaction ends.
type Tx interface {
	GetItem(ctx context.Context, id string) (*models.Item, error)
	LockItem(ctx context.Context, id string) (*models.Item, error)
	SetItemStatus(ctx context.Context, id string, status models.ItemStatus) error
	ReleaseItems(ctx context.Context, ids []string) (int64, error)
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	GetAddress(ctx context.Context, id string) (*models.Address, error)

	InsertProposal(ctx context.Context, p *models.Proposal) error
	GetProposal(ctx context.Context, id string) (*models.Proposal, error)
	LockProposal(ctx context.Context, id string) (*models.Proposal, error)
	HasPendingProposal(ctx context.Context, itemID, buyerID string) (bool, error)
	ResolveProposal(ctx context.Context, id string, to models.ProposalStatus, at time.Time) (bool, error)
	ExpireProposals(ctx context.Context, cutoff, at time.Time) (int64, error)

	InsertOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	LockOrderByTransaction(ctx context.Context, externalID string) (*models.Order, error)
	LiveOrderForItem(ctx context.Context, itemID string) (*models.Order, error)
	SetOrderTransaction(ctx context.Context, orderID, externalID string, at time.Time) error
	UpdateOrderStatus(ctx context.Context, id string, from, to models.OrderStatus, at time.Time) (bool, error)
	ExpireOrders(ctx context.Context, cutoff, at time.Time) ([]string, error)
	DeleteOrder(ctx context.Context, id string) error

	InsertEscrowTransaction(ctx context.Context, e *models.EscrowTransaction) error
	GetEscrowTransactionByOrder(ctx context.Context, orderID string) (*models.EscrowTransaction, error)
	SetEscrowExternalID(ctx context.Context, orderID, externalID, status string, at time.Time) error
	UpdateEscrowMirror(ctx context.Context, externalID string, m EscrowMirror, at time.Time) error
	ListStaleEscrowTransactions(ctx context.Context, before time.Time, limit int) ([]*models.EscrowTransaction, error)
	DeleteEscrowTransaction(ctx context.Context, orderID string) error

	InsertShipment(ctx context.Context, s *models.Shipment) error
	GetShipmentByOrder(ctx context.Context, orderID string) (*models.Shipment, error)
	FlagLabel(ctx context.Context, orderID string, at time.Time) error
	ClaimLabel(ctx context.Context, orderID string, at, leaseExpiredBefore time.Time) (*models.Shipment, error)
	// SaveLabel and FailLabel only act while the lease taken at claimedAt is
	// still the current one.
	SaveLabel(ctx context.Context, orderID string, claimedAt time.Time, l models.Label, at time.Time) (bool, error)
	FailLabel(ctx context.Context, orderID string, claimedAt, at time.Time) error
	ListLabelRetries(ctx context.Context, leaseExpiredBefore time.Time, maxAttempts, limit int) ([]*models.Shipment, error)
	DeleteShipment(ctx context.Context, orderID string) error

	InsertAttempt(ctx context.Context, a *models.OrderAttempt) error
	UpdateAttempt(ctx context.Context, id string, state models.AttemptState, orderID, errMsg string, at time.Time) error
	ListStaleAttempts(ctx context.Context, before time.Time, limit int) ([]*models.OrderAttempt, error)

	EnqueueNotification(ctx context.Context, n models.Notification) error
}

// Store runs single statements directly and multi-row changes in InTx.
// InTx commits when fn returns nil and rolls back otherwise.
type Store interface {
	Tx
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
