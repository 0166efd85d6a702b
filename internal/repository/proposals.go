package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gitlab.ozon.dev/qwestard/marketplace/internal/models"
)

const proposalColumns = `id, item_id, buyer_id, buyer_address_id, proposal_price, original_price, status,
	platform_charge, payment_provider_charge, payment_provider_charge_version, shipping_price,
	external_shipment_id, external_rate_id, created_at, updated_at`

func scanProposal(row interface{ Scan(...interface{}) error }) (*models.Proposal, error) {
	var p models.Proposal
	err := row.Scan(&p.ID, &p.ItemID, &p.BuyerID, &p.BuyerAddressID, &p.ProposalPrice, &p.OriginalPrice, &p.Status,
		&p.Quote.PlatformCharge, &p.Quote.PaymentProviderCharge, &p.Quote.PaymentProviderChargeVersion, &p.Quote.ShippingPrice,
		&p.Quote.ExternalShipmentID, &p.Quote.ExternalRateID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *pgTx) InsertProposal(ctx context.Context, p *models.Proposal) error {
	query := `
		INSERT INTO proposals (` + proposalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := r.q.ExecContext(ctx, query,
		p.ID, p.ItemID, p.BuyerID, p.BuyerAddressID, p.ProposalPrice, p.OriginalPrice, p.Status,
		p.Quote.PlatformCharge, p.Quote.PaymentProviderCharge, p.Quote.PaymentProviderChargeVersion, p.Quote.ShippingPrice,
		p.Quote.ExternalShipmentID, p.Quote.ExternalRateID, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

func (r *pgTx) GetProposal(ctx context.Context, id string) (*models.Proposal, error) {
	p, err := scanProposal(r.q.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	return p, nil
}

func (r *pgTx) LockProposal(ctx context.Context, id string) (*models.Proposal, error) {
	p, err := scanProposal(r.q.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("lock proposal: %w", err)
	}
	return p, nil
}

func (r *pgTx) HasPendingProposal(ctx context.Context, itemID, buyerID string) (bool, error) {
	var exists bool
	err := r.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM proposals WHERE item_id = $1 AND buyer_id = $2 AND status = $3)`,
		itemID, buyerID, models.ProposalStatusPending,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has pending proposal: %w", err)
	}
	return exists, nil
}

// ResolveProposal moves a pending proposal to a terminal status. It reports
// false when the proposal was no longer pending.
func (r *pgTx) ResolveProposal(ctx context.Context, id string, to models.ProposalStatus, at time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE proposals SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		to, at, id, models.ProposalStatusPending)
	if err != nil {
		return false, fmt.Errorf("resolve proposal: %w", err)
	}
	return affected(res)
}

// ExpireProposals skips proposals whose acceptance is in flight.
func (r *pgTx) ExpireProposals(ctx context.Context, cutoff, at time.Time) (int64, error) {
	query := `
		UPDATE proposals p SET status = $1, updated_at = $2
		WHERE p.status = $3 AND p.created_at < $4
		  AND NOT EXISTS (
			SELECT 1 FROM orders o
			WHERE o.proposal_id = p.id AND o.status IN ($5, $6)
		  )
	`
	res, err := r.q.ExecContext(ctx, query,
		models.ProposalStatusExpired, at, models.ProposalStatusPending, cutoff,
		models.OrderStatusPaymentPending, models.OrderStatusPaymentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("expire proposals: %w", err)
	}
	return res.RowsAffected()
}
