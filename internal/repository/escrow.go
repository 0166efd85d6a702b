package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gitlab.ozon.dev/qwestard/marketplace/internal/models"
)

const escrowColumns = `e.id, e.order_id, COALESCE(e.external_id, ''), e.buyer_external_id, e.seller_external_id,
	e.status, e.price, e.charge, e.claimed_by_buyer, e.claimed_by_seller, e.complaint_period_deadline,
	e.created_at, e.updated_at`

func scanEscrow(row interface{ Scan(...interface{}) error }) (*models.EscrowTransaction, error) {
	var (
		e        models.EscrowTransaction
		deadline sql.NullTime
	)
	err := row.Scan(&e.ID, &e.OrderID, &e.ExternalID, &e.BuyerExternalID, &e.SellerExternalID,
		&e.Status, &e.Price, &e.Charge, &e.ClaimedByBuyer, &e.ClaimedBySeller, &deadline,
		&e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.ComplaintPeriodDeadline = timePtr(deadline)
	return &e, nil
}

func (r *pgTx) InsertEscrowTransaction(ctx context.Context, e *models.EscrowTransaction) error {
	query := `
		INSERT INTO escrow_transactions (id, order_id, external_id, buyer_external_id, seller_external_id,
			status, price, charge, claimed_by_buyer, claimed_by_seller, complaint_period_deadline,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.q.ExecContext(ctx, query,
		e.ID, e.OrderID, nullString(e.ExternalID), e.BuyerExternalID, e.SellerExternalID,
		e.Status, e.Price, e.Charge, e.ClaimedByBuyer, e.ClaimedBySeller, nullTime(e.ComplaintPeriodDeadline),
		e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert escrow transaction: %w", err)
	}
	return nil
}

func (r *pgTx) GetEscrowTransactionByOrder(ctx context.Context, orderID string) (*models.EscrowTransaction, error) {
	e, err := scanEscrow(r.q.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrow_transactions e WHERE e.order_id = $1`, orderID))
	if err != nil {
		return nil, fmt.Errorf("get escrow transaction: %w", err)
	}
	return e, nil
}

func (r *pgTx) SetEscrowExternalID(ctx context.Context, orderID, externalID, status string, at time.Time) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE escrow_transactions SET external_id = $1, status = $2, updated_at = $3 WHERE order_id = $4`,
		nullString(externalID), status, at, orderID)
	if err != nil {
		return fmt.Errorf("set escrow external id: %w", err)
	}
	return nil
}

// UpdateEscrowMirror copies provider state; nil fields keep the stored value.
func (r *pgTx) UpdateEscrowMirror(ctx context.Context, externalID string, m EscrowMirror, at time.Time) error {
	var buyer, seller sql.NullBool
	if m.ClaimedByBuyer != nil {
		buyer = sql.NullBool{Bool: *m.ClaimedByBuyer, Valid: true}
	}
	if m.ClaimedBySeller != nil {
		seller = sql.NullBool{Bool: *m.ClaimedBySeller, Valid: true}
	}
	query := `
		UPDATE escrow_transactions SET
			status = COALESCE(NULLIF($1, ''), status),
			claimed_by_buyer = COALESCE($2, claimed_by_buyer),
			claimed_by_seller = COALESCE($3, claimed_by_seller),
			complaint_period_deadline = COALESCE($4, complaint_period_deadline),
			updated_at = $5
		WHERE external_id = $6
	`
	_, err := r.q.ExecContext(ctx, query, m.Status, buyer, seller, nullTime(m.ComplaintPeriodDeadline), at, externalID)
	if err != nil {
		return fmt.Errorf("update escrow mirror: %w", err)
	}
	return nil
}

// ListStaleEscrowTransactions returns mirrors of live orders not refreshed since before, oldest first.
func (r *pgTx) ListStaleEscrowTransactions(ctx context.Context, before time.Time, limit int) ([]*models.EscrowTransaction, error) {
	query := `
		SELECT ` + escrowColumns + `
		FROM escrow_transactions e
		JOIN orders o ON o.id = e.order_id
		WHERE e.external_id IS NOT NULL
		  AND o.status IN ($1, $2)
		  AND e.updated_at < $3
		ORDER BY e.updated_at
		LIMIT $4
	`
	rows, err := r.q.QueryContext(ctx, query,
		models.OrderStatusPaymentPending, models.OrderStatusPaymentConfirmed, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale escrow transactions: %w", err)
	}
	defer rows.Close()
	var out []*models.EscrowTransaction
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("list stale escrow transactions: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *pgTx) DeleteEscrowTransaction(ctx context.Context, orderID string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM escrow_transactions WHERE order_id = $1`, orderID); err != nil {
		return fmt.Errorf("delete escrow transaction: %w", err)
	}
	return nil
}
