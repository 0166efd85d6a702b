package repository

import (
	"context"
	"fmt"
	"time"

	"gitlab.ozon.dev/qwestard/marketplace/internal/models"
)

func (r *pgTx) InsertAttempt(ctx context.Context, a *models.OrderAttempt) error {
	query := `
		INSERT INTO order_attempts (id, item_id, buyer_id, proposal_id, order_id, state, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.q.ExecContext(ctx, query,
		a.ID, a.ItemID, a.BuyerID, a.ProposalID, a.OrderID, a.State, a.Error, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// UpdateAttempt sets the state; an empty orderID keeps the stored one.
func (r *pgTx) UpdateAttempt(ctx context.Context, id string, state models.AttemptState, orderID, errMsg string, at time.Time) error {
	query := `
		UPDATE order_attempts
		SET state = $1, order_id = COALESCE(NULLIF($2, ''), order_id), error = $3, updated_at = $4
		WHERE id = $5
	`
	if _, err := r.q.ExecContext(ctx, query, state, orderID, errMsg, at, id); err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	return nil
}

func (r *pgTx) ListStaleAttempts(ctx context.Context, before time.Time, limit int) ([]*models.OrderAttempt, error) {
	query := `
		SELECT id, item_id, buyer_id, proposal_id, order_id, state, error, created_at, updated_at
		FROM order_attempts
		WHERE state IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at
		LIMIT $4
	`
	rows, err := r.q.QueryContext(ctx, query, models.AttemptStarted, models.AttemptPersisted, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale attempts: %w", err)
	}
	defer rows.Close()
	var out []*models.OrderAttempt
	for rows.Next() {
		a := &models.OrderAttempt{}
		if err := rows.Scan(&a.ID, &a.ItemID, &a.BuyerID, &a.ProposalID, &a.OrderID, &a.State, &a.Error,
			&a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list stale attempts: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
