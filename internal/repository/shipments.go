package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gitlab.ozon.dev/qwestard/marketplace/internal/models"
)

const shipmentColumns = `id, order_id, external_shipment_id, external_rate_id, external_label_id, label_url,
	tracking_number, tracking_url, tracking_status, label_status, label_attempts, label_claimed_at,
	created_at, updated_at`

func scanShipment(row interface{ Scan(...interface{}) error }) (*models.Shipment, error) {
	var (
		s       models.Shipment
		claimed sql.NullTime
	)
	err := row.Scan(&s.ID, &s.OrderID, &s.ExternalShipmentID, &s.ExternalRateID, &s.ExternalLabelID, &s.LabelURL,
		&s.TrackingNumber, &s.TrackingURL, &s.TrackingStatus, &s.LabelStatus, &s.LabelAttempts, &claimed,
		&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.LabelClaimedAt = timePtr(claimed)
	return &s, nil
}

func (r *pgTx) InsertShipment(ctx context.Context, s *models.Shipment) error {
	query := `
		INSERT INTO shipments (id, order_id, external_shipment_id, external_rate_id, label_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.q.ExecContext(ctx, query,
		s.ID, s.OrderID, s.ExternalShipmentID, s.ExternalRateID, s.LabelStatus, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert shipment: %w", err)
	}
	return nil
}

func (r *pgTx) GetShipmentByOrder(ctx context.Context, orderID string) (*models.Shipment, error) {
	s, err := scanShipment(r.q.QueryRowContext(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE order_id = $1`, orderID))
	if err != nil {
		return nil, fmt.Errorf("get shipment: %w", err)
	}
	return s, nil
}

// FlagLabel marks a shipment as owed a label. Only the first flag counts.
func (r *pgTx) FlagLabel(ctx context.Context, orderID string, at time.Time) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE shipments SET label_status = $1, updated_at = $2 WHERE order_id = $3 AND label_status = $4`,
		models.LabelStatusPending, at, orderID, models.LabelStatusNone)
	if err != nil {
		return fmt.Errorf("flag label: %w", err)
	}
	return nil
}

// ClaimLabel takes the generation lease. It returns nil when the label is
// already generated or another worker holds an unexpired lease.
func (r *pgTx) ClaimLabel(ctx context.Context, orderID string, at, leaseExpiredBefore time.Time) (*models.Shipment, error) {
	query := `
		UPDATE shipments SET label_status = $1, label_claimed_at = $2, label_attempts = label_attempts + 1, updated_at = $2
		WHERE order_id = $3
		  AND (label_status IN ($4, $5) OR (label_status = $1 AND label_claimed_at < $6))
		RETURNING ` + shipmentColumns
	s, err := scanShipment(r.q.QueryRowContext(ctx, query,
		models.LabelStatusGenerating, at, orderID, models.LabelStatusPending, models.LabelStatusFailed, leaseExpiredBefore))
	if err != nil {
		return nil, fmt.Errorf("claim label: %w", err)
	}
	return s, nil
}

// SaveLabel stores the carrier label if the lease taken at claimedAt is still held.
func (r *pgTx) SaveLabel(ctx context.Context, orderID string, claimedAt time.Time, l models.Label, at time.Time) (bool, error) {
	query := `
		UPDATE shipments SET label_status = $1, external_label_id = $2, label_url = $3, tracking_number = $4,
			tracking_url = $5, tracking_status = $6, label_claimed_at = NULL, updated_at = $7
		WHERE order_id = $8 AND label_status = $9 AND label_claimed_at = $10
	`
	res, err := r.q.ExecContext(ctx, query,
		models.LabelStatusGenerated, l.LabelID, l.LabelURL, l.TrackingNumber, l.TrackingURL, l.TrackingStatus, at,
		orderID, models.LabelStatusGenerating, claimedAt)
	if err != nil {
		return false, fmt.Errorf("save label: %w", err)
	}
	return affected(res)
}

func (r *pgTx) FailLabel(ctx context.Context, orderID string, claimedAt, at time.Time) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE shipments SET label_status = $1, label_claimed_at = NULL, updated_at = $2
		WHERE order_id = $3 AND label_status = $4 AND label_claimed_at = $5`,
		models.LabelStatusFailed, at, orderID, models.LabelStatusGenerating, claimedAt)
	if err != nil {
		return fmt.Errorf("fail label: %w", err)
	}
	return nil
}

// ListLabelRetries returns shipments still owed a label with attempts left.
func (r *pgTx) ListLabelRetries(ctx context.Context, leaseExpiredBefore time.Time, maxAttempts, limit int) ([]*models.Shipment, error) {
	query := `
		SELECT ` + shipmentColumns + `
		FROM shipments
		WHERE (label_status IN ($1, $2) OR (label_status = $3 AND label_claimed_at < $4))
		  AND label_attempts < $5
		ORDER BY updated_at
		LIMIT $6
	`
	rows, err := r.q.QueryContext(ctx, query,
		models.LabelStatusPending, models.LabelStatusFailed, models.LabelStatusGenerating, leaseExpiredBefore, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("list label retries: %w", err)
	}
	defer rows.Close()
	var out []*models.Shipment
	for rows.Next() {
		s, err := scanShipment(rows)
		if err != nil {
			return nil, fmt.Errorf("list label retries: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *pgTx) DeleteShipment(ctx context.Context, orderID string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM shipments WHERE order_id = $1`, orderID); err != nil {
		return fmt.Errorf("delete shipment: %w", err)
	}
	return nil
}
