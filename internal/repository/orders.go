package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gitlab.ozon.dev/qwestard/marketplace/internal/models"
)

const orderColumns = `id, item_id, COALESCE(proposal_id, ''), buyer_id, seller_id, buyer_address_id, seller_address_id,
	status, COALESCE(payment_transaction_id, ''), price, shipping_price, payment_provider_charge,
	payment_provider_charge_version, platform_charge, created_at, updated_at`

func scanOrder(row interface{ Scan(...interface{}) error }) (*models.Order, error) {
	var o models.Order
	err := row.Scan(&o.ID, &o.ItemID, &o.ProposalID, &o.BuyerID, &o.SellerID, &o.BuyerAddressID, &o.SellerAddressID,
		&o.Status, &o.PaymentTransactionID, &o.Price, &o.ShippingPrice, &o.PaymentProviderCharge,
		&o.PaymentProviderChargeVersion, &o.PlatformCharge, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *pgTx) InsertOrder(ctx context.Context, o *models.Order) error {
	query := `
		INSERT INTO orders (id, item_id, proposal_id, buyer_id, seller_id, buyer_address_id, seller_address_id,
			status, payment_transaction_id, price, shipping_price, payment_provider_charge,
			payment_provider_charge_version, platform_charge, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := r.q.ExecContext(ctx, query,
		o.ID, o.ItemID, nullString(o.ProposalID), o.BuyerID, o.SellerID, o.BuyerAddressID, o.SellerAddressID,
		o.Status, nullString(o.PaymentTransactionID), o.Price, o.ShippingPrice, o.PaymentProviderCharge,
		o.PaymentProviderChargeVersion, o.PlatformCharge, o.CreatedAt, o.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *pgTx) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	o, err := scanOrder(r.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (r *pgTx) LockOrderByTransaction(ctx context.Context, externalID string) (*models.Order, error) {
	o, err := scanOrder(r.q.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE payment_transaction_id = $1 FOR UPDATE`, externalID))
	if err != nil {
		return nil, fmt.Errorf("lock order by transaction: %w", err)
	}
	return o, nil
}

func (r *pgTx) LiveOrderForItem(ctx context.Context, itemID string) (*models.Order, error) {
	o, err := scanOrder(r.q.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE item_id = $1 AND status IN ($2, $3)`,
		itemID, models.OrderStatusPaymentPending, models.OrderStatusPaymentConfirmed))
	if err != nil {
		return nil, fmt.Errorf("live order for item: %w", err)
	}
	return o, nil
}

func (r *pgTx) SetOrderTransaction(ctx context.Context, orderID, externalID string, at time.Time) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE orders SET payment_transaction_id = $1, updated_at = $2 WHERE id = $3`,
		externalID, at, orderID)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("set order transaction: %w", err)
	}
	return nil
}

// UpdateOrderStatus is a compare-and-set on the status column.
func (r *pgTx) UpdateOrderStatus(ctx context.Context, id string, from, to models.OrderStatus, at time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		to, at, id, from)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	return affected(res)
}

// ExpireOrders returns the item ids of the orders it expired.
func (r *pgTx) ExpireOrders(ctx context.Context, cutoff, at time.Time) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `
		UPDATE orders SET status = $1, updated_at = $2
		WHERE status = $3 AND created_at < $4
		RETURNING item_id
	`, models.OrderStatusExpired, at, models.OrderStatusPaymentPending, cutoff)
	if err != nil {
		return nil, fmt.Errorf("expire orders: %w", err)
	}
	defer rows.Close()
	var items []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("expire orders: %w", err)
		}
		items = append(items, id)
	}
	return items, rows.Err()
}

func (r *pgTx) DeleteOrder(ctx context.Context, id string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	return nil
}
