package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"gitlab.ozon.dev/qwestard/marketplace/internal/models"
)

const uniqueViolation = "23505"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type pgTx struct {
	q querier
}

type PostgresStore struct {
	pgTx
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{pgTx: pgTx{q: db}, db: db}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Printf("rollback error: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const itemColumns = `id, owner_id, price, status, published, COALESCE(address_id, ''), weight_grams, parcel_template`

func scanItem(row interface{ Scan(...interface{}) error }) (*models.Item, error) {
	var it models.Item
	err := row.Scan(&it.ID, &it.OwnerID, &it.Price, &it.Status, &it.Published, &it.AddressID, &it.WeightGrams, &it.ParcelTemplate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (r *pgTx) GetItem(ctx context.Context, id string) (*models.Item, error) {
	it, err := scanItem(r.q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return it, nil
}

func (r *pgTx) LockItem(ctx context.Context, id string) (*models.Item, error) {
	it, err := scanItem(r.q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("lock item: %w", err)
	}
	return it, nil
}

func (r *pgTx) SetItemStatus(ctx context.Context, id string, status models.ItemStatus) error {
	if _, err := r.q.ExecContext(ctx, `UPDATE items SET status = $1 WHERE id = $2`, status, id); err != nil {
		return fmt.Errorf("set item status: %w", err)
	}
	return nil
}

// ReleaseItems puts items held by an order back on sale.
func (r *pgTx) ReleaseItems(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.q.ExecContext(ctx,
		`UPDATE items SET status = $1 WHERE id = ANY($2) AND status = $3`,
		models.ItemStatusAvailable, pq.Array(ids), models.ItemStatusPending)
	if err != nil {
		return 0, fmt.Errorf("release items: %w", err)
	}
	return res.RowsAffected()
}

func (r *pgTx) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	var p models.Profile
	err := r.q.QueryRowContext(ctx,
		`SELECT id, escrow_user_id, COALESCE(address_id, '') FROM profiles WHERE id = $1`, id,
	).Scan(&p.ID, &p.EscrowUserID, &p.AddressID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

func (r *pgTx) GetAddress(ctx context.Context, id string) (*models.Address, error) {
	var a models.Address
	err := r.q.QueryRowContext(ctx,
		`SELECT id, name, street, city, zip, country FROM addresses WHERE id = $1`, id,
	).Scan(&a.ID, &a.Name, &a.Street, &a.City, &a.Zip, &a.Country)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get address: %w", err)
	}
	return &a, nil
}
