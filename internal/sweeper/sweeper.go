// Package sweeper expires proposals and unpaid orders that outlived their tolerance.
package sweeper

import (
	"context"
	"log"
	"strconv"
	"time"

	"gitlab.ozon.dev/qwestard/marketplace/internal/audit"
	"gitlab.ozon.dev/qwestard/marketplace/internal/models"
	"gitlab.ozon.dev/qwestard/marketplace/internal/repository"
)

type Config struct {
	NegotiationTolerance time.Duration
	PaymentTolerance     time.Duration
}

type Sweeper struct {
	store repository.Store
	cfg   Config
	audit audit.Logger
	now   func() time.Time
}

func New(store repository.Store, cfg Config, auditLog audit.Logger) *Sweeper {
	if auditLog == nil {
		auditLog = audit.Nop{}
	}
	return &Sweeper{
		store: store,
		cfg:   cfg,
		audit: auditLog,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// ExpireProposals moves pending proposals older than the negotiation
// tolerance to expired. Proposals whose acceptance is in flight are kept.
func (s *Sweeper) ExpireProposals(ctx context.Context) (int64, error) {
	now := s.now()
	n, err := s.store.ExpireProposals(ctx, now.Add(-s.cfg.NegotiationTolerance), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("sweeper: expired %d proposals", n)
		s.audit.Log(audit.AuditLog{Timestamp: now, Entity: "proposal",
			OldState: string(models.ProposalStatusPending), NewState: string(models.ProposalStatusExpired),
			Source: "sweeper", Message: strconv.FormatInt(n, 10) + " expired"})
	}
	return n, nil
}

// ExpireOrders moves unpaid orders older than the payment tolerance to
// expired and puts their items back on sale in the same transaction.
func (s *Sweeper) ExpireOrders(ctx context.Context) (int64, error) {
	now := s.now()
	var n int64
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		items, err := tx.ExpireOrders(ctx, now.Add(-s.cfg.PaymentTolerance), now)
		if err != nil {
			return err
		}
		n = int64(len(items))
		if n == 0 {
			return nil
		}
		_, err = tx.ReleaseItems(ctx, items)
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("sweeper: expired %d orders", n)
		s.audit.Log(audit.AuditLog{Timestamp: now, Entity: "order",
			OldState: string(models.OrderStatusPaymentPending), NewState: string(models.OrderStatusExpired),
			Source: "sweeper", Message: strconv.FormatInt(n, 10) + " expired"})
	}
	return n, nil
}
