// Package txsync polls the escrow provider for transactions the webhook may
// have missed, retries owed shipping labels and closes abandoned order attempts.
package txsync

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"gitlab.ozon.dev/qwestard/marketplace/internal/escrow"
	"gitlab.ozon.dev/qwestard/marketplace/internal/models"
	"gitlab.ozon.dev/qwestard/marketplace/internal/reconciler"
	"gitlab.ozon.dev/qwestard/marketplace/internal/repository"
)

type TransactionGetter interface {
	GetTransaction(ctx context.Context, id string) (*escrow.Transaction, error)
}

type Applier interface {
	Apply(ctx context.Context, ev escrow.Event) (*reconciler.Result, error)
	GenerateLabel(ctx context.Context, orderID string) (bool, error)
}

type Compensator interface {
	Compensate(ctx context.Context, a *models.OrderAttempt) error
}

type Config struct {
	Interval         time.Duration
	Freshness        time.Duration
	Batch            int
	LabelMaxAttempts int
	LabelLease       time.Duration
	AttemptStaleness time.Duration
}

type Service struct {
	store    repository.Store
	provider TransactionGetter
	applier  Applier
	orders   Compensator
	cfg      Config
	now      func() time.Time
}

func New(store repository.Store, provider TransactionGetter, applier Applier, orders Compensator, cfg Config) *Service {
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Service{
		store:    store,
		provider: provider,
		applier:  applier,
		orders:   orders,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Report counts what one run did. Failures of single rows are logged and
// counted; they do not stop the run.
type Report struct {
	Checked     int64 `json:"checked"`
	Applied     int64 `json:"applied"`
	Labels      int64 `json:"labels"`
	Compensated int64 `json:"compensated"`
	Failed      int64 `json:"failed"`
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				log.Printf("txsync: run failed: %v", err)
			}
		}
	}
}

func (s *Service) RunOnce(ctx context.Context) (Report, error) {
	var (
		checked, applied, labels, compensated, failed atomic.Int64
	)
	now := s.now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stale, err := s.store.ListStaleEscrowTransactions(gctx, now.Add(-s.cfg.Freshness), s.cfg.Batch)
		if err != nil {
			return err
		}
		for _, m := range stale {
			checked.Add(1)
			changed, err := s.refresh(gctx, m)
			if err != nil {
				failed.Add(1)
				log.Printf("txsync: refreshing transaction %s: %v", m.ExternalID, err)
				continue
			}
			if changed {
				applied.Add(1)
			}
		}
		return nil
	})
	g.Go(func() error {
		owed, err := s.store.ListLabelRetries(gctx, now.Add(-s.cfg.LabelLease), s.cfg.LabelMaxAttempts, s.cfg.Batch)
		if err != nil {
			return err
		}
		for _, sh := range owed {
			bought, err := s.applier.GenerateLabel(gctx, sh.OrderID)
			if err != nil {
				failed.Add(1)
				log.Printf("txsync: label for order %s: %v", sh.OrderID, err)
				continue
			}
			if bought {
				labels.Add(1)
			}
		}
		return nil
	})
	g.Go(func() error {
		attempts, err := s.store.ListStaleAttempts(gctx, now.Add(-s.cfg.AttemptStaleness), s.cfg.Batch)
		if err != nil {
			return err
		}
		for _, a := range attempts {
			if err := s.orders.Compensate(gctx, a); err != nil {
				failed.Add(1)
				log.Printf("txsync: compensating attempt %s: %v", a.ID, err)
				continue
			}
			compensated.Add(1)
		}
		return nil
	})
	err := g.Wait()

	return Report{
		Checked:     checked.Load(),
		Applied:     applied.Load(),
		Labels:      labels.Load(),
		Compensated: compensated.Load(),
		Failed:      failed.Load(),
	}, err
}

// refresh compares the provider's view with the mirror. A changed status goes
// through the reconciler; an unchanged one only bumps the mirror so it leaves
// the stale window.
func (s *Service) refresh(ctx context.Context, m *models.EscrowTransaction) (bool, error) {
	tx, err := s.provider.GetTransaction(ctx, m.ExternalID)
	if err != nil {
		return false, err
	}
	if tx.Status == m.Status {
		return false, s.store.UpdateEscrowMirror(ctx, m.ExternalID, repository.EscrowMirror{
			ClaimedByBuyer:          &tx.ClaimedByBuyer,
			ClaimedBySeller:         &tx.ClaimedBySeller,
			ComplaintPeriodDeadline: tx.ComplaintPeriodDeadline,
		}, s.now())
	}
	if _, err := s.applier.Apply(ctx, escrow.EventFromTransaction(tx, s.now())); err != nil {
		return false, err
	}
	return true, nil
}
