// Package app wires storage, provider clients and saga services from config.
package app

import (
	"context"
	"database/sql"
	"log"
	"time"

	"gitlab.ozon.dev/qwestard/marketplace/internal/audit"
	"gitlab.ozon.dev/qwestard/marketplace/internal/config"
	"gitlab.ozon.dev/qwestard/marketplace/internal/db"
	"gitlab.ozon.dev/qwestard/marketplace/internal/escrow"
	"gitlab.ozon.dev/qwestard/marketplace/internal/estimator"
	"gitlab.ozon.dev/qwestard/marketplace/internal/order"
	"gitlab.ozon.dev/qwestard/marketplace/internal/parcel"
	"gitlab.ozon.dev/qwestard/marketplace/internal/proposal"
	"gitlab.ozon.dev/qwestard/marketplace/internal/reconciler"
	"gitlab.ozon.dev/qwestard/marketplace/internal/repository"
	"gitlab.ozon.dev/qwestard/marketplace/internal/shipping"
	"gitlab.ozon.dev/qwestard/marketplace/internal/sweeper"
	"gitlab.ozon.dev/qwestard/marketplace/internal/txsync"
)

type Storage interface {
	repository.Store
	repository.TaskRepository
}

type App struct {
	DB    *sql.DB
	Store Storage
	Audit *audit.AuditWorkerPool

	Escrow     *escrow.Client
	Shipments  *shipping.Service
	Estimator  *estimator.Estimator
	Orders     *order.Service
	Proposals  *proposal.Service
	Reconciler *reconciler.Reconciler
	Sweeper    *sweeper.Sweeper
	Sync       *txsync.Service

	auditCancel context.CancelFunc
}

// Build opens storage, starts the audit pool and constructs every service.
// Close releases what Build opened.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{}
	switch cfg.Storage {
	case "memory":
		log.Println("Using in-memory storage, state is lost on restart")
		a.Store = repository.NewMemoryStore()
	default:
		database, err := db.NewDB(ctx, cfg.DSN, cfg.MigrationsDir)
		if err != nil {
			return nil, err
		}
		a.DB = database
		a.Store = repository.NewPostgresStore(database)
	}

	processors := []audit.AuditLogProcessor{&audit.StdoutProcessor{Filter: cfg.FilterWord}}
	if a.DB != nil {
		processors = append(processors, audit.NewDBProcessor(a.DB))
	}
	a.Audit = audit.NewAuditWorkerPool(audit.AuditPoolConfig{
		BatchSize:   5,
		Timeout:     500 * time.Millisecond,
		ChannelSize: 1000,
	}, processors...)
	auditCtx, auditCancel := context.WithCancel(context.Background())
	a.auditCancel = auditCancel
	a.Audit.Start(auditCtx, 2)

	a.Escrow = escrow.NewClient(escrow.Config{BaseURL: cfg.EscrowURL, APIKey: cfg.EscrowKey})
	carrier := shipping.NewCarrierClient(shipping.CarrierConfig{BaseURL: cfg.CarrierURL, Token: cfg.CarrierToken, Timeout: cfg.CarrierTimeout})
	a.Shipments = shipping.NewService(carrier, parcel.NewCatalog(), cfg.Currency)

	var enabled estimator.Option
	if cfg.EstimatePlatform {
		enabled |= estimator.WithPlatformCharge
	}
	if cfg.EstimateProvider {
		enabled |= estimator.WithProviderCharge
	}
	if cfg.EstimateShipping {
		enabled |= estimator.WithShipping
	}
	a.Estimator = estimator.New(estimator.Config{
		Currency:           cfg.Currency,
		PlatformFeePercent: cfg.PlatformFeePercent,
		PlatformFeeMin:     cfg.PlatformFeeMin,
		Enabled:            enabled,
	}, a.Escrow, a.Shipments)

	a.Orders = order.NewService(a.Store, a.Estimator, a.Escrow, a.Audit, cfg.Currency)
	a.Proposals = proposal.NewService(a.Store, a.Estimator, a.Orders, a.Audit)
	a.Reconciler = reconciler.New(a.Store, a.Shipments, a.Audit, cfg.LabelLease)
	a.Sweeper = sweeper.New(a.Store, sweeper.Config{
		NegotiationTolerance: cfg.NegotiationTolerance,
		PaymentTolerance:     cfg.PaymentTolerance,
	}, a.Audit)
	a.Sync = txsync.New(a.Store, a.Escrow, a.Reconciler, a.Orders, txsync.Config{
		Interval:         cfg.SyncInterval,
		Freshness:        cfg.SyncFreshness,
		Batch:            cfg.SyncBatch,
		LabelMaxAttempts: cfg.LabelMaxAttempts,
		LabelLease:       cfg.LabelLease,
		AttemptStaleness: cfg.AttemptStaleness,
	})
	return a, nil
}

// Close flushes the audit pool before closing the database it writes to.
func (a *App) Close() {
	a.Audit.Shutdown(a.auditCancel)
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			log.Printf("Error closing db: %v", err)
		}
	}
}
