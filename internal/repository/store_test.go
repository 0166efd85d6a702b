package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"gitlab.ozon.dev/qwestard/marketplace/internal/models"
	"gitlab.ozon.dev/qwestard/marketplace/internal/repository"
)

type fixture struct {
	addresses []models.Address
	profiles  []models.Profile
	items     []models.Item
}

// StoreSuite runs the same behaviour checks against every Store.
type StoreSuite struct {
	suite.Suite
	open  func() (repository.Store, func(fixture))
	store repository.Store
	ctx   context.Context
	now   time.Time
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Now().UTC().Truncate(time.Second)
	var seed func(fixture)
	s.store, seed = s.open()
	seed(fixture{
		addresses: []models.Address{{ID: "addr-seller", City: "Madrid"}, {ID: "addr-buyer", City: "Berlin"}},
		profiles: []models.Profile{
			{ID: "seller", EscrowUserID: "esc-seller", AddressID: "addr-seller"},
			{ID: "buyer", EscrowUserID: "esc-buyer", AddressID: "addr-buyer"},
			{ID: "buyer-2", EscrowUserID: "esc-buyer-2", AddressID: "addr-buyer"},
		},
		items: []models.Item{
			{ID: "item-1", OwnerID: "seller", Price: 10000, Status: models.ItemStatusAvailable, Published: true, AddressID: "addr-seller", WeightGrams: 800, ParcelTemplate: "small_box"},
			{ID: "item-2", OwnerID: "seller", Price: 5000, Status: models.ItemStatusAvailable, Published: true, AddressID: "addr-seller"},
		},
	})
}

func (s *StoreSuite) proposal(id, buyer string, created time.Time) *models.Proposal {
	return &models.Proposal{
		ID: id, ItemID: "item-1", BuyerID: buyer, BuyerAddressID: "addr-buyer",
		ProposalPrice: 9000, OriginalPrice: 10000, Status: models.ProposalStatusPending,
		CreatedAt: created, UpdatedAt: created,
	}
}

func (s *StoreSuite) order(id, item string, created time.Time) *models.Order {
	return &models.Order{
		ID: id, ItemID: item, BuyerID: "buyer", SellerID: "seller",
		BuyerAddressID: "addr-buyer", SellerAddressID: "addr-seller",
		Status: models.OrderStatusPaymentPending, Price: 10000,
		CreatedAt: created, UpdatedAt: created,
	}
}

func (s *StoreSuite) insertOrder(o *models.Order, externalID string) {
	s.Require().NoError(s.store.InTx(s.ctx, func(tx repository.Tx) error {
		if err := tx.InsertOrder(s.ctx, o); err != nil {
			return err
		}
		if err := tx.InsertEscrowTransaction(s.ctx, &models.EscrowTransaction{
			ID: "esc-" + o.ID, OrderID: o.ID, Status: "created", Price: o.Price, CreatedAt: o.CreatedAt, UpdatedAt: o.CreatedAt,
		}); err != nil {
			return err
		}
		if err := tx.InsertShipment(s.ctx, &models.Shipment{
			ID: "shp-" + o.ID, OrderID: o.ID, ExternalRateID: "rate-1", LabelStatus: models.LabelStatusNone,
			CreatedAt: o.CreatedAt, UpdatedAt: o.CreatedAt,
		}); err != nil {
			return err
		}
		if externalID == "" {
			return nil
		}
		if err := tx.SetOrderTransaction(s.ctx, o.ID, externalID, o.CreatedAt); err != nil {
			return err
		}
		return tx.SetEscrowExternalID(s.ctx, o.ID, externalID, "created", o.CreatedAt)
	}))
}

func (s *StoreSuite) TestOnePendingProposalPerBuyer() {
	s.Require().NoError(s.store.InsertProposal(s.ctx, s.proposal("p-1", "buyer", s.now)))

	err := s.store.InsertProposal(s.ctx, s.proposal("p-2", "buyer", s.now))
	s.ErrorIs(err, repository.ErrDuplicate)

	s.Require().NoError(s.store.InsertProposal(s.ctx, s.proposal("p-3", "buyer-2", s.now)))

	ok, err := s.store.ResolveProposal(s.ctx, "p-1", models.ProposalStatusRejected, s.now)
	s.Require().NoError(err)
	s.True(ok)
	ok, err = s.store.ResolveProposal(s.ctx, "p-1", models.ProposalStatusAccepted, s.now)
	s.Require().NoError(err)
	s.False(ok, "terminal proposals cannot be resolved again")

	s.NoError(s.store.InsertProposal(s.ctx, s.proposal("p-4", "buyer", s.now)))
	has, err := s.store.HasPendingProposal(s.ctx, "item-1", "buyer")
	s.Require().NoError(err)
	s.True(has)
}

func (s *StoreSuite) TestRollbackDiscardsWrites() {
	boom := errors.New("boom")
	err := s.store.InTx(s.ctx, func(tx repository.Tx) error {
		if err := tx.SetItemStatus(s.ctx, "item-1", models.ItemStatusPending); err != nil {
			return err
		}
		if err := tx.InsertOrder(s.ctx, s.order("o-1", "item-1", s.now)); err != nil {
			return err
		}
		return boom
	})
	s.ErrorIs(err, boom)

	o, err := s.store.GetOrder(s.ctx, "o-1")
	s.Require().NoError(err)
	s.Nil(o)
	it, err := s.store.GetItem(s.ctx, "item-1")
	s.Require().NoError(err)
	s.Equal(models.ItemStatusAvailable, it.Status)
}

func (s *StoreSuite) TestOneLiveOrderPerItem() {
	s.insertOrder(s.order("o-1", "item-1", s.now), "tx-1")

	err := s.store.InsertOrder(s.ctx, s.order("o-2", "item-1", s.now))
	s.ErrorIs(err, repository.ErrDuplicate)

	live, err := s.store.LiveOrderForItem(s.ctx, "item-1")
	s.Require().NoError(err)
	s.Require().NotNil(live)
	s.Equal("o-1", live.ID)

	ok, err := s.store.UpdateOrderStatus(s.ctx, "o-1", models.OrderStatusPaymentPending, models.OrderStatusCancelled, s.now)
	s.Require().NoError(err)
	s.True(ok)
	s.NoError(s.store.InsertOrder(s.ctx, s.order("o-2", "item-1", s.now)))
}

func (s *StoreSuite) TestOrderStatusCompareAndSet() {
	s.insertOrder(s.order("o-1", "item-1", s.now), "tx-1")

	ok, err := s.store.UpdateOrderStatus(s.ctx, "o-1", models.OrderStatusPaymentConfirmed, models.OrderStatusCompleted, s.now)
	s.Require().NoError(err)
	s.False(ok)

	o, err := s.store.LockOrderByTransaction(s.ctx, "tx-1")
	s.Require().NoError(err)
	s.Require().NotNil(o)
	s.Equal(models.OrderStatusPaymentPending, o.Status)

	missing, err := s.store.LockOrderByTransaction(s.ctx, "tx-unknown")
	s.Require().NoError(err)
	s.Nil(missing)
}

func (s *StoreSuite) TestLabelLease() {
	s.insertOrder(s.order("o-1", "item-1", s.now), "tx-1")

	sh, err := s.store.ClaimLabel(s.ctx, "o-1", s.now, s.now.Add(-time.Minute))
	s.Require().NoError(err)
	s.Nil(sh, "unflagged shipments are not claimable")

	s.Require().NoError(s.store.FlagLabel(s.ctx, "o-1", s.now))
	sh, err = s.store.ClaimLabel(s.ctx, "o-1", s.now, s.now.Add(-time.Minute))
	s.Require().NoError(err)
	s.Require().NotNil(sh)
	s.Equal(models.LabelStatusGenerating, sh.LabelStatus)
	s.Equal(1, sh.LabelAttempts)
	s.Require().NotNil(sh.LabelClaimedAt)
	first := *sh.LabelClaimedAt

	again, err := s.store.ClaimLabel(s.ctx, "o-1", s.now, s.now.Add(-time.Minute))
	s.Require().NoError(err)
	s.Nil(again, "lease is held")

	later := s.now.Add(10 * time.Minute)
	sh, err = s.store.ClaimLabel(s.ctx, "o-1", later, later.Add(-time.Minute))
	s.Require().NoError(err)
	s.Require().NotNil(sh, "expired lease can be taken over")
	s.Equal(2, sh.LabelAttempts)
	second := *sh.LabelClaimedAt

	saved, err := s.store.SaveLabel(s.ctx, "o-1", first, models.Label{LabelID: "lbl-old", TrackingNumber: "OLD"}, later)
	s.Require().NoError(err)
	s.False(saved, "a taken-over lease cannot save")
	s.Require().NoError(s.store.FailLabel(s.ctx, "o-1", first, later))
	cur, err := s.store.GetShipmentByOrder(s.ctx, "o-1")
	s.Require().NoError(err)
	s.Equal(models.LabelStatusGenerating, cur.LabelStatus, "a taken-over lease cannot fail the new holder")

	saved, err = s.store.SaveLabel(s.ctx, "o-1", second, models.Label{LabelID: "lbl-1", TrackingNumber: "TRK"}, later)
	s.Require().NoError(err)
	s.True(saved)

	sh, err = s.store.ClaimLabel(s.ctx, "o-1", later.Add(time.Hour), later.Add(time.Hour))
	s.Require().NoError(err)
	s.Nil(sh, "generated labels are never claimed again")

	got, err := s.store.GetShipmentByOrder(s.ctx, "o-1")
	s.Require().NoError(err)
	s.Equal("TRK", got.TrackingNumber)
	s.Equal(models.LabelStatusGenerated, got.LabelStatus)
}

func (s *StoreSuite) TestLabelRetries() {
	s.insertOrder(s.order("o-1", "item-1", s.now), "tx-1")
	s.Require().NoError(s.store.FlagLabel(s.ctx, "o-1", s.now))
	sh, err := s.store.ClaimLabel(s.ctx, "o-1", s.now, s.now)
	s.Require().NoError(err)
	s.Require().NotNil(sh)
	s.Require().NoError(s.store.FailLabel(s.ctx, "o-1", *sh.LabelClaimedAt, s.now))

	retries, err := s.store.ListLabelRetries(s.ctx, s.now, 3, 10)
	s.Require().NoError(err)
	s.Require().Len(retries, 1)
	s.Equal(models.LabelStatusFailed, retries[0].LabelStatus)

	retries, err = s.store.ListLabelRetries(s.ctx, s.now, 1, 10)
	s.Require().NoError(err)
	s.Empty(retries, "attempts exhausted")
}

func (s *StoreSuite) TestExpireOrdersReleasesItems() {
	old := s.now.Add(-48 * time.Hour)
	s.Require().NoError(s.store.SetItemStatus(s.ctx, "item-1", models.ItemStatusPending))
	s.insertOrder(s.order("o-old", "item-1", old), "tx-old")
	s.Require().NoError(s.store.SetItemStatus(s.ctx, "item-2", models.ItemStatusPending))
	s.insertOrder(s.order("o-new", "item-2", s.now), "tx-new")

	var released int64
	s.Require().NoError(s.store.InTx(s.ctx, func(tx repository.Tx) error {
		items, err := tx.ExpireOrders(s.ctx, s.now.Add(-24*time.Hour), s.now)
		if err != nil {
			return err
		}
		s.Equal([]string{"item-1"}, items)
		released, err = tx.ReleaseItems(s.ctx, items)
		return err
	}))
	s.Equal(int64(1), released)

	it, err := s.store.GetItem(s.ctx, "item-1")
	s.Require().NoError(err)
	s.Equal(models.ItemStatusAvailable, it.Status)
	it, err = s.store.GetItem(s.ctx, "item-2")
	s.Require().NoError(err)
	s.Equal(models.ItemStatusPending, it.Status)

	items, err := s.store.ExpireOrders(s.ctx, s.now.Add(-24*time.Hour), s.now)
	s.Require().NoError(err)
	s.Empty(items, "second run is a no-op")
}

func (s *StoreSuite) TestExpireProposalsSkipsInFlightAcceptance() {
	old := s.now.Add(-10 * 24 * time.Hour)
	s.Require().NoError(s.store.InsertProposal(s.ctx, s.proposal("p-old", "buyer", old)))
	s.Require().NoError(s.store.InsertProposal(s.ctx, s.proposal("p-busy", "buyer-2", old)))
	o := s.order("o-1", "item-1", s.now)
	o.ProposalID = "p-busy"
	s.insertOrder(o, "")

	n, err := s.store.ExpireProposals(s.ctx, s.now.Add(-7*24*time.Hour), s.now)
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	p, err := s.store.GetProposal(s.ctx, "p-old")
	s.Require().NoError(err)
	s.Equal(models.ProposalStatusExpired, p.Status)
	p, err = s.store.GetProposal(s.ctx, "p-busy")
	s.Require().NoError(err)
	s.Equal(models.ProposalStatusPending, p.Status)

	n, err = s.store.ExpireProposals(s.ctx, s.now.Add(-7*24*time.Hour), s.now)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *StoreSuite) TestEscrowMirror() {
	s.insertOrder(s.order("o-1", "item-1", s.now.Add(-time.Hour)), "tx-1")

	stale, err := s.store.ListStaleEscrowTransactions(s.ctx, s.now, 10)
	s.Require().NoError(err)
	s.Require().Len(stale, 1)
	s.Equal("tx-1", stale[0].ExternalID)

	yes := true
	deadline := s.now.Add(72 * time.Hour)
	s.Require().NoError(s.store.UpdateEscrowMirror(s.ctx, "tx-1", repository.EscrowMirror{
		Status: "paid", ClaimedByBuyer: &yes, ComplaintPeriodDeadline: &deadline,
	}, s.now))

	e, err := s.store.GetEscrowTransactionByOrder(s.ctx, "o-1")
	s.Require().NoError(err)
	s.Equal("paid", e.Status)
	s.True(e.ClaimedByBuyer)
	s.False(e.ClaimedBySeller)
	s.Require().NotNil(e.ComplaintPeriodDeadline)
	s.True(deadline.Equal(*e.ComplaintPeriodDeadline))

	stale, err = s.store.ListStaleEscrowTransactions(s.ctx, s.now, 10)
	s.Require().NoError(err)
	s.Empty(stale)
}

func (s *StoreSuite) TestAttempts() {
	a := &models.OrderAttempt{ID: "a-1", ItemID: "item-1", BuyerID: "buyer", State: models.AttemptStarted,
		CreatedAt: s.now.Add(-time.Hour), UpdatedAt: s.now.Add(-time.Hour)}
	s.Require().NoError(s.store.InsertAttempt(s.ctx, a))
	s.Require().NoError(s.store.UpdateAttempt(s.ctx, "a-1", models.AttemptPersisted, "o-1", "", s.now.Add(-time.Hour)))

	stale, err := s.store.ListStaleAttempts(s.ctx, s.now.Add(-time.Minute), 10)
	s.Require().NoError(err)
	s.Require().Len(stale, 1)
	s.Equal("o-1", stale[0].OrderID)
	s.Equal(models.AttemptPersisted, stale[0].State)

	s.Require().NoError(s.store.UpdateAttempt(s.ctx, "a-1", models.AttemptCompleted, "", "", s.now))
	stale, err = s.store.ListStaleAttempts(s.ctx, s.now.Add(-time.Minute), 10)
	s.Require().NoError(err)
	s.Empty(stale)
}

func (s *StoreSuite) TestOutboxOnlyOnCommit() {
	n := models.Notification{Recipient: "seller", Kind: models.NotifyProposalCreated, CreatedAt: s.now}
	_ = s.store.InTx(s.ctx, func(tx repository.Tx) error {
		if err := tx.EnqueueNotification(s.ctx, n); err != nil {
			return err
		}
		return errors.New("abort")
	})
	s.Require().NoError(s.store.InTx(s.ctx, func(tx repository.Tx) error {
		return tx.EnqueueNotification(s.ctx, n)
	}))

	tasks, err := s.store.(repository.TaskRepository).GetPendingTasks(s.ctx, 10, 3)
	s.Require().NoError(err)
	s.Require().Len(tasks, 1)
	s.Contains(string(tasks[0].Payload), `"kind":"proposal_created"`)
}

func TestMemoryStore(t *testing.T) {
	suite.Run(t, &StoreSuite{open: func() (repository.Store, func(fixture)) {
		st := repository.NewMemoryStore()
		return st, func(f fixture) {
			for _, a := range f.addresses {
				st.PutAddress(a)
			}
			for _, p := range f.profiles {
				st.PutProfile(p)
			}
			for _, it := range f.items {
				st.PutItem(it)
			}
		}
	}})
}
