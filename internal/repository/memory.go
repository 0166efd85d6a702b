package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"gitlab.ozon.dev/qwestard/marketplace/internal/models"
)

type memData struct {
	items     map[string]models.Item
	profiles  map[string]models.Profile
	addresses map[string]models.Address
	proposals map[string]models.Proposal
	orders    map[string]models.Order
	escrow    map[string]models.EscrowTransaction // by order id
	shipments map[string]models.Shipment          // by order id
	attempts  map[string]models.OrderAttempt
	tasks     map[int]Task
	nextTask  int
}

func newMemData() *memData {
	return &memData{
		items:     make(map[string]models.Item),
		profiles:  make(map[string]models.Profile),
		addresses: make(map[string]models.Address),
		proposals: make(map[string]models.Proposal),
		orders:    make(map[string]models.Order),
		escrow:    make(map[string]models.EscrowTransaction),
		shipments: make(map[string]models.Shipment),
		attempts:  make(map[string]models.OrderAttempt),
		tasks:     make(map[int]Task),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (d *memData) clone() memData {
	return memData{
		items:     cloneMap(d.items),
		profiles:  cloneMap(d.profiles),
		addresses: cloneMap(d.addresses),
		proposals: cloneMap(d.proposals),
		orders:    cloneMap(d.orders),
		escrow:    cloneMap(d.escrow),
		shipments: cloneMap(d.shipments),
		attempts:  cloneMap(d.attempts),
		tasks:     cloneMap(d.tasks),
		nextTask:  d.nextTask,
	}
}

// MemoryStore keeps everything in maps. Transactions are serialized by one
// mutex, which makes every Lock* call trivially exclusive, and a failed
// transaction restores the snapshot taken when it began.
type MemoryStore struct {
	memTx
	mu   sync.Mutex
	data *memData
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{data: newMemData()}
	s.memTx = memTx{d: s.data, guard: s.lock}
	return s
}

func (s *MemoryStore) lock() func() {
	s.mu.Lock()
	return s.mu.Unlock
}

func noGuard() func() { return func() {} }

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.data.clone()
	if err := fn(&memTx{d: s.data, guard: noGuard}); err != nil {
		*s.data = snap
		return err
	}
	return nil
}

func (s *MemoryStore) PutAddress(a models.Address) {
	defer s.lock()()
	s.data.addresses[a.ID] = a
}

func (s *MemoryStore) PutProfile(p models.Profile) {
	defer s.lock()()
	s.data.profiles[p.ID] = p
}

func (s *MemoryStore) PutItem(it models.Item) {
	defer s.lock()()
	s.data.items[it.ID] = it
}

type memTx struct {
	d     *memData
	guard func() func()
}

func (t *memTx) GetItem(_ context.Context, id string) (*models.Item, error) {
	defer t.guard()()
	it, ok := t.d.items[id]
	if !ok {
		return nil, nil
	}
	return &it, nil
}

func (t *memTx) LockItem(ctx context.Context, id string) (*models.Item, error) {
	return t.GetItem(ctx, id)
}

func (t *memTx) SetItemStatus(_ context.Context, id string, status models.ItemStatus) error {
	defer t.guard()()
	it, ok := t.d.items[id]
	if !ok {
		return nil
	}
	it.Status = status
	t.d.items[id] = it
	return nil
}

func (t *memTx) ReleaseItems(_ context.Context, ids []string) (int64, error) {
	defer t.guard()()
	var n int64
	for _, id := range ids {
		it, ok := t.d.items[id]
		if !ok || it.Status != models.ItemStatusPending {
			continue
		}
		it.Status = models.ItemStatusAvailable
		t.d.items[id] = it
		n++
	}
	return n, nil
}

func (t *memTx) GetProfile(_ context.Context, id string) (*models.Profile, error) {
	defer t.guard()()
	p, ok := t.d.profiles[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (t *memTx) GetAddress(_ context.Context, id string) (*models.Address, error) {
	defer t.guard()()
	a, ok := t.d.addresses[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (t *memTx) InsertProposal(_ context.Context, p *models.Proposal) error {
	defer t.guard()()
	if p.Status == models.ProposalStatusPending {
		for _, other := range t.d.proposals {
			if other.ItemID == p.ItemID && other.BuyerID == p.BuyerID && other.Status == models.ProposalStatusPending {
				return ErrDuplicate
			}
		}
	}
	if _, ok := t.d.proposals[p.ID]; ok {
		return ErrDuplicate
	}
	t.d.proposals[p.ID] = *p
	return nil
}

func (t *memTx) GetProposal(_ context.Context, id string) (*models.Proposal, error) {
	defer t.guard()()
	p, ok := t.d.proposals[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (t *memTx) LockProposal(ctx context.Context, id string) (*models.Proposal, error) {
	return t.GetProposal(ctx, id)
}

func (t *memTx) HasPendingProposal(_ context.Context, itemID, buyerID string) (bool, error) {
	defer t.guard()()
	for _, p := range t.d.proposals {
		if p.ItemID == itemID && p.BuyerID == buyerID && p.Status == models.ProposalStatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) ResolveProposal(_ context.Context, id string, to models.ProposalStatus, at time.Time) (bool, error) {
	defer t.guard()()
	p, ok := t.d.proposals[id]
	if !ok || p.Status != models.ProposalStatusPending {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = at
	t.d.proposals[id] = p
	return true, nil
}

func (t *memTx) ExpireProposals(_ context.Context, cutoff, at time.Time) (int64, error) {
	defer t.guard()()
	inFlight := make(map[string]bool)
	for _, o := range t.d.orders {
		if o.ProposalID != "" && o.Status.Live() {
			inFlight[o.ProposalID] = true
		}
	}
	var n int64
	for id, p := range t.d.proposals {
		if p.Status != models.ProposalStatusPending || !p.CreatedAt.Before(cutoff) || inFlight[id] {
			continue
		}
		p.Status = models.ProposalStatusExpired
		p.UpdatedAt = at
		t.d.proposals[id] = p
		n++
	}
	return n, nil
}

func (t *memTx) InsertOrder(_ context.Context, o *models.Order) error {
	defer t.guard()()
	if _, ok := t.d.orders[o.ID]; ok {
		return ErrDuplicate
	}
	for _, other := range t.d.orders {
		if o.Status.Live() && other.ItemID == o.ItemID && other.Status.Live() {
			return ErrDuplicate
		}
		if o.PaymentTransactionID != "" && other.PaymentTransactionID == o.PaymentTransactionID {
			return ErrDuplicate
		}
	}
	t.d.orders[o.ID] = *o
	return nil
}

func (t *memTx) GetOrder(_ context.Context, id string) (*models.Order, error) {
	defer t.guard()()
	o, ok := t.d.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (t *memTx) LockOrderByTransaction(_ context.Context, externalID string) (*models.Order, error) {
	defer t.guard()()
	if externalID == "" {
		return nil, nil
	}
	for _, o := range t.d.orders {
		if o.PaymentTransactionID == externalID {
			return &o, nil
		}
	}
	return nil, nil
}

func (t *memTx) LiveOrderForItem(_ context.Context, itemID string) (*models.Order, error) {
	defer t.guard()()
	for _, o := range t.d.orders {
		if o.ItemID == itemID && o.Status.Live() {
			return &o, nil
		}
	}
	return nil, nil
}

func (t *memTx) SetOrderTransaction(_ context.Context, orderID, externalID string, at time.Time) error {
	defer t.guard()()
	for id, other := range t.d.orders {
		if id != orderID && externalID != "" && other.PaymentTransactionID == externalID {
			return ErrDuplicate
		}
	}
	o, ok := t.d.orders[orderID]
	if !ok {
		return nil
	}
	o.PaymentTransactionID = externalID
	o.UpdatedAt = at
	t.d.orders[orderID] = o
	return nil
}

func (t *memTx) UpdateOrderStatus(_ context.Context, id string, from, to models.OrderStatus, at time.Time) (bool, error) {
	defer t.guard()()
	o, ok := t.d.orders[id]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = at
	t.d.orders[id] = o
	return true, nil
}

func (t *memTx) ExpireOrders(_ context.Context, cutoff, at time.Time) ([]string, error) {
	defer t.guard()()
	var items []string
	for id, o := range t.d.orders {
		if o.Status != models.OrderStatusPaymentPending || !o.CreatedAt.Before(cutoff) {
			continue
		}
		o.Status = models.OrderStatusExpired
		o.UpdatedAt = at
		t.d.orders[id] = o
		items = append(items, o.ItemID)
	}
	return items, nil
}

func (t *memTx) DeleteOrder(_ context.Context, id string) error {
	defer t.guard()()
	delete(t.d.orders, id)
	delete(t.d.escrow, id)
	delete(t.d.shipments, id)
	return nil
}

func (t *memTx) InsertEscrowTransaction(_ context.Context, e *models.EscrowTransaction) error {
	defer t.guard()()
	if _, ok := t.d.escrow[e.OrderID]; ok {
		return ErrDuplicate
	}
	t.d.escrow[e.OrderID] = *e
	return nil
}

func (t *memTx) GetEscrowTransactionByOrder(_ context.Context, orderID string) (*models.EscrowTransaction, error) {
	defer t.guard()()
	e, ok := t.d.escrow[orderID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (t *memTx) SetEscrowExternalID(_ context.Context, orderID, externalID, status string, at time.Time) error {
	defer t.guard()()
	e, ok := t.d.escrow[orderID]
	if !ok {
		return nil
	}
	e.ExternalID = externalID
	e.Status = status
	e.UpdatedAt = at
	t.d.escrow[orderID] = e
	return nil
}

func (t *memTx) UpdateEscrowMirror(_ context.Context, externalID string, m EscrowMirror, at time.Time) error {
	defer t.guard()()
	for orderID, e := range t.d.escrow {
		if e.ExternalID != externalID || externalID == "" {
			continue
		}
		if m.Status != "" {
			e.Status = m.Status
		}
		if m.ClaimedByBuyer != nil {
			e.ClaimedByBuyer = *m.ClaimedByBuyer
		}
		if m.ClaimedBySeller != nil {
			e.ClaimedBySeller = *m.ClaimedBySeller
		}
		if m.ComplaintPeriodDeadline != nil {
			d := *m.ComplaintPeriodDeadline
			e.ComplaintPeriodDeadline = &d
		}
		e.UpdatedAt = at
		t.d.escrow[orderID] = e
	}
	return nil
}

func (t *memTx) ListStaleEscrowTransactions(_ context.Context, before time.Time, limit int) ([]*models.EscrowTransaction, error) {
	defer t.guard()()
	var out []*models.EscrowTransaction
	for orderID, e := range t.d.escrow {
		o, ok := t.d.orders[orderID]
		if e.ExternalID == "" || !ok || !o.Status.Live() || !e.UpdatedAt.Before(before) {
			continue
		}
		e := e
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) DeleteEscrowTransaction(_ context.Context, orderID string) error {
	defer t.guard()()
	delete(t.d.escrow, orderID)
	return nil
}

func (t *memTx) InsertShipment(_ context.Context, s *models.Shipment) error {
	defer t.guard()()
	if _, ok := t.d.shipments[s.OrderID]; ok {
		return ErrDuplicate
	}
	t.d.shipments[s.OrderID] = *s
	return nil
}

func (t *memTx) GetShipmentByOrder(_ context.Context, orderID string) (*models.Shipment, error) {
	defer t.guard()()
	s, ok := t.d.shipments[orderID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (t *memTx) FlagLabel(_ context.Context, orderID string, at time.Time) error {
	defer t.guard()()
	s, ok := t.d.shipments[orderID]
	if !ok || s.LabelStatus != models.LabelStatusNone {
		return nil
	}
	s.LabelStatus = models.LabelStatusPending
	s.UpdatedAt = at
	t.d.shipments[orderID] = s
	return nil
}

func claimable(s models.Shipment, leaseExpiredBefore time.Time) bool {
	switch s.LabelStatus {
	case models.LabelStatusPending, models.LabelStatusFailed:
		return true
	case models.LabelStatusGenerating:
		return s.LabelClaimedAt != nil && s.LabelClaimedAt.Before(leaseExpiredBefore)
	}
	return false
}

func (t *memTx) ClaimLabel(_ context.Context, orderID string, at, leaseExpiredBefore time.Time) (*models.Shipment, error) {
	defer t.guard()()
	s, ok := t.d.shipments[orderID]
	if !ok || !claimable(s, leaseExpiredBefore) {
		return nil, nil
	}
	claimed := at
	s.LabelStatus = models.LabelStatusGenerating
	s.LabelClaimedAt = &claimed
	s.LabelAttempts++
	s.UpdatedAt = at
	t.d.shipments[orderID] = s
	return &s, nil
}

func leaseHeld(s models.Shipment, claimedAt time.Time) bool {
	return s.LabelStatus == models.LabelStatusGenerating && s.LabelClaimedAt != nil && s.LabelClaimedAt.Equal(claimedAt)
}

func (t *memTx) SaveLabel(_ context.Context, orderID string, claimedAt time.Time, l models.Label, at time.Time) (bool, error) {
	defer t.guard()()
	s, ok := t.d.shipments[orderID]
	if !ok || !leaseHeld(s, claimedAt) {
		return false, nil
	}
	s.LabelStatus = models.LabelStatusGenerated
	s.ExternalLabelID = l.LabelID
	s.LabelURL = l.LabelURL
	s.TrackingNumber = l.TrackingNumber
	s.TrackingURL = l.TrackingURL
	s.TrackingStatus = l.TrackingStatus
	s.LabelClaimedAt = nil
	s.UpdatedAt = at
	t.d.shipments[orderID] = s
	return true, nil
}

func (t *memTx) FailLabel(_ context.Context, orderID string, claimedAt, at time.Time) error {
	defer t.guard()()
	s, ok := t.d.shipments[orderID]
	if !ok || !leaseHeld(s, claimedAt) {
		return nil
	}
	s.LabelStatus = models.LabelStatusFailed
	s.LabelClaimedAt = nil
	s.UpdatedAt = at
	t.d.shipments[orderID] = s
	return nil
}

func (t *memTx) ListLabelRetries(_ context.Context, leaseExpiredBefore time.Time, maxAttempts, limit int) ([]*models.Shipment, error) {
	defer t.guard()()
	var out []*models.Shipment
	for _, s := range t.d.shipments {
		if !claimable(s, leaseExpiredBefore) || s.LabelAttempts >= maxAttempts {
			continue
		}
		s := s
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) DeleteShipment(_ context.Context, orderID string) error {
	defer t.guard()()
	delete(t.d.shipments, orderID)
	return nil
}

func (t *memTx) InsertAttempt(_ context.Context, a *models.OrderAttempt) error {
	defer t.guard()()
	t.d.attempts[a.ID] = *a
	return nil
}

func (t *memTx) UpdateAttempt(_ context.Context, id string, state models.AttemptState, orderID, errMsg string, at time.Time) error {
	defer t.guard()()
	a, ok := t.d.attempts[id]
	if !ok {
		return nil
	}
	a.State = state
	if orderID != "" {
		a.OrderID = orderID
	}
	a.Error = errMsg
	a.UpdatedAt = at
	t.d.attempts[id] = a
	return nil
}

func (t *memTx) ListStaleAttempts(_ context.Context, before time.Time, limit int) ([]*models.OrderAttempt, error) {
	defer t.guard()()
	var out []*models.OrderAttempt
	for _, a := range t.d.attempts {
		if !a.Open() || !a.UpdatedAt.Before(before) {
			continue
		}
		a := a
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) EnqueueNotification(ctx context.Context, n models.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return t.CreateTask(ctx, payload)
}

func (t *memTx) CreateTask(_ context.Context, payload []byte) error {
	defer t.guard()()
	t.d.nextTask++
	now := time.Now()
	t.d.tasks[t.d.nextTask] = Task{ID: t.d.nextTask, CreatedAt: now, UpdatedAt: now, Payload: payload, Status: TaskStatusCreated}
	return nil
}

func (t *memTx) GetPendingTasks(_ context.Context, limit, maxAttempts int) ([]*Task, error) {
	defer t.guard()()
	now := time.Now()
	var out []*Task
	for _, task := range t.d.tasks {
		if task.Status != TaskStatusCreated && task.Status != TaskStatusFailed {
			continue
		}
		if task.NextAttemptAt.Valid && task.NextAttemptAt.Time.After(now) {
			continue
		}
		if task.AttemptCount >= maxAttempts {
			continue
		}
		task := task
		out = append(out, &task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) MarkTaskProcessing(_ context.Context, taskID int) error {
	defer t.guard()()
	task, ok := t.d.tasks[taskID]
	if !ok {
		return nil
	}
	task.Status = TaskStatusProcessing
	task.UpdatedAt = time.Now()
	t.d.tasks[taskID] = task
	return nil
}

func (t *memTx) DeleteTask(_ context.Context, taskID int) error {
	defer t.guard()()
	delete(t.d.tasks, taskID)
	return nil
}

func (t *memTx) UpdateTaskFailure(_ context.Context, taskID int, attemptCount int, newStatus TaskStatus, nextAttemptAt time.Time) error {
	defer t.guard()()
	task, ok := t.d.tasks[taskID]
	if !ok {
		return nil
	}
	task.Status = newStatus
	task.AttemptCount = attemptCount
	task.NextAttemptAt.Time, task.NextAttemptAt.Valid = nextAttemptAt, true
	task.UpdatedAt = time.Now()
	t.d.tasks[taskID] = task
	return nil
}
