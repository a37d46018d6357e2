// Package testutil provides in-memory implementations of the repositories,
// idempotency store, gateway and emitter for unit tests.
package testutil

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/Eursukkul/booking-settlement/internal/models"
	"github.com/Eursukkul/booking-settlement/internal/repository"
)

type txMarker struct{}

// Store keeps every table in memory behind one mutex. WithinTx holds the
// mutex for the whole callback and restores a snapshot when it fails, which
// gives the same serialization the row locks give in Postgres.
type Store struct {
	mu       sync.Mutex
	slots    map[models.SlotRef]models.AvailabilitySlot
	holds    map[string]models.ReservationHold
	bookings map[string]models.Booking
	txs      map[string]models.Transaction
	txOrder  []string
	refunds  map[string]models.Refund
}

func NewStore() *Store {
	return &Store{
		slots:    map[models.SlotRef]models.AvailabilitySlot{},
		holds:    map[string]models.ReservationHold{},
		bookings: map[string]models.Booking{},
		txs:      map[string]models.Transaction{},
		refunds:  map[string]models.Refund{},
	}
}

func (s *Store) Slots() repository.SlotRepository               { return slotRepo{s} }
func (s *Store) Holds() repository.HoldRepository               { return holdRepo{s} }
func (s *Store) Bookings() repository.BookingRepository         { return bookingRepo{s} }
func (s *Store) Transactions() repository.TransactionRepository { return transactionRepo{s} }
func (s *Store) Refunds() repository.RefundRepository           { return refundRepo{s} }

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txMarker{}) != nil {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, txMarker{}, true)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// lock takes the store mutex unless ctx already runs inside WithinTx.
func (s *Store) lock(ctx context.Context) func() {
	if ctx.Value(txMarker{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

type snapshot struct {
	slots    map[models.SlotRef]models.AvailabilitySlot
	holds    map[string]models.ReservationHold
	bookings map[string]models.Booking
	txs      map[string]models.Transaction
	txOrder  []string
	refunds  map[string]models.Refund
}

func (s *Store) snapshot() snapshot {
	return snapshot{
		slots:    maps.Clone(s.slots),
		holds:    maps.Clone(s.holds),
		bookings: maps.Clone(s.bookings),
		txs:      maps.Clone(s.txs),
		txOrder:  slices.Clone(s.txOrder),
		refunds:  maps.Clone(s.refunds),
	}
}

func (s *Store) restore(snap snapshot) {
	s.slots = snap.slots
	s.holds = snap.holds
	s.bookings = snap.bookings
	s.txs = snap.txs
	s.txOrder = snap.txOrder
	s.refunds = snap.refunds
}

// SlotSnapshot reads a slot outside any transaction, for assertions.
func (s *Store) SlotSnapshot(ref models.SlotRef) models.AvailabilitySlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[ref]
}

// HoldSnapshot reads a hold outside any transaction, for assertions.
func (s *Store) HoldSnapshot(id string) models.ReservationHold {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holds[id]
}

// BookingSnapshot reads a booking outside any transaction, for assertions.
func (s *Store) BookingSnapshot(id string) models.Booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bookings[id]
}

// AllBookings returns every stored booking, for assertions.
func (s *Store) AllBookings() []models.Booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Collect(maps.Values(s.bookings))
}

func now() time.Time { return time.Now().UTC() }

type slotRepo struct{ s *Store }

func (r slotRepo) Create(ctx context.Context, slot *models.AvailabilitySlot) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.slots[slot.Ref()]; ok {
		return repository.ErrDuplicate
	}
	r.s.slots[slot.Ref()] = *slot
	return nil
}

func (r slotRepo) Upsert(ctx context.Context, slot *models.AvailabilitySlot) (bool, error) {
	defer r.s.lock(ctx)()
	existing, ok := r.s.slots[slot.Ref()]
	if !ok {
		r.s.slots[slot.Ref()] = *slot
		return true, nil
	}
	if existing.HeldCount+existing.SoldCount > slot.TotalCapacity {
		return false, nil
	}
	existing.Date = slot.Date
	existing.Timeslot = slot.Timeslot
	existing.TotalCapacity = slot.TotalCapacity
	existing.UnitAmount = slot.UnitAmount
	existing.Currency = slot.Currency
	existing.Version++
	existing.UpdatedAt = now()
	r.s.slots[slot.Ref()] = existing
	return true, nil
}

func (r slotRepo) FindByRef(ctx context.Context, ref models.SlotRef) (*models.AvailabilitySlot, error) {
	defer r.s.lock(ctx)()
	slot, ok := r.s.slots[ref]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &slot, nil
}

func (r slotRepo) FindByRefForUpdate(ctx context.Context, ref models.SlotRef) (*models.AvailabilitySlot, error) {
	return r.FindByRef(ctx, ref)
}

func (r slotRepo) UpdateCounters(ctx context.Context, slot *models.AvailabilitySlot) error {
	defer r.s.lock(ctx)()
	stored, ok := r.s.slots[slot.Ref()]
	if !ok || stored.Version != slot.Version {
		return repository.ErrVersionConflict
	}
	stored.HeldCount = slot.HeldCount
	stored.SoldCount = slot.SoldCount
	stored.Version++
	stored.UpdatedAt = now()
	r.s.slots[slot.Ref()] = stored
	slot.Version = stored.Version
	slot.UpdatedAt = stored.UpdatedAt
	return nil
}

type holdRepo struct{ s *Store }

func (r holdRepo) Create(ctx context.Context, hold *models.ReservationHold) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.holds[hold.ID]; ok {
		return repository.ErrDuplicate
	}
	r.s.holds[hold.ID] = *hold
	return nil
}

func (r holdRepo) FindByID(ctx context.Context, id string) (*models.ReservationHold, error) {
	defer r.s.lock(ctx)()
	hold, ok := r.s.holds[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &hold, nil
}

func (r holdRepo) FindByIDForUpdate(ctx context.Context, id string) (*models.ReservationHold, error) {
	return r.FindByID(ctx, id)
}

func (r holdRepo) TransitionState(ctx context.Context, id string, from, to models.HoldState) (bool, error) {
	defer r.s.lock(ctx)()
	hold, ok := r.s.holds[id]
	if !ok || hold.State != from {
		return false, nil
	}
	hold.State = to
	hold.UpdatedAt = now()
	r.s.holds[id] = hold
	return true, nil
}

func (r holdRepo) ListExpiredActive(ctx context.Context, at time.Time, limit int) ([]models.ReservationHold, error) {
	defer r.s.lock(ctx)()
	var out []models.ReservationHold
	for _, h := range r.s.holds {
		if h.State == models.HoldActive && h.ExpiresAt.Before(at) {
			out = append(out, h)
		}
	}
	slices.SortFunc(out, func(a, b models.ReservationHold) int { return a.ExpiresAt.Compare(b.ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type bookingRepo struct{ s *Store }

func (r bookingRepo) Create(ctx context.Context, b *models.Booking) error {
	defer r.s.lock(ctx)()
	for _, existing := range r.s.bookings {
		if existing.ID == b.ID || existing.IdempotencyKey == b.IdempotencyKey {
			return repository.ErrDuplicate
		}
	}
	r.s.bookings[b.ID] = *b
	return nil
}

func (r bookingRepo) FindByID(ctx context.Context, id string) (*models.Booking, error) {
	defer r.s.lock(ctx)()
	b, ok := r.s.bookings[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &b, nil
}

func (r bookingRepo) FindByIDForUpdate(ctx context.Context, id string) (*models.Booking, error) {
	return r.FindByID(ctx, id)
}

func (r bookingRepo) FindByIdempotencyKey(ctx context.Context, key string) (*models.Booking, error) {
	defer r.s.lock(ctx)()
	for _, b := range r.s.bookings {
		if b.IdempotencyKey == key {
			return &b, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r bookingRepo) FindByHoldID(ctx context.Context, holdID string) (*models.Booking, error) {
	defer r.s.lock(ctx)()
	for _, b := range r.s.bookings {
		if b.HoldID != nil && *b.HoldID == holdID {
			return &b, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r bookingRepo) CompareAndSetState(ctx context.Context, b *models.Booking, from models.BookingState) (bool, error) {
	defer r.s.lock(ctx)()
	stored, ok := r.s.bookings[b.ID]
	if !ok || stored.State != from {
		return false, nil
	}
	stored.State = b.State
	stored.HoldID = b.HoldID
	stored.FailureReason = b.FailureReason
	stored.UpdatedAt = now()
	r.s.bookings[b.ID] = stored
	b.UpdatedAt = stored.UpdatedAt
	return true, nil
}

type transactionRepo struct{ s *Store }

func (r transactionRepo) Create(ctx context.Context, t *models.Transaction) error {
	defer r.s.lock(ctx)()
	for _, existing := range r.s.txs {
		if existing.ID == t.ID {
			return repository.ErrDuplicate
		}
		if existing.BookingID == t.BookingID && existing.State.IsOpen() && t.State.IsOpen() {
			return repository.ErrDuplicate
		}
	}
	r.s.txs[t.ID] = *t
	r.s.txOrder = append(r.s.txOrder, t.ID)
	return nil
}

func (r transactionRepo) FindByID(ctx context.Context, id string) (*models.Transaction, error) {
	defer r.s.lock(ctx)()
	t, ok := r.s.txs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

func (r transactionRepo) FindByProviderReference(ctx context.Context, ref string) (*models.Transaction, error) {
	defer r.s.lock(ctx)()
	for _, t := range r.s.txs {
		if t.ProviderReference != nil && *t.ProviderReference == ref {
			return &t, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r transactionRepo) latest(bookingID string, match func(models.Transaction) bool) (*models.Transaction, error) {
	for i := len(r.s.txOrder) - 1; i >= 0; i-- {
		t := r.s.txs[r.s.txOrder[i]]
		if t.BookingID == bookingID && match(t) {
			return &t, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r transactionRepo) FindLatestByBooking(ctx context.Context, bookingID string) (*models.Transaction, error) {
	defer r.s.lock(ctx)()
	return r.latest(bookingID, func(models.Transaction) bool { return true })
}

func (r transactionRepo) FindCapturedByBookingForUpdate(ctx context.Context, bookingID string) (*models.Transaction, error) {
	defer r.s.lock(ctx)()
	return r.latest(bookingID, func(t models.Transaction) bool { return t.State == models.TxCaptured })
}

func (r transactionRepo) CompareAndSetState(ctx context.Context, t *models.Transaction, from ...models.TransactionState) (bool, error) {
	defer r.s.lock(ctx)()
	stored, ok := r.s.txs[t.ID]
	if !ok || !slices.Contains(from, stored.State) {
		return false, nil
	}
	stored.State = t.State
	stored.SessionID = t.SessionID
	stored.ProviderReference = t.ProviderReference
	stored.RedirectURL = t.RedirectURL
	stored.RiskScore = t.RiskScore
	stored.FailureReason = t.FailureReason
	stored.UpdatedAt = now()
	r.s.txs[t.ID] = stored
	t.UpdatedAt = stored.UpdatedAt
	return true, nil
}

type refundRepo struct{ s *Store }

func (r refundRepo) Create(ctx context.Context, refund *models.Refund) error {
	defer r.s.lock(ctx)()
	for _, existing := range r.s.refunds {
		if existing.ID == refund.ID || existing.IdempotencyKey == refund.IdempotencyKey {
			return repository.ErrDuplicate
		}
	}
	r.s.refunds[refund.ID] = *refund
	return nil
}

func (r refundRepo) FindByID(ctx context.Context, id string) (*models.Refund, error) {
	defer r.s.lock(ctx)()
	refund, ok := r.s.refunds[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &refund, nil
}

func (r refundRepo) find(match func(models.Refund) bool) (*models.Refund, error) {
	for _, refund := range r.s.refunds {
		if match(refund) {
			return &refund, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r refundRepo) FindByProviderReference(ctx context.Context, ref string) (*models.Refund, error) {
	defer r.s.lock(ctx)()
	return r.find(func(rf models.Refund) bool { return rf.ProviderReference != nil && *rf.ProviderReference == ref })
}

func (r refundRepo) FindByIdempotencyKey(ctx context.Context, key string) (*models.Refund, error) {
	defer r.s.lock(ctx)()
	return r.find(func(rf models.Refund) bool { return rf.IdempotencyKey == key })
}

func (r refundRepo) ListByTransaction(ctx context.Context, transactionID string) ([]models.Refund, error) {
	defer r.s.lock(ctx)()
	var out []models.Refund
	for _, refund := range r.s.refunds {
		if refund.TransactionID == transactionID {
			out = append(out, refund)
		}
	}
	slices.SortFunc(out, func(a, b models.Refund) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (r refundRepo) SumCommitted(ctx context.Context, transactionID string) (int64, error) {
	defer r.s.lock(ctx)()
	var sum int64
	for _, refund := range r.s.refunds {
		if refund.TransactionID == transactionID && refund.State != models.RefundFailed {
			sum += refund.Amount
		}
	}
	return sum, nil
}

func (r refundRepo) CompareAndSetState(ctx context.Context, refund *models.Refund, from models.RefundState) (bool, error) {
	defer r.s.lock(ctx)()
	stored, ok := r.s.refunds[refund.ID]
	if !ok || stored.State != from {
		return false, nil
	}
	stored.State = refund.State
	stored.ProviderReference = refund.ProviderReference
	stored.UpdatedAt = now()
	r.s.refunds[refund.ID] = stored
	refund.UpdatedAt = stored.UpdatedAt
	return true, nil
}
