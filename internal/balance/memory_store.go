package balance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var errTxDone = errors.New("unit of work already finished")

// memoryStore keeps balances and reservations in maps. Row locks are one
// buffered channel per user, held from LockBalance until the outermost unit of
// work ends, which gives the same per-user serialization as SELECT ... FOR UPDATE.
type memoryStore struct {
	mu           sync.RWMutex
	balances     map[string]Balance
	reservations map[string]Reservation
	keys         map[Key]string
	locks        map[string]chan struct{}
}

// NewMemoryStore creates a concurrency-safe in-memory store useful for unit
// tests and development mode.
func NewMemoryStore() Store {
	return &memoryStore{
		balances:     make(map[string]Balance),
		reservations: make(map[string]Reservation),
		keys:         make(map[Key]string),
		locks:        make(map[string]chan struct{}),
	}
}

func (s *memoryStore) Begin(_ context.Context) (Tx, error) {
	return &memoryTx{
		store:        s,
		held:         make(map[string]chan struct{}),
		balances:     make(map[string]Balance),
		reservations: make(map[string]Reservation),
	}, nil
}

func (s *memoryStore) userLock(userID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[userID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[userID] = ch
	}
	return ch
}

// insertBalance creates a zeroed row if none exists. Creation is not undone by
// rollback: a zero row reads the same as a missing one.
func (s *memoryStore) insertBalance(userID string) Balance {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.balances[userID]; ok {
		return b
	}
	now := time.Now().UTC()
	b := Balance{UserID: userID, CreatedAt: now, UpdatedAt: now}
	s.balances[userID] = b
	return b
}

type memoryTx struct {
	store  *memoryStore
	parent *memoryTx
	// held is only populated on the outermost unit of work.
	held         map[string]chan struct{}
	balances     map[string]Balance
	reservations map[string]Reservation
	done         bool
}

func (t *memoryTx) root() *memoryTx {
	r := t
	for r.parent != nil {
		r = r.parent
	}
	return r
}

func (t *memoryTx) check() error {
	if t.done {
		return errTxDone
	}
	return nil
}

func (t *memoryTx) lookupBalance(userID string) (Balance, bool) {
	for cur := t; cur != nil; cur = cur.parent {
		if b, ok := cur.balances[userID]; ok {
			return b, true
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	b, ok := t.store.balances[userID]
	return b, ok
}

func (t *memoryTx) lookupReservation(id string) (Reservation, bool) {
	for cur := t; cur != nil; cur = cur.parent {
		if r, ok := cur.reservations[id]; ok {
			return r, true
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	r, ok := t.store.reservations[id]
	return r, ok
}

// reservationView merges committed reservations with the writes of this unit
// of work and its parents; inner writes win.
func (t *memoryTx) reservationView() map[string]Reservation {
	t.store.mu.RLock()
	view := make(map[string]Reservation, len(t.store.reservations))
	for id, r := range t.store.reservations {
		view[id] = r
	}
	t.store.mu.RUnlock()

	var chain []*memoryTx
	for cur := t; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		for id, r := range chain[i].reservations {
			view[id] = r
		}
	}
	return view
}

func (t *memoryTx) Balance(_ context.Context, userID string) (Balance, bool, error) {
	if err := t.check(); err != nil {
		return Balance{}, false, err
	}
	b, ok := t.lookupBalance(userID)
	return b, ok, nil
}

func (t *memoryTx) CreateBalance(_ context.Context, userID string) (Balance, error) {
	if err := t.check(); err != nil {
		return Balance{}, err
	}
	if b, ok := t.lookupBalance(userID); ok {
		return b, nil
	}
	return t.store.insertBalance(userID), nil
}

func (t *memoryTx) LockBalance(ctx context.Context, userID string) (Balance, error) {
	if err := t.check(); err != nil {
		return Balance{}, err
	}
	root := t.root()
	if _, ok := root.held[userID]; !ok {
		ch := t.store.userLock(userID)
		select {
		case ch <- struct{}{}:
			root.held[userID] = ch
		case <-ctx.Done():
			return Balance{}, ctx.Err()
		}
	}
	if b, ok := t.lookupBalance(userID); ok {
		return b, nil
	}
	return t.store.insertBalance(userID), nil
}

func (t *memoryTx) SaveBalance(_ context.Context, b Balance) (Balance, error) {
	if err := t.check(); err != nil {
		return Balance{}, err
	}
	if _, ok := t.root().held[b.UserID]; !ok {
		return Balance{}, fmt.Errorf("balance %s saved without holding its lock", b.UserID)
	}
	if err := b.Validate(); err != nil {
		return Balance{}, fmt.Errorf("balance %s violates constraint: %v", b.UserID, err)
	}
	b.UpdatedAt = time.Now().UTC()
	t.balances[b.UserID] = b
	return b, nil
}

func (t *memoryTx) Reservation(_ context.Context, key Key) (Reservation, bool, error) {
	if err := t.check(); err != nil {
		return Reservation{}, false, err
	}
	for cur := t; cur != nil; cur = cur.parent {
		for _, r := range cur.reservations {
			if r.Key() == key {
				return t.freshest(r.ID)
			}
		}
	}
	t.store.mu.RLock()
	id, ok := t.store.keys[key]
	t.store.mu.RUnlock()
	if !ok {
		return Reservation{}, false, nil
	}
	return t.freshest(id)
}

func (t *memoryTx) freshest(id string) (Reservation, bool, error) {
	r, ok := t.lookupReservation(id)
	return r, ok, nil
}

func (t *memoryTx) CreateReservation(ctx context.Context, r Reservation) error {
	if err := t.check(); err != nil {
		return err
	}
	if r.Amount <= 0 {
		return fmt.Errorf("reservation amount %d violates check_amount_positive", r.Amount)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("reservation status %q is not allowed", r.Status)
	}
	if _, found, _ := t.Reservation(ctx, r.Key()); found {
		return fmt.Errorf("reservation key (%s, %s, %s) already exists", r.UserID, r.ServiceID, r.ExternalTxID)
	}
	t.reservations[r.ID] = r
	return nil
}

func (t *memoryTx) CloseReservation(_ context.Context, id string, status Status, closedAt time.Time) error {
	if err := t.check(); err != nil {
		return err
	}
	if !status.Terminal() {
		return fmt.Errorf("reservation %s cannot close into %q", id, status)
	}
	r, ok := t.lookupReservation(id)
	if !ok {
		return fmt.Errorf("reservation %s does not exist", id)
	}
	if r.Status != StatusOpen {
		return fmt.Errorf("reservation %s is already %s", id, r.Status)
	}
	t.reservations[id] = r.closed(status, closedAt)
	return nil
}

func (t *memoryTx) SumOpenReservations(_ context.Context, userID string) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	var total int64
	for _, r := range t.reservationView() {
		if r.UserID == userID && r.Status == StatusOpen {
			total += r.Amount
		}
	}
	return total, nil
}

func (t *memoryTx) ListExpiredReservations(_ context.Context, before time.Time, limit int) ([]Reservation, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	var expired []Reservation
	for _, r := range t.reservationView() {
		if r.Status == StatusOpen && r.ExpiresAt.Before(before) {
			expired = append(expired, r)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].ExpiresAt.Equal(expired[j].ExpiresAt) {
			return expired[i].ID < expired[j].ID
		}
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})
	if len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (t *memoryTx) Savepoint(_ context.Context) (Tx, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return &memoryTx{
		store:        t.store,
		parent:       t,
		balances:     make(map[string]Balance),
		reservations: make(map[string]Reservation),
	}, nil
}

func (t *memoryTx) Commit(_ context.Context) error {
	if err := t.check(); err != nil {
		return err
	}
	t.done = true

	if t.parent != nil {
		for id, b := range t.balances {
			t.parent.balances[id] = b
		}
		for id, r := range t.reservations {
			t.parent.reservations[id] = r
		}
		return nil
	}

	defer t.release()
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range t.reservations {
		if id, ok := s.keys[r.Key()]; ok && id != r.ID {
			return fmt.Errorf("reservation key (%s, %s, %s) already exists", r.UserID, r.ServiceID, r.ExternalTxID)
		}
	}
	for id, b := range t.balances {
		s.balances[id] = b
	}
	for id, r := range t.reservations {
		s.reservations[id] = r
		s.keys[r.Key()] = id
	}
	return nil
}

func (t *memoryTx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if t.parent == nil {
		t.release()
	}
	return nil
}

func (t *memoryTx) release() {
	for userID, ch := range t.held {
		<-ch
		delete(t.held, userID)
	}
}
