package repository

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/otakumori/petal-economy/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Используется в тестах и в режиме
// разработки без DATABASE_URI. Транзакции блокируют владельцев по отдельности, поэтому
// разные владельцы не мешают друг другу.
type MemoryRepository struct {
	mu         sync.Mutex
	owners     map[model.OwnerRef]*ownerState
	locks      map[model.OwnerRef]*sync.Mutex
	codes      map[string]struct{}
	guests     map[string]model.GuestSession
	migrations map[string]string
}

type ownerState struct {
	balance  model.Balance
	daily    map[string]int64
	entries  []model.LedgerEntry
	vouchers []model.Voucher
	idem     map[string]IdempotencyRecord
}

// NewMemoryRepository создаёт пустое in-memory хранилище.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		owners:     make(map[model.OwnerRef]*ownerState),
		locks:      make(map[model.OwnerRef]*sync.Mutex),
		codes:      make(map[string]struct{}),
		guests:     make(map[string]model.GuestSession),
		migrations: make(map[string]string),
	}
}

// Close ничего не делает.
func (r *MemoryRepository) Close() error { return nil }

// Ping всегда успешен.
func (r *MemoryRepository) Ping(ctx context.Context) error { return nil }

func (r *MemoryRepository) ownerLock(owner model.OwnerRef) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[owner]
	if !ok {
		l = &sync.Mutex{}
		r.locks[owner] = l
	}
	return l
}

// state возвращает состояние владельца; вызывается под r.mu.
func (r *MemoryRepository) state(owner model.OwnerRef) *ownerState {
	s, ok := r.owners[owner]
	if !ok {
		s = &ownerState{
			balance: model.Balance{Owner: owner},
			daily:   make(map[string]int64),
			idem:    make(map[string]IdempotencyRecord),
		}
		r.owners[owner] = s
	}
	return s
}

// InTx выполняет fn над заблокированными владельцами и применяет изменения только при успехе.
func (r *MemoryRepository) InTx(ctx context.Context, owners []model.OwnerRef, fn func(Tx) error) error {
	locked := lockOrder(owners)

	for _, owner := range locked {
		l := r.ownerLock(owner)
		l.Lock()
		defer l.Unlock()
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		repo:       r,
		staged:     make(map[model.OwnerRef]*stagedOwner, len(locked)),
		migrations: make(map[string]string),
		codes:      make(map[string]struct{}),
	}

	r.mu.Lock()
	for _, owner := range locked {
		s := r.state(owner)
		tx.staged[owner] = &stagedOwner{
			balance: s.balance,
			daily:   make(map[string]int64),
			idem:    make(map[string]IdempotencyRecord),
		}
	}
	r.mu.Unlock()

	if err := fn(tx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for owner, st := range tx.staged {
		s := r.state(owner)
		s.balance = st.balance
		for day, delta := range st.daily {
			s.daily[day] += delta
		}
		s.entries = append(s.entries, st.entries...)
		s.vouchers = append(s.vouchers, st.vouchers...)
		maps.Copy(s.idem, st.idem)
	}
	maps.Copy(r.codes, tx.codes)
	maps.Copy(r.migrations, tx.migrations)

	return nil
}

// GetBalance возвращает баланс владельца.
func (r *MemoryRepository) GetBalance(ctx context.Context, owner model.OwnerRef) (model.Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.owners[owner]; ok {
		return s.balance, nil
	}
	return model.Balance{Owner: owner}, nil
}

// ListEntries возвращает последние записи журнала владельца.
func (r *MemoryRepository) ListEntries(ctx context.Context, owner model.OwnerRef, limit int) ([]model.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.owners[owner]
	if !ok {
		return nil, nil
	}

	res := slices.Clone(s.entries)
	slices.Reverse(res)
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// ListVouchers возвращает купоны владельца, новые первыми.
func (r *MemoryRepository) ListVouchers(ctx context.Context, owner model.OwnerRef) ([]model.Voucher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.owners[owner]
	if !ok {
		return nil, nil
	}

	res := slices.Clone(s.vouchers)
	slices.Reverse(res)
	return res, nil
}

// CreateGuestSession сохраняет новую гостевую сессию.
func (r *MemoryRepository) CreateGuestSession(ctx context.Context, s model.GuestSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.guests[s.ID]; ok {
		return fmt.Errorf("insert guest session: duplicate id %s", s.ID)
	}
	r.guests[s.ID] = s
	return nil
}

// TouchGuestSession обновляет время последней активности гостя.
func (r *MemoryRepository) TouchGuestSession(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.guests[id]
	if !ok {
		return ErrNotFound
	}
	if at.After(s.LastSeenAt) {
		s.LastSeenAt = at
		r.guests[id] = s
	}
	return nil
}

// PurgeIdempotencyRecords удаляет ключи идемпотентности, созданные раньше before.
func (r *MemoryRepository) PurgeIdempotencyRecords(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, s := range r.owners {
		for key, rec := range s.idem {
			if rec.CreatedAt.Before(before) {
				delete(s.idem, key)
				n++
			}
		}
	}
	return n, nil
}

type stagedOwner struct {
	balance  model.Balance
	daily    map[string]int64
	entries  []model.LedgerEntry
	vouchers []model.Voucher
	idem     map[string]IdempotencyRecord
}

type memTx struct {
	repo       *MemoryRepository
	staged     map[model.OwnerRef]*stagedOwner
	migrations map[string]string
	codes      map[string]struct{}
}

func (t *memTx) owner(owner model.OwnerRef) (*stagedOwner, error) {
	st, ok := t.staged[owner]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOwnerNotLocked, owner)
	}
	return st, nil
}

func (t *memTx) Balance(ctx context.Context, owner model.OwnerRef) (model.Balance, error) {
	if st, ok := t.staged[owner]; ok {
		return st.balance, nil
	}
	return t.repo.GetBalance(ctx, owner)
}

func (t *memTx) DailyEarned(ctx context.Context, owner model.OwnerRef, day string) (int64, error) {
	var staged int64
	if st, ok := t.staged[owner]; ok {
		staged = st.daily[day]
	}

	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	var committed int64
	if s, ok := t.repo.owners[owner]; ok {
		committed = s.daily[day]
	}
	return committed + staged, nil
}

func (t *memTx) AppendEntry(ctx context.Context, e model.LedgerEntry) error {
	st, err := t.owner(e.Owner)
	if err != nil {
		return err
	}
	e.Metadata = maps.Clone(e.Metadata)
	st.entries = append(st.entries, e)
	return nil
}

func (t *memTx) AdjustBalance(ctx context.Context, owner model.OwnerRef, currentDelta, lifetimeDelta int64) (model.Balance, error) {
	st, err := t.owner(owner)
	if err != nil {
		return model.Balance{}, err
	}

	next := st.balance
	next.Current += currentDelta
	next.LifetimeEarned += lifetimeDelta
	if next.Current < 0 || next.LifetimeEarned < 0 {
		return model.Balance{}, ErrNegativeBalance
	}
	next.UpdatedAt = time.Now()
	st.balance = next
	return next, nil
}

func (t *memTx) AddDailyEarned(ctx context.Context, owner model.OwnerRef, day string, amount int64) error {
	st, err := t.owner(owner)
	if err != nil {
		return err
	}
	st.daily[day] += amount
	return nil
}

func (t *memTx) CountUnredeemedVouchers(ctx context.Context, owner model.OwnerRef, since time.Time) (int, error) {
	count := func(vs []model.Voucher) int {
		n := 0
		for _, v := range vs {
			if !v.CreatedAt.Before(since) && !v.Redeemed() {
				n++
			}
		}
		return n
	}

	var n int
	if st, ok := t.staged[owner]; ok {
		n += count(st.vouchers)
	}

	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	if s, ok := t.repo.owners[owner]; ok {
		n += count(s.vouchers)
	}
	return n, nil
}

func (t *memTx) InsertVoucher(ctx context.Context, v model.Voucher) error {
	st, err := t.owner(v.Owner)
	if err != nil {
		return err
	}

	t.repo.mu.Lock()
	_, taken := t.repo.codes[v.Code]
	t.repo.mu.Unlock()
	if _, staged := t.codes[v.Code]; taken || staged {
		return fmt.Errorf("%w: %s", ErrDuplicateVoucherCode, v.Code)
	}

	t.codes[v.Code] = struct{}{}
	st.vouchers = append(st.vouchers, v)
	return nil
}

func (t *memTx) IdempotencyRecord(ctx context.Context, owner model.OwnerRef, key string) (*IdempotencyRecord, error) {
	if st, ok := t.staged[owner]; ok {
		if rec, ok := st.idem[key]; ok {
			return &rec, nil
		}
	}

	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	if s, ok := t.repo.owners[owner]; ok {
		if rec, ok := s.idem[key]; ok {
			return &rec, nil
		}
	}
	return nil, nil
}

func (t *memTx) SaveIdempotencyRecord(ctx context.Context, owner model.OwnerRef, key string, rec IdempotencyRecord) error {
	st, err := t.owner(owner)
	if err != nil {
		return err
	}
	if existing, _ := t.IdempotencyRecord(ctx, owner, key); existing != nil {
		return fmt.Errorf("insert idempotency key: duplicate %q", key)
	}
	st.idem[key] = rec
	return nil
}

func (t *memTx) GuestMigratedTo(ctx context.Context, guestID string) (string, bool, error) {
	if userID, ok := t.migrations[guestID]; ok {
		return userID, true, nil
	}

	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	userID, ok := t.repo.migrations[guestID]
	return userID, ok, nil
}

func (t *memTx) MarkGuestMigrated(ctx context.Context, guestID, userID string, amount int64, at time.Time) error {
	if _, err := t.owner(model.GuestRef(guestID)); err != nil {
		return err
	}
	if _, done, _ := t.GuestMigratedTo(ctx, guestID); done {
		return fmt.Errorf("insert guest migration: duplicate guest %s", guestID)
	}
	t.migrations[guestID] = userID
	return nil
}
