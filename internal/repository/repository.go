// Package repository содержит хранилища журнала лепестков: PostgreSQL и in-memory.
package repository

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/otakumori/petal-economy/internal/model"
)

var (
	// ErrNotFound возвращается, если запись не найдена.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateVoucherCode возвращается при коллизии кода купона.
	ErrDuplicateVoucherCode = errors.New("voucher code already exists")
	// ErrNegativeBalance возвращается при попытке увести баланс в минус.
	ErrNegativeBalance = errors.New("balance would become negative")
	// ErrOwnerNotLocked возвращается при обращении к владельцу, не захваченному транзакцией.
	ErrOwnerNotLocked = errors.New("owner is not locked by this transaction")
)

// IdempotencyRecord хранит результат операции, выполненной с ключом идемпотентности.
type IdempotencyRecord struct {
	Operation string
	Response  []byte
	CreatedAt time.Time
}

// Tx описывает атомарную единицу работы над заблокированными владельцами.
// Все изменения применяются вместе при успешном завершении функции InTx или не применяются вовсе.
type Tx interface {
	Balance(ctx context.Context, owner model.OwnerRef) (model.Balance, error)
	DailyEarned(ctx context.Context, owner model.OwnerRef, day string) (int64, error)
	AppendEntry(ctx context.Context, entry model.LedgerEntry) error
	AdjustBalance(ctx context.Context, owner model.OwnerRef, currentDelta, lifetimeDelta int64) (model.Balance, error)
	AddDailyEarned(ctx context.Context, owner model.OwnerRef, day string, amount int64) error
	CountUnredeemedVouchers(ctx context.Context, owner model.OwnerRef, since time.Time) (int, error)
	InsertVoucher(ctx context.Context, v model.Voucher) error
	IdempotencyRecord(ctx context.Context, owner model.OwnerRef, key string) (*IdempotencyRecord, error)
	SaveIdempotencyRecord(ctx context.Context, owner model.OwnerRef, key string, rec IdempotencyRecord) error
	GuestMigratedTo(ctx context.Context, guestID string) (string, bool, error)
	MarkGuestMigrated(ctx context.Context, guestID, userID string, amount int64, at time.Time) error
}

// lockOrder возвращает владельцев без повторов в детерминированном порядке,
// чтобы параллельные транзакции над одной парой не взаимоблокировались.
func lockOrder(owners []model.OwnerRef) []model.OwnerRef {
	out := slices.Clone(owners)
	slices.SortFunc(out, func(a, b model.OwnerRef) int {
		switch {
		case a.String() < b.String():
			return -1
		case a.String() > b.String():
			return 1
		}
		return 0
	})
	return slices.Compact(out)
}
