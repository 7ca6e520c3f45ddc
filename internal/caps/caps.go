// Package caps ограничивает начисления дневным лимитом пользователя и пожизненным лимитом гостя.
package caps

import (
	"context"
	"fmt"
	"time"

	"github.com/otakumori/petal-economy/internal/model"
)

// Limits задаёт потолки начислений по классам владельцев.
type Limits struct {
	UserDaily     int64 `toml:"user_daily"`
	GuestLifetime int64 `toml:"guest_lifetime"`
}

// DefaultLimits возвращает лимиты по умолчанию.
func DefaultLimits() Limits {
	return Limits{
		UserDaily:     120,
		GuestLifetime: 50,
	}
}

// UsageReader читает текущее использование лимита. Должен вызываться внутри транзакции.
type UsageReader interface {
	Balance(ctx context.Context, owner model.OwnerRef) (model.Balance, error)
	DailyEarned(ctx context.Context, owner model.OwnerRef, day string) (int64, error)
}

// Decision описывает результат применения лимита к предлагаемой сумме.
type Decision struct {
	Granted   int64
	Capped    bool
	Remaining int64
	Used      int64
	Cap       int64
	Day       string
}

// Enforcer применяет лимиты в справочной временной зоне.
type Enforcer struct {
	limits Limits
	loc    *time.Location
}

// NewEnforcer создаёт Enforcer. Пустая зона означает UTC.
func NewEnforcer(limits Limits, loc *time.Location) *Enforcer {
	if loc == nil {
		loc = time.UTC
	}
	return &Enforcer{limits: limits, loc: loc}
}

// Location возвращает справочную временную зону.
func (e *Enforcer) Location() *time.Location {
	return e.loc
}

// CapFor возвращает потолок для класса владельца.
func (e *Enforcer) CapFor(owner model.OwnerRef) int64 {
	if owner.IsGuest() {
		return e.limits.GuestLifetime
	}
	return e.limits.UserDaily
}

// Apply урезает proposed до остатка лимита владельца на день asOf.
func (e *Enforcer) Apply(ctx context.Context, r UsageReader, owner model.OwnerRef, proposed int64, asOf time.Time) (Decision, error) {
	d := Decision{
		Cap: e.CapFor(owner),
		Day: model.DayKey(asOf, e.loc),
	}

	if owner.IsGuest() {
		bal, err := r.Balance(ctx, owner)
		if err != nil {
			return Decision{}, fmt.Errorf("read guest balance: %w", err)
		}
		d.Used = bal.LifetimeEarned
	} else {
		used, err := r.DailyEarned(ctx, owner, d.Day)
		if err != nil {
			return Decision{}, fmt.Errorf("read daily usage: %w", err)
		}
		d.Used = used
	}

	left := max(d.Cap-d.Used, 0)
	d.Granted = max(0, min(proposed, left))
	d.Capped = d.Granted < proposed
	d.Remaining = left - d.Granted

	return d, nil
}
