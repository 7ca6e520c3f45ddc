// Package model содержит доменные сущности лепестковой экономики.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidOwnerRef возвращается при разборе некорректного идентификатора владельца.
var ErrInvalidOwnerRef = errors.New("invalid owner reference")

// OwnerKind описывает класс владельца лепестков.
type OwnerKind string

const (
	OwnerUser  OwnerKind = "user"
	OwnerGuest OwnerKind = "guest"
)

// OwnerRef идентифицирует владельца баланса: либо пользователя, либо гостевую сессию.
type OwnerRef struct {
	Kind OwnerKind
	ID   string
}

// UserRef создаёт ссылку на аутентифицированного пользователя.
func UserRef(id string) OwnerRef {
	return OwnerRef{Kind: OwnerUser, ID: id}
}

// GuestRef создаёт ссылку на гостевую сессию.
func GuestRef(sessionID string) OwnerRef {
	return OwnerRef{Kind: OwnerGuest, ID: sessionID}
}

// IsGuest сообщает, относится ли ссылка к гостевой сессии.
func (o OwnerRef) IsGuest() bool {
	return o.Kind == OwnerGuest
}

// Valid проверяет, что у ссылки известный класс и непустой идентификатор.
func (o OwnerRef) Valid() bool {
	return (o.Kind == OwnerUser || o.Kind == OwnerGuest) && o.ID != ""
}

func (o OwnerRef) String() string {
	return string(o.Kind) + ":" + o.ID
}

// ParseOwnerRef разбирает строку вида "user:<id>" или "guest:<id>".
func ParseOwnerRef(s string) (OwnerRef, error) {
	kind, id, ok := strings.Cut(s, ":")
	ref := OwnerRef{Kind: OwnerKind(kind), ID: id}
	if !ok || !ref.Valid() {
		return OwnerRef{}, fmt.Errorf("%w: %q", ErrInvalidOwnerRef, s)
	}
	return ref, nil
}

// Direction описывает направление движения лепестков.
type Direction string

const (
	DirectionEarn  Direction = "earn"
	DirectionSpend Direction = "spend"
)

// Источники движений, записываемые в журнал.
const (
	ReasonGameReward        = "game_reward"
	ReasonQuestReward       = "quest_reward"
	ReasonTreePetalClick    = "tree_petal_click"
	ReasonPurchaseReward    = "purchase_reward"
	ReasonVoucherPurchase   = "voucher_purchase"
	ReasonGameUnlock        = "game_unlock"
	ReasonGuestMigrationIn  = "guest_migration_in"
	ReasonGuestMigrationOut = "guest_migration_out"
)

// IsSpendReason сообщает, может ли клиент указать этот источник в списании.
// Служебные источники (купоны, перенос гостя) пишутся только сервисом.
func IsSpendReason(reason string) bool {
	switch reason {
	case ReasonGameUnlock:
		return true
	}
	return false
}

// LedgerEntry описывает неизменяемую запись журнала лепестков.
type LedgerEntry struct {
	ID        uuid.UUID
	Owner     OwnerRef
	Direction Direction
	Amount    int64
	Reason    string
	Metadata  map[string]any
	CreatedAt time.Time
}

// Signed возвращает сумму записи со знаком направления.
func (e LedgerEntry) Signed() int64 {
	if e.Direction == DirectionSpend {
		return -e.Amount
	}
	return e.Amount
}

// Balance содержит денормализованный текущий баланс владельца.
type Balance struct {
	Owner          OwnerRef  `json:"-"`
	Current        int64     `json:"current"`
	LifetimeEarned int64     `json:"lifetimeEarned"`
	UpdatedAt      time.Time `json:"-"`
}

// DailyUsage содержит количество лепестков, заработанных владельцем за календарный день.
type DailyUsage struct {
	Owner  OwnerRef
	Day    string
	Earned int64
}

// Voucher описывает скидочный купон, купленный за лепестки.
type Voucher struct {
	ID         uuid.UUID
	Owner      OwnerRef
	Code       string
	Tier       string
	PercentOff int
	CostPetals int64
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RedeemedAt *time.Time
}

// Redeemed сообщает, погашен ли купон.
func (v Voucher) Redeemed() bool {
	return v.RedeemedAt != nil
}

// GuestSession описывает гостевую сессию.
type GuestSession struct {
	ID         string
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// DayKey возвращает календарный день момента t в указанной временной зоне.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(time.DateOnly)
}

// MonthStart возвращает начало календарного месяца момента t в указанной временной зоне.
func MonthStart(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
}
