// Package voucher описывает таблицу тарифов скидочных купонов и генерацию кодов.
package voucher

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrDisabled возвращается, если покупка купонов выключена.
	ErrDisabled = errors.New("voucher purchases disabled")
	// ErrUnknownTier возвращается для тарифа, которого нет в таблице.
	ErrUnknownTier = errors.New("unknown voucher tier")
	// ErrPercentTooHigh возвращается, если скидка тарифа превышает глобальный максимум.
	ErrPercentTooHigh = errors.New("voucher percent exceeds configured maximum")
)

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Tier описывает стоимость и скидку одного тарифа.
type Tier struct {
	CostPetals int64 `toml:"cost_petals"`
	PercentOff int   `toml:"percent_off"`
}

// Policy содержит настраиваемые правила покупки купонов.
type Policy struct {
	Enabled     bool            `toml:"enabled"`
	MaxPercent  int             `toml:"max_percent"`
	MaxPerMonth int             `toml:"max_per_month"`
	ValidDays   int             `toml:"valid_days"`
	Tiers       map[string]Tier `toml:"tiers"`
}

// DefaultPolicy возвращает правила по умолчанию.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:     true,
		MaxPercent:  15,
		MaxPerMonth: 3,
		ValidDays:   30,
		Tiers: map[string]Tier{
			"tier1": {CostPetals: 150, PercentOff: 5},
			"tier2": {CostPetals: 300, PercentOff: 10},
			"tier3": {CostPetals: 600, PercentOff: 15},
		},
	}
}

// Lookup проверяет флаг, наличие тарифа и потолок скидки.
func (p Policy) Lookup(name string) (Tier, error) {
	if !p.Enabled {
		return Tier{}, ErrDisabled
	}
	tier, ok := p.Tiers[name]
	if !ok || tier.CostPetals <= 0 || tier.PercentOff <= 0 {
		return Tier{}, fmt.Errorf("%w: %q", ErrUnknownTier, name)
	}
	if tier.PercentOff > p.MaxPercent {
		return Tier{}, fmt.Errorf("%w: %d > %d", ErrPercentTooHigh, tier.PercentOff, p.MaxPercent)
	}
	return tier, nil
}

// ExpiresAt возвращает срок действия купона, выпущенного в момент issued.
func (p Policy) ExpiresAt(issued time.Time) time.Time {
	days := p.ValidDays
	if days <= 0 {
		days = 30
	}
	return issued.AddDate(0, 0, days)
}

// NewCode генерирует код вида OM-TIER2-<base36 unix>-<6 случайных символов>.
func NewCode(tier string, issued time.Time) (string, error) {
	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("read random suffix: %w", err)
	}
	for i, b := range suffix {
		suffix[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}

	return fmt.Sprintf("OM-%s-%s-%s",
		strings.ToUpper(tier),
		strings.ToUpper(strconv.FormatInt(issued.Unix(), 36)),
		suffix,
	), nil
}
