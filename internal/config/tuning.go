package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/otakumori/petal-economy/internal/caps"
	"github.com/otakumori/petal-economy/internal/reward"
	"github.com/otakumori/petal-economy/internal/voucher"
)

// Tuning содержит настраиваемые параметры экономики.
type Tuning struct {
	Rewards  reward.Table   `toml:"rewards"`
	Caps     caps.Limits    `toml:"caps"`
	Vouchers voucher.Policy `toml:"vouchers"`
}

// DefaultTuning возвращает встроенные значения.
func DefaultTuning() Tuning {
	return Tuning{
		Rewards:  reward.DefaultTable(),
		Caps:     caps.DefaultLimits(),
		Vouchers: voucher.DefaultPolicy(),
	}
}

// LoadTuning читает TOML-файл поверх встроенных значений. Пустой путь означает значения по умолчанию.
// Ключи таблиц (игры, квесты, тарифы) из файла дополняют и переопределяют встроенные.
func LoadTuning(path string) (Tuning, error) {
	t := DefaultTuning()
	if path == "" {
		return t, nil
	}

	md, err := toml.DecodeFile(path, &t)
	if err != nil {
		return Tuning{}, fmt.Errorf("decode tuning file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Tuning{}, fmt.Errorf("unknown tuning keys in %s: %v", path, undecoded)
	}

	if err := t.validate(); err != nil {
		return Tuning{}, fmt.Errorf("invalid tuning file %s: %w", path, err)
	}
	return t, nil
}

func (t Tuning) validate() error {
	if t.Caps.UserDaily < 0 || t.Caps.GuestLifetime < 0 {
		return fmt.Errorf("caps must not be negative")
	}
	if t.Vouchers.MaxPercent < 0 || t.Vouchers.MaxPercent > 100 {
		return fmt.Errorf("voucher max_percent must be within 0..100")
	}
	for name, tier := range t.Vouchers.Tiers {
		if tier.CostPetals <= 0 {
			return fmt.Errorf("voucher tier %q must cost petals", name)
		}
	}
	if t.Rewards.LossFactor < 0 || t.Rewards.LossFactor > 1 {
		return fmt.Errorf("rewards loss_factor must be within 0..1")
	}
	return nil
}
