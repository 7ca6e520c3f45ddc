// Package reward вычисляет количество лепестков за игровые и прочие события.
//
// Движок детерминирован и не обращается к хранилищу: он только рекомендует сумму,
// которую затем начисляет сервис.
package reward

import "math"

// Category задаёт закрытый набор классов событий.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryGame
	CategoryQuest
	CategoryClick
	CategoryPurchase
)

// EventKind идентифицирует событие: класс и идентификатор игры или квеста.
type EventKind struct {
	Category Category
	ID       string
}

// GameEvent описывает завершение мини-игры.
func GameEvent(gameID string) EventKind {
	return EventKind{Category: CategoryGame, ID: gameID}
}

// QuestEvent описывает получение награды за квест.
func QuestEvent(questKey string) EventKind {
	return EventKind{Category: CategoryQuest, ID: questKey}
}

// ClickEvent описывает сбор одного лепестка с дерева.
func ClickEvent() EventKind {
	return EventKind{Category: CategoryClick}
}

// PurchaseEvent описывает покупку в магазине.
func PurchaseEvent() EventKind {
	return EventKind{Category: CategoryPurchase}
}

// Context содержит параметры события. Множитель поражения применяется только
// при явном Lost: игры без исхода получают полную награду.
type Context struct {
	Score              int64
	Difficulty         string
	Lost               bool
	StreakDays         int
	SeasonalMultiplier float64
	AmountCents        int64
}

// GameRule описывает формулу награды для одной игры.
type GameRule struct {
	Base          int64 `toml:"base"`
	ScorePerPetal int64 `toml:"score_per_petal"`
	MaxScoreBonus int64 `toml:"max_score_bonus"`
}

// Table содержит настраиваемые параметры движка наград.
type Table struct {
	Games              map[string]GameRule `toml:"games"`
	Quests             map[string]int64    `toml:"quests"`
	Difficulty         map[string]float64  `toml:"difficulty"`
	LossFactor         float64             `toml:"loss_factor"`
	StreakBonusPerDay  float64             `toml:"streak_bonus_per_day"`
	StreakCapDays      int                 `toml:"streak_cap_days"`
	ClickPetals        int64               `toml:"click_petals"`
	PetalsPerDollar    float64             `toml:"petals_per_dollar"`
	SeasonalMultiplier float64             `toml:"seasonal_multiplier"`
}

// DefaultTable возвращает таблицу наград по умолчанию.
func DefaultTable() Table {
	return Table{
		Games: map[string]GameRule{
			"petal-samurai":      {Base: 5, ScorePerPetal: 50, MaxScoreBonus: 10},
			"memory-match":       {Base: 4, ScorePerPetal: 100, MaxScoreBonus: 8},
			"bubble-girl":        {Base: 3, ScorePerPetal: 200, MaxScoreBonus: 12},
			"puzzle-reveal":      {Base: 6, ScorePerPetal: 250, MaxScoreBonus: 6},
			"petal-storm-rhythm": {Base: 5, ScorePerPetal: 1000, MaxScoreBonus: 15},
			"quick-math":         {Base: 2, ScorePerPetal: 10, MaxScoreBonus: 10},
		},
		Quests: map[string]int64{
			"daily-login":    5,
			"play-3-games":   15,
			"first-purchase": 50,
			"write-review":   20,
			"visit-shop":     3,
		},
		Difficulty: map[string]float64{
			"easy":   0.8,
			"normal": 1.0,
			"hard":   1.5,
			"insane": 2.0,
		},
		LossFactor:         0.5,
		StreakBonusPerDay:  0.05,
		StreakCapDays:      7,
		ClickPetals:        1,
		PetalsPerDollar:    1,
		SeasonalMultiplier: 1,
	}
}

// Engine вычисляет награды по таблице.
type Engine struct {
	table Table
}

// NewEngine создаёт движок наград с указанной таблицей.
func NewEngine(table Table) *Engine {
	return &Engine{table: table}
}

// Compute возвращает неотрицательное количество лепестков за событие.
// Неизвестное событие означает отключённую функцию и даёт 0.
func (e *Engine) Compute(kind EventKind, ctx Context) int64 {
	var raw float64

	switch kind.Category {
	case CategoryGame:
		rule, ok := e.table.Games[kind.ID]
		if !ok {
			return 0
		}
		raw = float64(rule.Base + scoreBonus(rule, ctx.Score))
		raw *= e.difficulty(ctx.Difficulty)
		if ctx.Lost {
			raw *= e.table.LossFactor
		}
		raw *= e.streak(ctx.StreakDays)
		raw *= e.seasonal(ctx.SeasonalMultiplier)
	case CategoryQuest:
		amount, ok := e.table.Quests[kind.ID]
		if !ok {
			return 0
		}
		raw = float64(amount) * e.streak(ctx.StreakDays) * e.seasonal(ctx.SeasonalMultiplier)
	case CategoryClick:
		return max(e.table.ClickPetals, 0)
	case CategoryPurchase:
		if ctx.AmountCents <= 0 {
			return 0
		}
		raw = float64(ctx.AmountCents) / 100 * e.table.PetalsPerDollar * e.seasonal(ctx.SeasonalMultiplier)
	default:
		return 0
	}

	if raw <= 0 || math.IsNaN(raw) {
		return 0
	}
	return int64(math.Floor(raw + 1e-9))
}

func scoreBonus(rule GameRule, score int64) int64 {
	if rule.ScorePerPetal <= 0 || score <= 0 {
		return 0
	}
	return min(score/rule.ScorePerPetal, rule.MaxScoreBonus)
}

func (e *Engine) difficulty(label string) float64 {
	if m, ok := e.table.Difficulty[label]; ok && m > 0 {
		return m
	}
	return 1
}

func (e *Engine) streak(days int) float64 {
	if days <= 0 || e.table.StreakBonusPerDay <= 0 {
		return 1
	}
	return 1 + float64(min(days, e.table.StreakCapDays))*e.table.StreakBonusPerDay
}

// seasonal берёт множитель события, иначе глобальный; неположительные значения игнорируются.
func (e *Engine) seasonal(eventMultiplier float64) float64 {
	if eventMultiplier > 0 {
		return eventMultiplier
	}
	if e.table.SeasonalMultiplier > 0 {
		return e.table.SeasonalMultiplier
	}
	return 1
}
