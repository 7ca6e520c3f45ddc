// Package ratelimit ограничивает частоту дешёвых действий (сбор лепестков с дерева).
//
// Ограничитель рекомендательный: при нескольких экземплярах сервиса без Redis он может
// пропустить немного лишних запросов, но никогда не блокирует одиночного пользователя сверх лимита.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/otakumori/petal-economy/internal/metrics"
)

// Limiter сообщает, нужно ли отклонить действие идентичности.
type Limiter interface {
	IsRateLimited(ctx context.Context, identity string) bool
}

// Config задаёт окно всплеска и устойчивую частоту.
type Config struct {
	BurstLimit         int
	Window             time.Duration
	SustainedPerSecond int
}

// DefaultConfig возвращает параметры по умолчанию.
func DefaultConfig() Config {
	return Config{
		BurstLimit:         30,
		Window:             10 * time.Second,
		SustainedPerSecond: 5,
	}
}

type windowState struct {
	windowStart time.Time
	count       int
	second      int64
	secondCount int
}

// MemoryLimiter хранит счётчики в памяти процесса.
type MemoryLimiter struct {
	mu      sync.Mutex
	entries map[string]*windowState
	cfg     Config
	now     func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMemoryLimiter создаёт ограничитель и запускает фоновую очистку устаревших окон.
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	l := newMemoryLimiter(cfg, time.Now)
	go l.cleanup()
	return l
}

func newMemoryLimiter(cfg Config, now func() time.Time) *MemoryLimiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	return &MemoryLimiter{
		entries: make(map[string]*windowState),
		cfg:     cfg,
		now:     now,
		stopCh:  make(chan struct{}),
	}
}

// Close останавливает фоновую очистку.
func (l *MemoryLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// IsRateLimited учитывает действие и сообщает, превышен ли лимит.
func (l *MemoryLimiter) IsRateLimited(ctx context.Context, identity string) bool {
	limited := l.hit(identity)
	if limited {
		metrics.RateLimited.WithLabelValues("memory").Inc()
	}
	return limited
}

func (l *MemoryLimiter) hit(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	sec := now.Unix()

	st, ok := l.entries[identity]
	if !ok {
		l.entries[identity] = &windowState{windowStart: now, count: 1, second: sec, secondCount: 1}
		return l.exceeded(1, 1)
	}

	// По истечении окна счётчик начинается с 1: текущий запрос уже учтён.
	if now.Sub(st.windowStart) >= l.cfg.Window {
		st.windowStart = now
		st.count = 1
	} else {
		st.count++
	}

	if st.second != sec {
		st.second = sec
		st.secondCount = 1
	} else {
		st.secondCount++
	}

	return l.exceeded(st.count, st.secondCount)
}

func (l *MemoryLimiter) exceeded(count, secondCount int) bool {
	if l.cfg.BurstLimit > 0 && count > l.cfg.BurstLimit {
		return true
	}
	return l.cfg.SustainedPerSecond > 0 && secondCount > l.cfg.SustainedPerSecond
}

func (l *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *MemoryLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for identity, st := range l.entries {
		if now.Sub(st.windowStart) >= l.cfg.Window {
			delete(l.entries, identity)
		}
	}
}
