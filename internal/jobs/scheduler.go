// Package jobs содержит фоновые задачи по расписанию.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// PurgeSpec задаёт очистку ключей идемпотентности в начале каждого часа.
const PurgeSpec = "0 * * * *"

// IdempotencyPurger удаляет устаревшие ключи идемпотентности.
type IdempotencyPurger interface {
	PurgeIdempotencyRecords(ctx context.Context) (int64, error)
}

// Scheduler запускает фоновые задачи в справочной временной зоне.
type Scheduler struct {
	cron   *cron.Cron
	purger IdempotencyPurger
	logger *zap.Logger
}

// NewScheduler создаёт планировщик. Пустая зона означает UTC.
func NewScheduler(purger IdempotencyPurger, loc *time.Location, logger *zap.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		purger: purger,
		logger: logger,
	}
}

// Start регистрирует задачи и запускает планировщик. Задачи получают ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(PurgeSpec, func() { s.purge(ctx) }); err != nil {
		return fmt.Errorf("schedule idempotency purge: %w", err)
	}

	s.cron.Start()
	s.logger.Info("job scheduler started", zap.String("location", s.cron.Location().String()))
	return nil
}

// Stop останавливает планировщик и ждёт завершения выполняющихся задач.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("job scheduler stopped")
}

func (s *Scheduler) purge(ctx context.Context) {
	n, err := s.purger.PurgeIdempotencyRecords(ctx)
	if err != nil {
		s.logger.Error("purge idempotency records failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("purged idempotency records", zap.Int64("count", n))
	}
}
