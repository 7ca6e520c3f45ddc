package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/otakumori/petal-economy/internal/metrics"
	"github.com/otakumori/petal-economy/internal/model"
	"github.com/otakumori/petal-economy/internal/repository"
	"github.com/otakumori/petal-economy/internal/validation"
)

// ErrGuestClaimed возвращается, если гостевой баланс уже перенесён другому пользователю.
var ErrGuestClaimed = errors.New("guest session already merged into another user")

// MigrationResult описывает результат переноса гостевого баланса.
type MigrationResult struct {
	Success         bool   `json:"success"`
	Moved           int64  `json:"moved"`
	NewBalance      int64  `json:"newBalance"`
	LifetimeEarned  int64  `json:"lifetimeEarned"`
	AlreadyMigrated bool   `json:"alreadyMigrated,omitempty"`
	Error           string `json:"error,omitempty"`
}

// StartGuestSession создаёт новую гостевую сессию.
func (s *Service) StartGuestSession(ctx context.Context) (model.GuestSession, error) {
	now := s.now()
	gs := model.GuestSession{
		ID:         uuid.NewString(),
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if err := s.repo.CreateGuestSession(ctx, gs); err != nil {
		return model.GuestSession{}, fmt.Errorf("create guest session: %w", err)
	}
	return gs, nil
}

// TouchGuestSession отмечает активность гостевой сессии.
func (s *Service) TouchGuestSession(ctx context.Context, id string) error {
	if !validation.IsValidGuestSessionID(id) {
		return ErrInvalidOwner
	}
	return s.repo.TouchGuestSession(ctx, id, s.now())
}

// MigrateGuest переносит весь текущий баланс гостя на пользователя при входе.
// Перенос не считается заработком за день и не проходит через лимиты.
// Повторный перенос того же гостя тому же пользователю ничего не делает.
func (s *Service) MigrateGuest(ctx context.Context, guestID, userID string) (MigrationResult, error) {
	guest := model.GuestRef(guestID)
	user := model.UserRef(userID)
	if !validation.IsValidGuestSessionID(guestID) || !user.Valid() {
		return MigrationResult{Error: CodeInvalidRequest}, ErrInvalidOwner
	}

	ctx, cancel := s.detach(ctx)
	defer cancel()

	var res MigrationResult
	err := s.repo.InTx(ctx, []model.OwnerRef{guest, user}, func(tx repository.Tx) error {
		res = MigrationResult{}

		claimedBy, done, err := tx.GuestMigratedTo(ctx, guestID)
		if err != nil {
			return err
		}
		if done {
			if claimedBy != userID {
				return ErrGuestClaimed
			}
			bal, err := tx.Balance(ctx, user)
			if err != nil {
				return fmt.Errorf("read balance: %w", err)
			}
			res = MigrationResult{
				Success:         true,
				NewBalance:      bal.Current,
				LifetimeEarned:  bal.LifetimeEarned,
				AlreadyMigrated: true,
			}
			return nil
		}

		gbal, err := tx.Balance(ctx, guest)
		if err != nil {
			return fmt.Errorf("read guest balance: %w", err)
		}

		now := s.now()
		ubal, err := tx.Balance(ctx, user)
		if err != nil {
			return fmt.Errorf("read balance: %w", err)
		}

		if amount := gbal.Current; amount > 0 {
			if _, err := s.debit(ctx, tx, guest, amount, model.ReasonGuestMigrationOut, map[string]any{"userId": userID}, now); err != nil {
				return err
			}
			ubal, err = s.credit(ctx, tx, user, amount, model.ReasonGuestMigrationIn, map[string]any{"guestId": guestID}, now)
			if err != nil {
				return err
			}
		}

		if err := tx.MarkGuestMigrated(ctx, guestID, userID, gbal.Current, now); err != nil {
			return err
		}

		res = MigrationResult{
			Success:        true,
			Moved:          gbal.Current,
			NewBalance:     ubal.Current,
			LifetimeEarned: ubal.LifetimeEarned,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrGuestClaimed) {
			return MigrationResult{Error: CodeInvalidRequest}, err
		}
		s.logger.Error("guest migration failed",
			zap.Error(err),
			zap.String("guest", guestID),
			zap.String("user", userID),
		)
		return MigrationResult{Error: CodeInternal}, err
	}

	if !res.AlreadyMigrated {
		metrics.GuestMigrations.Inc()
	}
	return res, nil
}
