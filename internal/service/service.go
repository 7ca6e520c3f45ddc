// Package service реализует транзакционное ядро лепестковой экономики:
// начисления, списания, покупку купонов и перенос гостевых балансов.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/otakumori/petal-economy/internal/caps"
	"github.com/otakumori/petal-economy/internal/metrics"
	"github.com/otakumori/petal-economy/internal/model"
	"github.com/otakumori/petal-economy/internal/ratelimit"
	"github.com/otakumori/petal-economy/internal/repository"
	"github.com/otakumori/petal-economy/internal/reward"
	"github.com/otakumori/petal-economy/internal/validation"
	"github.com/otakumori/petal-economy/internal/voucher"
)

var (
	// ErrInvalidAmount возвращается для неположительной суммы.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInvalidOwner возвращается для пустой или некорректной ссылки на владельца.
	ErrInvalidOwner = errors.New("invalid owner")
	// ErrInvalidReason возвращается для пустого источника движения.
	ErrInvalidReason = errors.New("reason is required")
	// ErrInvalidIdempotencyKey возвращается для ключа неверного формата.
	ErrInvalidIdempotencyKey = errors.New("invalid idempotency key")
	// ErrIdempotencyConflict возвращается при повторном использовании ключа для другой операции.
	ErrIdempotencyConflict = errors.New("idempotency key already used for another operation")
	// ErrRateLimited возвращается, когда ограничитель частоты отклонил действие.
	ErrRateLimited = errors.New("rate limited")
)

// Коды ошибок, возвращаемые клиенту в поле error.
const (
	CodeInvalidAmount       = "invalid_amount"
	CodeInvalidRequest      = "invalid_request"
	CodeDailyCapReached     = "daily_cap_reached"
	CodeInsufficientBalance = "insufficient_balance"
	CodeMonthlyLimit        = "monthly_limit_reached"
	CodeFeatureDisabled     = "feature_disabled"
	CodeUnknownTier         = "unknown_tier"
	CodeTierUnavailable     = "tier_unavailable"
	CodeNoReward            = "no_reward"
	CodeRateLimited         = "rate_limited"
	CodeIdempotencyConflict = "idempotency_conflict"
	CodeInternal            = "internal_error"
)

const (
	opGrant    = "grant"
	opSpend    = "spend"
	opVoucher  = "voucher"
	opTransfer = "guest_migration"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	Ping(ctx context.Context) error
	InTx(ctx context.Context, owners []model.OwnerRef, fn func(repository.Tx) error) error
	GetBalance(ctx context.Context, owner model.OwnerRef) (model.Balance, error)
	ListEntries(ctx context.Context, owner model.OwnerRef, limit int) ([]model.LedgerEntry, error)
	ListVouchers(ctx context.Context, owner model.OwnerRef) ([]model.Voucher, error)
	CreateGuestSession(ctx context.Context, s model.GuestSession) error
	TouchGuestSession(ctx context.Context, id string, at time.Time) error
	PurgeIdempotencyRecords(ctx context.Context, before time.Time) (int64, error)
}

// Options содержит настраиваемые параметры экономики.
type Options struct {
	Rewards        reward.Table
	Limits         caps.Limits
	Vouchers       voucher.Policy
	Location       *time.Location
	TxTimeout      time.Duration
	IdempotencyTTL time.Duration
}

// Service содержит бизнес-логику лепестковой экономики.
type Service struct {
	repo           Repository
	engine         *reward.Engine
	caps           *caps.Enforcer
	vouchers       voucher.Policy
	limiter        ratelimit.Limiter
	logger         *zap.Logger
	now            func() time.Time
	newCode        func(tier string, issued time.Time) (string, error)
	txTimeout      time.Duration
	idempotencyTTL time.Duration
}

// NewService создаёт сервис поверх репозитория и ограничителя частоты.
func NewService(repo Repository, limiter ratelimit.Limiter, logger *zap.Logger, opts Options) *Service {
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = 15 * time.Second
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:           repo,
		engine:         reward.NewEngine(opts.Rewards),
		caps:           caps.NewEnforcer(opts.Limits, opts.Location),
		vouchers:       opts.Vouchers,
		limiter:        limiter,
		logger:         logger,
		now:            time.Now,
		newCode:        voucher.NewCode,
		txTimeout:      opts.TxTimeout,
		idempotencyTTL: opts.IdempotencyTTL,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Ping проверяет доступность хранилища.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// GrantRequest описывает запрос на начисление лепестков.
type GrantRequest struct {
	Owner          model.OwnerRef
	Amount         int64
	Reason         string
	Metadata       map[string]any
	IdempotencyKey string
}

// GrantResult описывает результат начисления.
type GrantResult struct {
	Success         bool   `json:"success"`
	Granted         int64  `json:"granted"`
	NewBalance      int64  `json:"newBalance"`
	LifetimeEarned  int64  `json:"lifetimeEarned"`
	DailyCapReached bool   `json:"dailyCapReached"`
	Remaining       int64  `json:"remaining"`
	Replayed        bool   `json:"replayed,omitempty"`
	Error           string `json:"error,omitempty"`
}

// SpendRequest описывает запрос на списание лепестков.
type SpendRequest struct {
	Owner          model.OwnerRef
	Amount         int64
	Reason         string
	Metadata       map[string]any
	IdempotencyKey string
}

// SpendResult описывает результат списания.
type SpendResult struct {
	Success    bool   `json:"success"`
	Spent      int64  `json:"spent"`
	NewBalance int64  `json:"newBalance"`
	Replayed   bool   `json:"replayed,omitempty"`
	Error      string `json:"error,omitempty"`
}

func validateMovement(owner model.OwnerRef, amount int64, reason, key string) (string, error) {
	switch {
	case !owner.Valid():
		return CodeInvalidRequest, ErrInvalidOwner
	case amount <= 0:
		return CodeInvalidAmount, ErrInvalidAmount
	case reason == "":
		return CodeInvalidRequest, ErrInvalidReason
	case key != "" && !validation.IsValidIdempotencyKey(key):
		return CodeInvalidRequest, ErrInvalidIdempotencyKey
	}
	return "", nil
}

// Grant является единственной точкой входа лепестков на баланс. Лимит применяется внутри той же
// транзакции, что и запись в журнал, поэтому параллельные начисления не превышают потолок.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (GrantResult, error) {
	if code, err := validateMovement(req.Owner, req.Amount, req.Reason, req.IdempotencyKey); err != nil {
		metrics.Rejections.WithLabelValues(opGrant, code).Inc()
		return GrantResult{Error: code}, err
	}

	ctx, cancel := s.detach(ctx)
	defer cancel()

	var res GrantResult
	err := s.repo.InTx(ctx, []model.OwnerRef{req.Owner}, func(tx repository.Tx) error {
		res = GrantResult{}

		replayed, err := s.replay(ctx, tx, req.Owner, req.IdempotencyKey, opGrant, &res)
		if err != nil || replayed {
			res.Replayed = replayed
			return err
		}

		now := s.now()
		decision, err := s.caps.Apply(ctx, tx, req.Owner, req.Amount, now)
		if err != nil {
			return err
		}

		if decision.Granted == 0 {
			bal, err := tx.Balance(ctx, req.Owner)
			if err != nil {
				return fmt.Errorf("read balance: %w", err)
			}
			res = GrantResult{
				NewBalance:      bal.Current,
				LifetimeEarned:  bal.LifetimeEarned,
				DailyCapReached: true,
				Error:           CodeDailyCapReached,
			}
			return nil
		}

		bal, err := s.credit(ctx, tx, req.Owner, decision.Granted, req.Reason, req.Metadata, now)
		if err != nil {
			return err
		}
		if err := tx.AddDailyEarned(ctx, req.Owner, decision.Day, decision.Granted); err != nil {
			return err
		}

		res = GrantResult{
			Success:         true,
			Granted:         decision.Granted,
			NewBalance:      bal.Current,
			LifetimeEarned:  bal.LifetimeEarned,
			DailyCapReached: decision.Capped || decision.Remaining == 0,
			Remaining:       decision.Remaining,
		}
		return s.remember(ctx, tx, req.Owner, req.IdempotencyKey, opGrant, res)
	})
	if err != nil {
		return s.grantFailure(err, req)
	}

	switch {
	case res.Replayed:
	case res.Success:
		metrics.PetalsGranted.WithLabelValues(req.Reason).Add(float64(res.Granted))
	default:
		metrics.Rejections.WithLabelValues(opGrant, res.Error).Inc()
	}

	return res, nil
}

func (s *Service) grantFailure(err error, req GrantRequest) (GrantResult, error) {
	if errors.Is(err, ErrIdempotencyConflict) {
		return GrantResult{Error: CodeIdempotencyConflict}, err
	}
	s.logger.Error("grant petals failed",
		zap.Error(err),
		zap.String("owner", req.Owner.String()),
		zap.Int64("amount", req.Amount),
		zap.String("reason", req.Reason),
	)
	return GrantResult{Error: CodeInternal}, err
}

// Spend списывает лепестки, если их достаточно на балансе.
func (s *Service) Spend(ctx context.Context, req SpendRequest) (SpendResult, error) {
	code, err := validateMovement(req.Owner, req.Amount, req.Reason, req.IdempotencyKey)
	if err == nil && !model.IsSpendReason(req.Reason) {
		code, err = CodeInvalidRequest, ErrInvalidReason
	}
	if err != nil {
		metrics.Rejections.WithLabelValues(opSpend, code).Inc()
		return SpendResult{Error: code}, err
	}

	ctx, cancel := s.detach(ctx)
	defer cancel()

	var res SpendResult
	err = s.repo.InTx(ctx, []model.OwnerRef{req.Owner}, func(tx repository.Tx) error {
		res = SpendResult{}

		replayed, err := s.replay(ctx, tx, req.Owner, req.IdempotencyKey, opSpend, &res)
		if err != nil || replayed {
			res.Replayed = replayed
			return err
		}

		bal, err := tx.Balance(ctx, req.Owner)
		if err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		if bal.Current < req.Amount {
			res = SpendResult{NewBalance: bal.Current, Error: CodeInsufficientBalance}
			return nil
		}

		bal, err = s.debit(ctx, tx, req.Owner, req.Amount, req.Reason, req.Metadata, s.now())
		if err != nil {
			return err
		}

		res = SpendResult{Success: true, Spent: req.Amount, NewBalance: bal.Current}
		return s.remember(ctx, tx, req.Owner, req.IdempotencyKey, opSpend, res)
	})
	if err != nil {
		if errors.Is(err, ErrIdempotencyConflict) {
			return SpendResult{Error: CodeIdempotencyConflict}, err
		}
		s.logger.Error("spend petals failed",
			zap.Error(err),
			zap.String("owner", req.Owner.String()),
			zap.Int64("amount", req.Amount),
			zap.String("reason", req.Reason),
		)
		return SpendResult{Error: CodeInternal}, err
	}

	switch {
	case res.Replayed:
	case res.Success:
		metrics.PetalsSpent.WithLabelValues(req.Reason).Add(float64(res.Spent))
	default:
		metrics.Rejections.WithLabelValues(opSpend, res.Error).Inc()
	}

	return res, nil
}

// credit записывает начисление в журнал и увеличивает баланс в рамках tx.
func (s *Service) credit(ctx context.Context, tx repository.Tx, owner model.OwnerRef, amount int64, reason string, metadata map[string]any, at time.Time) (model.Balance, error) {
	err := tx.AppendEntry(ctx, model.LedgerEntry{
		ID:        uuid.New(),
		Owner:     owner,
		Direction: model.DirectionEarn,
		Amount:    amount,
		Reason:    reason,
		Metadata:  metadata,
		CreatedAt: at,
	})
	if err != nil {
		return model.Balance{}, err
	}
	return tx.AdjustBalance(ctx, owner, amount, amount)
}

// debit записывает списание в журнал и уменьшает баланс в рамках tx.
func (s *Service) debit(ctx context.Context, tx repository.Tx, owner model.OwnerRef, amount int64, reason string, metadata map[string]any, at time.Time) (model.Balance, error) {
	err := tx.AppendEntry(ctx, model.LedgerEntry{
		ID:        uuid.New(),
		Owner:     owner,
		Direction: model.DirectionSpend,
		Amount:    amount,
		Reason:    reason,
		Metadata:  metadata,
		CreatedAt: at,
	})
	if err != nil {
		return model.Balance{}, err
	}
	return tx.AdjustBalance(ctx, owner, -amount, 0)
}

// detach отвязывает транзакцию от отмены запроса: начатая единица работы
// завершается коммитом или откатом, а не обрывается на середине.
func (s *Service) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.txTimeout)
}

func (s *Service) replay(ctx context.Context, tx repository.Tx, owner model.OwnerRef, key, op string, out any) (bool, error) {
	if key == "" {
		return false, nil
	}

	rec, err := tx.IdempotencyRecord(ctx, owner, key)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	if rec.Operation != op {
		return false, fmt.Errorf("%w: %q", ErrIdempotencyConflict, key)
	}

	if err := json.Unmarshal(rec.Response, out); err != nil {
		return false, fmt.Errorf("decode idempotency record: %w", err)
	}
	metrics.IdempotentReplays.WithLabelValues(op).Inc()
	return true, nil
}

func (s *Service) remember(ctx context.Context, tx repository.Tx, owner model.OwnerRef, key, op string, result any) error {
	if key == "" {
		return nil
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	return tx.SaveIdempotencyRecord(ctx, owner, key, repository.IdempotencyRecord{
		Operation: op,
		Response:  payload,
		CreatedAt: s.now(),
	})
}

// Balance возвращает текущий баланс владельца.
func (s *Service) Balance(ctx context.Context, owner model.OwnerRef) (model.Balance, error) {
	if !owner.Valid() {
		return model.Balance{}, ErrInvalidOwner
	}
	return s.repo.GetBalance(ctx, owner)
}

// Ledger возвращает последние записи журнала владельца.
func (s *Service) Ledger(ctx context.Context, owner model.OwnerRef, limit int) ([]model.LedgerEntry, error) {
	if !owner.Valid() {
		return nil, ErrInvalidOwner
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListEntries(ctx, owner, limit)
}

// PurgeIdempotencyRecords удаляет ключи идемпотентности старше настроенного TTL.
func (s *Service) PurgeIdempotencyRecords(ctx context.Context) (int64, error) {
	return s.repo.PurgeIdempotencyRecords(ctx, s.now().Add(-s.idempotencyTTL))
}
