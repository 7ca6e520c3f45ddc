package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/otakumori/petal-economy/internal/metrics"
	"github.com/otakumori/petal-economy/internal/model"
	"github.com/otakumori/petal-economy/internal/repository"
	"github.com/otakumori/petal-economy/internal/validation"
	"github.com/otakumori/petal-economy/internal/voucher"
)

const voucherCodeAttempts = 5

// VoucherRequest описывает запрос на покупку купона за лепестки.
type VoucherRequest struct {
	Owner          model.OwnerRef
	Tier           string
	IdempotencyKey string
}

// VoucherResult описывает результат покупки купона.
type VoucherResult struct {
	Success    bool      `json:"success"`
	Code       string    `json:"voucherCode,omitempty"`
	Tier       string    `json:"tier,omitempty"`
	PercentOff int       `json:"percentOff,omitempty"`
	CostPetals int64     `json:"costPetals,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt,omitzero"`
	NewBalance int64     `json:"newBalance"`
	Replayed   bool      `json:"replayed,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// PurchaseVoucher списывает стоимость тарифа и выпускает купон в одной транзакции:
// либо появляются и списание, и купон, либо ничего.
func (s *Service) PurchaseVoucher(ctx context.Context, req VoucherRequest) (VoucherResult, error) {
	if !req.Owner.Valid() {
		return VoucherResult{Error: CodeInvalidRequest}, ErrInvalidOwner
	}
	if req.IdempotencyKey != "" && !validation.IsValidIdempotencyKey(req.IdempotencyKey) {
		return VoucherResult{Error: CodeInvalidRequest}, ErrInvalidIdempotencyKey
	}

	tier, err := s.vouchers.Lookup(req.Tier)
	if err != nil {
		code := CodeUnknownTier
		switch {
		case errors.Is(err, voucher.ErrDisabled):
			code = CodeFeatureDisabled
		case errors.Is(err, voucher.ErrPercentTooHigh):
			code = CodeTierUnavailable
		}
		metrics.Rejections.WithLabelValues(opVoucher, code).Inc()
		return VoucherResult{Error: code}, err
	}

	ctx, cancel := s.detach(ctx)
	defer cancel()

	var res VoucherResult
	err = s.repo.InTx(ctx, []model.OwnerRef{req.Owner}, func(tx repository.Tx) error {
		res = VoucherResult{}

		replayed, err := s.replay(ctx, tx, req.Owner, req.IdempotencyKey, opVoucher, &res)
		if err != nil || replayed {
			res.Replayed = replayed
			return err
		}

		now := s.now()

		if s.vouchers.MaxPerMonth > 0 {
			since := model.MonthStart(now, s.caps.Location())
			n, err := tx.CountUnredeemedVouchers(ctx, req.Owner, since)
			if err != nil {
				return fmt.Errorf("count vouchers: %w", err)
			}
			if n >= s.vouchers.MaxPerMonth {
				res = VoucherResult{Error: CodeMonthlyLimit}
				return nil
			}
		}

		bal, err := tx.Balance(ctx, req.Owner)
		if err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		if bal.Current < tier.CostPetals {
			res = VoucherResult{NewBalance: bal.Current, Error: CodeInsufficientBalance}
			return nil
		}

		v, err := s.issueVoucher(ctx, tx, req, tier, now)
		if err != nil {
			return err
		}

		bal, err = s.debit(ctx, tx, req.Owner, tier.CostPetals, model.ReasonVoucherPurchase, map[string]any{
			"tier":       req.Tier,
			"code":       v.Code,
			"percentOff": tier.PercentOff,
		}, now)
		if err != nil {
			return err
		}

		res = VoucherResult{
			Success:    true,
			Code:       v.Code,
			Tier:       v.Tier,
			PercentOff: v.PercentOff,
			CostPetals: v.CostPetals,
			ExpiresAt:  v.ExpiresAt,
			NewBalance: bal.Current,
		}
		return s.remember(ctx, tx, req.Owner, req.IdempotencyKey, opVoucher, res)
	})
	if err != nil {
		if errors.Is(err, ErrIdempotencyConflict) {
			return VoucherResult{Error: CodeIdempotencyConflict}, err
		}
		s.logger.Error("purchase voucher failed",
			zap.Error(err),
			zap.String("owner", req.Owner.String()),
			zap.String("tier", req.Tier),
			zap.Int64("cost", tier.CostPetals),
		)
		return VoucherResult{Error: CodeInternal}, err
	}

	switch {
	case res.Replayed:
	case res.Success:
		metrics.VouchersIssued.WithLabelValues(res.Tier).Inc()
		metrics.PetalsSpent.WithLabelValues(model.ReasonVoucherPurchase).Add(float64(res.CostPetals))
	default:
		metrics.Rejections.WithLabelValues(opVoucher, res.Error).Inc()
	}

	return res, nil
}

// issueVoucher сохраняет купон с новым кодом, перегенерируя код при коллизии.
func (s *Service) issueVoucher(ctx context.Context, tx repository.Tx, req VoucherRequest, tier voucher.Tier, now time.Time) (model.Voucher, error) {
	v := model.Voucher{
		ID:         uuid.New(),
		Owner:      req.Owner,
		Tier:       req.Tier,
		PercentOff: tier.PercentOff,
		CostPetals: tier.CostPetals,
		CreatedAt:  now,
		ExpiresAt:  s.vouchers.ExpiresAt(now),
	}

	var err error
	for range voucherCodeAttempts {
		v.Code, err = s.newCode(req.Tier, now)
		if err != nil {
			return model.Voucher{}, err
		}
		err = tx.InsertVoucher(ctx, v)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, repository.ErrDuplicateVoucherCode) {
			return model.Voucher{}, err
		}
		s.logger.Warn("voucher code collision", zap.String("code", v.Code))
	}
	return model.Voucher{}, err
}

// Vouchers возвращает купоны владельца.
func (s *Service) Vouchers(ctx context.Context, owner model.OwnerRef) ([]model.Voucher, error) {
	if !owner.Valid() {
		return nil, ErrInvalidOwner
	}
	return s.repo.ListVouchers(ctx, owner)
}
