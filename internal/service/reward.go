package service

import (
	"context"
	"maps"

	"github.com/otakumori/petal-economy/internal/metrics"
	"github.com/otakumori/petal-economy/internal/model"
	"github.com/otakumori/petal-economy/internal/reward"
)

// RewardRequest описывает событие, за которое движок наград рассчитывает лепестки.
type RewardRequest struct {
	Owner          model.OwnerRef
	Event          reward.EventKind
	Context        reward.Context
	Metadata       map[string]any
	IdempotencyKey string
}

func reasonFor(c reward.Category) string {
	switch c {
	case reward.CategoryGame:
		return model.ReasonGameReward
	case reward.CategoryQuest:
		return model.ReasonQuestReward
	case reward.CategoryClick:
		return model.ReasonTreePetalClick
	case reward.CategoryPurchase:
		return model.ReasonPurchaseReward
	}
	return ""
}

// Reward рассчитывает награду за событие и начисляет её через Grant.
// Событие без награды (неизвестная игра, нулевой расчёт) ничего не пишет.
func (s *Service) Reward(ctx context.Context, req RewardRequest) (GrantResult, error) {
	reason := reasonFor(req.Event.Category)
	amount := s.engine.Compute(req.Event, req.Context)
	if reason == "" || amount <= 0 {
		metrics.Rejections.WithLabelValues(opGrant, CodeNoReward).Inc()
		return GrantResult{Error: CodeNoReward}, nil
	}

	metadata := make(map[string]any, len(req.Metadata)+2)
	maps.Copy(metadata, req.Metadata)
	if req.Event.ID != "" {
		metadata["event"] = req.Event.ID
	}
	metadata["computed"] = amount

	return s.Grant(ctx, GrantRequest{
		Owner:          req.Owner,
		Amount:         amount,
		Reason:         reason,
		Metadata:       metadata,
		IdempotencyKey: req.IdempotencyKey,
	})
}

// CollectPetal начисляет лепесток за клик по дереву. Перед начислением
// действие проходит через ограничитель частоты по identity.
func (s *Service) CollectPetal(ctx context.Context, owner model.OwnerRef, identity, idempotencyKey string) (GrantResult, error) {
	if identity == "" {
		identity = owner.String()
	}
	if s.limiter != nil && s.limiter.IsRateLimited(ctx, identity) {
		metrics.Rejections.WithLabelValues(opGrant, CodeRateLimited).Inc()
		return GrantResult{Error: CodeRateLimited}, ErrRateLimited
	}

	return s.Reward(ctx, RewardRequest{
		Owner:          owner,
		Event:          reward.ClickEvent(),
		IdempotencyKey: idempotencyKey,
	})
}
