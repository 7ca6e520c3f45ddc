// Package handler содержит HTTP-обработчики API лепестковой экономики.
package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/otakumori/petal-economy/internal/middleware"
	"github.com/otakumori/petal-economy/internal/model"
	"github.com/otakumori/petal-economy/internal/repository"
	"github.com/otakumori/petal-economy/internal/reward"
	"github.com/otakumori/petal-economy/internal/service"
	"github.com/otakumori/petal-economy/internal/validation"
)

const (
	maxBodyBytes         = 64 << 10
	idempotencyKeyHeader = "Idempotency-Key"

	codeUnauthorized = "unauthorized"
	codeBadJSON      = "invalid_json"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Balance(ctx context.Context, owner model.OwnerRef) (model.Balance, error)
	Ledger(ctx context.Context, owner model.OwnerRef, limit int) ([]model.LedgerEntry, error)
	Vouchers(ctx context.Context, owner model.OwnerRef) ([]model.Voucher, error)
	Reward(ctx context.Context, req service.RewardRequest) (service.GrantResult, error)
	CollectPetal(ctx context.Context, owner model.OwnerRef, identity, idempotencyKey string) (service.GrantResult, error)
	Spend(ctx context.Context, req service.SpendRequest) (service.SpendResult, error)
	PurchaseVoucher(ctx context.Context, req service.VoucherRequest) (service.VoucherResult, error)
	MigrateGuest(ctx context.Context, guestID, userID string) (service.MigrationResult, error)
	StartGuestSession(ctx context.Context) (model.GuestSession, error)
	TouchGuestSession(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// Handler реализует HTTP-обработчики API лепестковой экономики.
type Handler struct {
	service         Service
	logger          *zap.Logger
	authMiddleware  *middleware.AuthMiddleware
	storefrontToken string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// storefrontToken открывает маршрут наград за покупки; пустой токен его закрывает.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, storefrontToken string) *Handler {
	return &Handler{
		service:         s,
		logger:          logger,
		authMiddleware:  auth,
		storefrontToken: storefrontToken,
	}
}

type envelope struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func statusFor(code string) int {
	switch code {
	case "":
		return http.StatusOK
	case service.CodeDailyCapReached, service.CodeMonthlyLimit, service.CodeTierUnavailable:
		return http.StatusConflict
	case service.CodeInsufficientBalance:
		return http.StatusPaymentRequired
	case service.CodeRateLimited:
		return http.StatusTooManyRequests
	case service.CodeIdempotencyConflict:
		return http.StatusUnprocessableEntity
	case service.CodeInvalidAmount, service.CodeInvalidRequest, service.CodeUnknownTier,
		service.CodeFeatureDisabled, service.CodeNoReward, codeBadJSON:
		return http.StatusBadRequest
	case codeUnauthorized:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// writeOutcome отдаёт результат операции. Бизнес-отказы возвращаются вместе с данными,
// внутренние ошибки только кодом.
func writeOutcome(w http.ResponseWriter, data any, success bool, code string) {
	if code == service.CodeInternal {
		data = nil
	}
	writeJSON(w, statusFor(code), envelope{OK: success, Data: data, Error: code})
}

func writeError(w http.ResponseWriter, code string) {
	writeJSON(w, statusFor(code), envelope{Error: code})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, codeBadJSON)
		return false
	}
	return true
}

// owner возвращает пользователя, а при его отсутствии гостя из подписанной cookie.
func owner(r *http.Request) (model.OwnerRef, bool) {
	if userID, ok := middleware.GetUserIDFromContext(r.Context()); ok {
		return model.UserRef(userID), true
	}
	if guestID, ok := middleware.GetGuestIDFromContext(r.Context()); ok && validation.IsValidGuestSessionID(guestID) {
		return model.GuestRef(guestID), true
	}
	return model.OwnerRef{}, false
}

func (h *Handler) requireOwner(w http.ResponseWriter, r *http.Request) (model.OwnerRef, bool) {
	o, ok := owner(r)
	if !ok {
		writeError(w, codeUnauthorized)
	}
	return o, ok
}

// rateIdentity возвращает ключ ограничителя частоты: пользователя или адрес гостя.
func rateIdentity(r *http.Request, o model.OwnerRef) string {
	if !o.IsGuest() {
		return o.String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return o.String()
	}
	return "ip:" + host
}

// Health проверяет доступность хранилища.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.service.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, envelope{Error: "storage_unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true})
}

type guestSessionResponse struct {
	GuestID string `json:"guestId"`
}

// StartGuestSession выдаёт гостевую сессию. Уже существующая сессия продлевается.
func (h *Handler) StartGuestSession(w http.ResponseWriter, r *http.Request) {
	if guestID, ok := middleware.GetGuestIDFromContext(r.Context()); ok {
		err := h.service.TouchGuestSession(r.Context(), guestID)
		if err == nil {
			writeJSON(w, http.StatusOK, envelope{OK: true, Data: guestSessionResponse{GuestID: guestID}})
			return
		}
		if !errors.Is(err, repository.ErrNotFound) && !errors.Is(err, service.ErrInvalidOwner) {
			h.logger.Error("touch guest session error", zap.Error(err), zap.String("guest", guestID))
			writeError(w, service.CodeInternal)
			return
		}
	}

	gs, err := h.service.StartGuestSession(r.Context())
	if err != nil {
		h.logger.Error("start guest session error", zap.Error(err))
		writeError(w, service.CodeInternal)
		return
	}

	h.authMiddleware.SetGuestCookie(w, gs.ID)
	writeJSON(w, http.StatusCreated, envelope{OK: true, Data: guestSessionResponse{GuestID: gs.ID}})
}

// GetBalance возвращает баланс текущего владельца.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	o, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	bal, err := h.service.Balance(r.Context(), o)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.String("owner", o.String()))
		writeError(w, service.CodeInternal)
		return
	}

	writeJSON(w, http.StatusOK, envelope{OK: true, Data: bal})
}

type ledgerEntryResponse struct {
	ID        string         `json:"id"`
	Direction string         `json:"direction"`
	Amount    int64          `json:"amount"`
	Reason    string         `json:"reason"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"createdAt"`
}

// GetLedger возвращает последние движения лепестков текущего владельца.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	o, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, service.CodeInvalidRequest)
			return
		}
		limit = n
	}

	entries, err := h.service.Ledger(r.Context(), o, limit)
	if err != nil {
		h.logger.Error("get ledger error", zap.Error(err), zap.String("owner", o.String()))
		writeError(w, service.CodeInternal)
		return
	}

	resp := make([]ledgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, ledgerEntryResponse{
			ID:        e.ID.String(),
			Direction: string(e.Direction),
			Amount:    e.Amount,
			Reason:    e.Reason,
			Metadata:  e.Metadata,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, envelope{OK: true, Data: resp})
}

// CollectPetal начисляет лепесток за клик по дереву.
func (h *Handler) CollectPetal(w http.ResponseWriter, r *http.Request) {
	o, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	res, err := h.service.CollectPetal(r.Context(), o, rateIdentity(r, o), r.Header.Get(idempotencyKeyHeader))
	if err != nil && res.Error == "" {
		res.Error = service.CodeInternal
	}
	writeOutcome(w, res, res.Success, res.Error)
}

type gameCompleteRequest struct {
	Score      int64  `json:"score"`
	Difficulty string `json:"difficulty"`
	Won        *bool  `json:"won"`
	StreakDays int    `json:"streakDays"`
}

// CompleteGame начисляет награду за завершённую мини-игру.
func (h *Handler) CompleteGame(w http.ResponseWriter, r *http.Request) {
	o, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	var req gameCompleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Score < 0 || req.StreakDays < 0 {
		writeError(w, service.CodeInvalidRequest)
		return
	}

	metadata := map[string]any{
		"score":      req.Score,
		"difficulty": req.Difficulty,
	}
	if req.Won != nil {
		metadata["won"] = *req.Won
	}

	gameID := chi.URLParam(r, "gameID")
	res, err := h.service.Reward(r.Context(), service.RewardRequest{
		Owner: o,
		Event: reward.GameEvent(gameID),
		Context: reward.Context{
			Score:      req.Score,
			Difficulty: req.Difficulty,
			Lost:       req.Won != nil && !*req.Won,
			StreakDays: req.StreakDays,
		},
		Metadata: metadata,
		IdempotencyKey: r.Header.Get(idempotencyKeyHeader),
	})
	if err != nil && res.Error == "" {
		res.Error = service.CodeInternal
	}
	writeOutcome(w, res, res.Success, res.Error)
}

type questClaimRequest struct {
	StreakDays int `json:"streakDays"`
}

// ClaimQuest начисляет награду за выполненный квест.
func (h *Handler) ClaimQuest(w http.ResponseWriter, r *http.Request) {
	o, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	var req questClaimRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.service.Reward(r.Context(), service.RewardRequest{
		Owner:          o,
		Event:          reward.QuestEvent(chi.URLParam(r, "questKey")),
		Context:        reward.Context{StreakDays: req.StreakDays},
		IdempotencyKey: r.Header.Get(idempotencyKeyHeader),
	})
	if err != nil && res.Error == "" {
		res.Error = service.CodeInternal
	}
	writeOutcome(w, res, res.Success, res.Error)
}

type purchaseRewardRequest struct {
	UserID      string `json:"userId"`
	OrderID     string `json:"orderId"`
	AmountCents int64  `json:"amountCents"`
}

// orderKey выводит ключ идемпотентности из идентификатора заказа любого формата.
func orderKey(orderID string) string {
	sum := sha256.Sum256([]byte(orderID))
	return "order_" + hex.EncodeToString(sum[:16])
}

// PurchaseReward начисляет лепестки за оплаченный заказ по вызову магазина.
// Ключом идемпотентности служит хеш идентификатора заказа, если заголовок не передан.
func (h *Handler) PurchaseReward(w http.ResponseWriter, r *http.Request) {
	var req purchaseRewardRequest
	if !decodeBody(w, r, &req) {
		return
	}
	o := model.UserRef(req.UserID)
	if !o.Valid() || req.OrderID == "" || req.AmountCents <= 0 {
		writeError(w, service.CodeInvalidRequest)
		return
	}

	key := r.Header.Get(idempotencyKeyHeader)
	if key == "" {
		key = orderKey(req.OrderID)
	}

	res, err := h.service.Reward(r.Context(), service.RewardRequest{
		Owner:          o,
		Event:          reward.PurchaseEvent(),
		Context:        reward.Context{AmountCents: req.AmountCents},
		Metadata:       map[string]any{"orderId": req.OrderID, "amountCents": req.AmountCents},
		IdempotencyKey: key,
	})
	if err != nil && res.Error == "" {
		res.Error = service.CodeInternal
	}
	writeOutcome(w, res, res.Success, res.Error)
}

type spendRequest struct {
	Amount   int64          `json:"amount"`
	Reason   string         `json:"reason"`
	Metadata map[string]any `json:"metadata"`
}

// Spend списывает лепестки текущего владельца.
func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	o, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	var req spendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = model.ReasonGameUnlock
	}

	res, err := h.service.Spend(r.Context(), service.SpendRequest{
		Owner:          o,
		Amount:         req.Amount,
		Reason:         req.Reason,
		Metadata:       req.Metadata,
		IdempotencyKey: r.Header.Get(idempotencyKeyHeader),
	})
	if err != nil && res.Error == "" {
		res.Error = service.CodeInternal
	}
	writeOutcome(w, res, res.Success, res.Error)
}

type voucherRequest struct {
	Tier string `json:"tier"`
}

// PurchaseVoucher покупает скидочный купон за лепестки.
func (h *Handler) PurchaseVoucher(w http.ResponseWriter, r *http.Request) {
	o, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	var req voucherRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Tier == "" {
		writeError(w, service.CodeInvalidRequest)
		return
	}

	res, err := h.service.PurchaseVoucher(r.Context(), service.VoucherRequest{
		Owner:          o,
		Tier:           req.Tier,
		IdempotencyKey: r.Header.Get(idempotencyKeyHeader),
	})
	if err != nil && res.Error == "" {
		res.Error = service.CodeInternal
	}
	writeOutcome(w, res, res.Success, res.Error)
}

type voucherResponse struct {
	Code       string  `json:"code"`
	Tier       string  `json:"tier"`
	PercentOff int     `json:"percentOff"`
	CostPetals int64   `json:"costPetals"`
	CreatedAt  string  `json:"createdAt"`
	ExpiresAt  string  `json:"expiresAt"`
	RedeemedAt *string `json:"redeemedAt,omitempty"`
}

// GetVouchers возвращает купоны текущего владельца.
func (h *Handler) GetVouchers(w http.ResponseWriter, r *http.Request) {
	o, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	vouchers, err := h.service.Vouchers(r.Context(), o)
	if err != nil {
		h.logger.Error("get vouchers error", zap.Error(err), zap.String("owner", o.String()))
		writeError(w, service.CodeInternal)
		return
	}

	resp := make([]voucherResponse, 0, len(vouchers))
	for _, v := range vouchers {
		item := voucherResponse{
			Code:       v.Code,
			Tier:       v.Tier,
			PercentOff: v.PercentOff,
			CostPetals: v.CostPetals,
			CreatedAt:  v.CreatedAt.Format(time.RFC3339),
			ExpiresAt:  v.ExpiresAt.Format(time.RFC3339),
		}
		if v.RedeemedAt != nil {
			s := v.RedeemedAt.Format(time.RFC3339)
			item.RedeemedAt = &s
		}
		resp = append(resp, item)
	}

	writeJSON(w, http.StatusOK, envelope{OK: true, Data: resp})
}

// MergeGuest переносит баланс гостевой сессии на вошедшего пользователя.
func (h *Handler) MergeGuest(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, codeUnauthorized)
		return
	}
	guestID, ok := middleware.GetGuestIDFromContext(r.Context())
	if !ok {
		writeError(w, service.CodeInvalidRequest)
		return
	}

	res, err := h.service.MigrateGuest(r.Context(), guestID, userID)
	if err != nil && res.Error == "" {
		res.Error = service.CodeInternal
	}
	if res.Success {
		h.authMiddleware.ClearGuestCookie(w)
	}
	writeOutcome(w, res, res.Success, res.Error)
}
