// Package middleware содержит HTTP middleware сервиса лепестковой экономики.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

type contextKey string

const (
	userIDKey  contextKey = "userID"
	guestIDKey contextKey = "guestID"
)

const (
	authCookieName  = "om_auth"
	guestCookieName = "om_guest"
	authCookieTTL   = 365 * 24 * time.Hour
	guestCookieTTL  = 90 * 24 * time.Hour
)

// AuthMiddleware определяет владельца запроса по подписанным cookie:
// пользователя по cookie авторизации и гостя по cookie гостевой сессии.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
// Пустой секрет заменяется случайным: подписанные cookie не переживут перезапуск.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Identify добавляет в контекст идентификаторы пользователя и гостя, если cookie валидны.
// Запросы без cookie пропускаются дальше.
func (a *AuthMiddleware) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if c, err := r.Cookie(authCookieName); err == nil {
			if userID, ok := a.verify("user", c.Value); ok {
				ctx = context.WithValue(ctx, userIDKey, userID)
			}
		}
		if c, err := r.Cookie(guestCookieName); err == nil {
			if guestID, ok := a.verify("guest", c.Value); ok {
				ctx = context.WithValue(ctx, guestIDKey, guestID)
			}
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireUser пропускает только запросы с валидной cookie авторизации.
func (a *AuthMiddleware) RequireUser(next http.Handler) http.Handler {
	return a.Identify(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := GetUserIDFromContext(r.Context()); !ok {
			deny(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

// SetAuthCookie устанавливает cookie авторизации для указанного пользователя.
// Это контракт со службой входа: она выдаёт cookie тем же секретом AUTH_SECRET,
// а сервис лепестков их только проверяет.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, userID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    a.sign("user", userID),
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// SetGuestCookie устанавливает cookie гостевой сессии.
func (a *AuthMiddleware) SetGuestCookie(w http.ResponseWriter, guestID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     guestCookieName,
		Value:    a.sign("guest", guestID),
		Path:     "/",
		Expires:  time.Now().Add(guestCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearGuestCookie удаляет cookie гостевой сессии.
func (a *AuthMiddleware) ClearGuestCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     guestCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// sign подписывает идентификатор вместе с его классом, чтобы гостевую подпись
// нельзя было предъявить как пользовательскую.
func (a *AuthMiddleware) sign(kind, id string) string {
	return id + "." + hex.EncodeToString(a.mac(kind, id))
}

func (a *AuthMiddleware) mac(kind, id string) []byte {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(kind + ":" + id))
	return mac.Sum(nil)
}

func (a *AuthMiddleware) verify(kind, value string) (string, bool) {
	idx := strings.LastIndexByte(value, '.')
	if idx <= 0 {
		return "", false
	}

	id := value[:idx]
	signature, err := hex.DecodeString(value[idx+1:])
	if err != nil {
		return "", false
	}

	if !hmac.Equal(signature, a.mac(kind, id)) {
		return "", false
	}
	return id, true
}

// GetUserIDFromContext извлекает идентификатор пользователя из контекста запроса.
func GetUserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// GetGuestIDFromContext извлекает идентификатор гостевой сессии из контекста запроса.
func GetGuestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(guestIDKey).(string)
	return id, ok && id != ""
}
