package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

// StorefrontTokenHeader содержит общий секрет магазина для межсервисных вызовов.
const StorefrontTokenHeader = "X-Storefront-Token"

type denial struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func deny(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(denial{Error: code})
}

// RequireStorefront пропускает только вызовы магазина с верным токеном.
// При пустом токене маршрут закрыт для всех.
func RequireStorefront(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(StorefrontTokenHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				deny(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
