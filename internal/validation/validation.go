// Package validation содержит функции валидации входных данных.
package validation

import "github.com/google/uuid"

const (
	minIdempotencyKeyLen = 8
	maxIdempotencyKeyLen = 64
)

// IsValidGuestSessionID проверяет, что идентификатор гостевой сессии является UUID v4.
func IsValidGuestSessionID(id string) bool {
	if len(id) != 36 {
		return false
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return u.Version() == 4 && u.Variant() == uuid.RFC4122
}

// IsValidIdempotencyKey проверяет длину ключа и допустимые символы: латиница, цифры, '-' и '_'.
func IsValidIdempotencyKey(key string) bool {
	if len(key) < minIdempotencyKeyLen || len(key) > maxIdempotencyKeyLen {
		return false
	}

	for i := 0; i < len(key); i++ {
		ch := key[i]
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == '-' || ch == '_':
		default:
			return false
		}
	}

	return true
}
