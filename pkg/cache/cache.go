package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrCacheMiss = errors.New("cache: key not found")

// EscapePattern quotes glob metacharacters so a literal string can be
// embedded in a DeleteByPattern or Entries pattern and match only itself.
func EscapePattern(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EntryInfo is the inspectable shape of one cache entry, exposed for
// operational visibility.
type EntryInfo struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store is the cache backend contract. Values are JSON-marshaled on Set and
// unmarshaled into dest on Get, so every backend returns the same bytes for
// the same stored value.
type Store interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, keys ...string) error
	// DeleteByPattern removes every key matching a redis-style glob,
	// e.g. "forecast:Borno:*".
	DeleteByPattern(ctx context.Context, pattern string) error
	// Entries lists live entries matching the pattern.
	Entries(ctx context.Context, pattern string) ([]EntryInfo, error)
	Close() error
}
