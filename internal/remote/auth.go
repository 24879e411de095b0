package remote

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
)

// Credential carriers. The query parameter exists for the event-feed
// handshake, where browser clients cannot set custom headers before the
// upgrade completes.
const (
	HeaderAPIKey = "X-API-Key"
	QueryAPIKey  = "api_key"
)

var (
	// ErrKeysNotConfigured means the credential source was absent or blank.
	ErrKeysNotConfigured = errors.New("remote API keys not configured")
	// ErrNoUsableKeys means the source contained no non-blank entries.
	ErrNoUsableKeys = errors.New("remote API keys contain no usable entries")
)

// Keyring holds the set of valid API keys. It is fail-closed: every
// validation fails until LoadKeys succeeds. Multiple comma-separated
// keys may be valid at once to support zero-downtime rotation.
type Keyring struct {
	mu     sync.RWMutex
	keys   []string
	loaded bool
}

// NewKeyring returns an unloaded Keyring.
func NewKeyring() *Keyring { return &Keyring{} }

// LoadKeys splits the comma-separated source, trims entries, and drops
// blanks. It replaces any previously loaded set.
func (k *Keyring) LoadKeys(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return ErrKeysNotConfigured
	}
	var keys []string
	for _, entry := range strings.Split(raw, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			keys = append(keys, entry)
		}
	}
	if len(keys) == 0 {
		return ErrNoUsableKeys
	}
	k.mu.Lock()
	k.keys = keys
	k.loaded = true
	k.mu.Unlock()
	return nil
}

// KeyCount returns the number of loaded keys.
func (k *Keyring) KeyCount() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// ExtractKey pulls the candidate credential from a request: header
// first, query parameter as fallback.
func ExtractKey(r *http.Request) string {
	if v := r.Header.Get(HeaderAPIKey); v != "" {
		return v
	}
	return r.URL.Query().Get(QueryAPIKey)
}

// Validate reports only whether the candidate matched some loaded key,
// never which one, so a probe cannot tell which rotation slot is live.
// Empty candidates and an unloaded keyring always fail.
func (k *Keyring) Validate(candidate string) bool {
	if candidate == "" {
		return false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if !k.loaded {
		return false
	}
	matched := 0
	for _, key := range k.keys {
		if len(key) == len(candidate) {
			matched |= subtle.ConstantTimeCompare([]byte(key), []byte(candidate))
		}
	}
	return matched == 1
}

// Authenticate checks the request's credential and reports whether the
// caller may proceed.
func (k *Keyring) Authenticate(r *http.Request) bool {
	return k.Validate(ExtractKey(r))
}

// Middleware rejects unauthenticated requests with a fixed 401 before
// the wrapped handler runs.
func (k *Keyring) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !k.Authenticate(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
