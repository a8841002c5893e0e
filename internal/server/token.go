package server

import (
	"sync"
	"time"

	"github.com/Guizzs26/go-localsync/pkg/metrics"

	"github.com/google/uuid"
)

// TokenIssuer hands out opaque short-lived tokens and remembers them in memory.
// Restarting the server invalidates every token, clients simply fetch a new one
type TokenIssuer struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	tokens map[string]issued
}

type issued struct {
	subject string
	expires time.Time
}

func NewTokenIssuer(ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{
		ttl:    ttl,
		now:    time.Now,
		tokens: make(map[string]issued),
	}
}

// Issue creates a token for subject and returns it with its expiry
func (t *TokenIssuer) Issue(subject string) (string, time.Time) {
	token := uuid.NewString()
	expires := t.now().Add(t.ttl)

	t.mu.Lock()
	t.sweep()
	t.tokens[token] = issued{subject: subject, expires: expires}
	t.mu.Unlock()

	metrics.TokensIssued.Inc()
	return token, expires
}

// Valid reports whether token was issued here and has not expired
func (t *TokenIssuer) Valid(token string) bool {
	if token == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	tok, ok := t.tokens[token]
	if !ok {
		return false
	}
	if !t.now().Before(tok.expires) {
		delete(t.tokens, token)
		return false
	}
	return true
}

// sweep drops expired tokens. Caller holds mu
func (t *TokenIssuer) sweep() {
	now := t.now()
	for k, v := range t.tokens {
		if !now.Before(v.expires) {
			delete(t.tokens, k)
		}
	}
}
