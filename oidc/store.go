package oidc

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// AuthorizeContextStore keeps pending authorization requests between the
// authorize call and the end-user login. Take must atomically remove the
// context so it can never be consumed twice.
type AuthorizeContextStore interface {
	PutContext(ctx AuthorizeContext)
	TakeContext(authCtxCode string) (AuthorizeContext, bool)
}

// AuthorizationCodeStore keeps issued authorization codes until exchange or
// expiry. TakeCode must be atomic: two concurrent exchanges racing on the
// same code see exactly one success.
type AuthorizationCodeStore interface {
	PutCode(code AuthorizationCode)
	GetCode(code string) (AuthorizationCode, bool)
	TakeCode(code string) (AuthorizationCode, bool)
}

// MemoryStore is the in-process implementation of both stores. Expiry is
// checked lazily on lookup; an optional sweeper handles storage hygiene.
type MemoryStore struct {
	mu       sync.RWMutex
	contexts map[string]AuthorizeContext
	codes    map[string]AuthorizationCode

	// Now overrides the clock, for tests. Nil means time.Now.
	Now func() time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contexts: make(map[string]AuthorizeContext),
		codes:    make(map[string]AuthorizationCode),
	}
}

func (s *MemoryStore) clock() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// PutContext stores a pending authorization context.
func (s *MemoryStore) PutContext(ctx AuthorizeContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[ctx.AuthCtxCode] = ctx
}

// TakeContext removes and returns the context, or reports false if it is
// unknown or already expired.
func (s *MemoryStore) TakeContext(authCtxCode string) (AuthorizeContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := s.contexts[authCtxCode]
	if !ok {
		return AuthorizeContext{}, false
	}
	delete(s.contexts, authCtxCode)
	if s.clock().After(ctx.ExpiresAt) {
		return AuthorizeContext{}, false
	}
	return ctx, true
}

// PutCode stores an issued authorization code.
func (s *MemoryStore) PutCode(code AuthorizationCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.Code] = code
}

// GetCode returns the code without consuming it.
func (s *MemoryStore) GetCode(code string) (AuthorizationCode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ac, ok := s.codes[code]
	if !ok || s.clock().After(ac.ExpiresAt) {
		return AuthorizationCode{}, false
	}
	return ac, true
}

// TakeCode removes and returns the code in a single step. Exactly one of any
// set of concurrent callers for the same code succeeds.
func (s *MemoryStore) TakeCode(code string) (AuthorizationCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ac, ok := s.codes[code]
	if !ok {
		return AuthorizationCode{}, false
	}
	delete(s.codes, code)
	if s.clock().After(ac.ExpiresAt) {
		return AuthorizationCode{}, false
	}
	return ac, true
}

// StartSweeper launches a background goroutine that drops expired entries.
// Correctness does not depend on it; lookups already check expiry.
func (s *MemoryStore) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-stop:
				return
			}
		}
	}()
}

func (s *MemoryStore) sweep() {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, ctx := range s.contexts {
		if now.After(ctx.ExpiresAt) {
			delete(s.contexts, k)
		}
	}
	for k, ac := range s.codes {
		if now.After(ac.ExpiresAt) {
			delete(s.codes, k)
		}
	}
}

// newOpaqueCode returns a 128-bit random identifier for context and
// authorization codes.
func newOpaqueCode() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}
