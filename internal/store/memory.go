// ABOUTME: In-memory Store implementation for single-instance deployments and tests
// ABOUTME: Nonces are kept in insertion order with a size cap and a background sweep

package store

import (
	"container/list"
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxNonces bounds the number of outstanding nonces held in memory.
const DefaultMaxNonces = 100_000

type nonceEntry struct {
	nonce   Nonce
	element *list.Element
}

// MemoryStore is an in-memory Store. Every operation takes a single lock so the
// check-and-mark operations are atomic.
type MemoryStore struct {
	mu sync.RWMutex

	nonces    map[string]*nonceEntry
	order     *list.List // nonce values, oldest at front
	maxNonces int

	tokens      map[string]*TokenRecord       // keyed by token ID
	delegations map[string]*DelegationRequest // keyed by request ID
	audit       []AuditEntry

	done   chan struct{}
	closed bool
}

// NewMemoryStore creates a MemoryStore holding at most maxNonces outstanding nonces.
// When sweep is positive a background goroutine drops expired nonces at that interval.
func NewMemoryStore(maxNonces int, sweep time.Duration) *MemoryStore {
	if maxNonces <= 0 {
		maxNonces = DefaultMaxNonces
	}
	m := &MemoryStore{
		nonces:      make(map[string]*nonceEntry),
		order:       list.New(),
		maxNonces:   maxNonces,
		tokens:      make(map[string]*TokenRecord),
		delegations: make(map[string]*DelegationRequest),
		done:        make(chan struct{}),
	}
	if sweep > 0 {
		go m.sweep(sweep)
	}
	return m
}

// SaveNonce stores a new nonce, evicting the oldest one when at capacity.
func (m *MemoryStore) SaveNonce(ctx context.Context, n *Nonce) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nonces[n.Value]; exists {
		return ErrDuplicate
	}
	if len(m.nonces) >= m.maxNonces {
		m.evictOldest()
	}

	elem := m.order.PushBack(n.Value)
	m.nonces[n.Value] = &nonceEntry{nonce: *n, element: elem}
	return nil
}

// ConsumeNonce checks and burns the nonce under one lock.
func (m *MemoryStore) ConsumeNonce(ctx context.Context, value string, now time.Time) (NonceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.nonces[value]
	if !ok || entry.nonce.Consumed {
		return NonceUnknown, nil
	}
	entry.nonce.Consumed = true
	if !now.Before(entry.nonce.ExpiresAt) {
		return NonceExpired, nil
	}
	return NonceValid, nil
}

// PurgeNonces removes every nonce that has expired at now.
func (m *MemoryStore) PurgeNonces(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purgeNoncesLocked(now), nil
}

func (m *MemoryStore) purgeNoncesLocked(now time.Time) int {
	purged := 0
	for value, entry := range m.nonces {
		if !now.Before(entry.nonce.ExpiresAt) {
			m.order.Remove(entry.element)
			delete(m.nonces, value)
			purged++
		}
	}
	return purged
}

// evictOldest drops the oldest nonce. Must be called with mu held.
func (m *MemoryStore) evictOldest() {
	front := m.order.Front()
	if front == nil {
		return
	}
	value, _ := front.Value.(string)
	m.order.Remove(front)
	delete(m.nonces, value)
}

func (m *MemoryStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			m.purgeNoncesLocked(time.Now())
			m.mu.Unlock()
		case <-m.done:
			return
		}
	}
}

// SaveToken stores a token record.
func (m *MemoryStore) SaveToken(ctx context.Context, t *TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tokens[t.ID]; exists {
		return ErrDuplicate
	}
	m.tokens[t.ID] = copyToken(t)
	return nil
}

// GetToken retrieves a token record by ID.
func (m *MemoryStore) GetToken(ctx context.Context, id string) (*TokenRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyToken(t), nil
}

// ListTokens returns token records matching the filter, newest first.
func (m *MemoryStore) ListTokens(ctx context.Context, f TokenFilter) ([]*TokenRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []*TokenRecord{}
	for _, t := range m.tokens {
		if f.Kind != nil && t.Kind != *f.Kind {
			continue
		}
		if f.Subject != nil && t.Subject != *f.Subject {
			continue
		}
		if f.ParentID != nil && t.ParentID != *f.ParentID {
			continue
		}
		if !f.IncludeRevoked && t.RevokedAt != nil {
			continue
		}
		result = append(result, copyToken(t))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].IssuedAt.After(result[j].IssuedAt)
	})
	return truncate(result, normalizeLimit(f.Limit)), nil
}

// RevokeToken revokes the token and its children.
func (m *MemoryStore) RevokeToken(ctx context.Context, id string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tokens[id]; !ok {
		return 0, ErrNotFound
	}

	revoked := 0
	for _, t := range m.tokens {
		if (t.ID == id || t.ParentID == id) && t.RevokedAt == nil {
			ts := at
			t.RevokedAt = &ts
			revoked++
		}
	}
	return revoked, nil
}

// PurgeTokens removes token records past their natural expiry.
func (m *MemoryStore) PurgeTokens(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for id, t := range m.tokens {
		if !now.Before(t.ExpiresAt) {
			delete(m.tokens, id)
			purged++
		}
	}
	return purged, nil
}

// CreateDelegation stores a pending request unless the agent token is at its limit.
func (m *MemoryStore) CreateDelegation(ctx context.Context, r *DelegationRequest, maxPending int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.delegations[r.ID]; exists {
		return ErrDuplicate
	}

	if maxPending > 0 {
		pending := 0
		for _, d := range m.delegations {
			if d.AgentTokenID == r.AgentTokenID && d.Status == DelegationPending && d.ExpiresAt.After(r.CreatedAt) {
				pending++
			}
		}
		if pending >= maxPending {
			return ErrPendingLimit
		}
	}

	m.delegations[r.ID] = copyDelegation(r)
	return nil
}

// GetDelegation retrieves a delegation request by ID.
func (m *MemoryStore) GetDelegation(ctx context.Context, id string) (*DelegationRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.delegations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDelegation(r), nil
}

// ListDelegations returns delegation requests matching the filter, newest first.
func (m *MemoryStore) ListDelegations(ctx context.Context, f DelegationFilter) ([]*DelegationRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []*DelegationRequest{}
	for _, r := range m.delegations {
		if f.AgentTokenID != nil && r.AgentTokenID != *f.AgentTokenID {
			continue
		}
		if f.UserID != nil && r.UserID != *f.UserID {
			continue
		}
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		result = append(result, copyDelegation(r))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return truncate(result, normalizeLimit(f.Limit)), nil
}

// TransitionDelegation applies t if the current status equals t.From.
func (m *MemoryStore) TransitionDelegation(ctx context.Context, id string, t Transition) (*DelegationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.delegations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != t.From {
		return copyDelegation(r), ErrConflict
	}

	r.Status = t.To
	at := t.At
	switch t.To {
	case DelegationConsented:
		r.ConsentedScopes = slices.Clone(t.ConsentedScopes)
		r.CodeHash = t.CodeHash
		codeExp := t.CodeExpiresAt
		r.CodeExpiresAt = &codeExp
		r.DecidedAt = &at
	case DelegationDenied:
		r.DecidedAt = &at
	case DelegationExchanged:
		r.ExchangedAt = &at
	}
	return copyDelegation(r), nil
}

// PurgeDelegations removes requests whose expiry is before the given time.
func (m *MemoryStore) PurgeDelegations(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for id, r := range m.delegations {
		if r.ExpiresAt.Before(before) {
			delete(m.delegations, id)
			purged++
		}
	}
	return purged, nil
}

// AppendAuditLog appends an entry, generating ID and Timestamp if unset.
func (m *MemoryStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns matching audit entries, newest first.
func (m *MemoryStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []AuditEntry{}
	for _, e := range m.audit {
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.Timestamp.After(*f.Until) {
			continue
		}
		if f.Actor != nil && e.Actor != *f.Actor {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		if f.TargetType != nil && e.TargetType != *f.TargetType {
			continue
		}
		if f.TargetID != nil && e.TargetID != *f.TargetID {
			continue
		}
		result = append(result, e)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	return truncate(result, normalizeLimit(f.Limit)), nil
}

// Close stops the background sweep. It is safe to call multiple times.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		close(m.done)
		m.closed = true
	}
	return nil
}

func copyToken(t *TokenRecord) *TokenRecord {
	c := *t
	c.Scopes = slices.Clone(t.Scopes)
	if t.RevokedAt != nil {
		at := *t.RevokedAt
		c.RevokedAt = &at
	}
	return &c
}

func copyDelegation(r *DelegationRequest) *DelegationRequest {
	c := *r
	c.Scopes = slices.Clone(r.Scopes)
	c.ConsentedScopes = slices.Clone(r.ConsentedScopes)
	for _, p := range []**time.Time{&c.CodeExpiresAt, &c.DecidedAt, &c.ExchangedAt} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	return &c
}

func truncate[T any](s []T, limit int) []T {
	if len(s) > limit {
		return s[:limit]
	}
	return s
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
