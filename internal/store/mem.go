package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// TTLMap is a generic in-memory map with per-entry TTL expiration.
// A zero TTL stores the entry without expiry.
type TTLMap[V any] struct {
	mu    sync.RWMutex
	items map[string]ttlEntry[V]
}

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time // zero = never expires
}

func NewTTLMap[V any]() *TTLMap[V] {
	return &TTLMap[V]{items: make(map[string]ttlEntry[V])}
}

func (e ttlEntry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func (m *TTLMap[V]) Get(key string) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.items[key]
	if !ok || e.expired(time.Now()) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// GetEntry returns the value together with its expiry deadline.
func (m *TTLMap[V]) GetEntry(key string) (V, time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.items[key]
	if !ok || e.expired(time.Now()) {
		var zero V
		return zero, time.Time{}, false
	}
	return e.value, e.expiresAt, true
}

func (m *TTLMap[V]) Set(key string, value V, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deadline time.Time
	if ttl > 0 {
		deadline = time.Now().Add(ttl)
	}
	m.items[key] = ttlEntry[V]{value: value, expiresAt: deadline}
}

// Touch resets an existing entry's TTL without changing the value.
// Returns false if the key doesn't exist or is expired.
func (m *TTLMap[V]) Touch(key string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	if !ok || e.expired(time.Now()) {
		return false
	}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	m.items[key] = e
	return true
}

// Update applies fn to the current value (zero if absent or expired) and
// stores the result, all under the write lock. The TTL is re-applied the
// way Set does.
func (m *TTLMap[V]) Update(key string, ttl time.Duration, fn func(value V, ok bool) V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	if ok && e.expired(time.Now()) {
		ok = false
	}
	var cur V
	if ok {
		cur = e.value
	}
	var deadline time.Time
	if ttl > 0 {
		deadline = time.Now().Add(ttl)
	}
	m.items[key] = ttlEntry[V]{value: fn(cur, ok), expiresAt: deadline}
}

func (m *TTLMap[V]) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
}

// Cleanup removes all expired entries.
func (m *TTLMap[V]) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for k, e := range m.items {
		if e.expired(now) {
			delete(m.items, k)
		}
	}
}

// MemStore is a single-process Store used by tests and redis-less runs.
type MemStore struct {
	mu       sync.RWMutex
	accounts map[string]map[string]string // platform:id → fields
	index    map[string]map[string]bool   // platform → set of ids
	apikeys  map[string]map[string]string
	keyIndex map[string]bool
	hashMap  map[string]string

	sessions *TTLMap[SessionMapping]
	headers  *TTLMap[map[string]string]
	usage    *TTLMap[map[string]string]
}

func NewMem() *MemStore {
	return &MemStore{
		accounts: make(map[string]map[string]string),
		index:    make(map[string]map[string]bool),
		apikeys:  make(map[string]map[string]string),
		keyIndex: make(map[string]bool),
		hashMap:  make(map[string]string),
		sessions: NewTTLMap[SessionMapping](),
		headers:  NewTTLMap[map[string]string](),
		usage:    NewTTLMap[map[string]string](),
	}
}

func (s *MemStore) Ping(ctx context.Context) error { return nil }
func (s *MemStore) Close() error                   { return nil }

// --- Accounts ---

func (s *MemStore) GetAccount(ctx context.Context, platform, id string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMap(s.accounts[platform+":"+id]), nil
}

func (s *MemStore) SetAccount(ctx context.Context, platform, id string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[platform+":"+id] = copyMap(fields)
	if s.index[platform] == nil {
		s.index[platform] = make(map[string]bool)
	}
	s.index[platform][id] = true
	return nil
}

func (s *MemStore) SetAccountFields(ctx context.Context, platform, id string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.accounts[platform+":"+id]
	if existing == nil {
		existing = make(map[string]string)
		s.accounts[platform+":"+id] = existing
		if s.index[platform] == nil {
			s.index[platform] = make(map[string]bool)
		}
		s.index[platform][id] = true
	}
	for k, v := range fields {
		existing[k] = v
	}
	return nil
}

func (s *MemStore) DeleteAccount(ctx context.Context, platform, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, platform+":"+id)
	if idx := s.index[platform]; idx != nil {
		delete(idx, id)
	}
	return nil
}

func (s *MemStore) ListAccountIDs(ctx context.Context, platform string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.index[platform]))
	for id := range s.index[platform] {
		ids = append(ids, id)
	}
	return ids, nil
}

// --- API keys ---

func (s *MemStore) GetAPIKey(ctx context.Context, id string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMap(s.apikeys[id]), nil
}

func (s *MemStore) SetAPIKey(ctx context.Context, id string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.apikeys[id]
	if existing == nil {
		s.apikeys[id] = copyMap(fields)
	} else {
		for k, v := range fields {
			existing[k] = v
		}
	}
	s.keyIndex[id] = true
	return nil
}

func (s *MemStore) DeleteAPIKey(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.apikeys, id)
	delete(s.keyIndex, id)
	return nil
}

func (s *MemStore) ListAPIKeyIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.keyIndex))
	for id := range s.keyIndex {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemStore) SetAPIKeyHash(ctx context.Context, hash, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashMap[hash] = keyID
	return nil
}

func (s *MemStore) GetAPIKeyIDByHash(ctx context.Context, hash string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hashMap[hash], nil
}

func (s *MemStore) DeleteAPIKeyHash(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hashMap, hash)
	return nil
}

// --- Sticky sessions ---

func (s *MemStore) GetSession(ctx context.Context, fingerprint string) (*SessionMapping, error) {
	m, ok := s.sessions.Get(fingerprint)
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *MemStore) SetSession(ctx context.Context, fingerprint, accountID, platform string, ttl time.Duration) error {
	s.sessions.Set(fingerprint, SessionMapping{AccountID: accountID, Platform: platform}, ttl)
	return nil
}

func (s *MemStore) ExtendSessionIfNeeded(ctx context.Context, fingerprint string, deadband, full time.Duration) (bool, error) {
	_, expiresAt, ok := s.sessions.GetEntry(fingerprint)
	if !ok || expiresAt.IsZero() {
		return false, nil
	}
	if time.Until(expiresAt) >= deadband {
		return false, nil
	}
	return s.sessions.Touch(fingerprint, full), nil
}

func (s *MemStore) DeleteSession(ctx context.Context, fingerprint string) error {
	s.sessions.Delete(fingerprint)
	return nil
}

func (s *MemStore) SessionTTL(ctx context.Context, fingerprint string) (time.Duration, error) {
	_, expiresAt, ok := s.sessions.GetEntry(fingerprint)
	if !ok {
		return -2 * time.Millisecond, nil
	}
	if expiresAt.IsZero() {
		return -1 * time.Millisecond, nil
	}
	return time.Until(expiresAt), nil
}

// --- Account header snapshots ---

func (s *MemStore) GetAccountHeaders(ctx context.Context, accountID string) (map[string]string, error) {
	snap, ok := s.headers.Get(accountID)
	if !ok {
		return nil, nil
	}
	return copyMap(snap), nil
}

func (s *MemStore) SetAccountHeaders(ctx context.Context, accountID string, snapshot map[string]string, ttl time.Duration) error {
	s.headers.Set(accountID, copyMap(snapshot), ttl)
	return nil
}

// --- Usage counters ---

func (s *MemStore) IncrementUsage(ctx context.Context, incs []UsageIncrement) error {
	for _, inc := range incs {
		s.usage.Update(inc.Key, inc.TTL, func(cur map[string]string, _ bool) map[string]string {
			// Stored maps are treated as immutable so readers can copy
			// them outside the lock.
			fields := make(map[string]string, len(cur)+len(inc.IntFields)+len(inc.FloatFields))
			for k, v := range cur {
				fields[k] = v
			}
			for field, delta := range inc.IntFields {
				cur, _ := strconv.ParseInt(fields[field], 10, 64)
				fields[field] = strconv.FormatInt(cur+delta, 10)
			}
			for field, delta := range inc.FloatFields {
				cur, _ := strconv.ParseFloat(fields[field], 64)
				fields[field] = strconv.FormatFloat(cur+delta, 'f', -1, 64)
			}
			return fields
		})
	}
	return nil
}

func (s *MemStore) GetUsage(ctx context.Context, key string) (map[string]string, error) {
	fields, ok := s.usage.Get(key)
	if !ok {
		return map[string]string{}, nil
	}
	return copyMap(fields), nil
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
