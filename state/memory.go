package state

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore implements StateStore in process memory.
// Entries do not survive a restart and are invisible to other processes.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*entry
	locks    map[string]*memoryLock
	watchers map[*watcher]struct{}
	revision uint64
	closed   atomic.Bool
	nowFunc  func() time.Time

	cleanupTicker *time.Ticker
	done          chan struct{}
}

type entry struct {
	value    []byte
	revision uint64
	modified time.Time
	expires  time.Time // Zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

type watcher struct {
	pattern string
	ch      chan *KeyValue
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the clock used for expiry decisions.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.nowFunc = now
		}
	}
}

// NewMemoryStore creates a new in-memory state store and starts its expiry sweeper.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		data:          make(map[string]*entry),
		locks:         make(map[string]*memoryLock),
		watchers:      make(map[*watcher]struct{}),
		nowFunc:       time.Now,
		cleanupTicker: time.NewTicker(time.Second),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanupExpired()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) cleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
			s.notifyWatchers(key, nil, OpDelete)
		}
	}
	for key, lock := range s.locks {
		if !now.Before(lock.expires) {
			lock.released.Store(true)
			delete(s.locks, key)
		}
	}
}

// Get retrieves a value by key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok || e.expired(s.nowFunc()) {
		return nil, ErrNotFound
	}

	val := make([]byte, len(e.value))
	copy(val, e.value)
	return val, nil
}

// Put stores a value with optional TTL.
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.checkWrite(key, ttl); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.store(key, value, ttl)
	return nil
}

// Create stores a value only if the key is absent or expired.
func (s *MemoryStore) Create(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.checkWrite(key, ttl); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.data[key]; ok && !e.expired(s.nowFunc()) {
		return ErrExists
	}
	s.store(key, value, ttl)
	return nil
}

func (s *MemoryStore) checkWrite(key string, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// store writes an entry. Must be called with lock held.
func (s *MemoryStore) store(key string, value []byte, ttl time.Duration) {
	now := s.nowFunc()
	s.revision++

	val := make([]byte, len(value))
	copy(val, value)

	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}

	s.data[key] = &entry{
		value:    val,
		revision: s.revision,
		modified: now,
		expires:  expires,
	}
	s.notifyWatchers(key, val, OpPut)
}

// Delete removes a key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok {
		delete(s.data, key)
		s.notifyWatchers(key, nil, OpDelete)
	}
	return nil
}

// Watch streams changes to keys matching pattern until ctx is done.
func (s *MemoryStore) Watch(ctx context.Context, pattern string) (<-chan *KeyValue, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	w := &watcher{pattern: pattern, ch: make(chan *KeyValue, 64)}

	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.watchers[w]; ok {
			delete(s.watchers, w)
			close(w.ch)
		}
	}()

	return w.ch, nil
}

// notifyWatchers sends notifications to matching watchers.
// Must be called with lock held.
func (s *MemoryStore) notifyWatchers(key string, value []byte, op Operation) {
	kv := &KeyValue{
		Key:       key,
		Value:     value,
		Revision:  s.revision,
		Operation: op,
		Modified:  s.nowFunc(),
	}
	for w := range s.watchers {
		if !MatchPattern(w.pattern, key) {
			continue
		}
		select {
		case w.ch <- kv:
		default:
			// Channel full, drop notification
		}
	}
}

// Lock acquires an advisory lock.
func (s *MemoryStore) Lock(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lockKey := lockPrefix + key
	now := s.nowFunc()

	if existing, ok := s.locks[lockKey]; ok {
		if !existing.released.Load() && now.Before(existing.expires) {
			return nil, ErrLockHeld
		}
	}

	lock := &memoryLock{
		store:   s,
		key:     lockKey,
		ttl:     ttl,
		expires: now.Add(ttl),
	}
	s.locks[lockKey] = lock
	return lock, nil
}

// Close shuts down the store and closes all watch channels.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	close(s.done)
	s.cleanupTicker.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for w := range s.watchers {
		close(w.ch)
	}
	s.watchers = make(map[*watcher]struct{})
	s.data = make(map[string]*entry)
	s.locks = make(map[string]*memoryLock)
	return nil
}

type memoryLock struct {
	store    *MemoryStore
	key      string
	ttl      time.Duration
	expires  time.Time
	released atomic.Bool
}

func (l *memoryLock) Unlock() error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}

	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	if l.store.locks[l.key] == l {
		delete(l.store.locks, l.key)
	}
	return nil
}

func (l *memoryLock) Refresh() error {
	if l.released.Load() {
		return ErrLockNotHeld
	}

	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	now := l.store.nowFunc()
	if !now.Before(l.expires) || l.store.locks[l.key] != l {
		l.released.Store(true)
		return ErrLockExpired
	}

	l.expires = now.Add(l.ttl)
	return nil
}

func (l *memoryLock) Key() string {
	return l.key
}
