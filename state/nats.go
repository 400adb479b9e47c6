package state

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore implements StateStore using NATS JetStream KV.
//
// JetStream KV only knows a bucket-wide TTL, so every value is stored behind an
// 8-byte expiry header and expired entries are treated as absent on read. The
// bucket TTL still bounds how long physically stale entries linger.
type NATSStore struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	config NATSStoreConfig
	closed atomic.Bool
	now    func() time.Time

	lockMu sync.Mutex
	locks  map[string]*natsLock
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// TTL is the bucket-wide maximum age of an entry (0 = keep forever).
	TTL time.Duration

	// History is the number of revisions to keep per key.
	// Default: 1
	History int

	// MaxValueSize is the maximum value size in bytes.
	// Default: 1MB
	MaxValueSize int32

	// OpTimeout bounds each KV round trip when the caller's context has no
	// earlier deadline. Default: 5s
	OpTimeout time.Duration
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "kernel-contexts",
		TTL:          24 * time.Hour,
		History:      1,
		MaxValueSize: 1024 * 1024,
		OpTimeout:    5 * time.Second,
	}
}

// NewNATSStore binds (creating if needed) the KV bucket.
func NewNATSStore(cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	defaults := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = defaults.Bucket
	}
	if cfg.History <= 0 {
		cfg.History = defaults.History
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = defaults.MaxValueSize
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaults.OpTimeout
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		TTL:          cfg.TTL,
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSStore{
		conn:   cfg.Conn,
		js:     js,
		kv:     kv,
		config: cfg,
		now:    time.Now,
		locks:  make(map[string]*natsLock),
	}, nil
}

func (s *NATSStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.OpTimeout)
}

// encodeValue prefixes value with its expiry (unix nanos, 0 = none).
func encodeValue(value []byte, expires time.Time) []byte {
	buf := make([]byte, 8+len(value))
	if !expires.IsZero() {
		binary.BigEndian.PutUint64(buf[:8], uint64(expires.UnixNano()))
	}
	copy(buf[8:], value)
	return buf
}

// decodeValue splits a stored value into payload and expiry.
func decodeValue(raw []byte) ([]byte, time.Time, error) {
	if len(raw) < 8 {
		return nil, time.Time{}, fmt.Errorf("kv value too short (%d bytes)", len(raw))
	}
	var expires time.Time
	if n := binary.BigEndian.Uint64(raw[:8]); n != 0 {
		expires = time.Unix(0, int64(n))
	}
	return raw[8:], expires, nil
}

func (s *NATSStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *NATSStore) live(expires time.Time) bool {
	return expires.IsZero() || s.now().Before(expires)
}

// Get retrieves a value by key.
func (s *NATSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}

	value, expires, err := decodeValue(entry.Value())
	if err != nil {
		return nil, err
	}
	if !s.live(expires) {
		return nil, ErrNotFound
	}
	return value, nil
}

// Put stores a value with optional TTL.
func (s *NATSStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.checkWrite(key, ttl); err != nil {
		return err
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if _, err := s.kv.Put(ctx, key, encodeValue(value, s.expiry(ttl))); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Create stores a value only if the key is absent or its entry has expired.
func (s *NATSStore) Create(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.checkWrite(key, ttl); err != nil {
		return err
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.createOrTakeOver(ctx, key, encodeValue(value, s.expiry(ttl)))
	return err
}

// createOrTakeOver creates key, or replaces it by revision if the existing
// entry has expired. Returns ErrExists when a live entry is present.
func (s *NATSStore) createOrTakeOver(ctx context.Context, key string, raw []byte) (uint64, error) {
	rev, err := s.kv.Create(ctx, key, raw)
	if err == nil {
		return rev, nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return 0, fmt.Errorf("kv create: %w", err)
	}

	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return 0, ErrExists
		}
		return 0, fmt.Errorf("kv get: %w", err)
	}
	if _, expires, derr := decodeValue(entry.Value()); derr == nil && s.live(expires) {
		return 0, ErrExists
	}

	rev, err = s.kv.Update(ctx, key, raw, entry.Revision())
	if err != nil {
		// Lost the race to another writer.
		return 0, ErrExists
	}
	return rev, nil
}

func (s *NATSStore) checkWrite(key string, ttl time.Duration) error {
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

// Delete removes a key.
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// natsPattern converts a trailing-* pattern into a NATS subject filter.
func natsPattern(pattern string) string {
	if pattern == "*" {
		return ">"
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.TrimSuffix(pattern, "*") + ">"
	}
	return pattern
}

// Watch streams changes to keys matching pattern until ctx is done.
func (s *NATSStore) Watch(ctx context.Context, pattern string) (<-chan *KeyValue, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	subject := natsPattern(pattern)

	var (
		watcher jetstream.KeyWatcher
		err     error
	)
	if subject == ">" {
		watcher, err = s.kv.WatchAll(ctx, jetstream.UpdatesOnly())
	} else {
		watcher, err = s.kv.Watch(ctx, subject, jetstream.UpdatesOnly())
	}
	if err != nil {
		return nil, fmt.Errorf("kv watch: %w", err)
	}

	ch := make(chan *KeyValue, 64)
	go s.watchLoop(ctx, watcher, ch, pattern)
	return ch, nil
}

func (s *NATSStore) watchLoop(ctx context.Context, watcher jetstream.KeyWatcher, ch chan *KeyValue, pattern string) {
	defer close(ch)
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil || !MatchPattern(pattern, entry.Key()) {
				continue
			}

			kv := &KeyValue{
				Key:       entry.Key(),
				Revision:  entry.Revision(),
				Operation: opFromNATS(entry.Operation()),
				Modified:  entry.Created(),
			}
			if kv.Operation == OpPut {
				value, _, err := decodeValue(entry.Value())
				if err != nil {
					continue
				}
				kv.Value = value
			}

			select {
			case ch <- kv:
			default:
				// Channel full
			}
		}

		if s.closed.Load() {
			return
		}
	}
}

// opFromNATS converts a NATS operation to our Operation type.
func opFromNATS(op jetstream.KeyValueOp) Operation {
	switch op {
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		return OpDelete
	default:
		return OpPut
	}
}

// Lock acquires an advisory lock backed by a KV entry that expires after ttl.
func (s *NATSStore) Lock(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	lockKey := lockPrefix + key

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	rev, err := s.createOrTakeOver(opCtx, lockKey, encodeValue([]byte(ttl.String()), s.expiry(ttl)))
	if err != nil {
		if errors.Is(err, ErrExists) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	lock := &natsLock{
		store:    s,
		key:      lockKey,
		ttl:      ttl,
		revision: rev,
		expires:  s.expiry(ttl),
	}

	s.lockMu.Lock()
	s.locks[lockKey] = lock
	s.lockMu.Unlock()

	return lock, nil
}

// Close marks the store closed and abandons held locks to their TTL.
// The NATS connection is owned by the caller.
func (s *NATSStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	for _, lock := range s.locks {
		lock.released.Store(true)
	}
	s.locks = nil
	return nil
}

type natsLock struct {
	store    *NATSStore
	key      string
	ttl      time.Duration
	mu       sync.Mutex
	revision uint64
	expires  time.Time
	released atomic.Bool
}

func (l *natsLock) Unlock() error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}

	l.store.lockMu.Lock()
	delete(l.store.locks, l.key)
	l.store.lockMu.Unlock()

	ctx, cancel := l.store.opContext(context.Background())
	defer cancel()

	l.mu.Lock()
	rev := l.revision
	l.mu.Unlock()

	// Only delete our own revision; a takeover after expiry must survive.
	err := l.store.kv.Delete(ctx, l.key, jetstream.LastRevision(rev))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (l *natsLock) Refresh() error {
	if l.released.Load() {
		return ErrLockNotHeld
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.store.now().Before(l.expires) {
		l.released.Store(true)
		return ErrLockExpired
	}

	ctx, cancel := l.store.opContext(context.Background())
	defer cancel()

	expires := l.store.expiry(l.ttl)
	rev, err := l.store.kv.Update(ctx, l.key, encodeValue([]byte(l.ttl.String()), expires), l.revision)
	if err != nil {
		l.released.Store(true)
		return ErrLockExpired
	}

	l.revision = rev
	l.expires = expires
	return nil
}

func (l *natsLock) Key() string {
	return l.key
}
