// Package contextstore keeps the TTL-bound status records of background
// tasks.
//
// Records live in a state.StateStore under "context.<id>". The primary
// backend is a shared NATS KV bucket so any kernel instance can answer a
// poll. When the shared backend is unreachable at construction, the store
// falls back to process memory for its lifetime and reports Degraded.
//
// The store does not check tenants on Get; callers facing tenants use
// Lookup, which does.
package contextstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	kerrors "github.com/vinayprograms/taskkernel/errors"
	"github.com/vinayprograms/taskkernel/logging"
	"github.com/vinayprograms/taskkernel/state"
)

const (
	keyPrefix  = "context."
	idemPrefix = "idem."

	// DefaultTTL applies when Create is given no TTL.
	DefaultTTL = time.Hour
)

// Data keys written by the background executor.
const (
	KeyStatus = "status"
	KeyResult = "result"
)

// Terminal and in-flight statuses stored under KeyStatus.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Record is one context.
type Record struct {
	ID        string         `json:"context_id"`
	TenantID  string         `json:"tenant_id"`
	ProjectID string         `json:"project_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	TTL       time.Duration  `json:"ttl"`
	Data      map[string]any `json:"data"`
}

// Status returns the status held in Data, or "".
func (r Record) Status() string {
	s, _ := r.Data[KeyStatus].(string)
	return s
}

// Terminal reports whether the record reached completed or failed.
func (r Record) Terminal() bool {
	s := r.Status()
	return s == StatusCompleted || s == StatusFailed
}

func (r Record) expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store manages context records.
type Store struct {
	kv         state.StateStore
	degraded   bool
	defaultTTL time.Duration
	now        func() time.Time
	logger     *logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithDefaultTTL sets the TTL used when Create receives zero.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// WithClock overrides the time source for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l.WithComponent("contextstore") }
}

// New wraps a backend.
func New(kv state.StateStore, opts ...Option) *Store {
	s := &Store{
		kv:         kv,
		defaultTTL: DefaultTTL,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open builds a store on the backend returned by primary. If primary fails
// the store runs on process memory for its whole lifetime and logs a
// degraded-mode warning; it never retries the primary.
func Open(primary func() (state.StateStore, error), opts ...Option) *Store {
	var (
		kv       state.StateStore
		err      error
		degraded bool
	)
	if primary != nil {
		kv, err = primary()
	} else {
		err = errors.New("no shared backend configured")
	}
	if err != nil {
		kv = state.NewMemoryStore()
		degraded = true
	}
	s := New(kv, opts...)
	s.degraded = degraded
	if degraded {
		s.logger.DegradedMode("contextstore", err.Error())
	}
	return s
}

// Degraded reports whether the store fell back to process memory.
func (s *Store) Degraded() bool {
	return s.degraded
}

// Backend returns the key-value store records live in, which is the
// fallback store when Open degraded.
func (s *Store) Backend() state.StateStore {
	return s.kv
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.kv.Close()
}

// Create persists a new record with a fresh id.
func (s *Store) Create(ctx context.Context, tenantID, projectID string, data map[string]any, ttl time.Duration) (Record, error) {
	if tenantID == "" {
		return Record{}, kerrors.InvalidInput("tenant_id is required")
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.now()
	r := Record{
		ID:        newID(),
		TenantID:  tenantID,
		ProjectID: projectID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		TTL:       ttl,
		Data:      maps.Clone(data),
	}
	if r.Data == nil {
		r.Data = map[string]any{}
	}
	b, err := json.Marshal(r)
	if err != nil {
		return Record{}, kerrors.WrapWithCode(err, kerrors.ErrCodeInvalidInput, "encode context")
	}
	if err := s.kv.Create(ctx, keyPrefix+r.ID, b, ttl); err != nil {
		return Record{}, backendErr(err, "create context")
	}
	return r, nil
}

// Get returns a live record. Expired records are deleted and reported as
// not found.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	if id == "" || state.ValidateKey(keyPrefix+id) != nil {
		return Record{}, kerrors.NotFound("context not found")
	}
	b, err := s.kv.Get(ctx, keyPrefix+id)
	if errors.Is(err, state.ErrNotFound) {
		return Record{}, kerrors.NotFound(fmt.Sprintf("context %s not found", id))
	}
	if err != nil {
		return Record{}, backendErr(err, "get context")
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, kerrors.Internal("decode context", kerrors.WithCause(err))
	}
	if r.expired(s.now()) {
		if err := s.kv.Delete(ctx, keyPrefix+id); err != nil {
			s.logger.Warn("expired_context_delete_failed", map[string]interface{}{
				"context_id": id,
				"error":      err.Error(),
			})
		}
		return Record{}, kerrors.NotFound(fmt.Sprintf("context %s expired", id))
	}
	return r, nil
}

// Lookup returns a record only if it belongs to tenantID.
func (s *Store) Lookup(ctx context.Context, id, tenantID string) (Record, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if r.TenantID != tenantID {
		return Record{}, kerrors.ContextForbidden(id)
	}
	return r, nil
}

// Update merges patch into the record's data. With extendTTL the expiry is
// pushed out by the record's TTL from now; otherwise it is kept. It reports
// false when the record is gone or expired.
func (s *Store) Update(ctx context.Context, id string, patch map[string]any, extendTTL bool) (bool, error) {
	r, err := s.Get(ctx, id)
	if kerrors.Is(err, kerrors.ErrCodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	now := s.now()
	if extendTTL {
		r.ExpiresAt = now.Add(r.TTL)
	}
	remaining := r.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return false, nil
	}
	if r.Data == nil {
		r.Data = map[string]any{}
	}
	maps.Copy(r.Data, patch)

	b, err := json.Marshal(r)
	if err != nil {
		return false, kerrors.WrapWithCode(err, kerrors.ErrCodeInvalidInput, "encode context")
	}
	if err := s.kv.Put(ctx, keyPrefix+id, b, remaining); err != nil {
		return false, backendErr(err, "update context")
	}
	return true, nil
}

// Delete removes a record. It reports whether a live record existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := s.Get(ctx, id); err != nil {
		if kerrors.Is(err, kerrors.ErrCodeNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := s.kv.Delete(ctx, keyPrefix+id); err != nil {
		return false, backendErr(err, "delete context")
	}
	return true, nil
}

// Watch streams successive versions of a record until it is deleted,
// expires or ctx ends. The current version is sent first.
func (s *Store) Watch(ctx context.Context, id string) (<-chan Record, error) {
	if id == "" || state.ValidateKey(keyPrefix+id) != nil {
		return nil, kerrors.NotFound("context not found")
	}
	ctx, cancel := context.WithCancel(ctx)
	// Subscribe before reading so no update falls between the two.
	events, err := s.kv.Watch(ctx, keyPrefix+id)
	if err != nil {
		cancel()
		return nil, backendErr(err, "watch context")
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan Record, 4)
	go func() {
		defer cancel()
		defer close(out)
		send := func(r Record) bool {
			select {
			case out <- r:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !send(current) {
			return
		}
		expiry := time.NewTimer(current.ExpiresAt.Sub(s.now()))
		defer expiry.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-expiry.C:
				return
			case kv, ok := <-events:
				if !ok || kv.Operation == state.OpDelete {
					return
				}
				var r Record
				if err := json.Unmarshal(kv.Value, &r); err != nil {
					continue
				}
				if r.expired(s.now()) {
					return
				}
				expiry.Reset(r.ExpiresAt.Sub(s.now()))
				if !send(r) {
					return
				}
			}
		}
	}()
	return out, nil
}

// Remember claims requestID for tenantID, pointing it at contextID. When
// the request was already claimed it returns the earlier context id and
// false.
func (s *Store) Remember(ctx context.Context, tenantID, requestID, contextID string, ttl time.Duration) (string, bool, error) {
	if requestID == "" {
		return "", false, kerrors.InvalidInput("request_id is required")
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	key := idemKey(tenantID, requestID)
	err := s.kv.Create(ctx, key, []byte(contextID), ttl)
	if err == nil {
		return contextID, true, nil
	}
	if !errors.Is(err, state.ErrExists) {
		return "", false, backendErr(err, "remember request")
	}
	existing, err := s.Recall(ctx, tenantID, requestID)
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

// Recall returns the context id remembered for a request, or "".
func (s *Store) Recall(ctx context.Context, tenantID, requestID string) (string, error) {
	b, err := s.kv.Get(ctx, idemKey(tenantID, requestID))
	if errors.Is(err, state.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", backendErr(err, "recall request")
	}
	return string(b), nil
}

// Forget drops a remembered request.
func (s *Store) Forget(ctx context.Context, tenantID, requestID string) error {
	if err := s.kv.Delete(ctx, idemKey(tenantID, requestID)); err != nil {
		return backendErr(err, "forget request")
	}
	return nil
}

// idemKey encodes both parts so arbitrary caller strings form a valid key.
func idemKey(tenantID, requestID string) string {
	enc := base64.RawURLEncoding
	return idemPrefix + enc.EncodeToString([]byte(tenantID)) + "." + enc.EncodeToString([]byte(requestID))
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func backendErr(err error, msg string) error {
	if kerr := kerrors.AsKernelError(err); kerr != nil {
		return kerr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return kerrors.Wrap(err, msg)
	}
	return kerrors.WrapWithCode(err, kerrors.ErrCodeUnavailable, msg)
}
