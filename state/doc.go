// Package state provides the TTL key-value backends the kernel keeps its
// ephemeral records in.
//
// Two backends implement StateStore:
//
//   - NATSStore: NATS JetStream KV, shared by every kernel process behind a
//     load balancer. This is what makes cross-process polling of a context work.
//   - MemoryStore: an in-process map with a TTL sweeper. Used in tests and as the
//     degraded-mode fallback when the shared cache is unreachable at startup.
//
// # Usage
//
//	nc, _ := bus.Connect(bus.DefaultNATSConfig())
//	store, err := state.NewNATSStore(state.NATSStoreConfig{Conn: nc, Bucket: "kernel-contexts"})
//	if err != nil {
//	    store = state.NewMemoryStore()
//	}
//
//	_ = store.Put(ctx, "context.abc", data, time.Hour)
//	err = store.Create(ctx, "idem.t1.req-9", []byte("abc"), time.Hour) // ErrExists on replay
//
//	lock, err := store.Lock(ctx, "pipeline.p1.c1", 10*time.Minute)
//	if err == state.ErrLockHeld {
//	    // another cycle owns the project
//	}
//	defer lock.Unlock()
package state
