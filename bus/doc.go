// Package bus provides the message bus the kernel uses for completion events
// and remote agent calls.
//
// # Implementations
//
//   - NATSBus: NATS core messaging, sharing its connection with the KV store
//   - MemoryBus: in-process implementation for tests and single-node runs
//
// # Subjects
//
// The kernel uses two subject families:
//
//	kernel.context.<context_id>   terminal status of a background task
//	agents.<task>                 request/reply to a remote agent worker
//
// Remote workers join the "kernel-agents" queue group so each request is
// handled by exactly one instance:
//
//	sub, _ := b.QueueSubscribe("agents.write_article", "kernel-agents")
//	for msg := range sub.Messages() {
//	    b.Publish(msg.Reply, response)
//	}
//
// Callers bound requests with a context:
//
//	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
//	defer cancel()
//	reply, err := b.Request(ctx, "agents.write_article", payload)
package bus
