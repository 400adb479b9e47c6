package bus

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
)

// MemoryBus implements MessageBus using in-memory channels.
// Used in tests and single-process deployments.
type MemoryBus struct {
	config Config

	mu          sync.RWMutex
	subs        map[string][]*memorySub
	queueGroups map[string]map[string][]*memorySub // subject -> queue -> subs
	queueNext   map[string]int                     // subject/queue -> round-robin cursor
	closed      atomic.Bool

	// For request/reply
	replyMu   sync.Mutex
	replySubs map[string]chan *Message
	replySeq  atomic.Uint64
}

type memorySub struct {
	subject string
	queue   string
	bus     *MemoryBus

	mu     sync.Mutex
	closed bool
	ch     chan *Message
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config:      cfg,
		subs:        make(map[string][]*memorySub),
		queueGroups: make(map[string]map[string][]*memorySub),
		queueNext:   make(map[string]int),
		replySubs:   make(map[string]chan *Message),
	}
}

// Publish sends a message to all subscribers.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Message{
		Subject: subject,
		Data:    data,
	}

	if b.deliverToReply(subject, msg) {
		return nil
	}
	b.deliver(subject, msg)
	return nil
}

// deliver fans msg out to plain subscribers and one member per queue group.
// Reports whether anyone received it.
func (b *MemoryBus) deliver(subject string, msg *Message) bool {
	b.mu.Lock()
	subs := append([]*memorySub(nil), b.subs[subject]...)
	var picked []*memorySub
	for queue, members := range b.queueGroups[subject] {
		if len(members) == 0 {
			continue
		}
		cursor := subject + "/" + queue
		idx := b.queueNext[cursor] % len(members)
		b.queueNext[cursor] = idx + 1
		picked = append(picked, members[idx])
	}
	b.mu.Unlock()

	delivered := false
	for _, sub := range subs {
		if sub.send(msg) {
			delivered = true
		}
	}
	for _, sub := range picked {
		if sub.send(msg) {
			delivered = true
		}
	}
	return delivered
}

// deliverToReply routes a publish on an inbox subject to its waiting request.
func (b *MemoryBus) deliverToReply(subject string, msg *Message) bool {
	b.replyMu.Lock()
	ch, ok := b.replySubs[subject]
	if ok {
		delete(b.replySubs, subject)
	}
	b.replyMu.Unlock()

	if ok {
		ch <- msg // buffered, single use
	}
	return ok
}

// Subscribe creates a subscription to a subject.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	return b.subscribe(subject, "")
}

// QueueSubscribe creates a queue subscription.
func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.subscribe(subject, queue)
}

func (b *MemoryBus) subscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		subject: subject,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if queue == "" {
		b.subs[subject] = append(b.subs[subject], sub)
		return sub, nil
	}
	if b.queueGroups[subject] == nil {
		b.queueGroups[subject] = make(map[string][]*memorySub)
	}
	b.queueGroups[subject][queue] = append(b.queueGroups[subject][queue], sub)
	return sub, nil
}

// Request sends a request and waits for reply until ctx is done.
func (b *MemoryBus) Request(ctx context.Context, subject string, data []byte) (*Message, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	replySubject := "_INBOX." + strconv.FormatUint(b.replySeq.Add(1), 10)
	replyCh := make(chan *Message, 1)

	b.replyMu.Lock()
	b.replySubs[replySubject] = replyCh
	b.replyMu.Unlock()

	msg := &Message{
		Subject: subject,
		Data:    data,
		Reply:   replySubject,
	}

	if !b.deliver(subject, msg) {
		b.dropReply(replySubject)
		return nil, ErrNoResponders
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		b.dropReply(replySubject)
		return nil, ErrTimeout
	}
}

func (b *MemoryBus) dropReply(subject string) {
	b.replyMu.Lock()
	delete(b.replySubs, subject)
	b.replyMu.Unlock()
}

// Close shuts down the bus and closes every subscription channel.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	var all []*memorySub
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	for _, queues := range b.queueGroups {
		for _, subs := range queues {
			all = append(all, subs...)
		}
	}
	b.subs = make(map[string][]*memorySub)
	b.queueGroups = make(map[string]map[string][]*memorySub)
	b.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
	return nil
}

func (s *memorySub) send(msg *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		// Buffer full, drop message
		return false
	}
}

func (s *memorySub) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	if !s.close() {
		return nil
	}

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.queue == "" {
		s.bus.subs[s.subject] = without(s.bus.subs[s.subject], s)
	} else if groups := s.bus.queueGroups[s.subject]; groups != nil {
		groups[s.queue] = without(groups[s.queue], s)
	}
	return nil
}

func without(subs []*memorySub, target *memorySub) []*memorySub {
	out := subs[:0:0]
	for _, sub := range subs {
		if sub != target {
			out = append(out, sub)
		}
	}
	return out
}
