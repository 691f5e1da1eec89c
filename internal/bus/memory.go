package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBus is an in-process Bus. Each listener owns a cursor into its
// topic's backlog and a goroutine that delivers in publish order.
type MemoryBus struct {
	opts options

	mu     sync.Mutex
	topics map[string]*memoryTopic
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type memoryTopic struct {
	base      int
	entries   []Message
	listeners map[string]*memoryListener
}

type memoryListener struct {
	name    string
	handler Handler
	cursor  int
	busy    bool
	wake    chan struct{}
}

func NewMemory(opts ...Option) *MemoryBus {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		opts:   o,
		topics: make(map[string]*memoryTopic),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, msg Message) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrClosed
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = time.Now().UTC()
	}
	msg.Topic = topic

	t := b.topic(topic)
	t.entries = append(t.entries, msg)
	for _, l := range t.listeners {
		notify(l)
	}
	if len(t.listeners) == 0 {
		t.trim()
	}
	return msg.ID, nil
}

func (b *MemoryBus) Subscribe(topic, listener string, h Handler) error {
	if topic == "" || listener == "" {
		return fmt.Errorf("topic and listener must be provided")
	}
	if h == nil {
		return fmt.Errorf("handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	t := b.topic(topic)
	if l, ok := t.listeners[listener]; ok {
		l.handler = h
		return nil
	}

	l := &memoryListener{
		name:    listener,
		handler: h,
		cursor:  t.base + len(t.entries),
		wake:    make(chan struct{}, 1),
	}
	t.listeners[listener] = l

	b.wg.Add(1)
	go b.run(t, l)
	return nil
}

func (b *MemoryBus) Clear(_ context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[topic]; ok {
		t.reset()
	}
	return nil
}

func (b *MemoryBus) ClearAll(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range b.topics {
		t.reset()
	}
	return nil
}

// Wait blocks until every listener has drained its backlog and is idle.
func (b *MemoryBus) Wait(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if b.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}

func (b *MemoryBus) run(t *memoryTopic, l *memoryListener) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-l.wake:
		}

		for {
			b.mu.Lock()
			if b.closed {
				b.mu.Unlock()
				return
			}
			if l.cursor < t.base {
				l.cursor = t.base
			}
			if l.cursor >= t.base+len(t.entries) {
				l.busy = false
				b.mu.Unlock()
				break
			}
			msg := t.entries[l.cursor-t.base]
			h := l.handler
			l.cursor++
			l.busy = true
			b.mu.Unlock()

			dispatch(b.ctx, b.opts, l.name, h, msg)

			b.mu.Lock()
			t.trim()
			b.mu.Unlock()
		}
	}
}

func (b *MemoryBus) idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range b.topics {
		for _, l := range t.listeners {
			if l.busy || l.cursor < t.base+len(t.entries) {
				return false
			}
		}
	}
	return true
}

func (b *MemoryBus) topic(name string) *memoryTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memoryTopic{listeners: make(map[string]*memoryListener)}
		b.topics[name] = t
	}
	return t
}

// trim drops entries every listener has already consumed.
func (t *memoryTopic) trim() {
	low := t.base + len(t.entries)
	for _, l := range t.listeners {
		if l.cursor < low {
			low = l.cursor
		}
	}
	if n := low - t.base; n > 0 {
		t.entries = append([]Message(nil), t.entries[n:]...)
		t.base = low
	}
}

func (t *memoryTopic) reset() {
	t.base += len(t.entries)
	t.entries = nil
	for _, l := range t.listeners {
		l.cursor = t.base
	}
}

func notify(l *memoryListener) {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
