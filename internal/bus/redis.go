package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBus maps every topic onto a Redis stream and every listener onto a
// consumer group of that stream, so a restarted process resumes where its
// listeners left off.
type RedisBus struct {
	client *redis.Client
	opts   options

	mu     sync.Mutex
	subs   map[string]map[string]*redisListener
	topics map[string]struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type redisListener struct {
	mu      sync.Mutex
	handler Handler
}

func (l *redisListener) get() Handler {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handler
}

func (l *redisListener) set(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

func NewRedis(client *redis.Client, opts ...Option) *RedisBus {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{
		client: client,
		opts:   o,
		subs:   make(map[string]map[string]*redisListener),
		topics: make(map[string]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, msg Message) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	b.topics[topic] = struct{}{}
	b.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = time.Now().UTC()
	}
	msg.Topic = topic

	raw, err := msg.Marshal()
	if err != nil {
		return "", err
	}

	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream(topic),
		Values: map[string]interface{}{"envelope": string(raw)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

func (b *RedisBus) Subscribe(topic, listener string, h Handler) error {
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
	b.topics[topic] = struct{}{}

	if l, ok := b.subs[topic][listener]; ok {
		l.set(h)
		return nil
	}

	if err := EnsureGroup(b.ctx, b.client, b.stream(topic), listener, "$"); err != nil {
		return err
	}

	l := &redisListener{handler: h}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*redisListener)
	}
	b.subs[topic][listener] = l

	b.wg.Add(1)
	go b.consume(topic, listener, l)
	return nil
}

// Clear deletes the topic stream together with its consumer groups, then
// recreates the groups of local listeners on the empty stream.
func (b *RedisBus) Clear(ctx context.Context, topic string) error {
	stream := b.stream(topic)
	if err := b.client.Del(ctx, stream).Err(); err != nil {
		return fmt.Errorf("clear topic %s: %w", topic, err)
	}

	b.mu.Lock()
	listeners := make([]string, 0, len(b.subs[topic]))
	for name := range b.subs[topic] {
		listeners = append(listeners, name)
	}
	b.mu.Unlock()

	for _, name := range listeners {
		if err := EnsureGroup(ctx, b.client, stream, name, "0"); err != nil {
			return err
		}
	}
	return nil
}

// ClearAll clears every topic this process knows about plus any stream
// under the bus prefix, so a fresh process can reset what a previous one
// left behind.
func (b *RedisBus) ClearAll(ctx context.Context) error {
	topics := make(map[string]struct{})

	b.mu.Lock()
	for topic := range b.topics {
		topics[topic] = struct{}{}
	}
	b.mu.Unlock()

	iter := b.client.Scan(ctx, 0, b.opts.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		topics[strings.TrimPrefix(iter.Val(), b.opts.prefix)] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan topics: %w", err)
	}

	for topic := range topics {
		if err := b.Clear(ctx, topic); err != nil {
			return err
		}
	}
	return nil
}

func (b *RedisBus) Close() error {
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

// EnsureGroup creates the consumer group if it does not exist.
func EnsureGroup(ctx context.Context, client *redis.Client, stream, group, start string) error {
	if stream == "" || group == "" {
		return fmt.Errorf("stream and group must be provided")
	}
	if err := client.XGroupCreateMkStream(ctx, stream, group, start).Err(); err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("xgroup create: %w", err)
	}
	return nil
}

func (b *RedisBus) consume(topic, listener string, l *redisListener) {
	defer b.wg.Done()

	stream := b.stream(topic)
	logger := b.opts.logger.With("topic", topic, "listener", listener)

	// Entries delivered to this group before a restart but never acked.
	for {
		n, err := b.drain(stream, listener, l, "0")
		if err != nil {
			if b.ctx.Err() == nil {
				logger.Warn("reading pending entries failed", "error", err)
			}
			break
		}
		if n == 0 {
			break
		}
	}

	for {
		if b.ctx.Err() != nil {
			return
		}
		_, err := b.drain(stream, listener, l, ">")
		if err == nil || b.ctx.Err() != nil {
			continue
		}

		if strings.Contains(err.Error(), "NOGROUP") {
			if err := EnsureGroup(b.ctx, b.client, stream, listener, "0"); err != nil {
				logger.Error("recreating consumer group failed", "error", err)
			}
			continue
		}

		logger.Error("reading stream failed", "error", err)
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// drain performs one XREADGROUP from start and dispatches every entry it
// returns. Entries are acknowledged whether or not the handler succeeded.
func (b *RedisBus) drain(stream, listener string, l *redisListener, start string) (int, error) {
	args := &redis.XReadGroupArgs{
		Group:    listener,
		Consumer: listener,
		Streams:  []string{stream, start},
		Count:    b.opts.count,
	}
	if start == ">" {
		args.Block = b.opts.block
	} else {
		args.Block = -1
	}

	streams, err := b.client.XReadGroup(b.ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("xreadgroup: %w", err)
	}

	n := 0
	for _, st := range streams {
		for _, entry := range st.Messages {
			if msg, ok := b.decode(entry); ok {
				dispatch(b.ctx, b.opts, listener, l.get(), msg)
			}
			if err := b.client.XAck(b.ctx, stream, listener, entry.ID).Err(); err != nil {
				return n, fmt.Errorf("xack: %w", err)
			}
			n++
		}
	}
	return n, nil
}

func (b *RedisBus) decode(entry redis.XMessage) (Message, bool) {
	raw, ok := entry.Values["envelope"]
	if !ok {
		b.opts.logger.Warn("dropping stream entry without envelope", "id", entry.ID)
		return Message{}, false
	}

	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		b.opts.logger.Warn("dropping stream entry with unexpected envelope type", "id", entry.ID)
		return Message{}, false
	}

	msg, err := UnmarshalMessage(data)
	if err != nil {
		b.opts.logger.Warn("dropping undecodable stream entry", "id", entry.ID, "error", err)
		return Message{}, false
	}
	return msg, true
}

func (b *RedisBus) stream(topic string) string {
	return b.opts.prefix + topic
}
