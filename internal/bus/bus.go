package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

var ErrClosed = errors.New("bus closed")

// Message is the small reference carried between stage handlers. Payloads
// stay in the artifact store; a message only names them.
type Message struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	Epoch       uint64    `json:"epoch"`
	Filename    string    `json:"filename"`
	Source      string    `json:"source,omitempty"`
	Path        string    `json:"path,omitempty"`
	LastChunk   bool      `json:"last_chunk,omitempty"`
	Sequence    int       `json:"sequence,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

func (m Message) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

func UnmarshalMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	return m, nil
}

// Handler processes one delivered message. A returned error is logged and
// counted; the bus does not redeliver.
type Handler func(ctx context.Context, msg Message) error

// Bus is a topic addressed publish/subscribe channel with durable, named
// listeners.
type Bus interface {
	// Publish appends msg to topic and returns the id assigned by the
	// backend. Delivery happens asynchronously.
	Publish(ctx context.Context, topic string, msg Message) (string, error)
	// Subscribe binds h to every future message on topic under listener.
	// Subscribing again with the same listener replaces the handler.
	Subscribe(topic, listener string, h Handler) error
	// Clear drops the backlog of topic and resets listener cursors.
	Clear(ctx context.Context, topic string) error
	ClearAll(ctx context.Context) error
	Close() error
}

// Observer receives delivery outcomes, typically a metrics sink.
type Observer interface {
	Delivered(topic string)
	Failed(topic string)
}

type Option func(*options)

type options struct {
	logger   *slog.Logger
	observer Observer
	block    time.Duration
	count    int64
	prefix   string
}

func defaultOptions() options {
	return options{
		logger: slog.Default(),
		block:  250 * time.Millisecond,
		count:  16,
		prefix: "milo:",
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(o *options) {
		o.observer = observer
	}
}

// WithBlock sets how long a Redis consumer blocks on an empty stream.
func WithBlock(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.block = d
		}
	}
}

// WithCount caps the number of entries a Redis consumer reads at once.
func WithCount(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.count = n
		}
	}
}

// WithPrefix sets the Redis key prefix for topic streams.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// dispatch runs h for msg, converting panics into errors so a failing
// listener never takes the dispatcher down.
func dispatch(ctx context.Context, o options, listener string, h Handler, msg Message) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("listener panic: %v", r)
				o.logger.Error("bus listener panicked",
					"topic", msg.Topic,
					"listener", listener,
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		return h(ctx, msg)
	}()

	if err != nil {
		o.logger.Error("bus listener failed",
			"topic", msg.Topic,
			"listener", listener,
			"file", msg.Filename,
			"epoch", msg.Epoch,
			"error", err,
		)
		if o.observer != nil {
			o.observer.Failed(msg.Topic)
		}
		return
	}
	if o.observer != nil {
		o.observer.Delivered(msg.Topic)
	}
}
