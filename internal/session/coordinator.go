package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sjawhar/milo/internal/artifact"
	"github.com/sjawhar/milo/internal/bus"
	"github.com/sjawhar/milo/internal/metrics"
	"github.com/sjawhar/milo/internal/pipeline"
)

type Deps struct {
	Store    *artifact.Store
	Bus      bus.Bus
	BusName  string
	Pipeline *pipeline.Pipeline
	Ledger   Ledger
	Events   EventBroadcaster
	Metrics  *metrics.Pipeline
	Logger   *slog.Logger
	Warnings []string
	NewID    func() string
	Now      func() time.Time
}

// Coordinator owns the two flows. It turns client requests into staged
// artifacts and bus messages, and resets a flow when a new lecture or
// question begins.
type Coordinator struct {
	store    *artifact.Store
	bus      bus.Bus
	busName  string
	pipeline *pipeline.Pipeline
	ledger   Ledger
	events   EventBroadcaster
	metrics  *metrics.Pipeline
	log      *slog.Logger
	warnings []string
	newID    func() string
	now      func() time.Time

	mu     sync.Mutex
	staged atomic.Uint64
}

func New(d Deps) (*Coordinator, error) {
	if d.Store == nil || d.Bus == nil || d.Pipeline == nil {
		return nil, errors.New("session: store, bus and pipeline are required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.BusName == "" {
		d.BusName = "memory"
	}

	return &Coordinator{
		store:    d.Store,
		bus:      d.Bus,
		busName:  d.BusName,
		pipeline: d.Pipeline,
		ledger:   d.Ledger,
		events:   d.Events,
		metrics:  d.Metrics,
		log:      d.Logger,
		warnings: d.Warnings,
		newID:    d.NewID,
		now:      d.Now,
	}, nil
}

// Start subscribes the stage handlers.
func (c *Coordinator) Start() error {
	return c.pipeline.Register()
}

// Reset clears every working area and topic and closes both flows. The
// archive is kept.
func (c *Coordinator) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.pipeline.Lecture().Begin("", func() error {
		_, err := c.pipeline.Exchange().Begin("", func() error {
			areas := append(artifact.LectureAreas(), artifact.QuestionAreas()...)
			if err := c.store.ClearAll(areas...); err != nil {
				return err
			}
			return c.bus.ClearAll(ctx)
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	c.log.Info("all staging areas and topics cleared")
	return nil
}

// StartLecture opens a new lecture session. Anything the previous session
// still has in flight is invalidated before its areas are cleared.
func (c *Coordinator) StartLecture(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked(ctx)
}

func (c *Coordinator) startLocked(ctx context.Context) (string, error) {
	sessionID := c.newID()

	epoch, err := c.pipeline.Lecture().Begin(sessionID, func() error {
		if err := c.store.ClearAll(artifact.LectureAreas()...); err != nil {
			return err
		}
		if _, err := c.store.Write(artifact.AreaTranscript, artifact.FinalTranscriptFile, nil); err != nil {
			return err
		}
		for _, topic := range pipeline.LectureTopics() {
			if err := c.bus.Clear(ctx, topic); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("start lecture: %w", err)
	}

	if c.ledger != nil {
		if n, err := c.ledger.AbandonActive(ctx); err != nil {
			c.log.Warn("abandoning open sessions failed", "error", err)
		} else if n > 0 {
			c.log.Info("abandoned unfinished sessions", "count", n)
		}
		if err := c.ledger.CreateSession(ctx, sessionID, epoch, c.now().UTC()); err != nil {
			c.log.Warn("recording session failed", "session", sessionID, "error", err)
		}
	}
	if c.events != nil {
		c.events.BroadcastSessionStarted(sessionID)
	}

	c.log.Info("lecture started", "session", sessionID, "epoch", epoch)
	return sessionID, nil
}

// SubmitChunk stages one lecture chunk and queues it for transcription. A
// chunk that arrives with no open session starts one.
func (c *Coordinator) SubmitChunk(ctx context.Context, up Upload, last bool, sequence int) error {
	name, body, err := checkUpload(up)
	if err != nil {
		return err
	}

	lecture := c.pipeline.Lecture()

	c.mu.Lock()
	epoch, sessionID := lecture.Current()
	if sessionID == "" {
		if _, err := c.startLocked(ctx); err != nil {
			c.mu.Unlock()
			return err
		}
		epoch, _ = lecture.Current()
	}
	c.mu.Unlock()

	// Each upload gets its own staged file, so clients reusing a name
	// never overwrite or shadow an earlier chunk.
	id := fmt.Sprintf("%06d-%s", c.staged.Add(1), name)
	a, err := c.store.Save(artifact.AreaChunks, id, body)
	if err != nil {
		return fmt.Errorf("save chunk: %w", err)
	}
	superseded, err := lecture.Receive(epoch, id, name)
	if err != nil {
		_ = c.store.Delete(artifact.AreaChunks, id)
		return ErrSessionReset
	}
	for _, old := range superseded {
		if err := c.store.Delete(artifact.AreaChunks, old); err != nil {
			c.log.Warn("removing failed chunk failed", "file", old, "error", err)
		}
	}
	c.metrics.RecordChunkReceived()

	if _, err := c.bus.Publish(ctx, pipeline.TopicAudio, bus.Message{
		Epoch:     epoch,
		Filename:  id,
		Source:    name,
		Path:      a.Path,
		LastChunk: last,
		Sequence:  sequence,
	}); err != nil {
		return fmt.Errorf("queue chunk: %w", err)
	}

	c.log.Debug("chunk queued", "file", name, "staged", id, "epoch", epoch, "last_chunk", last, "sequence", sequence)
	return nil
}

// SubmitQuestion replaces any open question with this one and queues it.
func (c *Coordinator) SubmitQuestion(ctx context.Context, up Upload) error {
	name, body, err := checkUpload(up)
	if err != nil {
		return err
	}

	var path string
	epoch, err := c.pipeline.Exchange().Begin(name, func() error {
		if err := c.store.ClearAll(artifact.QuestionAreas()...); err != nil {
			return err
		}
		for _, topic := range pipeline.QuestionTopics() {
			if err := c.bus.Clear(ctx, topic); err != nil {
				return err
			}
		}
		a, err := c.store.Save(artifact.AreaQuestionUpload, name, body)
		path = a.Path
		return err
	})
	if err != nil {
		return fmt.Errorf("stage question: %w", err)
	}
	c.metrics.RecordQuestionReceived()

	if _, err := c.bus.Publish(ctx, pipeline.TopicQuestion, bus.Message{
		Epoch:    epoch,
		Filename: name,
		Path:     path,
	}); err != nil {
		return fmt.Errorf("queue question: %w", err)
	}

	c.log.Info("question queued", "file", name, "epoch", epoch)
	return nil
}

func (c *Coordinator) Status() Status {
	epoch, question := c.pipeline.Exchange().Current()
	return Status{
		Lecture:  c.pipeline.Lecture().Status(),
		Question: QuestionStatus{Epoch: epoch, Question: question},
		Bus:      c.busName,
		Warnings: c.warnings,
	}
}

// checkUpload rejects a missing or empty upload before anything is staged.
func checkUpload(up Upload) (string, io.Reader, error) {
	if up.Body == nil {
		return "", nil, ErrMissingUpload
	}
	name := artifact.SafeName(up.Name)
	if strings.TrimSpace(up.Name) == "" || name == "" {
		return "", nil, ErrEmptyUpload
	}

	br := bufio.NewReader(up.Body)
	if _, err := br.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return "", nil, ErrEmptyUpload
		}
		return "", nil, fmt.Errorf("read upload: %w", err)
	}
	return name, br, nil
}
