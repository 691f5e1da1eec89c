package pipeline

import (
	"errors"
	"sync"
)

// ErrStaleEpoch is returned when work belongs to a session that has since
// been reset.
var ErrStaleEpoch = errors.New("stale session epoch")

// Latch is a resettable one-shot flag.
type Latch struct {
	mu  sync.Mutex
	set bool
}

// Set raises the latch and reports whether this call did it.
func (l *Latch) Set() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.set {
		return false
	}
	l.set = true
	return true
}

func (l *Latch) IsSet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set
}

func (l *Latch) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.set = false
}

// ChunkTracker records which chunks of a lecture were received and which of
// them made it into the final transcript. Chunks are keyed by their staged
// id, unique per upload; the client's file name is only kept to match a
// re-upload against a chunk whose processing failed.
type ChunkTracker struct {
	names     map[string]string
	completed map[string]struct{}
	failed    map[string]struct{}
	order     []string
}

func NewChunkTracker() *ChunkTracker {
	return &ChunkTracker{
		names:     make(map[string]string),
		completed: make(map[string]struct{}),
		failed:    make(map[string]struct{}),
	}
}

// Receive registers chunk id uploaded as name. Failed chunks uploaded under
// the same name are dropped and returned.
func (t *ChunkTracker) Receive(id, name string) []string {
	if _, ok := t.names[id]; ok {
		return nil
	}

	var superseded []string
	for failedID := range t.failed {
		if t.names[failedID] == name {
			superseded = append(superseded, failedID)
		}
	}
	for _, old := range superseded {
		t.forget(old)
	}

	t.names[id] = name
	t.order = append(t.order, id)
	return superseded
}

func (t *ChunkTracker) Complete(id string) {
	if _, ok := t.names[id]; !ok {
		t.names[id] = id
		t.order = append(t.order, id)
	}
	delete(t.failed, id)
	t.completed[id] = struct{}{}
}

// Fail marks a received chunk as failed. It stays pending.
func (t *ChunkTracker) Fail(id string) {
	if _, ok := t.names[id]; !ok {
		return
	}
	if _, done := t.completed[id]; done {
		return
	}
	t.failed[id] = struct{}{}
}

func (t *ChunkTracker) Completed(id string) bool {
	_, ok := t.completed[id]
	return ok
}

func (t *ChunkTracker) Received() int {
	return len(t.names)
}

func (t *ChunkTracker) Pending() []string {
	var out []string
	for _, id := range t.order {
		if _, ok := t.completed[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func (t *ChunkTracker) forget(id string) {
	delete(t.names, id)
	delete(t.failed, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// LectureStatus is a point-in-time view of the lecture flow.
type LectureStatus struct {
	Epoch      uint64   `json:"epoch"`
	SessionID  string   `json:"session_id"`
	Received   int      `json:"received"`
	Pending    []string `json:"pending"`
	LastChunk  bool     `json:"last_chunk"`
	Finalized  bool     `json:"finalized"`
	Summarized bool     `json:"summarized"`
}

// LectureState guards the single open lecture session. Every bus message of
// the lecture flow carries the epoch it was produced in; results from an
// older epoch are discarded.
type LectureState struct {
	mu        sync.Mutex
	epoch     uint64
	sessionID string
	chunks    *ChunkTracker

	last       Latch
	finalized  Latch
	summarized Latch
}

func NewLectureState() *LectureState {
	return &LectureState{chunks: NewChunkTracker()}
}

// Begin starts a new session. The epoch is advanced before reset runs so
// that in-flight work from the previous session can no longer commit.
func (s *LectureState) Begin(sessionID string, reset func() error) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch++
	s.sessionID = ""
	s.chunks = NewChunkTracker()
	s.last.Reset()
	s.finalized.Reset()
	s.summarized.Reset()

	if reset != nil {
		if err := reset(); err != nil {
			return s.epoch, err
		}
	}
	s.sessionID = sessionID
	return s.epoch, nil
}

func (s *LectureState) Current() (uint64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch, s.sessionID
}

func (s *LectureState) IsCurrent(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active(epoch)
}

// Receive registers the chunk staged as id so finalization waits for it.
// It returns the ids of failed chunks that this upload of name replaces.
func (s *LectureState) Receive(epoch uint64, id, name string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active(epoch) {
		return nil, ErrStaleEpoch
	}
	return s.chunks.Receive(id, name), nil
}

// Fail records that processing chunk id failed. Finalization keeps waiting
// until the chunk is uploaded again.
func (s *LectureState) Fail(epoch uint64, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active(epoch) {
		s.chunks.Fail(id)
	}
}

func (s *LectureState) Completed(epoch uint64, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active(epoch) && s.chunks.Completed(id)
}

// Commit runs fn for chunk id unless the chunk was already committed in
// this epoch, and marks the chunk complete when fn succeeds. Commits are
// serialised, which makes the final transcript follow processing
// completion order.
func (s *LectureState) Commit(epoch uint64, id string, fn func() error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active(epoch) {
		return false, ErrStaleEpoch
	}
	if s.chunks.Completed(id) {
		return false, nil
	}
	if err := fn(); err != nil {
		return false, err
	}
	s.chunks.Complete(id)
	return true, nil
}

// MarkLast records that the client sent the chunk flagged as last.
func (s *LectureState) MarkLast(epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active(epoch) {
		return ErrStaleEpoch
	}
	s.last.Set()
	return nil
}

// TryFinalize reports true exactly once per epoch: the first time the last
// chunk has been seen and no received chunk is still pending.
func (s *LectureState) TryFinalize(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active(epoch) || !s.last.IsSet() || len(s.chunks.Pending()) > 0 {
		return false
	}
	return s.finalized.Set()
}

// AbortFinalize lowers the finalization latch after the finalization
// message could not be published.
func (s *LectureState) AbortFinalize(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active(epoch) {
		s.finalized.Reset()
	}
}

// ClaimSummary reports true for the first caller of an epoch only.
func (s *LectureState) ClaimSummary(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active(epoch) {
		return false
	}
	return s.summarized.Set()
}

// ReleaseSummary undoes finalization and the summary claim after the
// summary failed, so the next last chunk finalizes the session again.
func (s *LectureState) ReleaseSummary(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active(epoch) {
		s.summarized.Reset()
		s.finalized.Reset()
	}
}

// Guard runs fn while holding the state lock if epoch is still current.
func (s *LectureState) Guard(epoch uint64, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active(epoch) {
		return ErrStaleEpoch
	}
	return fn()
}

func (s *LectureState) Status() LectureStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return LectureStatus{
		Epoch:      s.epoch,
		SessionID:  s.sessionID,
		Received:   s.chunks.Received(),
		Pending:    s.chunks.Pending(),
		LastChunk:  s.last.IsSet(),
		Finalized:  s.finalized.IsSet(),
		Summarized: s.summarized.IsSet(),
	}
}

func (s *LectureState) active(epoch uint64) bool {
	return epoch == s.epoch && s.sessionID != ""
}

// ExchangeState tracks the single open question exchange. Each new question
// replaces the previous one.
type ExchangeState struct {
	mu       sync.Mutex
	epoch    uint64
	question string
}

func NewExchangeState() *ExchangeState {
	return &ExchangeState{}
}

// Begin opens a new exchange for question. prepare runs under the state
// lock, after the previous exchange has been invalidated.
func (s *ExchangeState) Begin(question string, prepare func() error) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch++
	s.question = ""
	if prepare != nil {
		if err := prepare(); err != nil {
			return s.epoch, err
		}
	}
	s.question = question
	return s.epoch, nil
}

func (s *ExchangeState) Current() (uint64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch, s.question
}

func (s *ExchangeState) IsCurrent(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return epoch == s.epoch && s.question != ""
}

func (s *ExchangeState) Guard(epoch uint64, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || s.question == "" {
		return ErrStaleEpoch
	}
	return fn()
}
