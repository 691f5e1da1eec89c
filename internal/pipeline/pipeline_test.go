package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sjawhar/milo/internal/artifact"
	"github.com/sjawhar/milo/internal/bus"
	"github.com/sjawhar/milo/internal/storage"
)

type fakeConverter struct {
	mu        sync.Mutex
	failOnce  map[string]bool
	normalize []string
	client    []string
}

func (c *fakeConverter) ToNormalizedAudio(_ context.Context, in, outDir string) (string, error) {
	c.mu.Lock()
	name := filepath.Base(in)
	c.normalize = append(c.normalize, name)
	var fail bool
	for key := range c.failOnce {
		if sameUpload(name, key) {
			fail = true
			delete(c.failOnce, key)
			break
		}
	}
	c.mu.Unlock()

	if fail {
		return "", errors.New("ffmpeg exploded")
	}
	return copyWithExt(in, outDir, ".wav")
}

func (c *fakeConverter) ToClientContainer(_ context.Context, in, outDir string) (string, error) {
	c.mu.Lock()
	c.client = append(c.client, filepath.Base(in))
	c.mu.Unlock()
	return copyWithExt(in, outDir, ".webm")
}

type fakeTranscriber struct {
	mu      sync.Mutex
	calls   int
	gate    map[string]chan struct{}
	started chan string
}

func (tr *fakeTranscriber) Transcribe(_ context.Context, audioPath, outDir string) (string, error) {
	tr.mu.Lock()
	tr.calls++
	var gate chan struct{}
	for key, ch := range tr.gate {
		if sameUpload(artifact.Stem(audioPath), key) {
			gate = ch
		}
	}
	started := tr.started
	tr.mu.Unlock()

	data, err := os.ReadFile(audioPath)
	if err != nil {
		return "", err
	}

	if started != nil {
		started <- artifact.Stem(audioPath)
	}
	if gate != nil {
		<-gate
	}

	out := filepath.Join(outDir, artifact.Stem(audioPath)+".txt")
	line := fmt.Sprintf("[0.00 - 1.50] %s\n", strings.TrimSpace(string(data)))
	return out, os.WriteFile(out, []byte(line), 0o644)
}

type generateCall struct {
	system string
	user   string
}

type fakeGenerator struct {
	mu    sync.Mutex
	reply string
	err   error
	calls []generateCall
}

func (g *fakeGenerator) Generate(_ context.Context, system, user string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, generateCall{system: system, user: user})
	return g.reply, g.err
}

func (g *fakeGenerator) setErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

func (g *fakeGenerator) Calls() []generateCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]generateCall(nil), g.calls...)
}

type fakeSynthesizer struct {
	mu    sync.Mutex
	texts []string
}

func (s *fakeSynthesizer) Synthesize(_ context.Context, textPath, outDir string) (string, error) {
	data, err := os.ReadFile(textPath)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.texts = append(s.texts, string(data))
	s.mu.Unlock()
	return copyWithExt(textPath, outDir, ".wav")
}

func (s *fakeSynthesizer) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type fakeEvents struct {
	mu          sync.Mutex
	transcribed []string
	finalized   []string
	lecture     []string
	responses   []string
}

func (e *fakeEvents) BroadcastSessionStarted(string) {}

func (e *fakeEvents) BroadcastChunkTranscribed(_, filename string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transcribed = append(e.transcribed, filename)
}

func (e *fakeEvents) BroadcastSessionFinalized(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finalized = append(e.finalized, sessionID)
}

func (e *fakeEvents) BroadcastLectureAudio(filename string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lecture = append(e.lecture, filename)
}

func (e *fakeEvents) BroadcastResponseAudio(filename string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responses = append(e.responses, filename)
}

func (e *fakeEvents) snapshot() fakeEvents {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fakeEvents{
		transcribed: append([]string(nil), e.transcribed...),
		finalized:   append([]string(nil), e.finalized...),
		lecture:     append([]string(nil), e.lecture...),
		responses:   append([]string(nil), e.responses...),
	}
}

type fakeLedger struct {
	mu        sync.Mutex
	claims    map[string]bool
	released  int
	statuses  []string
	archives  []string
	questions []storage.Question
}

func (l *fakeLedger) FinalizeSession(context.Context, string) error { return nil }

func (l *fakeLedger) ClaimSummary(_ context.Context, sessionID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.claims == nil {
		l.claims = make(map[string]bool)
	}
	if l.claims[sessionID] {
		return false, nil
	}
	l.claims[sessionID] = true
	return true, nil
}

func (l *fakeLedger) ReleaseSummary(_ context.Context, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.claims, sessionID)
	l.released++
	return nil
}

func (l *fakeLedger) claimed(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.claims[sessionID]
}

func (l *fakeLedger) UpdateSummary(_ context.Context, _, status, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, status)
	return nil
}

func (l *fakeLedger) RecordArchive(_ context.Context, _, path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.archives = append(l.archives, path)
	return nil
}

func (l *fakeLedger) RecordQuestion(_ context.Context, q storage.Question) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.questions = append(l.questions, q)
	return nil
}

// sameUpload reports whether a staged file name belongs to the client
// upload key. Staged chunks carry a "NNNNNN-" prefix.
func sameUpload(name, key string) bool {
	return name == key || strings.HasSuffix(name, "-"+key)
}

func copyWithExt(in, outDir, ext string) (string, error) {
	data, err := os.ReadFile(in)
	if err != nil {
		return "", err
	}
	out := filepath.Join(outDir, artifact.Stem(in)+ext)
	return out, os.WriteFile(out, data, 0o644)
}

type harness struct {
	store       *artifact.Store
	bus         *bus.MemoryBus
	pipeline    *Pipeline
	converter   *fakeConverter
	transcriber *fakeTranscriber
	summarizer  *fakeGenerator
	responder   *fakeGenerator
	synthesizer *fakeSynthesizer
	events      *fakeEvents
	ledger      *fakeLedger
	epoch       uint64
	staged      int
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &harness{
		store:       store,
		bus:         bus.NewMemory(bus.WithLogger(logger)),
		converter:   &fakeConverter{failOnce: map[string]bool{}},
		transcriber: &fakeTranscriber{gate: map[string]chan struct{}{}},
		summarizer:  &fakeGenerator{reply: "The lecture covered goroutines."},
		responder:   &fakeGenerator{reply: "Channels connect goroutines."},
		synthesizer: &fakeSynthesizer{},
		events:      &fakeEvents{},
		ledger:      &fakeLedger{},
	}
	t.Cleanup(func() { _ = h.bus.Close() })

	h.pipeline, err = New(Deps{
		Store:       store,
		Bus:         h.bus,
		Converter:   h.converter,
		Transcriber: h.transcriber,
		Summarizer:  h.summarizer,
		Responder:   h.responder,
		Synthesizer: h.synthesizer,
		Events:      h.events,
		Ledger:      h.ledger,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := h.pipeline.Register(); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	h.startLecture(t, "session-1")
	return h
}

func (h *harness) startLecture(t *testing.T, sessionID string) {
	t.Helper()
	epoch, err := h.pipeline.Lecture().Begin(sessionID, func() error {
		if err := h.store.ClearAll(artifact.LectureAreas()...); err != nil {
			return err
		}
		_, err := h.store.Write(artifact.AreaTranscript, artifact.FinalTranscriptFile, nil)
		return err
	})
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	h.epoch = epoch
}

func (h *harness) uploadChunk(t *testing.T, name string, last bool) string {
	t.Helper()
	return h.uploadChunkBody(t, name, "audio of "+name, last)
}

// uploadChunkBody stages one upload under its own id, the way the session
// coordinator does, and returns that id.
func (h *harness) uploadChunkBody(t *testing.T, name, body string, last bool) string {
	t.Helper()
	h.staged++
	id := fmt.Sprintf("%06d-%s", h.staged, name)
	if _, err := h.store.Write(artifact.AreaChunks, id, []byte(body)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := h.pipeline.Lecture().Receive(h.epoch, id, name); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if _, err := h.bus.Publish(context.Background(), TopicAudio, bus.Message{
		Epoch:     h.epoch,
		Filename:  id,
		Source:    name,
		LastChunk: last,
	}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	return id
}

func (h *harness) askQuestion(t *testing.T, name string) uint64 {
	t.Helper()
	epoch, err := h.pipeline.Exchange().Begin(name, func() error {
		if err := h.store.ClearAll(artifact.QuestionAreas()...); err != nil {
			return err
		}
		_, err := h.store.Write(artifact.AreaQuestionUpload, name, []byte("what is a goroutine"))
		return err
	})
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := h.bus.Publish(context.Background(), TopicQuestion, bus.Message{Epoch: epoch, Filename: name}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	return epoch
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.bus.Wait(ctx); err != nil {
		t.Fatalf("pipeline did not settle: %v", err)
	}
}

func (h *harness) finalTranscriptLines(t *testing.T) []string {
	t.Helper()
	data, err := h.store.Read(artifact.AreaTranscript, artifact.FinalTranscriptFile)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func TestLectureThreeChunksSummarizedOnce(t *testing.T) {
	h := newHarness(t)

	h.uploadChunk(t, "a.webm", false)
	h.uploadChunk(t, "b.webm", false)
	h.uploadChunk(t, "c.webm", true)
	h.wait(t)

	lines := h.finalTranscriptLines(t)
	if len(lines) != 3 {
		t.Fatalf("expected 3 appended segments, got %d: %v", len(lines), lines)
	}
	for i, name := range []string{"a.webm", "b.webm", "c.webm"} {
		if !strings.Contains(lines[i], "audio of "+name) {
			t.Errorf("line %d = %q, want segment of %s", i, lines[i], name)
		}
	}

	if got := len(h.summarizer.Calls()); got != 1 {
		t.Fatalf("expected one summarization, got %d", got)
	}
	call := h.summarizer.Calls()[0]
	if !strings.HasPrefix(call.user, "Here is the timestamped transcript:\n") {
		t.Errorf("unexpected summary user content: %q", call.user)
	}
	if !strings.Contains(call.user, "[0.00 - 1.50] audio of a.webm") {
		t.Errorf("summary input should keep timestamps, got %q", call.user)
	}

	ev := h.events.snapshot()
	if len(ev.lecture) != 1 || ev.lecture[0] != "transcript_final_resume.webm" {
		t.Fatalf("expected one lecture audio notification, got %v", ev.lecture)
	}
	if len(ev.finalized) != 1 {
		t.Errorf("expected one finalization event, got %v", ev.finalized)
	}
	if len(ev.transcribed) != 3 {
		t.Errorf("expected 3 chunk events, got %v", ev.transcribed)
	}

	chunks, _ := h.store.List(artifact.AreaChunks)
	if len(chunks) != 0 {
		t.Errorf("consumed chunks should be reclaimed, %d left", len(chunks))
	}

	if len(h.ledger.archives) != 1 {
		t.Fatalf("expected one archive, got %v", h.ledger.archives)
	}
	for _, name := range []string{artifact.FinalTranscriptFile, artifact.SummaryFile} {
		if _, err := os.Stat(filepath.Join(h.ledger.archives[0], name)); err != nil {
			t.Errorf("archive missing %s: %v", name, err)
		}
	}
	if !h.store.Exists(artifact.AreaSummaries, artifact.SummaryFile) {
		t.Error("working summary must remain after archiving")
	}
}

func TestDuplicateFinalizationMessageSummarizesOnce(t *testing.T) {
	h := newHarness(t)

	h.uploadChunk(t, "a.webm", true)
	h.wait(t)

	for i := 0; i < 2; i++ {
		if _, err := h.bus.Publish(context.Background(), TopicTranscript, bus.Message{
			Epoch:    h.epoch,
			Filename: artifact.FinalTranscriptFile,
		}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	h.wait(t)

	if got := len(h.summarizer.Calls()); got != 1 {
		t.Fatalf("expected exactly one summarization, got %d", got)
	}
	if got := len(h.events.snapshot().lecture); got != 1 {
		t.Fatalf("expected exactly one notification, got %d", got)
	}
}

func TestDuplicateChunkDeliveryAppendsOnce(t *testing.T) {
	h := newHarness(t)

	id := h.uploadChunk(t, "a.webm", false)
	h.wait(t)
	if _, err := h.bus.Publish(context.Background(), TopicAudio, bus.Message{Epoch: h.epoch, Filename: id}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	h.wait(t)

	if lines := h.finalTranscriptLines(t); len(lines) != 1 {
		t.Fatalf("expected a single segment, got %v", lines)
	}
}

func TestFinalizationWaitsForFailedChunk(t *testing.T) {
	h := newHarness(t)
	h.converter.failOnce["b.webm"] = true

	h.uploadChunk(t, "a.webm", false)
	failed := h.uploadChunk(t, "b.webm", false)
	h.uploadChunk(t, "c.webm", true)
	h.wait(t)

	if got := len(h.summarizer.Calls()); got != 0 {
		t.Fatalf("summarization must wait for the failed chunk, got %d calls", got)
	}
	status := h.pipeline.Lecture().Status()
	if len(status.Pending) != 1 || status.Pending[0] != failed {
		t.Fatalf("expected %s pending, got %v", failed, status.Pending)
	}

	retry := h.uploadChunk(t, "b.webm", false)
	if status := h.pipeline.Lecture().Status(); len(status.Pending) != 1 || status.Pending[0] != retry {
		t.Fatalf("re-upload should replace the failed chunk, pending %v", status.Pending)
	}
	h.wait(t)

	if got := len(h.summarizer.Calls()); got != 1 {
		t.Fatalf("expected one summarization after re-upload, got %d", got)
	}
	if lines := h.finalTranscriptLines(t); len(lines) != 3 {
		t.Fatalf("expected 3 segments, got %v", lines)
	}
}

func TestUploadsSharingANameAreAllTranscribed(t *testing.T) {
	h := newHarness(t)

	h.uploadChunkBody(t, "blob", "one", false)
	h.uploadChunkBody(t, "blob", "two", false)
	h.uploadChunkBody(t, "blob", "three", true)
	h.wait(t)

	lines := h.finalTranscriptLines(t)
	if len(lines) != 3 {
		t.Fatalf("expected 3 segments, got %v", lines)
	}
	for i, want := range []string{"one", "two", "three"} {
		if !strings.HasSuffix(lines[i], want) {
			t.Errorf("line %d = %q, want segment %q", i, lines[i], want)
		}
	}
	if got := h.pipeline.Lecture().Status().Received; got != 3 {
		t.Errorf("expected 3 received chunks, got %d", got)
	}
	if got := len(h.summarizer.Calls()); got != 1 {
		t.Fatalf("expected one summarization, got %d", got)
	}
	ev := h.events.snapshot()
	if len(ev.transcribed) != 3 || ev.transcribed[0] != "blob" {
		t.Errorf("chunk events should name the client file, got %v", ev.transcribed)
	}
}

func TestFailedSummaryIsRetriedByLastChunkReupload(t *testing.T) {
	h := newHarness(t)
	h.summarizer.setErr(errors.New("model unavailable"))

	h.uploadChunk(t, "a.webm", false)
	h.uploadChunk(t, "b.webm", true)
	h.wait(t)

	if got := len(h.summarizer.Calls()); got != 1 {
		t.Fatalf("expected one failed summarization, got %d", got)
	}
	status := h.pipeline.Lecture().Status()
	if status.Finalized || status.Summarized {
		t.Fatalf("failed summary must release the session, got %+v", status)
	}
	if h.ledger.claimed("session-1") {
		t.Fatal("failed summary must release the durable claim")
	}
	if got := len(h.events.snapshot().lecture); got != 0 {
		t.Fatalf("no lecture audio expected after failure, got %d", got)
	}

	h.summarizer.setErr(nil)
	h.uploadChunk(t, "b.webm", true)
	h.wait(t)

	if got := len(h.summarizer.Calls()); got != 2 {
		t.Fatalf("re-uploading the last chunk should summarize again, got %d calls", got)
	}
	if got := len(h.events.snapshot().lecture); got != 1 {
		t.Fatalf("expected one lecture audio notification, got %d", got)
	}
	if !h.ledger.claimed("session-1") {
		t.Fatal("successful summary should hold the claim")
	}
	h.ledger.mu.Lock()
	defer h.ledger.mu.Unlock()
	if h.ledger.released != 1 {
		t.Fatalf("expected one release, got %d", h.ledger.released)
	}
	if last := h.ledger.statuses[len(h.ledger.statuses)-1]; last != storage.SummaryCompleted {
		t.Fatalf("expected final status %s, got %s", storage.SummaryCompleted, last)
	}
}

func TestStaleChunkFileIsRemoved(t *testing.T) {
	h := newHarness(t)
	old := h.epoch
	h.startLecture(t, "session-2")

	if _, err := h.store.Write(artifact.AreaChunks, "000009-late.webm", []byte("late")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := h.bus.Publish(context.Background(), TopicAudio, bus.Message{
		Epoch:    old,
		Filename: "000009-late.webm",
	}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	h.wait(t)

	if h.store.Exists(artifact.AreaChunks, "000009-late.webm") {
		t.Fatal("chunk of a reset session should be removed")
	}
	if got := h.pipeline.Lecture().Status().Received; got != 0 {
		t.Fatalf("stale chunk must not be tracked, got %d", got)
	}
}

func TestChunkFromResetSessionIsDiscarded(t *testing.T) {
	h := newHarness(t)

	gate := make(chan struct{})
	h.transcriber.gate["slow"] = gate
	h.transcriber.started = make(chan string, 4)

	h.uploadChunk(t, "slow.webm", true)
	if got := <-h.transcriber.started; !sameUpload(got, "slow") {
		t.Fatalf("unexpected transcription %s", got)
	}

	h.startLecture(t, "session-2")
	close(gate)
	h.wait(t)

	if lines := h.finalTranscriptLines(t); len(lines) != 0 {
		t.Fatalf("new session transcript must stay empty, got %v", lines)
	}
	if got := len(h.summarizer.Calls()); got != 0 {
		t.Fatalf("stale session must not be summarized, got %d", got)
	}
	if ev := h.events.snapshot(); len(ev.transcribed) != 0 {
		t.Fatalf("no chunk event expected, got %v", ev.transcribed)
	}
}

func TestQuestionWithoutSummaryUsesPersonaOnly(t *testing.T) {
	h := newHarness(t)

	h.askQuestion(t, "q1.webm")
	h.wait(t)

	calls := h.responder.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one generation, got %d", len(calls))
	}
	if calls[0].system != DefaultPrompts().Persona {
		t.Errorf("expected persona-only system prompt, got %q", calls[0].system)
	}
	if calls[0].user != "Answer this question concisely and precisely:\nwhat is a goroutine" {
		t.Errorf("unexpected user content %q", calls[0].user)
	}

	ev := h.events.snapshot()
	if len(ev.responses) != 1 || ev.responses[0] != "q1_questions.wav" {
		t.Fatalf("expected one response notification, got %v", ev.responses)
	}
	if len(h.ledger.questions) != 1 || h.ledger.questions[0].WithContext {
		t.Fatalf("expected question recorded without context, got %+v", h.ledger.questions)
	}
}

func TestQuestionAfterSummaryIncludesContext(t *testing.T) {
	h := newHarness(t)

	h.uploadChunk(t, "a.webm", true)
	h.wait(t)

	h.askQuestion(t, "q1.webm")
	h.wait(t)

	calls := h.responder.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one generation, got %d", len(calls))
	}
	if !strings.HasPrefix(calls[0].system, DefaultPrompts().Persona) {
		t.Errorf("system prompt should start with the persona")
	}
	if !strings.Contains(calls[0].system, "The lecture covered goroutines.") {
		t.Errorf("system prompt should carry the lecture summary, got %q", calls[0].system)
	}
	if !h.store.Exists(artifact.AreaSummaries, artifact.SummaryFile) {
		t.Error("question flow must not touch lecture artifacts")
	}
}

func TestAnswerIsSanitizedBeforeSynthesis(t *testing.T) {
	h := newHarness(t)
	h.responder.reply = "Salut 😊 #cool"

	h.askQuestion(t, "q1.webm")
	h.wait(t)

	texts := h.synthesizer.Texts()
	if len(texts) != 1 || texts[0] != "Salut  cool" {
		t.Fatalf("expected sanitized text to reach the synthesizer, got %q", texts)
	}
	data, err := h.store.Read(artifact.AreaResponses, "q1_questions.txt")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != "Salut  cool" {
		t.Fatalf("unexpected response artifact %q", string(data))
	}
}

func TestEmptyAnswerStillProducesArtifact(t *testing.T) {
	h := newHarness(t)
	h.responder.reply = "   "

	h.askQuestion(t, "q1.webm")
	h.wait(t)

	if !h.store.Exists(artifact.AreaResponses, "q1_questions.txt") {
		t.Fatal("empty answer should still be written")
	}
	if got := len(h.events.snapshot().responses); got != 1 {
		t.Fatalf("flow should continue on empty result, got %d notifications", got)
	}
}

func TestQuestionConversionFailureEmitsNothing(t *testing.T) {
	h := newHarness(t)
	h.converter.failOnce["q1.webm"] = true

	h.askQuestion(t, "q1.webm")
	h.wait(t)

	if got := len(h.responder.Calls()); got != 0 {
		t.Fatalf("no generation expected, got %d", got)
	}
	if got := len(h.events.snapshot().responses); got != 0 {
		t.Fatalf("no notification expected, got %d", got)
	}
}

func TestNewQuestionSupersedesPrevious(t *testing.T) {
	h := newHarness(t)

	gate := make(chan struct{})
	h.transcriber.gate["q1"] = gate
	h.transcriber.started = make(chan string, 4)

	h.askQuestion(t, "q1.webm")
	<-h.transcriber.started

	h.transcriber.mu.Lock()
	h.transcriber.started = nil
	h.transcriber.mu.Unlock()

	epoch, err := h.pipeline.Exchange().Begin("q2.webm", nil)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	close(gate)
	h.wait(t)

	if got := len(h.responder.Calls()); got != 0 {
		t.Fatalf("superseded question must not be answered, got %d", got)
	}
	if !h.pipeline.Exchange().IsCurrent(epoch) {
		t.Fatal("second exchange should be current")
	}
}

func TestLectureAndQuestionFlowsRunIndependently(t *testing.T) {
	h := newHarness(t)

	gate := make(chan struct{})
	h.transcriber.gate["a"] = gate

	h.uploadChunk(t, "a.webm", true)
	h.askQuestion(t, "q1.webm")

	deadline := time.Now().Add(2 * time.Second)
	for len(h.events.snapshot().responses) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("question flow blocked behind lecture flow")
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(gate)
	h.wait(t)

	if got := len(h.events.snapshot().lecture); got != 1 {
		t.Fatalf("expected lecture notification after release, got %d", got)
	}
}
