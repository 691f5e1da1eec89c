package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sjawhar/milo/internal/artifact"
	"github.com/sjawhar/milo/internal/bus"
	"github.com/sjawhar/milo/internal/storage"
)

// HandleQuestion converts and transcribes an uploaded question, then hands
// the transcript to the response stage.
func (p *Pipeline) HandleQuestion(ctx context.Context, msg bus.Message) error {
	log := p.log.With("stage", "question", "file", msg.Filename, "epoch", msg.Epoch)

	if !p.exchange.IsCurrent(msg.Epoch) {
		log.Debug("dropping superseded question")
		p.metrics.RecordStale("question")
		return nil
	}

	uploadPath, err := p.store.FilePath(artifact.AreaQuestionUpload, msg.Filename)
	if err != nil {
		return err
	}
	audioDir, err := p.store.Dir(artifact.AreaQuestionAudio)
	if err != nil {
		return err
	}
	transcriptDir, err := p.store.Dir(artifact.AreaQuestionTranscript)
	if err != nil {
		return err
	}

	started := time.Now()
	wavPath, err := p.converter.ToNormalizedAudio(ctx, uploadPath, audioDir)
	p.metrics.ObserveStage("question_convert", started, err)
	if err != nil {
		return fmt.Errorf("convert question %s: %w", msg.Filename, err)
	}

	started = time.Now()
	transcriptPath, err := p.transcriber.Transcribe(ctx, wavPath, transcriptDir)
	p.metrics.ObserveStage("question_transcribe", started, err)
	if err != nil {
		return fmt.Errorf("transcribe question %s: %w", msg.Filename, err)
	}

	if !p.exchange.IsCurrent(msg.Epoch) {
		log.Info("question superseded while transcribing")
		p.metrics.RecordStale("question")
		return nil
	}

	if _, err := p.bus.Publish(ctx, TopicResponse, bus.Message{
		Epoch:    msg.Epoch,
		Filename: filepath.Base(transcriptPath),
		Path:     transcriptPath,
	}); err != nil {
		return fmt.Errorf("publish question transcript: %w", err)
	}
	log.Info("question transcribed", "transcript", filepath.Base(transcriptPath))
	return nil
}

// HandleResponse answers a transcribed question in the persona's voice,
// grounding it on the lecture summary when one exists, and speaks the
// answer.
func (p *Pipeline) HandleResponse(ctx context.Context, msg bus.Message) error {
	log := p.log.With("stage", "response", "file", msg.Filename, "epoch", msg.Epoch)

	if !p.exchange.IsCurrent(msg.Epoch) {
		log.Debug("dropping superseded question transcript")
		p.metrics.RecordStale("response")
		return nil
	}

	raw, err := p.store.Read(artifact.AreaQuestionTranscript, msg.Filename)
	if err != nil {
		return fmt.Errorf("read question transcript: %w", err)
	}
	question := StripTimestamps(string(raw))

	summary, err := p.lectureSummary()
	if err != nil {
		return err
	}
	withContext := summary != ""

	started := time.Now()
	answer, err := p.generate(ctx, "response", p.responder, p.prompts.QuestionSystem(summary), QuestionUser(question))
	p.metrics.ObserveStage("respond", started, err)
	if err != nil {
		return fmt.Errorf("generate answer: %w", err)
	}

	name := artifact.Stem(msg.Filename) + "_questions.txt"
	var answerPath string
	err = p.exchange.Guard(msg.Epoch, func() error {
		a, err := p.store.Write(artifact.AreaResponses, name, []byte(answer))
		answerPath = a.Path
		return err
	})
	if errors.Is(err, ErrStaleEpoch) {
		log.Info("discarding answer to a superseded question")
		p.metrics.RecordStale("response")
		return nil
	}
	if err != nil {
		return fmt.Errorf("write answer: %w", err)
	}
	p.metrics.RecordAnswer()

	responseDir, err := p.store.Dir(artifact.AreaResponseAudio)
	if err != nil {
		return err
	}

	started = time.Now()
	wavPath, err := p.synthesizer.Synthesize(ctx, answerPath, responseDir)
	p.metrics.ObserveStage("response_synthesize", started, err)
	if err != nil {
		return fmt.Errorf("synthesize answer: %w", err)
	}

	filename := filepath.Base(wavPath)
	if p.ledger != nil {
		if err := p.ledger.RecordQuestion(ctx, storage.Question{
			AskedAt:     time.Now().UTC(),
			Transcript:  question,
			Response:    answer,
			AudioFile:   filename,
			WithContext: withContext,
		}); err != nil {
			log.Warn("recording question failed", "error", err)
		}
	}

	err = p.exchange.Guard(msg.Epoch, func() error {
		if p.events != nil {
			p.events.BroadcastResponseAudio(filename)
		}
		return nil
	})
	if errors.Is(err, ErrStaleEpoch) {
		log.Info("question superseded before its answer was spoken")
		p.metrics.RecordStale("response")
		return nil
	}

	log.Info("answer ready", "audio", filename, "with_context", withContext)
	return nil
}

// lectureSummary returns the current lecture summary, or "" when none has
// been produced yet. The question flow only ever reads it.
func (p *Pipeline) lectureSummary() (string, error) {
	data, err := p.store.Read(artifact.AreaSummaries, artifact.SummaryFile)
	if errors.Is(err, artifact.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lecture summary: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
