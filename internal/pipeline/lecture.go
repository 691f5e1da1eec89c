package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sjawhar/milo/internal/artifact"
	"github.com/sjawhar/milo/internal/bus"
	"github.com/sjawhar/milo/internal/storage"
)

// HandleAudio converts and transcribes one lecture chunk, then appends its
// transcript to the final transcript. When the last chunk has been seen and
// nothing is pending, it publishes the finalization message.
func (p *Pipeline) HandleAudio(ctx context.Context, msg bus.Message) error {
	log := p.log.With("stage", "audio", "file", msg.Filename, "epoch", msg.Epoch)

	if !p.lecture.IsCurrent(msg.Epoch) {
		log.Debug("dropping chunk from a previous session")
		p.metrics.RecordStale("audio")
		if err := p.store.Delete(artifact.AreaChunks, msg.Filename); err != nil {
			log.Warn("removing stale chunk failed", "error", err)
		}
		return nil
	}
	if msg.LastChunk {
		if err := p.lecture.MarkLast(msg.Epoch); err != nil {
			log.Debug("dropping last chunk from a previous session")
			_ = p.store.Delete(artifact.AreaChunks, msg.Filename)
			return nil
		}
	}
	if p.lecture.Completed(msg.Epoch, msg.Filename) {
		log.Info("chunk already in transcript, skipping duplicate")
		return p.finalize(ctx, msg.Epoch)
	}

	chunkPath, err := p.store.FilePath(artifact.AreaChunks, msg.Filename)
	if err != nil {
		return err
	}
	audioDir, err := p.store.Dir(artifact.AreaAudio)
	if err != nil {
		return err
	}
	partialsDir, err := p.store.Dir(artifact.AreaPartials)
	if err != nil {
		return err
	}

	started := time.Now()
	wavPath, err := p.converter.ToNormalizedAudio(ctx, chunkPath, audioDir)
	p.metrics.ObserveStage("convert", started, err)
	if err != nil {
		p.lecture.Fail(msg.Epoch, msg.Filename)
		return fmt.Errorf("convert %s: %w", msg.Filename, err)
	}

	started = time.Now()
	partialPath, err := p.transcriber.Transcribe(ctx, wavPath, partialsDir)
	p.metrics.ObserveStage("transcribe", started, err)
	if err != nil {
		p.lecture.Fail(msg.Epoch, msg.Filename)
		return fmt.Errorf("transcribe %s: %w", msg.Filename, err)
	}

	segment, err := os.ReadFile(partialPath)
	if err != nil {
		p.lecture.Fail(msg.Epoch, msg.Filename)
		return fmt.Errorf("read partial transcript %s: %w", partialPath, err)
	}

	appended, err := p.lecture.Commit(msg.Epoch, msg.Filename, func() error {
		text := strings.TrimRight(string(segment), "\n")
		if strings.TrimSpace(text) != "" {
			if err := p.store.Append(artifact.AreaTranscript, artifact.FinalTranscriptFile, []byte(text+"\n")); err != nil {
				return err
			}
		}
		p.reclaim(log, chunkPath, wavPath, partialPath)
		return nil
	})
	if errors.Is(err, ErrStaleEpoch) {
		log.Info("discarding transcript of a reset session")
		p.metrics.RecordStale("append")
		p.reclaim(log, chunkPath, wavPath, partialPath)
		return nil
	}
	if err != nil {
		p.lecture.Fail(msg.Epoch, msg.Filename)
		return fmt.Errorf("append transcript of %s: %w", msg.Filename, err)
	}

	if appended {
		_, sessionID := p.lecture.Current()
		if p.events != nil {
			name := msg.Source
			if name == "" {
				name = msg.Filename
			}
			p.events.BroadcastChunkTranscribed(sessionID, name)
		}
		log.Info("chunk transcribed", "last_chunk", msg.LastChunk)
	}

	return p.finalize(ctx, msg.Epoch)
}

// finalize publishes the finalization message once per epoch.
func (p *Pipeline) finalize(ctx context.Context, epoch uint64) error {
	if !p.lecture.TryFinalize(epoch) {
		return nil
	}

	path, err := p.store.FilePath(artifact.AreaTranscript, artifact.FinalTranscriptFile)
	if err != nil {
		p.lecture.AbortFinalize(epoch)
		return err
	}

	_, err = p.bus.Publish(ctx, TopicTranscript, bus.Message{
		Epoch:    epoch,
		Filename: artifact.FinalTranscriptFile,
		Path:     path,
	})
	if err != nil {
		p.lecture.AbortFinalize(epoch)
		return fmt.Errorf("publish finalization: %w", err)
	}

	_, sessionID := p.lecture.Current()
	p.log.Info("all chunks received, lecture finalized", "session", sessionID, "epoch", epoch)

	if p.ledger != nil {
		if err := p.ledger.FinalizeSession(ctx, sessionID); err != nil {
			p.log.Warn("recording finalized session failed", "session", sessionID, "error", err)
		}
	}
	if p.events != nil {
		p.events.BroadcastSessionFinalized(sessionID)
	}
	return nil
}

// HandleTranscript summarizes the final transcript, archives the session,
// speaks the summary and tells the client where the audio is.
func (p *Pipeline) HandleTranscript(ctx context.Context, msg bus.Message) error {
	log := p.log.With("stage", "summary", "epoch", msg.Epoch)

	if !p.lecture.ClaimSummary(msg.Epoch) {
		log.Info("summary already claimed or session reset, ignoring finalization message")
		return nil
	}
	_, sessionID := p.lecture.Current()
	log = log.With("session", sessionID)

	if p.ledger != nil {
		claimed, err := p.ledger.ClaimSummary(ctx, sessionID)
		if err != nil {
			log.Warn("durable summary claim failed", "error", err)
		} else if !claimed {
			log.Info("summary already recorded for session")
			return nil
		}
		p.updateSummary(ctx, sessionID, storage.SummaryRunning, "")
	}

	transcript, err := p.store.Read(artifact.AreaTranscript, artifact.FinalTranscriptFile)
	if err != nil {
		p.releaseSummary(ctx, msg.Epoch, sessionID)
		return fmt.Errorf("read final transcript: %w", err)
	}

	started := time.Now()
	summary, err := p.generate(ctx, "summary", p.summarizer, p.prompts.Summary, SummaryUser(string(transcript)))
	p.metrics.ObserveStage("summarize", started, err)
	if err != nil {
		p.releaseSummary(ctx, msg.Epoch, sessionID)
		return fmt.Errorf("summarize: %w", err)
	}

	var summaryPath string
	err = p.lecture.Guard(msg.Epoch, func() error {
		a, err := p.store.Write(artifact.AreaSummaries, artifact.SummaryFile, []byte(summary))
		summaryPath = a.Path
		return err
	})
	if errors.Is(err, ErrStaleEpoch) {
		log.Info("discarding summary of a reset session")
		p.metrics.RecordStale("summary")
		return nil
	}
	if err != nil {
		p.releaseSummary(ctx, msg.Epoch, sessionID)
		return fmt.Errorf("write summary: %w", err)
	}
	p.metrics.RecordSummary()

	if _, err := p.archive(ctx, msg.Epoch, sessionID); err != nil {
		p.releaseSummary(ctx, msg.Epoch, sessionID)
		return err
	}

	speechDir, err := p.store.Dir(artifact.AreaSpeech)
	if err != nil {
		p.releaseSummary(ctx, msg.Epoch, sessionID)
		return err
	}
	clientDir, err := p.store.Dir(artifact.AreaSpeechClient)
	if err != nil {
		p.releaseSummary(ctx, msg.Epoch, sessionID)
		return err
	}

	started = time.Now()
	wavPath, err := p.synthesizer.Synthesize(ctx, summaryPath, speechDir)
	p.metrics.ObserveStage("synthesize", started, err)
	if err != nil {
		p.releaseSummary(ctx, msg.Epoch, sessionID)
		return fmt.Errorf("synthesize summary: %w", err)
	}

	started = time.Now()
	clientPath, err := p.converter.ToClientContainer(ctx, wavPath, clientDir)
	p.metrics.ObserveStage("encode", started, err)
	if err != nil {
		p.releaseSummary(ctx, msg.Epoch, sessionID)
		return fmt.Errorf("encode summary audio: %w", err)
	}

	filename := filepath.Base(clientPath)
	err = p.lecture.Guard(msg.Epoch, func() error {
		if p.events != nil {
			p.events.BroadcastLectureAudio(filename)
		}
		return nil
	})
	if errors.Is(err, ErrStaleEpoch) {
		log.Info("session reset before summary audio was ready")
		p.metrics.RecordStale("notify")
		return nil
	}

	p.updateSummary(ctx, sessionID, storage.SummaryCompleted, filename)
	log.Info("lecture summary ready", "audio", filename)
	return nil
}

// archive copies the final transcript and summary into the archive area
// and, when configured, uploads the copy off-site.
func (p *Pipeline) archive(ctx context.Context, epoch uint64, sessionID string) (string, error) {
	var dir string
	err := p.lecture.Guard(epoch, func() error {
		var err error
		dir, err = p.store.BackupAndArchive(sessionID, artifact.AreaTranscript, artifact.AreaSummaries)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("archive session %s: %w", sessionID, err)
	}

	if p.ledger != nil {
		if err := p.ledger.RecordArchive(ctx, sessionID, dir); err != nil {
			p.log.Warn("recording archive failed", "session", sessionID, "error", err)
		}
	}
	if p.uploader != nil {
		if err := p.uploader.UploadDir(ctx, filepath.Base(dir), dir); err != nil {
			p.log.Error("off-site archive upload failed", "session", sessionID, "dir", dir, "error", err)
		}
	}
	return dir, nil
}

func (p *Pipeline) updateSummary(ctx context.Context, sessionID, status, audioFile string) {
	if p.ledger == nil {
		return
	}
	if err := p.ledger.UpdateSummary(ctx, sessionID, status, audioFile); err != nil {
		p.log.Warn("updating summary status failed", "session", sessionID, "status", status, "error", err)
	}
}

// releaseSummary marks the summary failed and gives up its claims, so that
// uploading the last chunk again finalizes and summarizes the session anew.
func (p *Pipeline) releaseSummary(ctx context.Context, epoch uint64, sessionID string) {
	p.updateSummary(ctx, sessionID, storage.SummaryFailed, "")
	p.lecture.ReleaseSummary(epoch)
	if p.ledger == nil {
		return
	}
	if err := p.ledger.ReleaseSummary(ctx, sessionID); err != nil {
		p.log.Warn("releasing summary claim failed", "session", sessionID, "error", err)
	}
}

// reclaim removes the inputs of a chunk once they are no longer needed.
func (p *Pipeline) reclaim(log *slog.Logger, paths ...string) {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("removing consumed artifact failed", "path", path, "error", err)
		}
	}
}
