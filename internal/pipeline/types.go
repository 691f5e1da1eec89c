package pipeline

import (
	"context"

	"github.com/sjawhar/milo/internal/storage"
)

const (
	TopicAudio      = "milo.audio"
	TopicTranscript = "milo.transcript"
	TopicQuestion   = "milo.question"
	TopicResponse   = "milo.response"

	AudioListener      = "audio_listener"
	TranscriptListener = "transcript_listener"
	QuestionListener   = "question_listener"
	ResponseListener   = "response_listener"
)

// LectureTopics returns the topics owned by the lecture flow.
func LectureTopics() []string {
	return []string{TopicAudio, TopicTranscript}
}

// QuestionTopics returns the topics owned by the question flow.
func QuestionTopics() []string {
	return []string{TopicQuestion, TopicResponse}
}

// Converter switches audio between container formats. Both methods write a
// new file into outDir and return its path.
type Converter interface {
	ToNormalizedAudio(ctx context.Context, inputPath, outDir string) (string, error)
	ToClientContainer(ctx context.Context, inputPath, outDir string) (string, error)
}

// Transcriber writes a plain-text transcript of audioPath into outDir, one
// utterance per line, and returns the transcript path.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, outDir string) (string, error)
}

// Generator produces text from a system prompt and user content. An empty
// result with a nil error means the backend produced nothing usable.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userContent string) (string, error)
}

// Synthesizer speaks the text file at textPath into an audio file in outDir.
type Synthesizer interface {
	Synthesize(ctx context.Context, textPath, outDir string) (string, error)
}

// EventBroadcaster delivers client notifications.
type EventBroadcaster interface {
	BroadcastSessionStarted(sessionID string)
	BroadcastChunkTranscribed(sessionID, filename string)
	BroadcastSessionFinalized(sessionID string)
	BroadcastLectureAudio(filename string)
	BroadcastResponseAudio(filename string)
}

// Ledger persists the durable record of lecture sessions and questions.
type Ledger interface {
	FinalizeSession(ctx context.Context, sessionID string) error
	ClaimSummary(ctx context.Context, sessionID string) (bool, error)
	ReleaseSummary(ctx context.Context, sessionID string) error
	UpdateSummary(ctx context.Context, sessionID, status, audioFile string) error
	RecordArchive(ctx context.Context, sessionID, archivePath string) error
	RecordQuestion(ctx context.Context, q storage.Question) error
}

// Uploader copies an archived session directory off-site.
type Uploader interface {
	UploadDir(ctx context.Context, label, dir string) error
}
