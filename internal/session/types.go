package session

import (
	"context"
	"io"
	"time"

	"github.com/sjawhar/milo/internal/pipeline"
)

// Upload is a client file on its way into a staging area.
type Upload struct {
	Name string
	Body io.Reader
}

type Ledger interface {
	CreateSession(ctx context.Context, id string, epoch uint64, startedAt time.Time) error
	AbandonActive(ctx context.Context) (int64, error)
}

type EventBroadcaster interface {
	BroadcastSessionStarted(sessionID string)
}

// Status is reported by GET /api/status.
type Status struct {
	Lecture  pipeline.LectureStatus `json:"lecture"`
	Question QuestionStatus         `json:"question"`
	Bus      string                 `json:"bus"`
	Warnings []string               `json:"warnings,omitempty"`
}

type QuestionStatus struct {
	Epoch    uint64 `json:"epoch"`
	Question string `json:"question"`
}
