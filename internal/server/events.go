package server

import "time"

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

type SessionStartedEvent struct {
	Event
	SessionID string `json:"session_id"`
}

type ChunkTranscribedEvent struct {
	Event
	SessionID string `json:"session_id"`
	Filename  string `json:"filename"`
}

type SessionFinalizedEvent struct {
	Event
	SessionID string `json:"session_id"`
}

// AudioReadyEvent announces new_audio and new_response_audio. Clients fetch
// the file from the matching /get-*-audio route.
type AudioReadyEvent struct {
	Event
	Filename string `json:"filename"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
