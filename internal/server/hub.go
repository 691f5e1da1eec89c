package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Hub fans client notifications out to every websocket connection. Slow
// clients miss events rather than block the pipeline.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[chan []byte]struct{})}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) BroadcastSessionStarted(sessionID string) {
	h.broadcastEvent(SessionStartedEvent{
		Event:     newEvent("session_started", time.Now().UTC()),
		SessionID: sessionID,
	})
}

func (h *Hub) BroadcastChunkTranscribed(sessionID, filename string) {
	h.broadcastEvent(ChunkTranscribedEvent{
		Event:     newEvent("chunk_transcribed", time.Now().UTC()),
		SessionID: sessionID,
		Filename:  filename,
	})
}

func (h *Hub) BroadcastSessionFinalized(sessionID string) {
	h.broadcastEvent(SessionFinalizedEvent{
		Event:     newEvent("session_finalized", time.Now().UTC()),
		SessionID: sessionID,
	})
}

func (h *Hub) BroadcastLectureAudio(filename string) {
	h.broadcastEvent(AudioReadyEvent{
		Event:    newEvent("new_audio", time.Now().UTC()),
		Filename: filename,
	})
}

func (h *Hub) BroadcastResponseAudio(filename string) {
	h.broadcastEvent(AudioReadyEvent{
		Event:    newEvent("new_response_audio", time.Now().UTC()),
		Filename: filename,
	})
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("event marshal error: %v", err)
		return
	}
	h.Broadcast(payload)
}
