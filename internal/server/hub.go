package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sjawhar/ghost-scribe/internal/output"
)

// Hub fans run lifecycle events out to websocket subscribers. Slow
// subscribers miss messages rather than block the pipeline.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
	log     zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{clients: make(map[chan []byte]struct{}), log: log}
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

func (h *Hub) RunQueued(id, audioFile string) {
	h.broadcastEvent(RunQueuedEvent{
		Event:     newEvent("run_queued", time.Now().UTC()),
		RunID:     id,
		AudioFile: audioFile,
	})
}

func (h *Hub) RunStage(id, stage string) {
	h.broadcastEvent(RunStageEvent{
		Event: newEvent("run_stage", time.Now().UTC()),
		RunID: id,
		Stage: stage,
	})
}

func (h *Hub) RunCompleted(id string, meta output.Metadata) {
	h.broadcastEvent(completedEvent(id, meta, time.Now().UTC()))
}

func (h *Hub) RunFailed(id, reason string) {
	h.broadcastEvent(RunFailedEvent{
		Event: newEvent("run_failed", time.Now().UTC()),
		RunID: id,
		Error: reason,
	})
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Msg("event marshal error")
		return
	}
	h.Broadcast(payload)
}
