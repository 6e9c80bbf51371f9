package service

import (
	"sync"

	"github.com/timmy/skiptrace/internal/domain"
	"github.com/timmy/skiptrace/internal/repository"
)

// Event names published on the hub.
const (
	EventProgress = "progress"
	EventDone     = "done"
)

// Event is one SSE payload.
type Event struct {
	Event   string      `json:"event"`
	TaskID  string      `json:"task_id"`
	Payload interface{} `json:"payload,omitempty"`
}

// DonePayload is published once when a task settles.
type DonePayload struct {
	Status       domain.TaskStatus `json:"status"`
	TotalResults int               `json:"total_results"`
	CreditsUsed  domain.Credits    `json:"credits_used"`
	Error        string            `json:"error,omitempty"`
}

type subscriber chan Event

// Hub fans task events out to live subscribers. Publishing never blocks;
// a slow subscriber misses progress events rather than stalling a task, but
// always receives the done event.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[subscriber]struct{} // taskID -> set of subscribers
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[subscriber]struct{}{}}
}

// Subscribe registers for taskID events. The returned func unsubscribes and
// closes the channel.
func (h *Hub) Subscribe(taskID string) (<-chan Event, func()) {
	ch := make(subscriber, 16)
	h.mu.Lock()
	set := h.subs[taskID]
	if set == nil {
		set = map[subscriber]struct{}{}
		h.subs[taskID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[taskID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.subs, taskID)
				}
			}
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, unsubscribe
}

// Publish delivers ev to every subscriber of its task. A done event evicts
// the oldest buffered events of a full subscriber to make room.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[ev.TaskID] {
		if ev.Event != EventDone {
			select {
			case ch <- ev:
			default:
			}
			continue
		}
		for sent := false; !sent; {
			select {
			case ch <- ev:
				sent = true
			default:
				select {
				case <-ch:
				default:
				}
			}
		}
	}
}

// OnProgress implements ProgressObserver.
func (h *Hub) OnProgress(taskID string, p repository.TaskProgress) {
	h.Publish(Event{Event: EventProgress, TaskID: taskID, Payload: p})
}

// OnComplete implements CompletionObserver.
func (h *Hub) OnComplete(taskID string, done DonePayload) {
	h.Publish(Event{Event: EventDone, TaskID: taskID, Payload: done})
}
