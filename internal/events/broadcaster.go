package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"case-pipeline/internal/logger"
	"case-pipeline/internal/models"
	"case-pipeline/internal/telemetry"
)

// Kind discriminates progress events on a unit's channel.
type Kind string

const (
	KindSubStepProgress  Kind = "substep-progress"
	KindStageComplete    Kind = "stage-complete"
	KindStageError       Kind = "stage-error"
	KindResearchProgress Kind = "research-progress"
)

// Event is one progress notification for a unit key.
type Event struct {
	Key  models.UnitKey `json:"key"`
	Kind Kind           `json:"kind"`
	Data any            `json:"data,omitempty"`
}

// Terminal reports whether no further events may follow this one.
func (e Event) Terminal() bool {
	return e.Kind == KindStageComplete || e.Kind == KindStageError
}

// Subscriber is one connected observer of a unit key. Outbound is buffered;
// a slow consumer loses events rather than stalling the publisher, the job
// ledger stays the source of truth.
type Subscriber struct {
	ID       uuid.UUID
	Key      models.UnitKey
	Outbound chan Event
}

// Broadcaster fans progress events out to every subscriber of a unit key.
// Channels live only as long as the process; delivery is best-effort.
type Broadcaster struct {
	mu          sync.RWMutex
	log         *logger.Logger
	subscribers map[models.UnitKey]map[*Subscriber]struct{}
	heartbeat   time.Duration
}

func NewBroadcaster(log *logger.Logger, heartbeat time.Duration) *Broadcaster {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Broadcaster{
		log:         log.With("component", "broadcaster"),
		subscribers: make(map[models.UnitKey]map[*Subscriber]struct{}),
		heartbeat:   heartbeat,
	}
}

// Subscribe registers a new observer for key.
func (b *Broadcaster) Subscribe(key models.UnitKey) *Subscriber {
	sub := &Subscriber{
		ID:       uuid.New(),
		Key:      key,
		Outbound: make(chan Event, 16),
	}

	b.mu.Lock()
	set, ok := b.subscribers[key]
	if !ok {
		set = make(map[*Subscriber]struct{})
		b.subscribers[key] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	b.log.Debug("subscriber attached", "subscriber", sub.ID, "key", key.String())
	return sub
}

// Unsubscribe detaches sub. Its channel stays open; pending events are simply
// never read.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	if set, ok := b.subscribers[sub.Key]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subscribers, sub.Key)
		}
	}
	b.mu.Unlock()
	b.log.Debug("subscriber detached", "subscriber", sub.ID, "key", sub.Key.String())
}

// Publish delivers ev to every current subscriber of its key. No subscribers
// means a no-op; a full outbound buffer drops the event for that subscriber.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	set, ok := b.subscribers[ev.Key]
	if !ok {
		return
	}
	telemetry.EventsPublished.Inc()
	for sub := range set {
		select {
		case sub.Outbound <- ev:
		default:
			b.log.Warn("dropping event, outbound buffer full", "subscriber", sub.ID, "key", ev.Key.String())
		}
	}
}

// SubscriberCount returns the number of observers attached to key.
func (b *Broadcaster) SubscriberCount(key models.UnitKey) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[key])
}

// Sweep drops channels with zero subscribers whose session has reached a
// terminal state, per the terminal predicate supplied by the caller.
func (b *Broadcaster) Sweep(terminal func(models.UnitKey) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for key, set := range b.subscribers {
		if len(set) == 0 && terminal(key) {
			delete(b.subscribers, key)
			removed++
		}
	}
	return removed
}

// ServeHTTP streams events for sub as server-sent events until the client
// disconnects. The request context's close signal drives de-registration.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request, sub *Subscriber) {
	telemetry.StreamClients.Inc()
	defer telemetry.StreamClients.Dec()
	defer b.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(b.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			b.log.Debug("subscriber disconnected", "subscriber", sub.ID, "err", ctx.Err())
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev := <-sub.Outbound:
			payload, err := json.Marshal(ev)
			if err != nil {
				b.log.Warn("failed to marshal event", "error", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}
