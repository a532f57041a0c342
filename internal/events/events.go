// Package events fans assistant activity out to UI clients.
//
// A [Bus] carries three kinds of [Event]: transcript and status log entries,
// generated media items and session state changes. Subscribers get a
// buffered channel; a subscriber that falls behind misses events rather than
// stalling the publisher. The bus also keeps a bounded history so a client
// that connects late can catch up.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/jarvis/pkg/types"
)

// DefaultHistory is the number of events retained by [NewBus] when given a
// non-positive size.
const DefaultHistory = 500

// subscriberBuffer is the channel capacity given to each subscriber.
const subscriberBuffer = 256

// Kind discriminates the payload of an [Event].
type Kind string

const (
	KindLog   Kind = "log"
	KindMedia Kind = "media"
	KindState Kind = "state"
)

// Event is one published item. Exactly one payload field is set, matching
// Kind.
type Event struct {
	Seq   uint64              `json:"seq"`
	Kind  Kind                `json:"kind"`
	Time  time.Time           `json:"time"`
	Log   *types.LogEntry     `json:"log,omitempty"`
	Media *types.MediaItem    `json:"media,omitempty"`
	State *types.SessionState `json:"state,omitempty"`
}

// Bus is a fan-out event hub. It is safe for concurrent use.
type Bus struct {
	historyMax int
	now        func() time.Time

	mu      sync.Mutex
	seq     uint64
	nextID  int
	subs    map[int]chan Event
	history []Event
}

// NewBus creates a Bus retaining the last historyMax events.
func NewBus(historyMax int) *Bus {
	if historyMax <= 0 {
		historyMax = DefaultHistory
	}
	return &Bus{
		historyMax: historyMax,
		now:        time.Now,
		subs:       make(map[int]chan Event),
	}
}

// Publish stamps ev with a sequence number (and a time, if unset) and
// delivers it to every subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev.Seq = b.seq
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}

	b.history = append(b.history, ev)
	if over := len(b.history) - b.historyMax; over > 0 {
		b.history = append([]Event(nil), b.history[over:]...)
	}

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("events: subscriber behind, dropping event", "subscriber", id, "seq", ev.Seq)
		}
	}
}

// Log publishes a log entry timestamped now.
func (b *Bus) Log(source types.LogSource, typ types.LogType, text string) {
	now := b.now()
	b.Publish(Event{
		Kind: KindLog,
		Time: now,
		Log:  &types.LogEntry{Timestamp: now, Source: source, Text: text, Type: typ},
	})
}

// Media publishes a generated media item.
func (b *Bus) Media(item types.MediaItem) {
	b.Publish(Event{Kind: KindMedia, Media: &item})
}

// State publishes a session state change.
func (b *Bus) State(s types.SessionState) {
	b.Publish(Event{Kind: KindState, State: &s})
}

// Subscribe registers a subscriber. The returned function unsubscribes and
// closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// History returns the retained events, oldest first.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.history...)
}

// Subscribers reports the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
