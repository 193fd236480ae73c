package session

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/roomwatch/live"
)

// EventKind identifies one kind of session notification.
type EventKind int

const (
	// EventPrepared: bootstrap and community load succeeded. Live and User are set.
	EventPrepared EventKind = iota + 1
	// EventPrepareFailed: the connect attempt ended before listening. Reason is set.
	EventPrepareFailed
	// EventListeningStarted: a room acknowledged its thread. Room is set.
	EventListeningStarted
	// EventRoomFailed: a room connection failed or was ended by the server.
	EventRoomFailed
	// EventFirstChat: the first audience chat of a room arrived.
	EventFirstChat
	// EventChat: any chat arrived.
	EventChat
	// EventChatResult: the platform answered a posted comment.
	EventChatResult
	// EventHeartbeat: a heartbeat call returned.
	EventHeartbeat
	// EventKickedOut: the session's seat was taken. Listening ends right after.
	EventKickedOut
	// EventListeningFinished: every listener was closed and the session is idle.
	EventListeningFinished
)

var eventKindNames = map[EventKind]string{
	EventPrepared:          "prepared",
	EventPrepareFailed:     "prepare_failed",
	EventListeningStarted:  "listening_started",
	EventRoomFailed:        "room_failed",
	EventFirstChat:         "first_chat",
	EventChat:              "chat",
	EventChatResult:        "chat_result",
	EventHeartbeat:         "heartbeat",
	EventKickedOut:         "kicked_out",
	EventListeningFinished: "listening_finished",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// MarshalText renders the kind by name in JSON.
func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Event is one session notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind      EventKind          `json:"kind"`
	SessionID string             `json:"session_id,omitempty"`
	At        time.Time          `json:"at"`
	Live      *live.Live         `json:"live,omitempty"`
	User      *live.User         `json:"user,omitempty"`
	Room      *live.RoomPosition `json:"room,omitempty"`
	Chat      *live.Chat         `json:"chat,omitempty"`
	Result    *live.ChatResult   `json:"result,omitempty"`
	Heartbeat *live.Heartbeat    `json:"heartbeat,omitempty"`
	Reason    string             `json:"reason,omitempty"`
}

// Handler receives session events.
//
// HandleEvent is called from background goroutines: the room listeners, the
// heartbeat loop and whichever goroutine called Connect or Disconnect.
// Calls for different rooms may be concurrent. Implementations that drive a
// UI must redispatch. HandleEvent may call back into the Session.
type Handler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event)

// HandleEvent implements Handler.
func (f HandlerFunc) HandleEvent(ev Event) { f(ev) }

// Broadcaster fans events out to channel subscribers. Slow subscribers lose
// events instead of blocking the session.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Int64
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func unsubscribes and closes the channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// HandleEvent implements Handler.
func (b *Broadcaster) HandleEvent(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
				slog.Warn("event subscriber too slow, dropping", slog.String("kind", ev.Kind.String()), slog.Int64("dropped_total", n))
			}
		}
	}
}

// Subscribers returns the current number of subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were dropped so far.
func (b *Broadcaster) Dropped() int64 { return b.dropped.Load() }

// Handlers calls each handler in order.
type Handlers []Handler

// HandleEvent implements Handler.
func (hs Handlers) HandleEvent(ev Event) {
	for _, h := range hs {
		if h != nil {
			h.HandleEvent(ev)
		}
	}
}
