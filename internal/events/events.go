package events

import (
	"context"
	"sync"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
)

type Kind string

const (
	KindProgress      Kind = "progress"
	KindMessage       Kind = "message"
	KindToolCallStart Kind = "tool_call_start"
	KindToolCallChunk Kind = "tool_call_chunk"
	KindComplete      Kind = "complete"
	KindError         Kind = "error"
)

// Event is one entry of a session's ordered log. Which fields are set
// depends on Kind.
type Event struct {
	SessionID string    `json:"session_id,omitempty"`
	Seq       int64     `json:"seq"`
	Kind      Kind      `json:"kind"`
	Ts        time.Time `json:"ts"`

	Step      string         `json:"step,omitempty"`
	Message   string         `json:"message,omitempty"`
	Text      string         `json:"text,omitempty"`
	Name      string         `json:"name,omitempty"`
	Args      string         `json:"args,omitempty"`
	Data      string         `json:"data,omitempty"`
	Summary   map[string]any `json:"summary,omitempty"`
	ErrorKind filing.Kind    `json:"error_kind,omitempty"`
}

func Progress(step, message string) Event {
	return Event{Kind: KindProgress, Step: step, Message: message}
}

func Message(text string) Event {
	return Event{Kind: KindMessage, Text: text}
}

func ToolCallStart(name, args string) Event {
	return Event{Kind: KindToolCallStart, Name: name, Args: args}
}

func ToolCallChunk(name, data string) Event {
	return Event{Kind: KindToolCallChunk, Name: name, Data: data}
}

func Complete(message string, summary map[string]any) Event {
	return Event{Kind: KindComplete, Message: message, Summary: summary}
}

func Error(kind filing.Kind, message string) Event {
	return Event{Kind: KindError, ErrorKind: kind, Message: message}
}

// FromError builds the terminal error event for err, defaulting the kind
// when err carries none.
func FromError(fallback filing.Kind, err error) Event {
	kind := filing.KindOf(err)
	if kind == "" {
		kind = fallback
	}
	return Error(kind, err.Error())
}

func (e Event) Terminal() bool {
	return e.Kind == KindComplete || e.Kind == KindError
}

// Broker fans session events out to observers. Slow observers drop events
// rather than stall the session.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: map[string]map[chan Event]struct{}{},
	}
}

// Subscribe returns a channel of events for sessionID, closed when ctx ends.
func (b *Broker) Subscribe(ctx context.Context, sessionID string) <-chan Event {
	ch := make(chan Event, 16)

	b.mu.Lock()
	if b.subscribers[sessionID] == nil {
		b.subscribers[sessionID] = map[chan Event]struct{}{}
	}
	b.subscribers[sessionID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if b.subscribers[sessionID] != nil {
			delete(b.subscribers[sessionID], ch)
			if len(b.subscribers[sessionID]) == 0 {
				delete(b.subscribers, sessionID)
			}
		}
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (b *Broker) Publish(event Event) {
	b.mu.RLock()
	subscribers := b.subscribers[event.SessionID]
	chans := make([]chan Event, 0, len(subscribers))
	for ch := range subscribers {
		chans = append(chans, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *Broker) Subscribers(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[sessionID])
}
