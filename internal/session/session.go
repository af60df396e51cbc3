package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/fetch"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
)

type State string

const (
	StateQueued    State = "queued"
	StateResolving State = "resolving"
	StateFetching  State = "fetching"
	StateAnalyzing State = "analyzing"
	StateComplete  State = "complete"
	StateFailed    State = "failed"
)

var ErrInvalidTransition = errors.New("invalid session transition")

var transitions = map[State][]State{
	StateQueued:    {StateResolving, StateFailed},
	StateResolving: {StateFetching, StateAnalyzing, StateFailed},
	StateFetching:  {StateAnalyzing, StateFailed},
	StateAnalyzing: {StateComplete, StateFailed},
}

func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// CanTransition reports whether the machine may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Session is one request's run from arrival to its terminal event.
type Session struct {
	ID        string
	Request   filing.Request
	CreatedAt time.Time

	mu          sync.Mutex
	state       State
	fingerprint filing.Fingerprint
	record      filing.CachedFiling
	source      fetch.Source
	seq         int64
	log         []events.Event
}

func newSession(id string, req filing.Request, now time.Time) *Session {
	return &Session{ID: id, Request: req, CreatedAt: now, state: StateQueued}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, next)
	}
	s.state = next
	return nil
}

// append stamps event and adds it to the log. It refuses everything once a
// terminal event has been recorded.
func (s *Session) append(event events.Event, now time.Time) (events.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.log); n > 0 && s.log[n-1].Terminal() {
		return events.Event{}, false
	}
	s.seq++
	event.SessionID = s.ID
	event.Seq = s.seq
	event.Ts = now
	s.log = append(s.log, event)
	return event, true
}

// Events returns a copy of the events emitted so far.
func (s *Session) Events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.log...)
}

type Info struct {
	ID          string    `json:"id"`
	State       State     `json:"state"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Source      string    `json:"source,omitempty"`
	Events      int       `json:"events"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{ID: s.ID, State: s.state, Source: string(s.source), Events: len(s.log), CreatedAt: s.CreatedAt}
	if s.fingerprint.StockCode != "" {
		info.Fingerprint = s.fingerprint.Key()
	}
	return info
}
