package session

import (
	"context"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/events"
)

// Observe follows a live session without affecting it: the events emitted
// so far are replayed, then live ones follow until the terminal event.
// Live events come through the broker, so a slow observer may miss some.
func (m *Manager) Observe(ctx context.Context, id string) (<-chan events.Event, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	if m.broker == nil {
		return replayOnly(ctx, s.Events()), nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	live := m.broker.Subscribe(subCtx, id)
	history := s.Events()

	out := make(chan events.Event)
	go func() {
		defer close(out)
		defer cancel()
		var last int64
		send := func(e events.Event) bool {
			select {
			case out <- e:
				last = e.Seq
				return !e.Terminal()
			case <-ctx.Done():
				return false
			}
		}
		for _, e := range history {
			if !send(e) {
				return
			}
		}
		for e := range live {
			if e.Seq <= last {
				continue
			}
			if !send(e) {
				return
			}
		}
	}()
	return out, nil
}

func replayOnly(ctx context.Context, history []events.Event) <-chan events.Event {
	out := make(chan events.Event)
	go func() {
		defer close(out)
		for _, e := range history {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
