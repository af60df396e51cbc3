package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
)

func receiveEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()

	timer := time.NewTimer(500 * time.Millisecond)
	defer timer.Stop()

	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before receive")
		}
		return ev
	case <-timer.C:
		t.Fatal("timed out waiting for event")
	}

	return Event{}
}

func waitForClosed(t *testing.T, ch <-chan Event) {
	t.Helper()

	timer := time.NewTimer(500 * time.Millisecond)
	defer timer.Stop()

	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timer.C:
			t.Fatal("timed out waiting for channel close")
		}
	}
}

func TestConstructorsSetKind(t *testing.T) {
	cases := []struct {
		event    Event
		kind     Kind
		terminal bool
	}{
		{Progress("query", "querying"), KindProgress, false},
		{Message("hello"), KindMessage, false},
		{ToolCallStart("load_financial_pdf", `{"path":"a.pdf"}`), KindToolCallStart, false},
		{ToolCallChunk("load_financial_pdf", "12 pages"), KindToolCallChunk, false},
		{Complete("done", map[string]any{"tool_calls": 3}), KindComplete, true},
		{Error(filing.KindAnalysisFailure, "boom"), KindError, true},
	}
	for _, tc := range cases {
		if tc.event.Kind != tc.kind {
			t.Fatalf("expected kind %s, got %s", tc.kind, tc.event.Kind)
		}
		if tc.event.Terminal() != tc.terminal {
			t.Fatalf("%s: terminal = %v", tc.kind, tc.event.Terminal())
		}
	}
}

func TestFromError(t *testing.T) {
	ev := FromError(filing.KindAnalysisFailure, filing.Wrap(filing.KindDownloadFailure, "download", errors.New("503")))
	if ev.ErrorKind != filing.KindDownloadFailure {
		t.Fatalf("expected classified kind, got %s", ev.ErrorKind)
	}
	ev = FromError(filing.KindAnalysisFailure, errors.New("bad pdf"))
	if ev.ErrorKind != filing.KindAnalysisFailure || ev.Message != "bad pdf" {
		t.Fatalf("unexpected fallback event: %+v", ev)
	}
}

func TestSubscribe_Single(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, "session-1")
	if b.Subscribers("session-1") != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.Subscribers("session-1"))
	}

	cancel()
	waitForClosed(t, ch)

	b.mu.RLock()
	_, exists := b.subscribers["session-1"]
	b.mu.RUnlock()
	if exists {
		t.Fatal("subscriber not removed")
	}
}

func TestPublish_NoSubscribers(t *testing.T) {
	b := NewBroker()
	b.Publish(Event{SessionID: "session-1"})
}

func TestPublish_DropsWhenBufferFull(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, "session-1")
	b.Publish(Event{SessionID: "session-1", Seq: 1, Kind: KindProgress})
	received := receiveEvent(t, ch)
	if received.Seq != 1 || received.Kind != KindProgress {
		t.Fatalf("unexpected event: %+v", received)
	}

	for i := 0; i < 16; i++ {
		b.Publish(Event{SessionID: "session-1", Seq: int64(i + 2)})
	}
	if len(ch) != 16 {
		t.Fatalf("expected full buffer, got %d", len(ch))
	}
	b.Publish(Event{SessionID: "session-1", Seq: 18})
	if len(ch) != 16 {
		t.Fatalf("expected dropped event, got %d", len(ch))
	}

	cancel()
	waitForClosed(t, ch)
}

func TestPublish_IsolatesSessions(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1 := b.Subscribe(ctx, "session-1")
	ch2 := b.Subscribe(ctx, "session-2")

	b.Publish(Event{SessionID: "session-2", Seq: 7})
	if got := receiveEvent(t, ch2); got.Seq != 7 {
		t.Fatalf("unexpected event: %+v", got)
	}
	if len(ch1) != 0 {
		t.Fatal("event leaked to another session")
	}
}
