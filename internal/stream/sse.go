package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/events"
)

// Encoder writes session events to one client connection.
type Encoder interface {
	Encode(event events.Event) error
}

var ErrStreamClosed = errors.New("event stream closed before a terminal event")

// SetSSEHeaders prepares w for an event stream.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

type SSEEncoder struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEEncoder writes frames to w, flushing after each one when w supports it.
func NewSSEEncoder(w io.Writer) *SSEEncoder {
	flusher, _ := w.(http.Flusher)
	return &SSEEncoder{w: w, flusher: flusher}
}

func (e *SSEEncoder) Encode(event events.Event) error {
	frame, err := FrameFor(event)
	if err != nil {
		return err
	}
	return e.WriteFrame(frame)
}

func (e *SSEEncoder) WriteFrame(frame Frame) error {
	return e.WriteRaw(frame)
}

// WriteRaw sends an arbitrary JSON payload as one frame.
func (e *SSEEncoder) WriteRaw(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	e.flush()
	return nil
}

func (e *SSEEncoder) Heartbeat() error {
	if _, err := io.WriteString(e.w, ": keep-alive\n\n"); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	e.flush()
	return nil
}

func (e *SSEEncoder) flush() {
	if e.flusher != nil {
		e.flusher.Flush()
	}
}

// Forward encodes events in arrival order until a terminal event has been
// written. A write error is returned at once so the caller can cancel the
// session that feeds ch.
func Forward(ctx context.Context, enc Encoder, ch <-chan events.Event) error {
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return ErrStreamClosed
			}
			if err := enc.Encode(event); err != nil {
				return err
			}
			if event.Terminal() {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SSEEvent is one event read back from an SSE stream.
type SSEEvent struct {
	Type string
	Data string
}

// Scanner reads server-sent events. Data lines of one event are joined
// with newlines; comments and unknown fields are skipped.
type Scanner struct {
	reader  *bufio.Reader
	current SSEEvent
	err     error
}

func NewScanner(r io.Reader) *Scanner {
	return &Scanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}
	s.current = SSEEvent{}
	var data []string
	var eventType string
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			s.err = err
			if err == io.EOF && len(data) > 0 {
				s.current = SSEEvent{Type: eventType, Data: strings.Join(data, "\n")}
				return true
			}
			return false
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(data) > 0 {
				s.current = SSEEvent{Type: eventType, Data: strings.Join(data, "\n")}
				return true
			}
			eventType = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
		case "event":
			eventType = value
		}
	}
}

func (s *Scanner) Event() SSEEvent {
	return s.current
}

// Err returns nil after a clean end of stream.
func (s *Scanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
