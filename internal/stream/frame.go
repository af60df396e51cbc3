package stream

import (
	"encoding/json"
	"fmt"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/events"
)

const (
	StatusProgress  = "progress"
	StatusAnalyzing = "analyzing"
	StatusComplete  = "complete"
	StatusError     = "error"

	StepAnalysisStream = "analysis_stream"
)

// Frame is the client-facing JSON object carried by one stream frame.
// Data is a string for analyzing frames and an object for complete frames.
type Frame struct {
	Status  string `json:"status"`
	Step    string `json:"step,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// MarshalJSON emits exactly the keys each status carries on the wire.
func (f Frame) MarshalJSON() ([]byte, error) {
	switch f.Status {
	case StatusProgress:
		return json.Marshal(struct {
			Status  string `json:"status"`
			Step    string `json:"step"`
			Message string `json:"message"`
		}{f.Status, f.Step, f.Message})
	case StatusAnalyzing:
		data, _ := f.Data.(string)
		return json.Marshal(struct {
			Status string `json:"status"`
			Step   string `json:"step"`
			Data   string `json:"data"`
		}{f.Status, StepAnalysisStream, data})
	case StatusComplete:
		data := f.Data
		if data == nil {
			data = map[string]any{}
		}
		return json.Marshal(struct {
			Status  string `json:"status"`
			Message string `json:"message"`
			Data    any    `json:"data"`
		}{f.Status, f.Message, data})
	case StatusError:
		return json.Marshal(struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		}{f.Status, f.Message})
	}
	return nil, fmt.Errorf("unknown frame status %q", f.Status)
}

// FrameFor maps a session event onto its wire frame.
func FrameFor(event events.Event) (Frame, error) {
	switch event.Kind {
	case events.KindProgress:
		return Frame{Status: StatusProgress, Step: event.Step, Message: event.Message}, nil
	case events.KindMessage:
		return Frame{Status: StatusAnalyzing, Step: StepAnalysisStream, Data: event.Text}, nil
	case events.KindToolCallStart:
		text := "\n[tool] " + event.Name
		if event.Args != "" {
			text += " " + event.Args
		}
		return Frame{Status: StatusAnalyzing, Step: StepAnalysisStream, Data: text + "\n"}, nil
	case events.KindToolCallChunk:
		return Frame{Status: StatusAnalyzing, Step: StepAnalysisStream, Data: event.Data}, nil
	case events.KindComplete:
		summary := map[string]any{}
		for k, v := range event.Summary {
			summary[k] = v
		}
		return Frame{Status: StatusComplete, Message: event.Message, Data: summary}, nil
	case events.KindError:
		return Frame{Status: StatusError, Message: event.Message}, nil
	}
	return Frame{}, fmt.Errorf("unknown event kind %q", event.Kind)
}

// DecodeFrame parses one frame payload. Complete frames decode data into a
// map; analyzing frames into a string.
func DecodeFrame(payload []byte) (Frame, error) {
	var raw struct {
		Status  string          `json:"status"`
		Step    string          `json:"step"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	frame := Frame{Status: raw.Status, Step: raw.Step, Message: raw.Message}
	if len(raw.Data) == 0 {
		return frame, nil
	}
	switch raw.Status {
	case StatusAnalyzing:
		var text string
		if err := json.Unmarshal(raw.Data, &text); err != nil {
			return Frame{}, fmt.Errorf("decode analyzing data: %w", err)
		}
		frame.Data = text
	default:
		var data map[string]any
		if err := json.Unmarshal(raw.Data, &data); err != nil {
			return Frame{}, fmt.Errorf("decode frame data: %w", err)
		}
		frame.Data = data
	}
	return frame, nil
}
