package llm

import (
	"context"
	"errors"
	"io"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// Parameter describes one scalar tool argument.
type Parameter struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

type ToolSpec struct {
	Name        string
	Description string
	Parameters  []Parameter
}

// JSONSchema renders the parameters as a JSON schema object.
func (t ToolSpec) JSONSchema() map[string]any {
	properties := map[string]any{}
	required := []string{}
	for _, p := range t.Parameters {
		properties[p.Name] = map[string]any{"type": p.Type, "description": p.Description}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{"type": "object", "properties": properties, "required": required}
}

type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolSpec
	Temperature *float64
}

type ChunkKind int

const (
	ChunkDelta ChunkKind = iota
	ChunkToolCall
	ChunkDone
)

// Chunk is one streamed unit: a text delta, a fully assembled tool call,
// or the end of the response.
type Chunk struct {
	Kind         ChunkKind
	Text         string
	ToolCall     ToolCall
	FinishReason string
}

// Stream yields chunks until Next returns io.EOF.
type Stream struct {
	next   func() (Chunk, error)
	closer io.Closer
	done   bool
}

func newStream(next func() (Chunk, error), closer io.Closer) *Stream {
	return &Stream{next: next, closer: closer}
}

// StreamOf serves a fixed chunk sequence.
func StreamOf(chunks ...Chunk) *Stream {
	return newStream(func() (Chunk, error) {
		if len(chunks) == 0 {
			return Chunk{}, io.EOF
		}
		chunk := chunks[0]
		chunks = chunks[1:]
		return chunk, nil
	}, nil)
}

func (s *Stream) Next() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	chunk, err := s.next()
	if err != nil {
		s.done = true
		return Chunk{}, err
	}
	if chunk.Kind == ChunkDone {
		s.done = true
	}
	return chunk, nil
}

func (s *Stream) Close() error {
	s.done = true
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Collect drains s into one assistant message, passing each text delta to
// onText as it arrives.
func Collect(s *Stream, onText func(string)) (Message, string, error) {
	defer s.Close()
	var text strings.Builder
	msg := Message{Role: RoleAssistant}
	finish := ""
	for {
		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Message{}, "", err
		}
		switch chunk.Kind {
		case ChunkDelta:
			text.WriteString(chunk.Text)
			if onText != nil {
				onText(chunk.Text)
			}
		case ChunkToolCall:
			msg.ToolCalls = append(msg.ToolCalls, chunk.ToolCall)
		case ChunkDone:
			finish = chunk.FinishReason
		}
	}
	msg.Content = text.String()
	return msg, finish, nil
}

type Provider interface {
	Stream(ctx context.Context, req Request) (*Stream, error)
}

type Config struct {
	Provider         string
	Model            string
	BaseURL          string
	DeepSeekAPIKey   string
	OpenAIAPIKey     string
	OpenRouterAPIKey string
	GeminiAPIKey     string
}

func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "deepseek", "":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:  cfg.DeepSeekAPIKey,
			Model:   defaultIfEmpty(cfg.Model, "deepseek-chat"),
			BaseURL: defaultIfEmpty(cfg.BaseURL, "https://api.deepseek.com"),
		}), nil
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		}), nil
	case "openrouter":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:  cfg.OpenRouterAPIKey,
			Model:   cfg.Model,
			BaseURL: defaultIfEmpty(cfg.BaseURL, "https://openrouter.ai/api/v1"),
		}), nil
	case "gemini":
		provider, err := NewGeminiProvider(ctx, GeminiConfig{
			APIKey:  cfg.GeminiAPIKey,
			Model:   defaultIfEmpty(cfg.Model, "gemini-2.0-flash"),
			BaseURL: cfg.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		return provider, nil
	case "local":
		return LocalProvider{}, nil
	default:
		return nil, ErrUnsupportedProvider{Provider: cfg.Provider}
	}
}

func defaultIfEmpty(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
