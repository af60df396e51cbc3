package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/stream"
)

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// OpenAIProvider speaks the OpenAI chat completions protocol, which
// DeepSeek and OpenRouter also serve.
type OpenAIProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Minute},
	}
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (*Stream, error) {
	if p.apiKey == "" {
		return nil, errors.New("missing API key for remote provider")
	}
	if p.model == "" {
		return nil, errors.New("missing model for remote provider")
	}
	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(detail))}
	}
	return decodeOpenAIStream(resp.Body), nil
}

func (p *OpenAIProvider) buildRequest(req Request) openaiRequest {
	wire := openaiRequest{
		Model:       p.model,
		Stream:      true,
		Temperature: req.Temperature,
	}
	if req.System != "" {
		wire.Messages = append(wire.Messages, openaiMessage{Role: string(RoleSystem), Content: req.System})
	}
	for _, msg := range req.Messages {
		out := openaiMessage{Role: string(msg.Role), Content: msg.Content, ToolCallID: msg.ToolCallID}
		for _, call := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, openaiToolCall{
				ID:       call.ID,
				Type:     "function",
				Function: openaiFunction{Name: call.Name, Arguments: call.Arguments},
			})
		}
		wire.Messages = append(wire.Messages, out)
	}
	for _, tool := range req.Tools {
		wire.Tools = append(wire.Tools, openaiTool{
			Type: "function",
			Function: openaiToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.JSONSchema(),
			},
		})
	}
	return wire
}

// decodeOpenAIStream turns chat completion chunks into Chunks. Tool call
// fragments are accumulated by index and emitted whole once the choice
// finishes.
func decodeOpenAIStream(body io.ReadCloser) *Stream {
	scanner := stream.NewScanner(body)
	var partial []*ToolCall
	var pending []Chunk

	next := func() (Chunk, error) {
		for {
			if len(pending) > 0 {
				chunk := pending[0]
				pending = pending[1:]
				return chunk, nil
			}
			if !scanner.Next() {
				if err := scanner.Err(); err != nil {
					return Chunk{}, fmt.Errorf("read completion stream: %w", err)
				}
				return Chunk{}, io.EOF
			}
			data := scanner.Event().Data
			if data == "[DONE]" {
				return Chunk{Kind: ChunkDone, FinishReason: "stop"}, nil
			}

			var chunk openaiStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return Chunk{}, fmt.Errorf("parse completion chunk: %w", err)
			}
			if chunk.Error != nil && chunk.Error.Message != "" {
				return Chunk{}, fmt.Errorf("completion stream error: %s", chunk.Error.Message)
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			for _, delta := range choice.Delta.ToolCalls {
				for len(partial) <= delta.Index {
					partial = append(partial, &ToolCall{})
				}
				call := partial[delta.Index]
				if delta.ID != "" {
					call.ID = delta.ID
				}
				call.Name += delta.Function.Name
				call.Arguments += delta.Function.Arguments
			}
			if choice.FinishReason != nil {
				for _, call := range partial {
					pending = append(pending, Chunk{Kind: ChunkToolCall, ToolCall: *call})
				}
				partial = nil
				pending = append(pending, Chunk{Kind: ChunkDone, FinishReason: *choice.FinishReason})
			}
			if choice.Delta.Content != "" {
				return Chunk{Kind: ChunkDelta, Text: choice.Delta.Content}, nil
			}
		}
	}
	return newStream(next, body)
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Tools       []openaiTool    `json:"tools,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiTool struct {
	Type     string               `json:"type"`
	Function openaiToolDefinition `json:"function"`
}

type openaiToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}
