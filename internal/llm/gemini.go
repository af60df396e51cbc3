package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type GeminiProvider struct {
	client *genai.Client
	model  string
}

func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("GEMINI_API_KEY is not set")
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiProvider{client: client, model: cfg.Model}, nil
}

func (p *GeminiProvider) Stream(ctx context.Context, req Request) (*Stream, error) {
	contents, err := toGenaiContents(req.Messages)
	if err != nil {
		return nil, err
	}
	config := &genai.GenerateContentConfig{}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if len(req.Tools) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: toFunctionDeclarations(req.Tools)}}
	}

	seq := p.client.Models.GenerateContentStream(ctx, p.model, contents, config)
	next, stop := iter.Pull2(seq)
	return newStream(genaiChunks(next), stopCloser(stop)), nil
}

// genaiChunks converts streamed responses; function calls arrive whole.
func genaiChunks(next func() (*genai.GenerateContentResponse, error, bool)) func() (Chunk, error) {
	var pending []Chunk
	return func() (Chunk, error) {
		for {
			if len(pending) > 0 {
				chunk := pending[0]
				pending = pending[1:]
				return chunk, nil
			}
			resp, err, ok := next()
			if !ok {
				return Chunk{Kind: ChunkDone, FinishReason: "stop"}, nil
			}
			if err != nil {
				return Chunk{}, fmt.Errorf("gemini stream: %w", err)
			}
			if resp == nil || len(resp.Candidates) == 0 {
				continue
			}
			cand := resp.Candidates[0]
			if cand.Content != nil {
				for _, part := range cand.Content.Parts {
					switch {
					case part.FunctionCall != nil:
						args, err := json.Marshal(part.FunctionCall.Args)
						if err != nil {
							return Chunk{}, err
						}
						id := part.FunctionCall.ID
						if id == "" {
							id = "call_" + uuid.NewString()
						}
						pending = append(pending, Chunk{Kind: ChunkToolCall, ToolCall: ToolCall{ID: id, Name: part.FunctionCall.Name, Arguments: string(args)}})
					case part.Text != "" && !part.Thought:
						pending = append(pending, Chunk{Kind: ChunkDelta, Text: part.Text})
					}
				}
			}
			if cand.FinishReason != "" {
				pending = append(pending, Chunk{Kind: ChunkDone, FinishReason: string(cand.FinishReason)})
			}
		}
	}
}

func toGenaiContents(messages []Message) ([]*genai.Content, error) {
	names := map[string]string{}
	var contents []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: msg.Content}}})
		case RoleAssistant:
			content := &genai.Content{Role: "model"}
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				args := map[string]any{}
				if call.Arguments != "" {
					if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
						return nil, fmt.Errorf("tool call %s arguments: %w", call.Name, err)
					}
				}
				names[call.ID] = call.Name
				content.Parts = append(content.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: call.ID, Name: call.Name, Args: args}})
			}
			contents = append(contents, content)
		case RoleTool:
			name := msg.Name
			if name == "" {
				name = names[msg.ToolCallID]
			}
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{
				FunctionResponse: &genai.FunctionResponse{ID: msg.ToolCallID, Name: name, Response: map[string]any{"output": msg.Content}},
			}}})
		}
	}
	return contents, nil
}

func toFunctionDeclarations(tools []ToolSpec) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		schema := &genai.Schema{Type: genai.TypeObject, Properties: map[string]*genai.Schema{}}
		for _, p := range tool.Parameters {
			schema.Properties[p.Name] = &genai.Schema{Type: genaiType(p.Type), Description: p.Description}
			if p.Required {
				schema.Required = append(schema.Required, p.Name)
			}
		}
		decls = append(decls, &genai.FunctionDeclaration{Name: tool.Name, Description: tool.Description, Parameters: schema})
	}
	return decls
}

func genaiType(t string) genai.Type {
	switch t {
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}

type stopCloser func()

func (s stopCloser) Close() error {
	s()
	return nil
}
