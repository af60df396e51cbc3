package llm

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewProvider_DeepSeekDefaults(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{Provider: "deepseek", DeepSeekAPIKey: "k"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	openAIProvider, ok := provider.(*OpenAIProvider)
	if !ok {
		t.Fatalf("expected *OpenAIProvider, got %T", provider)
	}
	if openAIProvider.baseURL != "https://api.deepseek.com" {
		t.Errorf("unexpected base URL %s", openAIProvider.baseURL)
	}
	if openAIProvider.model != "deepseek-chat" {
		t.Errorf("unexpected model %s", openAIProvider.model)
	}
}

func TestNewProvider_OpenRouter(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{Provider: "openrouter", Model: "m", OpenRouterAPIKey: "k"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if provider.(*OpenAIProvider).baseURL != "https://openrouter.ai/api/v1" {
		t.Errorf("unexpected base URL %s", provider.(*OpenAIProvider).baseURL)
	}
}

func TestNewProvider_Local(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{Provider: "local"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, ok := provider.(LocalProvider); !ok {
		t.Errorf("expected LocalProvider, got %T", provider)
	}
}

func TestNewProvider_GeminiRequiresKey(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{Provider: "gemini"})
	if err == nil {
		t.Fatal("expected missing key error")
	}
}

func TestNewProvider_Unsupported(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{Provider: "codex"})
	var unsupported ErrUnsupportedProvider
	if !errors.As(err, &unsupported) || unsupported.Provider != "codex" {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestCollectAssemblesMessage(t *testing.T) {
	s := StreamOf(
		Chunk{Kind: ChunkDelta, Text: "营业"},
		Chunk{Kind: ChunkDelta, Text: "收入"},
		Chunk{Kind: ChunkToolCall, ToolCall: ToolCall{ID: "1", Name: "extract_financial_data", Arguments: `{"data_type":"revenue"}`}},
		Chunk{Kind: ChunkDone, FinishReason: "tool_calls"},
		Chunk{Kind: ChunkDelta, Text: "ignored after done"},
	)
	var deltas []string
	msg, finish, err := Collect(s, func(text string) { deltas = append(deltas, text) })
	require.NoError(t, err)
	require.Equal(t, "营业收入", msg.Content)
	require.Equal(t, []string{"营业", "收入"}, deltas)
	require.Len(t, msg.ToolCalls, 1)
	require.Equal(t, "tool_calls", finish)
	require.Equal(t, RoleAssistant, msg.Role)
}

func TestStreamNextAfterDone(t *testing.T) {
	s := StreamOf(Chunk{Kind: ChunkDone})
	_, err := s.Next()
	require.NoError(t, err)
	_, err = s.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestToolSpecJSONSchema(t *testing.T) {
	spec := ToolSpec{Name: "t", Parameters: []Parameter{
		{Name: "metric", Type: "string", Required: true},
		{Name: "note", Type: "string"},
	}}
	schema := spec.JSONSchema()
	require.Equal(t, "object", schema["type"])
	require.Equal(t, []string{"metric"}, schema["required"])
	require.Len(t, schema["properties"], 2)
}

func TestLocalProviderScript(t *testing.T) {
	tools := []ToolSpec{{Name: "load_financial_pdf"}, {Name: "extract_financial_data"}}
	ctx := context.Background()

	msg, _, err := collectLocal(ctx, Request{Tools: tools, Messages: []Message{{Role: RoleUser, Content: "请加载这个PDF文件：/data/pdf/SH/601127_2024_3.pdf"}}})
	require.NoError(t, err)
	require.Len(t, msg.ToolCalls, 1)
	require.Equal(t, "load_financial_pdf", msg.ToolCalls[0].Name)
	require.JSONEq(t, `{"pdf_path":"/data/pdf/SH/601127_2024_3.pdf"}`, msg.ToolCalls[0].Arguments)

	msg, _, err = collectLocal(ctx, Request{Tools: tools, Messages: []Message{{Role: RoleUser, Content: "从PDF中提取所有关键财务数据"}}})
	require.NoError(t, err)
	require.Equal(t, "extract_financial_data", msg.ToolCalls[0].Name)

	msg, _, err = collectLocal(ctx, Request{Tools: tools, Messages: []Message{
		{Role: RoleTool, Name: "extract_financial_data", Content: "营业收入: 100"},
		{Role: RoleUser, Content: "分析整体财务状况"},
	}})
	require.NoError(t, err)
	require.Empty(t, msg.ToolCalls)
	require.Contains(t, msg.Content, "营业收入: 100")
}

func collectLocal(ctx context.Context, req Request) (Message, string, error) {
	s, err := LocalProvider{}.Stream(ctx, req)
	if err != nil {
		return Message{}, "", err
	}
	return Collect(s, nil)
}
