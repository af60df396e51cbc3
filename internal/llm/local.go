package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var pdfPathPattern = regexp.MustCompile(`[^\s：]+\.pdf`)

// LocalProvider answers without a remote model: it calls the loader and the
// extractor when asked to, then restates tool output. It keeps the server
// usable offline.
type LocalProvider struct{}

func (LocalProvider) Stream(ctx context.Context, req Request) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.Messages) == 0 {
		return StreamOf(Chunk{Kind: ChunkDone, FinishReason: "stop"}), nil
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role == RoleTool {
		return textStream(fmt.Sprintf("工具 %s 返回：\n%s\n", last.Name, truncate(last.Content, 600))), nil
	}

	query := last.Content
	switch {
	case pdfPathPattern.MatchString(query) && hasTool(req.Tools, "load_financial_pdf"):
		return toolStream("load_financial_pdf", map[string]any{"pdf_path": pdfPathPattern.FindString(query)}, len(req.Messages)), nil
	case strings.Contains(query, "提取") && hasTool(req.Tools, "extract_financial_data") && !calledTool(req.Messages, "extract_financial_data"):
		return toolStream("extract_financial_data", map[string]any{"data_type": "all"}, len(req.Messages)), nil
	}
	return textStream("本地模式未连接语言模型，以下结论仅基于工具输出。\n" + summarizeToolOutput(req.Messages)), nil
}

func hasTool(tools []ToolSpec, name string) bool {
	for _, tool := range tools {
		if tool.Name == name {
			return true
		}
	}
	return false
}

func calledTool(messages []Message, name string) bool {
	for _, msg := range messages {
		if msg.Role == RoleTool && msg.Name == name {
			return true
		}
	}
	return false
}

func textStream(text string) *Stream {
	return StreamOf(Chunk{Kind: ChunkDelta, Text: text}, Chunk{Kind: ChunkDone, FinishReason: "stop"})
}

func toolStream(name string, args map[string]any, seq int) *Stream {
	raw, _ := json.Marshal(args)
	call := ToolCall{ID: fmt.Sprintf("local_%d", seq), Name: name, Arguments: string(raw)}
	return StreamOf(Chunk{Kind: ChunkToolCall, ToolCall: call}, Chunk{Kind: ChunkDone, FinishReason: "tool_calls"})
}

func summarizeToolOutput(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleTool && messages[i].Name == "extract_financial_data" {
			return truncate(messages[i].Content, 1200)
		}
	}
	return "没有可用的财务数据。"
}

func truncate(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit]) + "..."
}
