package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestToGenaiContentsMapsRoles(t *testing.T) {
	contents, err := toGenaiContents([]Message{
		{Role: RoleUser, Content: "加载"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "load_financial_pdf", Arguments: `{"pdf_path":"a.pdf"}`}}},
		{Role: RoleTool, ToolCallID: "c1", Content: "ok"},
	})
	require.NoError(t, err)
	require.Len(t, contents, 3)
	require.Equal(t, "user", contents[0].Role)
	require.Equal(t, "model", contents[1].Role)
	require.Equal(t, "a.pdf", contents[1].Parts[0].FunctionCall.Args["pdf_path"])
	require.Equal(t, "load_financial_pdf", contents[2].Parts[0].FunctionResponse.Name)
}

func TestToGenaiContentsRejectsBadArguments(t *testing.T) {
	_, err := toGenaiContents([]Message{{Role: RoleAssistant, ToolCalls: []ToolCall{{Name: "x", Arguments: "{"}}}})
	require.Error(t, err)
}

func TestToFunctionDeclarations(t *testing.T) {
	decls := toFunctionDeclarations([]ToolSpec{{
		Name: "calculate_financial_ratio",
		Parameters: []Parameter{
			{Name: "metric", Type: "string", Required: true},
			{Name: "numerator", Type: "number", Required: true},
		},
	}})
	require.Len(t, decls, 1)
	require.Equal(t, genai.TypeObject, decls[0].Parameters.Type)
	require.Equal(t, genai.TypeNumber, decls[0].Parameters.Properties["numerator"].Type)
	require.Equal(t, []string{"metric", "numerator"}, decls[0].Parameters.Required)
}

func TestGenaiChunks(t *testing.T) {
	responses := []*genai.GenerateContentResponse{
		{Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []*genai.Part{{Text: "资产"}}}}}},
		{Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Parts: []*genai.Part{{FunctionCall: &genai.FunctionCall{Name: "analyze_leverage", Args: map[string]any{"equity": 2.0}}}}},
			FinishReason: genai.FinishReasonStop,
		}}},
	}
	next := func() (*genai.GenerateContentResponse, error, bool) {
		if len(responses) == 0 {
			return nil, nil, false
		}
		resp := responses[0]
		responses = responses[1:]
		return resp, nil, true
	}
	msg, finish, err := Collect(newStream(genaiChunks(next), nil), nil)
	require.NoError(t, err)
	require.Equal(t, "资产", msg.Content)
	require.Len(t, msg.ToolCalls, 1)
	require.Equal(t, "analyze_leverage", msg.ToolCalls[0].Name)
	require.JSONEq(t, `{"equity":2}`, msg.ToolCalls[0].Arguments)
	require.NotEmpty(t, msg.ToolCalls[0].ID)
	require.Equal(t, string(genai.FinishReasonStop), finish)
}

func TestGenaiChunksPropagatesError(t *testing.T) {
	next := func() (*genai.GenerateContentResponse, error, bool) {
		return nil, errors.New("quota"), true
	}
	_, _, err := Collect(newStream(genaiChunks(next), nil), nil)
	require.ErrorContains(t, err, "quota")
}
