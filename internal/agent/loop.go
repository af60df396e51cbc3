package agent

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/llm"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/metrics"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/tools"
)

const (
	defaultMaxTurns    = 12
	maxToolOutputRunes = 6000
)

var ErrTurnLimit = errors.New("agent exceeded turn limit")

// Toolset is what the loop can call on behalf of the model.
type Toolset interface {
	Specs() []llm.ToolSpec
	Call(ctx context.Context, name, rawArgs string) (string, error)
}

// Callbacks receive the raw activity of a run as it happens. Any of them
// may be nil.
type Callbacks struct {
	OnToken      func(text string)
	OnToolStart  func(name, args string)
	OnToolOutput func(name, output string)
}

type Result struct {
	Reply     string
	Turns     int
	ToolCalls int
}

// Loop drives a tool-calling conversation over one filing artifact.
type Loop struct {
	provider    llm.Provider
	maxTurns    int
	temperature float64
	toolset     func(artifactPath string) Toolset
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

type LoopOption func(*Loop)

// WithMaxTurns caps model calls per query.
func WithMaxTurns(n int) LoopOption {
	return func(l *Loop) {
		if n > 0 {
			l.maxTurns = n
		}
	}
}

func WithToolset(factory func(artifactPath string) Toolset) LoopOption {
	return func(l *Loop) {
		l.toolset = factory
	}
}

func WithLoopMetrics(m *metrics.Metrics) LoopOption {
	return func(l *Loop) {
		l.metrics = m
	}
}

func WithLoopLogger(logger zerolog.Logger) LoopOption {
	return func(l *Loop) {
		l.logger = logger
	}
}

func NewLoop(provider llm.Provider, opts ...LoopOption) *Loop {
	l := &Loop{
		provider: provider,
		maxTurns: defaultMaxTurns,
		toolset: func(artifactPath string) Toolset {
			return tools.NewRegistry(artifactPath)
		},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run asks every query in turn. Tool failures are reported back to the
// model as text; provider failures end the run.
func (l *Loop) Run(ctx context.Context, artifactPath string, cb Callbacks) (Result, error) {
	if l.provider == nil {
		return Result{}, errors.New("no llm provider configured")
	}
	toolset := l.toolset(artifactPath)
	specs := toolset.Specs()
	var result Result
	var history []llm.Message

	for _, query := range Queries(artifactPath) {
		history = append(history, llm.Message{Role: llm.RoleUser, Content: query})
		turns := 0
		for {
			if turns >= l.maxTurns {
				return result, fmt.Errorf("%w (%d) while answering %q", ErrTurnLimit, l.maxTurns, query)
			}
			turns++
			result.Turns++

			stream, err := l.provider.Stream(ctx, llm.Request{
				System:      systemPrompt,
				Messages:    history,
				Tools:       specs,
				Temperature: &l.temperature,
			})
			if err != nil {
				return result, fmt.Errorf("llm request: %w", err)
			}
			reply, finish, err := llm.Collect(stream, cb.OnToken)
			if err != nil {
				return result, fmt.Errorf("llm stream: %w", err)
			}
			history = append(history, reply)
			if reply.Content != "" {
				result.Reply = reply.Content
			}
			if len(reply.ToolCalls) == 0 {
				l.logger.Debug().Str("finish_reason", finish).Int("turns", turns).Msg("query answered")
				break
			}

			for _, call := range reply.ToolCalls {
				output, err := l.callTool(ctx, toolset, call, cb)
				if err != nil {
					return result, err
				}
				result.ToolCalls++
				history = append(history, llm.Message{
					Role:       llm.RoleTool,
					Content:    output,
					ToolCallID: call.ID,
					Name:       call.Name,
				})
			}
		}
	}
	return result, nil
}

func (l *Loop) callTool(ctx context.Context, toolset Toolset, call llm.ToolCall, cb Callbacks) (string, error) {
	if cb.OnToolStart != nil {
		cb.OnToolStart(call.Name, call.Arguments)
	}
	l.metrics.ToolCall(call.Name)

	output, err := toolset.Call(ctx, call.Name, call.Arguments)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		l.logger.Warn().Err(err).Str("tool", call.Name).Msg("tool call failed")
		output = fmt.Sprintf("工具调用失败: %v", err)
	}
	output = clampOutput(output)
	if cb.OnToolOutput != nil {
		cb.OnToolOutput(call.Name, output)
	}
	return output, nil
}

func clampOutput(output string) string {
	if utf8.RuneCountInString(output) <= maxToolOutputRunes {
		return output
	}
	return string([]rune(output)[:maxToolOutputRunes]) + "\n...(内容过长，已截断)"
}
