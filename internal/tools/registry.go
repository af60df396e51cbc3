package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
	hjson "github.com/hjson/hjson-go/v4"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/llm"
)

var (
	ErrUnknownTool  = errors.New("unknown tool")
	ErrNoDocument   = errors.New("no document loaded; call load_financial_pdf first")
	ErrPathRejected = errors.New("document path is outside this session")
)

type handler func(ctx context.Context, args Args) (string, error)

type tool struct {
	spec llm.ToolSpec
	run  handler
}

// Registry holds the financial tools of one analysis session. The loaded
// document is session state, so registries are never shared.
type Registry struct {
	artifact string
	load     func(path string) (*Document, error)

	mu    sync.Mutex
	doc   *Document
	tools map[string]tool
	order []string
}

// NewRegistry binds the tools to the artifact at artifactPath; only that
// file may be loaded.
func NewRegistry(artifactPath string) *Registry {
	r := &Registry{artifact: artifactPath, load: LoadDocument, tools: map[string]tool{}}
	r.register(llm.ToolSpec{
		Name:        "load_financial_pdf",
		Description: "加载并解析财务报表PDF文件",
		Parameters:  []llm.Parameter{{Name: "pdf_path", Type: "string", Description: "PDF文件的路径", Required: true}},
	}, r.loadPDF)
	r.register(llm.ToolSpec{
		Name:        "extract_financial_data",
		Description: "从已加载的PDF中提取财务数据，data_type 为指标键或 all",
		Parameters:  []llm.Parameter{{Name: "data_type", Type: "string", Description: "revenue, net_income, total_assets, total_liabilities, equity, current_assets, current_liabilities, cash, operating_income 或 all", Required: true}},
	}, r.extract)
	r.register(llm.ToolSpec{
		Name:        "search_financial_info",
		Description: "在已加载的财务报表中检索相关章节",
		Parameters:  []llm.Parameter{{Name: "query", Type: "string", Description: "要查询的财务信息，如 营业收入、资产负债表", Required: true}},
	}, r.search)
	r.register(llm.ToolSpec{
		Name:        "calculate_financial_ratio",
		Description: "计算财务比率",
		Parameters: []llm.Parameter{
			{Name: "metric", Type: "string", Description: "比率名称，如 ROE、ROA、current_ratio、debt_ratio", Required: true},
			{Name: "numerator", Type: "number", Description: "分子", Required: true},
			{Name: "denominator", Type: "number", Description: "分母", Required: true},
		},
	}, func(_ context.Context, args Args) (string, error) {
		num, err := args.Float("numerator")
		if err != nil {
			return "", err
		}
		den, err := args.Float("denominator")
		if err != nil {
			return "", err
		}
		return CalculateRatio(args.String("metric"), num, den), nil
	})
	r.register(llm.ToolSpec{
		Name:        "analyze_profitability",
		Description: "分析企业盈利能力",
		Parameters:  numberParams("revenue", "net_income", "total_assets", "operating_income"),
	}, func(_ context.Context, args Args) (string, error) {
		v, err := args.Floats("revenue", "net_income", "total_assets", "operating_income")
		if err != nil {
			return "", err
		}
		return AnalyzeProfitability(v[0], v[1], v[2], v[3]), nil
	})
	r.register(llm.ToolSpec{
		Name:        "analyze_liquidity",
		Description: "分析企业流动性和偿债能力",
		Parameters:  numberParams("current_assets", "current_liabilities", "cash", "inventory"),
	}, func(_ context.Context, args Args) (string, error) {
		v, err := args.Floats("current_assets", "current_liabilities", "cash", "inventory")
		if err != nil {
			return "", err
		}
		return AnalyzeLiquidity(v[0], v[1], v[2], v[3]), nil
	})
	r.register(llm.ToolSpec{
		Name:        "analyze_leverage",
		Description: "分析企业杠杆和资本结构",
		Parameters:  numberParams("total_assets", "total_liabilities", "equity", "interest_expense", "ebit"),
	}, func(_ context.Context, args Args) (string, error) {
		v, err := args.Floats("total_assets", "total_liabilities", "equity", "interest_expense", "ebit")
		if err != nil {
			return "", err
		}
		return AnalyzeLeverage(v[0], v[1], v[2], v[3], v[4]), nil
	})
	return r
}

func numberParams(names ...string) []llm.Parameter {
	params := make([]llm.Parameter, 0, len(names))
	for _, name := range names {
		params = append(params, llm.Parameter{Name: name, Type: "number", Required: true})
	}
	return params
}

func (r *Registry) register(spec llm.ToolSpec, run handler) {
	r.tools[spec.Name] = tool{spec: spec, run: run}
	r.order = append(r.order, spec.Name)
}

func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.tools[name].spec)
	}
	return specs
}

// Call runs the named tool with raw model-produced arguments.
func (r *Registry) Call(ctx context.Context, name, rawArgs string) (string, error) {
	t, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	args, err := DecodeArgs(rawArgs)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return t.run(ctx, args)
}

func (r *Registry) document() (*Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.doc == nil {
		return nil, ErrNoDocument
	}
	return r.doc, nil
}

func (r *Registry) loadPDF(_ context.Context, args Args) (string, error) {
	path := args.String("pdf_path")
	if path == "" {
		path = r.artifact
	}
	if r.artifact != "" && filepath.Clean(path) != filepath.Clean(r.artifact) {
		return "", fmt.Errorf("%w: %s", ErrPathRejected, path)
	}
	doc, err := r.load(path)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.doc = doc
	r.mu.Unlock()
	return fmt.Sprintf("成功加载PDF文件\n- 文档页数: %d\n- 章节数: %d\n- 字符数: %d", len(doc.Pages), len(doc.Sections), len([]rune(doc.Text))), nil
}

func (r *Registry) extract(_ context.Context, args Args) (string, error) {
	doc, err := r.document()
	if err != nil {
		return "", err
	}
	dataType := strings.TrimSpace(args.String("data_type"))
	if dataType == "" || dataType == "all" {
		return extractAll(doc), nil
	}
	name, ok := metricName(dataType)
	if !ok {
		return fmt.Sprintf("不支持的数据类型: %s", dataType), nil
	}
	if m, ok := ExtractMetric(doc.Text, dataType); ok {
		return fmt.Sprintf("%s: %s", name, formatAmount(m.Value)), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "未能自动提取 %s，以下是相关内容：\n\n", name)
	for _, hit := range Search(doc, name, 2) {
		fmt.Fprintf(&b, "---\n%s\n", truncateRunes(hit.Snippet, 400))
	}
	return b.String(), nil
}

func extractAll(doc *Document) string {
	found := ExtractMetrics(doc.Text)
	var b strings.Builder
	b.WriteString("提取的财务数据：\n\n")
	for _, key := range MetricKeys() {
		name, _ := metricName(key)
		if m, ok := found[key]; ok {
			fmt.Fprintf(&b, "- %s: %s\n", name, formatAmount(m.Value))
		} else {
			fmt.Fprintf(&b, "- %s: 未找到\n", name)
		}
	}
	if len(found) < 5 {
		b.WriteString("\n\n部分数据未能自动提取，以下是相关原始内容供分析：\n\n")
		for _, keyword := range []string{"利润表", "资产负债表", "主要会计数据"} {
			for _, hit := range Search(doc, keyword, 2) {
				fmt.Fprintf(&b, "---\n%s\n", truncateRunes(hit.Snippet, 500))
			}
		}
	}
	return b.String()
}

func (r *Registry) search(_ context.Context, args Args) (string, error) {
	doc, err := r.document()
	if err != nil {
		return "", err
	}
	query := args.String("query")
	hits := Search(doc, query, 5)
	if len(hits) == 0 {
		return fmt.Sprintf("未找到关于'%s'的相关信息", query), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "关于'%s'的相关信息：\n\n", query)
	for i, hit := range hits {
		fmt.Fprintf(&b, "片段 %d (章节: %s, 匹配词: %s):\n%s\n\n", i+1, hit.Section.Header, hit.Term, hit.Snippet)
	}
	return b.String(), nil
}

// Args are decoded tool arguments.
type Args map[string]any

// DecodeArgs parses tool arguments, repairing the malformed JSON models
// sometimes produce before falling back to Hjson.
func DecodeArgs(raw string) (Args, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Args{}, nil
	}
	var args Args
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args, nil
	}
	if repaired, err := jsonrepair.RepairJSON(raw); err == nil {
		if err := json.Unmarshal([]byte(repaired), &args); err == nil && args != nil {
			return args, nil
		}
	}
	var lenient map[string]any
	if err := hjson.Unmarshal([]byte(raw), &lenient); err != nil {
		return nil, fmt.Errorf("decode tool arguments: %w", err)
	}
	return Args(lenient), nil
}

func (a Args) String(name string) string {
	switch v := a[name].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Float accepts numbers and numeric strings with thousands separators.
func (a Args) Float(name string) (float64, error) {
	switch v := a[name].(type) {
	case float64:
		return v, nil
	case json.Number:
		return v.Float64()
	case string:
		if f, ok := parseNumber(v); ok {
			return f, nil
		}
		return 0, fmt.Errorf("argument %s: %q is not a number", name, v)
	case nil:
		return 0, fmt.Errorf("argument %s is required", name)
	default:
		return 0, fmt.Errorf("argument %s: unexpected %T", name, v)
	}
}

func (a Args) Floats(names ...string) ([]float64, error) {
	out := make([]float64, len(names))
	for i, name := range names {
		v, err := a.Float(name)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
