package tools

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

type valueKind int

const (
	amountValue valueKind = iota
	perShareValue
	percentValue
)

type metricDef struct {
	Key    string
	Name   string
	Labels []string
	Kind   valueKind
	// NotAfter rejects a label match preceded by one of these strings, so
	// "负债合计" does not pick up "流动负债合计".
	NotAfter []string
}

// Metric is one figure found in the report text.
type Metric struct {
	Key   string
	Name  string
	Value float64
	Raw   string
}

// spaced lets PDF text extraction put whitespace between any two
// characters of a label. "?" after a rune makes it optional.
func spaced(label string) string {
	runes := []rune(label)
	var b strings.Builder
	for i := 0; i < len(runes); i++ {
		if i > 0 {
			b.WriteString(`\s*`)
		}
		b.WriteString(regexp.QuoteMeta(string(runes[i])))
		if i+1 < len(runes) && runes[i+1] == '?' {
			b.WriteString("?")
			i++
		}
	}
	return b.String()
}

var metricDefs = []metricDef{
	{Key: "revenue", Name: "营业收入", Labels: []string{spaced("营业总?收入")}},
	{Key: "total_profit", Name: "利润总额", Labels: []string{spaced("利润总额")}},
	{Key: "net_income", Name: "归属于上市公司股东的净利润", Labels: []string{spaced("归属于上市公司股东的?净利润"), spaced("归属于母公司所有者的?净利润"), spaced("净利润")}},
	{Key: "operating_income", Name: "归属于上市公司股东的扣除非经常性损益的净利润", Labels: []string{spaced("扣除非?经常性损益的?净利润")}},
	{Key: "eps_basic", Name: "基本每股收益", Labels: []string{spaced("基本每股收益")}, Kind: perShareValue},
	{Key: "eps_diluted", Name: "稀释每股收益", Labels: []string{spaced("稀释每股收益")}, Kind: perShareValue},
	{Key: "total_assets", Name: "总资产", Labels: []string{spaced("资产总计"), spaced("总资产")}},
	{Key: "total_liabilities", Name: "总负债", Labels: []string{spaced("负债合计"), spaced("负债总计"), spaced("负债总额")}, NotAfter: []string{"流动"}},
	{Key: "equity", Name: "股东权益", Labels: []string{spaced("归属于上市公司股东的?所有者权益"), spaced("所有者权益合计"), spaced("股东权益合计")}},
	{Key: "current_assets", Name: "流动资产", Labels: []string{spaced("流动资产合计")}, NotAfter: []string{"非"}},
	{Key: "current_liabilities", Name: "流动负债", Labels: []string{spaced("流动负债合计")}, NotAfter: []string{"非"}},
	{Key: "cash", Name: "货币资金", Labels: []string{spaced("货币资金"), spaced("现金及现金等价物余额")}},
	{Key: "operating_cash_flow", Name: "经营活动产生的现金流量净额", Labels: []string{spaced("经营活动产生的现金流量净额")}},
	{Key: "roe_weighted", Name: "加权平均净资产收益率", Labels: []string{spaced("加权平均净资产收益率")}, Kind: percentValue},
}

var valueSuffix = map[valueKind]string{
	amountValue:   `[（(]?元?[)）]?[\s|｜]*(?:—\s*)*(-?[\d,，]+(?:\.\d+)?)`,
	perShareValue: `[（(]?(?:元/股)?[)）]?[\s|｜]*(?:—\s*)*(-?\d+(?:\.\d+)?)`,
	percentValue:  `[（(]?%?[)）]?[\s|｜]*(?:—\s*)*(-?\d+(?:\.\d+)?)%?`,
}

type compiledMetric struct {
	def      metricDef
	patterns []*regexp.Regexp
}

var compiledMetrics = compileMetrics()

func compileMetrics() []compiledMetric {
	out := make([]compiledMetric, 0, len(metricDefs))
	for _, def := range metricDefs {
		cm := compiledMetric{def: def}
		for _, label := range def.Labels {
			cm.patterns = append(cm.patterns, regexp.MustCompile(label+valueSuffix[def.Kind]))
		}
		out = append(out, cm)
	}
	return out
}

// MetricKeys lists the keys ExtractMetrics understands, in report order.
func MetricKeys() []string {
	keys := make([]string, 0, len(metricDefs))
	for _, def := range metricDefs {
		keys = append(keys, def.Key)
	}
	return keys
}

func metricName(key string) (string, bool) {
	for _, def := range metricDefs {
		if def.Key == key {
			return def.Name, true
		}
	}
	return "", false
}

// ExtractMetric returns the first value printed after one of the metric's
// labels.
func ExtractMetric(text, key string) (Metric, bool) {
	for _, cm := range compiledMetrics {
		if cm.def.Key != key {
			continue
		}
		for _, re := range cm.patterns {
			for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
				if precededBy(text[:loc[0]], cm.def.NotAfter) {
					continue
				}
				raw := text[loc[2]:loc[3]]
				value, ok := parseNumber(raw)
				if !ok || value == 0 {
					continue
				}
				return Metric{Key: key, Name: cm.def.Name, Value: value, Raw: raw}, true
			}
		}
	}
	return Metric{}, false
}

func precededBy(prefix string, words []string) bool {
	prefix = strings.TrimRightFunc(prefix, unicode.IsSpace)
	for _, w := range words {
		if strings.HasSuffix(prefix, w) {
			return true
		}
	}
	return false
}

func ExtractMetrics(text string) map[string]Metric {
	found := map[string]Metric{}
	for _, key := range MetricKeys() {
		if m, ok := ExtractMetric(text, key); ok {
			found[key] = m
		}
	}
	return found
}

func parseNumber(raw string) (float64, bool) {
	clean := strings.NewReplacer(",", "", "，", "", " ", "").Replace(strings.TrimSpace(raw))
	if clean == "" || clean == "-" || clean == "." {
		return 0, false
	}
	value, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

// formatAmount prints v with thousands separators and two decimals.
func formatAmount(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	intPart, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return sign + b.String() + "." + frac
}
