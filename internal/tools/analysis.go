package tools

import (
	"fmt"
	"strings"
)

var ratioNames = map[string]string{
	"ROE":           "净资产收益率",
	"ROA":           "总资产收益率",
	"current_ratio": "流动比率",
	"debt_ratio":    "资产负债率",
	"profit_margin": "利润率",
}

var percentRatios = map[string]bool{"ROE": true, "ROA": true, "profit_margin": true, "debt_ratio": true}

func CalculateRatio(metric string, numerator, denominator float64) string {
	if denominator == 0 {
		return "错误：分母不能为零"
	}
	ratio := numerator / denominator
	name := metric
	if n, ok := ratioNames[metric]; ok {
		name = n
	}
	if percentRatios[metric] {
		return fmt.Sprintf("%s: %.2f%%", name, ratio*100)
	}
	return fmt.Sprintf("%s: %.2f", name, ratio)
}

func AnalyzeProfitability(revenue, netIncome, totalAssets, operatingIncome float64) string {
	if revenue == 0 || totalAssets == 0 {
		return "错误：收入或总资产不能为零"
	}
	margin := netIncome / revenue * 100
	roa := netIncome / totalAssets * 100
	operatingMargin := operatingIncome / revenue * 100

	var b strings.Builder
	b.WriteString("盈利能力分析报告：\n")
	fmt.Fprintf(&b, "- 利润率: %.2f%%\n", margin)
	fmt.Fprintf(&b, "- 总资产收益率(ROA): %.2f%%\n", roa)
	fmt.Fprintf(&b, "- 扣除非经常性损益的净利润率: %.2f%%\n\n分析结论：\n", operatingMargin)
	switch {
	case margin > 15:
		b.WriteString("- 利润率表现优秀，盈利能力强\n")
	case margin > 5:
		b.WriteString("- 利润率处于合理水平\n")
	default:
		b.WriteString("- 利润率偏低，需要关注成本控制\n")
	}
	switch {
	case roa > 10:
		b.WriteString("- 资产使用效率高，投资回报良好\n")
	case roa > 5:
		b.WriteString("- 资产使用效率中等\n")
	default:
		b.WriteString("- 资产使用效率较低，需要优化资产配置\n")
	}
	return b.String()
}

func AnalyzeLiquidity(currentAssets, currentLiabilities, cash, inventory float64) string {
	if currentLiabilities == 0 {
		return "错误：流动负债不能为零"
	}
	current := currentAssets / currentLiabilities
	quick := (currentAssets - inventory) / currentLiabilities
	cashRatio := cash / currentLiabilities

	var b strings.Builder
	b.WriteString("流动性分析报告：\n")
	fmt.Fprintf(&b, "- 流动比率: %.2f\n- 速动比率: %.2f\n- 现金比率: %.2f\n\n分析结论：\n", current, quick, cashRatio)
	switch {
	case current >= 2:
		b.WriteString("- 流动比率健康，短期偿债能力强\n")
	case current >= 1:
		b.WriteString("- 流动比率基本合理\n")
	default:
		b.WriteString("- 流动比率偏低，存在短期偿债风险\n")
	}
	if quick >= 1 {
		b.WriteString("- 速动比率良好，变现能力强\n")
	} else {
		b.WriteString("- 速动比率偏低，需要关注存货周转\n")
	}
	return b.String()
}

func AnalyzeLeverage(totalAssets, totalLiabilities, equity, interestExpense, ebit float64) string {
	if totalAssets == 0 || equity == 0 {
		return "错误：总资产或股东权益不能为零"
	}
	debtRatio := totalLiabilities / totalAssets * 100
	equityRatio := equity / totalAssets * 100
	debtToEquity := totalLiabilities / equity

	var b strings.Builder
	b.WriteString("杠杆与资本结构分析：\n")
	fmt.Fprintf(&b, "- 资产负债率: %.2f%%\n- 股东权益比率: %.2f%%\n- 负债权益比: %.2f\n\n分析结论：\n", debtRatio, equityRatio, debtToEquity)
	switch {
	case debtRatio < 40:
		b.WriteString("- 负债水平较低，财务风险小\n")
	case debtRatio < 60:
		b.WriteString("- 负债水平适中，资本结构合理\n")
	default:
		b.WriteString("- 负债水平较高，需要关注财务风险\n")
	}
	if interestExpense > 0 && ebit > 0 {
		coverage := ebit / interestExpense
		fmt.Fprintf(&b, "- 利息保障倍数: %.2f倍\n", coverage)
		switch {
		case coverage > 5:
			b.WriteString("  → 利息偿付能力强\n")
		case coverage > 2:
			b.WriteString("  → 利息偿付能力尚可\n")
		default:
			b.WriteString("  → 利息偿付压力较大\n")
		}
	}
	return b.String()
}
