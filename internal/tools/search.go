package tools

import (
	"sort"
	"strings"
	"unicode/utf8"
)

type synonymGroup struct {
	key      string
	synonyms []string
}

var financialSynonyms = []synonymGroup{
	{"利润", []string{"利润总额", "归属于上市公司股东的净利润", "归属于上市公司股东的扣除非经常性损益的净利润"}},
	{"收入", []string{"营业收入", "营业总收入"}},
	{"资产", []string{"总资产", "资产总计"}},
	{"负债", []string{"总负债", "负债合计"}},
	{"现金流", []string{"经营活动产生的现金流量净额"}},
	{"毛利", []string{"毛利率"}},
	{"净利率", []string{"销售净利率"}},
	{"ROE", []string{"净资产收益率"}},
	{"ROA", []string{"总资产收益率"}},
	{"EPS", []string{"基本每股收益", "稀释每股收益"}},
	{"营收", []string{"营业收入"}},
	{"成本", []string{"营业成本"}},
	{"费用", []string{"销售费用", "管理费用", "财务费用"}},
}

// ExpandQuery adds financial synonyms for the first group the query hits,
// keeping at most maxExpansion extra terms.
func ExpandQuery(query string, maxExpansion int) []string {
	terms := []string{query}
	for _, group := range financialSynonyms {
		if strings.Contains(query, group.key) {
			n := min(maxExpansion, len(group.synonyms))
			terms = append(terms, group.synonyms[:n]...)
			break
		}
		hit := false
		for _, syn := range group.synonyms {
			if strings.Contains(query, syn) {
				terms = append(terms, group.key)
				hit = true
				break
			}
		}
		if hit {
			break
		}
	}

	seen := map[string]bool{}
	unique := terms[:0]
	for _, term := range terms {
		if !seen[term] {
			seen[term] = true
			unique = append(unique, term)
		}
	}
	if len(unique) > maxExpansion+1 {
		unique = unique[:maxExpansion+1]
	}
	return unique
}

// Hit is a section matched by a search.
type Hit struct {
	Section Section
	Term    string
	Score   int
	Snippet string
}

// Search ranks sections by how often the expanded query terms occur.
func Search(doc *Document, query string, limit int) []Hit {
	terms := ExpandQuery(query, 3)
	var hits []Hit
	for _, section := range doc.Sections {
		best, score := "", 0
		for _, term := range terms {
			n := strings.Count(section.Content, term)
			if n == 0 {
				continue
			}
			if best == "" {
				best = term
			}
			score += n
		}
		if score == 0 {
			continue
		}
		hits = append(hits, Hit{Section: section, Term: best, Score: score, Snippet: snippet(section.Content, best, 800)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// snippet returns up to limit runes of content starting a little before
// the first occurrence of term.
func snippet(content, term string, limit int) string {
	idx := strings.Index(content, term)
	if idx < 0 {
		idx = 0
	}
	start := utf8.RuneCountInString(content[:idx]) - 100
	if start < 0 {
		start = 0
	}
	runes := []rune(content)
	end := min(start+limit, len(runes))
	return string(runes[start:end])
}
