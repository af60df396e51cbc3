package tools

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

var ErrEmptyDocument = errors.New("document has no extractable text")

// Section is a run of text that starts at a numbered heading.
type Section struct {
	Header  string
	Marker  string
	Content string
}

type Document struct {
	Path     string
	Pages    []string
	Text     string
	Sections []Section
}

func NewDocument(path string, pages []string) *Document {
	text := strings.Join(pages, "\n\n")
	return &Document{Path: path, Pages: pages, Text: text, Sections: SplitSections(text)}
}

var readPages = readPDFPages

// LoadDocument extracts the text of every page. Corrupt files that make the
// parser panic are reported as errors.
func LoadDocument(path string) (*Document, error) {
	pages, err := readPages(path)
	if err != nil {
		return nil, err
	}
	doc := NewDocument(path, pages)
	if strings.TrimSpace(doc.Text) == "" {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyDocument)
	}
	return doc, nil
}

func readPDFPages(path string) (pages []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("panic during PDF extraction: %v", r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open PDF: %w", err)
	}
	defer f.Close()

	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pages = append(pages, text)
	}
	return pages, nil
}

var headerPattern = regexp.MustCompile(`(?m)^(` +
	`[一二三四五六七八九十]+、|` +
	`第[一二三四五六七八九十\d]+[节章条款]|` +
	`[（(][一二三四五六七八九十\d]+[)）]|` +
	`\d+[、.．]\s*[^\d\s]|` +
	`[①②③④⑤⑥⑦⑧⑨⑩]` +
	`)`)

// SplitSections cuts text at Chinese report headings such as "一、",
// "第二节", "（三）" or "4、". Text before the first heading is kept when it
// is long enough to matter.
func SplitSections(text string) []Section {
	matches := headerPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil
		}
		return []Section{{Header: "全文", Content: trimmed}}
	}

	var sections []Section
	if pre := strings.TrimSpace(text[:matches[0][0]]); utf8.RuneCountInString(pre) > 50 {
		sections = append(sections, Section{Header: "文档开头", Content: pre})
	}
	for i, m := range matches {
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		chunk := strings.TrimSpace(text[m[0]:end])
		if chunk == "" {
			continue
		}
		header, _, _ := strings.Cut(chunk, "\n")
		sections = append(sections, Section{
			Header:  truncateRunes(header, 50),
			Marker:  strings.TrimSpace(text[m[2]:m[3]]),
			Content: chunk,
		})
	}
	return sections
}

func truncateRunes(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	return string([]rune(value)[:limit])
}
