package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
)

var (
	ErrNoMatch             = errors.New("no matching filing in exchange listing")
	ErrUnsupportedExchange = errors.New("no crawler bound to exchange")
)

// Crawler lists announcement documents published by one exchange for the
// stock and period in the fingerprint.
type Crawler interface {
	List(ctx context.Context, fp filing.Fingerprint) ([]filing.Reference, error)
}

type Registry map[filing.Exchange]Crawler

func (r Registry) For(exchange filing.Exchange) (Crawler, error) {
	c, ok := r[exchange]
	if !ok || c == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedExchange, exchange)
	}
	return c, nil
}

// SourceError reports an exchange endpoint that could not be queried.
type SourceError struct {
	Exchange   filing.Exchange
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *SourceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s listing failed: status %d", e.Exchange, e.StatusCode)
	}
	return fmt.Sprintf("%s listing failed: %v", e.Exchange, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a crawl error may succeed on another attempt.
func IsRetryable(err error) bool {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// Select picks the reference for fp. When several documents match (for
// example an amended report), the most recently published one wins.
func Select(refs []filing.Reference, fp filing.Fingerprint) (filing.Reference, error) {
	var matches []filing.Reference
	for _, ref := range refs {
		if Matches(ref, fp) {
			matches = append(matches, ref)
		}
	}
	if len(matches) == 0 {
		return filing.Reference{}, fmt.Errorf("%w: %s", ErrNoMatch, fp.Key())
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if !matches[i].PublishedAt.Equal(matches[j].PublishedAt) {
			return matches[i].PublishedAt.After(matches[j].PublishedAt)
		}
		return matches[i].Title > matches[j].Title
	})
	return matches[0], nil
}

var excludedTitleMarkers = []string{"摘要", "英文", "English", "取消", "提示性公告", "更正公告", "问询函"}

func Matches(ref filing.Reference, fp filing.Fingerprint) bool {
	if ref.StockCode != "" && ref.StockCode != fp.StockCode {
		return false
	}
	if !strings.HasSuffix(strings.ToLower(ref.URL), ".pdf") {
		return false
	}
	title := strings.ReplaceAll(ref.Title, " ", "")
	if !strings.Contains(title, strconv.Itoa(fp.FiscalYear)+"年") {
		return false
	}
	for _, marker := range excludedTitleMarkers {
		if strings.Contains(title, marker) {
			return false
		}
	}
	switch fp.Period {
	case filing.PeriodQ1:
		return strings.Contains(title, "第一季度报告") || strings.Contains(title, "一季度报告")
	case filing.PeriodH1:
		return strings.Contains(title, "半年度报告") || strings.Contains(title, "中期报告")
	case filing.PeriodQ3:
		return strings.Contains(title, "第三季度报告") || strings.Contains(title, "三季度报告")
	case filing.PeriodAnnual:
		return strings.Contains(title, "年度报告") && !strings.Contains(title, "半年度")
	}
	return false
}

// searchWindow covers the fiscal year and the following year, since annual
// reports are published after the year closes.
func searchWindow(fp filing.Fingerprint) (time.Time, time.Time) {
	begin := time.Date(fp.FiscalYear, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(fp.FiscalYear+1, time.December, 31, 0, 0, 0, 0, time.UTC)
	return begin, end
}

type httpSource struct {
	exchange  filing.Exchange
	client    *http.Client
	userAgent string
}

func newHTTPSource(exchange filing.Exchange, client *http.Client, userAgent string) httpSource {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return httpSource{exchange: exchange, client: client, userAgent: userAgent}
}

func (s httpSource) do(req *http.Request) ([]byte, error) {
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &SourceError{Exchange: s.exchange, Retryable: req.Context().Err() == nil, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, &SourceError{Exchange: s.exchange, StatusCode: resp.StatusCode, Retryable: retryable}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &SourceError{Exchange: s.exchange, Retryable: true, Err: err}
	}
	return body, nil
}

func (s httpSource) malformed(err error) error {
	return &SourceError{Exchange: s.exchange, Retryable: true, Err: fmt.Errorf("malformed listing: %w", err)}
}

func parseDate(value string) time.Time {
	value = strings.TrimSpace(value)
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02", "2006/01/02", "20060102"} {
		if parsed, err := time.ParseInLocation(layout, value, shanghai); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

var shanghai = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}()

func joinURL(base, path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
