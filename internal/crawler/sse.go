package crawler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
)

// SSECrawler queries the Shanghai exchange bulletin API, which answers in
// JSONP.
type SSECrawler struct {
	httpSource
	queryURL  string
	staticURL string
	now       func() time.Time
}

func NewSSECrawler(queryURL, staticURL string, client *http.Client, userAgent string) *SSECrawler {
	return &SSECrawler{
		httpSource: newHTTPSource(filing.ExchangeSH, client, userAgent),
		queryURL:   queryURL,
		staticURL:  staticURL,
		now:        time.Now,
	}
}

var sseReportTypes = map[filing.PeriodType]string{
	filing.PeriodQ1:     "QUATER1",
	filing.PeriodH1:     "SEMIANNUAL",
	filing.PeriodQ3:     "QUATER3",
	filing.PeriodAnnual: "YEARLY",
}

type sseResponse struct {
	Result []struct {
		Title        string `json:"TITLE"`
		URL          string `json:"URL"`
		Date         string `json:"SSEDATE"`
		SecurityCode string `json:"SECURITY_CODE"`
	} `json:"result"`
}

func (c *SSECrawler) List(ctx context.Context, fp filing.Fingerprint) ([]filing.Reference, error) {
	begin, end := searchWindow(fp)
	params := url.Values{}
	params.Set("jsonCallBack", "jsonpCallback")
	params.Set("isPagination", "true")
	params.Set("productId", fp.StockCode)
	params.Set("securityType", "0101")
	params.Set("reportType2", "DQBG")
	params.Set("reportType", sseReportTypes[fp.Period])
	params.Set("beginDate", begin.Format("2006-01-02"))
	params.Set("endDate", end.Format("2006-01-02"))
	params.Set("pageHelp.pageSize", "25")
	params.Set("pageHelp.pageNo", "1")
	params.Set("_", strconv.FormatInt(c.now().UnixMilli(), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.queryURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Referer", "https://www.sse.com.cn/")
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	payload, err := stripJSONP(body)
	if err != nil {
		return nil, c.malformed(err)
	}
	var parsed sseResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, c.malformed(err)
	}
	refs := make([]filing.Reference, 0, len(parsed.Result))
	for _, item := range parsed.Result {
		code := item.SecurityCode
		if code == "" {
			code = fp.StockCode
		}
		refs = append(refs, filing.Reference{
			Exchange:    filing.ExchangeSH,
			StockCode:   code,
			Title:       item.Title,
			URL:         joinURL(c.staticURL, item.URL),
			PublishedAt: parseDate(item.Date),
		})
	}
	return refs, nil
}

func stripJSONP(body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return trimmed, nil
	}
	start := bytes.IndexByte(trimmed, '(')
	end := bytes.LastIndexByte(trimmed, ')')
	if start < 0 || end <= start {
		return nil, errors.New("response is neither JSON nor JSONP")
	}
	return trimmed[start+1 : end], nil
}
