package crawler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
)

// SZSECrawler queries the Shenzhen exchange announcement list API.
type SZSECrawler struct {
	httpSource
	queryURL  string
	staticURL string
}

func NewSZSECrawler(queryURL, staticURL string, client *http.Client, userAgent string) *SZSECrawler {
	return &SZSECrawler{
		httpSource: newHTTPSource(filing.ExchangeSZ, client, userAgent),
		queryURL:   queryURL,
		staticURL:  staticURL,
	}
}

var szseCategories = map[filing.PeriodType]string{
	filing.PeriodAnnual: "010301",
	filing.PeriodH1:     "010303",
	filing.PeriodQ1:     "010305",
	filing.PeriodQ3:     "010307",
}

type szseRequest struct {
	SeDate        []string `json:"seDate"`
	Stock         []string `json:"stock"`
	ChannelCode   []string `json:"channelCode"`
	BigCategoryID []string `json:"bigCategoryId"`
	PageSize      int      `json:"pageSize"`
	PageNum       int      `json:"pageNum"`
}

type szseResponse struct {
	Data []struct {
		Title       string   `json:"title"`
		AttachPath  string   `json:"attachPath"`
		PublishTime string   `json:"publishTime"`
		SecCode     []string `json:"secCode"`
	} `json:"data"`
}

func (c *SZSECrawler) List(ctx context.Context, fp filing.Fingerprint) ([]filing.Reference, error) {
	begin, end := searchWindow(fp)
	body, err := json.Marshal(szseRequest{
		SeDate:        []string{begin.Format("2006-01-02"), end.Format("2006-01-02")},
		Stock:         []string{fp.StockCode},
		ChannelCode:   []string{"fixed_disc"},
		BigCategoryID: []string{szseCategories[fp.Period]},
		PageSize:      30,
		PageNum:       1,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.queryURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	raw, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var parsed szseResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, c.malformed(err)
	}
	refs := make([]filing.Reference, 0, len(parsed.Data))
	for _, item := range parsed.Data {
		code := fp.StockCode
		if len(item.SecCode) > 0 {
			code = item.SecCode[0]
		}
		refs = append(refs, filing.Reference{
			Exchange:    filing.ExchangeSZ,
			StockCode:   code,
			Title:       item.Title,
			URL:         joinURL(c.staticURL, item.AttachPath),
			PublishedAt: parseDate(item.PublishTime),
		})
	}
	return refs, nil
}
