package crawler

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
)

// BSECrawler scrapes the Beijing exchange disclosure listing page.
type BSECrawler struct {
	httpSource
	listURL string
	baseURL string
}

func NewBSECrawler(listURL, baseURL string, client *http.Client, userAgent string) *BSECrawler {
	return &BSECrawler{
		httpSource: newHTTPSource(filing.ExchangeBJ, client, userAgent),
		listURL:    listURL,
		baseURL:    baseURL,
	}
}

func (c *BSECrawler) List(ctx context.Context, fp filing.Fingerprint) ([]filing.Reference, error) {
	params := url.Values{}
	params.Set("code", fp.StockCode)
	params.Set("keyword", fp.Period.ReportTitle())
	params.Set("year", strconv.Itoa(fp.FiscalYear))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.listURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, c.malformed(err)
	}

	var refs []filing.Reference
	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		link := row.Find("a[href]").First()
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		code := strings.TrimSpace(row.Find("td.code").Text())
		if code == "" {
			code = fp.StockCode
		}
		title := strings.TrimSpace(link.AttrOr("title", ""))
		if title == "" {
			title = strings.TrimSpace(link.Text())
		}
		refs = append(refs, filing.Reference{
			Exchange:    filing.ExchangeBJ,
			StockCode:   code,
			Title:       title,
			URL:         joinURL(c.baseURL, href),
			PublishedAt: parseDate(row.Find("td").Last().Text()),
		})
	})
	return refs, nil
}
