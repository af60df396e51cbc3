package filing

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Exchange string

const (
	ExchangeSH Exchange = "SH"
	ExchangeSZ Exchange = "SZ"
	ExchangeBJ Exchange = "BJ"
)

func ParseExchange(value string) (Exchange, error) {
	switch Exchange(strings.ToUpper(strings.TrimSpace(value))) {
	case ExchangeSH:
		return ExchangeSH, nil
	case ExchangeSZ:
		return ExchangeSZ, nil
	case ExchangeBJ:
		return ExchangeBJ, nil
	}
	return "", fmt.Errorf("%w: unknown exchange %q", ErrInvalidRequest, value)
}

// PeriodType is the reporting period of a filing. The numeric values are the
// wire values accepted in requests.
type PeriodType int

const (
	PeriodQ1     PeriodType = 1
	PeriodH1     PeriodType = 2
	PeriodQ3     PeriodType = 3
	PeriodAnnual PeriodType = 4
)

func (p PeriodType) Valid() bool {
	return p >= PeriodQ1 && p <= PeriodAnnual
}

func (p PeriodType) String() string {
	switch p {
	case PeriodQ1:
		return "Q1"
	case PeriodH1:
		return "H1"
	case PeriodQ3:
		return "Q3"
	case PeriodAnnual:
		return "Annual"
	}
	return "period(" + strconv.Itoa(int(p)) + ")"
}

// ReportTitle is the title fragment exchanges use for the period's report.
func (p PeriodType) ReportTitle() string {
	switch p {
	case PeriodQ1:
		return "第一季度报告"
	case PeriodH1:
		return "半年度报告"
	case PeriodQ3:
		return "第三季度报告"
	case PeriodAnnual:
		return "年度报告"
	}
	return ""
}

var ErrInvalidRequest = errors.New("invalid filing request")

var stockCodePattern = regexp.MustCompile(`^\d{6}$`)

type Request struct {
	ExchangeCode string     `json:"exchange_code"`
	StockCode    string     `json:"stock_code"`
	FiscalYear   int        `json:"fiscal_year"`
	CompanyName  string     `json:"company_name,omitempty"`
	PeriodType   PeriodType `json:"period_type"`
}

func (r Request) Validate() error {
	if _, err := ParseExchange(r.ExchangeCode); err != nil {
		return err
	}
	if !stockCodePattern.MatchString(strings.TrimSpace(r.StockCode)) {
		return fmt.Errorf("%w: stock_code must be 6 digits", ErrInvalidRequest)
	}
	maxYear := time.Now().Year() + 1
	if r.FiscalYear < 1990 || r.FiscalYear > maxYear {
		return fmt.Errorf("%w: fiscal_year must be between 1990 and %d", ErrInvalidRequest, maxYear)
	}
	if !r.PeriodType.Valid() {
		return fmt.Errorf("%w: period_type must be 1-4", ErrInvalidRequest)
	}
	return nil
}

// Fingerprint returns the canonical cache key of the request. Callers must
// validate the request first.
func (r Request) Fingerprint() Fingerprint {
	exchange, _ := ParseExchange(r.ExchangeCode)
	return Fingerprint{
		Exchange:   exchange,
		StockCode:  strings.TrimSpace(r.StockCode),
		FiscalYear: r.FiscalYear,
		Period:     r.PeriodType,
	}
}

type Fingerprint struct {
	Exchange   Exchange   `json:"exchange" msgpack:"exchange"`
	StockCode  string     `json:"stock_code" msgpack:"stock_code"`
	FiscalYear int        `json:"fiscal_year" msgpack:"fiscal_year"`
	Period     PeriodType `json:"period_type" msgpack:"period_type"`
}

func (f Fingerprint) Key() string {
	return fmt.Sprintf("%s:%s:%d:%d", f.Exchange, f.StockCode, f.FiscalYear, f.Period)
}

func (f Fingerprint) String() string {
	return f.Key()
}

func ParseKey(key string) (Fingerprint, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 {
		return Fingerprint{}, fmt.Errorf("%w: malformed fingerprint %q", ErrInvalidRequest, key)
	}
	year, err := strconv.Atoi(parts[2])
	if err != nil {
		return Fingerprint{}, fmt.Errorf("%w: malformed fiscal year in %q", ErrInvalidRequest, key)
	}
	period, err := strconv.Atoi(parts[3])
	if err != nil {
		return Fingerprint{}, fmt.Errorf("%w: malformed period in %q", ErrInvalidRequest, key)
	}
	req := Request{ExchangeCode: parts[0], StockCode: parts[1], FiscalYear: year, PeriodType: PeriodType(period)}
	if err := req.Validate(); err != nil {
		return Fingerprint{}, err
	}
	return req.Fingerprint(), nil
}

// Reference is one entry of an exchange's announcement listing.
type Reference struct {
	Exchange    Exchange  `json:"exchange"`
	StockCode   string    `json:"stock_code"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
}

type Source struct {
	Title       string    `json:"title" msgpack:"title"`
	URL         string    `json:"url" msgpack:"url"`
	PublishedAt time.Time `json:"published_at" msgpack:"published_at"`
	Checksum    string    `json:"checksum,omitempty" msgpack:"checksum"`
	Size        int64     `json:"size" msgpack:"size"`
	ArchiveURI  string    `json:"archive_uri,omitempty" msgpack:"archive_uri"`
}

// CachedFiling is immutable once stored; a refresh replaces the whole record.
type CachedFiling struct {
	Fingerprint  Fingerprint `json:"fingerprint" msgpack:"fingerprint"`
	ArtifactPath string      `json:"artifact_path" msgpack:"artifact_path"`
	RetrievedAt  time.Time   `json:"retrieved_at" msgpack:"retrieved_at"`
	Source       Source      `json:"source" msgpack:"source"`
}
