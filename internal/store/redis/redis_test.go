package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
)

func TestCodecPreservesRecord(t *testing.T) {
	record := filing.CachedFiling{
		Fingerprint:  filing.Fingerprint{Exchange: filing.ExchangeSZ, StockCode: "000001", FiscalYear: 2024, Period: filing.PeriodH1},
		ArtifactPath: "/data/pdf/SZ/000001_2024_2.pdf",
		RetrievedAt:  time.Date(2024, 8, 20, 1, 2, 3, 0, time.UTC),
		Source:       filing.Source{Title: "2024年半年度报告", URL: "https://disc.static.szse.cn/a.pdf", Size: 77, ArchiveURI: "s3://filings/a.pdf"},
	}
	payload, err := encode(record)
	require.NoError(t, err)
	got, err := decode(payload)
	require.NoError(t, err)
	require.Equal(t, record.Fingerprint, got.Fingerprint)
	require.Equal(t, record.Source, got.Source)
	require.True(t, record.RetrievedAt.Equal(got.RetrievedAt))
}

func TestDecodeGarbage(t *testing.T) {
	_, err := decode([]byte{0xc1})
	require.Error(t, err)
}

func TestUnreachableServerIsCacheUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	st := NewFromClient(client, "")
	defer st.Close()

	fp := filing.Fingerprint{Exchange: filing.ExchangeSH, StockCode: "601127", FiscalYear: 2024, Period: filing.PeriodQ3}
	_, err := st.Lookup(context.Background(), fp)
	require.True(t, filing.IsKind(err, filing.KindCacheUnavailable), "got %v", err)
	require.Equal(t, "filing-analyst:filing:SH:601127:2024:3", st.recordKey(fp))
}
