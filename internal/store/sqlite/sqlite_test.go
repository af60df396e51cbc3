package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/store"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "cache", "filings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	record := filing.CachedFiling{
		Fingerprint:  filing.Fingerprint{Exchange: filing.ExchangeSH, StockCode: "601127", FiscalYear: 2024, Period: filing.PeriodQ3},
		ArtifactPath: "/data/pdf/SH/601127_2024_3.pdf",
		RetrievedAt:  time.Date(2024, 10, 31, 8, 0, 0, 123, time.UTC),
		Source: filing.Source{
			Title:       "赛力斯2024年第三季度报告",
			URL:         "https://static.sse.com.cn/a.pdf",
			PublishedAt: time.Date(2024, 10, 30, 0, 0, 0, 0, time.UTC),
			Checksum:    "deadbeef",
			Size:        512,
		},
	}

	_, err := st.Lookup(ctx, record.Fingerprint)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, st.Store(ctx, record))
	got, err := st.Lookup(ctx, record.Fingerprint)
	require.NoError(t, err)
	require.Equal(t, record, got)
}

func TestSQLiteReplaceAndList(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	fp := filing.Fingerprint{Exchange: filing.ExchangeSZ, StockCode: "000001", FiscalYear: 2023, Period: filing.PeriodAnnual}
	other := filing.Fingerprint{Exchange: filing.ExchangeBJ, StockCode: "430047", FiscalYear: 2023, Period: filing.PeriodH1}
	now := time.Now().UTC()

	require.NoError(t, st.Store(ctx, filing.CachedFiling{Fingerprint: fp, ArtifactPath: "/v1.pdf", RetrievedAt: now.Add(-time.Hour)}))
	require.NoError(t, st.Store(ctx, filing.CachedFiling{Fingerprint: other, ArtifactPath: "/other.pdf", RetrievedAt: now.Add(-30 * time.Minute)}))
	require.NoError(t, st.Store(ctx, filing.CachedFiling{Fingerprint: fp, ArtifactPath: "/v2.pdf", RetrievedAt: now}))

	records, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "/v2.pdf", records[0].ArtifactPath)
	require.Equal(t, other, records[1].Fingerprint)
	require.NoError(t, st.Ping(ctx))
}

func TestSQLiteClosedIsUnavailable(t *testing.T) {
	ctx := context.Background()
	st, err := New(filepath.Join(t.TempDir(), "filings.db"))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = st.Lookup(ctx, filing.Fingerprint{Exchange: filing.ExchangeSH, StockCode: "600000", FiscalYear: 2024, Period: 1})
	require.True(t, filing.IsKind(err, filing.KindCacheUnavailable), "got %v", err)
}
