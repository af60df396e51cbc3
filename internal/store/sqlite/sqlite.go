package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS filings (
	fingerprint   TEXT PRIMARY KEY,
	exchange      TEXT NOT NULL,
	stock_code    TEXT NOT NULL,
	fiscal_year   INTEGER NOT NULL,
	period_type   INTEGER NOT NULL,
	artifact_path TEXT NOT NULL,
	retrieved_at  INTEGER NOT NULL,
	source        TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS filings_retrieved_at_idx ON filings (retrieved_at DESC);
`

// SQLiteStore keeps the filing cache in a local database file. Writes are a
// single upsert statement so readers never see a partial record.
type SQLiteStore struct {
	db *sql.DB
}

func New(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return store.Unavailable("ping", s.db.PingContext(ctx))
}

func (s *SQLiteStore) Lookup(ctx context.Context, fp filing.Fingerprint) (filing.CachedFiling, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT exchange, stock_code, fiscal_year, period_type, artifact_path, retrieved_at, source
		FROM filings WHERE fingerprint = ?`, fp.Key())
	record, err := scanFiling(row)
	if errors.Is(err, sql.ErrNoRows) {
		return filing.CachedFiling{}, store.ErrNotFound
	}
	if err != nil {
		return filing.CachedFiling{}, store.Unavailable("lookup", err)
	}
	return record, nil
}

func (s *SQLiteStore) Store(ctx context.Context, record filing.CachedFiling) error {
	source, err := json.Marshal(record.Source)
	if err != nil {
		return err
	}
	fp := record.Fingerprint
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO filings (fingerprint, exchange, stock_code, fiscal_year, period_type, artifact_path, retrieved_at, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			artifact_path = excluded.artifact_path,
			retrieved_at = excluded.retrieved_at,
			source = excluded.source`,
		fp.Key(), string(fp.Exchange), fp.StockCode, fp.FiscalYear, int(fp.Period),
		record.ArtifactPath, record.RetrievedAt.UnixNano(), string(source),
	)
	return store.Unavailable("store", err)
}

func (s *SQLiteStore) List(ctx context.Context) ([]filing.CachedFiling, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT exchange, stock_code, fiscal_year, period_type, artifact_path, retrieved_at, source
		FROM filings ORDER BY retrieved_at DESC, fingerprint`)
	if err != nil {
		return nil, store.Unavailable("list", err)
	}
	defer rows.Close()
	var records []filing.CachedFiling
	for rows.Next() {
		record, err := scanFiling(rows)
		if err != nil {
			return nil, store.Unavailable("list", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("list", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFiling(row scanner) (filing.CachedFiling, error) {
	var (
		record    filing.CachedFiling
		exchange  string
		period    int
		retrieved int64
		source    string
	)
	if err := row.Scan(&exchange, &record.Fingerprint.StockCode, &record.Fingerprint.FiscalYear, &period,
		&record.ArtifactPath, &retrieved, &source); err != nil {
		return filing.CachedFiling{}, err
	}
	record.Fingerprint.Exchange = filing.Exchange(exchange)
	record.Fingerprint.Period = filing.PeriodType(period)
	record.RetrievedAt = time.Unix(0, retrieved).UTC()
	if source != "" {
		if err := json.Unmarshal([]byte(source), &record.Source); err != nil {
			return filing.CachedFiling{}, fmt.Errorf("decode source: %w", err)
		}
	}
	return record, nil
}
