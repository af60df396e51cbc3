package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/store"
)

type PostgresStore struct {
	db *sql.DB
}

var openDB = sql.Open

func New(conn string) (*PostgresStore, error) {
	db, err := openDB("pgx", conn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := verifySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func verifySchema(ctx context.Context, db *sql.DB) error {
	var regclass sql.NullString
	if err := db.QueryRowContext(ctx, "SELECT to_regclass($1)", "public.filings").Scan(&regclass); err != nil {
		return err
	}
	if !regclass.Valid {
		return fmt.Errorf("database schema missing: filings table not found (run migrations/001_filings.sql)")
	}
	return nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return store.Unavailable("ping", p.db.PingContext(ctx))
}

func (p *PostgresStore) Lookup(ctx context.Context, fp filing.Fingerprint) (filing.CachedFiling, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT exchange, stock_code, fiscal_year, period_type, artifact_path, retrieved_at, source
		FROM filings WHERE fingerprint = $1`, fp.Key())
	record, err := scanFiling(row)
	if errors.Is(err, sql.ErrNoRows) {
		return filing.CachedFiling{}, store.ErrNotFound
	}
	if err != nil {
		return filing.CachedFiling{}, store.Unavailable("lookup", err)
	}
	return record, nil
}

func (p *PostgresStore) Store(ctx context.Context, record filing.CachedFiling) error {
	source, err := json.Marshal(record.Source)
	if err != nil {
		return err
	}
	fp := record.Fingerprint
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO filings (fingerprint, exchange, stock_code, fiscal_year, period_type, artifact_path, retrieved_at, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (fingerprint) DO UPDATE SET
			artifact_path = EXCLUDED.artifact_path,
			retrieved_at = EXCLUDED.retrieved_at,
			source = EXCLUDED.source`,
		fp.Key(), string(fp.Exchange), fp.StockCode, fp.FiscalYear, int(fp.Period),
		record.ArtifactPath, record.RetrievedAt.UTC(), source,
	)
	return store.Unavailable("store", err)
}

func (p *PostgresStore) List(ctx context.Context) ([]filing.CachedFiling, error) {
	rows, err := p.db.QueryContext(ctx, `
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
		record   filing.CachedFiling
		exchange string
		period   int
		source   []byte
	)
	if err := row.Scan(&exchange, &record.Fingerprint.StockCode, &record.Fingerprint.FiscalYear, &period,
		&record.ArtifactPath, &record.RetrievedAt, &source); err != nil {
		return filing.CachedFiling{}, err
	}
	record.Fingerprint.Exchange = filing.Exchange(exchange)
	record.Fingerprint.Period = filing.PeriodType(period)
	if len(source) > 0 {
		if err := json.Unmarshal(source, &record.Source); err != nil {
			return filing.CachedFiling{}, fmt.Errorf("decode source: %w", err)
		}
	}
	return record, nil
}
