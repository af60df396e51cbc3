package store

import (
	"context"
	"errors"
	"sort"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
)

var ErrNotFound = errors.New("filing not cached")

// FilingCache maps fingerprints to downloaded artifacts. Lookup returns
// ErrNotFound on a miss and a filing.KindCacheUnavailable error on storage
// faults. Store replaces any existing record for the fingerprint atomically.
type FilingCache interface {
	Lookup(ctx context.Context, fp filing.Fingerprint) (filing.CachedFiling, error)
	Store(ctx context.Context, record filing.CachedFiling) error
	List(ctx context.Context) ([]filing.CachedFiling, error)
	Ping(ctx context.Context) error
}

func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return filing.Wrap(filing.KindCacheUnavailable, op, err)
}

// SortByRetrieved orders records newest first, then by key.
func SortByRetrieved(records []filing.CachedFiling) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].RetrievedAt.Equal(records[j].RetrievedAt) {
			return records[i].RetrievedAt.After(records[j].RetrievedAt)
		}
		return records[i].Fingerprint.Key() < records[j].Fingerprint.Key()
	})
}
