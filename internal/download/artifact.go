package download

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
)

// Archiver keeps a durable copy of artifacts outside the local disk.
type Archiver interface {
	Archive(ctx context.Context, key string, path string) (string, error)
	Restore(ctx context.Context, uri string, path string) error
}

type ArtifactWriter struct {
	dir      string
	archiver Archiver
}

func NewArtifactWriter(dir string, archiver Archiver) *ArtifactWriter {
	return &ArtifactWriter{dir: dir, archiver: archiver}
}

func ObjectKey(fp filing.Fingerprint) string {
	return filepath.ToSlash(filepath.Join(string(fp.Exchange), fmt.Sprintf("%s_%d_%d.pdf", fp.StockCode, fp.FiscalYear, fp.Period)))
}

func (w *ArtifactWriter) Path(fp filing.Fingerprint) string {
	return filepath.Join(w.dir, filepath.FromSlash(ObjectKey(fp)))
}

// Write stores data at the fingerprint's path. The file is renamed into place
// so a concurrent reader sees either the previous or the new document.
func (w *ArtifactWriter) Write(ctx context.Context, fp filing.Fingerprint, ref filing.Reference, data []byte) (filing.CachedFiling, error) {
	path := w.Path(fp)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return filing.CachedFiling{}, fmt.Errorf("create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return filing.CachedFiling{}, fmt.Errorf("create artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return filing.CachedFiling{}, fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return filing.CachedFiling{}, fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return filing.CachedFiling{}, fmt.Errorf("place artifact: %w", err)
	}

	sum := blake3.Sum256(data)
	source := filing.Source{
		Title:       ref.Title,
		URL:         ref.URL,
		PublishedAt: ref.PublishedAt,
		Checksum:    hex.EncodeToString(sum[:]),
		Size:        int64(len(data)),
	}
	if w.archiver != nil {
		uri, err := w.archiver.Archive(ctx, ObjectKey(fp), path)
		if err != nil {
			return filing.CachedFiling{}, fmt.Errorf("archive artifact: %w", err)
		}
		source.ArchiveURI = uri
	}
	return filing.CachedFiling{
		Fingerprint:  fp,
		ArtifactPath: path,
		Source:       source,
	}, nil
}

// Ensure checks that the record's artifact is present on disk, restoring it
// from the archive when possible.
func (w *ArtifactWriter) Ensure(ctx context.Context, record filing.CachedFiling) error {
	info, err := os.Stat(record.ArtifactPath)
	switch {
	case err != nil:
	case info.IsDir():
		err = fmt.Errorf("artifact path %s is a directory", record.ArtifactPath)
	case record.Source.Size != 0 && info.Size() != record.Source.Size:
		err = fmt.Errorf("artifact size %d does not match recorded size %d", info.Size(), record.Source.Size)
	default:
		return nil
	}
	if w.archiver == nil || record.Source.ArchiveURI == "" {
		return fmt.Errorf("artifact unavailable: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(record.ArtifactPath), 0o755); err != nil {
		return err
	}
	return w.archiver.Restore(ctx, record.Source.ArchiveURI, record.ArtifactPath)
}

func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
