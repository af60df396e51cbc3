package filing

import (
	"context"
	"errors"
)

type Kind string

const (
	KindCacheUnavailable Kind = "CacheUnavailable"
	KindCrawlFailure     Kind = "CrawlFailure"
	KindDownloadFailure  Kind = "DownloadFailure"
	KindAnalysisFailure  Kind = "AnalysisFailure"
	KindInvalidRequest   Kind = "InvalidRequest"
	KindCanceled         Kind = "Canceled"
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind) + ": " + e.Op
	}
	if e.Op == "" {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Wrap(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies err. Unclassified context cancellation maps to
// KindCanceled; anything else unclassified returns "".
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, ErrInvalidRequest) {
		return KindInvalidRequest
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
