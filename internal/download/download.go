package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/secrets"
)

const maxDocumentBytes = 256 << 20

var (
	ErrNotPDF   = errors.New("downloaded document is not a PDF")
	ErrTooLarge = errors.New("downloaded document exceeds size limit")
)

// AuthContext carries the credentials exchanges expect on document requests.
type AuthContext struct {
	Token     string
	Cookie    string
	UserAgent string
	Referer   string
}

// AuthSource hands out the current AuthContext. Invalidate is called after the
// exchange rejected it so the next Auth call can produce a fresh one.
type AuthSource interface {
	Auth(ctx context.Context) (AuthContext, error)
	Invalidate()
}

type Downloader interface {
	Download(ctx context.Context, ref filing.Reference, auth AuthContext) ([]byte, error)
}

type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("download rejected credentials: status %d", e.StatusCode)
}

type NetworkError struct {
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download failed: status %d", e.StatusCode)
	}
	return fmt.Sprintf("download failed: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether a download error is worth another attempt.
func IsTransient(err error) bool {
	var authErr *AuthError
	var netErr *NetworkError
	return errors.As(err, &authErr) || errors.As(err, &netErr)
}

// StaticAuth serves a configured AuthContext. Token and cookie may be sealed
// with the secrets key. Without a reload func Invalidate has nothing to
// refresh and the same credentials are served again.
type StaticAuth struct {
	mu     sync.Mutex
	key    []byte
	reload func() AuthContext
	auth   AuthContext
	stale  bool
}

type AuthOption func(*StaticAuth)

// WithReload sets where fresh credentials come from after an exchange
// rejected the current ones.
func WithReload(load func() AuthContext) AuthOption {
	return func(s *StaticAuth) {
		s.reload = load
	}
}

const authPurpose = "download-auth"

func NewStaticAuth(auth AuthContext, secretsKey []byte, opts ...AuthOption) (*StaticAuth, error) {
	opened, err := openAuth(auth, secretsKey)
	if err != nil {
		return nil, err
	}
	s := &StaticAuth{key: secretsKey, auth: opened}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func openAuth(auth AuthContext, secretsKey []byte) (AuthContext, error) {
	token, err := secrets.Open(secretsKey, authPurpose, auth.Token)
	if err != nil {
		return AuthContext{}, fmt.Errorf("open download token: %w", err)
	}
	cookie, err := secrets.Open(secretsKey, authPurpose, auth.Cookie)
	if err != nil {
		return AuthContext{}, fmt.Errorf("open download cookie: %w", err)
	}
	auth.Token = token
	auth.Cookie = cookie
	return auth, nil
}

// SealToken seals a token for DOWNLOAD_AUTH_TOKEN or DOWNLOAD_COOKIE.
func SealToken(secretsKey []byte, token string) (string, error) {
	return secrets.Seal(secretsKey, authPurpose, token)
}

func (s *StaticAuth) Auth(ctx context.Context) (AuthContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stale {
		fresh, err := openAuth(s.reload(), s.key)
		if err != nil {
			return AuthContext{}, err
		}
		s.auth = fresh
		s.stale = false
	}
	return s.auth, nil
}

// Invalidate marks the credentials stale; the next Auth call reloads them.
func (s *StaticAuth) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stale = s.reload != nil
}

type HTTPDownloader struct {
	client *http.Client
}

func NewHTTPDownloader(client *http.Client) *HTTPDownloader {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &HTTPDownloader{client: client}
}

func (d *HTTPDownloader) Download(ctx context.Context, ref filing.Reference, auth AuthContext) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return nil, err
	}
	if auth.UserAgent != "" {
		req.Header.Set("User-Agent", auth.UserAgent)
	}
	if auth.Token != "" {
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	}
	if auth.Cookie != "" {
		req.Header.Set("Cookie", auth.Cookie)
	}
	if auth.Referer != "" {
		req.Header.Set("Referer", auth.Referer)
	}
	req.Header.Set("Accept", "application/pdf,*/*")

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{StatusCode: resp.StatusCode}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &NetworkError{StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("download %s: status %d", ref.URL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NetworkError{Err: err}
	}
	if len(data) > maxDocumentBytes {
		return nil, ErrTooLarge
	}
	if !IsPDF(data) {
		return nil, ErrNotPDF
	}
	return data, nil
}

func IsPDF(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(data, "\x00\t\r\n "), []byte("%PDF"))
}
