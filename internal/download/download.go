// Package download fetches deployment files (compose files, .env.example)
// from the published nekro-agent sources, falling back to the copies bundled
// with na-tools.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nekroai/na-tools/internal/atomicfile"
	"github.com/nekroai/na-tools/internal/logging"
	"github.com/nekroai/na-tools/internal/scaffold"
)

const (
	// Timeout bounds each HTTP request.
	Timeout = 30 * time.Second

	// DefaultRetries is the number of retries per source after the first
	// attempt.
	DefaultRetries = 2

	// Bundled is reported as the source when the embedded copy was used.
	Bundled = "bundled"

	maxFileSize = 4 << 20
)

// Fetcher downloads files from an ordered list of base URLs.
type Fetcher struct {
	sources []string
	client  *http.Client
	retries uint64
	logger  *slog.Logger
	backoff func() backoff.BackOff
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithRetries sets the retries per source.
func WithRetries(n uint64) Option {
	return func(f *Fetcher) { f.retries = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = logging.OrDiscard(l) }
}

// New returns a Fetcher trying sources in order.
func New(sources []string, opts ...Option) *Fetcher {
	f := &Fetcher{
		sources: sources,
		client:  &http.Client{Timeout: Timeout},
		retries: DefaultRetries,
		logger:  logging.Discard(),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = Timeout
			return b
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the content of name from the first source that serves it
// and passes check. check may be nil.
func (f *Fetcher) Fetch(ctx context.Context, name string, check func([]byte) error) ([]byte, string, error) {
	var errs []error
	for _, base := range f.sources {
		url := strings.TrimRight(base, "/") + "/" + name
		data, err := f.fetchURL(ctx, url, check)
		if err == nil {
			return data, base, nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		f.logger.Info("download source failed, trying next", "url", url, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", base, err))
	}
	if len(errs) == 0 {
		return nil, "", fmt.Errorf("no download sources configured")
	}
	return nil, "", fmt.Errorf("all sources failed for %s: %w", name, errors.Join(errs...))
}

func (f *Fetcher) fetchURL(ctx context.Context, url string, check func([]byte) error) ([]byte, error) {
	var data []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("unexpected status %s", resp.Status)
			// Server errors and throttling are worth another attempt.
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return err
			}
			return backoff.Permanent(err)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFileSize+1))
		if err != nil {
			return err
		}
		if len(body) > maxFileSize {
			return backoff.Permanent(fmt.Errorf("response larger than %d bytes", maxFileSize))
		}
		if check != nil {
			if err := check(body); err != nil {
				return backoff.Permanent(err)
			}
		}
		data = body
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(f.backoff(), f.retries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return data, nil
}

// Download fetches name into dest, atomically. When every source fails and
// a bundled copy of name exists, the bundled copy is written instead and
// Bundled is returned as the source.
func (f *Fetcher) Download(ctx context.Context, name, dest string, check func([]byte) error) (string, error) {
	data, source, err := f.Fetch(ctx, name, check)
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		bundled, terr := scaffold.Template(name)
		if terr != nil {
			return "", err
		}
		f.logger.Warn("using bundled copy", "file", name, "error", err)
		data, source = bundled, Bundled
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", filepath.Dir(dest), err)
	}
	if err := atomicfile.WriteKeepMode(dest, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return source, nil
}
