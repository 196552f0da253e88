package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/BadgerOps/mirrorrank/internal/mirror"
	"github.com/BadgerOps/mirrorrank/internal/safety"
)

const (
	// DefaultSourceURL is the Arch Linux mirror status document.
	DefaultSourceURL = "https://archlinux.org/mirrors/status/json/"

	maxCatalogBytes int64 = 16 * 1024 * 1024
	cacheSize             = 16
	userAgent             = "mirrorrank/1.0"
)

// Fetcher retrieves and parses mirror catalogs. It performs exactly one
// request per Fetch; retry policy belongs to the caller.
type Fetcher struct {
	client *http.Client
	logger *slog.Logger
	cache  *expirable.LRU[string, *Document]
	now    func() time.Time
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the HTTP client used for catalog requests.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithCacheTTL keeps parsed catalogs in memory for ttl. Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(f *Fetcher) {
		if ttl <= 0 {
			f.cache = nil
			return
		}
		f.cache = expirable.NewLRU[string, *Document](cacheSize, nil, ttl)
	}
}

// NewFetcher creates a Fetcher with a hardened HTTP client and no cache.
func NewFetcher(logger *slog.Logger, opts ...Option) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fetcher{
		client: safety.NewHTTPClient(0),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves the catalog at sourceURL and returns its records in
// document order. A timeout of zero defers to ctx.
func (f *Fetcher) Fetch(ctx context.Context, sourceURL string, timeout time.Duration) ([]mirror.Record, error) {
	doc, err := f.FetchDocument(ctx, sourceURL, timeout)
	if err != nil {
		return nil, err
	}
	return doc.Records, nil
}

// FetchDocument is Fetch but also returns the entries skipped while parsing.
func (f *Fetcher) FetchDocument(ctx context.Context, sourceURL string, timeout time.Duration) (*Document, error) {
	if f.cache != nil {
		if doc, ok := f.cache.Get(sourceURL); ok {
			f.logger.Debug("catalog cache hit", "url", sourceURL)
			return cloneDocument(doc), nil
		}
	}

	if _, err := safety.ValidateHTTPURL(sourceURL); err != nil {
		return nil, &FetchError{Kind: NetworkFailure, URL: sourceURL, Err: fmt.Errorf("invalid source URL: %w", err)}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := f.get(ctx, sourceURL)
	if err != nil {
		return nil, err
	}

	doc, err := Parse(body, f.now())
	if err != nil {
		return nil, &FetchError{Kind: MalformedResponse, URL: sourceURL, Err: err}
	}
	if len(doc.Records) == 0 && len(doc.Skipped) > 0 {
		return nil, &FetchError{
			Kind: MalformedResponse,
			URL:  sourceURL,
			Err:  fmt.Errorf("no mirror entries found, %d lines skipped", len(doc.Skipped)),
		}
	}

	for _, s := range doc.Skipped {
		f.logger.Debug("skipped catalog entry", "url", sourceURL, "line", s.Line, "reason", s.Reason)
	}
	if len(doc.Skipped) > 0 {
		f.logger.Warn("catalog entries skipped", "url", sourceURL, "skipped", len(doc.Skipped))
	}
	f.logger.Info("catalog fetched", "url", sourceURL, "records", len(doc.Records))

	if f.cache != nil {
		f.cache.Add(sourceURL, cloneDocument(doc))
	}
	return doc, nil
}

// get performs the HTTP GET and maps transport failures onto FetchError kinds.
func (f *Fetcher) get(ctx context.Context, sourceURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, &FetchError{Kind: NetworkFailure, URL: sourceURL, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: transportKind(err), URL: sourceURL, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{Kind: NetworkFailure, URL: sourceURL, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := safety.ReadAllWithLimit(resp.Body, maxCatalogBytes)
	if err != nil {
		if errors.Is(err, safety.ErrBodyTooLarge) {
			return nil, &FetchError{Kind: MalformedResponse, URL: sourceURL, Err: fmt.Errorf("response exceeded %d bytes: %w", maxCatalogBytes, err)}
		}
		return nil, &FetchError{Kind: transportKind(err), URL: sourceURL, Err: fmt.Errorf("reading response body: %w", err)}
	}
	return body, nil
}

func transportKind(err error) FetchErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout
	}
	return NetworkFailure
}

func cloneDocument(d *Document) *Document {
	return &Document{
		Records: slices.Clone(d.Records),
		Skipped: slices.Clone(d.Skipped),
	}
}
