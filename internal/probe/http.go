package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BadgerOps/mirrorrank/internal/mirror"
	"github.com/BadgerOps/mirrorrank/internal/safety"
)

const (
	defaultRepo     = "core"
	defaultArch     = "x86_64"
	defaultMaxBytes = 8 * 1024 * 1024
	userAgent       = "mirrorrank/1.0"
)

// HTTPProber downloads the repository database of a mirror and times it.
type HTTPProber struct {
	client   *http.Client
	repo     string
	arch     string
	maxBytes int64
}

// NewHTTPProber creates a prober that fetches core/os/x86_64/core.db.
// A nil client gets a hardened default.
func NewHTTPProber(client *http.Client) *HTTPProber {
	if client == nil {
		client = safety.NewHTTPClient(0)
	}
	return &HTTPProber{
		client:   client,
		repo:     defaultRepo,
		arch:     defaultArch,
		maxBytes: defaultMaxBytes,
	}
}

// SetTarget changes the repository, architecture and read cap used for samples.
func (p *HTTPProber) SetTarget(repo, arch string, maxBytes int64) {
	if repo != "" {
		p.repo = repo
	}
	if arch != "" {
		p.arch = arch
	}
	if maxBytes > 0 {
		p.maxBytes = maxBytes
	}
}

// TestURL expands a mirror URL into the database file a sample downloads.
func TestURL(mirrorURL, repo, arch string) string {
	u := mirror.ServerURL(mirrorURL)
	u = strings.ReplaceAll(u, "$repo", repo)
	u = strings.ReplaceAll(u, "$arch", arch)
	return strings.TrimRight(u, "/") + "/" + repo + ".db"
}

func (p *HTTPProber) LatencyOnly(*mirror.Record) bool {
	return false
}

// Sample measures time to response headers as latency and the average
// rate of the whole transfer as throughput.
func (p *HTTPProber) Sample(ctx context.Context, rec *mirror.Record) (Sample, error) {
	target := TestURL(rec.URL, p.repo, p.arch)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Sample{}, &ProbeError{Status: mirror.StatusProtocolError, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return Sample{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	latency := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Sample{}, &ProbeError{Status: mirror.StatusProtocolError, Err: fmt.Errorf("unexpected status %d for %s", resp.StatusCode, target)}
	}

	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, p.maxBytes))
	if err != nil {
		return Sample{}, err
	}
	return Sample{Latency: latency, Bytes: n, Elapsed: time.Since(start)}, nil
}
