// Package geoip guesses the country of the host, so mirrors can be
// pre-filtered to nearby ones when no country is configured.
package geoip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/oschwald/geoip2-golang"

	"github.com/BadgerOps/mirrorrank/internal/safety"
)

// ErrUnknownCountry is returned when an address has no country on record.
var ErrUnknownCountry = errors.New("country unknown")

const maxEchoBytes = 256

// Locator yields an ISO country code for the current host.
type Locator interface {
	CountryHint(ctx context.Context) (string, error)
}

// CountryLookup resolves an IP address to an ISO country code.
type CountryLookup interface {
	CountryCode(ip net.IP) (string, error)
}

// DB is a CountryLookup backed by a MaxMind country database.
type DB struct {
	reader *geoip2.Reader
}

// OpenDB opens a GeoLite2/GeoIP2 country database.
func OpenDB(path string) (*DB, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening GeoIP database %s: %w", path, err)
	}
	return &DB{reader: reader}, nil
}

func (d *DB) CountryCode(ip net.IP) (string, error) {
	rec, err := d.reader.Country(ip)
	if err != nil {
		return "", fmt.Errorf("looking up %s: %w", ip, err)
	}
	if rec.Country.IsoCode == "" {
		return "", fmt.Errorf("%s: %w", ip, ErrUnknownCountry)
	}
	return rec.Country.IsoCode, nil
}

func (d *DB) Close() error {
	return d.reader.Close()
}

// EchoLocator learns the public address from an IP echo service and looks
// it up in a CountryLookup.
type EchoLocator struct {
	client  *http.Client
	echoURL string
	lookup  CountryLookup
	logger  *slog.Logger
}

// NewEchoLocator creates an EchoLocator. A nil client gets a short-timeout default.
func NewEchoLocator(lookup CountryLookup, echoURL string, client *http.Client, logger *slog.Logger) *EchoLocator {
	if client == nil {
		client = safety.NewHTTPClient(10 * time.Second)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EchoLocator{client: client, echoURL: echoURL, lookup: lookup, logger: logger}
}

// PublicIP asks the echo service for the caller's address.
func (l *EchoLocator) PublicIP(ctx context.Context) (net.IP, error) {
	if _, err := safety.ValidateHTTPURL(l.echoURL); err != nil {
		return nil, fmt.Errorf("echo url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.echoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", l.echoURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("querying %s: unexpected status %d", l.echoURL, resp.StatusCode)
	}
	body, err := safety.ReadAllWithLimit(resp.Body, maxEchoBytes)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", l.echoURL, err)
	}

	raw := strings.TrimSpace(string(body))
	ip := net.ParseIP(raw)
	if ip == nil {
		return nil, fmt.Errorf("echo service returned %q, not an IP address", raw)
	}
	return ip, nil
}

// CountryHint returns the ISO code of the host's public address.
func (l *EchoLocator) CountryHint(ctx context.Context) (string, error) {
	ip, err := l.PublicIP(ctx)
	if err != nil {
		return "", err
	}
	code, err := l.lookup.CountryCode(ip)
	if err != nil {
		return "", err
	}
	l.logger.Debug("resolved country hint", "ip", ip.String(), "country", code)
	return code, nil
}
