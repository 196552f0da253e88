package probe

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/BadgerOps/mirrorrank/internal/mirror"
)

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"rsync": "873",
	"ftp":   "21",
}

// DialProber measures TCP connect time. It backs protocols where a timed
// transfer is not supported.
type DialProber struct {
	dialer net.Dialer
}

func NewDialProber() *DialProber {
	return &DialProber{}
}

func (p *DialProber) LatencyOnly(*mirror.Record) bool {
	return true
}

func (p *DialProber) Sample(ctx context.Context, rec *mirror.Record) (Sample, error) {
	u, err := url.Parse(rec.URL)
	if err != nil || u.Hostname() == "" {
		return Sample{}, &ProbeError{Status: mirror.StatusProtocolError, Err: fmt.Errorf("invalid mirror URL %q", rec.URL)}
	}
	port := u.Port()
	if port == "" {
		port = defaultPorts[u.Scheme]
	}
	if port == "" {
		return Sample{}, &ProbeError{Status: mirror.StatusProtocolError, Err: fmt.Errorf("no default port for scheme %q", u.Scheme)}
	}

	start := time.Now()
	conn, err := p.dialer.DialContext(ctx, "tcp", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return Sample{}, err
	}
	latency := time.Since(start)
	_ = conn.Close()
	return Sample{Latency: latency, Elapsed: latency}, nil
}

// ProtocolProber routes each mirror to the prober for its protocol.
type ProtocolProber struct {
	HTTP Prober
	Dial Prober
}

// NewProtocolProber times http/https with downloads and rsync/ftp with a connect ping.
func NewProtocolProber(httpProber *HTTPProber) *ProtocolProber {
	return &ProtocolProber{HTTP: httpProber, Dial: NewDialProber()}
}

func (p *ProtocolProber) pick(rec *mirror.Record) (Prober, error) {
	switch rec.Protocol {
	case mirror.ProtocolHTTP, mirror.ProtocolHTTPS:
		return p.HTTP, nil
	case mirror.ProtocolRsync, mirror.ProtocolFTP:
		return p.Dial, nil
	default:
		return nil, &ProbeError{Status: mirror.StatusProtocolError, Err: fmt.Errorf("unsupported protocol %q", rec.Protocol)}
	}
}

func (p *ProtocolProber) LatencyOnly(rec *mirror.Record) bool {
	pr, err := p.pick(rec)
	if err != nil {
		return false
	}
	return pr.LatencyOnly(rec)
}

func (p *ProtocolProber) Sample(ctx context.Context, rec *mirror.Record) (Sample, error) {
	pr, err := p.pick(rec)
	if err != nil {
		return Sample{}, err
	}
	return pr.Sample(ctx, rec)
}
