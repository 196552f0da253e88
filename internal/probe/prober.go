package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/BadgerOps/mirrorrank/internal/mirror"
)

// Sample is a single timed measurement against a mirror.
type Sample struct {
	Latency time.Duration
	Bytes   int64
	Elapsed time.Duration
}

// Throughput returns bytes per second over the whole transfer.
func (s Sample) Throughput() float64 {
	if s.Elapsed <= 0 || s.Bytes <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Elapsed.Seconds()
}

// Prober takes one sample of a mirror. Implementations must honor ctx.
type Prober interface {
	Sample(ctx context.Context, rec *mirror.Record) (Sample, error)
	// LatencyOnly reports whether rec can only be measured with a latency ping.
	LatencyOnly(rec *mirror.Record) bool
}

// ProbeError carries an explicit classification from a Prober.
type ProbeError struct {
	Status mirror.Status
	Err    error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Status, e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// Classify maps a probe error to its status.
func Classify(err error) mirror.Status {
	if err == nil {
		return mirror.StatusOK
	}

	var pe *ProbeError
	if errors.As(err, &pe) {
		return pe.Status
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return mirror.StatusTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return mirror.StatusTimeout
	}

	var dnsErr *net.DNSError
	var opErr *net.OpError
	var recErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	var authErr x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	switch {
	case errors.As(err, &dnsErr),
		errors.As(err, &opErr),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.As(err, &recErr),
		errors.As(err, &certErr),
		errors.As(err, &authErr),
		errors.As(err, &hostErr):
		return mirror.StatusConnectionError
	}
	return mirror.StatusProtocolError
}
