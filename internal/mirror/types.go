package mirror

import (
	"fmt"
	"strings"
	"time"
)

// Protocol is the transport a mirror serves packages over.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
	ProtocolRsync Protocol = "rsync"
	ProtocolFTP   Protocol = "ftp"
)

// Protocols lists every supported protocol.
var Protocols = []Protocol{ProtocolHTTP, ProtocolHTTPS, ProtocolRsync, ProtocolFTP}

// ParseProtocol maps a scheme or catalog protocol name to a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "http":
		return ProtocolHTTP, nil
	case "https":
		return ProtocolHTTPS, nil
	case "rsync":
		return ProtocolRsync, nil
	case "ftp":
		return ProtocolFTP, nil
	default:
		return "", fmt.Errorf("unsupported protocol %q", s)
	}
}

// Downloadable reports whether pacman can fetch packages over p. rsync
// mirrors exist for syncing other mirrors and cannot appear in a mirrorlist.
func (p Protocol) Downloadable() bool {
	return p != ProtocolRsync
}

// Record is a single catalog entry.
type Record struct {
	URL           string         `json:"url"`
	CountryCode   string         `json:"country_code,omitempty"`
	Country       string         `json:"country,omitempty"`
	Protocol      Protocol       `json:"protocol"`
	LastSyncAge   *time.Duration `json:"last_sync_age,omitempty"`
	CompletionPct *float64       `json:"completion_pct,omitempty"`
	Active        bool           `json:"active"`
}

// Status is the outcome class of a probe.
type Status int

const (
	StatusOK Status = iota
	StatusTimeout
	StatusConnectionError
	StatusProtocolError
	// StatusCanceled marks candidates that were never dispatched because
	// the caller cancelled the batch.
	StatusCanceled
)

var statusNames = map[Status]string{
	StatusOK:              "ok",
	StatusTimeout:         "timeout",
	StatusConnectionError: "connection_error",
	StatusProtocolError:   "protocol_error",
	StatusCanceled:        "canceled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText renders the status by name so JSON output stays readable.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(text []byte) error {
	for st, name := range statusNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown probe status %q", string(text))
}

// ProbeResult holds the measurement of one Record. Latency and
// ThroughputBps are only set when Status is StatusOK.
type ProbeResult struct {
	Mirror        *Record       `json:"mirror"`
	Latency       time.Duration `json:"latency"`
	ThroughputBps float64       `json:"throughput_bps"`
	Status        Status        `json:"status"`
	// LatencyOnly is set for protocols probed with a connect ping; their
	// throughput is reported as zero.
	LatencyOnly bool   `json:"latency_only,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// OK reports whether the probe succeeded.
func (r ProbeResult) OK() bool {
	return r.Status == StatusOK
}

// URL returns the probed mirror's URL, or "" for a detached result.
func (r ProbeResult) URL() string {
	if r.Mirror == nil {
		return ""
	}
	return r.Mirror.URL
}

// Ranked is a successful ProbeResult with its final position.
type Ranked struct {
	ProbeResult
	Score float64 `json:"score"`
	Rank  int     `json:"rank"`
}
