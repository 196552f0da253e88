package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BadgerOps/mirrorrank/internal/catalog"
	"github.com/BadgerOps/mirrorrank/internal/engine"
	"github.com/BadgerOps/mirrorrank/internal/mirrorlist"
	"github.com/dustin/go-humanize"
)

// printJSON writes v to stdout as indented JSON
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatThroughput renders bytes per second, or "-" when unmeasured
func formatThroughput(bps float64) string {
	if bps <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(bps)) + "/s"
}

func formatLatency(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
}

// formatAge renders a sync age relative to now
func formatAge(age *time.Duration) string {
	if age == nil {
		return "-"
	}
	return humanize.Time(time.Now().Add(-*age))
}

func formatPct(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", *p)
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// errorHint suggests a remedy for errors a user can act on.
func errorHint(err error) string {
	var fe *catalog.FetchError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, engine.ErrNoUsableMirror):
		return "pacman cannot download over rsync; include http or https in --protocol"
	case errors.Is(err, engine.ErrNothingRanked):
		return "no mirror answered; check connectivity or raise --timeout"
	case mirrorlist.IsKind(err, mirrorlist.PermissionDenied):
		return "writing the mirrorlist needs root; re-run with sudo or pick another --target"
	case mirrorlist.IsKind(err, mirrorlist.InvalidTarget):
		return "the mirrorlist path must be a regular file in an existing directory"
	case mirrorlist.IsKind(err, mirrorlist.IOFailure):
		return "the write failed; the previous mirrorlist was left unchanged"
	case errors.As(err, &fe):
		if fe.Kind == catalog.MalformedResponse {
			return "the catalog could not be parsed; check catalog.url"
		}
		return "the mirror catalog is unreachable; check connectivity or raise catalog.fetch_attempts"
	default:
		return ""
	}
}
