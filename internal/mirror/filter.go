package mirror

import (
	"strings"
	"time"
)

// Predicate selects catalog records. Zero-valued fields impose no constraint.
type Predicate struct {
	// Countries matches either the ISO code or the country name, ignoring case.
	Countries  []string   `json:"countries,omitempty"`
	Protocols  []Protocol `json:"protocols,omitempty"`
	ActiveOnly bool       `json:"active_only"`
	// MinCompletionPct and MaxSyncAge reject records whose value is unknown.
	MinCompletionPct float64       `json:"min_completion_pct,omitempty"`
	MaxSyncAge       time.Duration `json:"max_sync_age,omitempty"`
}

// Filter returns the records that satisfy every constraint in p, in input order.
func Filter(records []Record, p Predicate) []Record {
	countries := make(map[string]struct{}, len(p.Countries))
	for _, c := range p.Countries {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			countries[c] = struct{}{}
		}
	}
	protocols := make(map[Protocol]struct{}, len(p.Protocols))
	for _, proto := range p.Protocols {
		protocols[proto] = struct{}{}
	}

	out := make([]Record, 0, len(records))
	for _, r := range records {
		if p.ActiveOnly && !r.Active {
			continue
		}
		if len(protocols) > 0 {
			if _, ok := protocols[r.Protocol]; !ok {
				continue
			}
		}
		if len(countries) > 0 && !matchCountry(countries, r) {
			continue
		}
		if p.MinCompletionPct > 0 && (r.CompletionPct == nil || *r.CompletionPct < p.MinCompletionPct) {
			continue
		}
		if p.MaxSyncAge > 0 && (r.LastSyncAge == nil || *r.LastSyncAge > p.MaxSyncAge) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func matchCountry(set map[string]struct{}, r Record) bool {
	if r.CountryCode != "" {
		if _, ok := set[strings.ToLower(r.CountryCode)]; ok {
			return true
		}
	}
	if r.Country != "" {
		if _, ok := set[strings.ToLower(r.Country)]; ok {
			return true
		}
	}
	return false
}
