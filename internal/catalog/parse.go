package catalog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BadgerOps/mirrorrank/internal/mirror"
	"github.com/BadgerOps/mirrorrank/internal/safety"
)

// Document is a parsed catalog snapshot.
type Document struct {
	Records []mirror.Record `json:"records"`
	Skipped []ParseSkip     `json:"skipped,omitempty"`
}

// statusJSON models the mirror status document served by archlinux.org.
type statusJSON struct {
	LastCheck time.Time       `json:"last_check"`
	URLs      []statusURLJSON `json:"urls"`
}

type statusURLJSON struct {
	URL           string     `json:"url"`
	Protocol      string     `json:"protocol"`
	LastSync      *time.Time `json:"last_sync"`
	CompletionPct *float64   `json:"completion_pct"`
	Active        bool       `json:"active"`
	Country       string     `json:"country"`
	CountryCode   string     `json:"country_code"`
}

// headerWords mark "##" comment lines that are not country headings.
var headerWords = []string{"arch linux", "generated", "filtered", "pacman", "mirrorlist", "http"}

// Parse decodes a catalog document. JSON status documents and plaintext
// mirrorlists are both accepted; fetchedAt anchors sync ages when the
// document carries no check time of its own.
func Parse(data []byte, fetchedAt time.Time) (*Document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return parseStatusJSON(trimmed, fetchedAt)
	}
	return parseMirrorlist(data), nil
}

// ParseFile reads a mirrorlist from disk, for example the currently
// installed system mirrorlist.
func ParseFile(path string) (*Document, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return Parse(data, fi.ModTime())
}

func parseStatusJSON(data []byte, fetchedAt time.Time) (*Document, error) {
	var doc statusJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding mirror status: %w", err)
	}

	ref := doc.LastCheck
	if ref.IsZero() {
		ref = fetchedAt
	}

	b := newBuilder()
	for i, u := range doc.URLs {
		entry := i + 1
		raw := strings.TrimSpace(u.URL)
		if raw == "" {
			b.skip(entry, "missing url")
			continue
		}
		if _, err := safety.ValidateMirrorURL(raw); err != nil {
			b.skip(entry, err.Error())
			continue
		}
		proto, err := mirror.ParseProtocol(u.Protocol)
		if err != nil {
			b.skip(entry, err.Error())
			continue
		}

		rec := mirror.Record{
			URL:         raw,
			CountryCode: strings.ToUpper(strings.TrimSpace(u.CountryCode)),
			Country:     strings.TrimSpace(u.Country),
			Protocol:    proto,
			Active:      u.Active,
		}
		if u.LastSync != nil {
			age := ref.Sub(*u.LastSync)
			if age < 0 {
				age = 0
			}
			rec.LastSyncAge = &age
		}
		if u.CompletionPct != nil {
			p := *u.CompletionPct * 100
			rec.CompletionPct = &p
		}
		b.add(rec)
	}
	return b.doc(), nil
}

func parseMirrorlist(data []byte) *Document {
	b := newBuilder()
	country := ""

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "##") {
			if name := strings.TrimSpace(line[2:]); isCountryHeading(name) {
				country = name
			}
			continue
		}

		raw, ok := serverDirective(strings.TrimSpace(strings.TrimLeft(line, "#")))
		if !ok {
			if strings.HasPrefix(line, "#") {
				continue
			}
			if !strings.Contains(line, "://") {
				b.skip(lineNo, "unrecognized line")
				continue
			}
			raw = strings.Fields(line)[0]
		}

		u, err := safety.ValidateMirrorURL(raw)
		if err != nil {
			b.skip(lineNo, err.Error())
			continue
		}
		proto, err := mirror.ParseProtocol(u.Scheme)
		if err != nil {
			b.skip(lineNo, err.Error())
			continue
		}
		b.add(mirror.Record{
			URL:      raw,
			Country:  country,
			Protocol: proto,
			Active:   true,
		})
	}
	if err := scanner.Err(); err != nil {
		b.skip(lineNo+1, fmt.Sprintf("reading document: %v", err))
	}
	return b.doc()
}

// serverDirective extracts the URL from a "Server = URL" line.
func serverDirective(line string) (string, bool) {
	key, value, ok := strings.Cut(line, "=")
	if !ok || !strings.EqualFold(strings.TrimSpace(key), "Server") {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func isCountryHeading(name string) bool {
	if name == "" || strings.Contains(name, ":") {
		return false
	}
	lower := strings.ToLower(name)
	for _, w := range headerWords {
		if strings.Contains(lower, w) {
			return false
		}
	}
	return true
}

// builder accumulates records, deduplicating by URL. A repeated URL
// replaces the earlier values but keeps the earlier position.
type builder struct {
	records []mirror.Record
	index   map[string]int
	skipped []ParseSkip
}

func newBuilder() *builder {
	return &builder{index: make(map[string]int)}
}

func (b *builder) add(rec mirror.Record) {
	if i, ok := b.index[rec.URL]; ok {
		b.records[i] = rec
		return
	}
	b.index[rec.URL] = len(b.records)
	b.records = append(b.records, rec)
}

func (b *builder) skip(line int, reason string) {
	b.skipped = append(b.skipped, ParseSkip{Line: line, Reason: reason})
}

func (b *builder) doc() *Document {
	return &Document{Records: b.records, Skipped: b.skipped}
}
