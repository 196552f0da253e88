package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BadgerOps/mirrorrank/internal/catalog"
	"github.com/BadgerOps/mirrorrank/internal/engine"
	"github.com/BadgerOps/mirrorrank/internal/mirror"
	"github.com/BadgerOps/mirrorrank/internal/mirrorlist"
	"github.com/BadgerOps/mirrorrank/internal/rank"
)

// MirrorsResponse is the response from GET /api/mirrors.
type MirrorsResponse struct {
	Source  string          `json:"source"`
	Count   int             `json:"count"`
	Mirrors []mirror.Record `json:"mirrors"`
}

// handleAPIMirrors fetches the catalog and filters it by the country,
// protocol and active query parameters. country and protocol accept
// comma separated lists.
func (s *Server) handleAPIMirrors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var pred mirror.Predicate
	pred.Countries = splitList(q["country"])
	for _, p := range splitList(q["protocol"]) {
		proto, err := mirror.ParseProtocol(p)
		if err != nil {
			jsonError(w, http.StatusBadRequest, err.Error())
			return
		}
		pred.Protocols = append(pred.Protocols, proto)
	}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			jsonError(w, http.StatusBadRequest, "active must be true or false")
			return
		}
		pred.ActiveOnly = active
	}

	records, err := s.fetcher.Fetch(r.Context(), s.config.Catalog.URL, s.config.Catalog.Timeout)
	if err != nil {
		s.logger.Error("failed to fetch mirror catalog", "url", s.config.Catalog.URL, "error", err)
		jsonError(w, http.StatusBadGateway, err.Error())
		return
	}

	filtered := mirror.Filter(records, pred)
	s.writeJSON(w, MirrorsResponse{
		Source:  s.config.Catalog.URL,
		Count:   len(filtered),
		Mirrors: filtered,
	})
}

// RankRequest is the request body for POST /api/rank. Omitted fields
// fall back to the server configuration.
type RankRequest struct {
	Countries  []string `json:"countries"`
	Protocols  []string `json:"protocols"`
	ActiveOnly *bool    `json:"active_only"`
	TopN       *int     `json:"top_n"`
	MaxMirrors *int     `json:"max_mirrors"`
	Mode       string   `json:"mode"`
}

// runOptions overlays the request on the configured defaults. The
// mirrorlist is never written from the API.
func (req RankRequest) runOptions(base engine.RunOptions) (engine.RunOptions, error) {
	opts := base
	opts.Apply = false

	if len(req.Countries) > 0 {
		opts.Predicate.Countries = req.Countries
	}
	if len(req.Protocols) > 0 {
		protos := make([]mirror.Protocol, 0, len(req.Protocols))
		for _, p := range req.Protocols {
			proto, err := mirror.ParseProtocol(p)
			if err != nil {
				return opts, err
			}
			protos = append(protos, proto)
		}
		opts.Predicate.Protocols = protos
	}
	if req.ActiveOnly != nil {
		opts.Predicate.ActiveOnly = *req.ActiveOnly
	}
	if req.TopN != nil {
		if *req.TopN < 0 {
			return opts, errors.New("top_n must not be negative")
		}
		opts.TopN = *req.TopN
	}
	if req.MaxMirrors != nil {
		if *req.MaxMirrors < 0 {
			return opts, errors.New("max_mirrors must not be negative")
		}
		opts.MaxMirrors = *req.MaxMirrors
	}
	if req.Mode != "" {
		w, err := rank.WeightsForMode(req.Mode)
		if err != nil {
			return opts, err
		}
		opts.Weights = w
	}
	return opts, nil
}

// handleAPIRank runs a ranking pass without writing the mirrorlist. With
// ?format=mirrorlist the selected mirrors are rendered as a mirrorlist
// instead of the JSON report.
func (s *Server) handleAPIRank(w http.ResponseWriter, r *http.Request) {
	var req RankRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	base, err := engine.RunOptionsFromConfig(s.config)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "invalid server configuration: "+err.Error())
		return
	}
	opts, err := req.runOptions(base)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.pipeline.Run(r.Context(), opts)
	if err != nil {
		var fe *catalog.FetchError
		if errors.As(err, &fe) {
			jsonError(w, http.StatusBadGateway, err.Error())
			return
		}
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if r.URL.Query().Get("format") == "mirrorlist" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write(mirrorlist.Render(report.Selected, time.Now(), "Source: "+report.SourceURL))
		return
	}
	s.writeJSON(w, report)
}

// splitList flattens repeated and comma separated query values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
