// Package engine runs a complete ranking pass: fetch, filter, probe, rank
// and optionally write the mirrorlist, recording the outcome.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BadgerOps/mirrorrank/internal/catalog"
	"github.com/BadgerOps/mirrorrank/internal/config"
	"github.com/BadgerOps/mirrorrank/internal/geoip"
	"github.com/BadgerOps/mirrorrank/internal/mirror"
	"github.com/BadgerOps/mirrorrank/internal/mirrorlist"
	"github.com/BadgerOps/mirrorrank/internal/probe"
	"github.com/BadgerOps/mirrorrank/internal/rank"
	"github.com/BadgerOps/mirrorrank/internal/store"
)

// ErrNothingRanked is returned when Apply is requested but no mirror
// survived probing. The target is left untouched.
var ErrNothingRanked = errors.New("no mirror could be ranked")

// ErrNoUsableMirror is returned when Apply is requested and every ranked
// mirror serves only rsync. It matches ErrNothingRanked.
var ErrNoUsableMirror = fmt.Errorf("%w: ranked mirrors serve only rsync", ErrNothingRanked)

// Fetcher retrieves catalog records.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL string, timeout time.Duration) ([]mirror.Record, error)
}

// Prober measures candidates.
type Prober interface {
	Probe(ctx context.Context, candidates []mirror.Record, opts probe.Options) []mirror.ProbeResult
}

// History persists runs. *store.Store implements it.
type History interface {
	CreateRun(run *store.Run) error
	UpdateRun(run *store.Run) error
	SaveScores(runID int64, scores []store.MirrorScore) error
	LastKnownRanks() (map[string]int, error)
}

// RunOptions controls one pass.
type RunOptions struct {
	SourceURL     string
	FetchTimeout  time.Duration
	FetchAttempts int
	RetryDelay    time.Duration

	Predicate mirror.Predicate
	// UseGeoIP narrows to the host's country when Predicate has no countries.
	UseGeoIP bool

	// TopN probes only this many candidates, previously best first. 0 = all.
	TopN       int
	Probe      probe.Options
	Weights    rank.Weights
	MaxMirrors int

	Target      string
	Apply       bool
	Backup      bool
	KeepBackups int
}

// RunOptionsFromConfig builds options for a pass from cfg. Apply is left off.
func RunOptionsFromConfig(cfg *config.Config) (RunOptions, error) {
	pred, err := cfg.Predicate()
	if err != nil {
		return RunOptions{}, err
	}
	w, err := cfg.Weights()
	if err != nil {
		return RunOptions{}, err
	}
	return RunOptions{
		SourceURL:     cfg.Catalog.URL,
		FetchTimeout:  cfg.Catalog.Timeout,
		FetchAttempts: cfg.Catalog.FetchAttempts,
		RetryDelay:    cfg.Catalog.RetryDelay,
		Predicate:     pred,
		UseGeoIP:      cfg.GeoIP.Enabled,
		TopN:          cfg.Probe.TopN,
		Probe:         cfg.ProbeOptions(),
		Weights:       w,
		MaxMirrors:    cfg.Rank.MaxMirrors,
		Target:        cfg.Output.Target,
		Backup:        cfg.Output.Backup,
		KeepBackups:   cfg.Output.KeepBackups,
	}, nil
}

// Report is the outcome of a pass.
type Report struct {
	RunID       string               `json:"run_id,omitempty"`
	SourceURL   string               `json:"source_url"`
	Target      string               `json:"target,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	FinishedAt  time.Time            `json:"finished_at"`
	Fetched     int                  `json:"fetched"`
	Filtered    int                  `json:"filtered"`
	Candidates  int                  `json:"candidates"`
	CountryHint string               `json:"country_hint,omitempty"`
	Results     []mirror.ProbeResult `json:"results"`
	Summary     rank.Summary         `json:"summary"`
	Selected    []mirror.Ranked      `json:"selected"`
	// Unusable counts ranked mirrors left out of Selected because pacman
	// cannot download from them.
	Unusable    int                  `json:"unusable,omitempty"`
	Applied     bool                 `json:"applied"`
	BackupPath  string               `json:"backup_path,omitempty"`
	Pruned      []string             `json:"pruned,omitempty"`
}

// Pipeline wires the components of a pass together.
type Pipeline struct {
	fetcher   Fetcher
	prober    Prober
	writer    *mirrorlist.Writer
	escalator mirrorlist.Escalator
	history   History
	locator   geoip.Locator
	logger    *slog.Logger

	// Passes are serialized; the API and CLI may share one Pipeline.
	mu sync.Mutex

	trackerMu     sync.RWMutex
	activeTracker *Tracker
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithHistory records runs in h.
func WithHistory(h History) Option {
	return func(p *Pipeline) { p.history = h }
}

// WithLocator enables the GeoIP country hint.
func WithLocator(l geoip.Locator) Option {
	return func(p *Pipeline) { p.locator = l }
}

// WithEscalator replaces the default LocalEscalator.
func WithEscalator(e mirrorlist.Escalator) Option {
	return func(p *Pipeline) { p.escalator = e }
}

// NewPipeline creates a Pipeline.
func NewPipeline(fetcher Fetcher, prober Prober, writer *mirrorlist.Writer, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		fetcher:   fetcher,
		prober:    prober,
		writer:    writer,
		escalator: mirrorlist.LocalEscalator{},
		logger:    logger,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ActiveProgress returns the tracker of the current or last pass, or nil.
func (p *Pipeline) ActiveProgress() *Tracker {
	p.trackerMu.RLock()
	defer p.trackerMu.RUnlock()
	return p.activeTracker
}

// Run executes one pass. Fetch failures abort it; probe failures only
// exclude mirrors. When opts.Apply is set the ranked list replaces
// opts.Target. The run is recorded when a History is configured.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	report := &Report{
		SourceURL: opts.SourceURL,
		Target:    opts.Target,
		StartedAt: time.Now(),
	}

	run := p.startRun(report)
	if run != nil {
		report.RunID = run.UUID
	}
	tracker := NewTracker(report.RunID)
	p.trackerMu.Lock()
	p.activeTracker = tracker
	p.trackerMu.Unlock()

	err := p.run(ctx, opts, report, tracker)
	report.FinishedAt = time.Now()

	if err != nil {
		tracker.SetPhase(PhaseFailed, err.Error())
		p.logger.Error("ranking pass failed", "source", opts.SourceURL, "error", err)
	} else {
		tracker.SetPhase(PhaseComplete, fmt.Sprintf("ranked %d mirrors", len(report.Summary.Ranked)))
		p.logger.Info("ranking pass finished",
			"fetched", report.Fetched,
			"candidates", report.Candidates,
			"ranked", len(report.Summary.Ranked),
			"excluded", report.Summary.ExcludedCount,
			"applied", report.Applied,
			"duration", report.FinishedAt.Sub(report.StartedAt))
	}
	p.finishRun(run, report, err)

	if err != nil {
		return nil, err
	}
	return report, nil
}

func (p *Pipeline) run(ctx context.Context, opts RunOptions, report *Report, tracker *Tracker) error {
	records, err := p.fetch(ctx, opts)
	if err != nil {
		return err
	}
	report.Fetched = len(records)
	tracker.SetFetched(len(records))

	tracker.SetPhase(PhaseFiltering, "")
	filtered := p.filter(ctx, records, opts, report)
	report.Filtered = len(filtered)

	candidates := filtered
	if opts.TopN > 0 {
		candidates = SelectCandidates(filtered, p.lastRanks(opts.Target), opts.TopN)
	}
	report.Candidates = len(candidates)
	tracker.SetCandidates(len(candidates))
	p.logger.Info("selected candidates", "fetched", len(records), "filtered", len(filtered), "candidates", len(candidates))

	tracker.SetPhase(PhaseProbing, fmt.Sprintf("probing %d mirrors", len(candidates)))
	probeOpts := opts.Probe
	probeOpts.OnResult = func(_ int, r mirror.ProbeResult) {
		tracker.ProbeFinished(r.OK())
	}
	report.Results = p.prober.Probe(ctx, candidates, probeOpts)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("ranking cancelled: %w", err)
	}

	tracker.SetPhase(PhaseRanking, "")
	report.Summary = rank.Rank(report.Results, opts.Weights)
	usable, unusable := mirrorlist.Usable(report.Summary.Ranked)
	if unusable > 0 {
		p.logger.Warn("ranked mirrors not usable in a mirrorlist", "count", unusable)
	}
	report.Unusable = unusable
	report.Selected = rank.Summary{Ranked: usable}.Top(opts.MaxMirrors)
	for status, n := range report.Summary.ExcludedReasons {
		p.logger.Info("mirrors excluded", "status", status, "count", n)
	}

	if !opts.Apply {
		return nil
	}
	tracker.SetPhase(PhaseWriting, opts.Target)
	return p.apply(opts, report)
}

// fetch retrieves the catalog, retrying transport failures with a linearly
// growing delay when more than one attempt is configured.
func (p *Pipeline) fetch(ctx context.Context, opts RunOptions) ([]mirror.Record, error) {
	attempts := opts.FetchAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		records, err := p.fetcher.Fetch(ctx, opts.SourceURL, opts.FetchTimeout)
		if err == nil {
			return records, nil
		}
		lastErr = err

		var fe *catalog.FetchError
		if errors.As(err, &fe) && fe.Kind == catalog.MalformedResponse {
			break
		}
		if attempt == attempts {
			break
		}

		delay := opts.RetryDelay * time.Duration(attempt)
		p.logger.Warn("catalog fetch failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("catalog fetch cancelled during retry: %w", ctx.Err())
		}
	}
	return nil, lastErr
}

// filter applies the predicate, narrowing to the host's country when asked
// to and no countries are configured. A hint that matches nothing is dropped.
func (p *Pipeline) filter(ctx context.Context, records []mirror.Record, opts RunOptions, report *Report) []mirror.Record {
	pred := opts.Predicate
	if len(pred.Countries) > 0 || !opts.UseGeoIP || p.locator == nil {
		return mirror.Filter(records, pred)
	}

	code, err := p.locator.CountryHint(ctx)
	if err != nil {
		p.logger.Warn("country hint unavailable", "error", err)
		return mirror.Filter(records, pred)
	}

	hinted := pred
	hinted.Countries = []string{code}
	filtered := mirror.Filter(records, hinted)
	if len(filtered) == 0 {
		p.logger.Warn("no mirrors in hinted country, ignoring hint", "country", code)
		return mirror.Filter(records, pred)
	}
	report.CountryHint = code
	p.logger.Info("using country hint", "country", code)
	return filtered
}

// lastRanks returns the previous ranking from history, else from the
// order of the current mirrorlist.
func (p *Pipeline) lastRanks(target string) map[string]int {
	if p.history != nil {
		ranks, err := p.history.LastKnownRanks()
		if err != nil {
			p.logger.Warn("could not load previous ranks", "error", err)
		} else if len(ranks) > 0 {
			return ranks
		}
	}

	ranks := make(map[string]int)
	if target == "" {
		return ranks
	}
	doc, err := catalog.ParseFile(target)
	if err != nil {
		p.logger.Debug("no previous mirrorlist to learn from", "path", target, "error", err)
		return ranks
	}
	for i, rec := range doc.Records {
		ranks[rec.URL] = i + 1
	}
	return ranks
}

// SelectCandidates orders records with a previous rank first (best first),
// then the rest in catalog order, and keeps at most topN (0 keeps all).
// URLs are compared both as given and in mirrorlist server form.
func SelectCandidates(records []mirror.Record, lastRanks map[string]int, topN int) []mirror.Record {
	known := func(r mirror.Record) (int, bool) {
		if n, ok := lastRanks[r.URL]; ok {
			return n, true
		}
		n, ok := lastRanks[mirror.ServerURL(r.URL)]
		return n, ok
	}

	out := make([]mirror.Record, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		ri, iok := known(out[i])
		rj, jok := known(out[j])
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return false
		}
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

func (p *Pipeline) apply(opts RunOptions, report *Report) error {
	if len(report.Selected) == 0 {
		if report.Unusable > 0 {
			return ErrNoUsableMirror
		}
		return ErrNothingRanked
	}

	fsys, err := p.escalator.Acquire(opts.Target)
	if err != nil {
		return fmt.Errorf("acquiring write access to %s: %w", opts.Target, err)
	}

	if opts.Backup {
		backup, err := p.writer.Backup(opts.Target, fsys)
		if err != nil {
			return fmt.Errorf("backing up %s: %w", opts.Target, err)
		}
		report.BackupPath = backup
		if opts.KeepBackups > 0 {
			pruned, err := p.writer.Prune(opts.Target, fsys, opts.KeepBackups)
			if err != nil {
				p.logger.Warn("failed to prune backups", "path", opts.Target, "error", err)
			}
			report.Pruned = pruned
		}
	}

	notes := []string{
		"Source: " + opts.SourceURL,
		fmt.Sprintf("Probed: %d, ranked: %d, excluded: %d", report.Candidates, len(report.Summary.Ranked), report.Summary.ExcludedCount),
	}
	if report.CountryHint != "" {
		notes = append(notes, "Country hint: "+report.CountryHint)
	}
	if err := p.writer.Apply(report.Selected, opts.Target, fsys, notes...); err != nil {
		return fmt.Errorf("writing %s: %w", opts.Target, err)
	}
	report.Applied = true
	return nil
}

func (p *Pipeline) startRun(report *Report) *store.Run {
	if p.history == nil {
		return nil
	}
	run := &store.Run{
		SourceURL:  report.SourceURL,
		TargetPath: report.Target,
		StartedAt:  report.StartedAt,
		Status:     store.RunStatusRunning,
	}
	if err := p.history.CreateRun(run); err != nil {
		p.logger.Warn("failed to record run", "error", err)
		return nil
	}
	return run
}

func (p *Pipeline) finishRun(run *store.Run, report *Report, runErr error) {
	if run == nil {
		return
	}
	run.FinishedAt = report.FinishedAt
	run.Fetched = report.Fetched
	run.Candidates = report.Candidates
	run.Ranked = len(report.Summary.Ranked)
	run.Excluded = report.Summary.ExcludedCount
	run.Applied = report.Applied
	run.BackupPath = report.BackupPath
	run.Status = store.RunStatusSuccess
	if runErr != nil {
		run.Status = store.RunStatusFailed
		run.ErrorMessage = runErr.Error()
	}
	if err := p.history.UpdateRun(run); err != nil {
		p.logger.Warn("failed to update run", "run", run.UUID, "error", err)
	}

	if len(report.Results) == 0 {
		return
	}
	if err := p.history.SaveScores(run.ID, Scores(report)); err != nil {
		p.logger.Warn("failed to save scores", "run", run.UUID, "error", err)
	}
}

// Scores flattens a report into per-mirror history rows.
func Scores(report *Report) []store.MirrorScore {
	ranked := make(map[string]mirror.Ranked, len(report.Summary.Ranked))
	for _, r := range report.Summary.Ranked {
		ranked[r.URL()] = r
	}

	scores := make([]store.MirrorScore, 0, len(report.Results))
	for _, res := range report.Results {
		sc := store.MirrorScore{
			URL:    res.URL(),
			Status: res.Status.String(),
			Detail: res.Detail,
		}
		if res.Mirror != nil {
			sc.Country = res.Mirror.CountryCode
			if sc.Country == "" {
				sc.Country = res.Mirror.Country
			}
			sc.Protocol = string(res.Mirror.Protocol)
		}
		if r, ok := ranked[sc.URL]; ok {
			sc.Rank = r.Rank
			sc.Score = r.Score
			sc.LatencyMS = float64(r.Latency) / float64(time.Millisecond)
			sc.ThroughputBps = r.ThroughputBps
		}
		scores = append(scores, sc)
	}
	return scores
}
