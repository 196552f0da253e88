package probe

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BadgerOps/mirrorrank/internal/mirror"
)

// DefaultTimeout bounds a single sample when Options.Timeout is unset.
const DefaultTimeout = 5 * time.Second

// Options controls one probe batch.
type Options struct {
	Concurrency int           `json:"concurrency"`
	Timeout     time.Duration `json:"timeout"`
	Samples     int           `json:"samples"`
	// OnResult, when set, is called from the Probe goroutine as each
	// candidate finishes, in completion order.
	OnResult func(index int, result mirror.ProbeResult) `json:"-"`
}

func (o Options) normalized() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Samples < 1 {
		o.Samples = 1
	}
	return o
}

// Engine probes candidates on a fixed number of workers.
type Engine struct {
	prober Prober
	logger *slog.Logger
}

// NewEngine creates an Engine backed by prober.
func NewEngine(prober Prober, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{prober: prober, logger: logger}
}

type indexedResult struct {
	index  int
	result mirror.ProbeResult
}

// Probe measures every candidate and returns exactly one result per
// candidate, in input order. Failures never abort the batch. Cancelling
// ctx stops new probes from starting; remaining candidates are reported
// as canceled while in-flight probes run until they finish or time out.
func (e *Engine) Probe(ctx context.Context, candidates []mirror.Record, opts Options) []mirror.ProbeResult {
	if len(candidates) == 0 {
		return []mirror.ProbeResult{}
	}
	opts = opts.normalized()

	jobs := make(chan int, len(candidates))
	results := make(chan indexedResult, len(candidates))

	workers := opts.Concurrency
	if workers > len(candidates) {
		workers = len(candidates)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go e.worker(ctx, candidates, opts, jobs, results, &wg)
	}

	for i := range candidates {
		jobs <- i
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	collected := make([]indexedResult, 0, len(candidates))
	for r := range results {
		collected = append(collected, r)
		if opts.OnResult != nil {
			opts.OnResult(r.index, r.result)
		}
	}
	sort.Slice(collected, func(i, j int) bool {
		return collected[i].index < collected[j].index
	})

	out := make([]mirror.ProbeResult, len(collected))
	failed := 0
	for i, r := range collected {
		out[i] = r.result
		if !r.result.OK() {
			failed++
		}
	}

	e.logger.Info("probe batch finished", "candidates", len(candidates), "ok", len(out)-failed, "failed", failed)
	return out
}

// worker drains the job queue, checking for cancellation before each probe.
func (e *Engine) worker(ctx context.Context, candidates []mirror.Record, opts Options, jobs <-chan int, results chan<- indexedResult, wg *sync.WaitGroup) {
	defer wg.Done()

	for idx := range jobs {
		rec := &candidates[idx]
		if err := ctx.Err(); err != nil {
			results <- indexedResult{
				index:  idx,
				result: mirror.ProbeResult{Mirror: rec, Status: mirror.StatusCanceled, Detail: err.Error()},
			}
			continue
		}

		res := e.probeOne(ctx, rec, opts)
		if res.OK() {
			e.logger.Debug("probe completed", "url", rec.URL, "latency", res.Latency, "throughput_bps", res.ThroughputBps)
		} else {
			e.logger.Debug("probe failed", "url", rec.URL, "status", res.Status, "error", res.Detail)
		}
		results <- indexedResult{index: idx, result: res}
	}
}

// probeOne takes the configured number of samples and reduces them to
// medians. The first failing sample decides the status.
func (e *Engine) probeOne(ctx context.Context, rec *mirror.Record, opts Options) mirror.ProbeResult {
	base := context.WithoutCancel(ctx)

	latencyOnly := e.prober.LatencyOnly(rec)
	n := opts.Samples
	if latencyOnly {
		n = 1
	}

	latencies := make([]time.Duration, 0, n)
	rates := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		sctx, cancel := context.WithTimeout(base, opts.Timeout)
		s, err := e.prober.Sample(sctx, rec)
		expired := sctx.Err() == context.DeadlineExceeded
		cancel()

		if err != nil {
			status := Classify(err)
			if expired {
				status = mirror.StatusTimeout
			}
			return mirror.ProbeResult{Mirror: rec, Status: status, Detail: err.Error()}
		}
		latencies = append(latencies, s.Latency)
		rates = append(rates, s.Throughput())
	}

	res := mirror.ProbeResult{
		Mirror:      rec,
		Status:      mirror.StatusOK,
		Latency:     medianDuration(latencies),
		LatencyOnly: latencyOnly,
	}
	if !latencyOnly {
		res.ThroughputBps = median(rates)
	}
	return res
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func medianDuration(values []time.Duration) time.Duration {
	f := make([]float64, len(values))
	for i, v := range values {
		f[i] = float64(v)
	}
	return time.Duration(median(f))
}
