// Package rank scores successful probe results and orders them.
package rank

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/BadgerOps/mirrorrank/internal/mirror"
)

const (
	// ReferenceLatency is the latency that earns half the latency component.
	ReferenceLatency = 100 * time.Millisecond
	// ReferenceThroughput is the rate (bytes/s) that earns half the throughput component.
	ReferenceThroughput = 1024 * 1024

	weightTolerance = 1e-6
)

// Weights balances latency against throughput in the score.
type Weights struct {
	Latency    float64 `json:"latency" yaml:"latency"`
	Throughput float64 `json:"throughput" yaml:"throughput"`
}

// DefaultWeights gives latency and throughput equal say.
func DefaultWeights() Weights {
	return Weights{Latency: 0.5, Throughput: 0.5}
}

// WeightsForMode maps a sort mode name to weights.
//
//	score  balanced (default)
//	rate   throughput only
//	delay  latency only
func WeightsForMode(mode string) (Weights, error) {
	switch mode {
	case "", "score":
		return DefaultWeights(), nil
	case "rate":
		return Weights{Throughput: 1}, nil
	case "delay":
		return Weights{Latency: 1}, nil
	default:
		return Weights{}, fmt.Errorf("unknown sort mode %q (want score, rate or delay)", mode)
	}
}

// Validate checks that both weights are non-negative and sum to 1.
func (w Weights) Validate() error {
	if w.Latency < 0 || w.Throughput < 0 {
		return fmt.Errorf("weights must be non-negative (latency=%g, throughput=%g)", w.Latency, w.Throughput)
	}
	if sum := w.Latency + w.Throughput; math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("weights must sum to 1.0, got %g", sum)
	}
	return nil
}

// normalized scales w to sum to 1. Unusable weights fall back to the defaults.
func (w Weights) normalized() Weights {
	if w.Latency < 0 || w.Throughput < 0 || math.IsNaN(w.Latency) || math.IsNaN(w.Throughput) {
		return DefaultWeights()
	}
	sum := w.Latency + w.Throughput
	if sum <= 0 || math.IsInf(sum, 0) {
		return DefaultWeights()
	}
	return Weights{Latency: w.Latency / sum, Throughput: w.Throughput / sum}
}

// Score computes the score of one successful result. It depends only on
// the result's own metrics. Latency-only results have no throughput to
// weigh and are scored on latency alone.
func Score(r mirror.ProbeResult, w Weights) float64 {
	w = w.normalized()

	lat := r.Latency
	if lat < 0 {
		lat = 0
	}
	latencyScore := float64(ReferenceLatency) / float64(ReferenceLatency+lat)
	if r.LatencyOnly {
		return latencyScore
	}

	tp := r.ThroughputBps
	if tp < 0 || math.IsNaN(tp) {
		tp = 0
	}
	throughputScore := tp / (tp + ReferenceThroughput)

	return w.Latency*latencyScore + w.Throughput*throughputScore
}

// Summary is the outcome of ranking a batch.
type Summary struct {
	Ranked          []mirror.Ranked       `json:"ranked"`
	ExcludedCount   int                   `json:"excluded_count"`
	ExcludedReasons map[mirror.Status]int `json:"excluded_reasons"`
}

// Rank scores every successful result and sorts by score descending,
// breaking ties by ascending URL. Failed results are counted by status
// and left out. Identical input always yields identical output.
func Rank(results []mirror.ProbeResult, w Weights) Summary {
	sum := Summary{
		Ranked:          make([]mirror.Ranked, 0, len(results)),
		ExcludedReasons: make(map[mirror.Status]int),
	}

	for _, r := range results {
		if !r.OK() {
			sum.ExcludedCount++
			sum.ExcludedReasons[r.Status]++
			continue
		}
		sum.Ranked = append(sum.Ranked, mirror.Ranked{ProbeResult: r, Score: Score(r, w)})
	}

	sort.SliceStable(sum.Ranked, func(i, j int) bool {
		a, b := sum.Ranked[i], sum.Ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.URL() < b.URL()
	})
	for i := range sum.Ranked {
		sum.Ranked[i].Rank = i + 1
	}
	return sum
}

// Top returns the first n ranked mirrors, or all of them when n <= 0.
func (s Summary) Top(n int) []mirror.Ranked {
	if n <= 0 || n >= len(s.Ranked) {
		return s.Ranked
	}
	return s.Ranked[:n]
}
