package rank

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/BadgerOps/mirrorrank/internal/mirror"
)

func result(url string, st mirror.Status, lat time.Duration, tp float64) mirror.ProbeResult {
	rec := &mirror.Record{URL: url, Protocol: mirror.ProtocolHTTPS, Active: true}
	r := mirror.ProbeResult{Mirror: rec, Status: st}
	if st == mirror.StatusOK {
		r.Latency = lat
		r.ThroughputBps = tp
	}
	return r
}

func rankedURLs(rs []mirror.Ranked) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.URL()
	}
	return out
}

func TestRankOrdersByScore(t *testing.T) {
	results := []mirror.ProbeResult{
		result("https://slow.example/", mirror.StatusOK, 400*time.Millisecond, 200*1024),
		result("https://fast.example/", mirror.StatusOK, 20*time.Millisecond, 8*1024*1024),
		result("https://mid.example/", mirror.StatusOK, 80*time.Millisecond, 1024*1024),
	}

	sum := Rank(results, DefaultWeights())

	want := []string{"https://fast.example/", "https://mid.example/", "https://slow.example/"}
	if got := rankedURLs(sum.Ranked); !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i, r := range sum.Ranked {
		if r.Rank != i+1 {
			t.Errorf("position %d has rank %d", i, r.Rank)
		}
		if r.Score < 0 || r.Score > 1 {
			t.Errorf("score %v out of [0,1]", r.Score)
		}
		if i > 0 && r.Score > sum.Ranked[i-1].Score {
			t.Errorf("scores not descending at %d", i)
		}
	}
}

func TestRankTieBreaksByURL(t *testing.T) {
	// Identical metrics give identical scores; URL decides.
	results := []mirror.ProbeResult{
		result("https://b.mirror/", mirror.StatusOK, 50*time.Millisecond, 2*1024*1024),
		result("https://a.mirror/", mirror.StatusOK, 50*time.Millisecond, 2*1024*1024),
	}

	sum := Rank(results, DefaultWeights())
	want := []string{"https://a.mirror/", "https://b.mirror/"}
	if got := rankedURLs(sum.Ranked); !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if sum.Ranked[0].Score != sum.Ranked[1].Score {
		t.Fatalf("expected equal scores, got %v and %v", sum.Ranked[0].Score, sum.Ranked[1].Score)
	}
}

func TestRankExcludesFailures(t *testing.T) {
	results := []mirror.ProbeResult{
		result("https://ok1.example/", mirror.StatusOK, 10*time.Millisecond, 1e6),
		result("https://to.example/", mirror.StatusTimeout, 0, 0),
		result("https://ce1.example/", mirror.StatusConnectionError, 0, 0),
		result("https://ok2.example/", mirror.StatusOK, 30*time.Millisecond, 5e5),
		result("https://ce2.example/", mirror.StatusConnectionError, 0, 0),
		result("https://cx.example/", mirror.StatusCanceled, 0, 0),
	}

	sum := Rank(results, DefaultWeights())
	if len(sum.Ranked) != 2 {
		t.Fatalf("expected 2 ranked, got %d", len(sum.Ranked))
	}
	if sum.ExcludedCount != 4 {
		t.Errorf("ExcludedCount = %d, want 4", sum.ExcludedCount)
	}
	wantReasons := map[mirror.Status]int{
		mirror.StatusTimeout:         1,
		mirror.StatusConnectionError: 2,
		mirror.StatusCanceled:        1,
	}
	if !reflect.DeepEqual(sum.ExcludedReasons, wantReasons) {
		t.Errorf("ExcludedReasons = %v, want %v", sum.ExcludedReasons, wantReasons)
	}
	if len(sum.Ranked)+sum.ExcludedCount != len(results) {
		t.Error("ranked + excluded must equal input size")
	}
}

func TestRankDeterministic(t *testing.T) {
	results := []mirror.ProbeResult{
		result("https://c.example/", mirror.StatusOK, 60*time.Millisecond, 3e6),
		result("https://a.example/", mirror.StatusOK, 60*time.Millisecond, 3e6),
		result("https://d.example/", mirror.StatusTimeout, 0, 0),
		result("https://b.example/", mirror.StatusOK, 15*time.Millisecond, 1e5),
	}

	first := Rank(results, DefaultWeights())
	for i := 0; i < 20; i++ {
		again := Rank(results, DefaultWeights())
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs: %+v vs %+v", i, first, again)
		}
	}

	// Input order must not matter either.
	reversed := make([]mirror.ProbeResult, len(results))
	for i, r := range results {
		reversed[len(results)-1-i] = r
	}
	if got, want := rankedURLs(Rank(reversed, DefaultWeights()).Ranked), rankedURLs(first.Ranked); !reflect.DeepEqual(got, want) {
		t.Errorf("reversed input order = %v, want %v", got, want)
	}
}

func TestRankEmpty(t *testing.T) {
	sum := Rank(nil, DefaultWeights())
	if len(sum.Ranked) != 0 || sum.ExcludedCount != 0 {
		t.Fatalf("unexpected summary for empty input: %+v", sum)
	}
}

func TestScoreIsPerMirror(t *testing.T) {
	a := result("https://a.example/", mirror.StatusOK, 100*time.Millisecond, ReferenceThroughput)
	if got := Score(a, DefaultWeights()); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("reference metrics should score 0.5, got %v", got)
	}

	// Adding another mirror to the batch must not change a's score.
	alone := Rank([]mirror.ProbeResult{a}, DefaultWeights()).Ranked[0].Score
	withOther := Rank([]mirror.ProbeResult{a, result("https://z.example/", mirror.StatusOK, time.Millisecond, 1e9)}, DefaultWeights())
	for _, r := range withOther.Ranked {
		if r.URL() == a.URL() && r.Score != alone {
			t.Errorf("score changed with batch composition: %v vs %v", r.Score, alone)
		}
	}
}

func TestScoreLatencyOnly(t *testing.T) {
	r := result("rsync://a.example/", mirror.StatusOK, 100*time.Millisecond, 0)
	r.LatencyOnly = true

	for _, mode := range []string{"score", "rate", "delay"} {
		w, err := WeightsForMode(mode)
		if err != nil {
			t.Fatal(err)
		}
		if got := Score(r, w); math.Abs(got-0.5) > 1e-9 {
			t.Errorf("%s: latency-only score = %v, want 0.5", mode, got)
		}
	}
}

func TestRankMixedProtocols(t *testing.T) {
	rsync := result("rsync://fast.example/arch/", mirror.StatusOK, 5*time.Millisecond, 0)
	rsync.Mirror.Protocol = mirror.ProtocolRsync
	rsync.LatencyOnly = true
	https := result("https://slow.example/arch/", mirror.StatusOK, 200*time.Millisecond, 2*ReferenceThroughput)

	want := []string{"rsync://fast.example/arch/", "https://slow.example/arch/"}
	for _, mode := range []string{"score", "rate", "delay"} {
		t.Run(mode, func(t *testing.T) {
			w, err := WeightsForMode(mode)
			if err != nil {
				t.Fatal(err)
			}
			sum := Rank([]mirror.ProbeResult{https, rsync}, w)
			if got := rankedURLs(sum.Ranked); !reflect.DeepEqual(got, want) {
				t.Fatalf("order = %v, want %v", got, want)
			}
			for _, r := range sum.Ranked {
				if r.Score <= 0 {
					t.Errorf("%s scored %v", r.URL(), r.Score)
				}
			}
		})
	}
}

func TestWeightsNormalization(t *testing.T) {
	r := result("https://a.example/", mirror.StatusOK, 50*time.Millisecond, 2e6)

	if a, b := Score(r, Weights{Latency: 2, Throughput: 2}), Score(r, DefaultWeights()); math.Abs(a-b) > 1e-12 {
		t.Errorf("scaled weights should normalize: %v vs %v", a, b)
	}
	for _, w := range []Weights{{}, {Latency: -1, Throughput: 2}, {Latency: math.NaN()}} {
		if a, b := Score(r, w), Score(r, DefaultWeights()); a != b {
			t.Errorf("weights %+v should fall back to defaults: %v vs %v", w, a, b)
		}
	}
}

func TestWeightsValidate(t *testing.T) {
	tests := []struct {
		w       Weights
		wantErr bool
	}{
		{DefaultWeights(), false},
		{Weights{Latency: 1}, false},
		{Weights{Latency: 0.3, Throughput: 0.7}, false},
		{Weights{Latency: 0.5, Throughput: 0.6}, true},
		{Weights{Latency: -0.5, Throughput: 1.5}, true},
		{Weights{}, true},
	}
	for _, tt := range tests {
		err := tt.w.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%+v) error = %v, wantErr %v", tt.w, err, tt.wantErr)
		}
	}
}

func TestWeightsForMode(t *testing.T) {
	fast := result("https://fast.example/", mirror.StatusOK, 5*time.Millisecond, 1e5)
	wide := result("https://wide.example/", mirror.StatusOK, 300*time.Millisecond, 5e7)

	tests := []struct {
		mode  string
		first string
	}{
		{"delay", "https://fast.example/"},
		{"rate", "https://wide.example/"},
	}
	for _, tt := range tests {
		w, err := WeightsForMode(tt.mode)
		if err != nil {
			t.Fatalf("WeightsForMode(%q): %v", tt.mode, err)
		}
		if err := w.Validate(); err != nil {
			t.Errorf("mode %q weights invalid: %v", tt.mode, err)
		}
		got := Rank([]mirror.ProbeResult{fast, wide}, w).Ranked[0].URL()
		if got != tt.first {
			t.Errorf("mode %q ranked %s first, want %s", tt.mode, got, tt.first)
		}
	}

	if w, err := WeightsForMode(""); err != nil || w != DefaultWeights() {
		t.Errorf("empty mode = %+v, %v", w, err)
	}
	if _, err := WeightsForMode("age"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestSummaryTop(t *testing.T) {
	sum := Rank([]mirror.ProbeResult{
		result("https://a.example/", mirror.StatusOK, 10*time.Millisecond, 1e6),
		result("https://b.example/", mirror.StatusOK, 20*time.Millisecond, 1e6),
		result("https://c.example/", mirror.StatusOK, 30*time.Millisecond, 1e6),
	}, DefaultWeights())

	if got := len(sum.Top(2)); got != 2 {
		t.Errorf("Top(2) returned %d", got)
	}
	if got := len(sum.Top(0)); got != 3 {
		t.Errorf("Top(0) returned %d", got)
	}
	if got := len(sum.Top(10)); got != 3 {
		t.Errorf("Top(10) returned %d", got)
	}
}
