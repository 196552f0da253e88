package engine

import (
	"sync"
	"time"
)

// Phase is the current step of a ranking pass.
type Phase string

const (
	PhaseFetching  Phase = "fetching"
	PhaseFiltering Phase = "filtering"
	PhaseProbing   Phase = "probing"
	PhaseRanking   Phase = "ranking"
	PhaseWriting   Phase = "writing"
	PhaseComplete  Phase = "complete"
	PhaseFailed    Phase = "failed"
)

// Progress is a snapshot of a running pass, safe for JSON serialization.
type Progress struct {
	RunID      string    `json:"run_id"`
	Phase      Phase     `json:"phase"`
	Fetched    int       `json:"fetched"`
	Candidates int       `json:"candidates"`
	Probed     int       `json:"probed"`
	Failed     int       `json:"failed"`
	Percent    float64   `json:"percent"`
	StartTime  time.Time `json:"start_time"`
	Elapsed    string    `json:"elapsed"`
	Message    string    `json:"message,omitempty"`
}

// Tracker accumulates progress of one pass. Readers use Wait to block
// until the next update.
type Tracker struct {
	mu sync.Mutex

	runID      string
	phase      Phase
	fetched    int
	candidates int
	probed     int
	failed     int
	startTime  time.Time
	message    string

	// Closed and replaced on every update.
	notify chan struct{}
}

// NewTracker creates a tracker for the given run.
func NewTracker(runID string) *Tracker {
	return &Tracker{
		runID:     runID,
		phase:     PhaseFetching,
		startTime: time.Now(),
		notify:    make(chan struct{}),
	}
}

// Snapshot returns a copy of the current progress state.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pct float64
	switch {
	case t.phase == PhaseComplete:
		pct = 100
	case t.candidates > 0:
		pct = float64(t.probed) / float64(t.candidates) * 100
	}

	return Progress{
		RunID:      t.runID,
		Phase:      t.phase,
		Fetched:    t.fetched,
		Candidates: t.candidates,
		Probed:     t.probed,
		Failed:     t.failed,
		Percent:    pct,
		StartTime:  t.startTime,
		Elapsed:    time.Since(t.startTime).Truncate(time.Millisecond).String(),
		Message:    t.message,
	}
}

// Wait returns a channel that is closed on the next update.
func (t *Tracker) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

// Done reports whether the pass has finished.
func (t *Tracker) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase == PhaseComplete || t.phase == PhaseFailed
}

// signal must be called with t.mu held.
func (t *Tracker) signal() {
	close(t.notify)
	t.notify = make(chan struct{})
}

func (t *Tracker) SetPhase(phase Phase, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
	t.message = msg
	t.signal()
}

func (t *Tracker) SetFetched(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fetched = n
	t.signal()
}

func (t *Tracker) SetCandidates(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = n
	t.signal()
}

// ProbeFinished counts one finished probe.
func (t *Tracker) ProbeFinished(ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.probed++
	if !ok {
		t.failed++
	}
	t.signal()
}
