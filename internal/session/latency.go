package session

import (
	"sync"
	"time"
)

// Canonical latency mark labels recorded by the orchestrator.
const (
	MarkAudioReceived   = "audio_received"
	MarkTranscriptReady = "transcript_ready"
	MarkLLMComplete     = "llm_complete"
	MarkAudioSent       = "audio_sent"
)

// StageDurations holds the derived per-turn stage timings.
type StageDurations struct {
	Recognition time.Duration `json:"recognition_ms"`
	Generation  time.Duration `json:"generation_ms"`
	Synthesis   time.Duration `json:"synthesis_ms"`
	EndToEnd    time.Duration `json:"end_to_end_ms"`
}

// Tracker records timestamped event marks for one call and derives stage
// durations. Safe for concurrent use; reset between turns.
type Tracker struct {
	mu    sync.Mutex
	now   func() time.Time
	marks map[string]time.Time
}

// NewTracker builds a tracker using the wall clock.
func NewTracker() *Tracker {
	return newTrackerAt(time.Now)
}

func newTrackerAt(now func() time.Time) *Tracker {
	return &Tracker{now: now, marks: make(map[string]time.Time)}
}

// Mark records "now" under the label. The first mark per label wins within a
// turn so repeated audio frames do not move the turn's start point.
func (t *Tracker) Mark(label string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.marks[label]; !ok {
		t.marks[label] = t.now()
	}
}

// MarkLatest records "now" under the label, replacing any earlier mark.
// Used where the last occurrence in a turn is the meaningful one, such as
// the final audio segment going out.
func (t *Tracker) MarkLatest(label string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.marks[label] = t.now()
}

// Measure returns the duration between two marks, or zero when either mark
// is absent or out of order. It never fails.
func (t *Tracker) Measure(from, to string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.measureLocked(from, to)
}

func (t *Tracker) measureLocked(from, to string) time.Duration {
	start, ok := t.marks[from]
	if !ok {
		return 0
	}
	end, ok := t.marks[to]
	if !ok || end.Before(start) {
		return 0
	}
	return end.Sub(start)
}

// Snapshot returns the four canonical stage durations.
func (t *Tracker) Snapshot() StageDurations {
	t.mu.Lock()
	defer t.mu.Unlock()
	return StageDurations{
		Recognition: t.measureLocked(MarkAudioReceived, MarkTranscriptReady),
		Generation:  t.measureLocked(MarkTranscriptReady, MarkLLMComplete),
		Synthesis:   t.measureLocked(MarkLLMComplete, MarkAudioSent),
		EndToEnd:    t.measureLocked(MarkAudioReceived, MarkAudioSent),
	}
}

// Reset clears all marks for reuse on the next turn.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.marks {
		delete(t.marks, k)
	}
}

// Aggregator keeps a bounded rolling history of stage durations across ended
// calls and exposes running averages. Operational visibility only; nothing
// in the pipeline keys off these numbers.
type Aggregator struct {
	mu       sync.Mutex
	capacity int
	history  []StageDurations
	next     int
	filled   bool
}

// NewAggregator builds an aggregator holding up to capacity samples; the
// oldest sample is evicted first.
func NewAggregator(capacity int) *Aggregator {
	if capacity <= 0 {
		capacity = 100
	}
	return &Aggregator{capacity: capacity, history: make([]StageDurations, capacity)}
}

// Record appends one turn's stage durations.
func (a *Aggregator) Record(s StageDurations) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history[a.next] = s
	a.next++
	if a.next == a.capacity {
		a.next = 0
		a.filled = true
	}
}

// Averages returns the running mean per stage and the sample count.
func (a *Aggregator) Averages() (StageDurations, int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.next
	if a.filled {
		n = a.capacity
	}
	if n == 0 {
		return StageDurations{}, 0
	}

	var sum StageDurations
	for i := 0; i < n; i++ {
		sum.Recognition += a.history[i].Recognition
		sum.Generation += a.history[i].Generation
		sum.Synthesis += a.history[i].Synthesis
		sum.EndToEnd += a.history[i].EndToEnd
	}
	d := time.Duration(n)
	return StageDurations{
		Recognition: sum.Recognition / d,
		Generation:  sum.Generation / d,
		Synthesis:   sum.Synthesis / d,
		EndToEnd:    sum.EndToEnd / d,
	}, n
}
