package queue

import (
	"context"
	"sync"
	"time"
)

// Job is a unit of deferred work. Jobs sharing a tag can be cancelled as a
// group, which is how a paused campaign drops its pending ticks.
type Job struct {
	Tag string
	Run func(ctx context.Context)
}

// JobQueue defers jobs by a delay. Pacing state lives in memory; after a
// restart the owner re-arms from persisted campaign and lead state.
type JobQueue interface {
	Enqueue(job Job, delay time.Duration)
	CancelAll(tag string)
	Close()
}

// TimerQueue is the in-process JobQueue backed by runtime timers.
type TimerQueue struct {
	mu     sync.Mutex
	timers map[string]map[int64]*time.Timer
	seq    int64
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// NewTimerQueue builds an empty queue.
func NewTimerQueue() *TimerQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerQueue{
		timers: make(map[string]map[int64]*time.Timer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue arms the job to run after delay. A non-positive delay still goes
// through the timer path so Enqueue never runs the job on the caller's
// goroutine.
func (q *TimerQueue) Enqueue(job Job, delay time.Duration) {
	if job.Run == nil {
		return
	}
	if delay < 0 {
		delay = 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	q.seq++
	id := q.seq
	if q.timers[job.Tag] == nil {
		q.timers[job.Tag] = make(map[int64]*time.Timer)
	}

	q.timers[job.Tag][id] = time.AfterFunc(delay, func() {
		if !q.take(job.Tag, id) {
			return
		}
		job.Run(q.ctx)
	})
}

// take claims a fired timer; it reports false when the job was cancelled
// between firing and claiming.
func (q *TimerQueue) take(tag string, id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	set, ok := q.timers[tag]
	if !ok {
		return false
	}
	if _, ok := set[id]; !ok {
		return false
	}
	delete(set, id)
	if len(set) == 0 {
		delete(q.timers, tag)
	}
	return !q.closed
}

// CancelAll drops every pending job carrying the tag. Jobs already running
// are not interrupted; they observe cancellation through their context after
// Close, or through their own state checks.
func (q *TimerQueue) CancelAll(tag string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.timers[tag] {
		t.Stop()
	}
	delete(q.timers, tag)
}

// Close cancels all pending jobs and the context passed to running ones.
func (q *TimerQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for tag, set := range q.timers {
		for _, t := range set {
			t.Stop()
		}
		delete(q.timers, tag)
	}
	q.mu.Unlock()
	q.cancel()
}

// Pending reports the number of armed jobs for the tag.
func (q *TimerQueue) Pending(tag string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers[tag])
}
