package pipeline

import (
	"math"
	"time"

	"game-download-coordinator/models"
)

const (
	DefaultSampleCapacity = 10
	DefaultSampleWindow   = 10 * time.Second
	speedHistoryCapacity  = 60
)

type speedSample struct {
	bytes int64
	at    time.Time
}

// speedEntry is a fixed-capacity ring of samples for one task.
type speedEntry struct {
	ring   []speedSample
	head   int // index of the oldest sample
	count  int
	frozen bool
	rate   float64 // rate captured by Freeze
	rateOK bool
}

func (e *speedEntry) at(i int) speedSample {
	return e.ring[(e.head+i)%len(e.ring)]
}

func (e *speedEntry) push(s speedSample) {
	if e.count == len(e.ring) {
		e.head = (e.head + 1) % len(e.ring)
		e.count--
	}
	e.ring[(e.head+e.count)%len(e.ring)] = s
	e.count++
}

func (e *speedEntry) popOldest() {
	e.head = (e.head + 1) % len(e.ring)
	e.count--
}

func (e *speedEntry) reset() {
	e.head, e.count = 0, 0
}

func (e *speedEntry) computeRate() (float64, bool) {
	if e.count < 2 {
		return 0, false
	}
	oldest, newest := e.at(0), e.at(e.count-1)
	span := newest.at.Sub(oldest.at).Seconds()
	if span <= 0 {
		return 0, false
	}
	var sum int64
	for i := 1; i < e.count; i++ {
		sum += e.at(i).bytes
	}
	return float64(sum) / span, true
}

// SpeedPoint is one entry of the global download speed history.
type SpeedPoint struct {
	At  time.Time
	BPS float64
}

// Aggregator keeps rolling transfer-rate samples per task. Tasks are looked
// up by id on demand and may disappear between samples.
//
// Aggregator is not safe for concurrent use; the Engine serializes access.
type Aggregator struct {
	capacity int
	window   time.Duration
	entries  map[string]*speedEntry
	lookup   func(taskID string) (models.Task, bool)

	history     [speedHistoryCapacity]SpeedPoint
	historyHead int
	historyLen  int
}

func NewAggregator(capacity int, window time.Duration, lookup func(string) (models.Task, bool)) *Aggregator {
	if capacity < 2 {
		capacity = DefaultSampleCapacity
	}
	if window <= 0 {
		window = DefaultSampleWindow
	}
	if lookup == nil {
		lookup = func(string) (models.Task, bool) { return models.Task{}, false }
	}
	return &Aggregator{
		capacity: capacity,
		window:   window,
		entries:  make(map[string]*speedEntry),
		lookup:   lookup,
	}
}

// RecordSample appends bytesDelta observed at ts. Samples older than the
// window, out-of-order samples and samples for frozen tasks are dropped.
func (a *Aggregator) RecordSample(taskID string, bytesDelta int64, ts time.Time) {
	e, ok := a.entries[taskID]
	if !ok {
		e = &speedEntry{ring: make([]speedSample, a.capacity)}
		a.entries[taskID] = e
	}
	if e.frozen {
		return
	}
	if e.count > 0 && ts.Before(e.at(e.count-1).at) {
		return
	}

	e.push(speedSample{bytes: bytesDelta, at: ts})
	for e.count > 1 && ts.Sub(e.at(0).at) > a.window {
		e.popOldest()
	}

	a.recordTotal(ts)
}

// CurrentRate returns bytes per second over the buffered samples. A frozen
// task reports the rate it had when it was frozen.
func (a *Aggregator) CurrentRate(taskID string) (float64, bool) {
	e, ok := a.entries[taskID]
	if !ok {
		return 0, false
	}
	if e.frozen {
		return e.rate, e.rateOK
	}
	return e.computeRate()
}

// EstimatedTimeRemaining divides the bytes left by the current rate. It has
// no answer when the rate is unknown or zero, or the total size is unknown.
func (a *Aggregator) EstimatedTimeRemaining(taskID string) (time.Duration, bool) {
	rate, ok := a.CurrentRate(taskID)
	if !ok || rate <= 0 {
		return 0, false
	}
	task, ok := a.lookup(taskID)
	if !ok || task.TotalSize <= 0 {
		return 0, false
	}
	remaining := task.TotalSize - task.BytesTransferred
	if remaining <= 0 {
		return 0, true
	}
	ns := float64(remaining) / rate * float64(time.Second)
	if ns >= math.MaxInt64 {
		return time.Duration(math.MaxInt64), true
	}
	return time.Duration(ns), true
}

// Freeze keeps the current rate for display while the task is paused.
func (a *Aggregator) Freeze(taskID string) {
	e, ok := a.entries[taskID]
	if !ok || e.frozen {
		return
	}
	e.rate, e.rateOK = e.computeRate()
	e.frozen = true
	e.reset()
}

// Thaw starts a fresh sampling window after a resume.
func (a *Aggregator) Thaw(taskID string) {
	e, ok := a.entries[taskID]
	if !ok {
		return
	}
	e.frozen = false
	e.rate, e.rateOK = 0, false
	e.reset()
}

// Reset drops buffered samples, e.g. when the backend restarts a transfer.
func (a *Aggregator) Reset(taskID string) {
	if e, ok := a.entries[taskID]; ok && !e.frozen {
		e.reset()
	}
}

// Purge forgets a task's samples and frozen rate.
func (a *Aggregator) Purge(taskID string) {
	delete(a.entries, taskID)
}

func (a *Aggregator) Tracked(taskID string) bool {
	_, ok := a.entries[taskID]
	return ok
}

// Speeds returns the aggregate speed history, oldest first.
func (a *Aggregator) Speeds() []SpeedPoint {
	out := make([]SpeedPoint, a.historyLen)
	for i := 0; i < a.historyLen; i++ {
		out[i] = a.history[(a.historyHead+i)%speedHistoryCapacity]
	}
	return out
}

func (a *Aggregator) recordTotal(ts time.Time) {
	var total float64
	for _, e := range a.entries {
		if e.frozen {
			continue
		}
		if r, ok := e.computeRate(); ok {
			total += r
		}
	}
	p := SpeedPoint{At: ts, BPS: total}
	if a.historyLen == speedHistoryCapacity {
		a.history[a.historyHead] = p
		a.historyHead = (a.historyHead + 1) % speedHistoryCapacity
		return
	}
	a.history[(a.historyHead+a.historyLen)%speedHistoryCapacity] = p
	a.historyLen++
}
