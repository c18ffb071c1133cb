package clone

import (
	"sync"

	"github.com/rcliao/content-engine/internal/model"
)

// Progress is a snapshot of a clone's revision-copy batches.
type Progress struct {
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Status    string `json:"status"`
}

// Tracker counts batch outcomes for one clone. The package settles READY
// when every batch completed and FAILED on the first failure. A batch that
// never reports keeps it PROCESSING.
type Tracker struct {
	mu        sync.Mutex
	total     int
	completed int
	failed    int
	status    string
	settled   chan struct{}
	onSettle  func(status string)
}

// NewTracker expects total reports. onSettle runs once, outside the
// tracker's lock, on the goroutine of the deciding report.
func NewTracker(total int, onSettle func(status string)) *Tracker {
	return &Tracker{
		total:    total,
		status:   model.BuildProcessing,
		settled:  make(chan struct{}),
		onSettle: onSettle,
	}
}

// start settles an empty clone immediately.
func (t *Tracker) start() {
	t.mu.Lock()
	if t.total != 0 || t.status != model.BuildProcessing {
		t.mu.Unlock()
		return
	}
	t.status = model.BuildReady
	t.mu.Unlock()
	t.settle(model.BuildReady)
}

// Report records the outcome of one batch.
func (t *Tracker) Report(err error) {
	t.mu.Lock()
	if err != nil {
		t.failed++
	} else {
		t.completed++
	}
	decided := ""
	if t.status == model.BuildProcessing {
		switch {
		case t.failed > 0:
			decided = model.BuildFailed
		case t.completed == t.total:
			decided = model.BuildReady
		}
		if decided != "" {
			t.status = decided
		}
	}
	t.mu.Unlock()

	if decided != "" {
		t.settle(decided)
	}
}

func (t *Tracker) settle(status string) {
	if t.onSettle != nil {
		t.onSettle(status)
	}
	close(t.settled)
}

// Settled is closed once the outcome is decided and onSettle returned.
func (t *Tracker) Settled() <-chan struct{} {
	return t.settled
}

// Progress returns the current counts.
func (t *Tracker) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Progress{Total: t.total, Completed: t.completed, Failed: t.failed, Status: t.status}
}
