package workflow

import (
	"sync"
	"time"
)

// Status is an outbound task's lifecycle state (spec.md §3, Workflow Task
// State).
type Status string

const (
	StatusCreated       Status = "Created"
	StatusHeightMeasured Status = "HeightMeasured"
	StatusMoving        Status = "Moving"
	StatusScanning      Status = "Scanning"
	StatusOrderPending  Status = "OrderPending"
	StatusCompleted     Status = "Completed"
	StatusFailed        Status = "Failed"
	StatusCancelled     Status = "Cancelled"
)

// Task is one outbound task's mutable state. Its own mutex both guards its
// fields and, by being held for the duration of each Handle* call in
// Engine, serialises per-task event processing (spec.md §5, P5).
//
// Grounded on changeover.Machine's self-guarded state-plus-mutex shape,
// generalized from a single fixed sequence to the outbound task's five
// non-terminal states.
type Task struct {
	mu sync.Mutex

	TaskID           string
	CorrelationID    string
	Status           Status
	Direction        string
	StackHeight      float64
	MeasuredHeight   *float64
	TargetPositionMM *float64
	Codes            []string
	OrderID          string
	Error            string
	CreatedAt        time.Time
	UpdatedAt        time.Time

	applied map[string]struct{} // message IDs already applied (P6)
}

// Snapshot is a read-only copy of Task, safe to hand to callers outside the
// engine (system/status queries, tests).
type Snapshot struct {
	TaskID           string
	CorrelationID    string
	Status           Status
	Direction        string
	StackHeight      float64
	MeasuredHeight   *float64
	TargetPositionMM *float64
	Codes            []string
	OrderID          string
	Error            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func newTask(id string, direction string, now time.Time) *Task {
	return &Task{
		TaskID:        id,
		CorrelationID: id,
		Status:        StatusCreated,
		Direction:     direction,
		CreatedAt:     now,
		UpdatedAt:     now,
		applied:       make(map[string]struct{}),
	}
}

// terminal reports whether the task's current status admits no further
// mutation (spec.md §3 invariant: "once terminal, no further field is
// mutated"). Caller must hold t.mu.
func (t *Task) terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// markApplied records messageID as applied to this task and reports
// whether it was new. A message id already recorded is a replay: the
// caller MUST treat it as a no-op (P6). Caller must hold t.mu.
func (t *Task) markApplied(messageID string) bool {
	if messageID == "" {
		return true // envelopes with no message id can't be deduped; always apply
	}
	if _, seen := t.applied[messageID]; seen {
		return false
	}
	t.applied[messageID] = struct{}{}
	return true
}

func (t *Task) snapshot() Snapshot {
	return Snapshot{
		TaskID:           t.TaskID,
		CorrelationID:    t.CorrelationID,
		Status:           t.Status,
		Direction:        t.Direction,
		StackHeight:      t.StackHeight,
		MeasuredHeight:   t.MeasuredHeight,
		TargetPositionMM: t.TargetPositionMM,
		Codes:            append([]string(nil), t.Codes...),
		OrderID:          t.OrderID,
		Error:            t.Error,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}
