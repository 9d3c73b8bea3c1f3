// Package workflow implements the Workflow Engine (C8): the long-running
// state machine that drives an outbound task through trigger -> height
// check -> motion -> code read -> order lookup -> completion, via
// enveloped messages on the bus.
//
// Grounded on shingo-edge/orders/manager.go's validated-transition shape
// (one method per inbound event, each checking the current state before
// mutating) and shingo-edge/changeover/machine.go's self-guarded-struct
// state machine, combined here into a per-task actor keyed by task id
// rather than one machine per production line.
package workflow

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caoyingjie21/IntelligentOutboundSystem/motion"
	"github.com/caoyingjie21/IntelligentOutboundSystem/protocol"
	"github.com/caoyingjie21/IntelligentOutboundSystem/registry"
	"github.com/caoyingjie21/IntelligentOutboundSystem/statestore"
)

// Publisher is the narrow surface the engine needs from the Bus Client:
// registry-keyed enveloped publish for the workflow's own wire contract,
// plus direct-topic publish for the ad hoc cancel/error topics named in
// spec.md §4.8/§7 that have no registry entry.
type Publisher interface {
	Publish(topicKey string, data interface{}, priority protocol.Priority, correlationID string) bool
	PublishEnvelope(topic string, typ protocol.Type, priority protocol.Priority, data interface{}) bool
}

// Additional registry keys the workflow needs beyond spec.md §4.2's nine
// mandatory registrations: the height-measurement request/result pair, the
// coder's per-read result, the workflow's own order-request (resolving
// spec.md §9's "request-then-consume" open question as a distinct topic
// from order.new, which is the external order service's reply), and the
// coder.odoo business event.
const (
	KeyVisionHeightRequest = "vision.height.request"
	KeyVisionHeightResult  = "vision.height.result"
	KeyVisionDetection     = "vision.detection"
	KeyCoderResult         = "coder.result"
	KeyMotionPosition      = "motion.position"
	KeyOrderRequest        = "order.request"
	KeyCoderOdoo           = "coder.odoo"
)

// RegisterTopics adds the workflow's non-mandatory topic keys to reg. Every
// service process that participates in the outbound workflow must call
// this against its own Registry instance so all processes resolve the same
// on-wire topic strings; registration is idempotent per registry.Register's
// contract.
func RegisterTopics(reg *registry.Registry) {
	reg.Register(KeyVisionHeightRequest, "ios/{version}/vision/camera/height/request", protocol.TypeRequest, "VisionHeightRequest")
	reg.Register(KeyVisionHeightResult, "ios/{version}/vision/camera/height/result", protocol.TypeEvent, "VisionHeightResult")
	reg.Register(KeyVisionDetection, "ios/{version}/vision/camera/detection", protocol.TypeEvent, "VisionDetection")
	reg.Register(KeyCoderResult, "ios/{version}/coder/service/result", protocol.TypeEvent, "CoderResult")
	reg.Register(KeyMotionPosition, "ios/{version}/motion/control/position", protocol.TypeEvent, "MotionPosition")
	reg.Register(KeyOrderRequest, "ios/{version}/order/system/request", protocol.TypeRequest, "OrderRequest")
	reg.Register(KeyCoderOdoo, "ios/{version}/coder/service/odoo", protocol.TypeNotification, "CoderOdoo")
}

// Engine owns all task-state mutations for the outbound workflow (spec.md
// §3 ownership rule). It exposes one Handle* method per inbound event
// named in spec.md §4.8's transition table, plus Cancel.
type Engine struct {
	pub      Publisher
	store    *statestore.Store
	geometry motion.GeometryConfig
	now      func() time.Time
	newID    func() string

	mu           sync.Mutex
	tasks        map[string]*Task
	seenTriggers map[string]string // trigger envelope message id -> task id
}

// NewEngine constructs an Engine. geometry supplies the constants the
// height-to-position formula (motion.TargetPositionMM) needs.
func NewEngine(pub Publisher, store *statestore.Store, geometry motion.GeometryConfig) *Engine {
	return &Engine{
		pub:          pub,
		store:        store,
		geometry:     geometry,
		now:          time.Now,
		newID:        uuid.NewString,
		tasks:        make(map[string]*Task),
		seenTriggers: make(map[string]string),
	}
}

// Task returns a snapshot of the task with the given id, if known.
func (e *Engine) Task(taskID string) (Snapshot, bool) {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	e.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot(), true
}

// CountByStatus returns the number of tasks currently in each status,
// satisfying the handlers.TaskCounter interface the System handler uses
// for its status snapshot (spec.md §4.7).
func (e *Engine) CountByStatus() map[string]int {
	e.mu.Lock()
	tasks := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		tasks = append(tasks, t)
	}
	e.mu.Unlock()

	out := make(map[string]int)
	for _, t := range tasks {
		t.mu.Lock()
		out[string(t.Status)]++
		t.mu.Unlock()
	}
	return out
}

// taskByCorrelation finds a task by exact correlation id match.
func (e *Engine) taskByCorrelation(correlationID string) *Task {
	if correlationID == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.tasks {
		if t.CorrelationID == correlationID {
			return t
		}
	}
	return nil
}

// taskByID finds a task by its task id.
func (e *Engine) taskByID(taskID string) *Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasks[taskID]
}

// oldestInStatus returns the longest-waiting task currently in status, used
// to resolve inbound events whose payload carries neither a task id nor a
// correlation id the peer preserved (coder.complete, order.new per spec.md
// §6's wire table). This implements spec.md §4.8 step 5's literal wording,
// "on the next order.new... it finalises the task": whichever task has been
// waiting longest in the relevant state claims the next such event.
func (e *Engine) oldestInStatus(status Status) *Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	var oldest *Task
	for _, t := range e.tasks {
		t.mu.Lock()
		match := t.Status == status
		created := t.CreatedAt
		t.mu.Unlock()
		if !match {
			continue
		}
		if oldest == nil {
			oldest = t
			continue
		}
		oldest.mu.Lock()
		older := created.Before(oldest.CreatedAt)
		oldest.mu.Unlock()
		if older {
			oldest = t
		}
	}
	return oldest
}

// resolveTask finds the task an inbound event belongs to: by correlation id
// first, then (for events whose peer doesn't preserve correlation) the
// oldest task currently in awaitStatus.
func (e *Engine) resolveTask(correlationID string, awaitStatus Status) *Task {
	if t := e.taskByCorrelation(correlationID); t != nil {
		return t
	}
	return e.oldestInStatus(awaitStatus)
}

// fail transitions task to Failed, records the error in the shared state
// store under task:<id>:error, and publishes a task-level error event
// (spec.md §7: "The Workflow Engine records task:<id>:error ... and
// publishes a task-level error event"). Caller must hold task.mu.
func (e *Engine) fail(task *Task, cause error) error {
	if task.terminal() {
		return nil
	}
	task.Error = cause.Error()
	task.Status = StatusFailed
	task.UpdatedAt = e.now().UTC()
	e.store.Set("task:"+task.TaskID+":error", task.Error)
	e.pub.PublishEnvelope("outbound/task/error", protocol.TypeNotification, protocol.PriorityHigh, map[string]string{
		"taskId": task.TaskID,
		"error":  task.Error,
	})
	log.Printf("workflow: task %s failed: %v", task.TaskID, cause)
	return fmt.Errorf("workflow: task %s: %w", task.TaskID, cause)
}

// transition advances task to next, stamping UpdatedAt. Caller must hold
// task.mu and must have already confirmed task is non-terminal.
func (e *Engine) transition(task *Task, next Status) {
	task.Status = next
	task.UpdatedAt = e.now().UTC()
}

// Cancel marks taskID Cancelled: it commands motion and vision to stop,
// clears the task's temporary/cache state-store keys, and marks the task
// terminal. Cancelling an already-terminal or unknown task is a no-op.
func (e *Engine) Cancel(taskID string) {
	task := e.taskByID(taskID)
	if task == nil {
		return
	}

	task.mu.Lock()
	if task.terminal() {
		task.mu.Unlock()
		return
	}
	task.Status = StatusCancelled
	task.UpdatedAt = e.now().UTC()
	task.mu.Unlock()

	e.pub.PublishEnvelope("motion/stop", protocol.TypeCommand, protocol.PriorityHigh, map[string]string{"taskId": taskID})
	e.pub.PublishEnvelope("vision/stop", protocol.TypeCommand, protocol.PriorityHigh, map[string]string{"taskId": taskID})

	prefix := "task:" + taskID + ":"
	for _, key := range e.store.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if strings.HasSuffix(key, "temp") || strings.HasSuffix(key, "cache") {
			e.store.Remove(key)
		}
	}
}
