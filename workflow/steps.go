package workflow

import (
	"fmt"
	"log"

	"github.com/caoyingjie21/IntelligentOutboundSystem/motion"
	"github.com/caoyingjie21/IntelligentOutboundSystem/protocol"
)

// HandleSensorTrigger implements spec.md §4.8 step 1: a grating trigger
// starts a new task and requests a height measurement. A replayed trigger
// envelope (same message id) is recognized before a second task is created,
// since the per-task idempotence key doesn't exist until a task does.
func (e *Engine) HandleSensorTrigger(env *protocol.Envelope) error {
	now := e.now().UTC()
	if env.IsExpired(now) {
		return nil
	}
	var trig protocol.SensorTrigger
	if err := env.DecodePayload(&trig); err != nil {
		return fmt.Errorf("workflow: decode sensor trigger: %w", err)
	}
	if trig.Direction == "" {
		return fmt.Errorf("workflow: sensor trigger: empty direction")
	}

	e.mu.Lock()
	if taskID, replay := e.seenTriggers[env.MessageID]; replay {
		e.mu.Unlock()
		log.Printf("workflow: duplicate trigger %s ignored (task %s already created)", env.MessageID, taskID)
		return nil
	}
	task := newTask(e.newID(), trig.Direction, now)
	e.tasks[task.TaskID] = task
	if env.MessageID != "" {
		e.seenTriggers[env.MessageID] = task.TaskID
	}
	e.mu.Unlock()

	task.mu.Lock()
	e.transition(task, StatusHeightMeasured)
	task.mu.Unlock()

	e.pub.Publish(KeyVisionHeightRequest, protocol.VisionHeightRequest{
		TaskID:    task.TaskID,
		Direction: task.Direction,
	}, protocol.PriorityNormal, task.CorrelationID)
	return nil
}

// HandleVisionHeightResult implements spec.md §4.8 step 2: on the measured
// minimum height, compute the target axis position from configured
// geometry and publish motion.move. The result's payload carries no task
// id (spec.md §6), so the task is resolved by the envelope's correlation
// id, falling back to the oldest task awaiting measurement.
func (e *Engine) HandleVisionHeightResult(env *protocol.Envelope) error {
	now := e.now().UTC()
	if env.IsExpired(now) {
		return nil
	}
	task := e.resolveTask(env.CorrelationID, StatusHeightMeasured)
	if task == nil {
		log.Printf("workflow: vision height result %s matches no waiting task", env.MessageID)
		return nil
	}

	task.mu.Lock()
	defer task.mu.Unlock()
	if task.terminal() || !task.markApplied(env.MessageID) {
		return nil
	}

	var result protocol.VisionHeightResult
	if err := env.DecodePayload(&result); err != nil {
		return e.fail(task, fmt.Errorf("decode vision height result: %w", err))
	}

	stackHeight := motion.StackHeight(e.geometry, result.MinHeight)
	target := motion.TargetPositionMM(e.geometry, task.Direction, stackHeight)

	height := result.MinHeight
	task.MeasuredHeight = &height
	task.StackHeight = stackHeight
	task.TargetPositionMM = &target
	e.transition(task, StatusMoving)

	e.pub.Publish("motion.move", protocol.MotionMove{
		TaskID:     task.TaskID,
		PositionMM: target,
	}, protocol.PriorityNormal, task.CorrelationID)
	return nil
}

// HandleMotionComplete implements spec.md §4.8 step 3: on motion
// completion, publish coder.start to begin the scan window. motion.complete
// carries an explicit TaskID (spec.md §6), used directly.
func (e *Engine) HandleMotionComplete(env *protocol.Envelope) error {
	now := e.now().UTC()
	if env.IsExpired(now) {
		return nil
	}
	var complete protocol.MotionComplete
	if err := env.DecodePayload(&complete); err != nil {
		return fmt.Errorf("workflow: decode motion complete: %w", err)
	}

	task := e.taskByID(complete.TaskID)
	if task == nil {
		task = e.resolveTask(env.CorrelationID, StatusMoving)
	}
	if task == nil {
		log.Printf("workflow: motion complete for unknown task %s", complete.TaskID)
		return nil
	}

	task.mu.Lock()
	defer task.mu.Unlock()
	if task.terminal() || !task.markApplied(env.MessageID) {
		return nil
	}

	if !complete.Success {
		return e.fail(task, fmt.Errorf("motion reported failure for task %s", task.TaskID))
	}

	e.transition(task, StatusScanning)
	e.pub.Publish("coder.start", protocol.CoderStart{
		Direction:   task.Direction,
		StackHeight: task.StackHeight,
	}, protocol.PriorityNormal, task.CorrelationID)
	return nil
}

// HandleCoderComplete implements spec.md §4.8 step 4/5's boundary: the
// coder service's collect window has closed, so the workflow records the
// scanned codes and requests an order lookup. coder.complete carries no
// task id (spec.md §6), so the task is resolved the same way as the height
// result.
func (e *Engine) HandleCoderComplete(env *protocol.Envelope) error {
	now := e.now().UTC()
	if env.IsExpired(now) {
		return nil
	}
	task := e.resolveTask(env.CorrelationID, StatusScanning)
	if task == nil {
		log.Printf("workflow: coder complete %s matches no scanning task", env.MessageID)
		return nil
	}

	task.mu.Lock()
	defer task.mu.Unlock()
	if task.terminal() || !task.markApplied(env.MessageID) {
		return nil
	}

	var complete protocol.CoderComplete
	if err := env.DecodePayload(&complete); err != nil {
		return e.fail(task, fmt.Errorf("decode coder complete: %w", err))
	}
	if !complete.Success {
		return e.fail(task, fmt.Errorf("coder reported failure: %s", complete.ErrorMessage))
	}

	task.Codes = append([]string(nil), complete.Codes...)
	e.transition(task, StatusOrderPending)

	e.pub.Publish(KeyOrderRequest, map[string]string{
		"taskId":    task.TaskID,
		"direction": task.Direction,
	}, protocol.PriorityNormal, task.CorrelationID)
	return nil
}

// HandleOrderNew implements spec.md §4.8 step 5: the next order.new
// finalises whichever task is awaiting one, publishing the coder.odoo
// business event. order.new carries no task id (spec.md §6): this is the
// request-then-consume pattern spec.md §9 mandates, resolved here by
// correlation id with a same fallback as the other untagged events.
func (e *Engine) HandleOrderNew(env *protocol.Envelope) error {
	now := e.now().UTC()
	if env.IsExpired(now) {
		return nil
	}
	task := e.resolveTask(env.CorrelationID, StatusOrderPending)
	if task == nil {
		log.Printf("workflow: order.new %s matches no pending task", env.MessageID)
		return nil
	}

	task.mu.Lock()
	defer task.mu.Unlock()
	if task.terminal() || !task.markApplied(env.MessageID) {
		return nil
	}

	var order protocol.OrderNew
	if err := env.DecodePayload(&order); err != nil {
		return e.fail(task, fmt.Errorf("decode order.new: %w", err))
	}

	task.OrderID = order.OrderID
	e.transition(task, StatusCompleted)

	e.pub.Publish(KeyCoderOdoo, protocol.CoderOdoo{
		OrderID:     task.OrderID,
		Codes:       append([]string(nil), task.Codes...),
		Direction:   task.Direction,
		StackHeight: task.StackHeight,
		Timestamp:   now,
	}, protocol.PriorityNormal, task.CorrelationID)
	return nil
}
