package handlers

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/caoyingjie21/IntelligentOutboundSystem/protocol"
	"github.com/caoyingjie21/IntelligentOutboundSystem/statestore"
)

// MotionHandler records motion completion/position events under per-task
// and global keys and publishes a motion/next_step notification on
// completion. The Workflow Engine does not consume that notification; it
// advances on motion.complete itself.
type MotionHandler struct {
	BaseHandler
	store *statestore.Store
	pub   Publisher
	now   func() time.Time
}

// NewMotionHandler constructs the motion handler.
func NewMotionHandler(store *statestore.Store, pub Publisher) *MotionHandler {
	return &MotionHandler{
		BaseHandler: BaseHandler{Topics: []string{"motion/moving/complete", "motion/position"}},
		store:       store,
		pub:         pub,
		now:         time.Now,
	}
}

func (h *MotionHandler) Handle(topic string, payload []byte) error {
	switch topic {
	case "motion/moving/complete":
		return h.handleComplete(payload)
	case "motion/position":
		return h.handlePosition(payload)
	}
	return fmt.Errorf("motion handler: unsupported topic %s", topic)
}

func (h *MotionHandler) handleComplete(payload []byte) error {
	var complete protocol.MotionComplete
	if err := json.Unmarshal(payload, &complete); err != nil {
		return fmt.Errorf("motion handler: decode complete: %w", err)
	}
	h.store.Set("task:"+complete.TaskID+":motion_status", "completed")
	h.store.Set("task:"+complete.TaskID+":final_position", complete.FinalPosition)
	h.pub.PublishEnvelope("motion/next_step", protocol.TypeNotification, protocol.PriorityNormal, complete)
	return nil
}

func (h *MotionHandler) handlePosition(payload []byte) error {
	var pos protocol.MotionPosition
	if err := json.Unmarshal(payload, &pos); err != nil {
		return fmt.Errorf("motion handler: decode position: %w", err)
	}
	h.store.Set("motion:current_position", pos)
	h.store.Set("motion:last_update", h.now().UTC())
	return nil
}
