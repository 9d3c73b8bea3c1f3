package handlers

import (
	"encoding/json"
	"fmt"

	"github.com/caoyingjie21/IntelligentOutboundSystem/protocol"
	"github.com/caoyingjie21/IntelligentOutboundSystem/statestore"
)

// VisionHandler records detections, height measurements, and generic
// vision results under per-task shared-state keys.
type VisionHandler struct {
	BaseHandler
	store *statestore.Store
}

// NewVisionHandler constructs the vision handler.
func NewVisionHandler(store *statestore.Store) *VisionHandler {
	return &VisionHandler{
		BaseHandler: BaseHandler{Topics: []string{"vision/detection", "vision/height/result", "vision/result"}},
		store:       store,
	}
}

func (h *VisionHandler) Handle(topic string, payload []byte) error {
	switch topic {
	case "vision/detection":
		return h.handleDetection(payload)
	case "vision/height/result":
		return h.handleHeightResult(payload)
	case "vision/result":
		return h.handleResult(payload)
	}
	return fmt.Errorf("vision handler: unsupported topic %s", topic)
}

func (h *VisionHandler) handleDetection(payload []byte) error {
	var det protocol.VisionDetection
	if err := json.Unmarshal(payload, &det); err != nil {
		return fmt.Errorf("vision handler: decode detection: %w", err)
	}
	for i := range det.DetectedObjects {
		det.DetectedObjects[i].Type = classifyDetection(det.DetectedObjects[i].Type)
	}
	h.store.Set("vision:"+det.TaskID+":detection", det)
	return nil
}

// classifyDetection normalizes a detected object's type label into one of
// the recognized categories, defaulting unknown labels to "unknown" rather
// than dropping them.
func classifyDetection(raw string) string {
	switch raw {
	case "package", "qrcode", "barcode":
		return raw
	default:
		return "unknown"
	}
}

func (h *VisionHandler) handleHeightResult(payload []byte) error {
	var result protocol.VisionHeightResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return fmt.Errorf("vision handler: decode height result: %w", err)
	}
	h.store.Set("min_height", result.MinHeight)
	return nil
}

func (h *VisionHandler) handleResult(payload []byte) error {
	var raw json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return fmt.Errorf("vision handler: decode result: %w", err)
	}
	var withTask struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(payload, &withTask); err != nil {
		return fmt.Errorf("vision handler: decode result task id: %w", err)
	}
	h.store.Set("vision:"+withTask.TaskID+":result", raw)
	return nil
}
