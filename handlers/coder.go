package handlers

import (
	"encoding/json"
	"fmt"
	"unicode"

	"github.com/caoyingjie21/IntelligentOutboundSystem/protocol"
	"github.com/caoyingjie21/IntelligentOutboundSystem/statestore"
)

// CoderHandler validates scanned codes, recording each under per-task keys,
// and records coder completion under the single global coder:status key;
// completion status is not tracked per task.
type CoderHandler struct {
	BaseHandler
	store *statestore.Store
	pub   Publisher
}

// NewCoderHandler constructs the coder handler.
func NewCoderHandler(store *statestore.Store, pub Publisher) *CoderHandler {
	return &CoderHandler{
		BaseHandler: BaseHandler{Topics: []string{"coder/result", "coder/complete"}},
		store:       store,
		pub:         pub,
	}
}

func (h *CoderHandler) Handle(topic string, payload []byte) error {
	switch topic {
	case "coder/result":
		return h.handleResult(payload)
	case "coder/complete":
		return h.handleComplete(payload)
	}
	return fmt.Errorf("coder handler: unsupported topic %s", topic)
}

func (h *CoderHandler) handleResult(payload []byte) error {
	var result protocol.CoderResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return fmt.Errorf("coder handler: decode result: %w", err)
	}

	h.store.Set("task:"+result.TaskID+":code", result.Code)
	h.store.Set("task:"+result.TaskID+":code_type", result.CodeType)

	if err := validateCode(result.CodeType, result.Code); err != nil {
		h.pub.PublishEnvelope("coder/validation/failed", protocol.TypeNotification, protocol.PriorityNormal, map[string]string{
			"taskId": result.TaskID, "code": result.Code, "reason": err.Error(),
		})
		return nil
	}
	h.pub.PublishEnvelope("coder/validation/success", protocol.TypeNotification, protocol.PriorityNormal, result)
	return nil
}

func (h *CoderHandler) handleComplete(payload []byte) error {
	var complete protocol.CoderComplete
	if err := json.Unmarshal(payload, &complete); err != nil {
		return fmt.Errorf("coder handler: decode complete: %w", err)
	}
	h.store.Set("coder:status", "completed")
	return nil
}

// validateCode enforces the per-type format rules from spec.md §4.7:
// QR codes are 3..1000 characters; barcodes are 8..20 digits; datamatrix
// codes are non-empty and at least 3 characters.
func validateCode(codeType, code string) error {
	switch codeType {
	case "qrcode":
		if len(code) < 3 || len(code) > 1000 {
			return fmt.Errorf("qrcode length %d out of range [3,1000]", len(code))
		}
	case "barcode":
		if len(code) < 8 || len(code) > 20 {
			return fmt.Errorf("barcode length %d out of range [8,20]", len(code))
		}
		for _, r := range code {
			if !unicode.IsDigit(r) {
				return fmt.Errorf("barcode contains non-digit character %q", r)
			}
		}
	case "datamatrix":
		if len(code) < 3 {
			return fmt.Errorf("datamatrix length %d below minimum 3", len(code))
		}
	default:
		return fmt.Errorf("unrecognized code type %q", codeType)
	}
	return nil
}
