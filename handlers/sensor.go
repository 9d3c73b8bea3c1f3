package handlers

import (
	"encoding/json"
	"fmt"

	"github.com/caoyingjie21/IntelligentOutboundSystem/protocol"
	"github.com/caoyingjie21/IntelligentOutboundSystem/statestore"
)

// SensorHandler implements the sensor domain: a grating trigger records its
// direction and kicks off a vision height request.
type SensorHandler struct {
	BaseHandler
	store *statestore.Store
	pub   Publisher
}

// NewSensorHandler constructs the sensor handler.
func NewSensorHandler(store *statestore.Store, pub Publisher) *SensorHandler {
	return &SensorHandler{
		BaseHandler: BaseHandler{Topics: []string{"sensor/grating"}},
		store:       store,
		pub:         pub,
	}
}

func (h *SensorHandler) Handle(topic string, payload []byte) error {
	if topic != "sensor/grating" {
		return fmt.Errorf("sensor handler: unsupported topic %s", topic)
	}
	var trigger protocol.SensorTrigger
	if err := json.Unmarshal(payload, &trigger); err != nil {
		return fmt.Errorf("sensor handler: decode trigger: %w", err)
	}
	if trigger.Direction == "" {
		return fmt.Errorf("sensor handler: empty direction")
	}

	h.store.Set("sensor:grating", trigger.Direction)
	h.pub.PublishEnvelope("vision/height", protocol.TypeCommand, protocol.PriorityNormal, trigger)
	return nil
}
