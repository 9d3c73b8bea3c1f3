package handlers

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/caoyingjie21/IntelligentOutboundSystem/protocol"
	"github.com/caoyingjie21/IntelligentOutboundSystem/statestore"
)

const livenessWindow = 5 * time.Minute

// TaskCounter is implemented by the Workflow Engine to supply per-state task
// counts for the system status snapshot.
type TaskCounter interface {
	CountByStatus() map[string]int
}

// ConfigEffect applies a recognized config key's new value to the running
// service. Unrecognized keys are stored but have no effect.
type ConfigEffect func(value string) error

// SystemHandler implements the system domain: heartbeat liveness tracking,
// status snapshots, and config-update application.
//
// Grounded on shingo-edge/messaging/heartbeat.go's per-source liveness
// tracking and plc/manager.go's health-snapshot assembly pattern.
type SystemHandler struct {
	BaseHandler
	store   *statestore.Store
	pub     Publisher
	tasks   TaskCounter
	effects map[string]ConfigEffect
	now     func() time.Time
}

// NewSystemHandler constructs the system handler. effects maps recognized
// config keys (log_level, mqtt_reconnect_interval, task_timeout) to the
// function that applies a new value.
func NewSystemHandler(store *statestore.Store, pub Publisher, tasks TaskCounter, effects map[string]ConfigEffect) *SystemHandler {
	return &SystemHandler{
		BaseHandler: BaseHandler{Topics: []string{"system/heartbeat", "system/status", "system/config"}},
		store:       store,
		pub:         pub,
		tasks:       tasks,
		effects:     effects,
		now:         time.Now,
	}
}

func (h *SystemHandler) Handle(topic string, payload []byte) error {
	switch topic {
	case "system/heartbeat":
		return h.handleHeartbeat(payload)
	case "system/status":
		return h.handleStatusQuery(payload)
	case "system/config":
		return h.handleConfigUpdate(payload)
	}
	return fmt.Errorf("system handler: unsupported topic %s", topic)
}

func (h *SystemHandler) handleHeartbeat(payload []byte) error {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(payload, &hb); err != nil {
		return fmt.Errorf("system handler: decode heartbeat: %w", err)
	}
	h.store.Set("heartbeat:"+hb.Source+":last_seen", h.now().UTC())
	return nil
}

type sourceLiveness struct {
	Source   string    `json:"source"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

type statusSnapshot struct {
	TasksByStatus map[string]int   `json:"tasksByStatus"`
	Sources       []sourceLiveness `json:"sources"`
	MemAllocBytes uint64           `json:"memAllocBytes"`
	MemSysBytes   uint64           `json:"memSysBytes"`
	NumGoroutine  int              `json:"numGoroutine"`
	Timestamp     time.Time        `json:"timestamp"`
}

func (h *SystemHandler) handleStatusQuery(_ []byte) error {
	now := h.now().UTC()

	var sources []sourceLiveness
	for _, key := range h.store.Keys() {
		const suffix = ":last_seen"
		if !strings.HasPrefix(key, "heartbeat:") || !strings.HasSuffix(key, suffix) {
			continue
		}
		source := strings.TrimSuffix(strings.TrimPrefix(key, "heartbeat:"), suffix)
		lastSeen, _ := h.store.Get(key).(time.Time)
		status := "online"
		if now.Sub(lastSeen) >= livenessWindow {
			status = "offline"
		}
		sources = append(sources, sourceLiveness{Source: source, Status: status, LastSeen: lastSeen})
	}

	var tasksByStatus map[string]int
	if h.tasks != nil {
		tasksByStatus = h.tasks.CountByStatus()
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	snapshot := statusSnapshot{
		TasksByStatus: tasksByStatus,
		Sources:       sources,
		MemAllocBytes: mem.Alloc,
		MemSysBytes:   mem.Sys,
		NumGoroutine:  runtime.NumGoroutine(),
		Timestamp:     now,
	}

	h.pub.PublishEnvelope("system/status/snapshot", protocol.TypeResponse, protocol.PriorityNormal, snapshot)
	return nil
}

type configUpdate struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (h *SystemHandler) handleConfigUpdate(payload []byte) error {
	var upd configUpdate
	if err := json.Unmarshal(payload, &upd); err != nil {
		return fmt.Errorf("system handler: decode config update: %w", err)
	}

	h.store.Set("config:"+upd.Key, upd.Value)

	effect, recognized := h.effects[upd.Key]
	if !recognized {
		h.pub.PublishEnvelope("system/config/confirm", protocol.TypeNotification, protocol.PriorityNormal, upd)
		return nil
	}
	if err := effect(upd.Value); err != nil {
		h.pub.PublishEnvelope("system/config/error", protocol.TypeNotification, protocol.PriorityNormal, map[string]string{
			"key": upd.Key, "error": err.Error(),
		})
		return nil
	}
	h.pub.PublishEnvelope("system/config/confirm", protocol.TypeNotification, protocol.PriorityNormal, upd)
	return nil
}

// RecognizedConfigKeys lists the config keys with a defined runtime effect.
func RecognizedConfigKeys() []string {
	return []string{"log_level", "mqtt_reconnect_interval", "task_timeout"}
}
