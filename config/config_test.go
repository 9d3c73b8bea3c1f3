package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsPopulatesClientID(t *testing.T) {
	cfg := Defaults("scheduler")
	if cfg.Connection.ClientID != "IOS.scheduler" {
		t.Errorf("ClientID = %q, want IOS.scheduler", cfg.Connection.ClientID)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, result := Load(filepath.Join(t.TempDir(), "missing.yaml"), "vision")
	if !result.OK() {
		t.Fatalf("result.Errors = %v, want none", result.Errors)
	}
	if cfg.Connection.Broker != "localhost" {
		t.Errorf("Broker = %q, want localhost default", cfg.Connection.Broker)
	}
}

func TestLoadResolvesTemplateVariables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	contents := `
service_name: motioncontrol
connection:
  broker: broker.local
  port: 1883
  client_id: ""
topics:
  subscribe:
    motion.move: "ios/{version}/motion/control/move"
  publish:
    motion.complete: "ios/{version}/motion/{serviceName}/complete"
messages:
  version: v1
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, result := Load(path, "MotionControl")
	if !result.OK() {
		t.Fatalf("errors = %v", result.Errors)
	}
	if cfg.Connection.ClientID != "IOS.motioncontrol" {
		t.Errorf("ClientID = %q, want IOS.motioncontrol", cfg.Connection.ClientID)
	}
	if got := cfg.Topics.Subscribe["motion.move"]; got != "ios/v1/motion/control/move" {
		t.Errorf("subscribe pattern = %q", got)
	}
	if got := cfg.Topics.Publish["motion.complete"]; got != "ios/v1/motion/motioncontrol/complete" {
		t.Errorf("publish pattern = %q", got)
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte("connection:\n  broker: x\n  port: 70000\n  client_id: c\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, result := Load(path, "svc")
	if result.OK() {
		t.Fatalf("expected validation error for out-of-range port")
	}
}

func TestValidateWarnsOnEmptyTopics(t *testing.T) {
	cfg := Defaults("svc")
	result := validate(cfg)
	if !result.OK() {
		t.Fatalf("errors = %v, want none", result.Errors)
	}
	if len(result.Warnings) == 0 {
		t.Errorf("expected a warning for empty topic sets")
	}
}
