// Package config implements the hierarchical service config loader (C3):
// YAML-sourced broker/credential/subscription/publication settings with
// template-variable resolution and startup validation.
//
// Grounded on shingo-edge/config/config.go's Defaults()+Load(path)+Save(path)
// shape and its nested config structs, generalized from ShinGo's
// namespace/line-specific fields to the StandardMqtt/per-service sections
// spec.md §3/§6 names.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Connection holds the MQTT broker connection settings for one service.
type Connection struct {
	Broker               string `yaml:"broker"`
	Port                 int    `yaml:"port"`
	ClientID             string `yaml:"client_id"`
	Username             string `yaml:"username,omitempty"`
	Password             string `yaml:"password,omitempty"`
	KeepAliveS           int    `yaml:"keep_alive_s"`
	ConnectTimeoutS      int    `yaml:"connect_timeout_s"`
	ReconnectIntervalS   int    `yaml:"reconnect_interval_s"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	UseTLS               bool   `yaml:"use_tls"`
	CleanSession         bool   `yaml:"clean_session"`
}

// Topics holds the declared subscribe/publish key->pattern maps.
type Topics struct {
	Subscribe map[string]string `yaml:"subscribe"`
	Publish   map[string]string `yaml:"publish"`
}

// Messages holds protocol-level message handling settings.
type Messages struct {
	Version          string `yaml:"version"`
	EnableValidation bool   `yaml:"enable_validation"`
	MaxRetries       int    `yaml:"max_retries"`
	TimeoutS         int    `yaml:"timeout_s"`
}

// ServiceConfig is the fully resolved configuration for one service.
type ServiceConfig struct {
	ServiceName string     `yaml:"service_name"`
	Connection  Connection `yaml:"connection"`
	Topics      Topics     `yaml:"topics"`
	Messages    Messages   `yaml:"messages"`

	// MotionControl, CoderService, and Sample hold per-service sections
	// referenced in §6; unused ones are simply left zero for services that
	// don't need them.
	MotionControl MotionControlConfig `yaml:"motion_control,omitempty"`
	CoderService  CoderServiceConfig  `yaml:"coder_service,omitempty"`
	Sample        SampleConfig        `yaml:"sample,omitempty"`
}

// MotionControlConfig configures the Motion Adapter (C10).
type MotionControlConfig struct {
	MinPosition      int64   `yaml:"min_position"`
	MaxPosition      int64   `yaml:"max_position"`
	MMToPulseFactor  float64 `yaml:"mm_to_pulse_factor"`
	DefaultSpeed     int     `yaml:"default_speed"`
	HeightInit       float64 `yaml:"height_init"`
	TrayHeight       float64 `yaml:"tray_height"`
	CameraHeight     float64 `yaml:"camera_height"`
	CoderHeight      float64 `yaml:"coder_height"`
}

// CoderServiceConfig configures the Coder Gateway (C9).
type CoderServiceConfig struct {
	SocketAddress     string `yaml:"socket_address"`
	SocketPort        int    `yaml:"socket_port"`
	MaxClients        int    `yaml:"max_clients"`
	ReceiveBufferSize int    `yaml:"receive_buffer_size"`
	ClientTimeoutMS   int    `yaml:"client_timeout_ms"`
	ScanTimeoutMS     int    `yaml:"scan_timeout_ms"`
}

// SampleConfig is a placeholder section for services with no dedicated
// config needs beyond the common Connection/Topics/Messages triad.
type SampleConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
}

// ValidationResult carries fatal errors (abort startup) and non-fatal
// warnings from Load.
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

// OK reports whether there were no fatal errors.
func (v ValidationResult) OK() bool { return len(v.Errors) == 0 }

// Defaults returns a ServiceConfig with sane defaults for serviceName.
func Defaults(serviceName string) ServiceConfig {
	return ServiceConfig{
		ServiceName: serviceName,
		Connection: Connection{
			Broker:               "localhost",
			Port:                 1883,
			ClientID:             "IOS." + serviceName,
			KeepAliveS:           60,
			ConnectTimeoutS:      10,
			ReconnectIntervalS:   5,
			MaxReconnectAttempts: 10,
			CleanSession:         true,
		},
		Topics: Topics{
			Subscribe: map[string]string{},
			Publish:   map[string]string{},
		},
		Messages: Messages{
			Version:          "v1",
			EnableValidation: true,
			MaxRetries:       3,
			TimeoutS:         30,
		},
		MotionControl: MotionControlConfig{
			MinPosition:     0,
			MaxPosition:     220_000,
			MMToPulseFactor: 1000 * 100,
			DefaultSpeed:    100,
		},
		CoderService: CoderServiceConfig{
			SocketAddress:     "0.0.0.0",
			SocketPort:        9000,
			MaxClients:        16,
			ReceiveBufferSize: 4096,
			ClientTimeoutMS:   30_000,
			ScanTimeoutMS:     5000,
		},
	}
}

// Load reads a YAML config file from path over Defaults (so any field the
// file does not set keeps its default; a field the file sets to zero stays
// zero, except an empty client_id, which is repopulated), resolves template
// variables in every topic pattern, and validates the result. A missing file is not an error: Load falls back to Defaults.
func Load(path, serviceName string) (ServiceConfig, ValidationResult) {
	cfg := Defaults(serviceName)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, ValidationResult{Errors: []string{fmt.Sprintf("read config %s: %v", path, err)}}
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, ValidationResult{Errors: []string{fmt.Sprintf("parse config %s: %v", path, err)}}
		}
	}

	if cfg.Connection.ClientID == "" {
		cfg.Connection.ClientID = "IOS." + strings.ToLower(serviceName)
	}

	resolveTemplates(&cfg, serviceName)

	return cfg, validate(cfg)
}

// resolveTemplates substitutes {serviceName}, {version}, {timestamp}, and
// {environment} in every subscribe/publish pattern.
func resolveTemplates(cfg *ServiceConfig, serviceName string) {
	env := os.Getenv("IOS_ENVIRONMENT")
	if env == "" {
		env = "Production"
	}
	version := cfg.Messages.Version
	if version == "" {
		version = "v1"
	}
	replacer := strings.NewReplacer(
		"{serviceName}", strings.ToLower(serviceName),
		"{version}", version,
		"{timestamp}", time.Now().UTC().Format("20060102"),
		"{environment}", env,
	)
	for k, v := range cfg.Topics.Subscribe {
		cfg.Topics.Subscribe[k] = replacer.Replace(v)
	}
	for k, v := range cfg.Topics.Publish {
		cfg.Topics.Publish[k] = replacer.Replace(v)
	}
}

func validate(cfg ServiceConfig) ValidationResult {
	var result ValidationResult

	if cfg.Connection.Broker == "" {
		result.Errors = append(result.Errors, "connection.broker must not be empty")
	}
	if cfg.Connection.Port < 1 || cfg.Connection.Port > 65535 {
		result.Errors = append(result.Errors, "connection.port must be in 1..65535, got "+strconv.Itoa(cfg.Connection.Port))
	}
	if cfg.Connection.ClientID == "" {
		result.Errors = append(result.Errors, "connection.client_id must not be empty")
	}
	if len(cfg.Topics.Subscribe) == 0 && len(cfg.Topics.Publish) == 0 {
		result.Warnings = append(result.Warnings, "no topics declared for subscribe or publish")
	}

	return result
}

// Save writes cfg as YAML to path.
func Save(path string, cfg ServiceConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
