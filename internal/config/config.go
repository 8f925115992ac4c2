// Package config handles hub client configuration from environment variables
// and the alias catalog file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/markus-barta/harmonyfast/internal/protocol"
)

// Timing holds the per-kind deadlines and pacing of the hub client.
type Timing struct {
	ActivityTimeout    time.Duration // startactivity response deadline
	StatusTimeout      time.Duration // getCurrentActivity response deadline
	PulseTimeout       time.Duration // each half of a press/release pulse
	PulseGap           time.Duration // pause between press and release
	SinglePressTimeout time.Duration // used when PressRelease is off
	DeviceThrottle     time.Duration // minimum spacing between device commands
	PressRelease       bool
}

// TimeoutFor returns the response deadline for a command kind.
func (t Timing) TimeoutFor(kind protocol.Kind) time.Duration {
	switch kind {
	case protocol.KindActivity:
		return t.ActivityTimeout
	case protocol.KindStatus:
		return t.StatusTimeout
	default:
		if t.PressRelease {
			return t.PulseTimeout
		}
		return t.SinglePressTimeout
	}
}

// Config holds all client configuration.
type Config struct {
	// Hub
	HubIP       string // hub address on the LAN
	RemoteID    string // hub remote id, sent in every envelope
	CatalogPath string // YAML alias catalog

	Timing Timing

	// Connection
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	PingInterval time.Duration

	// Status refresh while serving
	StatusPoll     time.Duration // 0 disables polling
	TimeoutRefresh time.Duration // delay of the status query after a timeout

	// Control surfaces
	ListenAddr   string // HTTP API
	APITokenHash string // bcrypt hash; empty disables auth
	MQTTURL      string // remote broker, e.g. mqtt://localhost:1883
	MQTTTopic    string // topic prefix
	MQTTEmbedded string // listen address of an in-process broker

	LogLevel string
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		CatalogPath: "harmony.yaml",
		Timing: Timing{
			ActivityTimeout:    3 * time.Second,
			StatusTimeout:      2 * time.Second,
			PulseTimeout:       200 * time.Millisecond,
			PulseGap:           50 * time.Millisecond,
			SinglePressTimeout: time.Second,
			DeviceThrottle:     40 * time.Millisecond,
			PressRelease:       true,
		},
		BackoffBase:    250 * time.Millisecond,
		BackoffMax:     30 * time.Second,
		PingInterval:   20 * time.Second,
		StatusPoll:     10 * time.Second,
		TimeoutRefresh: 3 * time.Second,
		ListenAddr:     "127.0.0.1:8089",
		MQTTTopic:      "harmony",
		LogLevel:       "info",
	}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	// Required
	cfg.HubIP = os.Getenv("HARMONY_HUB_IP")
	if cfg.HubIP == "" {
		return nil, errors.New("HARMONY_HUB_IP is required")
	}

	cfg.RemoteID = os.Getenv("HARMONY_REMOTE_ID")
	if cfg.RemoteID == "" {
		return nil, errors.New("HARMONY_REMOTE_ID is required")
	}

	// Optional
	if path := os.Getenv("HARMONY_CONFIG"); path != "" {
		cfg.CatalogPath = path
	}
	if level := os.Getenv("HARMONY_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"HARMONY_ACTIVITY_TIMEOUT", &cfg.Timing.ActivityTimeout},
		{"HARMONY_STATUS_TIMEOUT", &cfg.Timing.StatusTimeout},
		{"HARMONY_PULSE_TIMEOUT", &cfg.Timing.PulseTimeout},
		{"HARMONY_PULSE_GAP", &cfg.Timing.PulseGap},
		{"HARMONY_DEVICE_THROTTLE", &cfg.Timing.DeviceThrottle},
		{"HARMONY_BACKOFF_BASE", &cfg.BackoffBase},
		{"HARMONY_BACKOFF_MAX", &cfg.BackoffMax},
		{"HARMONY_PING_INTERVAL", &cfg.PingInterval},
		{"HARMONY_STATUS_POLL", &cfg.StatusPoll},
		{"HARMONY_TIMEOUT_REFRESH", &cfg.TimeoutRefresh},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.env, err)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("HARMONY_PRESS_RELEASE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.New("HARMONY_PRESS_RELEASE must be true or false")
		}
		cfg.Timing.PressRelease = b
	}

	if addr := os.Getenv("HARMONY_LISTEN"); addr != "" {
		cfg.ListenAddr = addr
	}
	cfg.APITokenHash = os.Getenv("HARMONY_API_TOKEN_HASH")
	cfg.MQTTURL = os.Getenv("HARMONY_MQTT_URL")
	if topic := os.Getenv("HARMONY_MQTT_TOPIC"); topic != "" {
		cfg.MQTTTopic = strings.TrimSuffix(topic, "/")
	}
	cfg.MQTTEmbedded = os.Getenv("HARMONY_MQTT_EMBEDDED")

	return cfg, cfg.Validate()
}

// ParseDuration accepts Go duration syntax ("250ms") or plain seconds ("0.2").
func ParseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// HubURL returns the WebSocket address of the configured hub.
func (c *Config) HubURL() string {
	return protocol.HubURL(c.HubIP, c.RemoteID)
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.HubIP == "" {
		return errors.New("hub IP is required")
	}
	if c.RemoteID == "" {
		return errors.New("remote id is required")
	}
	t := c.Timing
	if t.ActivityTimeout <= 0 || t.StatusTimeout <= 0 || t.PulseTimeout <= 0 || t.SinglePressTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if t.PulseGap < 0 || t.DeviceThrottle < 0 {
		return errors.New("pulse gap and device throttle must not be negative")
	}
	if c.StatusPoll < 0 || c.TimeoutRefresh < 0 {
		return errors.New("status poll and timeout refresh must not be negative")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return errors.New("backoff base must be positive and not exceed backoff max")
	}
	return nil
}
