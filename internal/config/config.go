package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type ViewerConfig struct {
	ID                  string     `toml:"id"`
	Transport           string     `toml:"transport"`
	Port                string     `toml:"port"`
	Baud                int        `toml:"baud"`
	Address             string     `toml:"address"`
	Path                string     `toml:"path"`
	HTTPAddr            string     `toml:"http_addr"`
	CorsOrigins         []string   `toml:"cors_origins"`
	Sizes               []int      `toml:"sizes"`
	MaxLineBytes        int        `toml:"max_line_bytes"`
	MaxFrameBytes       int        `toml:"max_frame_bytes"`
	DesyncPolicy        string     `toml:"desync_policy"`
	Heartbeat           string     `toml:"heartbeat"`
	Reconnect           bool       `toml:"reconnect"`
	ReconnectInitial    string     `toml:"reconnect_initial"`
	ReconnectMax        string     `toml:"reconnect_max"`
	ReconnectMultiplier float64    `toml:"reconnect_multiplier"`
	MQTT                MQTTConfig `toml:"mqtt"`
}

type MQTTConfig struct {
	Enabled       bool   `toml:"enabled"`
	Broker        string `toml:"broker"`
	ClientID      string `toml:"client_id"`
	TopicPrefix   string `toml:"topic_prefix"`
	Encoding      string `toml:"encoding"`
	IncludePixels bool   `toml:"include_pixels"`
	QoS           int    `toml:"qos"`
}

// Defaults is the file view of viewer.DefaultConfig. Keys missing from a
// config file keep these values.
func Defaults() ViewerConfig {
	return ViewerConfig{
		ID:                  "serialview",
		Transport:           "serial",
		Baud:                115200,
		HTTPAddr:            ":9300",
		CorsOrigins:         []string{"http://localhost:3000"},
		Sizes:               []int{96, 240},
		MaxLineBytes:        64 << 10,
		MaxFrameBytes:       1 << 20,
		DesyncPolicy:        "restart",
		Heartbeat:           "10s",
		Reconnect:           true,
		ReconnectInitial:    "500ms",
		ReconnectMax:        "10s",
		ReconnectMultiplier: 2,
		MQTT: MQTTConfig{
			Broker:      "tcp://127.0.0.1:1883",
			ClientID:    "serialview",
			TopicPrefix: "serialview",
			Encoding:    "json",
		},
	}
}

// LoadViewerConfig strictly parses a viewer config: unknown keys are errors.
func LoadViewerConfig(path string) (ViewerConfig, error) {
	cfg := Defaults()
	if err := loadToml(path, &cfg); err != nil {
		return ViewerConfig{}, err
	}
	if err := ValidateViewerConfig(cfg); err != nil {
		return ViewerConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateViewerConfig(cfg ViewerConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("viewer config missing id")
	}
	switch strings.TrimSpace(cfg.Transport) {
	case "serial":
		if strings.TrimSpace(cfg.Port) == "" {
			return fmt.Errorf("viewer config port required for serial transport")
		}
	case "tcp":
		if strings.TrimSpace(cfg.Address) == "" {
			return fmt.Errorf("viewer config address required for tcp transport")
		}
	case "file":
		if strings.TrimSpace(cfg.Path) == "" {
			return fmt.Errorf("viewer config path required for file transport")
		}
	default:
		return fmt.Errorf("viewer config unknown transport: %q", cfg.Transport)
	}
	if cfg.Baud < 0 {
		return fmt.Errorf("viewer config baud must not be negative")
	}
	if cfg.MaxLineBytes < 0 || cfg.MaxFrameBytes < 0 {
		return fmt.Errorf("viewer config limits must not be negative")
	}
	for i, side := range cfg.Sizes {
		if side <= 0 {
			return fmt.Errorf("sizes[%d] invalid: %d", i, side)
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.DesyncPolicy)) {
	case "", "restart", "error", "resync":
	default:
		return fmt.Errorf("viewer config unknown desync_policy: %q", cfg.DesyncPolicy)
	}
	for key, raw := range map[string]string{
		"heartbeat":         cfg.Heartbeat,
		"reconnect_initial": cfg.ReconnectInitial,
		"reconnect_max":     cfg.ReconnectMax,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, err := time.ParseDuration(strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("viewer config %s invalid: %w", key, err)
		}
	}
	if err := ValidateMQTTConfig(cfg.MQTT); err != nil {
		return fmt.Errorf("mqtt invalid: %w", err)
	}
	return nil
}

func ValidateMQTTConfig(cfg MQTTConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Broker) == "" {
		return fmt.Errorf("broker is required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Encoding)) {
	case "", "json", "msgpack":
	default:
		return fmt.Errorf("unknown encoding: %q", cfg.Encoding)
	}
	if cfg.QoS < 0 || cfg.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2")
	}
	return nil
}
