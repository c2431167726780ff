package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/serialview/internal/protocol/frame"
	"github.com/danmuck/serialview/internal/viewer"
	"github.com/rs/zerolog/log"
)

type fileConfig struct {
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
	MQTT                mqttConfig `toml:"mqtt"`
}

type mqttConfig struct {
	Enabled       bool   `toml:"enabled"`
	Broker        string `toml:"broker"`
	ClientID      string `toml:"client_id"`
	TopicPrefix   string `toml:"topic_prefix"`
	Encoding      string `toml:"encoding"`
	IncludePixels bool   `toml:"include_pixels"`
	QoS           int    `toml:"qos"`
}

func loadServiceConfig(path string) (viewer.Config, error) {
	cfg := viewer.DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return viewer.Config{}, fmt.Errorf("load serialview config: %w", err)
	}
	for _, key := range meta.Undecoded() {
		log.Warn().Str("key", key.String()).Str("path", path).Msg("serialview config key ignored")
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.ID = id
		}
	}
	if meta.IsDefined("transport") {
		cfg.Transport.Kind = strings.ToLower(strings.TrimSpace(raw.Transport))
	}
	if meta.IsDefined("port") {
		cfg.Transport.Port = strings.TrimSpace(raw.Port)
	}
	if meta.IsDefined("baud") {
		if raw.Baud <= 0 {
			return viewer.Config{}, fmt.Errorf("baud must be positive: %d", raw.Baud)
		}
		cfg.Transport.Baud = raw.Baud
	}
	if meta.IsDefined("address") {
		cfg.Transport.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("path") {
		cfg.Transport.Path = strings.TrimSpace(raw.Path)
	}
	if meta.IsDefined("http_addr") {
		cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}
	if meta.IsDefined("sizes") {
		for i, side := range raw.Sizes {
			if side <= 0 {
				return viewer.Config{}, fmt.Errorf("sizes[%d] invalid: %d", i, side)
			}
		}
		cfg.Sizes = raw.Sizes
	}
	// Zero disables the line cap.
	if meta.IsDefined("max_line_bytes") {
		if raw.MaxLineBytes < 0 {
			return viewer.Config{}, fmt.Errorf("max_line_bytes must not be negative")
		}
		cfg.MaxLineBytes = raw.MaxLineBytes
	}
	if meta.IsDefined("max_frame_bytes") {
		if raw.MaxFrameBytes < 0 {
			return viewer.Config{}, fmt.Errorf("max_frame_bytes must not be negative")
		}
		cfg.MaxFrameBytes = raw.MaxFrameBytes
	}
	if meta.IsDefined("desync_policy") {
		policy, err := frame.ParseDesyncPolicy(raw.DesyncPolicy)
		if err != nil {
			return viewer.Config{}, err
		}
		cfg.DesyncPolicy = policy
	}
	if meta.IsDefined("heartbeat") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Heartbeat))
		if err != nil {
			return viewer.Config{}, fmt.Errorf("parse heartbeat: %w", err)
		}
		cfg.HeartbeatInterval = d
	}
	if meta.IsDefined("reconnect") {
		cfg.Reconnect = raw.Reconnect
	}
	if meta.IsDefined("reconnect_initial") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReconnectInitial))
		if err != nil {
			return viewer.Config{}, fmt.Errorf("parse reconnect_initial: %w", err)
		}
		cfg.Backoff.InitialDelay = d
	}
	if meta.IsDefined("reconnect_max") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReconnectMax))
		if err != nil {
			return viewer.Config{}, fmt.Errorf("parse reconnect_max: %w", err)
		}
		cfg.Backoff.MaxDelay = d
	}
	if meta.IsDefined("reconnect_multiplier") {
		cfg.Backoff.Multiplier = raw.ReconnectMultiplier
	}

	if meta.IsDefined("mqtt", "enabled") {
		cfg.MQTT.Enabled = raw.MQTT.Enabled
	}
	if meta.IsDefined("mqtt", "broker") {
		cfg.MQTT.Broker = strings.TrimSpace(raw.MQTT.Broker)
	}
	if meta.IsDefined("mqtt", "client_id") {
		cfg.MQTT.ClientID = strings.TrimSpace(raw.MQTT.ClientID)
	}
	if meta.IsDefined("mqtt", "topic_prefix") {
		cfg.MQTT.TopicPrefix = strings.TrimSpace(raw.MQTT.TopicPrefix)
	}
	if meta.IsDefined("mqtt", "encoding") {
		cfg.MQTT.Encoding = strings.ToLower(strings.TrimSpace(raw.MQTT.Encoding))
	}
	if meta.IsDefined("mqtt", "include_pixels") {
		cfg.MQTT.IncludePixels = raw.MQTT.IncludePixels
	}
	if meta.IsDefined("mqtt", "qos") {
		if raw.MQTT.QoS < 0 || raw.MQTT.QoS > 2 {
			return viewer.Config{}, fmt.Errorf("mqtt qos must be 0, 1 or 2: %d", raw.MQTT.QoS)
		}
		cfg.MQTT.QoS = byte(raw.MQTT.QoS)
	}

	return cfg, nil
}

func normalizeOrigins(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
