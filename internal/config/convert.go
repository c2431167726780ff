package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/serialview/internal/protocol/frame"
	"github.com/danmuck/serialview/internal/viewer"
)

// ToViewer overlays a file config on viewer.DefaultConfig. Empty strings and
// zero numbers keep the defaults, except the size caps where zero disables
// the cap. Start from Defaults to get the usual limits.
func ToViewer(in ViewerConfig) (viewer.Config, error) {
	if err := ValidateViewerConfig(in); err != nil {
		return viewer.Config{}, err
	}
	cfg := viewer.DefaultConfig()
	cfg.ID = strings.TrimSpace(in.ID)
	cfg.Transport.Kind = strings.TrimSpace(in.Transport)
	cfg.Transport.Port = strings.TrimSpace(in.Port)
	cfg.Transport.Address = strings.TrimSpace(in.Address)
	cfg.Transport.Path = strings.TrimSpace(in.Path)
	if in.Baud > 0 {
		cfg.Transport.Baud = in.Baud
	}
	if addr := strings.TrimSpace(in.HTTPAddr); addr != "" {
		cfg.HTTPAddr = addr
	}
	if in.CorsOrigins != nil {
		cfg.CorsOrigins = normalizeOrigins(in.CorsOrigins)
	}
	if len(in.Sizes) > 0 {
		cfg.Sizes = append([]int(nil), in.Sizes...)
	}
	// Zero disables a cap; Defaults carries the usual limits.
	cfg.MaxLineBytes = in.MaxLineBytes
	cfg.MaxFrameBytes = in.MaxFrameBytes
	if strings.TrimSpace(in.DesyncPolicy) != "" {
		policy, err := frame.ParseDesyncPolicy(in.DesyncPolicy)
		if err != nil {
			return viewer.Config{}, err
		}
		cfg.DesyncPolicy = policy
	}

	var err error
	if cfg.HeartbeatInterval, err = durationOr(in.Heartbeat, cfg.HeartbeatInterval); err != nil {
		return viewer.Config{}, fmt.Errorf("heartbeat: %w", err)
	}
	cfg.Reconnect = in.Reconnect
	if cfg.Backoff.InitialDelay, err = durationOr(in.ReconnectInitial, cfg.Backoff.InitialDelay); err != nil {
		return viewer.Config{}, fmt.Errorf("reconnect_initial: %w", err)
	}
	if cfg.Backoff.MaxDelay, err = durationOr(in.ReconnectMax, cfg.Backoff.MaxDelay); err != nil {
		return viewer.Config{}, fmt.Errorf("reconnect_max: %w", err)
	}
	if in.ReconnectMultiplier > 0 {
		cfg.Backoff.Multiplier = in.ReconnectMultiplier
	}

	cfg.MQTT.Enabled = in.MQTT.Enabled
	if v := strings.TrimSpace(in.MQTT.Broker); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := strings.TrimSpace(in.MQTT.ClientID); v != "" {
		cfg.MQTT.ClientID = v
	}
	if v := strings.TrimSpace(in.MQTT.TopicPrefix); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := strings.TrimSpace(in.MQTT.Encoding); v != "" {
		cfg.MQTT.Encoding = strings.ToLower(v)
	}
	cfg.MQTT.IncludePixels = in.MQTT.IncludePixels
	cfg.MQTT.QoS = byte(in.MQTT.QoS)
	return cfg, nil
}

func durationOr(raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		if v := strings.TrimSpace(origin); v != "" {
			out = append(out, v)
		}
	}
	return out
}
