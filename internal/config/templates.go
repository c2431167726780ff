package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "viewer", "serial":
		return viewerTemplate, nil
	case "tcp":
		return tcpTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const viewerTemplate = `id = "serialview"
transport = "serial"
port = "/dev/ttyUSB0"
baud = 115200
http_addr = ":9300"
cors_origins = ["http://localhost:3000"]
sizes = [96, 240]
max_line_bytes = 65536
max_frame_bytes = 1048576
desync_policy = "restart"
heartbeat = "10s"
reconnect = true
reconnect_initial = "500ms"
reconnect_max = "10s"

[mqtt]
enabled = false
broker = "tcp://127.0.0.1:1883"
topic_prefix = "serialview"
encoding = "json"
`

const tcpTemplate = `id = "serialview.sim"
transport = "tcp"
address = "127.0.0.1:9400"
http_addr = ":9300"
sizes = [96, 240]
desync_policy = "restart"
heartbeat = "10s"
reconnect = true

[mqtt]
enabled = false
`
