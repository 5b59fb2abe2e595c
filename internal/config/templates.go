package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "node":
		return nodeTemplate, nil
	case "secure":
		return secureTemplate, nil
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

const nodeTemplate = `party = "O=Alice, L=London, C=GB"
listen_addr = "127.0.0.1:7400"
admin_addr = "127.0.0.1:7410"
admin_token = ""
network_token = "temp-network-key"
checkpoint_path = "local/checkpoints/alice"
cors_origins = ["http://localhost:3000"]
security_mode = "development"

[engine]
reorder_window = 256
ended_cache_size = 4096
event_buffer = 256

[transport]
connect_timeout = "5s"
handshake_timeout = "5s"
write_timeout = "15s"
max_send_attempts = 5
backoff_initial = "250ms"
backoff_max = "5s"
backoff_multiplier = 2.0
backoff_jitter = true

[[peers]]
party = "O=Bob, L=Paris, C=FR"
addr = "127.0.0.1:7500"
`

const secureTemplate = `party = "O=Alice, L=London, C=GB"
listen_addr = "0.0.0.0:7400"
admin_addr = "127.0.0.1:7410"
admin_token = "change-me"
network_token = "change-me-too"
checkpoint_path = "/var/lib/flowctl/checkpoints"
cors_origins = []
security_mode = "production"
require_identity_binding = true

[tls]
enabled = true
mutual = true
cert_file = "/etc/flowctl/tls/alice.crt"
key_file = "/etc/flowctl/tls/alice.key"
ca_file = "/etc/flowctl/tls/ca.crt"

[[peers]]
party = "O=Bob, L=Paris, C=FR"
addr = "bob.internal:7400"
`
