package config

import (
	"fmt"
	"os"
)

func Template() string {
	return clientTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(clientTemplate), 0o600)
}

const clientTemplate = `# chat server websocket endpoint (ws:// or wss://)
address = "ws://127.0.0.1:8080/ws"
user = ""
secret = ""
# status_addr = "127.0.0.1:9090"
# status_cors_origins = ["http://localhost:3000"]

request_timeout = "10s"
heartbeat_interval = "30s"
heartbeat_timeout = "10s"
reconnect_delay = "2s"
reconnect_max_attempts = 5

# test | production | token
refresh_mode = "production"
refresh_period = "25m"
refresh_validity = "30m"
refresh_margin = "5m"

[tls]
ca_file = ""
cert_file = ""
key_file = ""
server_name = ""
insecure_skip_verify = false
`
