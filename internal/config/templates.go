package config

import (
	"fmt"
	"os"
	"path/filepath"
)

func Template() string {
	return daemonTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(daemonTemplate), 0o600)
}

const daemonTemplate = `# edgelinkd configuration
# relative paths resolve against this file's directory
state_dir = ".edgelink"
listen_addr = ":1716"
admin_addr = "127.0.0.1:9716"
# bearer token required by the admin API when set
# admin_token = ""
cors_origins = ["http://localhost:3000"]
log_level = "info"
heartbeat = "30s"

# capability modules offered to peers: battery, clipboard, ping, share
modules = ["battery", "clipboard", "ping", "share"]
# clipboard store: "system" follows the desktop clipboard, "memory" keeps it in process
clipboard = "system"

# static peers to dial on startup (host:port)
peers = []

# development | production (production requires tls)
security_mode = "development"

[device]
# id = ""  # generated on first start when empty
name = "edgelink-desktop"
type = "desktop"

[tls]
enabled = false
# cert_file = ".edgelink/device.crt"
# key_file = ".edgelink/device.key"

[pairing]
request_timeout = "30s"
peer_request_timeout = "25s"

[transfer]
download_dir = "downloads"
chunk_size = 4096
progress_interval = "500ms"
missing_files_grace = "1s"
open_urls = false

[scheduler]
workers = 5
max_jobs = 64

[trust]
# file | sqlite | memory
backend = "file"
# path = ".edgelink/trusted_devices.toml"
`
