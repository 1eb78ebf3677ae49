package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "hub":
		return hubTemplate, nil
	case "ping":
		return pingTemplate, nil
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

const hubTemplate = `name = "wanhub"
uid = 1
listen = "127.0.0.1:9500"
backlog = 128
max_connections = 1024
max_events = 128
stats_interval = "30s"
log_level = "info"

[accept_rate]
tokens = 20
interval = "1s"

[keys]
private_key = ""
public_key = ""
peer_public_key = ""
sign_replies = false
watch = true

[admin]
addr = "127.0.0.1:9501"
token = ""
# read on every request so the token can be rotated in place
token_file = ""
cors_origins = []
`

const pingTemplate = `target = "127.0.0.1:9500"
# set to answer pings here instead of sending them
listen = ""
source = 100
destination = 1
count = 4
interval = "1s"
sign = false
verify = false
private_key = ""
peer_public_key = ""

[session]
connect_timeout = "5s"
read_timeout = "5s"
write_timeout = "5s"

[session.tls]
enabled = false
`
