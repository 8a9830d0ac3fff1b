// Package config handles configuration loading for coven-assist.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by the .toml
// extension) with environment variable expansion. When no file exists the
// legacy environment variables alone are enough to run.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_ASSIST_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/assist.yaml
//  3. ~/.config/coven/assist.yaml
//
// # Environment Variables
//
// Values can reference environment variables with ${VAR_NAME}:
//
//	assist:
//	  token: "${HA_LONG_LIVED_TOKEN}"
//
// The following variables override the file when set:
//
//	HAURL          assist.host
//	HATOKEN        assist.token
//	DEFAULT_AGENT  assist.default_agent
//	SSL            assist.ssl (strconv.ParseBool syntax)
//
// # Example
//
//	assist:
//	  host: "homeassistant.local:8123"
//	  token: "${HATOKEN}"
//	  ssl: false
//	  default_agent: "01HXYZ..."
//	  connect_timeout: "5s"
//	  request_timeout: "15s"
//
//	conversations:
//	  backend: "sqlite"     # or "file"
//	  path: "/var/lib/coven/assist.db"
//
//	matrix:
//	  homeserver: "https://matrix.org"
//	  user_id: "@assist:matrix.org"
//	  access_token: "${MATRIX_TOKEN}"
//	  allowed_rooms: ["!kitchen:matrix.org"]
//	  command_prefix: "!ha "
//	  typing_indicator: true
//	  max_message_length: 2000
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Durations use time.ParseDuration syntax and default to 5s (connect) and
// 15s (request).
package config
