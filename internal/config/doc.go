// ABOUTME: Package config documentation describing file locations, syntax, and sections
// ABOUTME: See config.go for the structs and Load/Validate

// Package config handles configuration loading for assistant-relay.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/assistant-relay/relay.yaml
//  3. ~/.config/assistant-relay/relay.yaml
//
// Files ending in .toml are read as TOML; everything else as YAML.
// A missing file is not an error for the serve command: Default() is used.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	assistant:
//	  api_key: "${OPENAI_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	session:
//	  inactivity_timeout: "30m"
//	  max_duration: "90m"
//	  sweep_interval: "1m"
//	  drain_timeout: "30s"
//
// # Sections
//
//	server:
//	  http_addr: "0.0.0.0:3000"
//	  allowed_origins: ["https://example.com"]
//
//	session:
//	  sweep_schedule: "*/5 * * * *"   # cron syntax, overrides sweep_interval
//
//	assistant:
//	  api_key: "${OPENAI_API_KEY}"    # empty selects the offline echo backend
//	  assistant_id: "asst_..."
//	  poll_interval: "500ms"
//
//	notify:
//	  recipient: "owner@example.com"
//	  timeout: "15s"                   # per notification, below session.drain_timeout
//	  timezone: "Europe/Paris"
//	  html: true
//	  smtp:
//	    host: "smtp.example.com"       # empty logs notifications instead of mailing
//	    port: 587
//	    username: "relay@example.com"
//	    password: "${SMTP_PASSWORD}"
//
//	geo:
//	  endpoint: "http://ip-api.com/json"
//	  cache_ttl: "24h"
//	  redis_addr: "localhost:6379"    # optional shared cache
//
//	internal:
//	  token_secret: "${RELAY_TOKEN_SECRET}"   # protects /check-timeouts
//
//	ratelimit:
//	  requests_per_second: 1
//	  burst: 5
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "text"     # text or json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
