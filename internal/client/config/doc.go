// Package config loads runtime configuration for the gophsync daemon and CLI.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional config file selected with -c/--config or GOPHSYNC_CONFIG.
//     Files ending in .yaml or .yml are YAML, anything else JSON.
//  3. GOPHSYNC_* environment variables.
//  4. Command-line flags the user set explicitly.
//
// Intervals in files use timex.Duration, so they may be strings like "15s"
// or integer nanoseconds:
//
//	{
//	  "server_url": "https://sync.example.com",
//	  "stream": "ws",
//	  "poll_interval": "15s",
//	  "snapshot": {"bucket": "exports", "key": "latest.json"}
//	}
package config
