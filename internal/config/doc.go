// Package config loads the agentd configuration file (JSON or YAML),
// overlays AGENTD_* environment variables, validates the result and
// hot-reloads it on change.
package config
