// Package config loads and validates YAML configuration for a
// collaboration client, with ${VAR} environment expansion and defaults for
// every optional field.
package config
