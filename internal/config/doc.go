// Package config loads and validates the container configuration.
//
// Precedence, lowest to highest: built-in defaults, config.yaml (when
// present), QCC_* environment variables. The merged result is validated
// before the supervisor starts; invalid values fail startup rather than
// surfacing later as stuck reconnect loops.
package config
