// Package config provides configuration management for the Relay router.
//
// The package uses Viper to load configuration from YAML files and
// environment variables. The configuration lives at ~/.relay/config.yaml
// and is created with defaults on first use.
//
// All values can be overridden with RELAY_-prefixed environment
// variables, nested fields separated by underscores:
//
//   - RELAY_PROVIDERS_OPENROUTER_API_KEY=sk-or-...
//   - RELAY_ROUTING_STRATEGY=cost-optimized
//   - RELAY_LOGGING_LEVEL=debug
//
// API keys should live in environment variables rather than the config
// file to prevent accidental exposure.
//
// Config instances are not thread-safe; load once at startup and treat
// the result as read-only.
package config
