// Package config provides configuration loading for the execution core.
//
// Values resolve in precedence order: built-in defaults, YAML file,
// environment variables (prefix MCP).
package config
