// Package config loads the client configuration from YAML, expanding
// ${ENV_VAR} references and parsing duration strings.
package config
