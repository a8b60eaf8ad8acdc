// Package config loads prime-gateway configuration from YAML files with
// ${VAR} environment expansion, duration-string parsing, and validation.
package config
