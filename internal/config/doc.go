// Package config loads the daemon TOML file on top of built-in defaults and
// watches it for live log level changes.
package config
