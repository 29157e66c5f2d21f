// Package server exposes the local admin API: device listing and pairing
// actions, capability shortcuts (ping, share), scheduler jobs, Prometheus
// metrics and a websocket feed of bus events.
package server
