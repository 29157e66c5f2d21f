// Package daemon wires one edgelink node: device identity and certificate,
// the trust store, builtin capability modules, the device registry, the
// link listener with static peer dialers, the job scheduler and the admin
// API. Service.Run blocks until SIGINT or SIGTERM.
package daemon
