// Package capability owns the module contract and packet routing.
//
// Ownership boundary:
// - module metadata and lifecycle interface
// - factory registry and capability negotiation against a peer identity
// - per-device router: packet type -> modules, module -> allowed outgoing types
//
// Concrete modules live in subpackages (ping, battery, clipboard, share).
package capability
