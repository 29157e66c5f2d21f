// Package device aggregates every link to one peer identity.
//
// Ownership boundary:
// - link set and best-link selection for outgoing packets
// - inbound dispatch: pair packets to the state machine, the rest to modules
// - module lifecycle tied to reachability and pairing
// - certificate pinning and trust persistence
//
// Registry is the explicitly owned lookup of devices by id; nothing in
// this package is global.
package device
