// Package link owns one live transport connection to a peer.
//
// Ownership boundary:
// - identity handshake on connect
// - packet framing and payload chunk multiplexing over a stream
// - TCP/TLS dialing with retry backoff and rate-limited accept
// - transport security validation
//
// A link knows nothing about pairing or capabilities; it hands decoded
// packets to a single receiver installed by the owning device.
package link
