// Package protocol owns the packet model and its wire contract.
//
// Ownership boundary:
// - Packet, Body and Payload descriptors
// - JSON packet codec (id, type, body, payloadSize, payloadTransferInfo)
// - per-type semantic validation entry points
// - chunked payload copy with cooperative cancellation
//
// Framing of packets and payload bytes on a stream lives in frame, tlv and
// schema; this package never touches a connection.
package protocol
