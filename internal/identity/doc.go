// Package identity owns the local device's stable id and its self-signed
// TLS certificate. Peers are pinned by the SHA-256 fingerprint of the
// certificate they present on a link.
package identity
