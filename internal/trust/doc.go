// Package trust persists per-device pairing state: the pinned certificate
// fingerprint and the paired flag, keyed by device id. Pairing writes it on
// every Paired/NotPaired transition and devices read it on construction.
package trust
