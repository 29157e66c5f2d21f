// Package pairing owns trust establishment for one peer device.
//
// The state machine has four states (NotPaired, RequestedByUs,
// RequestedByPeer, Paired) and owns the single pending timer while a
// request is outstanding. Transitions are serialized by one mutex; packets
// are sent and listeners notified outside it so two machines talking over
// a synchronous transport cannot deadlock on each other.
package pairing
