// Package protocol owns the wire contract shared by every relayctl hop.
//
// Ownership boundary:
// - envelope shape and validation
// - JSON-lines codec with size limits
// - message kind classification
package protocol
