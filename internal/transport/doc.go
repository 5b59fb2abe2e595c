// Package transport moves session envelopes between parties.
//
// Ownership boundary:
// - Transport contract used by the flow manager
// - in-process memory network for tests and demos
// - framed TCP/TLS links with a party hello handshake
// - retry/backoff/outbox primitives
package transport
