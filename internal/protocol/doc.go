// Package protocol owns the session envelope wire contract.
//
// Ownership boundary:
// - frame/header primitives (frame)
// - tlv payload primitives (tlv)
// - per-kind field requirements (schema)
// - envelope encode/decode on top of the three
package protocol
