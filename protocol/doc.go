// Package protocol defines the data model shared by every component of the
// agreement engine: peer identities, rounds, signed messages, finalized
// records and the frames that carry them over the gossip mesh.
//
// # Encoding
//
// Every message is encoded with canonical CBOR. Signatures and content hashes
// are always computed over the canonical encoding of a message with its
// signature field cleared, so two peers encoding the same value obtain the
// same bytes.
//
// # Identity
//
// A PeerID is the hex encoding of an ed25519 public key. Signatures can be
// checked from the author id alone and no key distribution is needed.
package protocol
