// Package network provides the transport collaborators the engine gossips
// frames through. A transport delivers frames at least once at best: they
// may be lost, duplicated or reordered, and the engine tolerates all three.
//
// # Core Components
//
// Transport: the interface the engine depends on. Broadcast sends a frame
// to every reachable peer and Messages delivers inbound frames.
//
// Mesh: an in-memory hub of named endpoints. It can partition the
// endpoints into groups and heal them, which is how forks are reproduced
// in tests and simulations.
//
// Gossip: a libp2p host joined to one GossipSub topic. The host key is the
// node's protocol identity, so the libp2p peer id and the table peer id
// name the same key.
package network
