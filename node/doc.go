// Package node assembles the agreement engine of one table peer: gossip
// admission and deduplication, the consensus core, commit-reveal dice, the
// replicated game state, the chain of finalized records with its store,
// fork resolution and settlement of payouts.
//
// A Node is fed frames through HandleIncoming and time through Tick; Run
// does both from a network.Transport and a ticker.
package node
