// Package craps implements the rules of a craps table: dice, bet types,
// table phases and payout resolution.
//
// # Core Types
//
// Table: the come-out/point phase of the table and the wagers resting on it.
//
// Wager: a player's stake on one bet type.
//
// Roll: the two dice of one throw, derived from a round seed.
//
// # Determinism
//
// Every payout is computed with unsigned integer arithmetic. Odds payouts are
// expressed in hundredths and truncated, so replaying the same rolls always
// produces the same balances on every peer.
package craps
