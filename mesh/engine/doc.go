// Package engine runs the overlay forwarding loop.
//
// One goroutine reads the local packet interface and one reads the overlay
// socket; both feed channels into a single processing loop that owns every
// piece of mutable state: the peer table, the address resolver, pending
// handshakes, and the gossip limiter. Because only that loop touches them,
// none of those structures carry locks. Blocking sends happen from the
// loop itself; per-send failures are counted and logged, never fatal.
package engine
