// Package route maps virtual addresses observed in overlay traffic to the
// peers that can deliver them. Mappings are learned from authenticated
// inbound packets only, expire on a TTL, and refuse to move to a different
// peer while the current binding is still alive — that refusal is what
// stops a malicious peer from claiming someone else's virtual address.
package route

import (
	"errors"
	"time"

	"github.com/ethermesh/ethermesh/mesh/frame"
	"github.com/ethermesh/ethermesh/mesh/identity"
	"github.com/ethermesh/ethermesh/mesh/peers"
)

var (
	ErrSpoofSuspected = errors.New("route: virtual address claimed by a different live peer")
	ErrLocalAddress   = errors.New("route: refusing to learn a local address")
)

// Entry is one learned mapping.
type Entry struct {
	Peer      identity.PeerID
	LearnedAt time.Time
}

// Resolver is the route table. Like the peer table it is owned by the
// forwarding loop and is not safe for concurrent use. It holds a
// non-owning reference to the peer table for liveness checks and
// broadcast resolution.
type Resolver struct {
	ttl     time.Duration
	table   *peers.Table
	entries map[frame.VirtualAddress]*Entry

	// local addresses are never learned; traffic for them stays on the
	// host.
	local map[frame.VirtualAddress]struct{}

	// seen holds addresses recently observed as sources of outbound
	// device traffic. They shadow Learn like local addresses do, but
	// expire so a host that stops bridging an address releases it.
	seen map[frame.VirtualAddress]time.Time
}

func NewResolver(ttl time.Duration, table *peers.Table) *Resolver {
	return &Resolver{
		ttl:     ttl,
		table:   table,
		entries: make(map[frame.VirtualAddress]*Entry),
		local:   make(map[frame.VirtualAddress]struct{}),
		seen:    make(map[frame.VirtualAddress]time.Time),
	}
}

// AddLocal marks a virtual address as permanently belonging to this host.
func (r *Resolver) AddLocal(addr frame.VirtualAddress) {
	r.local[addr] = struct{}{}
}

// ObserveLocal records addr as a source of outbound device traffic.
// Observed addresses behave like local ones for the TTL, then lapse.
func (r *Resolver) ObserveLocal(addr frame.VirtualAddress, now time.Time) {
	if addr.IsBroadcast() || addr.IsZero() {
		return
	}
	r.seen[addr] = now
}

func (r *Resolver) Len() int { return len(r.entries) }

// Resolve returns the peers that can deliver traffic for addr. Broadcast
// and multicast addresses always resolve to every live peer. An empty
// result means the destination is unknown; the caller applies the
// configured flood-or-drop policy. Entries whose peer has been evicted are
// pruned lazily here.
func (r *Resolver) Resolve(addr frame.VirtualAddress, now time.Time) []identity.PeerID {
	if addr.IsBroadcast() {
		live := r.table.Live()
		out := make([]identity.PeerID, 0, len(live))
		for _, p := range live {
			out = append(out, p.ID)
		}
		return out
	}

	e, ok := r.entries[addr]
	if !ok {
		return nil
	}
	if now.Sub(e.LearnedAt) > r.ttl || r.table.Lookup(e.Peer) == nil {
		delete(r.entries, addr)
		return nil
	}
	return []identity.PeerID{e.Peer}
}

// Learn records that peer delivered authenticated traffic claiming addr as
// its source. The claim is rejected when addr is local, broadcast, or
// already bound to a different peer whose session is still live.
func (r *Resolver) Learn(addr frame.VirtualAddress, peer identity.PeerID, now time.Time) error {
	if addr.IsBroadcast() || addr.IsZero() {
		return nil
	}
	if _, ok := r.local[addr]; ok {
		return ErrLocalAddress
	}
	if at, ok := r.seen[addr]; ok {
		if now.Sub(at) <= r.ttl {
			return ErrLocalAddress
		}
		delete(r.seen, addr)
	}
	if e, ok := r.entries[addr]; ok && e.Peer != peer {
		if r.table.Lookup(e.Peer) != nil && now.Sub(e.LearnedAt) <= r.ttl {
			return ErrSpoofSuspected
		}
		// Prior owner is gone or stale; the address may move.
	}
	r.entries[addr] = &Entry{Peer: peer, LearnedAt: now}
	return nil
}

// Expire drops entries older than the TTL, along with lapsed local
// observations.
func (r *Resolver) Expire(now time.Time) int {
	n := 0
	for addr, e := range r.entries {
		if now.Sub(e.LearnedAt) > r.ttl {
			delete(r.entries, addr)
			n++
		}
	}
	for addr, at := range r.seen {
		if now.Sub(at) > r.ttl {
			delete(r.seen, addr)
		}
	}
	return n
}

// DropPeer eagerly prunes every entry pointing at an evicted peer. Wired
// as the peer table's eviction callback.
func (r *Resolver) DropPeer(peer identity.PeerID) {
	for addr, e := range r.entries {
		if e.Peer == peer {
			delete(r.entries, addr)
		}
	}
}

// HintFor returns a learned virtual address for peer, for inclusion in
// peer-exchange gossip. Zero when none is known.
func (r *Resolver) HintFor(peer identity.PeerID) frame.VirtualAddress {
	for addr, e := range r.entries {
		if e.Peer == peer {
			return addr
		}
	}
	return frame.VirtualAddress{}
}
