// Package peers tracks every known remote peer: its session, its current
// network address, and its liveness. The table is owned by the forwarding
// loop and accessed only from it, so it carries no locks; correctness
// follows from the single-owner discipline.
package peers

import (
	"net/netip"
	"time"

	"github.com/ethermesh/ethermesh/mesh/crypto"
	"github.com/ethermesh/ethermesh/mesh/identity"
)

// PeerSession aggregates everything known about one remote peer. The table
// owns these exclusively; other components hold PeerIDs and look sessions
// up on demand.
type PeerSession struct {
	ID     identity.PeerID
	Addr   netip.AddrPort
	Crypto *crypto.Session

	LastSeen time.Time
	// LastKeepalive is when we last pinged this peer ourselves; the
	// engine uses it to pace keepalives independently of inbound traffic.
	LastKeepalive time.Time

	// probation: set when a liveness ping has been sent and no
	// authenticated traffic has arrived since.
	pingedAt time.Time
	probing  bool
}

// Established reports whether the session can carry data.
func (p *PeerSession) Established() bool {
	return p.Crypto != nil && p.Crypto.Established()
}

// EvictFunc is notified for every evicted peer so dependent state (routes)
// can be pruned.
type EvictFunc func(identity.PeerID)

// PingFunc sends a liveness probe to a silent peer.
type PingFunc func(*PeerSession)

// Table is the set of known peers, indexed by identity and by current
// network address.
type Table struct {
	peerTimeout time.Duration
	deadTimeout time.Duration
	onEvict     EvictFunc

	peers  map[identity.PeerID]*PeerSession
	byAddr map[netip.AddrPort]identity.PeerID
}

// NewTable creates an empty peer table. peerTimeout is how long a peer may
// stay silent before it is pinged; deadTimeout is how long after that ping
// the peer may stay silent before eviction.
func NewTable(peerTimeout, deadTimeout time.Duration, onEvict EvictFunc) *Table {
	return &Table{
		peerTimeout: peerTimeout,
		deadTimeout: deadTimeout,
		onEvict:     onEvict,
		peers:       make(map[identity.PeerID]*PeerSession),
		byAddr:      make(map[netip.AddrPort]identity.PeerID),
	}
}

func (t *Table) Len() int { return len(t.peers) }

// Lookup returns the session for a peer, or nil when unknown.
func (t *Table) Lookup(id identity.PeerID) *PeerSession {
	return t.peers[id]
}

// LookupAddr returns the session currently bound to a network address.
func (t *Table) LookupAddr(addr netip.AddrPort) *PeerSession {
	id, ok := t.byAddr[addr]
	if !ok {
		return nil
	}
	return t.peers[id]
}

// Insert registers a new peer session, replacing any session previously
// bound to the same identity or address.
func (t *Table) Insert(p *PeerSession, now time.Time) {
	if old := t.peers[p.ID]; old != nil {
		delete(t.byAddr, old.Addr)
	}
	if other, ok := t.byAddr[p.Addr]; ok && other != p.ID {
		// The address moved to a different identity; the old binding is
		// gone either way.
		delete(t.byAddr, p.Addr)
	}
	p.LastSeen = now
	t.peers[p.ID] = p
	t.byAddr[p.Addr] = p.ID
}

// Touch records authenticated traffic from a peer, refreshing liveness and
// clearing any ping probation.
func (t *Table) Touch(id identity.PeerID, now time.Time) {
	p := t.peers[id]
	if p == nil {
		return
	}
	p.LastSeen = now
	p.probing = false
}

// UpsertAddress rebinds a peer to a new observed network address. Callers
// must only invoke this after the datagram that revealed the new address
// authenticated successfully under the peer's session: rebinding on
// address alone would let an off-path attacker hijack the session.
func (t *Table) UpsertAddress(id identity.PeerID, addr netip.AddrPort) {
	p := t.peers[id]
	if p == nil || p.Addr == addr {
		return
	}
	delete(t.byAddr, p.Addr)
	p.Addr = addr
	t.byAddr[addr] = id
}

// Remove drops a peer immediately (explicit close) and fires the eviction
// callback.
func (t *Table) Remove(id identity.PeerID) {
	p := t.peers[id]
	if p == nil {
		return
	}
	if p.Crypto != nil {
		p.Crypto.Close()
	}
	delete(t.byAddr, p.Addr)
	delete(t.peers, id)
	if t.onEvict != nil {
		t.onEvict(id)
	}
}

// Tick drives liveness. A peer silent past peerTimeout gets one ping and
// enters probation; a peer still silent deadTimeout after that ping is
// evicted. Returns the evicted peers.
func (t *Table) Tick(now time.Time, ping PingFunc) []identity.PeerID {
	var evicted []identity.PeerID
	for id, p := range t.peers {
		silent := now.Sub(p.LastSeen)
		switch {
		case p.probing && now.Sub(p.pingedAt) >= t.deadTimeout:
			evicted = append(evicted, id)
		case !p.probing && silent >= t.peerTimeout:
			p.probing = true
			p.pingedAt = now
			if ping != nil {
				ping(p)
			}
		}
	}
	for _, id := range evicted {
		t.Remove(id)
	}
	return evicted
}

// Live returns all sessions able to carry data right now.
func (t *Table) Live() []*PeerSession {
	out := make([]*PeerSession, 0, len(t.peers))
	for _, p := range t.peers {
		if p.Established() {
			out = append(out, p)
		}
	}
	return out
}

// All returns every known session regardless of state.
func (t *Table) All() []*PeerSession {
	out := make([]*PeerSession, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// KnowsAddr reports whether any peer is currently bound to addr.
func (t *Table) KnowsAddr(addr netip.AddrPort) bool {
	_, ok := t.byAddr[addr]
	return ok
}
