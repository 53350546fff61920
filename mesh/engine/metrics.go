package engine

import "sync/atomic"

// Counters tracks engine diagnostics. Incremented from the processing
// loop, read from anywhere.
type Counters struct {
	protocolErrors     atomic.Uint64
	authFailures       atomic.Uint64
	replaysRejected    atomic.Uint64
	spoofsRejected     atomic.Uint64
	unknownDests       atomic.Uint64
	peersEvicted       atomic.Uint64
	handshakesOK       atomic.Uint64
	handshakesRejected atomic.Uint64
	dataForwarded      atomic.Uint64
	dataDelivered      atomic.Uint64
	sendErrors         atomic.Uint64
}

func (c *Counters) IncProtocolError()      { c.protocolErrors.Add(1) }
func (c *Counters) IncAuthFailure()        { c.authFailures.Add(1) }
func (c *Counters) IncReplayRejected()     { c.replaysRejected.Add(1) }
func (c *Counters) IncSpoofRejected()      { c.spoofsRejected.Add(1) }
func (c *Counters) IncUnknownDest()        { c.unknownDests.Add(1) }
func (c *Counters) AddPeersEvicted(n int)  { c.peersEvicted.Add(uint64(n)) }
func (c *Counters) IncHandshakeCompleted() { c.handshakesOK.Add(1) }
func (c *Counters) IncHandshakeRejected()  { c.handshakesRejected.Add(1) }
func (c *Counters) IncDataForwarded()      { c.dataForwarded.Add(1) }
func (c *Counters) IncDataDelivered()      { c.dataDelivered.Add(1) }
func (c *Counters) IncSendError()          { c.sendErrors.Add(1) }

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	ProtocolErrors      uint64 `json:"protocol_errors"`
	AuthFailures        uint64 `json:"auth_failures"`
	ReplaysRejected     uint64 `json:"replays_rejected"`
	SpoofsRejected      uint64 `json:"spoofs_rejected"`
	UnknownDestinations uint64 `json:"unknown_destinations"`
	PeersEvicted        uint64 `json:"peers_evicted"`
	HandshakesCompleted uint64 `json:"handshakes_completed"`
	HandshakesRejected  uint64 `json:"handshakes_rejected"`
	DataForwarded       uint64 `json:"data_forwarded"`
	DataDelivered       uint64 `json:"data_delivered"`
	SendErrors          uint64 `json:"send_errors"`
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		ProtocolErrors:      c.protocolErrors.Load(),
		AuthFailures:        c.authFailures.Load(),
		ReplaysRejected:     c.replaysRejected.Load(),
		SpoofsRejected:      c.spoofsRejected.Load(),
		UnknownDestinations: c.unknownDests.Load(),
		PeersEvicted:        c.peersEvicted.Load(),
		HandshakesCompleted: c.handshakesOK.Load(),
		HandshakesRejected:  c.handshakesRejected.Load(),
		DataForwarded:       c.dataForwarded.Load(),
		DataDelivered:       c.dataDelivered.Load(),
		SendErrors:          c.sendErrors.Load(),
	}
}
