package engine

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/ethermesh/ethermesh/mesh/config"
	"github.com/ethermesh/ethermesh/mesh/crypto"
	"github.com/ethermesh/ethermesh/mesh/frame"
	"github.com/ethermesh/ethermesh/mesh/identity"
	"github.com/ethermesh/ethermesh/mesh/peers"
	"github.com/ethermesh/ethermesh/mesh/route"
	"github.com/ethermesh/ethermesh/mesh/wire"
)

const (
	// handshakeRetryInterval paces retransmits of unanswered inits.
	handshakeRetryInterval = 5 * time.Second
	// pendingExpiry abandons outbound handshakes nobody answered.
	pendingExpiry = 60 * time.Second

	chanDepth = 64
)

// dataAD is the additional data bound into every data-frame AEAD: the wire
// header of the frame carrying it.
var dataAD = []byte{wire.Magic, wire.Version, byte(wire.TypeData)}

type datagram struct {
	data []byte
	from netip.AddrPort
}

// pendingHandshake is an outbound handshake to an address whose identity
// we do not know yet (a seed or a gossiped candidate). Once the response
// arrives and verifies, it graduates into the peer table.
type pendingHandshake struct {
	sess     *crypto.Session
	created  time.Time
	lastSent time.Time
}

// Engine wires the device, the socket, the peer table and the resolver
// into one forwarding loop.
type Engine struct {
	cfg config.Config
	log *slog.Logger
	key identity.KeyPair

	sock DatagramSocket
	dev  PacketInterface

	table    *peers.Table
	routes   *route.Resolver
	counters Counters

	pending    map[netip.AddrPort]*pendingHandshake
	hsLimiter  *rateLimiter
	lastGossip time.Time

	sockCh chan datagram
	devCh  chan []byte
	done   chan struct{}
	wg     sync.WaitGroup
}

// New assembles an engine. The socket and device are owned by the engine
// from here on and are closed on shutdown.
func New(cfg config.Config, log *slog.Logger, key identity.KeyPair, sock DatagramSocket, dev PacketInterface) *Engine {
	e := &Engine{
		cfg:       cfg,
		log:       log,
		key:       key,
		sock:      sock,
		dev:       dev,
		pending:   make(map[netip.AddrPort]*pendingHandshake),
		hsLimiter: newRateLimiter(cfg.HandshakeRate, time.Minute),
		sockCh:    make(chan datagram, chanDepth),
		devCh:     make(chan []byte, chanDepth),
		done:      make(chan struct{}),
	}
	e.table = peers.NewTable(cfg.PeerTimeout, cfg.DeadPeerTimeout, func(id identity.PeerID) {
		e.routes.DropPeer(id)
	})
	e.routes = route.NewResolver(cfg.RouteTTL, e.table)
	return e
}

// Counters exposes the engine's diagnostics counters.
func (e *Engine) Counters() *Counters { return &e.counters }

// AddLocalAddress registers a virtual address as belonging to this host,
// so the resolver never learns a route pointing it at a peer.
func (e *Engine) AddLocalAddress(addr frame.VirtualAddress) {
	e.routes.AddLocal(addr)
}

// Run drives the engine until ctx is cancelled, then performs an orderly
// shutdown: close frames to every peer, handles closed, readers joined.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine starting",
		slog.String("peer", e.key.PeerID().Short()),
		slog.String("listen", e.sock.LocalAddr().String()))

	e.wg.Add(2)
	go e.readSocket()
	go e.readDevice()

	e.connectSeeds(time.Now())

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return e.shutdown()
		case d := <-e.sockCh:
			e.handleDatagram(d, time.Now())
		case pkt := <-e.devCh:
			e.handleDevicePacket(pkt, time.Now())
		case now := <-ticker.C:
			e.housekeep(now)
		}
	}
}

func (e *Engine) readSocket() {
	defer e.wg.Done()
	for {
		data, from, err := e.sock.Receive()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				e.log.Error("socket receive failed", slog.Any("error", err))
			}
			return
		}
		select {
		case e.sockCh <- datagram{data: data, from: from}:
		case <-e.done:
			return
		}
	}
}

func (e *Engine) readDevice() {
	defer e.wg.Done()
	for {
		pkt, err := e.dev.Receive()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				e.log.Error("device receive failed", slog.Any("error", err))
			}
			return
		}
		select {
		case e.devCh <- pkt:
		case <-e.done:
			return
		}
	}
}

// handleDevicePacket encapsulates one locally originated packet. The
// source address is also registered as local, so peers can never poison a
// route for our own addresses.
func (e *Engine) handleDevicePacket(pkt []byte, now time.Time) {
	hdr, err := frame.Parse(pkt)
	if err != nil {
		e.counters.IncProtocolError()
		return
	}
	e.routes.ObserveLocal(hdr.Src, now)

	ids := e.routes.Resolve(hdr.Dst, now)
	if len(ids) == 0 {
		e.counters.IncUnknownDest()
		if e.cfg.UnknownDestPolicy == config.PolicyDrop {
			return
		}
		for _, p := range e.table.Live() {
			e.sendData(p, pkt)
		}
		return
	}
	for _, id := range ids {
		p := e.table.Lookup(id)
		if p == nil {
			continue
		}
		if !p.Established() {
			// No keys yet: drop the packet but kick a handshake so the
			// next one has somewhere to go.
			e.maybeInitiate(p, now)
			continue
		}
		e.sendData(p, pkt)
	}
}

func (e *Engine) sendData(p *peers.PeerSession, payload []byte) {
	body := payload
	var flags byte
	if e.cfg.Compression {
		if compressed, ok := wire.MaybeCompress(payload); ok {
			body = compressed
			flags |= wire.FlagCompressed
		}
	}
	counter, ciphertext, err := p.Crypto.Encrypt(body, dataAD)
	if err != nil {
		return
	}
	buf, err := wire.Encode(&wire.Data{Counter: counter, Flags: flags, Ciphertext: ciphertext})
	if err != nil {
		e.counters.IncProtocolError()
		return
	}
	if err := e.sock.Send(buf, p.Addr); err != nil {
		e.counters.IncSendError()
		e.log.Debug("send failed", slog.String("peer", p.ID.Short()), slog.Any("error", err))
		return
	}
	e.counters.IncDataForwarded()
}

func (e *Engine) handleDatagram(d datagram, now time.Time) {
	msg, err := wire.Decode(d.data)
	if err != nil {
		e.counters.IncProtocolError()
		e.log.Debug("dropping datagram", slog.String("from", d.from.String()), slog.Any("error", err))
		return
	}
	switch m := msg.(type) {
	case *wire.HandshakeInit:
		e.handleHandshakeInit(m, d.from, now)
	case *wire.HandshakeResponse:
		e.handleHandshakeResponse(m, d.from, now)
	case *wire.Data:
		e.handleData(m, d.from, now)
	case wire.Keepalive:
		e.handleKeepalive(d.from, now)
	case wire.Pong:
		e.touchAddr(d.from, now)
	case *wire.PeerExchange:
		e.handlePeerExchange(m, d.from, now)
	case wire.Close:
		e.handleClose(d.from)
	}
}

func (e *Engine) handleHandshakeInit(msg *wire.HandshakeInit, from netip.AddrPort, now time.Time) {
	id := identity.PeerIDFromPublicKey(msg.SenderPub[:])
	if id == e.key.PeerID() {
		return
	}

	p := e.table.Lookup(id)
	var sess *crypto.Session
	if p != nil && p.Crypto != nil {
		sess = p.Crypto
	} else {
		sess = crypto.NewSession(e.key, e.sessionOptions())
	}

	resp, fresh, err := sess.HandleInit(msg)
	if err != nil {
		e.counters.IncHandshakeRejected()
		e.log.Debug("handshake init rejected",
			slog.String("from", from.String()), slog.Any("error", err))
		return
	}

	switch {
	case p == nil:
		p = &peers.PeerSession{ID: id, Addr: from, Crypto: sess}
		e.table.Insert(p, now)
		e.counters.IncHandshakeCompleted()
		e.log.Info("peer session established",
			slog.String("peer", id.Short()), slog.String("addr", from.String()))
	case fresh:
		p.Crypto = sess
		e.table.Touch(id, now)
		e.counters.IncHandshakeCompleted()
		if p.Addr != from {
			// A fresh init's signature covers a timestamp the session has
			// never accepted, so the sender really is at the new address.
			e.table.UpsertAddress(id, from)
			e.log.Info("peer roamed",
				slog.String("peer", id.Short()), slog.String("addr", from.String()))
		}
	case p.Addr == from:
		// Retransmit from the bound address: refresh liveness only.
		e.table.Touch(id, now)
	default:
		// A replayed init from elsewhere proves nothing about where the
		// peer lives; answer it but leave the binding alone.
	}
	// An outbound handshake to the same address is now redundant.
	delete(e.pending, from)
	e.sendMessage(resp, from)
}

func (e *Engine) handleHandshakeResponse(msg *wire.HandshakeResponse, from netip.AddrPort, now time.Time) {
	id := identity.PeerIDFromPublicKey(msg.SenderPub[:])

	if pend, ok := e.pending[from]; ok {
		err := pend.sess.HandleResponse(msg)
		delete(e.pending, from)
		if err != nil {
			e.counters.IncHandshakeRejected()
			e.log.Debug("handshake response rejected",
				slog.String("from", from.String()), slog.Any("error", err))
			return
		}
		if existing := e.table.Lookup(id); existing != nil {
			// Raced an inbound handshake from the same peer; keep the
			// table entry and let its session carry the traffic.
			e.table.Touch(id, now)
			return
		}
		p := &peers.PeerSession{ID: id, Addr: from, Crypto: pend.sess}
		e.table.Insert(p, now)
		e.counters.IncHandshakeCompleted()
		e.log.Info("peer session established",
			slog.String("peer", id.Short()), slog.String("addr", from.String()))
		return
	}

	p := e.table.Lookup(id)
	if p == nil || p.Crypto == nil {
		e.counters.IncHandshakeRejected()
		return
	}
	if err := p.Crypto.HandleResponse(msg); err != nil {
		e.counters.IncHandshakeRejected()
		e.log.Debug("handshake response rejected",
			slog.String("peer", id.Short()), slog.Any("error", err))
		return
	}
	e.table.Touch(id, now)
	if p.Addr != from {
		e.table.UpsertAddress(id, from)
	}
	e.counters.IncHandshakeCompleted()
}

// handleData decrypts, learns the sender's route, and delivers. The fast
// path finds the session by source address; when that fails the frame is
// trial-decrypted against every live session, which is what lets a peer
// keep its session across an address change.
func (e *Engine) handleData(msg *wire.Data, from netip.AddrPort, now time.Time) {
	var (
		p         *peers.PeerSession
		plaintext []byte
	)

	if bound := e.table.LookupAddr(from); bound != nil && bound.Established() {
		pt, err := bound.Crypto.Decrypt(msg.Counter, msg.Ciphertext, dataAD)
		switch {
		case err == nil:
			p, plaintext = bound, pt
		case errors.Is(err, crypto.ErrReplayRejected):
			e.counters.IncReplayRejected()
			return
		default:
			e.counters.IncAuthFailure()
			return
		}
	} else {
		for _, cand := range e.table.Live() {
			pt, err := cand.Crypto.TryDecrypt(msg.Counter, msg.Ciphertext, dataAD)
			if errors.Is(err, crypto.ErrReplayRejected) {
				e.counters.IncReplayRejected()
				return
			}
			if err == nil {
				p, plaintext = cand, pt
				break
			}
		}
		if p == nil {
			e.counters.IncAuthFailure()
			return
		}
		// Successful decryption authenticates the new source address.
		e.table.UpsertAddress(p.ID, from)
		e.log.Info("peer roamed",
			slog.String("peer", p.ID.Short()), slog.String("addr", from.String()))
	}

	e.table.Touch(p.ID, now)

	if msg.Flags&wire.FlagCompressed != 0 {
		pt, err := wire.Decompress(plaintext, wire.MaxDatagram)
		if err != nil {
			e.counters.IncProtocolError()
			return
		}
		plaintext = pt
	}

	hdr, err := frame.Parse(plaintext)
	if err != nil {
		e.counters.IncProtocolError()
		return
	}
	switch err := e.routes.Learn(hdr.Src, p.ID, now); {
	case errors.Is(err, route.ErrSpoofSuspected):
		e.counters.IncSpoofRejected()
		e.log.Warn("route learn rejected",
			slog.String("peer", p.ID.Short()), slog.String("src", hdr.Src.String()))
	case errors.Is(err, route.ErrLocalAddress):
		// A peer echoing our own frames back; keep the local route.
	}

	if err := e.dev.Send(plaintext); err != nil {
		e.counters.IncSendError()
		return
	}
	e.counters.IncDataDelivered()
}

func (e *Engine) handleKeepalive(from netip.AddrPort, now time.Time) {
	p := e.table.LookupAddr(from)
	if p == nil {
		return
	}
	e.table.Touch(p.ID, now)
	e.sendMessage(wire.Pong{}, from)
}

// touchAddr refreshes liveness for the peer bound to an address. It never
// rebinds: unauthenticated traffic cannot move a session.
func (e *Engine) touchAddr(from netip.AddrPort, now time.Time) {
	if p := e.table.LookupAddr(from); p != nil {
		e.table.Touch(p.ID, now)
	}
}

// handlePeerExchange dials gossiped candidates we do not already know.
// Only addresses bound to a live session are believed, and dials are rate
// limited per gossip source so a hostile peer cannot turn us into a
// handshake amplifier.
func (e *Engine) handlePeerExchange(msg *wire.PeerExchange, from netip.AddrPort, now time.Time) {
	p := e.table.LookupAddr(from)
	if p == nil || !p.Established() {
		return
	}
	e.table.Touch(p.ID, now)

	for _, ep := range msg.Peers {
		addr := netip.AddrPortFrom(ep.Addr.Addr().Unmap(), ep.Addr.Port())
		if !addr.IsValid() || addr.Port() == 0 {
			continue
		}
		if addr == e.sock.LocalAddr() {
			continue
		}
		if e.table.KnowsAddr(addr) {
			continue
		}
		if _, ok := e.pending[addr]; ok {
			continue
		}
		if !e.hsLimiter.Allow(from.String(), now) {
			return
		}
		e.dial(addr, now)
	}
}

func (e *Engine) handleClose(from netip.AddrPort) {
	p := e.table.LookupAddr(from)
	if p == nil {
		return
	}
	e.log.Info("peer closed session", slog.String("peer", p.ID.Short()))
	e.table.Remove(p.ID)
}

// dial starts a handshake with an address whose identity is unknown.
func (e *Engine) dial(addr netip.AddrPort, now time.Time) {
	sess := crypto.NewSession(e.key, e.sessionOptions())
	init, err := sess.Initiate()
	if err != nil {
		return
	}
	e.pending[addr] = &pendingHandshake{sess: sess, created: now, lastSent: now}
	e.sendMessage(init, addr)
}

// maybeInitiate kicks a handshake toward a known peer whose session has no
// keys, paced by the handshake limiter.
func (e *Engine) maybeInitiate(p *peers.PeerSession, now time.Time) {
	if p.Crypto == nil {
		p.Crypto = crypto.NewSession(e.key, e.sessionOptions())
	}
	if !e.hsLimiter.Allow(p.Addr.String(), now) {
		return
	}
	init, err := p.Crypto.Initiate()
	if err != nil {
		return
	}
	e.sendMessage(init, p.Addr)
}

func (e *Engine) connectSeeds(now time.Time) {
	for _, seed := range e.cfg.Seeds {
		udpAddr, err := net.ResolveUDPAddr("udp", seed)
		if err != nil {
			e.log.Warn("seed not resolvable", slog.String("seed", seed), slog.Any("error", err))
			continue
		}
		addr := udpAddr.AddrPort()
		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
		if e.table.KnowsAddr(addr) {
			continue
		}
		e.log.Info("dialing seed", slog.String("addr", addr.String()))
		e.dial(addr, now)
	}
}

// housekeep runs once per tick: liveness, route expiry, handshake
// retries, rekeys, keepalives, and gossip.
func (e *Engine) housekeep(now time.Time) {
	evicted := e.table.Tick(now, func(p *peers.PeerSession) {
		e.sendMessage(wire.Keepalive{}, p.Addr)
	})
	if len(evicted) > 0 {
		e.counters.AddPeersEvicted(len(evicted))
		for _, id := range evicted {
			e.log.Info("peer evicted", slog.String("peer", id.Short()))
		}
	}

	e.routes.Expire(now)

	for addr, pend := range e.pending {
		if now.Sub(pend.created) >= pendingExpiry {
			delete(e.pending, addr)
			continue
		}
		if now.Sub(pend.lastSent) >= handshakeRetryInterval {
			init, err := pend.sess.Initiate()
			if err != nil {
				delete(e.pending, addr)
				continue
			}
			pend.lastSent = now
			e.sendMessage(init, addr)
		}
	}

	for _, p := range e.table.Live() {
		if p.Crypto.ShouldRekey(now, e.cfg.RekeyInterval) {
			init, err := p.Crypto.Initiate()
			if err != nil {
				continue
			}
			e.log.Debug("rekeying", slog.String("peer", p.ID.Short()))
			e.sendMessage(init, p.Addr)
			continue
		}
		if now.Sub(p.LastSeen) >= e.cfg.KeepaliveInterval && now.Sub(p.LastKeepalive) >= e.cfg.KeepaliveInterval {
			p.LastKeepalive = now
			e.sendMessage(wire.Keepalive{}, p.Addr)
		}
	}

	if now.Sub(e.lastGossip) >= e.cfg.PeerExchangeInterval {
		e.lastGossip = now
		e.gossip()
	}

	e.hsLimiter.Prune(now)
}

// gossip advertises live peers to a bounded set of live peers. Each
// recipient's own entry is elided from its copy.
func (e *Engine) gossip() {
	live := e.table.Live()
	if len(live) < 2 {
		return
	}
	fanout := e.cfg.PeerExchangeFanout
	if fanout > len(live) {
		fanout = len(live)
	}
	for _, to := range live[:fanout] {
		msg := &wire.PeerExchange{}
		for _, p := range live {
			if p.ID == to.ID {
				continue
			}
			msg.Peers = append(msg.Peers, wire.Endpoint{
				Hint: e.routes.HintFor(p.ID),
				Addr: p.Addr,
			})
			if len(msg.Peers) == wire.MaxExchangePeers {
				break
			}
		}
		if len(msg.Peers) > 0 {
			e.sendMessage(msg, to.Addr)
		}
	}
}

func (e *Engine) sendMessage(m wire.Message, to netip.AddrPort) {
	buf, err := wire.Encode(m)
	if err != nil {
		e.counters.IncProtocolError()
		return
	}
	if err := e.sock.Send(buf, to); err != nil {
		e.counters.IncSendError()
	}
}

func (e *Engine) sessionOptions() crypto.Options {
	return crypto.Options{
		ReplayWindow:     e.cfg.ReplayWindow,
		AuthFailureLimit: e.cfg.AuthFailureLimit,
		RekeyGrace:       e.cfg.RekeyGrace,
	}
}

// shutdown announces teardown to every peer, closes both handles and
// joins the reader goroutines.
func (e *Engine) shutdown() error {
	e.log.Info("engine stopping")
	for _, p := range e.table.All() {
		e.sendMessage(wire.Close{}, p.Addr)
	}
	close(e.done)
	sockErr := e.sock.Close()
	devErr := e.dev.Close()
	e.wg.Wait()
	return errors.Join(sockErr, devErr)
}
