package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"time"

	"golang.zx2c4.com/wireguard/tai64n"

	"github.com/ethermesh/ethermesh/mesh/identity"
	"github.com/ethermesh/ethermesh/mesh/wire"
)

// State is the lifecycle of a peer session.
type State uint8

const (
	StateUnestablished State = iota
	StateHandshaking
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnestablished:
		return "unestablished"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

var (
	ErrNotEstablished = errors.New("crypto: session not established")
	ErrBadSignature   = errors.New("crypto: handshake signature invalid")
	ErrBadEcho        = errors.New("crypto: handshake echo does not match challenge")
	ErrStaleHandshake = errors.New("crypto: handshake older than last accepted")
	ErrPeerMismatch   = errors.New("crypto: handshake identity does not match session peer")
	ErrNoHandshake    = errors.New("crypto: no handshake in flight")
)

const (
	labelInitTranscript = "ethermesh-handshake-init-v1"
	labelRespTranscript = "ethermesh-handshake-resp-v1"

	// DefaultReplayWindow is the replay window size when none is configured.
	DefaultReplayWindow = 1024
	// DefaultAuthFailureLimit forces a session reset after this many
	// consecutive authentication failures.
	DefaultAuthFailureLimit = 10
	// DefaultRekeyGrace keeps the previous keys accepted for in-flight
	// traffic after a rekey.
	DefaultRekeyGrace = 90 * time.Second

	// rekeyRetryInterval is how long an unanswered rekey init holds off the
	// next attempt. Without it a single lost response would stall rekeying
	// for the life of the session.
	rekeyRetryInterval = 5 * time.Second
)

// Options tune a session's replay and rekey behavior. Zero values select
// the defaults.
type Options struct {
	ReplayWindow     int
	AuthFailureLimit int
	RekeyGrace       time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReplayWindow <= 0 {
		o.ReplayWindow = DefaultReplayWindow
	}
	if o.AuthFailureLimit <= 0 {
		o.AuthFailureLimit = DefaultAuthFailureLimit
	}
	if o.RekeyGrace <= 0 {
		o.RekeyGrace = DefaultRekeyGrace
	}
	return o
}

// keypair is one generation of session keys. A rekey installs a fresh
// keypair and demotes the old one to previous, which stays usable for
// decryption during the grace window.
type keypair struct {
	send        cipherState
	recv        cipherState
	sendCounter uint64
	window      *Window
	created     time.Time
}

// Session owns the authenticated-encryption state for a single remote
// peer: handshake progress, key generations, outbound counter, and the
// inbound replay window. It is not safe for concurrent use; the forwarding
// loop is its only caller.
type Session struct {
	local identity.KeyPair
	opts  Options

	remoteID  identity.PeerID
	remotePub ed25519.PublicKey

	state     State
	initiator bool

	// handshake in flight
	eph          X25519KeyPair
	challenge    [32]byte
	hsActive     bool
	initiatedAt  time.Time
	lastInitTime tai64n.Timestamp
	lastInitHash [32]byte
	cachedResp   *wire.HandshakeResponse

	current   *keypair
	previous  *keypair
	rotatedAt time.Time

	authFailures uint64
}

// NewSession creates a session in the Unestablished state. The remote
// identity is pinned on the first verified handshake message.
func NewSession(local identity.KeyPair, opts Options) *Session {
	return &Session{local: local, opts: opts.withDefaults()}
}

func (s *Session) State() State                { return s.state }
func (s *Session) Established() bool           { return s.state == StateEstablished }
func (s *Session) RemoteID() identity.PeerID   { return s.remoteID }
func (s *Session) RemotePub() ed25519.PublicKey { return s.remotePub }

// Initiate starts (or, on an established session, rekeys) a handshake and
// returns the init message to send. The session keeps forwarding traffic
// under the old keys until the response arrives.
func (s *Session) Initiate() (*wire.HandshakeInit, error) {
	if s.state == StateClosed {
		return nil, ErrNotEstablished
	}
	eph, err := GenerateX25519()
	if err != nil {
		return nil, err
	}
	var challenge [32]byte
	if _, err := io.ReadFull(rand.Reader, challenge[:]); err != nil {
		return nil, err
	}

	s.eph = eph
	s.challenge = challenge
	s.hsActive = true
	s.initiatedAt = time.Now()
	s.initiator = true
	if s.state == StateUnestablished {
		s.state = StateHandshaking
	}

	msg := &wire.HandshakeInit{
		Ephemeral: eph.PublicKey,
		Challenge: challenge,
		Timestamp: [12]byte(tai64n.Now()),
	}
	copy(msg.SenderPub[:], s.local.PublicKey)
	sig := s.local.Sign(initTranscript(msg))
	copy(msg.Signature[:], sig)
	return msg, nil
}

// HandleInit processes a received handshake init and returns the response
// to send back. Retransmitted inits are idempotent: the identical message
// yields the identical cached response without disturbing session keys. A
// fresh init with a newer timestamp rekeys the session; older timestamps
// are rejected.
//
// The second return value reports whether the init was fresh. A cached
// retransmit returns false: replaying a captured init is not proof the
// peer is reachable at the datagram's source address, so callers must not
// act on that address.
func (s *Session) HandleInit(msg *wire.HandshakeInit) (*wire.HandshakeResponse, bool, error) {
	if s.state == StateClosed {
		return nil, false, ErrNotEstablished
	}
	senderPub := ed25519.PublicKey(msg.SenderPub[:])
	if !identity.Verify(senderPub, initTranscript(msg), msg.Signature[:]) {
		return nil, false, ErrBadSignature
	}
	if err := s.pinIdentity(senderPub); err != nil {
		return nil, false, err
	}

	digest := initDigest(msg)
	if digest == s.lastInitHash && s.cachedResp != nil {
		return s.cachedResp, false, nil
	}
	ts := tai64n.Timestamp(msg.Timestamp)
	if s.lastInitTime != (tai64n.Timestamp{}) && !ts.After(s.lastInitTime) {
		return nil, false, ErrStaleHandshake
	}

	eph, err := GenerateX25519()
	if err != nil {
		return nil, false, err
	}
	shared, err := ECDH(eph.PrivateKey, msg.Ephemeral)
	if err != nil {
		return nil, false, err
	}
	initiatorKey, responderKey, err := DeriveSessionKeys(shared, msg.Ephemeral, eph.PublicKey)
	if err != nil {
		return nil, false, err
	}
	kp, err := s.newKeypair(responderKey, initiatorKey)
	if err != nil {
		return nil, false, err
	}

	resp := &wire.HandshakeResponse{
		Ephemeral: eph.PublicKey,
		Echo:      msg.Challenge,
		Timestamp: [12]byte(tai64n.Now()),
	}
	copy(resp.SenderPub[:], s.local.PublicKey)
	sig := s.local.Sign(respTranscript(resp))
	copy(resp.Signature[:], sig)

	s.rotate(kp)
	s.state = StateEstablished
	s.lastInitTime = ts
	s.lastInitHash = digest
	s.cachedResp = resp
	s.authFailures = 0
	return resp, true, nil
}

// HandleResponse completes a handshake this session initiated. The echo
// must match the challenge sent in the init, proving the responder saw our
// init and is reachable at the address it answered from.
func (s *Session) HandleResponse(msg *wire.HandshakeResponse) error {
	if !s.hsActive || !s.initiator {
		return ErrNoHandshake
	}
	if msg.Echo != s.challenge {
		return ErrBadEcho
	}
	senderPub := ed25519.PublicKey(msg.SenderPub[:])
	if !identity.Verify(senderPub, respTranscript(msg), msg.Signature[:]) {
		return ErrBadSignature
	}
	if err := s.pinIdentity(senderPub); err != nil {
		return err
	}

	shared, err := ECDH(s.eph.PrivateKey, msg.Ephemeral)
	if err != nil {
		return err
	}
	initiatorKey, responderKey, err := DeriveSessionKeys(shared, s.eph.PublicKey, msg.Ephemeral)
	if err != nil {
		return err
	}
	kp, err := s.newKeypair(initiatorKey, responderKey)
	if err != nil {
		return err
	}

	s.rotate(kp)
	s.state = StateEstablished
	s.hsActive = false
	s.eph = X25519KeyPair{}
	s.challenge = [32]byte{}
	s.authFailures = 0
	return nil
}

// Encrypt seals one payload, returning the explicit counter to carry on
// the wire. A counter is never reused under a given key generation.
func (s *Session) Encrypt(plaintext, additionalData []byte) (uint64, []byte, error) {
	if s.state != StateEstablished || s.current == nil {
		return 0, nil, ErrNotEstablished
	}
	s.current.sendCounter++
	counter := s.current.sendCounter
	return counter, s.current.send.seal(counter, plaintext, additionalData), nil
}

// Decrypt opens one payload. Frames sealed under the previous key
// generation are accepted during the rekey grace window. A replay is
// reported but never counts toward the failure threshold; authentication
// failures do, and crossing the threshold resets the session so a fresh
// handshake is required.
func (s *Session) Decrypt(counter uint64, ciphertext, additionalData []byte) ([]byte, error) {
	return s.decrypt(counter, ciphertext, additionalData, true)
}

// TryDecrypt opens a payload without charging a failure against this
// session. Used when recovering the sender of a datagram from an unknown
// source address, where most candidate sessions are expected to fail.
func (s *Session) TryDecrypt(counter uint64, ciphertext, additionalData []byte) ([]byte, error) {
	return s.decrypt(counter, ciphertext, additionalData, false)
}

func (s *Session) decrypt(counter uint64, ciphertext, additionalData []byte, penalize bool) ([]byte, error) {
	if s.state != StateEstablished || s.current == nil {
		return nil, ErrNotEstablished
	}

	// Authenticate first, then consult the window. A frame that does not
	// open under this session says nothing about replays here: its counter
	// may legitimately collide with one some other session has seen, and a
	// forged counter must not masquerade as a replay to dodge the failure
	// threshold.
	sawReplay := false
	for _, kp := range s.liveKeypairs() {
		plaintext, err := kp.recv.open(counter, ciphertext, additionalData)
		if err != nil {
			continue
		}
		if err := kp.window.Check(counter); err != nil {
			sawReplay = true
			continue
		}
		kp.window.Accept(counter)
		s.authFailures = 0
		return plaintext, nil
	}
	if sawReplay {
		return nil, ErrReplayRejected
	}

	if penalize {
		s.authFailures++
		if s.authFailures >= uint64(s.opts.AuthFailureLimit) {
			s.Reset()
		}
	}
	return nil, ErrAuthenticationFailed
}

// ShouldRekey reports whether this side is due to refresh the session keys.
// Only the original initiator drives rekeying, so both sides do not rekey
// against each other simultaneously. An unanswered rekey init holds the
// next attempt off only until rekeyRetryInterval has passed, so a lost
// response delays rekeying instead of cancelling it.
func (s *Session) ShouldRekey(now time.Time, interval time.Duration) bool {
	if s.state != StateEstablished || !s.initiator || s.current == nil {
		return false
	}
	if now.Sub(s.current.created) < interval {
		return false
	}
	if s.hsActive && now.Sub(s.initiatedAt) < rekeyRetryInterval {
		return false
	}
	return true
}

// AuthFailures returns the consecutive authentication failure count.
func (s *Session) AuthFailures() uint64 { return s.authFailures }

// Reset discards all key material and handshake progress, returning the
// session to Unestablished. The pinned remote identity and the last
// accepted init timestamp survive, so stale handshakes stay rejected.
func (s *Session) Reset() {
	s.state = StateUnestablished
	s.hsActive = false
	s.eph = X25519KeyPair{}
	s.challenge = [32]byte{}
	s.current = nil
	s.previous = nil
	s.cachedResp = nil
	s.authFailures = 0
}

// Close marks the session closed; no further traffic is accepted.
func (s *Session) Close() {
	s.Reset()
	s.state = StateClosed
}

func (s *Session) pinIdentity(pub ed25519.PublicKey) error {
	id := identity.PeerIDFromPublicKey(pub)
	if s.remoteID.IsZero() {
		s.remoteID = id
		s.remotePub = append(ed25519.PublicKey(nil), pub...)
		return nil
	}
	if id != s.remoteID {
		return ErrPeerMismatch
	}
	return nil
}

func (s *Session) newKeypair(sendKey, recvKey []byte) (*keypair, error) {
	send, err := newCipherState(sendKey)
	if err != nil {
		return nil, err
	}
	recv, err := newCipherState(recvKey)
	if err != nil {
		return nil, err
	}
	return &keypair{
		send:    send,
		recv:    recv,
		window:  NewWindow(s.opts.ReplayWindow),
		created: time.Now(),
	}, nil
}

func (s *Session) rotate(kp *keypair) {
	if s.current != nil {
		s.previous = s.current
		s.rotatedAt = time.Now()
	}
	s.current = kp
}

func (s *Session) liveKeypairs() []*keypair {
	if s.previous != nil && time.Since(s.rotatedAt) < s.opts.RekeyGrace {
		return []*keypair{s.current, s.previous}
	}
	s.previous = nil
	return []*keypair{s.current}
}

func initTranscript(msg *wire.HandshakeInit) []byte {
	b := make([]byte, 0, len(labelInitTranscript)+32+32+32+12)
	b = append(b, labelInitTranscript...)
	b = append(b, msg.SenderPub[:]...)
	b = append(b, msg.Ephemeral[:]...)
	b = append(b, msg.Challenge[:]...)
	b = append(b, msg.Timestamp[:]...)
	return b
}

func respTranscript(msg *wire.HandshakeResponse) []byte {
	b := make([]byte, 0, len(labelRespTranscript)+32+32+32+12)
	b = append(b, labelRespTranscript...)
	b = append(b, msg.SenderPub[:]...)
	b = append(b, msg.Ephemeral[:]...)
	b = append(b, msg.Echo[:]...)
	b = append(b, msg.Timestamp[:]...)
	return b
}

func initDigest(msg *wire.HandshakeInit) [32]byte {
	h := sha256.New()
	h.Write(msg.SenderPub[:])
	h.Write(msg.Ephemeral[:])
	h.Write(msg.Challenge[:])
	h.Write(msg.Timestamp[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
