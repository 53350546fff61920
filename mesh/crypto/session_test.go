package crypto

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/ethermesh/ethermesh/mesh/identity"
)

var testAD = []byte{0xEC, 0x01, 0x03}

func newSessionPair(t *testing.T, opts Options) (*Session, *Session) {
	t.Helper()
	aliceKey, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	bobKey, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return NewSession(aliceKey, opts), NewSession(bobKey, opts)
}

func establish(t *testing.T, alice, bob *Session) {
	t.Helper()
	init, err := alice.Initiate()
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	resp, _, err := bob.HandleInit(init)
	if err != nil {
		t.Fatalf("HandleInit: %v", err)
	}
	if err := alice.HandleResponse(resp); err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
}

func TestSessionHandshakeAndTraffic(t *testing.T) {
	alice, bob := newSessionPair(t, Options{})
	establish(t, alice, bob)

	if !alice.Established() || !bob.Established() {
		t.Fatalf("states after handshake: %v / %v", alice.State(), bob.State())
	}
	if alice.RemoteID() != bob.local.PeerID() || bob.RemoteID() != alice.local.PeerID() {
		t.Fatalf("sessions pinned the wrong identities")
	}

	for _, payload := range [][]byte{[]byte("a"), []byte("second frame"), make([]byte, 1400)} {
		counter, ct, err := alice.Encrypt(payload, testAD)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		pt, err := bob.Decrypt(counter, ct, testAD)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(pt, payload) {
			t.Fatalf("payload corrupted in transit")
		}
	}

	// And the reverse direction.
	counter, ct, err := bob.Encrypt([]byte("reply"), testAD)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := alice.Decrypt(counter, ct, testAD); err != nil {
		t.Fatalf("Decrypt reverse: %v", err)
	}
}

func TestSessionCountersAreMonotonic(t *testing.T) {
	alice, bob := newSessionPair(t, Options{})
	establish(t, alice, bob)

	last := uint64(0)
	for i := 0; i < 10; i++ {
		counter, _, err := alice.Encrypt([]byte("x"), testAD)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		if counter <= last {
			t.Fatalf("counter %d not strictly greater than %d", counter, last)
		}
		last = counter
	}
}

func TestSessionRejectsReplay(t *testing.T) {
	alice, bob := newSessionPair(t, Options{})
	establish(t, alice, bob)

	counter, ct, err := alice.Encrypt([]byte("once"), testAD)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := bob.Decrypt(counter, ct, testAD); err != nil {
		t.Fatalf("first Decrypt: %v", err)
	}
	_, err = bob.Decrypt(counter, ct, testAD)
	if !errors.Is(err, ErrReplayRejected) {
		t.Fatalf("expected ErrReplayRejected, got %v", err)
	}
	// Replays carry no weight against the failure threshold.
	if bob.AuthFailures() != 0 {
		t.Fatalf("replay counted as auth failure")
	}
}

func TestSessionRejectsForeignCiphertext(t *testing.T) {
	alice, bob := newSessionPair(t, Options{})
	establish(t, alice, bob)
	carol, dave := newSessionPair(t, Options{})
	establish(t, carol, dave)

	// A frame sealed for bob must not open on dave's session.
	counter, ct, err := alice.Encrypt([]byte("for bob only"), testAD)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := dave.Decrypt(counter, ct, testAD); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if _, err := bob.Decrypt(counter, ct, testAD); err != nil {
		t.Fatalf("intended recipient rejected the frame: %v", err)
	}
}

func TestSessionInitIdempotent(t *testing.T) {
	alice, bob := newSessionPair(t, Options{})

	init, err := alice.Initiate()
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	resp1, fresh, err := bob.HandleInit(init)
	if err != nil {
		t.Fatalf("HandleInit: %v", err)
	}
	if !fresh {
		t.Fatalf("first init reported as a retransmit")
	}
	// The same init again (a retransmit) must return the identical
	// response without touching the established keys, and must be
	// flagged so callers never treat it as proof of the sender's address.
	resp2, fresh, err := bob.HandleInit(init)
	if err != nil {
		t.Fatalf("HandleInit retransmit: %v", err)
	}
	if fresh {
		t.Fatalf("retransmitted init reported as fresh")
	}
	if *resp1 != *resp2 {
		t.Fatalf("retransmitted init produced a different response")
	}

	if err := alice.HandleResponse(resp1); err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	counter, ct, err := alice.Encrypt([]byte("still works"), testAD)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := bob.Decrypt(counter, ct, testAD); err != nil {
		t.Fatalf("Decrypt after retransmit: %v", err)
	}
}

func TestSessionRejectsStaleInit(t *testing.T) {
	alice, bob := newSessionPair(t, Options{})

	init1, err := alice.Initiate()
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	// Timestamps are whitened to roughly 17ms granularity; sleep past it
	// so the second init is strictly newer.
	time.Sleep(25 * time.Millisecond)
	init2, err := alice.Initiate()
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	if _, _, err := bob.HandleInit(init2); err != nil {
		t.Fatalf("HandleInit: %v", err)
	}
	if _, _, err := bob.HandleInit(init1); !errors.Is(err, ErrStaleHandshake) {
		t.Fatalf("expected ErrStaleHandshake, got %v", err)
	}
}

func TestSessionRejectsTamperedInit(t *testing.T) {
	alice, bob := newSessionPair(t, Options{})

	init, err := alice.Initiate()
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	init.Challenge[0] ^= 0xff
	if _, _, err := bob.HandleInit(init); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestSessionRejectsBadEcho(t *testing.T) {
	alice, bob := newSessionPair(t, Options{})

	init, err := alice.Initiate()
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	resp, _, err := bob.HandleInit(init)
	if err != nil {
		t.Fatalf("HandleInit: %v", err)
	}
	resp.Echo[0] ^= 0xff
	if err := alice.HandleResponse(resp); !errors.Is(err, ErrBadEcho) {
		t.Fatalf("expected ErrBadEcho, got %v", err)
	}
}

func TestSessionPinsIdentity(t *testing.T) {
	alice, bob := newSessionPair(t, Options{})
	establish(t, alice, bob)

	// A handshake from a different identity must not take over the session.
	mallory, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	evil := NewSession(mallory, Options{})
	init, err := evil.Initiate()
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, _, err := bob.HandleInit(init); !errors.Is(err, ErrPeerMismatch) {
		t.Fatalf("expected ErrPeerMismatch, got %v", err)
	}
}

func TestSessionAuthFailureThreshold(t *testing.T) {
	alice, bob := newSessionPair(t, Options{AuthFailureLimit: 3})
	establish(t, alice, bob)

	garbage := make([]byte, 64)
	for i := 0; i < 2; i++ {
		if _, err := bob.Decrypt(uint64(100+i), garbage, testAD); !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
		}
	}
	if !bob.Established() {
		t.Fatalf("session reset before the threshold")
	}
	// A good frame clears the count.
	counter, ct, err := alice.Encrypt([]byte("good"), testAD)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := bob.Decrypt(counter, ct, testAD); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if bob.AuthFailures() != 0 {
		t.Fatalf("auth failure count not cleared by good frame")
	}

	for i := 0; i < 3; i++ {
		bob.Decrypt(uint64(200+i), garbage, testAD)
	}
	if bob.Established() {
		t.Fatalf("session survived the failure threshold")
	}
}

func TestSessionTryDecryptDoesNotPenalize(t *testing.T) {
	alice, bob := newSessionPair(t, Options{AuthFailureLimit: 2})
	establish(t, alice, bob)

	garbage := make([]byte, 64)
	for i := 0; i < 10; i++ {
		if _, err := bob.TryDecrypt(uint64(50+i), garbage, testAD); err == nil {
			t.Fatalf("garbage decrypted")
		}
	}
	if !bob.Established() || bob.AuthFailures() != 0 {
		t.Fatalf("TryDecrypt charged failures against the session")
	}
}

func TestSessionForeignCiphertextOnSeenCounter(t *testing.T) {
	alice, bob := newSessionPair(t, Options{})
	establish(t, alice, bob)
	carol, dave := newSessionPair(t, Options{})
	establish(t, carol, dave)

	// Bob's replay window has seen counter 1.
	counter, ct, err := alice.Encrypt([]byte("for bob"), testAD)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := bob.Decrypt(counter, ct, testAD); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	// Carol's frame reuses that counter but was sealed for dave. Bob must
	// report an authentication failure, not a replay: callers trying
	// several sessions against one frame stop on replay, and a frame that
	// never opened here was never replayed here.
	foreignCounter, foreignCT, err := carol.Encrypt([]byte("for dave"), testAD)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if foreignCounter != counter {
		t.Fatalf("counters diverged: %d vs %d", foreignCounter, counter)
	}
	if _, err := bob.TryDecrypt(foreignCounter, foreignCT, testAD); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if _, err := dave.Decrypt(foreignCounter, foreignCT, testAD); err != nil {
		t.Fatalf("intended recipient rejected the frame: %v", err)
	}
}

func TestSessionRekeyKeepsOldTrafficDecryptable(t *testing.T) {
	alice, bob := newSessionPair(t, Options{RekeyGrace: time.Minute})
	establish(t, alice, bob)

	// Frame sealed under the first key generation, delivered late.
	oldCounter, oldCT, err := alice.Encrypt([]byte("in flight"), testAD)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	time.Sleep(25 * time.Millisecond)
	establish(t, alice, bob) // rekey

	counter, ct, err := alice.Encrypt([]byte("fresh keys"), testAD)
	if err != nil {
		t.Fatalf("Encrypt after rekey: %v", err)
	}
	if _, err := bob.Decrypt(counter, ct, testAD); err != nil {
		t.Fatalf("Decrypt after rekey: %v", err)
	}
	if _, err := bob.Decrypt(oldCounter, oldCT, testAD); err != nil {
		t.Fatalf("in-flight frame rejected during grace window: %v", err)
	}
}

func TestSessionShouldRekey(t *testing.T) {
	alice, bob := newSessionPair(t, Options{})
	establish(t, alice, bob)

	now := time.Now()
	if alice.ShouldRekey(now, time.Hour) {
		t.Fatalf("fresh session wants rekey")
	}
	if !alice.ShouldRekey(now.Add(2*time.Hour), time.Hour) {
		t.Fatalf("initiator not due for rekey")
	}
	// Only the initiator drives rekeying.
	if bob.ShouldRekey(now.Add(2*time.Hour), time.Hour) {
		t.Fatalf("responder wants rekey")
	}
}

func TestSessionRekeyRetriesAfterLostResponse(t *testing.T) {
	alice, bob := newSessionPair(t, Options{})
	establish(t, alice, bob)

	now := time.Now().Add(time.Second)
	if !alice.ShouldRekey(now, time.Millisecond) {
		t.Fatalf("initiator not due for rekey")
	}

	// Timestamps are whitened to roughly 17ms granularity; sleep past it
	// so the retried init is strictly newer than establish's.
	time.Sleep(25 * time.Millisecond)
	if _, err := alice.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	// The response is lost. While the init is recent the session holds
	// off, then tries again instead of stalling forever.
	if alice.ShouldRekey(now, time.Millisecond) {
		t.Fatalf("rekey due while a fresh handshake is in flight")
	}
	if !alice.ShouldRekey(now.Add(6*time.Second), time.Millisecond) {
		t.Fatalf("rekey never retried after the response was lost")
	}

	// A completed handshake resets the clock.
	time.Sleep(25 * time.Millisecond)
	init, err := alice.Initiate()
	if err != nil {
		t.Fatalf("Initiate retry: %v", err)
	}
	resp, _, err := bob.HandleInit(init)
	if err != nil {
		t.Fatalf("HandleInit: %v", err)
	}
	if err := alice.HandleResponse(resp); err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	if alice.ShouldRekey(time.Now(), time.Hour) {
		t.Fatalf("rekeyed session wants another rekey")
	}
}

func TestSessionCloseRefusesTraffic(t *testing.T) {
	alice, bob := newSessionPair(t, Options{})
	establish(t, alice, bob)

	bob.Close()
	counter, ct, err := alice.Encrypt([]byte("late"), testAD)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := bob.Decrypt(counter, ct, testAD); !errors.Is(err, ErrNotEstablished) {
		t.Fatalf("expected ErrNotEstablished, got %v", err)
	}
	if _, err := bob.Initiate(); !errors.Is(err, ErrNotEstablished) {
		t.Fatalf("closed session allowed a handshake")
	}
}
