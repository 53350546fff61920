// Package crypto implements the per-peer session layer of the overlay.
//
// Design goals:
//   - Mutual authentication from long-term Ed25519 identities
//   - Forward secrecy via ephemeral X25519 key exchange
//   - AEAD encryption via ChaCha20-Poly1305 (RFC 8439) with explicit counters
//   - Key derivation via HKDF-SHA256
//   - Sliding-window replay protection on the receive path
package crypto
