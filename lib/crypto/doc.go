// Package crypto is the cryptographic collaborator of a porthop session.
//
// Standard implements Provider with X25519 for key agreement, HKDF-SHA256
// for session keys and hop parameters, HMAC-SHA256 for packet
// authentication and PBKDF2-SHA256 for the daily key derived from a
// pre-shared secret. Sessions only see the Provider interface.
package crypto
