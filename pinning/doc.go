// Package pinning restricts the certificates trusted for a bank host to an
// explicit allow-list of SHA-256 fingerprints and plugs that decision into
// crypto/tls handshakes.
package pinning
