// Package session owns transport settings shared by hub clients and
// listeners.
//
// Ownership boundary:
// - connect/handshake/io timeouts
// - TLS material validation and tls.Config builders
// - reconnect backoff
package session
