// Package message defines the request envelope handed through the server's
// dispatch chain.
package message

import "hrpc/protocol"

// Request is one call read off a connection. Payload is still encoded.
type Request struct {
	ID         protocol.ID
	Payload    []byte
	RemoteAddr string
}
