package websocket

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/gorilla/websocket"
)

var (
	// ErrUnknownSymbol is returned when a trade names a symbol not in the whitelist map
	ErrUnknownSymbol = errors.New("unknown symbol")
	// ErrNotConnected is returned by trade calls while no connection is up
	ErrNotConnected = errors.New("not connected")
	// ErrHandshakeTimeout is returned when the handshake exceeds the configured timeout
	ErrHandshakeTimeout = errors.New("handshake timed out")
	// ErrAccountNotResolved is returned by trade calls before a demo account is known
	ErrAccountNotResolved = errors.New("trading account not resolved")
)

// IsTransient reports whether err is a connection-level failure worth a reconnect
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrHandshakeTimeout)
}
