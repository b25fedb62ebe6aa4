package websocket

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	dialTimeout       = 30 * time.Second
	closeWriteTimeout = 2 * time.Second
)

// Transport is a bidirectional frame channel to the cTrader endpoint.
// Send is safe for concurrent use; Receive has a single caller.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
	IsOpen() bool
}

// Dialer opens a Transport to url
type Dialer func(ctx context.Context, url string) (Transport, error)

// TransportError marks a failure of the underlying connection.
// Every TransportError is treated as transient by the session.
type TransportError struct {
	Op  string // dial, read, write, close
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewDialer returns a Dialer using gorilla/websocket over TLS.
// A nil tlsConfig uses the system roots.
func NewDialer(tlsConfig *tls.Config, logger logrus.FieldLogger) Dialer {
	return func(ctx context.Context, url string) (Transport, error) {
		log := logger.WithFields(logrus.Fields{
			"function": "Dial",
			"url":      url,
		})

		dialer := websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: dialTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			TLSClientConfig:  tlsConfig,
		}

		conn, resp, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			if resp != nil {
				log.WithField("status", resp.StatusCode).WithError(err).Error("WebSocket handshake failed")
			} else {
				log.WithError(err).Error("Dial failed (no response)")
			}
			return nil, &TransportError{Op: "dial", Err: err}
		}

		// No deadlines; liveness is the heartbeat's job
		conn.SetReadDeadline(time.Time{})
		conn.SetWriteDeadline(time.Time{})

		log.WithFields(logrus.Fields{
			"local_addr":  conn.LocalAddr().String(),
			"remote_addr": conn.RemoteAddr().String(),
		}).Info("WebSocket connection established")

		return &wsTransport{conn: conn, logger: logger}, nil
	}
}

// NewDialerFromHTTPClient reuses the TLS configuration of client's transport,
// which lets tests dial servers with self-signed certificates.
func NewDialerFromHTTPClient(client *http.Client, logger logrus.FieldLogger) Dialer {
	var tlsConfig *tls.Config
	if client != nil {
		if transport, ok := client.Transport.(*http.Transport); ok && transport.TLSClientConfig != nil {
			tlsConfig = transport.TLSClientConfig
		}
	}
	return NewDialer(tlsConfig, logger)
}

// wsTransport wraps a gorilla connection. gorilla allows one concurrent
// writer, so every write (including the close frame) takes writeMu.
type wsTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	logger    logrus.FieldLogger
}

func (t *wsTransport) Send(ctx context.Context, frame []byte) error {
	if t.closed.Load() {
		return &TransportError{Op: "write", Err: net.ErrClosed}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}

	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.closed.Store(true)
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Cancelling ctx unblocks the pending read through the read deadline
	stop := context.AfterFunc(ctx, func() {
		t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			t.closed.Store(true)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &TransportError{Op: "read", Err: err}
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) Close() error {
	var closeErr error
	t.closeOnce.Do(func() {
		wasOpen := !t.closed.Swap(true)

		if wasOpen {
			t.writeMu.Lock()
			err := t.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeWriteTimeout),
			)
			t.writeMu.Unlock()
			if err != nil {
				t.logger.WithFields(logrus.Fields{
					"function": "Close",
					"error":    err,
				}).Debug("Error sending close message")
			}
		}

		if err := t.conn.Close(); err != nil {
			closeErr = &TransportError{Op: "close", Err: err}
		}
	})
	return closeErr
}

func (t *wsTransport) IsOpen() bool {
	return !t.closed.Load()
}
