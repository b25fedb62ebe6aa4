package websocket

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	ctrader "github.com/bjoelf/ctrader-adapter/adapter"
)

// sentFrame is an outbound envelope captured by fakeTransport
type sentFrame struct {
	ClientMsgID string
	PayloadType ctrader.PayloadType
	Payload     map[string]any
	Keys        []string
}

// fakeTransport is an in-memory Transport. Frames pushed with push are
// returned by Receive; Close makes Receive fail with a transport error.
type fakeTransport struct {
	inbound  chan []byte
	closed   chan struct{}
	closeMu  sync.Mutex
	isClosed bool

	mu   sync.Mutex
	sent []sentFrame

	// respond, when set, is called for every sent frame
	respond func(f *fakeTransport, frame sentFrame)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) Send(ctx context.Context, frame []byte) error {
	if !f.IsOpen() {
		return &TransportError{Op: "write", Err: net.ErrClosed}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(frame, &raw); err != nil {
		return err
	}
	var env struct {
		ClientMsgID string         `json:"clientMsgId"`
		PayloadType int            `json:"payloadType"`
		Payload     map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return err
	}

	captured := sentFrame{
		ClientMsgID: env.ClientMsgID,
		PayloadType: ctrader.PayloadType(env.PayloadType),
		Payload:     env.Payload,
	}
	for key := range raw {
		captured.Keys = append(captured.Keys, key)
	}

	f.mu.Lock()
	f.sent = append(f.sent, captured)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		respond(f, captured)
	}
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-f.inbound:
		return frame, nil
	case <-f.closed:
		return nil, &TransportError{Op: "read", Err: io.EOF}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.closeMu.Lock()
	defer f.closeMu.Unlock()
	if !f.isClosed {
		f.isClosed = true
		close(f.closed)
	}
	return nil
}

func (f *fakeTransport) IsOpen() bool {
	select {
	case <-f.closed:
		return false
	default:
		return true
	}
}

// push queues an inbound envelope
func (f *fakeTransport) push(t *testing.T, pt ctrader.PayloadType, payload any) {
	t.Helper()
	f.inbound <- envelopeFrame(t, pt, payload)
}

func (f *fakeTransport) frames() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentFrame, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) framesOfType(pt ctrader.PayloadType) []sentFrame {
	var out []sentFrame
	for _, frame := range f.frames() {
		if frame.PayloadType == pt {
			out = append(out, frame)
		}
	}
	return out
}

// payloadTypes returns the sent payload types, heartbeats excluded
func (f *fakeTransport) payloadTypes() []ctrader.PayloadType {
	var out []ctrader.PayloadType
	for _, frame := range f.frames() {
		if frame.PayloadType != ctrader.PayloadHeartbeatEvent {
			out = append(out, frame.PayloadType)
		}
	}
	return out
}

// handshakeResponder answers the handshake the way the server does
func handshakeResponder(t *testing.T, accounts []ctrader.TraderAccount, symbols []ctrader.LightSymbol) func(*fakeTransport, sentFrame) {
	return func(f *fakeTransport, frame sentFrame) {
		switch frame.PayloadType {
		case ctrader.PayloadApplicationAuthReq:
			f.push(t, ctrader.PayloadApplicationAuthRes, struct{}{})
		case ctrader.PayloadGetAccountsByAccessTokenReq:
			f.push(t, ctrader.PayloadGetAccountsByAccessTokenRes, ctrader.AccountsByAccessTokenRes{CtidTraderAccount: accounts})
		case ctrader.PayloadAccountAuthReq:
			res := ctrader.AccountAuthRes{}
			if id, ok := frame.Payload["ctidTraderAccountId"].(float64); ok {
				accountID := int64(id)
				res.CtidTraderAccountID = &accountID
			}
			f.push(t, ctrader.PayloadAccountAuthRes, res)
		case ctrader.PayloadSymbolsListReq:
			f.push(t, ctrader.PayloadSymbolsListRes, ctrader.SymbolsListRes{Symbol: symbols})
		}
	}
}

func envelopeFrame(t *testing.T, pt ctrader.PayloadType, payload any) []byte {
	t.Helper()
	frame, err := json.Marshal(map[string]any{
		"clientMsgId": "server",
		"payloadType": int(pt),
		"payload":     payload,
	})
	require.NoError(t, err)
	return frame
}

func newTestLogger() (*logrus.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

// hasLogEntry reports whether hook recorded message at level
func hasLogEntry(hook *test.Hook, level logrus.Level, message string) bool {
	for _, entry := range hook.AllEntries() {
		if entry.Level == level && entry.Message == message {
			return true
		}
	}
	return false
}
