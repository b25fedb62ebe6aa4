package mocktesting

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	ctrader "github.com/bjoelf/ctrader-adapter/adapter"
)

// MockCTraderServer is a TLS websocket server speaking the cTrader Open API
// JSON protocol. It answers the authentication handshake from its scripted
// accounts and symbols and records every frame it receives.
type MockCTraderServer struct {
	server    *httptest.Server
	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]*sync.Mutex
	clientsMu sync.RWMutex

	scriptMu      sync.RWMutex
	accounts      []ctrader.TraderAccount
	symbols       []ctrader.LightSymbol
	rejectAppAuth bool

	received   []ReceivedMessage
	receivedMu sync.Mutex

	connections atomic.Int32
}

// ReceivedMessage is a frame recorded by the server
type ReceivedMessage struct {
	ClientMsgID string
	PayloadType ctrader.PayloadType
	Payload     map[string]any
	ReceivedAt  time.Time
}

// DefaultAccountID is the demo account the server offers unless overridden
const DefaultAccountID int64 = 4_200_001

// NewMockCTraderServer creates a server with one live and one demo account
// and a symbol list mixing whitelisted and non-whitelisted names.
func NewMockCTraderServer() *MockCTraderServer {
	mock := &MockCTraderServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*sync.Mutex),
		accounts: []ctrader.TraderAccount{
			{CtidTraderAccountID: 9_900_001, IsLive: true},
			{CtidTraderAccountID: DefaultAccountID, IsLive: false},
		},
		symbols: []ctrader.LightSymbol{
			{SymbolID: 1, SymbolName: "EURUSD"},
			{SymbolID: 2, SymbolName: "GBPUSD"},
			{SymbolID: 4, SymbolName: "USDJPY"},
			{SymbolID: 41, SymbolName: "XAUUSD"},
			{SymbolID: 10026, SymbolName: "BTCUSD"},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", mock.handleWebSocket)

	mock.server = httptest.NewTLSServer(mux)
	return mock
}

// URL returns the wss:// endpoint
func (m *MockCTraderServer) URL() string {
	return strings.Replace(m.server.URL, "https://", "wss://", 1)
}

// GetHTTPClient returns a client trusting the server's self-signed certificate
func (m *MockCTraderServer) GetHTTPClient() *http.Client {
	return m.server.Client()
}

func (m *MockCTraderServer) SetAccounts(accounts []ctrader.TraderAccount) {
	m.scriptMu.Lock()
	defer m.scriptMu.Unlock()
	m.accounts = accounts
}

func (m *MockCTraderServer) SetSymbols(symbols []ctrader.LightSymbol) {
	m.scriptMu.Lock()
	defer m.scriptMu.Unlock()
	m.symbols = symbols
}

// SetRejectAppAuth makes the server answer application auth with an error response
func (m *MockCTraderServer) SetRejectAppAuth(reject bool) {
	m.scriptMu.Lock()
	defer m.scriptMu.Unlock()
	m.rejectAppAuth = reject
}

// ConnectionCount returns the number of websocket connections accepted so far
func (m *MockCTraderServer) ConnectionCount() int {
	return int(m.connections.Load())
}

// Received returns a copy of every recorded frame
func (m *MockCTraderServer) Received() []ReceivedMessage {
	m.receivedMu.Lock()
	defer m.receivedMu.Unlock()
	out := make([]ReceivedMessage, len(m.received))
	copy(out, m.received)
	return out
}

// ReceivedOfType returns the recorded frames with payloadType pt
func (m *MockCTraderServer) ReceivedOfType(pt ctrader.PayloadType) []ReceivedMessage {
	var out []ReceivedMessage
	for _, msg := range m.Received() {
		if msg.PayloadType == pt {
			out = append(out, msg)
		}
	}
	return out
}

// WaitForMessage polls until a frame with payloadType pt was received
func (m *MockCTraderServer) WaitForMessage(pt ctrader.PayloadType, timeout time.Duration) (ReceivedMessage, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if msgs := m.ReceivedOfType(pt); len(msgs) > 0 {
			return msgs[len(msgs)-1], true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return ReceivedMessage{}, false
}

// Send writes an envelope to every connected client
func (m *MockCTraderServer) Send(pt ctrader.PayloadType, payload any) error {
	frame, err := buildEnvelope(pt, payload)
	if err != nil {
		return err
	}

	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	if len(m.clients) == 0 {
		return fmt.Errorf("no connected clients")
	}
	for conn, writeMu := range m.clients {
		writeMu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, frame)
		writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to write to client: %w", err)
		}
	}
	return nil
}

// SendRaw writes an arbitrary text frame to every connected client
func (m *MockCTraderServer) SendRaw(frame []byte) error {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	for conn, writeMu := range m.clients {
		writeMu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, frame)
		writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to write to client: %w", err)
		}
	}
	return nil
}

// SendPositionClosed simulates a filled execution closing positionID
func (m *MockCTraderServer) SendPositionClosed(positionID, grossProfit, commission int64) error {
	return m.Send(ctrader.PayloadExecutionEvent, ctrader.ExecutionEvent{
		ExecutionType: ctrader.ExecutionFilled,
		Position: &ctrader.Position{
			PositionID:     positionID,
			PositionStatus: ctrader.PositionClosed,
		},
		Deal: &ctrader.Deal{
			PositionID: positionID,
			ClosePositionDetail: &ctrader.ClosePositionDetail{
				GrossProfit: grossProfit,
				Commission:  commission,
			},
		},
	})
}

// SendOrderError simulates an order error event
func (m *MockCTraderServer) SendOrderError(orderID int64, errorCode, description string) error {
	return m.Send(ctrader.PayloadOrderErrorEvent, ctrader.OrderErrorEvent{
		ErrorCode:   errorCode,
		OrderID:     &orderID,
		Description: description,
	})
}

// DropConnections closes every client connection without a close handshake
func (m *MockCTraderServer) DropConnections() {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	for conn := range m.clients {
		conn.Close()
	}
	m.clients = make(map[*websocket.Conn]*sync.Mutex)
}

// Close shuts down the mock server
func (m *MockCTraderServer) Close() {
	m.DropConnections()
	m.server.Close()
}

func (m *MockCTraderServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	writeMu := &sync.Mutex{}
	m.clientsMu.Lock()
	m.clients[conn] = writeMu
	m.clientsMu.Unlock()
	m.connections.Add(1)

	defer func() {
		m.clientsMu.Lock()
		delete(m.clients, conn)
		m.clientsMu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := m.record(data)
		if err != nil {
			continue
		}

		pt, reply := m.respond(msg)
		if reply == nil {
			continue
		}
		frame, err := buildEnvelope(pt, reply)
		if err != nil {
			continue
		}
		writeMu.Lock()
		err = conn.WriteMessage(websocket.TextMessage, frame)
		writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (m *MockCTraderServer) record(data []byte) (ReceivedMessage, error) {
	var raw struct {
		ClientMsgID string         `json:"clientMsgId"`
		PayloadType int            `json:"payloadType"`
		Payload     map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return ReceivedMessage{}, err
	}

	msg := ReceivedMessage{
		ClientMsgID: raw.ClientMsgID,
		PayloadType: ctrader.PayloadType(raw.PayloadType),
		Payload:     raw.Payload,
		ReceivedAt:  time.Now(),
	}
	m.receivedMu.Lock()
	m.received = append(m.received, msg)
	m.receivedMu.Unlock()
	return msg, nil
}

// respond returns the scripted reply for a request, or a nil payload for none
func (m *MockCTraderServer) respond(msg ReceivedMessage) (ctrader.PayloadType, any) {
	m.scriptMu.RLock()
	defer m.scriptMu.RUnlock()

	switch msg.PayloadType {
	case ctrader.PayloadApplicationAuthReq:
		if m.rejectAppAuth {
			return ctrader.PayloadErrorRes, ctrader.ErrorRes{
				ErrorCode:   "CH_CLIENT_AUTH_FAILURE",
				Description: "clientId or clientSecret is incorrect",
			}
		}
		return ctrader.PayloadApplicationAuthRes, struct{}{}

	case ctrader.PayloadGetAccountsByAccessTokenReq:
		accessToken, _ := msg.Payload["accessToken"].(string)
		return ctrader.PayloadGetAccountsByAccessTokenRes, ctrader.AccountsByAccessTokenRes{
			AccessToken:       accessToken,
			CtidTraderAccount: m.accounts,
		}

	case ctrader.PayloadAccountAuthReq:
		res := ctrader.AccountAuthRes{}
		if id, ok := msg.Payload["ctidTraderAccountId"].(float64); ok {
			accountID := int64(id)
			res.CtidTraderAccountID = &accountID
		}
		return ctrader.PayloadAccountAuthRes, res

	case ctrader.PayloadSymbolsListReq:
		res := ctrader.SymbolsListRes{Symbol: m.symbols}
		if id, ok := msg.Payload["ctidTraderAccountId"].(float64); ok {
			res.CtidTraderAccountID = int64(id)
		}
		return ctrader.PayloadSymbolsListRes, res

	default:
		return 0, nil
	}
}

func buildEnvelope(pt ctrader.PayloadType, payload any) ([]byte, error) {
	frame, err := json.Marshal(map[string]any{
		"clientMsgId": fmt.Sprintf("server-%d", time.Now().UnixNano()),
		"payloadType": int(pt),
		"payload":     payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return frame, nil
}
