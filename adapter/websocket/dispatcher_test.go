package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ctrader "github.com/bjoelf/ctrader-adapter/adapter"
)

type dispatcherFixture struct {
	dispatcher  *Dispatcher
	transport   *fakeTransport
	state       *AccountState
	gates       *EventGates
	metrics     *Metrics
	executions  chan ctrader.ExecutionUpdate
	orderErrors chan ctrader.OrderErrorUpdate
	hook        *test.Hook
}

func newDispatcherFixture(t *testing.T, bufferSize int) *dispatcherFixture {
	t.Helper()
	logger, hook := newTestLogger()
	transport := newFakeTransport()
	state := NewAccountState("access-token")
	gates := NewEventGates()
	metrics := NewMetrics(nil)
	executions := make(chan ctrader.ExecutionUpdate, bufferSize)
	orderErrors := make(chan ctrader.OrderErrorUpdate, bufferSize)

	emitter := NewEmitter(transport, state, EmitterConfig{ClientID: "id", ClientSecret: "secret"}, nil, metrics, logger)
	dispatcher := NewDispatcher(transport, emitter, state, gates, UpdateSinks{
		Executions:  executions,
		OrderErrors: orderErrors,
	}, metrics, logger)

	return &dispatcherFixture{
		dispatcher:  dispatcher,
		transport:   transport,
		state:       state,
		gates:       gates,
		metrics:     metrics,
		executions:  executions,
		orderErrors: orderErrors,
		hook:        hook,
	}
}

func (f *dispatcherFixture) dispatch(t *testing.T, pt ctrader.PayloadType, payload any) {
	t.Helper()
	f.dispatcher.Dispatch(context.Background(), envelopeFrame(t, pt, payload))
}

func TestDispatcher_ApplicationAuthRes(t *testing.T) {
	f := newDispatcherFixture(t, 10)

	f.dispatch(t, ctrader.PayloadApplicationAuthRes, struct{}{})

	assert.True(t, f.gates.AppAuth.IsSet())
	assert.Equal(t, []ctrader.PayloadType{ctrader.PayloadGetAccountsByAccessTokenReq}, f.transport.payloadTypes())
}

func TestDispatcher_AccountsResPicksFirstDemoAccount(t *testing.T) {
	f := newDispatcherFixture(t, 10)

	f.dispatch(t, ctrader.PayloadGetAccountsByAccessTokenRes, ctrader.AccountsByAccessTokenRes{
		CtidTraderAccount: []ctrader.TraderAccount{
			{CtidTraderAccountID: 1, IsLive: true},
			{CtidTraderAccountID: 2, IsLive: false},
			{CtidTraderAccountID: 3, IsLive: false},
		},
	})

	accountID, ok := f.state.AccountID()
	require.True(t, ok)
	assert.Equal(t, int64(2), accountID)

	auth := f.transport.framesOfType(ctrader.PayloadAccountAuthReq)
	require.Len(t, auth, 1)
	assert.Equal(t, float64(2), auth[0].Payload["ctidTraderAccountId"])
	assert.Equal(t, "access-token", auth[0].Payload["accessToken"])
}

func TestDispatcher_AccountsResAllLiveStalls(t *testing.T) {
	f := newDispatcherFixture(t, 10)

	f.dispatch(t, ctrader.PayloadGetAccountsByAccessTokenRes, ctrader.AccountsByAccessTokenRes{
		CtidTraderAccount: []ctrader.TraderAccount{
			{CtidTraderAccountID: 1, IsLive: true},
		},
	})

	_, ok := f.state.AccountID()
	assert.False(t, ok)
	assert.Empty(t, f.transport.frames())
	assert.False(t, f.gates.AccountAuth.IsSet())
	assert.Equal(t, logrus.WarnLevel, f.hook.LastEntry().Level)
}

func TestDispatcher_AccountAuthResSetsGate(t *testing.T) {
	t.Run("with account id", func(t *testing.T) {
		f := newDispatcherFixture(t, 10)
		f.dispatch(t, ctrader.PayloadAccountAuthRes, map[string]any{"ctidTraderAccountId": 2})
		assert.True(t, f.gates.AccountAuth.IsSet())
	})

	t.Run("without account id", func(t *testing.T) {
		f := newDispatcherFixture(t, 10)
		f.dispatch(t, ctrader.PayloadAccountAuthRes, map[string]any{})
		assert.True(t, f.gates.AccountAuth.IsSet())
		assert.True(t, hasLogEntry(f.hook, logrus.InfoLevel, "Account auth response carries no ctidTraderAccountId"))
	})
}

func TestDispatcher_AccountDisconnectReauthorizes(t *testing.T) {
	f := newDispatcherFixture(t, 10)
	f.state.SetAccountID(2)
	f.gates.AccountAuth.Set()

	f.dispatch(t, ctrader.PayloadAccountDisconnectEvent, map[string]any{"ctidTraderAccountId": 2})

	assert.False(t, f.gates.AccountAuth.IsSet())
	auth := f.transport.framesOfType(ctrader.PayloadAccountAuthReq)
	require.Len(t, auth, 1)
	assert.Equal(t, float64(2), auth[0].Payload["ctidTraderAccountId"])
}

func TestDispatcher_SymbolsListKeepsWhitelistOnly(t *testing.T) {
	f := newDispatcherFixture(t, 10)

	f.dispatch(t, ctrader.PayloadSymbolsListRes, ctrader.SymbolsListRes{
		Symbol: []ctrader.LightSymbol{
			{SymbolID: 1, SymbolName: "EURUSD"},
			{SymbolID: 41, SymbolName: "XAUUSD"},
			{SymbolID: 7, SymbolName: "GBPAUD"},
		},
	})

	assert.Equal(t, map[string]int64{"EURUSD": 1, "GBPAUD": 7}, f.state.Symbols())
	assert.True(t, f.gates.SymbolsList.IsSet())
}

func TestDispatcher_EmptySymbolsListStillSetsGate(t *testing.T) {
	f := newDispatcherFixture(t, 10)

	f.dispatch(t, ctrader.PayloadSymbolsListRes, ctrader.SymbolsListRes{})

	assert.Empty(t, f.state.Symbols())
	assert.True(t, f.gates.SymbolsList.IsSet())
}

func TestDispatcher_ErrorResReleasesAllGates(t *testing.T) {
	f := newDispatcherFixture(t, 10)

	f.dispatch(t, ctrader.PayloadErrorRes, ctrader.ErrorRes{
		ErrorCode:   "CH_CLIENT_AUTH_FAILURE",
		Description: "bad secret",
	})

	assert.True(t, f.gates.AppAuth.IsSet())
	assert.True(t, f.gates.AccountAuth.IsSet())
	assert.True(t, f.gates.SymbolsList.IsSet())

	entry := f.hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "CH_CLIENT_AUTH_FAILURE", entry.Data["error_code"])
}

func TestDispatcher_ClosedPositionProfit(t *testing.T) {
	f := newDispatcherFixture(t, 10)

	f.dispatch(t, ctrader.PayloadExecutionEvent, ctrader.ExecutionEvent{
		ExecutionType: ctrader.ExecutionFilled,
		Position:      &ctrader.Position{PositionID: 55, PositionStatus: ctrader.PositionClosed},
		Deal: &ctrader.Deal{
			OrderID: 99,
			ClosePositionDetail: &ctrader.ClosePositionDetail{
				GrossProfit: 1050,
				Commission:  -50,
			},
		},
	})

	select {
	case update := <-f.executions:
		assert.Equal(t, int64(55), update.PositionID)
		assert.Equal(t, int64(99), update.OrderID)
		assert.Equal(t, ctrader.PositionClosed, update.PositionStatus)
		assert.Equal(t, "10.00", update.Profit.StringFixed(2))
	default:
		t.Fatal("no execution update published")
	}
}

func TestDispatcher_ProfitIsExact(t *testing.T) {
	profit := realizedProfit(&ctrader.ClosePositionDetail{GrossProfit: 1, Commission: 2})
	assert.Equal(t, "0.03", profit.String())

	profit = realizedProfit(&ctrader.ClosePositionDetail{GrossProfit: -1234, Commission: -66})
	assert.Equal(t, "-13", profit.String())
}

func TestDispatcher_ExecutionEventFiltering(t *testing.T) {
	tests := []struct {
		name          string
		executionType ctrader.ExecutionType
		status        ctrader.PositionStatus
		wantUpdate    bool
	}{
		{"accepted open", ctrader.ExecutionAccepted, ctrader.PositionOpen, true},
		{"filled open", ctrader.ExecutionFilled, ctrader.PositionOpen, true},
		{"cancelled", ctrader.ExecutionCancelled, ctrader.PositionClosed, false},
		{"other type", 4, ctrader.PositionOpen, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDispatcherFixture(t, 10)
			f.dispatch(t, ctrader.PayloadExecutionEvent, ctrader.ExecutionEvent{
				ExecutionType: tt.executionType,
				Position:      &ctrader.Position{PositionID: 1, PositionStatus: tt.status},
			})

			if tt.wantUpdate {
				require.Len(t, f.executions, 1)
				update := <-f.executions
				assert.True(t, update.Profit.IsZero())
			} else {
				assert.Len(t, f.executions, 0)
			}
		})
	}
}

func TestDispatcher_OrderErrorPublished(t *testing.T) {
	f := newDispatcherFixture(t, 10)
	orderID := int64(1234)

	f.dispatch(t, ctrader.PayloadOrderErrorEvent, ctrader.OrderErrorEvent{
		ErrorCode:   "NOT_ENOUGH_MONEY",
		OrderID:     &orderID,
		Description: "insufficient margin",
	})

	require.Len(t, f.orderErrors, 1)
	update := <-f.orderErrors
	assert.Equal(t, "NOT_ENOUGH_MONEY", update.ErrorCode)
	require.NotNil(t, update.OrderID)
	assert.Equal(t, orderID, *update.OrderID)
	assert.Equal(t, int64(1234), f.hook.LastEntry().Data["order_id"])
}

func TestDispatcher_FullChannelDropsUpdate(t *testing.T) {
	f := newDispatcherFixture(t, 1)
	event := ctrader.ExecutionEvent{
		ExecutionType: ctrader.ExecutionFilled,
		Position:      &ctrader.Position{PositionID: 1, PositionStatus: ctrader.PositionOpen},
	}

	f.dispatch(t, ctrader.PayloadExecutionEvent, event)
	f.dispatch(t, ctrader.PayloadExecutionEvent, event)

	assert.Len(t, f.executions, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.droppedUpdates.WithLabelValues("executions")))
}

func TestDispatcher_HeartbeatAnswered(t *testing.T) {
	f := newDispatcherFixture(t, 10)

	f.dispatch(t, ctrader.PayloadHeartbeatEvent, struct{}{})

	assert.Len(t, f.transport.framesOfType(ctrader.PayloadHeartbeatEvent), 1)
	assert.False(t, hasLogEntry(f.hook, logrus.InfoLevel, "Unhandled payload type"))
}

func TestDispatcher_UnknownAndUnhandledTypesAreLogged(t *testing.T) {
	f := newDispatcherFixture(t, 10)

	f.dispatch(t, 9999, map[string]any{})
	f.dispatch(t, ctrader.PayloadNewOrderReq, map[string]any{})

	entries := 0
	for _, entry := range f.hook.AllEntries() {
		if entry.Message == "Unhandled payload type" {
			entries++
		}
	}
	assert.Equal(t, 2, entries)
	assert.Empty(t, f.transport.frames())
}

func TestDispatcher_UndecodableFrameIsSkipped(t *testing.T) {
	f := newDispatcherFixture(t, 10)

	f.dispatcher.Dispatch(context.Background(), []byte("{broken"))
	f.dispatch(t, ctrader.PayloadApplicationAuthRes, struct{}{})

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.decodeErrors))
	assert.True(t, f.gates.AppAuth.IsSet())
}

func TestDispatcher_RunClearsGatesWhenTransportCloses(t *testing.T) {
	f := newDispatcherFixture(t, 10)
	f.gates.SetAll()

	done := make(chan error, 1)
	go func() {
		done <- f.dispatcher.Run(context.Background())
	}()

	f.transport.push(t, ctrader.PayloadHeartbeatEvent, struct{}{})
	require.Eventually(t, func() bool {
		return len(f.transport.framesOfType(ctrader.PayloadHeartbeatEvent)) == 1
	}, time.Second, 5*time.Millisecond)

	f.transport.Close()

	select {
	case err := <-done:
		assert.True(t, IsTransient(err))
	case <-time.After(time.Second):
		t.Fatal("receive loop did not stop")
	}
	assert.False(t, f.gates.AppAuth.IsSet())
	assert.False(t, f.gates.AccountAuth.IsSet())
	assert.False(t, f.gates.SymbolsList.IsSet())
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	f := newDispatcherFixture(t, 10)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- f.dispatcher.Run(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("receive loop did not stop")
	}
}

func TestDispatcher_NilMetrics(t *testing.T) {
	logger, _ := newTestLogger()
	transport := newFakeTransport()
	state := NewAccountState("access-token")
	gates := NewEventGates()
	emitter := NewEmitter(transport, state, EmitterConfig{}, nil, nil, logger)
	dispatcher := NewDispatcher(transport, emitter, state, gates, UpdateSinks{}, nil, logger)

	dispatcher.Dispatch(context.Background(), []byte("not json"))
	dispatcher.Dispatch(context.Background(), envelopeFrame(t, ctrader.PayloadApplicationAuthRes, struct{}{}))

	assert.True(t, gates.AppAuth.IsSet())
	assert.Len(t, transport.framesOfType(ctrader.PayloadGetAccountsByAccessTokenReq), 1)
}
