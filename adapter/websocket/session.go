package websocket

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	ctrader "github.com/bjoelf/ctrader-adapter/adapter"
)

// SessionState is the lifecycle position of a Session
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateHandshake
	StateReady
	StateClosing
)

// String returns the lowercase state name used in logs
func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshake:
		return "handshake"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// updateBufferSize is the capacity of the execution and order error channels
const updateBufferSize = 100

// Options configure a Session. Zero durations take the package defaults.
type Options struct {
	URL          string
	ClientID     string
	ClientSecret string
	AccessToken  string
	LotSize      ctrader.LotSize

	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	// HandshakeTimeout of zero waits for the handshake indefinitely
	HandshakeTimeout time.Duration

	// SendRateLimit of zero or less leaves outbound sends unthrottled
	SendRateLimit float64
	SendBurst     int

	// Dialer defaults to NewDialer with system TLS roots
	Dialer Dialer
	// Registerer receives the session metrics; nil leaves them unregistered
	Registerer prometheus.Registerer
	// Sleep waits between reconnect attempts; defaults to a context-aware timer
	Sleep func(ctx context.Context, d time.Duration) error
}

// OptionsFromConfig maps the loaded configuration onto session options
func OptionsFromConfig(cfg *ctrader.Config, accessToken string) Options {
	return Options{
		URL:               cfg.WebSocketURL(),
		ClientID:          cfg.ClientID,
		ClientSecret:      cfg.ClientSecret,
		AccessToken:       accessToken,
		LotSize:           cfg.Lot(),
		ReconnectDelay:    cfg.ReconnectDelay,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		SendRateLimit:     cfg.SendRateLimit,
		SendBurst:         cfg.SendBurst,
	}
}

// Session owns one logical connection to the cTrader JSON endpoint: it
// dials, runs the authentication handshake, keeps the link alive and
// reconnects after transport failures.
type Session struct {
	opts    Options
	logger  logrus.FieldLogger
	metrics *Metrics
	limiter *rate.Limiter

	account *AccountState
	gates   *EventGates
	ready   *Gate

	executions  chan ctrader.ExecutionUpdate
	orderErrors chan ctrader.OrderErrorUpdate

	emitterMu sync.RWMutex
	emitter   *Emitter

	status atomic.Int32
}

var _ ctrader.TradingClient = (*Session)(nil)
var _ ctrader.UpdateSource = (*Session)(nil)

// NewSession validates opts, fills defaults and returns a disconnected Session.
// A URL on the live host is logged as a warning.
func NewSession(opts Options, logger logrus.FieldLogger) (*Session, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("session url is required")
	}
	if opts.ClientID == "" || opts.ClientSecret == "" {
		return nil, fmt.Errorf("client id and client secret are required")
	}
	if opts.AccessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = ctrader.DefaultReconnectDelay
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = ctrader.DefaultHeartbeatInterval
	}
	if opts.LotSize == 0 {
		opts.LotSize = ctrader.MicroLot
	}
	if opts.Dialer == nil {
		opts.Dialer = NewDialer(nil, logger)
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}

	var limiter *rate.Limiter
	if opts.SendRateLimit > 0 {
		burst := opts.SendBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.SendRateLimit), burst)
	}

	if strings.Contains(opts.URL, ctrader.LiveHost) {
		logger.WithField("function", "NewSession").Warn("Session targets the LIVE environment - real money at risk!")
	}

	s := &Session{
		opts:        opts,
		logger:      logger,
		metrics:     NewMetrics(opts.Registerer),
		limiter:     limiter,
		account:     NewAccountState(opts.AccessToken),
		gates:       NewEventGates(),
		ready:       NewGate(),
		executions:  make(chan ctrader.ExecutionUpdate, updateBufferSize),
		orderErrors: make(chan ctrader.OrderErrorUpdate, updateBufferSize),
	}
	s.setState(StateDisconnected)
	return s, nil
}

// Run connects and keeps the session alive until ctx is cancelled or a
// non-transient error occurs. It returns ctx.Err() on cancellation.
func (s *Session) Run(ctx context.Context) error {
	log := s.logger.WithFields(logrus.Fields{
		"function": "Run",
		"url":      s.opts.URL,
	})
	log.Info("Starting session")

	for {
		err := s.runOnce(ctx)
		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			log.Info("Session stopped")
			return ctx.Err()
		}
		if err != nil && !IsTransient(err) {
			log.WithError(err).Error("Session failed with non-recoverable error")
			return err
		}

		log.WithFields(logrus.Fields{
			"error": err,
			"delay": s.opts.ReconnectDelay,
		}).Warn("Connection lost, reconnecting")
		s.metrics.reconnect()

		if err := s.opts.Sleep(ctx, s.opts.ReconnectDelay); err != nil {
			log.Info("Session stopped")
			return ctx.Err()
		}
	}
}

// runOnce covers one connection: dial, handshake, serve until closed
func (s *Session) runOnce(ctx context.Context) error {
	log := s.logger.WithField("function", "runOnce")

	s.setState(StateConnecting)
	s.account.Reset()
	s.gates.ClearAll()
	s.ready.Clear()

	transport, err := s.opts.Dialer(ctx, s.opts.URL)
	if err != nil {
		return err
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	emitter := NewEmitter(transport, s.account, EmitterConfig{
		ClientID:     s.opts.ClientID,
		ClientSecret: s.opts.ClientSecret,
		LotSize:      s.opts.LotSize,
	}, s.limiter, s.metrics, s.logger)
	dispatcher := NewDispatcher(transport, emitter, s.account, s.gates, UpdateSinks{
		Executions:  s.executions,
		OrderErrors: s.orderErrors,
	}, s.metrics, s.logger)

	s.setEmitter(emitter)
	defer s.cleanup(transport)

	g, gctx := errgroup.WithContext(connCtx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return emitter.RunHeartbeat(gctx, s.opts.HeartbeatInterval)
	})
	g.Go(func() error {
		// Closing the transport unblocks a pending Receive
		<-gctx.Done()
		transport.Close()
		return nil
	})

	if err := s.handshake(gctx, emitter); err != nil {
		if gctx.Err() == nil {
			log.WithError(err).Warn("Handshake failed")
			cancel()
			g.Wait()
			return err
		}
	} else {
		s.setState(StateReady)
		s.ready.Set()
		log.WithField("symbols", len(s.account.Symbols())).Info("Session ready")
	}

	return g.Wait()
}

// handshake runs app auth, account auth and symbol loading in order
func (s *Session) handshake(ctx context.Context, emitter *Emitter) error {
	s.setState(StateHandshake)
	log := s.logger.WithField("function", "handshake")

	if s.opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.HandshakeTimeout)
		defer cancel()
	}

	if _, err := emitter.RequestApplicationAuth(ctx); err != nil {
		return s.handshakeError(ctx, "application auth request", err)
	}
	if err := s.gates.AppAuth.Wait(ctx); err != nil {
		return s.handshakeError(ctx, "application auth", err)
	}
	log.Debug("Application auth complete")

	if err := s.gates.AccountAuth.Wait(ctx); err != nil {
		return s.handshakeError(ctx, "account auth", err)
	}
	log.Debug("Account auth complete")

	if _, ok := s.account.AccountID(); !ok {
		log.Warn("Requesting symbols without a resolved account")
	}
	if _, err := emitter.RequestSymbolsList(ctx); err != nil {
		return s.handshakeError(ctx, "symbols list request", err)
	}
	if err := s.gates.SymbolsList.Wait(ctx); err != nil {
		return s.handshakeError(ctx, "symbols list", err)
	}
	return nil
}

func (s *Session) handshakeError(ctx context.Context, step string, err error) error {
	if s.opts.HandshakeTimeout > 0 && (errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)) {
		return fmt.Errorf("%s: %w", step, ErrHandshakeTimeout)
	}
	return fmt.Errorf("%s: %w", step, err)
}

func (s *Session) cleanup(transport Transport) {
	s.setState(StateClosing)
	s.setEmitter(nil)
	s.ready.Clear()
	s.gates.ClearAll()
	transport.Close()
}

// Ready returns a channel closed once the current connection completed the handshake
func (s *Session) Ready() <-chan struct{} {
	return s.ready.Done()
}

// WaitReady blocks until the session is ready or ctx is done
func (s *Session) WaitReady(ctx context.Context) error {
	return s.ready.Wait(ctx)
}

// State returns the current lifecycle state
func (s *Session) State() SessionState {
	return SessionState(s.status.Load())
}

// Executions delivers accepted and filled execution events. Updates are
// dropped when the buffer is full.
func (s *Session) Executions() <-chan ctrader.ExecutionUpdate {
	return s.executions
}

// OrderErrors delivers order error events, dropped when the buffer is full
func (s *Session) OrderErrors() <-chan ctrader.OrderErrorUpdate {
	return s.orderErrors
}

// OpenTrade places a market order on the current connection
func (s *Session) OpenTrade(ctx context.Context, side ctrader.TradeSide, symbolName string, stopLoss, takeProfit int64) error {
	emitter := s.currentEmitter()
	if emitter == nil {
		return ErrNotConnected
	}
	_, err := emitter.OpenTrade(ctx, side, symbolName, stopLoss, takeProfit)
	return err
}

// ClosePosition closes the configured lot volume of positionID
func (s *Session) ClosePosition(ctx context.Context, positionID int64) error {
	emitter := s.currentEmitter()
	if emitter == nil {
		return ErrNotConnected
	}
	_, err := emitter.ClosePosition(ctx, positionID)
	return err
}

// AmendPositionSLTP sets new stop loss and take profit prices on positionID
func (s *Session) AmendPositionSLTP(ctx context.Context, positionID int64, stopLoss, takeProfit float64) error {
	emitter := s.currentEmitter()
	if emitter == nil {
		return ErrNotConnected
	}
	_, err := emitter.AmendPositionSLTP(ctx, positionID, stopLoss, takeProfit)
	return err
}

func (s *Session) currentEmitter() *Emitter {
	s.emitterMu.RLock()
	defer s.emitterMu.RUnlock()
	return s.emitter
}

func (s *Session) setEmitter(emitter *Emitter) {
	s.emitterMu.Lock()
	s.emitter = emitter
	s.emitterMu.Unlock()
}

func (s *Session) setState(state SessionState) {
	s.status.Store(int32(state))
	s.metrics.setState(state)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
