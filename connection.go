// Package moo implements a client runtime for a proprietary
// music-server's remote-control WebSocket API: wire codec, transport,
// UDP discovery, request/subscription routing, a provided-service
// framework, and the connection supervisor that ties them together.
package moo

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/moo/internal/discovery"
	"github.com/adred-codev/moo/internal/metrics"
	"github.com/adred-codev/moo/internal/router"
	"github.com/adred-codev/moo/internal/service"
	"github.com/adred-codev/moo/internal/transport"
	"github.com/adred-codev/moo/internal/wire"
	"github.com/rs/zerolog"
)

// ConnectionState is the supervisor's lifecycle state (spec §4.6 "State
// machine").
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// CoreInfo is the normalized identity learned during registration.
type CoreInfo struct {
	ID      string
	Name    string
	Version string
}

const registryServicePath = "com.roonlabs.registry:1/register"

// outboundSender adapts a bounded channel to the router/service Sender
// contract. Writes are a non-blocking enqueue onto the send pump's
// queue (spec §4.2 "send... non-blocking enqueue"); a full queue is a
// backpressure signal surfaced to the caller rather than silently
// dropped.
type outboundSender struct {
	ch chan []byte
}

func (s *outboundSender) Send(frame []byte) error {
	select {
	case s.ch <- frame:
		return nil
	default:
		return fmt.Errorf("moo: outbound queue full")
	}
}

// Connection supervises one logical connection to a Core: dial,
// registration, the send/receive pumps, and auto-reconnect (spec §4.6).
type Connection struct {
	cfg    ConnectionConfig
	logger zerolog.Logger

	router   *router.Router
	services *service.Registry
	pairing  *service.PairingState

	mu                     sync.Mutex
	state                  ConnectionState
	transport              *transport.Transport
	coreInfo               CoreInfo
	token                  string
	explicitlyDisconnected bool
	runCancel              context.CancelFunc

	reconnecting int32 // atomic guard (spec §5 "at most one reconnect loop")
	outbound     chan []byte

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

// New builds a Connection. It registers the built-in services (ping,
// pairing) plus any caller-supplied ones from cfg.ProvidedServices, and
// starts the provided-service broadcast worker pool. Call Start to
// actually dial.
func New(cfg ConnectionConfig, logger zerolog.Logger) *Connection {
	logger = logger.With().Str("component", "connection").Logger()

	r := router.New(router.Config{
		EventBufferSize:  cfg.EventsBufferSize,
		RequestRateLimit: 50,
		RequestBurst:     100,
		Logger:           logger,
	})

	pairingState := service.NewPairingState(
		func(previous string) {
			if cfg.OnCoreLost != nil {
				cfg.OnCoreLost(previous)
			}
		},
		func(coreID string, isNewCore bool) {
			r.Emit(Event{Kind: PairingChanged, Data: PairingChangedData{CoreID: coreID}})
			if isNewCore {
				r.Emit(Event{Kind: CorePaired, Data: PairingChangedData{CoreID: coreID}})
			}
		},
	)

	registry := service.New(logger, cfg.BroadcastWorkers, cfg.BroadcastQueueSize)
	registry.Register(service.NewPingService())
	registry.Register(service.NewPairingService(pairingState))
	for _, spec := range cfg.ProvidedServices {
		registry.Register(spec)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())

	c := &Connection{
		cfg:      cfg,
		logger:   logger,
		router:   r,
		services: registry,
		pairing:  pairingState,
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
	registry.Start(bgCtx)
	return c
}

func (c *Connection) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	metrics.ConnectionState.Set(float64(s))
}

// Status reports the current lifecycle state.
func (c *Connection) Status() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the connection is currently usable.
func (c *Connection) Connected() bool {
	return c.Status() == StateConnected
}

// Events returns the bounded, drop-oldest events sink (spec §6).
func (c *Connection) Events() <-chan Event {
	return c.router.Events()
}

// RegisterProvidedService installs a provided service at any time,
// including after Start (spec §6 "register_provided_service").
func (c *Connection) RegisterProvidedService(spec service.Spec) {
	c.services.Register(spec)
}

// GetServiceInstance retrieves a registered provided service by name.
func (c *Connection) GetServiceInstance(name string) (service.Spec, bool) {
	return c.services.Lookup(name)
}

// Start dials, starts the send/receive pumps, performs the registration
// handshake, and on success transitions to Connected (spec §4.6
// "Start"). On failure the connection remains Disconnected; the
// caller may retry Start or rely on auto-reconnect only after a
// successful initial Start.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	c.explicitlyDisconnected = false
	c.mu.Unlock()

	c.setState(StateConnecting)

	if err := c.connectAndRegister(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.setState(StateConnected)
	return nil
}

// connectAndRegister performs one dial + registration attempt. It starts
// the send/receive pumps before registering and stops them again if
// registration fails. It does not itself retry; the only lifecycle
// event it emits is Registered (from register), on success.
func (c *Connection) connectAndRegister(ctx context.Context) error {
	url := fmt.Sprintf("ws://%s:%d/api", c.cfg.Host, c.cfg.Port)

	t, err := transport.Dial(ctx, url, c.cfg.HandshakeTimeout, c.logger)
	if err != nil {
		return err
	}

	outbound := make(chan []byte, 64)
	sender := &outboundSender{ch: outbound}

	c.mu.Lock()
	c.transport = t
	c.outbound = outbound
	c.mu.Unlock()

	c.router.Attach(sender, c.services)
	c.services.Attach(sender, service.Identity{})

	runCtx, cancel := context.WithCancel(c.bgCtx)
	c.mu.Lock()
	c.runCancel = cancel
	c.mu.Unlock()

	c.wg.Add(2)
	go c.sendPump(runCtx, t, outbound)
	go c.receivePump(runCtx, t)

	if err := c.register(ctx); err != nil {
		cancel()
		_ = t.Abort()
		return err
	}

	return nil
}

func (c *Connection) sendPump(ctx context.Context, t *transport.Transport, outbound <-chan []byte) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-outbound:
			if !ok {
				return
			}
			if err := t.Send(frame); err != nil {
				c.logger.Warn().Err(err).Msg("send pump: write failed")
			}
		}
	}
}

func (c *Connection) receivePump(ctx context.Context, t *transport.Transport) {
	defer c.wg.Done()
	for ev := range t.Run(ctx) {
		if ev.Kind != transport.EventMessage && ctx.Err() != nil {
			// Stopped by its owner (failed registration or Disconnect),
			// which handles the state transition itself.
			c.router.FailPending()
			return
		}
		switch ev.Kind {
		case transport.EventMessage:
			frame, ok := wire.Parse(ev.Data)
			if !ok {
				c.logger.Warn().Msg("receive pump: undecodable frame, dropping")
				continue
			}
			c.router.HandleFrame(ctx, frame)
		case transport.EventClosed:
			c.handleDisconnect(fmt.Sprintf("closed: %s", ev.Reason), int(ev.Code))
			return
		case transport.EventError:
			c.logger.Warn().Err(ev.Err).Msg("receive pump: transport error")
			c.handleDisconnect(ev.Err.Error(), 0)
			return
		}
	}
}

type registerRequestBody struct {
	ExtensionID      string   `json:"extension_id"`
	DisplayName      string   `json:"display_name"`
	DisplayVersion   string   `json:"display_version,omitempty"`
	Publisher        string   `json:"publisher,omitempty"`
	Email            string   `json:"email,omitempty"`
	Token            string   `json:"token,omitempty"`
	RequiredServices []string `json:"required_services"`
	OptionalServices []string `json:"optional_services"`
	ProvidedServices []string `json:"provided_services"`
}

type registerResponseBody struct {
	CoreID         string `json:"core_id"`
	DisplayName    string `json:"display_name"`
	DisplayVersion string `json:"display_version"`
	Token          string `json:"token"`
}

func (c *Connection) register(ctx context.Context) error {
	c.mu.Lock()
	token := c.cfg.SavedToken
	if c.token != "" {
		token = c.token
	}
	c.mu.Unlock()

	provided := make([]string, 0, len(c.cfg.ProvidedServices))
	for _, s := range c.cfg.ProvidedServices {
		provided = append(provided, s.Name)
	}

	body := registerRequestBody{
		ExtensionID:      c.cfg.Identity.ID,
		DisplayName:      c.cfg.Identity.DisplayName,
		DisplayVersion:   c.cfg.Identity.Version,
		Publisher:        c.cfg.Identity.Publisher,
		Email:            c.cfg.Identity.Email,
		Token:            token,
		RequiredServices: []string{},
		OptionalServices: []string{},
		ProvidedServices: provided,
	}

	completion, err := c.router.Request(ctx, registryServicePath, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	respBody, err := completion.Wait(waitCtx)
	metrics.RegistrationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	var resp registerResponseBody
	if len(respBody) > 0 {
		if jsonErr := json.Unmarshal(respBody, &resp); jsonErr != nil {
			metrics.RegistrationsTotal.WithLabelValues("failure").Inc()
			return fmt.Errorf("%w: malformed response body: %v", ErrRegistrationFailed, jsonErr)
		}
	}

	info := CoreInfo{ID: resp.CoreID, Name: resp.DisplayName, Version: resp.DisplayVersion}

	c.mu.Lock()
	c.coreInfo = info
	if resp.Token != "" {
		c.token = resp.Token
	}
	c.mu.Unlock()

	c.services.Attach(&outboundSender{ch: c.outbound}, service.Identity{ID: info.ID, Name: info.Name})

	metrics.RegistrationsTotal.WithLabelValues("success").Inc()
	c.router.Emit(Event{Kind: Registered, Data: RegisteredData{
		CoreID:         info.ID,
		DisplayName:    info.Name,
		DisplayVersion: info.Version,
	}})
	return nil
}

// handleDisconnect runs the connection-lost sequence (spec §4.6
// "Auto-reconnect" step 1): fail all pending, emit Disconnected, then
// kick off the reconnect loop if configured and not explicitly torn
// down.
func (c *Connection) handleDisconnect(reason string, code int) {
	c.setState(StateDisconnected)
	c.router.FailPending()

	var codePtr *int
	if code != 0 {
		codePtr = &code
	}
	c.router.Emit(Event{Kind: Disconnected, Data: DisconnectedData{Reason: reason, Code: codePtr}})

	c.mu.Lock()
	explicit := c.explicitlyDisconnected
	autoReconnect := c.cfg.AutoReconnect
	c.mu.Unlock()

	if explicit || !autoReconnect {
		return
	}

	if atomic.CompareAndSwapInt32(&c.reconnecting, 0, 1) {
		go c.reconnectLoop()
	}
}

func (c *Connection) reconnectLoop() {
	defer atomic.StoreInt32(&c.reconnecting, 0)

	attempt := 1
	for {
		c.mu.Lock()
		explicit := c.explicitlyDisconnected
		c.mu.Unlock()
		if explicit {
			return
		}

		backoff := c.cfg.InitialBackoff * time.Duration(1<<uint(attempt-1))
		if backoff <= 0 || backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}

		select {
		case <-time.After(backoff):
		case <-c.bgCtx.Done():
			return
		}

		c.mu.Lock()
		explicit = c.explicitlyDisconnected
		c.mu.Unlock()
		if explicit {
			return
		}

		metrics.ReconnectAttemptsTotal.Inc()
		c.router.Emit(Event{Kind: Reconnecting, Data: ReconnectingData{Attempt: attempt, BackoffMS: backoff.Milliseconds()}})

		c.setState(StateConnecting)
		ctx, cancel := context.WithTimeout(c.bgCtx, c.cfg.RequestTimeout)
		err := c.connectAndRegister(ctx)
		cancel()
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
			c.setState(StateDisconnected)
			attempt++
			continue
		}

		c.setState(StateConnected)
		c.mu.Lock()
		info := c.coreInfo
		c.mu.Unlock()
		c.router.Emit(Event{Kind: Reconnected, Data: RegisteredData{
			CoreID:         info.ID,
			DisplayName:    info.Name,
			DisplayVersion: info.Version,
		}})
		return
	}
}

// Disconnect tears the connection down explicitly (spec §4.6 "Explicit
// disconnect"). No further reconnect attempt starts afterward.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.explicitlyDisconnected = true
	c.state = StateDisconnecting
	t := c.transport
	cancel := c.runCancel
	c.mu.Unlock()
	metrics.ConnectionState.Set(float64(StateDisconnecting))

	if t != nil {
		_ = t.Close(1000, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}

	c.mu.Lock()
	c.transport = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	metrics.ConnectionState.Set(float64(StateDisconnected))

	c.router.Emit(Event{Kind: Disconnected, Data: DisconnectedData{Reason: "Explicitly disconnected"}})
}

// Close releases background resources (the provided-service worker
// pool). Call after Disconnect when the Connection will not be reused.
func (c *Connection) Close() {
	c.bgCancel()
}

// Request sends a REQUEST frame and waits for its terminal response
// (spec §6 "request(request_map) → completion"). A non-success
// terminal response surfaces as *RequestError; connection loss while
// in flight surfaces as ErrDisconnected.
func (c *Connection) Request(ctx context.Context, uri string, body any) ([]byte, error) {
	completion, err := c.router.Request(ctx, uri, body)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	respBody, err := completion.Wait(ctx)
	metrics.RequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("failure").Inc()
		return nil, asRequestError(err)
	}
	metrics.RequestsTotal.WithLabelValues("success").Inc()
	return respBody, nil
}

// Subscribe fires a subscribe_<topic> request; typed events arrive via
// Events() (spec §6 "subscribe").
func (c *Connection) Subscribe(ctx context.Context, serviceName, topic string, extra map[string]any) error {
	return c.router.Subscribe(ctx, serviceName, topic, extra)
}

// Broadcast pushes an update to every current subscriber of a provided
// subscription (spec §6 "broadcast").
func (c *Connection) Broadcast(subscriptionName string, body any) {
	c.services.Broadcast(subscriptionName, body)
}

// WatchCores runs continuous SOOD discovery on a ticker and forwards
// appearances/disappearances as CoreFound/CoreLost events on Events()
// (spec §6 reserves these EventKinds without specifying a continuous
// producer; this is that producer). It runs until ctx is done; Close
// does not stop it.
func (c *Connection) WatchCores(ctx context.Context) {
	watchCfg := discovery.Config{Timeout: c.cfg.DiscoveryTimeout, Logger: c.logger}
	events := discovery.Watch(ctx, c.cfg.DiscoveryInterval, watchCfg)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for ev := range events {
			switch ev.Kind {
			case discovery.CoreFound:
				c.router.Emit(Event{Kind: CoreFound, Data: ev.Core})
			case discovery.CoreLost:
				c.router.Emit(Event{Kind: CoreLost, Data: ev.Core})
			}
		}
	}()
}

// Sweep removes and fails pending requests older than maxAge (spec §9
// "periodically sweep entries older than 2x timeout_ms"). Callers that
// want this run continuously should invoke it from their own ticker;
// the connection does not start one implicitly.
func (c *Connection) Sweep(maxAge time.Duration) int {
	n := c.router.Sweep(maxAge)
	if n > 0 {
		metrics.SweptRequestsTotal.Add(float64(n))
	}
	return n
}
