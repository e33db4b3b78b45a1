// Package router owns the pending-request table, the subscription
// table, and the dispatch of decoded wire frames to the caller-facing
// sinks (spec §4.4). It is the one place request-ids and subscription
// keys are allocated.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/moo/internal/metrics"
	"github.com/adred-codev/moo/internal/wire"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// firstRequestID is the lowest id the client allocates; values below it
// are reserved for server-initiated ids (spec §3 invariants).
const firstRequestID = 10

// Sender enqueues an already-encoded wire frame for transmission. The
// connection supervisor's outbound channel satisfies this.
type Sender interface {
	Send(frame []byte) error
}

// Dispatcher routes an inbound REQUEST frame to the provided-service
// registry. It is expected not to block the router for long; service
// handlers run synchronously from the router's perspective.
type Dispatcher interface {
	Dispatch(ctx context.Context, requestID uint64, uri string, body []byte)
}

// Failure is delivered to a pending request's completion when the Core
// replies with a non-success terminal frame (spec §3 PendingRequest).
type Failure struct {
	Name string
	Body []byte
}

func (f *Failure) Error() string {
	return fmt.Sprintf("router: request failed: %s", f.Name)
}

// ErrDisconnected is delivered to every pending request when the
// connection is lost while it is in flight (spec §4.4 "Connection-lost
// semantics").
var ErrDisconnected = fmt.Errorf("router: disconnected")

type result struct {
	body []byte
	err  error
}

// Completion is a single-assignment cell a caller can wait on with a
// deadline (spec §9 "Completion sinks"). A caller's deadline expiring
// does not remove the corresponding pending table entry — only a
// terminal frame or FailPending does that.
type Completion struct {
	ch        chan result
	once      sync.Once
	createdAt time.Time
}

func newCompletion() *Completion {
	return &Completion{ch: make(chan result, 1), createdAt: time.Now()}
}

func (c *Completion) complete(body []byte, err error) {
	c.once.Do(func() {
		c.ch <- result{body: body, err: err}
	})
}

// Wait blocks until the completion resolves or ctx is done. A ctx
// timeout here never mutates the router's pending table.
func (c *Completion) Wait(ctx context.Context) ([]byte, error) {
	select {
	case r := <-c.ch:
		return r.body, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type subscription struct {
	topic     string
	requestID uint64
}

// Config tunes a Router instance.
type Config struct {
	// EventBufferSize bounds the events sink (spec §5, default 32).
	EventBufferSize int
	// RequestRateLimit/RequestBurst throttle outbound request()/subscribe()
	// calls against a runaway caller flooding the Core (added, grounded
	// on the teacher's token-bucket connection limiter, narrowed from
	// per-IP+global to a single caller-side bucket). Zero disables
	// throttling.
	RequestRateLimit float64
	RequestBurst     int
	Logger           zerolog.Logger
}

// Router owns request-id/subscription-key allocation, the pending and
// subscription tables, and inbound frame dispatch.
type Router struct {
	mu       sync.Mutex
	pending  map[uint64]*Completion
	subs     map[uint64]subscription
	sender   Sender
	dispatch Dispatcher

	nextReqID uint64 // atomic
	nextSubID uint64 // atomic

	events  chan Event
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// New creates a Router. sender and dispatch may be nil initially and
// set later via Attach (the connection supervisor wires them in after
// dialing).
func New(cfg Config) *Router {
	bufSize := cfg.EventBufferSize
	if bufSize <= 0 {
		bufSize = 32
	}

	var limiter *rate.Limiter
	if cfg.RequestRateLimit > 0 {
		burst := cfg.RequestBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestRateLimit), burst)
	}

	return &Router{
		pending:   make(map[uint64]*Completion),
		subs:      make(map[uint64]subscription),
		nextReqID: firstRequestID - 1, // first AddUint64 yields firstRequestID
		events:    make(chan Event, bufSize),
		limiter:   limiter,
		logger:    cfg.Logger.With().Str("component", "router").Logger(),
	}
}

// Attach wires the outbound sender and inbound dispatcher. Called once
// per (re)connect.
func (r *Router) Attach(sender Sender, dispatch Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sender = sender
	r.dispatch = dispatch
}

// Events returns the bounded, drop-oldest events sink (spec §5).
func (r *Router) Events() <-chan Event {
	return r.events
}

func (r *Router) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		// Drop-oldest: make room then retry, never block the receive pump.
		select {
		case <-r.events:
			metrics.EventsDroppedTotal.Inc()
		default:
		}
		select {
		case r.events <- ev:
		default:
			metrics.EventsDroppedTotal.Inc()
		}
	}
}

// updatePendingGauge and updateSubscriptionGauge sample the pending and
// subscription table sizes into their gauges after every mutation, so
// PendingRequestsGauge/ActiveSubscriptionsGauge always reflect the
// router's live state rather than a periodic poll.
func (r *Router) updatePendingGauge() {
	r.mu.Lock()
	n := len(r.pending)
	r.mu.Unlock()
	metrics.PendingRequestsGauge.Set(float64(n))
}

func (r *Router) updateSubscriptionGauge() {
	r.mu.Lock()
	n := len(r.subs)
	r.mu.Unlock()
	metrics.ActiveSubscriptionsGauge.Set(float64(n))
}

func (r *Router) nextRequestID() uint64 {
	return atomic.AddUint64(&r.nextReqID, 1)
}

func (r *Router) nextSubscriptionKey() uint64 {
	id := atomic.AddUint64(&r.nextSubID, 1)
	return id - 1 // counter starts at 0 (spec §3 invariants)
}

func (r *Router) throttle(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	return r.limiter.Wait(ctx)
}

// Request sends a REQUEST frame and returns a Completion the caller
// waits on (spec §4.4 "Outbound request").
func (r *Router) Request(ctx context.Context, uri string, body any) (*Completion, error) {
	if err := r.throttle(ctx); err != nil {
		return nil, err
	}

	reqID := r.nextRequestID()
	completion := newCompletion()

	r.mu.Lock()
	r.pending[reqID] = completion
	sender := r.sender
	r.mu.Unlock()
	r.updatePendingGauge()

	if sender == nil {
		r.mu.Lock()
		delete(r.pending, reqID)
		r.mu.Unlock()
		r.updatePendingGauge()
		return nil, fmt.Errorf("router: not connected")
	}

	frame, err := wire.EncodeRequest(reqID, uri, body)
	if err != nil {
		r.mu.Lock()
		delete(r.pending, reqID)
		r.mu.Unlock()
		r.updatePendingGauge()
		return nil, err
	}

	if err := sender.Send(frame); err != nil {
		r.mu.Lock()
		delete(r.pending, reqID)
		r.mu.Unlock()
		r.updatePendingGauge()
		return nil, err
	}

	return completion, nil
}

// Subscribe fires a subscribe_<topic> request; events arrive via
// Events() (spec §4.4 "Outbound subscribe").
func (r *Router) Subscribe(ctx context.Context, service, topic string, extra map[string]any) error {
	if err := r.throttle(ctx); err != nil {
		return err
	}

	reqID := r.nextRequestID()
	subKey := r.nextSubscriptionKey()

	r.mu.Lock()
	r.subs[subKey] = subscription{topic: topic, requestID: reqID}
	sender := r.sender
	r.mu.Unlock()
	r.updateSubscriptionGauge()

	if sender == nil {
		r.mu.Lock()
		delete(r.subs, subKey)
		r.mu.Unlock()
		r.updateSubscriptionGauge()
		return fmt.Errorf("router: not connected")
	}

	body := map[string]any{"subscription_key": subKey}
	for k, v := range extra {
		body[k] = v
	}

	frame, err := wire.EncodeRequest(reqID, fmt.Sprintf("%s/subscribe_%s", service, topic), body)
	if err != nil {
		r.mu.Lock()
		delete(r.subs, subKey)
		r.mu.Unlock()
		r.updateSubscriptionGauge()
		return err
	}

	if err := sender.Send(frame); err != nil {
		r.mu.Lock()
		delete(r.subs, subKey)
		r.mu.Unlock()
		r.updateSubscriptionGauge()
		return err
	}

	return nil
}

// HandleFrame dispatches one decoded inbound frame per spec §4.4's
// inbound frame handling table.
func (r *Router) HandleFrame(ctx context.Context, f wire.Frame) {
	switch f.Verb {
	case wire.VerbComplete:
		r.handleComplete(f)
	case wire.VerbContinue:
		r.handleContinue(f)
	case wire.VerbRequest:
		r.mu.Lock()
		dispatch := r.dispatch
		r.mu.Unlock()
		if dispatch == nil {
			r.logger.Warn().Str("name", f.Name).Msg("no provided-service dispatcher attached, dropping request")
			return
		}
		dispatch.Dispatch(ctx, f.RequestID, f.Name, f.Body)
	default:
		r.logger.Warn().Str("verb", string(f.Verb)).Msg("protocol violation: unknown verb, dropping")
	}
}

func (r *Router) handleComplete(f wire.Frame) {
	r.mu.Lock()
	completion, ok := r.pending[f.RequestID]
	if ok {
		delete(r.pending, f.RequestID)
	}
	r.mu.Unlock()
	if ok {
		r.updatePendingGauge()
	}

	if !ok {
		r.logger.Debug().Uint64("request_id", f.RequestID).Msg("COMPLETE for unknown request id, dropping")
		return
	}

	if f.Name == "Success" || f.Name == "Registered" {
		completion.complete(f.Body, nil)
	} else {
		completion.complete(nil, &Failure{Name: f.Name, Body: f.Body})
	}
}

func (r *Router) handleContinue(f wire.Frame) {
	if f.Name == "Registered" {
		r.mu.Lock()
		completion, ok := r.pending[f.RequestID]
		r.mu.Unlock()
		if ok {
			completion.complete(f.Body, nil)
		}
		// Falls through: a Registered CONTINUE is also dispatched to
		// subscriptions per spec §4.4, though in practice no
		// subscription shares the registration's request id.
	}

	r.mu.Lock()
	var matches []subscription
	for _, sub := range r.subs {
		if sub.requestID == f.RequestID {
			matches = append(matches, sub)
		}
	}
	r.mu.Unlock()

	if len(matches) == 0 {
		return
	}

	var bodyKeys map[string]bool
	if f.JSON && f.HasBody {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(f.Body, &raw); err == nil {
			bodyKeys = make(map[string]bool, len(raw))
			for k := range raw {
				bodyKeys[k] = true
			}
		}
	}

	var payload any = f.Body
	if f.JSON && f.HasBody {
		var decoded any
		if err := json.Unmarshal(f.Body, &decoded); err == nil {
			payload = decoded
		}
	}

	for _, sub := range matches {
		kind, ok := eventForSubscription(sub.topic, f.Name, bodyKeys)
		if !ok {
			continue
		}
		r.emit(Event{Kind: kind, Data: payload})
	}
}

// FailPending completes every pending request with ErrDisconnected and
// clears the table (spec §4.4 "Connection-lost semantics"; §8 invariant
// "delivers to every entry exactly once").
func (r *Router) FailPending() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[uint64]*Completion)
	r.mu.Unlock()
	r.updatePendingGauge()

	for _, completion := range pending {
		completion.complete(nil, ErrDisconnected)
	}
}

// Emit pushes a connection-lifecycle event onto the events sink.
func (r *Router) Emit(ev Event) {
	r.emit(ev)
}

// PendingCount reports the number of in-flight requests (for tests and
// diagnostics).
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// SubscriptionCount reports the number of consumed subscriptions.
func (r *Router) SubscriptionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Sweep removes and fails (with ErrDisconnected) pending entries older
// than maxAge, returning the count removed. Spec §9 notes the reference
// never cleans up a pending entry on caller timeout and suggests a
// periodic sweep as an acceptable mitigation; callers drive this from
// their own ticker (Connection.Sweep is a thin wrapper; cmd/moo-client
// runs one at 2x RequestTimeout).
func (r *Router) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	var stale []*Completion
	for id, c := range r.pending {
		if c.createdAt.Before(cutoff) {
			stale = append(stale, c)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()
	if len(stale) > 0 {
		r.updatePendingGauge()
	}

	for _, c := range stale {
		c.complete(nil, ErrDisconnected)
	}
	return len(stale)
}
