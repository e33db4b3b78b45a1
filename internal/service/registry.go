// Package service implements the provided-service framework: the
// registry of methods and subscriptions the client exposes to the
// Core, inbound dispatch, and broadcast fan-out (spec §4.5).
package service

import (
	"context"
	"strings"
	"sync"

	"github.com/adred-codev/moo/internal/wire"
	"github.com/rs/zerolog"
)

// Identity is the normalized core identity passed to every handler
// (spec §4.5 step 3: "a normalized core identity {id, name}").
type Identity struct {
	ID   string
	Name string
}

// Response is what a handler returns: the outbound verb/name/body to
// emit in reply, plus an optional subscription name to broadcast on
// (spec §3 ProvidedService).
type Response struct {
	Verb      wire.Verb
	Name      string
	Body      any
	Broadcast string
}

// MethodHandler answers a one-shot inbound method call.
type MethodHandler func(ctx context.Context, core Identity, body []byte) Response

// SubscriptionHooks answers the start and (optional) end of an inbound
// subscription.
type SubscriptionHooks struct {
	Start func(ctx context.Context, core Identity, body []byte) Response
	End   func(ctx context.Context, core Identity, body []byte) Response
}

// Spec describes one provided service (spec §3 ProvidedService).
type Spec struct {
	Name          string
	Methods       map[string]MethodHandler
	Subscriptions map[string]SubscriptionHooks
}

// Sender enqueues an already-encoded wire frame for transmission.
type Sender interface {
	Send(frame []byte) error
}

type providedSubscription struct {
	topic     string
	requestID uint64
}

// Registry holds registered services and tracks subscriptions the Core
// has opened against them (spec §4.5).
type Registry struct {
	mu       sync.RWMutex
	services map[string]Spec
	subs     map[any]providedSubscription // keyed by the Core-supplied subscription_key (any JSON scalar)

	sender   Sender
	identity Identity
	pool     *broadcastPool
	logger   zerolog.Logger
}

// New creates an empty registry. Attach wires the outbound sender and
// core identity once connected.
func New(logger zerolog.Logger, workerCount, queueSize int) *Registry {
	reg := &Registry{
		services: make(map[string]Spec),
		subs:     make(map[any]providedSubscription),
		logger:   logger.With().Str("component", "service_registry").Logger(),
	}
	reg.pool = newBroadcastPool(workerCount, queueSize, reg.logger)
	return reg
}

// Attach sets the outbound sender and the identity handlers receive.
// Called once per (re)connect.
func (r *Registry) Attach(sender Sender, identity Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sender = sender
	r.identity = identity
}

// Start begins the broadcast worker pool. Call once at process startup.
func (r *Registry) Start(ctx context.Context) {
	r.pool.Start(ctx)
}

// Register installs or replaces a service spec by name (spec §4.5
// "Registration": idempotent, re-registering replaces).
func (r *Registry) Register(spec Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[spec.Name] = spec
}

// Lookup returns a registered service spec.
func (r *Registry) Lookup(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.services[name]
	return spec, ok
}

func (r *Registry) emit(verb wire.Verb, name string, requestID uint64, body any) {
	r.mu.RLock()
	sender := r.sender
	r.mu.RUnlock()
	if sender == nil {
		return
	}
	frame, err := wire.EncodeResponse(verb, name, requestID, body)
	if err != nil {
		r.logger.Warn().Err(err).Str("name", name).Msg("failed to encode provided-service response")
		return
	}
	if err := sender.Send(frame); err != nil {
		r.logger.Warn().Err(err).Msg("failed to send provided-service response")
	}
}

// Dispatch routes one inbound REQUEST frame (spec §4.5 "Dispatch of an
// inbound REQUEST"). It satisfies router.Dispatcher.
func (r *Registry) Dispatch(ctx context.Context, requestID uint64, uri string, body []byte) {
	idx := strings.LastIndex(uri, "/")
	if idx < 0 {
		r.logger.Warn().Str("uri", uri).Msg("provided-service dispatch: no slash in uri, dropping")
		return
	}
	serviceName, methodName := uri[:idx], uri[idx+1:]

	spec, ok := r.Lookup(serviceName)
	if !ok {
		r.logger.Warn().Str("service", serviceName).Msg("provided-service dispatch: unknown service, dropping")
		return
	}

	r.mu.RLock()
	identity := r.identity
	r.mu.RUnlock()

	if handler, ok := spec.Methods[methodName]; ok {
		resp := handler(ctx, identity, body)
		r.emit(resp.Verb, resp.Name, requestID, resp.Body)
		if resp.Broadcast != "" {
			r.Broadcast(resp.Broadcast, resp.Body)
		}
		return
	}

	if hooks, ok := spec.Subscriptions[methodName]; ok {
		r.startSubscription(ctx, identity, requestID, methodName, body, hooks)
		return
	}

	if topic, ok := strings.CutPrefix(methodName, "unsubscribe_"); ok {
		if hooks, hasSub := spec.Subscriptions["subscribe_"+topic]; hasSub {
			r.endSubscription(ctx, identity, requestID, body, hooks)
			return
		}
	}

	r.logger.Warn().Str("uri", uri).Msg("provided-service dispatch: no method or subscription matched, dropping")
}

func (r *Registry) startSubscription(ctx context.Context, identity Identity, requestID uint64, topic string, body []byte, hooks SubscriptionHooks) {
	key := subscriptionKey(body)
	if key != nil {
		r.mu.Lock()
		r.subs[key] = providedSubscription{topic: topic, requestID: requestID}
		r.mu.Unlock()
	}

	if hooks.Start == nil {
		r.emit(wire.VerbComplete, "Success", requestID, nil)
		return
	}
	resp := hooks.Start(ctx, identity, body)
	r.emit(resp.Verb, resp.Name, requestID, resp.Body)
}

func (r *Registry) endSubscription(ctx context.Context, identity Identity, requestID uint64, body []byte, hooks SubscriptionHooks) {
	key := subscriptionKey(body)
	if key != nil {
		r.mu.Lock()
		delete(r.subs, key)
		r.mu.Unlock()
	}

	if hooks.End == nil {
		r.emit(wire.VerbComplete, "Success", requestID, nil)
		return
	}
	resp := hooks.End(ctx, identity, body)
	r.emit(resp.Verb, resp.Name, requestID, resp.Body)
}

// Broadcast pushes an update to every active subscriber of
// subscriptionName, emitting CONTINUE Changed with each subscriber's
// stored request id (spec §4.5 "Broadcast"). Fan-out runs through a
// bounded worker pool so one slow send cannot delay the others.
func (r *Registry) Broadcast(subscriptionName string, body any) {
	r.mu.RLock()
	var targets []uint64
	for _, sub := range r.subs {
		if sub.topic == subscriptionName {
			targets = append(targets, sub.requestID)
		}
	}
	r.mu.RUnlock()

	for _, reqID := range targets {
		reqID := reqID
		r.pool.Submit(func() {
			r.emit(wire.VerbContinue, "Changed", reqID, body)
		})
	}
}

// subscriptionCount reports how many provided subscriptions are active
// for the given topic (for tests and diagnostics).
func (r *Registry) subscriptionCount(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, sub := range r.subs {
		if sub.topic == topic {
			n++
		}
	}
	return n
}
