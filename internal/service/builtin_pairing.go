package service

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/adred-codev/moo/internal/wire"
)

// PairingServiceName is the fixed service path for the pairing domain
// (spec §4.5 "Built-in services").
const PairingServiceName = "com.roonlabs.pairing:1"

// PairingState holds the single paired-core id for one connection.
// Spec §9's design note explicitly calls out that the reference treats
// pairing as one-per-process global state, and that a re-implementation
// should own it on the connection instead so multiple concurrent
// clients can coexist — this type is that owned state, one instance
// per Connection rather than a package-level variable.
type PairingState struct {
	mu         sync.Mutex
	pairedID   string
	onCoreLost func(previousCoreID string)
	onPaired   func(coreID string, isNewCore bool)
}

// NewPairingState creates pairing state with an optional core-lost
// callback (spec §3 ConnectionConfig "on-core-lost") and an optional
// paired callback invoked every time the Core pairs this extension,
// isNewCore distinguishing a pairing to a different core from a
// re-affirmed pairing to the same one.
func NewPairingState(onCoreLost func(previousCoreID string), onPaired func(coreID string, isNewCore bool)) *PairingState {
	return &PairingState{onCoreLost: onCoreLost, onPaired: onPaired}
}

// Current returns the paired core id and whether one is paired.
func (p *PairingState) Current() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pairedID, p.pairedID != ""
}

// Pair sets coreID as paired, invoking the core-lost callback with the
// previous id iff a different core was previously paired (spec §4.5,
// scenario 6).
func (p *PairingState) Pair(coreID string) {
	p.mu.Lock()
	previous := p.pairedID
	changed := previous != coreID
	p.pairedID = coreID
	p.mu.Unlock()

	if changed && previous != "" && p.onCoreLost != nil {
		p.onCoreLost(previous)
	}
	if p.onPaired != nil {
		p.onPaired(coreID, changed)
	}
}

// NewPairingService builds the always-registered pairing responder
// (spec §4.5). get_pairing answers the current pairing; pair sets it
// and broadcasts the change to subscribe_pairing subscribers;
// subscribe_pairing answers the current id (or "undefined").
func NewPairingService(state *PairingState) Spec {
	return Spec{
		Name: PairingServiceName,
		Methods: map[string]MethodHandler{
			"get_pairing": func(_ context.Context, _ Identity, _ []byte) Response {
				id, paired := state.Current()
				if !paired {
					return Response{Verb: wire.VerbComplete, Name: "Success"}
				}
				return Response{Verb: wire.VerbComplete, Name: "Success", Body: map[string]any{"paired_core_id": id}}
			},
			"pair": func(_ context.Context, _ Identity, body []byte) Response {
				var req struct {
					CoreID string `json:"core_id"`
				}
				_ = json.Unmarshal(body, &req)

				state.Pair(req.CoreID)

				return Response{
					Verb:      wire.VerbContinue,
					Name:      "Changed",
					Body:      map[string]any{"paired_core_id": req.CoreID},
					Broadcast: "subscribe_pairing",
				}
			},
		},
		Subscriptions: map[string]SubscriptionHooks{
			"subscribe_pairing": {
				Start: func(_ context.Context, _ Identity, _ []byte) Response {
					id, paired := state.Current()
					if !paired {
						id = "undefined"
					}
					return Response{Verb: wire.VerbContinue, Name: "Subscribed", Body: map[string]any{"paired_core_id": id}}
				},
			},
		},
	}
}
