package service

import (
	"context"

	"github.com/adred-codev/moo/internal/wire"
)

// PingServiceName is the fixed service path the Core calls to check
// liveness (spec §4.5 "Built-in services").
const PingServiceName = "com.roonlabs.ping:1"

// NewPingService returns the always-registered ping responder: a
// single method that answers COMPLETE Success with an empty body.
func NewPingService() Spec {
	return Spec{
		Name: PingServiceName,
		Methods: map[string]MethodHandler{
			"ping": func(_ context.Context, _ Identity, _ []byte) Response {
				return Response{Verb: wire.VerbComplete, Name: "Success"}
			},
		},
	}
}
