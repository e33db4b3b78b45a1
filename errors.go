package moo

import (
	"errors"
	"fmt"

	"github.com/adred-codev/moo/internal/router"
)

// ErrDisconnected is delivered to a pending completion when the
// connection drops while the request is in flight (spec §7
// "Disconnect-while-pending").
var ErrDisconnected = router.ErrDisconnected

// ErrRegistrationFailed is returned from Start/reconnect when the
// registration handshake times out or the Core replies with a name
// other than "Registered" (spec §7 "Registration failure").
var ErrRegistrationFailed = errors.New("moo: registration failed")

// ErrNotConnected names the not-connected condition. No function in
// this package returns it: Request and Subscribe before Start fail with
// a plain error from the router, and Broadcast reports no error.
var ErrNotConnected = errors.New("moo: not connected")

// RequestError wraps a non-success terminal response to a Request call
// (spec §7 "Request failure"): Name is the response's status token and
// Body its raw payload, both available for caller inspection.
type RequestError struct {
	Name string
	Body []byte
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("moo: request failed: %s", e.Name)
}

// asRequestError adapts a *router.Failure into the public RequestError
// type so callers of this package never import internal/router.
func asRequestError(err error) error {
	var f *router.Failure
	if errors.As(err, &f) {
		return &RequestError{Name: f.Name, Body: f.Body}
	}
	return err
}
