package service

import "encoding/json"

// subscriptionKey extracts the Core-supplied subscription_key from a
// request body, returning nil when absent or the body isn't JSON. The
// returned value's concrete type (float64 or string, per JSON numeric
// decoding) is comparable and usable as a map key.
func subscriptionKey(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil
	}
	key, ok := fields["subscription_key"]
	if !ok {
		return nil
	}
	return key
}
