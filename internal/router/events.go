package router

// EventKind identifies the tagged values delivered on the connection's
// single events sink (spec §6).
type EventKind int

const (
	Registered EventKind = iota
	Reconnecting
	Reconnected
	Disconnected

	ZonesSubscribed
	ZonesChanged
	ZonesAdded
	ZonesRemoved
	ZonesSeekChanged

	OutputsSubscribed
	OutputsChanged
	OutputsAdded
	OutputsRemoved

	QueueSubscribed
	QueueChanged

	CoreFound
	CoreLost

	CorePaired
	PairingChanged
)

func (k EventKind) String() string {
	switch k {
	case Registered:
		return "Registered"
	case Reconnecting:
		return "Reconnecting"
	case Reconnected:
		return "Reconnected"
	case Disconnected:
		return "Disconnected"
	case ZonesSubscribed:
		return "ZonesSubscribed"
	case ZonesChanged:
		return "ZonesChanged"
	case ZonesAdded:
		return "ZonesAdded"
	case ZonesRemoved:
		return "ZonesRemoved"
	case ZonesSeekChanged:
		return "ZonesSeekChanged"
	case OutputsSubscribed:
		return "OutputsSubscribed"
	case OutputsChanged:
		return "OutputsChanged"
	case OutputsAdded:
		return "OutputsAdded"
	case OutputsRemoved:
		return "OutputsRemoved"
	case QueueSubscribed:
		return "QueueSubscribed"
	case QueueChanged:
		return "QueueChanged"
	case CoreFound:
		return "CoreFound"
	case CoreLost:
		return "CoreLost"
	case CorePaired:
		return "CorePaired"
	case PairingChanged:
		return "PairingChanged"
	default:
		return "Unknown"
	}
}

// Event is one tagged value on the events sink. Data carries the
// payload appropriate to Kind (spec §6): the untouched JSON body for
// subscription events, or a small typed struct for lifecycle events.
type Event struct {
	Kind EventKind
	Data any
}

// RegisteredData is the payload for Registered/Reconnected events.
type RegisteredData struct {
	CoreID          string `json:"core_id"`
	DisplayName     string `json:"display_name"`
	DisplayVersion  string `json:"display_version,omitempty"`
}

// DisconnectedData is the payload for a Disconnected event.
type DisconnectedData struct {
	Reason string
	Code   *int
}

// ReconnectingData is the payload for a Reconnecting event.
type ReconnectingData struct {
	Attempt   int
	BackoffMS int64
}

// PairingChangedData is the payload for CorePaired/PairingChanged
// events, fired by the built-in pairing service whenever the Core
// pairs this extension to a core id.
type PairingChangedData struct {
	CoreID string
}

// topicSubscribed, topicBodyKeyEvent and topicDefaultEvent map a
// subscription topic to the typed event kind for the initial Subscribed
// response and to per-body-key event kinds for subsequent CONTINUE
// frames (spec §4.4 "Typed event mapping").
var topicSubscribed = map[string]EventKind{
	"zones":   ZonesSubscribed,
	"outputs": OutputsSubscribed,
	"queue":   QueueSubscribed,
}

var topicBodyKeyEvent = map[string]map[string]EventKind{
	"zones": {
		"zones_changed":      ZonesChanged,
		"zones_added":        ZonesAdded,
		"zones_removed":      ZonesRemoved,
		"zones_seek_changed": ZonesSeekChanged,
	},
	"outputs": {
		"outputs_changed": OutputsChanged,
		"outputs_added":   OutputsAdded,
		"outputs_removed": OutputsRemoved,
	},
	"queue": {
		"queue_changed": QueueChanged,
	},
}

var topicDefaultEvent = map[string]EventKind{
	"zones":   ZonesChanged,
	"outputs": OutputsChanged,
	"queue":   QueueChanged,
}

// eventForSubscription derives the typed event kind for a CONTINUE
// frame belonging to a subscription on topic, given the frame's name
// and decoded JSON body keys. ok is false when topic is unknown and the
// event must be dropped (spec §4.4 table, "unknown" row).
func eventForSubscription(topic, name string, bodyKeys map[string]bool) (EventKind, bool) {
	if name == "Subscribed" {
		kind, known := topicSubscribed[topic]
		return kind, known
	}

	byKey, known := topicBodyKeyEvent[topic]
	if !known {
		return 0, false
	}
	for key, kind := range byKey {
		if bodyKeys[key] {
			return kind, true
		}
	}

	kind, known := topicDefaultEvent[topic]
	return kind, known
}
