package moo

import (
	"github.com/adred-codev/moo/internal/discovery"
	"github.com/adred-codev/moo/internal/router"
)

// Event is one tagged value delivered on Connection.Events() (spec §6
// "Events sink messages").
type Event = router.Event

// EventKind tags an Event's payload shape.
type EventKind = router.EventKind

// Event kinds, re-exported from internal/router so callers of this
// package never need to import it directly.
const (
	Registered   = router.Registered
	Reconnecting = router.Reconnecting
	Reconnected  = router.Reconnected
	Disconnected = router.Disconnected

	ZonesSubscribed  = router.ZonesSubscribed
	ZonesChanged     = router.ZonesChanged
	ZonesAdded       = router.ZonesAdded
	ZonesRemoved     = router.ZonesRemoved
	ZonesSeekChanged = router.ZonesSeekChanged

	OutputsSubscribed = router.OutputsSubscribed
	OutputsChanged    = router.OutputsChanged
	OutputsAdded      = router.OutputsAdded
	OutputsRemoved    = router.OutputsRemoved

	QueueSubscribed = router.QueueSubscribed
	QueueChanged    = router.QueueChanged

	CoreFound = router.CoreFound
	CoreLost  = router.CoreLost

	CorePaired     = router.CorePaired
	PairingChanged = router.PairingChanged
)

// RegisteredData is the payload for Registered/Reconnected events.
type RegisteredData = router.RegisteredData

// DisconnectedData is the payload for a Disconnected event.
type DisconnectedData = router.DisconnectedData

// ReconnectingData is the payload for a Reconnecting event.
type ReconnectingData = router.ReconnectingData

// PairingChangedData is the payload for CorePaired/PairingChanged events.
type PairingChangedData = router.PairingChangedData

// DiscoveredCore is the payload for CoreFound/CoreLost events, produced
// by Connection.WatchCores.
type DiscoveredCore = discovery.Core
