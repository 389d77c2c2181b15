// Package runstatus maps connection states to the status labels shown to
// operators.
package runstatus

import "kadoa-realtime/internal/realtime"

const (
	Idle         = "Idle"
	Connecting   = "Connecting"
	Connected    = "Connected"
	Disconnected = "Disconnected"
	Reconnecting = "Reconnecting"
)

func Label(state realtime.State) string {
	switch state {
	case realtime.StateConnecting:
		return Connecting
	case realtime.StateOpen:
		return Connected
	case realtime.StateClosing:
		return Disconnected
	case realtime.StateReconnecting:
		return Reconnecting
	default:
		return Idle
	}
}
