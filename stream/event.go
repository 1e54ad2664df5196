package stream

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/hb9tf/sweepd/sdr"
)

// EventType tags stream events. The SSE event name on the wire is the tag.
type EventType string

const (
	TypeConnected        EventType = "connected"
	TypeSweepData        EventType = "sweep_data"
	TypeStatus           EventType = "status"
	TypeCycleConfig      EventType = "cycle_config"
	TypeHeartbeat        EventType = "heartbeat"
	TypeRecoveryStart    EventType = "recovery_start"
	TypeRecoveryComplete EventType = "recovery_complete"
	TypeError            EventType = "error"
	TypeStateSync        EventType = "state_sync"
	TypeServerReset      EventType = "server_reset"
)

// AllTypes lists every event type, for subscriptions without an explicit
// type filter.
var AllTypes = []EventType{
	TypeConnected, TypeSweepData, TypeStatus, TypeCycleConfig, TypeHeartbeat,
	TypeRecoveryStart, TypeRecoveryComplete, TypeError, TypeStateSync,
	TypeServerReset,
}

// Event is one message published to the hub. DBHigh and Source are filter
// metadata for sweep data; they are not part of the wire payload.
type Event struct {
	Type    EventType
	Payload any

	DBHigh float64
	Source string
}

// Envelope is what subscribers receive: the event type plus its payload
// already marshaled, so fanout marshals once regardless of subscriber count.
type Envelope struct {
	Type EventType
	Data []byte
}

// Payload types, one per event tag.

type SweepDataPayload struct {
	Frequency uint64       `json:"frequency"`
	Samples   []sdr.Sample `json:"powerSamples"`
	Timestamp time.Time    `json:"timestamp"`
}

type StatusPayload struct {
	Phase     string `json:"phase"`
	FreqIndex int    `json:"currentFrequencyIndex"`
	FreqCount int    `json:"frequencyCount"`
	Message   string `json:"message,omitempty"`
}

type CycleConfigPayload struct {
	Frequencies []sdr.FrequencyBand `json:"frequencies"`
	CycleTimeMs int64               `json:"cycleTimeMs"`
}

type HeartbeatPayload struct {
	UptimeSeconds int64  `json:"uptimeSeconds"`
	ConnectionID  string `json:"connectionId"`
}

type RecoveryStartPayload struct {
	Reason  string `json:"reason"`
	Attempt int    `json:"attempt"`
	Max     int    `json:"max"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type StateSyncPayload struct {
	Before  any      `json:"before"`
	After   any      `json:"after"`
	Changes []string `json:"changes,omitempty"`
}

type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
}

func marshalEnvelope(ev Event) (Envelope, error) {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: ev.Type, Data: data}, nil
}
