// Package mqtt publishes estimator updates and node lifecycle events.
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sweeney/uwb-tdma/internal/estimator"
	"github.com/sweeney/uwb-tdma/internal/protocol"
)

// DefaultTopicPrefix is the first topic level of every node topic.
const DefaultTopicPrefix = "uwb"

// UpdatesTopic is where a node's estimator updates are published.
func UpdatesTopic(prefix string, node protocol.DeviceID) string {
	return fmt.Sprintf("%s/%s/updates", prefix, node)
}

// SystemTopic is where a node's lifecycle events are published.
func SystemTopic(prefix string, node protocol.DeviceID) string {
	return fmt.Sprintf("%s/%s/system", prefix, node)
}

// Publisher publishes node output to MQTT.
type Publisher interface {
	// PublishUpdate sends one estimator update. Errors are reported, never
	// retried.
	PublishUpdate(u estimator.Update) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent is a lifecycle event (STARTUP, SHUTDOWN, HEARTBEAT, RECONNECTED).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string
	Reason     string // e.g. "SIGTERM" (shutdown only)
	RawPayload []byte // pre-formatted JSON; FormatSystemPayload returns it unchanged
	Retained   bool
}

// UpdatePayload is the JSON body of an update message.
type UpdatePayload struct {
	Update UpdateBody `json:"update"`
}

// UpdateBody is an update tagged with the publishing process.
type UpdateBody struct {
	RunID string `json:"run_id,omitempty"`
	estimator.Update
}

// FormatUpdatePayload creates the JSON payload for an update.
func FormatUpdatePayload(u estimator.Update, runID string) ([]byte, error) {
	return json.Marshal(UpdatePayload{Update: UpdateBody{RunID: runID, Update: u}})
}

// SystemPayload is the JSON body of a simple lifecycle event, used for the
// last will and RECONNECTED. Full status snapshots travel as RawPayload.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
