package event

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_EventJSONRoundTrip checks that serializing and deserializing an
// event preserves every declared envelope field.
func TestProperty_EventJSONRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	eventTypes := []Type{
		TypeConversationStarted, TypeConversationEnded,
		TypeMessageReceived, TypeMessageSent,
		TypeAIResponseGenerated, TypeAIResponseFailed,
		TypeOrderCreated, TypePaymentProcessed, TypeBusinessMetric,
		TypeSystemAlert, TypeDeadLetter,
	}
	priorities := []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical}

	properties.Property("json round-trip preserves all declared fields", prop.ForAll(
		func(
			id string,
			source string,
			typeIdx uint8,
			priorityIdx uint8,
			correlationID string,
			userID string,
			sessionID string,
			dataValue string,
			metaValue string,
			unixSec int64,
		) bool {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(source) == "" {
				return true
			}

			e := &Event{
				ID:            id,
				Type:          eventTypes[int(typeIdx)%len(eventTypes)],
				Timestamp:     time.Unix(unixSec%4102444800, 0).UTC(),
				Source:        source,
				Data:          map[string]any{"value": dataValue},
				Metadata:      map[string]string{"key": metaValue},
				Priority:      priorities[int(priorityIdx)%len(priorities)],
				CorrelationID: correlationID,
				UserID:        userID,
				SessionID:     sessionID,
				Version:       DefaultVersion,
			}
			if e.Timestamp.IsZero() {
				return true
			}

			raw, err := e.ToJSON()
			if err != nil {
				return false
			}
			decoded, err := FromJSON(raw)
			if err != nil {
				return false
			}

			return decoded.ID == e.ID &&
				decoded.Type == e.Type &&
				decoded.Timestamp.Equal(e.Timestamp) &&
				decoded.Source == e.Source &&
				decoded.Data["value"] == dataValue &&
				decoded.Metadata["key"] == metaValue &&
				decoded.Priority == e.Priority &&
				decoded.CorrelationID == e.CorrelationID &&
				decoded.UserID == e.UserID &&
				decoded.SessionID == e.SessionID &&
				decoded.Version == e.Version
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.UInt8(),
		gen.UInt8(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.Int64Range(1, 4102444799),
	))

	properties.TestingRun(t)
}
