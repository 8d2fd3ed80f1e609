package webhooks

import "encoding/json"

// Event is the webhook event type.
type Event string

const (
	EventViolationOpened Event = "violation.opened"
	EventViolationClosed Event = "violation.closed"
	EventTestSent        Event = "test.sent"
	EventTestExpired     Event = "test.expired"
)

// Payload carries one notification to every configured endpoint.
// Evidence values are integer epoch seconds or durations, except trial ids.
type Payload struct {
	Event           Event
	ExpectationID   string
	ExpectationName string
	ExpectationType string
	ViolationCode   string // empty for non-violation events
	Message         string
	Evidence        map[string]any
	Timestamp       int64
}

// genericBody is the JSON shape for generic endpoints.
func (p Payload) genericBody() ([]byte, error) {
	var code any
	if p.ViolationCode != "" {
		code = p.ViolationCode
	}
	return json.Marshal(map[string]any{
		"event": string(p.Event),
		"expectation": map[string]any{
			"id":   p.ExpectationID,
			"name": p.ExpectationName,
			"type": p.ExpectationType,
		},
		"violation": map[string]any{
			"code":     code,
			"message":  p.Message,
			"evidence": p.Evidence,
		},
		"timestamp": p.Timestamp,
	})
}
