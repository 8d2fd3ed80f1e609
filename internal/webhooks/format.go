package webhooks

import (
	"encoding/json"
	"fmt"
)

// Per-event colors, shared by the Slack and Discord formatters.
// Slack wants hex strings, Discord 24-bit ints.
var eventColors = map[Event]int{
	EventViolationOpened: 0xdc2626, // red
	EventViolationClosed: 0x16a34a, // green
	EventTestSent:        0x2563eb, // blue
	EventTestExpired:     0xf59e0b, // amber
}

const fallbackColor = 0x6b7280

var eventEmoji = map[Event]string{
	EventViolationOpened: ":rotating_light:",
	EventViolationClosed: ":white_check_mark:",
	EventTestSent:        ":mailbox:",
	EventTestExpired:     ":warning:",
}

func colorFor(e Event) int {
	if c, ok := eventColors[e]; ok {
		return c
	}
	return fallbackColor
}

// slackBody renders a Block Kit attachment with a colored header, section
// fields, primary text, and an id footer.
func slackBody(p Payload) ([]byte, error) {
	emoji, ok := eventEmoji[p.Event]
	if !ok {
		emoji = ":bell:"
	}
	label := p.ViolationCode
	if label == "" {
		label = "Info"
	}
	return json.Marshal(map[string]any{
		"attachments": []any{map[string]any{
			"color": fmt.Sprintf("#%06x", colorFor(p.Event)),
			"blocks": []any{
				map[string]any{
					"type": "header",
					"text": map[string]any{
						"type": "plain_text",
						"text": fmt.Sprintf("%s Rewire: %s", emoji, p.Event),
					},
				},
				map[string]any{
					"type": "section",
					"fields": []any{
						map[string]any{"type": "mrkdwn", "text": "*Expectation:*\n" + p.ExpectationName},
						map[string]any{"type": "mrkdwn", "text": "*Type:*\n" + p.ExpectationType},
					},
				},
				map[string]any{
					"type": "section",
					"text": map[string]any{
						"type": "mrkdwn",
						"text": fmt.Sprintf("*%s:* %s", label, p.Message),
					},
				},
				map[string]any{
					"type": "context",
					"elements": []any{
						map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("ID: `%s`", p.ExpectationID)},
					},
				},
			},
		}},
	})
}

// discordBody renders a single embed mirroring the Slack layout.
func discordBody(p Payload) ([]byte, error) {
	label := p.ViolationCode
	if label == "" {
		label = "Info"
	}
	return json.Marshal(map[string]any{
		"embeds": []any{map[string]any{
			"title": fmt.Sprintf("Rewire: %s", p.Event),
			"color": colorFor(p.Event),
			"fields": []any{
				map[string]any{"name": "Expectation", "value": p.ExpectationName, "inline": true},
				map[string]any{"name": "Type", "value": p.ExpectationType, "inline": true},
				map[string]any{"name": label, "value": p.Message},
			},
			"footer": map[string]any{"text": "ID: " + p.ExpectationID},
		}},
	})
}
