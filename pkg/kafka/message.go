package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/info-baruzotech/posthog/pkg/models"
)

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	// Trace context (extracted from Kafka headers)
	TraceParent string
	TraceState  string

	// Parsed content
	Event *models.Event
}

// ParseEvent parses the message value as a pipeline event. A missing team id falls back to the
// team_id header.
func (m *IncomingMessage) ParseEvent() error {
	var event models.Event
	if err := json.Unmarshal(m.Value, &event); err != nil {
		return fmt.Errorf("failed to parse event: %w", err)
	}
	if event.TeamID == 0 {
		if teamID := m.Headers["team_id"]; teamID != "" {
			if _, err := fmt.Sscan(teamID, &event.TeamID); err != nil {
				return fmt.Errorf("invalid team_id header %q: %w", teamID, err)
			}
		}
	}
	if event.Properties == nil {
		event.Properties = map[string]any{}
	}
	m.Event = &event
	return nil
}

// GetTeamID returns the team id of the parsed event, or the team_id header
func (m *IncomingMessage) GetTeamID() string {
	if m.Event != nil {
		return fmt.Sprint(m.Event.TeamID)
	}
	return m.Headers["team_id"]
}
