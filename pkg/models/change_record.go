package models

import (
	"encoding/json"
)

// ChangeRecord is a downstream message produced by a store mutation. The store only builds
// records; whoever owns the surrounding transaction publishes them after commit.
type ChangeRecord struct {
	Topic   string            `json:"topic"`
	Key     string            `json:"key"`
	Value   json.RawMessage   `json:"value"`
	Headers map[string]string `json:"headers,omitempty"`
}

// PersonMessage is the person row as seen by downstream consumers
type PersonMessage struct {
	ID           string `json:"id"`
	CreatedAt    string `json:"created_at"`
	TeamID       int64  `json:"team_id"`
	Properties   string `json:"properties"`
	IsIdentified int    `json:"is_identified"`
	IsDeleted    int    `json:"is_deleted"`
	Version      int64  `json:"version"`
}

// DistinctIDMessage is a distinct id association as seen by downstream consumers
type DistinctIDMessage struct {
	DistinctID string `json:"distinct_id"`
	PersonID   string `json:"person_id"`
	TeamID     int64  `json:"team_id"`
	IsDeleted  int    `json:"is_deleted"`
	Version    int64  `json:"version"`
}

// IngestionWarningMessage is a non-fatal anomaly reported for a team
type IngestionWarningMessage struct {
	TeamID    int64  `json:"team_id"`
	Source    string `json:"source"`
	Type      string `json:"type"`
	Details   string `json:"details"`
	Timestamp string `json:"timestamp"`
}
