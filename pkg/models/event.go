package models

import (
	"time"
)

const (
	EventIdentify         = "$identify"
	EventCreateAlias      = "$create_alias"
	EventMergeDangerously = "$merge_dangerously"
)

const (
	PropertySet              = "$set"
	PropertySetOnce          = "$set_once"
	PropertyUnset            = "$unset"
	PropertyAlias            = "alias"
	PropertyAnonDistinctID   = "$anon_distinct_id"
	PropertyCreatorEventUUID = "$creator_event_uuid"
)

// Event is a pipeline event after upstream validation and enrichment
type Event struct {
	UUID       string         `json:"uuid" validate:"required,uuid"`
	Event      string         `json:"event" validate:"required"`
	DistinctID string         `json:"distinct_id" validate:"required,max=400"`
	TeamID     int64          `json:"team_id" validate:"required,gt=0"`
	Timestamp  time.Time      `json:"timestamp" validate:"required"`
	Properties map[string]any `json:"properties"`
}

// EventWithPerson is the event denormalized with the person it resolved to
type EventWithPerson struct {
	UUID             string         `json:"uuid"`
	Event            string         `json:"event"`
	DistinctID       string         `json:"distinct_id"`
	TeamID           int64          `json:"team_id"`
	Timestamp        time.Time      `json:"timestamp"`
	Properties       map[string]any `json:"properties,omitempty"`
	PersonID         string         `json:"person_id,omitempty"`
	PersonCreatedAt  *time.Time     `json:"person_created_at,omitempty"`
	PersonProperties Properties     `json:"person_properties,omitempty"`
}
