package models

import (
	"time"
)

// PropertyOperation records which operation last wrote a person property
type PropertyOperation string

const (
	PropertyOperationSet     PropertyOperation = "set"
	PropertyOperationSetOnce PropertyOperation = "set_once"
)

// Properties is a person property mapping. Unset keys are absent.
type Properties map[string]any

// Clone returns a shallow copy that is never nil
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Person is the canonical identity a set of distinct ids resolves to
type Person struct {
	ID                      int64                        `json:"id" db:"id"`
	TeamID                  int64                        `json:"team_id" db:"team_id"`
	UUID                    string                       `json:"uuid" db:"uuid"`
	CreatedAt               time.Time                    `json:"created_at" db:"created_at"`
	Properties              Properties                   `json:"properties"`
	PropertiesLastUpdatedAt map[string]string            `json:"properties_last_updated_at,omitempty"`
	PropertiesLastOperation map[string]PropertyOperation `json:"properties_last_operation,omitempty"`
	IsIdentified            bool                         `json:"is_identified" db:"is_identified"`
	Version                 int64                        `json:"version" db:"version"`
}

// Clone returns a copy whose maps can be mutated without touching p
func (p *Person) Clone() *Person {
	if p == nil {
		return nil
	}
	out := *p
	out.Properties = p.Properties.Clone()
	out.PropertiesLastUpdatedAt = cloneStringMap(p.PropertiesLastUpdatedAt)
	out.PropertiesLastOperation = cloneOperationMap(p.PropertiesLastOperation)
	return &out
}

// DistinctID maps a client supplied identifier to a person within a team
type DistinctID struct {
	TeamID     int64  `json:"team_id" db:"team_id"`
	PersonID   int64  `json:"person_id" db:"person_id"`
	DistinctID string `json:"distinct_id" db:"distinct_id"`
	Version    int64  `json:"version" db:"version"`
}

// CreatePersonParams describes a person row and the distinct ids seeded with it
type CreatePersonParams struct {
	TeamID                  int64
	UUID                    string
	CreatedAt               time.Time
	Properties              Properties
	PropertiesLastUpdatedAt map[string]string
	PropertiesLastOperation map[string]PropertyOperation
	IsIdentified            bool
	DistinctIDs             []string
}

// PersonUpdate is a partial person update. Nil fields are left unchanged.
type PersonUpdate struct {
	Properties              Properties
	PropertiesLastUpdatedAt map[string]string
	PropertiesLastOperation map[string]PropertyOperation
	CreatedAt               *time.Time
	IsIdentified            *bool
}

// IsEmpty reports whether the update would change nothing
func (u PersonUpdate) IsEmpty() bool {
	return u.Properties == nil &&
		u.PropertiesLastUpdatedAt == nil &&
		u.PropertiesLastOperation == nil &&
		u.CreatedAt == nil &&
		u.IsIdentified == nil
}

// ApplyTo returns a copy of person with the update applied
func (u PersonUpdate) ApplyTo(person *Person) *Person {
	out := person.Clone()
	if u.Properties != nil {
		out.Properties = u.Properties.Clone()
	}
	if u.PropertiesLastUpdatedAt != nil {
		out.PropertiesLastUpdatedAt = cloneStringMap(u.PropertiesLastUpdatedAt)
	}
	if u.PropertiesLastOperation != nil {
		out.PropertiesLastOperation = cloneOperationMap(u.PropertiesLastOperation)
	}
	if u.CreatedAt != nil {
		out.CreatedAt = *u.CreatedAt
	}
	if u.IsIdentified != nil {
		out.IsIdentified = *u.IsIdentified
	}
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneOperationMap(in map[string]PropertyOperation) map[string]PropertyOperation {
	out := make(map[string]PropertyOperation, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
