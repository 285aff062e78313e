package person

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/info-baruzotech/posthog/pkg/models"
)

// deletedVersionBump keeps a deletion ahead of any update the absorbed person could still
// receive, so replacing tables downstream keep the tombstone.
const deletedVersionBump = 100

const messageTimestampFormat = "2006-01-02 15:04:05.000000"

// Topics are the output topics for change records
type Topics struct {
	Persons     string
	DistinctIDs string
}

func personChangeRecord(topic string, person *models.Person, deleted bool) (models.ChangeRecord, error) {
	properties, err := json.Marshal(person.Properties)
	if err != nil {
		return models.ChangeRecord{}, fmt.Errorf("failed to encode person properties: %w", err)
	}

	msg := models.PersonMessage{
		ID:           person.UUID,
		CreatedAt:    person.CreatedAt.UTC().Format(messageTimestampFormat),
		TeamID:       person.TeamID,
		Properties:   string(properties),
		IsIdentified: boolToInt(person.IsIdentified),
		Version:      person.Version,
	}
	if deleted {
		msg.IsDeleted = 1
		msg.Version = person.Version + deletedVersionBump
	}

	return encodeRecord(topic, person.UUID, person.TeamID, msg)
}

func distinctIDChangeRecord(topic string, person *models.Person, distinctID string, version int64) (models.ChangeRecord, error) {
	return encodeRecord(topic, distinctID, person.TeamID, models.DistinctIDMessage{
		DistinctID: distinctID,
		PersonID:   person.UUID,
		TeamID:     person.TeamID,
		Version:    version,
	})
}

func encodeRecord(topic, key string, teamID int64, msg any) (models.ChangeRecord, error) {
	value, err := json.Marshal(msg)
	if err != nil {
		return models.ChangeRecord{}, fmt.Errorf("failed to encode %s record: %w", topic, err)
	}
	return models.ChangeRecord{
		Topic: topic,
		Key:   key,
		Value: value,
		Headers: map[string]string{
			"team_id":    strconv.FormatInt(teamID, 10),
			"emitted_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
