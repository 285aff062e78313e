package person

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/info-baruzotech/posthog/pkg/database"
	"github.com/info-baruzotech/posthog/pkg/models"
	"github.com/info-baruzotech/posthog/pkg/tracing"
)

const (
	personsTable     = "persons"
	distinctIDsTable = "person_distinct_ids"
)

var personColumns = []string{
	"p.id", "p.team_id", "p.uuid", "p.created_at", "p.properties",
	"p.properties_last_updated_at", "p.properties_last_operation", "p.is_identified", "p.version",
}

type personRow struct {
	ID                      int64                                               `db:"id"`
	TeamID                  int64                                               `db:"team_id"`
	UUID                    string                                              `db:"uuid"`
	CreatedAt               time.Time                                           `db:"created_at"`
	Properties              database.JSONB[models.Properties]                   `db:"properties"`
	PropertiesLastUpdatedAt database.JSONB[map[string]string]                   `db:"properties_last_updated_at"`
	PropertiesLastOperation database.JSONB[map[string]models.PropertyOperation] `db:"properties_last_operation"`
	IsIdentified            bool                                                `db:"is_identified"`
	Version                 int64                                               `db:"version"`
}

func (r personRow) toModel() *models.Person {
	properties := r.Properties.GetValue()
	if properties == nil {
		properties = models.Properties{}
	}
	return &models.Person{
		ID:                      r.ID,
		TeamID:                  r.TeamID,
		UUID:                    r.UUID,
		CreatedAt:               r.CreatedAt,
		Properties:              properties,
		PropertiesLastUpdatedAt: r.PropertiesLastUpdatedAt.GetValue(),
		PropertiesLastOperation: r.PropertiesLastOperation.GetValue(),
		IsIdentified:            r.IsIdentified,
		Version:                 r.Version,
	}
}

// Repository handles person and distinct id persistence. Mutations return the change records
// they produced; publishing them is up to the caller.
type Repository struct {
	db     database.DB
	topics Topics
	logger ectologger.Logger
}

// NewRepository creates a new person repository
func NewRepository(db database.DB, topics Topics, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		topics: topics,
		logger: logger,
	}
}

// InTransaction runs fn in a transaction. Repository calls made with the ctx passed to fn
// join it.
func (r *Repository) InTransaction(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	return r.db.RunInTransaction(ctx, label, fn)
}

// FetchPerson returns the person owning distinctID, or nil when there is none
func (r *Repository) FetchPerson(ctx context.Context, teamID int64, distinctID string) (*models.Person, error) {
	ctx, span := tracing.StartSpan(ctx, "person.Repository.FetchPerson")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(personColumns...)
	sb.From(personsTable + " p")
	sb.Join(distinctIDsTable+" d", "d.person_id = p.id")
	sb.Where(
		sb.Equal("d.team_id", teamID),
		sb.Equal("d.distinct_id", distinctID),
	)
	sb.Limit(1)

	query, args := sb.Build()
	var row personRow
	if err := database.Conn(ctx, r.db).GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, r.dbError(ctx, err, "failed to fetch person")
	}

	return row.toModel(), nil
}

// DistinctIDExists reports whether any person owns distinctID
func (r *Repository) DistinctIDExists(ctx context.Context, teamID int64, distinctID string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "person.Repository.DistinctIDExists")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("1")
	sb.From(distinctIDsTable)
	sb.Where(
		sb.Equal("team_id", teamID),
		sb.Equal("distinct_id", distinctID),
	)
	sb.Limit(1)
	inner, args := sb.Build()

	var exists bool
	if err := database.Conn(ctx, r.db).GetContext(ctx, &exists, "SELECT EXISTS ("+inner+")", args...); err != nil {
		return false, r.dbError(ctx, err, "failed to check distinct id")
	}
	return exists, nil
}

// CreatePerson inserts a person and its seed distinct ids atomically
func (r *Repository) CreatePerson(ctx context.Context, params models.CreatePersonParams) (*models.Person, []models.ChangeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "person.Repository.CreatePerson")
	defer span.End()

	// Clone so the metadata maps are never stored as JSON null
	person := (&models.Person{
		TeamID:                  params.TeamID,
		UUID:                    params.UUID,
		CreatedAt:               params.CreatedAt,
		Properties:              params.Properties,
		PropertiesLastUpdatedAt: params.PropertiesLastUpdatedAt,
		PropertiesLastOperation: params.PropertiesLastOperation,
		IsIdentified:            params.IsIdentified,
	}).Clone()

	var records []models.ChangeRecord
	err := r.InTransaction(ctx, "createPerson", func(ctx context.Context) error {
		ib := database.NewInsertBuilder()
		ib.InsertInto(personsTable)
		ib.Cols("team_id", "uuid", "created_at", "properties", "properties_last_updated_at", "properties_last_operation", "is_identified", "version")
		ib.Values(
			person.TeamID,
			person.UUID,
			person.CreatedAt,
			database.NewJSONB(person.Properties),
			database.NewJSONB(person.PropertiesLastUpdatedAt),
			database.NewJSONB(person.PropertiesLastOperation),
			person.IsIdentified,
			person.Version,
		)
		ib.Returning("id")

		query, args := ib.Build()
		if err := database.Conn(ctx, r.db).GetContext(ctx, &person.ID, query, args...); err != nil {
			return r.dbError(ctx, err, "failed to create person")
		}

		record, err := personChangeRecord(r.topics.Persons, person, false)
		if err != nil {
			return err
		}
		records = append(records, record)

		for _, distinctID := range params.DistinctIDs {
			record, err := r.insertDistinctID(ctx, person, distinctID)
			if err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"team_id":      person.TeamID,
		"person_uuid":  person.UUID,
		"distinct_ids": len(params.DistinctIDs),
	}).Debug("Created person")

	return person, records, nil
}

// UpdatePerson applies update to person and bumps its version. It returns
// database.ErrNoRowsUpdated when the person no longer exists.
func (r *Repository) UpdatePerson(ctx context.Context, person *models.Person, update models.PersonUpdate) (*models.Person, []models.ChangeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "person.Repository.UpdatePerson")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(personsTable)
	assignments := []string{ub.Add("version", 1)}
	if update.Properties != nil {
		assignments = append(assignments, ub.Assign("properties", database.NewJSONB(update.Properties)))
	}
	if update.PropertiesLastUpdatedAt != nil {
		assignments = append(assignments, ub.Assign("properties_last_updated_at", database.NewJSONB(update.PropertiesLastUpdatedAt)))
	}
	if update.PropertiesLastOperation != nil {
		assignments = append(assignments, ub.Assign("properties_last_operation", database.NewJSONB(update.PropertiesLastOperation)))
	}
	if update.CreatedAt != nil {
		assignments = append(assignments, ub.Assign("created_at", *update.CreatedAt))
	}
	if update.IsIdentified != nil {
		assignments = append(assignments, ub.Assign("is_identified", *update.IsIdentified))
	}
	ub.Set(assignments...)
	ub.Where(
		ub.Equal("id", person.ID),
		ub.Equal("team_id", person.TeamID),
	)

	query, args := ub.Build()
	var version int64
	if err := database.Conn(ctx, r.db).GetContext(ctx, &version, query+" RETURNING version", args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("person %s: %w", person.UUID, database.ErrNoRowsUpdated)
		}
		return nil, nil, r.dbError(ctx, err, "failed to update person")
	}

	updated := update.ApplyTo(person)
	updated.Version = version

	record, err := personChangeRecord(r.topics.Persons, updated, false)
	if err != nil {
		return nil, nil, err
	}
	return updated, []models.ChangeRecord{record}, nil
}

// AddDistinctID attaches distinctID to person. A distinct id owned by anyone already fails
// with database.ErrUniqueViolation.
func (r *Repository) AddDistinctID(ctx context.Context, person *models.Person, distinctID string) ([]models.ChangeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "person.Repository.AddDistinctID")
	defer span.End()

	record, err := r.insertDistinctID(ctx, person, distinctID)
	if err != nil {
		return nil, err
	}
	return []models.ChangeRecord{record}, nil
}

func (r *Repository) insertDistinctID(ctx context.Context, person *models.Person, distinctID string) (models.ChangeRecord, error) {
	ib := database.NewInsertBuilder()
	ib.InsertInto(distinctIDsTable)
	ib.Cols("team_id", "person_id", "distinct_id", "version")
	ib.Values(person.TeamID, person.ID, distinctID, 0)

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		return models.ChangeRecord{}, r.dbError(ctx, err, "failed to add distinct id")
	}
	return distinctIDChangeRecord(r.topics.DistinctIDs, person, distinctID, 0)
}

type movedDistinctID struct {
	DistinctID string `db:"distinct_id"`
	Version    int64  `db:"version"`
}

// MoveDistinctIDs reassigns every distinct id of source to target
func (r *Repository) MoveDistinctIDs(ctx context.Context, source, target *models.Person) ([]models.ChangeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "person.Repository.MoveDistinctIDs")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(distinctIDsTable)
	ub.Set(
		ub.Assign("person_id", target.ID),
		ub.Add("version", 1),
	)
	ub.Where(
		ub.Equal("person_id", source.ID),
		ub.Equal("team_id", source.TeamID),
	)

	query, args := ub.Build()
	var moved []movedDistinctID
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &moved, query+" RETURNING distinct_id, version", args...); err != nil {
		return nil, r.dbError(ctx, err, "failed to move distinct ids")
	}

	records := make([]models.ChangeRecord, 0, len(moved))
	for _, m := range moved {
		record, err := distinctIDChangeRecord(r.topics.DistinctIDs, target, m.DistinctID, m.Version)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// DeletePerson removes the person row and returns its tombstone record. It returns
// database.ErrNoRowsDeleted when the person was already deleted, e.g. merged away by another
// worker.
func (r *Repository) DeletePerson(ctx context.Context, person *models.Person) ([]models.ChangeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "person.Repository.DeletePerson")
	defer span.End()

	delb := database.NewDeleteBuilder()
	delb.DeleteFrom(personsTable)
	delb.Where(
		delb.Equal("id", person.ID),
		delb.Equal("team_id", person.TeamID),
	)

	query, args := delb.Build()
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		return nil, r.dbError(ctx, err, "failed to delete person")
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return nil, r.dbError(ctx, err, "failed to delete person")
	}
	if deleted == 0 {
		return nil, fmt.Errorf("person %s: %w", person.UUID, database.ErrNoRowsDeleted)
	}

	record, err := personChangeRecord(r.topics.Persons, person, true)
	if err != nil {
		return nil, err
	}
	return []models.ChangeRecord{record}, nil
}

// dbError passes constraint errors through classified so callers can retry on them, and
// turns anything else into an internal error.
func (r *Repository) dbError(ctx context.Context, err error, msg string) error {
	if classified := database.ClassifyError(err); database.IsIntegrityViolation(classified) {
		return fmt.Errorf("%s: %w", msg, classified)
	}
	r.logger.WithContext(ctx).WithError(err).Error(msg)
	return httperror.NewHTTPErrorf(http.StatusInternalServerError, "%s: %v", msg, err)
}
