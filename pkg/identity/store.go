package identity

import (
	"context"

	"github.com/info-baruzotech/posthog/pkg/models"
)

// PersonFetcher loads the person owning a distinct id. A nil person with a nil error means
// no person has the id.
type PersonFetcher interface {
	FetchPerson(ctx context.Context, teamID int64, distinctID string) (*models.Person, error)
}

// PersonStore is the relational source of truth. Mutations return the change records they
// produced; they are never published by the store. Constraint failures are reported with
// database.ErrUniqueViolation / database.ErrIntegrityViolation, and an update that matched no
// row with database.ErrNoRowsUpdated.
type PersonStore interface {
	PersonFetcher
	DistinctIDExists(ctx context.Context, teamID int64, distinctID string) (bool, error)
	CreatePerson(ctx context.Context, params models.CreatePersonParams) (*models.Person, []models.ChangeRecord, error)
	UpdatePerson(ctx context.Context, person *models.Person, update models.PersonUpdate) (*models.Person, []models.ChangeRecord, error)
	AddDistinctID(ctx context.Context, person *models.Person, distinctID string) ([]models.ChangeRecord, error)
	MoveDistinctIDs(ctx context.Context, source, target *models.Person) ([]models.ChangeRecord, error)
	DeletePerson(ctx context.Context, person *models.Person) ([]models.ChangeRecord, error)
	InTransaction(ctx context.Context, label string, fn func(ctx context.Context) error) error
}

// OwnerReassigner moves rows of a dependent table from one person to another. Reassigners run
// in order inside the merge transaction.
type OwnerReassigner interface {
	Name() string
	ReassignOwner(ctx context.Context, teamID, fromPersonID, toPersonID int64) error
}

// Producer enqueues change records for downstream consumers.
type Producer interface {
	Queue(ctx context.Context, records []models.ChangeRecord) error
}

// WarningSink records refused operations. Report must not block or fail.
type WarningSink interface {
	Report(ctx context.Context, teamID int64, kind string, details map[string]any)
}

// ErrorReporter forwards unexpected failures to error tracking.
type ErrorReporter interface {
	Capture(ctx context.Context, err error, extra map[string]any)
}
