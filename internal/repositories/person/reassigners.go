package person

import (
	"context"

	"github.com/info-baruzotech/posthog/pkg/database"
	"github.com/info-baruzotech/posthog/pkg/tracing"
)

// CohortMembershipReassigner moves static cohort memberships to the surviving person
type CohortMembershipReassigner struct {
	db database.DB
}

func NewCohortMembershipReassigner(db database.DB) *CohortMembershipReassigner {
	return &CohortMembershipReassigner{db: db}
}

func (c *CohortMembershipReassigner) Name() string {
	return "cohort_people"
}

func (c *CohortMembershipReassigner) ReassignOwner(ctx context.Context, _ int64, fromPersonID, toPersonID int64) error {
	ctx, span := tracing.StartSpan(ctx, "person.CohortMembershipReassigner.ReassignOwner")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update("cohort_people")
	ub.Set(ub.Assign("person_id", toPersonID))
	ub.Where(ub.Equal("person_id", fromPersonID))

	query, args := ub.Build()
	if _, err := database.Conn(ctx, c.db).ExecContext(ctx, query, args...); err != nil {
		return database.ClassifyError(err)
	}
	return nil
}

// FeatureFlagOverrideReassigner copies feature flag hash key overrides to the surviving
// person. Overrides the survivor already has for a flag win.
type FeatureFlagOverrideReassigner struct {
	db database.DB
}

func NewFeatureFlagOverrideReassigner(db database.DB) *FeatureFlagOverrideReassigner {
	return &FeatureFlagOverrideReassigner{db: db}
}

func (f *FeatureFlagOverrideReassigner) Name() string {
	return "feature_flag_hash_key_overrides"
}

const copyFeatureFlagOverridesQuery = `INSERT INTO feature_flag_hash_key_overrides (team_id, person_id, feature_flag_key, hash_key)
SELECT team_id, $1, feature_flag_key, hash_key
FROM feature_flag_hash_key_overrides
WHERE team_id = $2 AND person_id = $3
ON CONFLICT DO NOTHING`

func (f *FeatureFlagOverrideReassigner) ReassignOwner(ctx context.Context, teamID int64, fromPersonID, toPersonID int64) error {
	ctx, span := tracing.StartSpan(ctx, "person.FeatureFlagOverrideReassigner.ReassignOwner")
	defer span.End()

	conn := database.Conn(ctx, f.db)
	if _, err := conn.ExecContext(ctx, copyFeatureFlagOverridesQuery, toPersonID, teamID, fromPersonID); err != nil {
		return database.ClassifyError(err)
	}

	delb := database.NewDeleteBuilder()
	delb.DeleteFrom("feature_flag_hash_key_overrides")
	delb.Where(
		delb.Equal("team_id", teamID),
		delb.Equal("person_id", fromPersonID),
	)
	query, args := delb.Build()
	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		return database.ClassifyError(err)
	}
	return nil
}
