package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/info-baruzotech/posthog/pkg/database"
	"github.com/info-baruzotech/posthog/pkg/metrics"
	"github.com/info-baruzotech/posthog/pkg/models"
	"github.com/info-baruzotech/posthog/pkg/tracing"
)

// MergeRequest describes one pending merge. The distinct ids are never swapped, so retries
// keep the same property precedence.
type MergeRequest struct {
	TeamID           int64
	AnchorDistinctID string
	OtherDistinctID  string
	Timestamp        time.Time
	MergeDangerously bool
	// Attempt is the 1-based full merge attempt.
	Attempt int
}

type mergeOutcome string

const (
	outcomeCreated       mergeOutcome = "created"
	outcomeLinkedAnchor  mergeOutcome = "linked_anchor"
	outcomeLinkedOther   mergeOutcome = "linked_other"
	outcomeAlreadyMerged mergeOutcome = "already_merged"
	outcomeMerged        mergeOutcome = "merged"
	outcomeRefused       mergeOutcome = "refused_identified"
	outcomeIllegal       mergeOutcome = "refused_illegal_id"
	outcomeRaceAbandoned mergeOutcome = "race_abandoned"
)

// racy reports whether a unique violation for the outcome means another worker made the same
// change concurrently.
func (o mergeOutcome) racy() bool {
	return o == outcomeCreated || o == outcomeLinkedAnchor || o == outcomeLinkedOther
}

// Merge unifies the persons owning otherDistinctID and anchorDistinctID. Refused merges are
// reported to the warning sink and return nil.
func (r *Resolver) Merge(ctx context.Context, otherDistinctID, anchorDistinctID string, mergeDangerously bool) error {
	if otherDistinctID == anchorDistinctID {
		return nil
	}

	for _, id := range []string{anchorDistinctID, otherDistinctID} {
		if IsDistinctIDIllegal(id) {
			metrics.MergeOutcomes.WithLabelValues(string(outcomeIllegal)).Inc()
			r.deps.Warnings.Report(ctx, r.teamID, WarningIllegalDistinctID, map[string]any{
				"illegalDistinctId": id,
				"otherDistinctId":   otherDistinctID,
				"eventUuid":         r.event.UUID,
			})
			return nil
		}
	}

	return r.mergeWithoutValidation(ctx, MergeRequest{
		TeamID:           r.teamID,
		AnchorDistinctID: anchorDistinctID,
		OtherDistinctID:  otherDistinctID,
		Timestamp:        r.timestamp,
		MergeDangerously: mergeDangerously,
		Attempt:          1,
	})
}

// mergeWithoutValidation dispatches req until it settles. Creating or linking retries once on
// a unique violation and then gives up quietly; a full merge retries integrity errors, and
// absorbed persons that were merged away concurrently, until MaxAttempts transactions have
// failed. Unless the merge was refused, the resolved person is
// marked identified.
func (r *Resolver) mergeWithoutValidation(ctx context.Context, req MergeRequest) error {
	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"anchor_distinct_id": req.AnchorDistinctID,
		"other_distinct_id":  req.OtherDistinctID,
	})

	raceRetried := false
	for {
		outcome, err := r.dispatchMerge(ctx, req)
		switch {
		case err == nil:
			metrics.MergeOutcomes.WithLabelValues(string(outcome)).Inc()
			r.markIdentified = outcome != outcomeRefused
			return nil

		case outcome.racy() && errors.Is(err, database.ErrUniqueViolation):
			r.cache.Reset()
			if raceRetried {
				r.markIdentified = true
				metrics.MergeOutcomes.WithLabelValues(string(outcomeRaceAbandoned)).Inc()
				log.WithError(err).WithField("outcome", string(outcome)).
					Warn("Distinct id changed concurrently twice, leaving it for the next event")
				return nil
			}
			raceRetried = true
			metrics.MergeRetries.WithLabelValues("race").Inc()
			log.WithError(err).WithField("outcome", string(outcome)).Debug("Distinct id changed concurrently, retrying")

		case outcome == outcomeMerged && (errors.Is(err, database.ErrIntegrityViolation) || errors.Is(err, database.ErrNoRowsDeleted)):
			r.cache.Reset()
			if req.Attempt >= r.opts.Merge.MaxAttempts {
				return fmt.Errorf("%w after %d attempts: %w", ErrMergeAttemptsExhausted, req.Attempt, err)
			}
			metrics.MergeRetries.WithLabelValues("integrity").Inc()
			log.WithError(err).WithField("attempt", req.Attempt).Warn("Person merge failed on a constraint, retrying")
			req.Attempt++

		default:
			return err
		}
	}
}

func (r *Resolver) dispatchMerge(ctx context.Context, req MergeRequest) (mergeOutcome, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Resolver.dispatchMerge")
	defer span.End()

	other, err := r.deps.Store.FetchPerson(ctx, req.TeamID, req.OtherDistinctID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch person for %q: %w", req.OtherDistinctID, err)
	}
	anchor, err := r.deps.Store.FetchPerson(ctx, req.TeamID, req.AnchorDistinctID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch person for %q: %w", req.AnchorDistinctID, err)
	}

	switch {
	case other == nil && anchor == nil:
		return outcomeCreated, r.createMergedPerson(ctx, req)
	case anchor == nil:
		return outcomeLinkedAnchor, r.linkDistinctID(ctx, other, req.AnchorDistinctID)
	case other == nil:
		return outcomeLinkedOther, r.linkDistinctID(ctx, anchor, req.OtherDistinctID)
	case anchor.ID == other.ID:
		r.cache.With(anchor)
		return outcomeAlreadyMerged, nil
	default:
		return r.mergePeople(ctx, req, anchor, other)
	}
}

// createMergedPerson creates one identified person owning both distinct ids.
func (r *Resolver) createMergedPerson(ctx context.Context, req MergeRequest) error {
	personUUID, err := newPersonUUID()
	if err != nil {
		return err
	}

	delta := ApplyPropertyUpdates(nil, r.updates)
	lastUpdatedAt, lastOperation := stampPropertyMetadata(nil, nil, delta, r.timestampString())

	person, records, err := r.deps.Store.CreatePerson(ctx, models.CreatePersonParams{
		TeamID:                  req.TeamID,
		UUID:                    personUUID,
		CreatedAt:               req.Timestamp,
		Properties:              delta.Properties,
		PropertiesLastUpdatedAt: lastUpdatedAt,
		PropertiesLastOperation: lastOperation,
		IsIdentified:            true,
		DistinctIDs:             []string{req.AnchorDistinctID, req.OtherDistinctID},
	})
	if err != nil {
		return fmt.Errorf("failed to create person for merge: %w", err)
	}

	metrics.PersonsCreated.WithLabelValues("merge").Inc()
	r.cache.With(person)
	return r.queue(ctx, records)
}

func (r *Resolver) linkDistinctID(ctx context.Context, person *models.Person, distinctID string) error {
	records, err := r.deps.Store.AddDistinctID(ctx, person, distinctID)
	if err != nil {
		return fmt.Errorf("failed to add distinct id to person %s: %w", person.UUID, err)
	}

	r.cache.With(person)
	return r.queue(ctx, records)
}

// mergePeople absorbs one person into the other inside a single transaction. Change records
// are queued only after the transaction commits.
func (r *Resolver) mergePeople(ctx context.Context, req MergeRequest, anchor, other *models.Person) (mergeOutcome, error) {
	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"anchor_person_uuid": anchor.UUID,
		"other_person_uuid":  other.UUID,
		"attempt":            req.Attempt,
	})

	if other.IsIdentified && !req.MergeDangerously {
		r.deps.Warnings.Report(ctx, req.TeamID, WarningAlreadyIdentified, map[string]any{
			"sourcePersonDistinctId": req.OtherDistinctID,
			"targetPersonDistinctId": req.AnchorDistinctID,
			"eventUuid":              r.event.UUID,
		})
		log.Info("Refusing to merge an already identified person")
		r.cache.With(anchor)
		return outcomeRefused, nil
	}

	survivor, absorbed := anchor, other
	if r.opts.Merge.EmbraceJoin {
		survivor, absorbed = other, anchor
	}

	update := r.mergedPersonUpdate(anchor, other)

	var (
		merged  *models.Person
		records []models.ChangeRecord
	)
	start := time.Now()
	err := r.deps.Store.InTransaction(ctx, "mergePeople", func(ctx context.Context) error {
		updated, recs, err := r.deps.Store.UpdatePerson(ctx, survivor, update)
		if errors.Is(err, database.ErrNoRowsUpdated) {
			return fmt.Errorf("%w: merge survivor %s", ErrPersonNotFound, survivor.UUID)
		}
		if err != nil {
			return fmt.Errorf("failed to update merge survivor: %w", err)
		}
		records = append(records, recs...)

		for _, reassigner := range r.deps.Reassigners {
			if err := reassigner.ReassignOwner(ctx, req.TeamID, absorbed.ID, survivor.ID); err != nil {
				return fmt.Errorf("failed to reassign %s: %w", reassigner.Name(), err)
			}
		}

		recs, err = r.deps.Store.MoveDistinctIDs(ctx, absorbed, updated)
		if err != nil {
			return fmt.Errorf("failed to move distinct ids: %w", err)
		}
		records = append(records, recs...)

		recs, err = r.deps.Store.DeletePerson(ctx, absorbed)
		if err != nil {
			return fmt.Errorf("failed to delete merged person: %w", err)
		}
		records = append(records, recs...)

		merged = updated
		return nil
	})
	metrics.MergeTransactionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return outcomeMerged, err
	}

	log.WithFields(map[string]any{
		"survivor_person_uuid": survivor.UUID,
		"absorbed_person_uuid": absorbed.UUID,
	}).Info("Merged persons")

	r.cache.With(merged)
	return outcomeMerged, r.queue(ctx, records)
}

// mergedPersonUpdate combines both persons, anchor winning on conflicts, then applies the
// event's updates. The merged person keeps the earlier created_at.
func (r *Resolver) mergedPersonUpdate(anchor, other *models.Person) models.PersonUpdate {
	properties := other.Properties.Clone()
	lastUpdatedAt := make(map[string]string, len(other.PropertiesLastUpdatedAt)+len(anchor.PropertiesLastUpdatedAt))
	lastOperation := make(map[string]models.PropertyOperation, len(other.PropertiesLastOperation)+len(anchor.PropertiesLastOperation))
	for _, p := range []*models.Person{other, anchor} {
		for k, v := range p.Properties {
			properties[k] = v
		}
		for k, v := range p.PropertiesLastUpdatedAt {
			lastUpdatedAt[k] = v
		}
		for k, v := range p.PropertiesLastOperation {
			lastOperation[k] = v
		}
	}

	delta := ApplyPropertyUpdates(properties, r.updates)
	lastUpdatedAt, lastOperation = stampPropertyMetadata(lastUpdatedAt, lastOperation, delta, r.timestampString())

	createdAt := anchor.CreatedAt
	if other.CreatedAt.Before(createdAt) {
		createdAt = other.CreatedAt
	}
	identified := true

	return models.PersonUpdate{
		Properties:              delta.Properties,
		PropertiesLastUpdatedAt: lastUpdatedAt,
		PropertiesLastOperation: lastOperation,
		CreatedAt:               &createdAt,
		IsIdentified:            &identified,
	}
}
