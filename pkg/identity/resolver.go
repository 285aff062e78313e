package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/info-baruzotech/posthog/pkg/database"
	"github.com/info-baruzotech/posthog/pkg/metrics"
	"github.com/info-baruzotech/posthog/pkg/models"
	"github.com/info-baruzotech/posthog/pkg/tracing"
)

const (
	DefaultMaxMergeAttempts  = 3
	DefaultIdentifyWarnAfter = 30 * time.Second
)

// Dependencies are the collaborators shared by every resolver a Service builds.
type Dependencies struct {
	Store PersonStore
	// Oracle defaults to a StoreOracle over Store.
	Oracle NewnessOracle
	// Reassigners run in order inside the full merge transaction.
	Reassigners []OwnerReassigner
	Producer    Producer
	Warnings    WarningSink
	Errors      ErrorReporter
	Logger      ectologger.Logger
}

// MergeOptions configure the merge protocol.
type MergeOptions struct {
	// MaxAttempts bounds the full merge transaction retries on integrity errors.
	MaxAttempts int
	// EmbraceJoin keeps the other person's row as the survivor and absorbs the anchor person.
	EmbraceJoin bool
}

type Options struct {
	Merge MergeOptions
	// IdentifyWarnAfter is how long identify/alias dispatch may run before a warning is logged.
	IdentifyWarnAfter time.Duration
}

// Service builds per-event resolvers.
type Service struct {
	deps Dependencies
	opts Options
}

func NewService(deps Dependencies, opts Options) *Service {
	if deps.Oracle == nil {
		deps.Oracle = NewStoreOracle(deps.Store)
	}
	if opts.Merge.MaxAttempts <= 0 {
		opts.Merge.MaxAttempts = DefaultMaxMergeAttempts
	}
	if opts.IdentifyWarnAfter <= 0 {
		opts.IdentifyWarnAfter = DefaultIdentifyWarnAfter
	}
	return &Service{deps: deps, opts: opts}
}

// NewPersonCache returns an unloaded cache for the person owning distinctID.
func (s *Service) NewPersonCache(teamID int64, distinctID string) *LazyPersonCache {
	return NewLazyPersonCache(s.deps.Store, teamID, distinctID)
}

// NewResolver returns a resolver for one event. The resolver and its cache must not be
// shared across events or goroutines.
func (s *Service) NewResolver(
	event *models.Event,
	teamID int64,
	distinctID string,
	timestamp time.Time,
	cache PersonCache,
) *Resolver {
	return &Resolver{
		deps:       s.deps,
		opts:       s.opts,
		event:      event,
		teamID:     teamID,
		distinctID: distinctID,
		timestamp:  timestamp,
		cache:      cache,
		updates:    PropertyUpdatesFromEvent(event.Properties),
		logger: s.deps.Logger.WithFields(map[string]any{
			"team_id":     teamID,
			"distinct_id": distinctID,
			"event_uuid":  event.UUID,
		}),
	}
}

// Resolver resolves the person of a single event.
type Resolver struct {
	deps Dependencies
	opts Options

	event      *models.Event
	teamID     int64
	distinctID string
	timestamp  time.Time
	cache      PersonCache
	updates    PropertyUpdates

	// markIdentified is set once identify/alias dispatch linked or merged the event's distinct id.
	markIdentified bool

	logger ectologger.Logger
}

// Resolve runs identify/alias dispatch and then applies the event's property updates. The
// returned cache holds the resolved person.
func (r *Resolver) Resolve(ctx context.Context) (PersonCache, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Resolver.Resolve")
	defer span.End()

	if err := r.handleIdentifyOrAlias(ctx); err != nil {
		return nil, err
	}

	created, err := r.CreatePersonIfNew(ctx, false)
	if err != nil {
		return nil, err
	}
	if !created {
		if err := r.updatePersonProperties(ctx); err != nil {
			return nil, err
		}
	}
	return r.cache, nil
}

// ResolveDeferringProperties runs identify/alias dispatch and creates the person without the
// event's properties. UpdateProperties applies them later.
func (r *Resolver) ResolveDeferringProperties(ctx context.Context) (PersonCache, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Resolver.ResolveDeferringProperties")
	defer span.End()

	if err := r.handleIdentifyOrAlias(ctx); err != nil {
		return nil, err
	}
	if _, err := r.CreatePersonIfNew(ctx, true); err != nil {
		return nil, err
	}
	return r.cache, nil
}

// UpdateProperties applies the event's property updates to the resolved person.
func (r *Resolver) UpdateProperties(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "identity.Resolver.UpdateProperties")
	defer span.End()

	return r.updatePersonProperties(ctx)
}

// CreatePersonIfNew creates the person for the event's distinct id when none exists. It
// reports false when the cache was already loaded, the id is known, or another worker created
// the person first.
func (r *Resolver) CreatePersonIfNew(ctx context.Context, excludeProperties bool) (bool, error) {
	if r.cache.Loaded() {
		return false, nil
	}

	isNew, err := r.deps.Oracle.IsNew(ctx, r.teamID, r.distinctID)
	if err != nil {
		return false, fmt.Errorf("failed to check distinct id: %w", err)
	}
	if !isNew {
		return false, nil
	}

	personUUID, err := newPersonUUID()
	if err != nil {
		return false, err
	}

	updates := PropertyUpdates{SetOnce: map[string]any{}}
	if !excludeProperties {
		updates = PropertyUpdates{
			Set:     r.updates.Set,
			SetOnce: cloneAnyMap(r.updates.SetOnce),
			Unset:   r.updates.Unset,
		}
	}
	if _, ok := updates.SetOnce[models.PropertyCreatorEventUUID]; !ok {
		updates.SetOnce[models.PropertyCreatorEventUUID] = r.event.UUID
	}
	delta := ApplyPropertyUpdates(nil, updates)
	lastUpdatedAt, lastOperation := stampPropertyMetadata(nil, nil, delta, r.timestampString())

	person, records, err := r.deps.Store.CreatePerson(ctx, models.CreatePersonParams{
		TeamID:                  r.teamID,
		UUID:                    personUUID,
		CreatedAt:               r.timestamp,
		Properties:              delta.Properties,
		PropertiesLastUpdatedAt: lastUpdatedAt,
		PropertiesLastOperation: lastOperation,
		IsIdentified:            r.markIdentified,
		DistinctIDs:             []string{r.distinctID},
	})
	if err != nil {
		if errors.Is(err, database.ErrUniqueViolation) {
			metrics.PersonCreateRaces.Inc()
			r.logger.WithContext(ctx).Debug("Person created concurrently by another worker")
			r.cache.Reset()
			return false, nil
		}

		r.deps.Errors.Capture(ctx, err, map[string]any{
			"team_id":     r.teamID,
			"distinct_id": r.distinctID,
			"timestamp":   r.timestampString(),
			"person_uuid": personUUID,
		})
		return false, fmt.Errorf("failed to create person: %w", err)
	}

	metrics.PersonsCreated.WithLabelValues("first_seen").Inc()
	r.cache.With(person)

	if err := r.queue(ctx, records); err != nil {
		return true, err
	}
	return true, nil
}

func (r *Resolver) handleIdentifyOrAlias(ctx context.Context) error {
	otherDistinctID, mergeDangerously, ok := r.mergeTarget()
	if !ok {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "identity.Resolver.handleIdentifyOrAlias")
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"event":             r.event.Event,
		"other_distinct_id": otherDistinctID,
	})
	watchdog := time.AfterFunc(r.opts.IdentifyWarnAfter, func() {
		metrics.IdentifySlow.Inc()
		log.WithField("threshold", r.opts.IdentifyWarnAfter.String()).Warn("Identify/alias processing is slow")
	})
	defer watchdog.Stop()

	return r.Merge(ctx, otherDistinctID, r.distinctID, mergeDangerously)
}

// mergeTarget returns the distinct id the event asks to merge with.
func (r *Resolver) mergeTarget() (string, bool, bool) {
	switch r.event.Event {
	case models.EventCreateAlias:
		id, ok := stringProperty(r.event.Properties, models.PropertyAlias)
		return id, false, ok
	case models.EventMergeDangerously:
		id, ok := stringProperty(r.event.Properties, models.PropertyAlias)
		return id, true, ok
	case models.EventIdentify:
		id, ok := stringProperty(r.event.Properties, models.PropertyAnonDistinctID)
		return id, false, ok
	default:
		return "", false, false
	}
}

func (r *Resolver) updatePersonProperties(ctx context.Context) error {
	if r.updates.IsEmpty() && !r.markIdentified {
		return nil
	}

	for attempt := 1; ; attempt++ {
		person, err := r.cache.Get(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch person: %w", err)
		}
		if person == nil {
			return nil
		}

		err = r.applyUpdates(ctx, person)
		if err == nil {
			return nil
		}
		if !errors.Is(err, database.ErrNoRowsUpdated) || attempt >= 2 {
			return err
		}

		metrics.PersonUpdateRetries.Inc()
		r.logger.WithContext(ctx).WithField("person_uuid", person.UUID).
			Info("Person changed during update, retrying against the current person")
		r.cache.Reset()
	}
}

func (r *Resolver) applyUpdates(ctx context.Context, person *models.Person) error {
	var update models.PersonUpdate

	delta := ApplyPropertyUpdates(person.Properties, r.updates)
	if delta.Changed {
		update.Properties = delta.Properties
		update.PropertiesLastUpdatedAt, update.PropertiesLastOperation = stampPropertyMetadata(
			person.PropertiesLastUpdatedAt, person.PropertiesLastOperation, delta, r.timestampString(),
		)
	}
	if r.markIdentified && !person.IsIdentified {
		identified := true
		update.IsIdentified = &identified
	}
	if update.IsEmpty() {
		return nil
	}

	updated, records, err := r.deps.Store.UpdatePerson(ctx, person, update)
	if err != nil {
		return fmt.Errorf("failed to update person %s: %w", person.UUID, err)
	}

	metrics.PersonPropertyWrites.Inc()
	r.cache.With(updated)
	return r.queue(ctx, records)
}

func (r *Resolver) queue(ctx context.Context, records []models.ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := r.deps.Producer.Queue(ctx, records); err != nil {
		return fmt.Errorf("failed to queue person change records: %w", err)
	}
	return nil
}

func (r *Resolver) timestampString() string {
	return r.timestamp.UTC().Format(time.RFC3339Nano)
}

// stringProperty reads a non-empty id from properties. Non-string values are formatted.
func stringProperty(properties map[string]any, key string) (string, bool) {
	value, ok := properties[key]
	if !ok || value == nil {
		return "", false
	}
	s, ok := value.(string)
	if !ok {
		s = fmt.Sprint(value)
	}
	return s, s != ""
}

func newPersonUUID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate person uuid: %w", err)
	}
	return id.String(), nil
}

func cloneAnyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
