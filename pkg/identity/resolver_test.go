package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/info-baruzotech/posthog/pkg/database"
	"github.com/info-baruzotech/posthog/pkg/models"
)

func pageview(distinctID string, properties map[string]any) *models.Event {
	return &models.Event{Event: "$pageview", DistinctID: distinctID, Properties: properties}
}

func TestResolve_CreatesPersonOnFirstSight(t *testing.T) {
	h := newHarness(t, Options{})
	event := pageview("user-1", map[string]any{
		models.PropertySet:     map[string]any{"name": "Ada"},
		models.PropertySetOnce: map[string]any{"initial_referrer": "search"},
	})

	person := h.resolve(t, event)

	require.NotNil(t, person)
	assert.Equal(t, testTeamID, person.TeamID)
	assert.False(t, person.IsIdentified)
	assert.True(t, person.CreatedAt.Equal(h.timestamp))
	assert.Equal(t, "Ada", person.Properties["name"])
	assert.Equal(t, "search", person.Properties["initial_referrer"])
	assert.Equal(t, event.UUID, person.Properties[models.PropertyCreatorEventUUID])
	assert.Equal(t, models.PropertyOperationSet, person.PropertiesLastOperation["name"])
	assert.Equal(t, models.PropertyOperationSetOnce, person.PropertiesLastOperation["initial_referrer"])
	assert.Equal(t, "2024-03-01T12:00:00Z", person.PropertiesLastUpdatedAt["name"])
	assert.Equal(t, 1, h.store.creates)
	assert.Equal(t, 0, h.store.updates)
	assert.Equal(t, 1, h.producer.count())
}

func TestResolve_IsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.seed(models.Person{TeamID: testTeamID, Properties: models.Properties{"plan": "free"}}, "user-1")
	properties := map[string]any{models.PropertySet: map[string]any{"plan": "pro"}}

	first := h.resolve(t, pageview("user-1", properties))
	second := h.resolve(t, pageview("user-1", properties))

	assert.Equal(t, 1, h.store.updates)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Properties, second.Properties)
	assert.Equal(t, "pro", second.Properties["plan"])
	assert.Equal(t, 1, h.store.personCount())
}

func TestResolve_ConcurrentFirstSightCreatesOnePerson(t *testing.T) {
	h := newHarness(t, Options{})
	const workers = 16

	var wg sync.WaitGroup
	ids := make([]int64, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			event := pageview("user-1", map[string]any{models.PropertySet: map[string]any{"plan": "pro"}})
			cache, err := h.resolver(event).Resolve(context.Background())
			if err != nil {
				errs[i] = err
				return
			}
			person, err := cache.Get(context.Background())
			if err != nil || person == nil {
				errs[i] = errors.Join(err, errors.New("no person resolved"))
				return
			}
			ids[i] = person.ID
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, h.store.personCount())
}

func TestResolve_LostCreateRaceResolvesWinner(t *testing.T) {
	h := newHarness(t, Options{})

	var winner *models.Person
	h.store.beforeCreate = func(_ models.CreatePersonParams) error {
		winner = h.store.seed(models.Person{TeamID: testTeamID}, "user-1")
		return uniqueViolation()
	}

	person := h.resolve(t, pageview("user-1", map[string]any{
		models.PropertySet: map[string]any{"plan": "pro"},
	}))

	require.NotNil(t, winner)
	assert.Equal(t, winner.ID, person.ID)
	assert.Equal(t, "pro", person.Properties["plan"])
	assert.Equal(t, 1, h.store.updates)
	assert.Empty(t, h.errors.captured)
}

func TestResolve_CreateFailureIsCaptured(t *testing.T) {
	h := newHarness(t, Options{})
	boom := errors.New("connection reset")
	h.store.beforeCreate = func(_ models.CreatePersonParams) error {
		return boom
	}

	_, err := h.resolver(pageview("user-1", nil)).Resolve(context.Background())

	assert.ErrorIs(t, err, boom)
	require.Len(t, h.errors.captured, 1)
	captured := h.errors.captured[0]
	assert.Equal(t, testTeamID, captured["team_id"])
	assert.Equal(t, "user-1", captured["distinct_id"])
	assert.Equal(t, "2024-03-01T12:00:00Z", captured["timestamp"])
	assert.NotEmpty(t, captured["person_uuid"])
}

func TestResolve_SetWinsOverSetOnce(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.seed(models.Person{TeamID: testTeamID}, "user-1")
	properties := map[string]any{
		models.PropertySetOnce: map[string]any{"a": 1},
		models.PropertySet:     map[string]any{"a": 2},
	}

	existing := h.resolve(t, pageview("user-1", properties))
	created := h.resolve(t, pageview("user-2", properties))

	assert.Equal(t, 2, existing.Properties["a"])
	assert.Equal(t, 2, created.Properties["a"])
}

func TestResolve_UnsetWinsLast(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.seed(models.Person{TeamID: testTeamID, Properties: models.Properties{"a": 0}}, "user-1")
	properties := map[string]any{
		models.PropertySet:   map[string]any{"a": 1},
		models.PropertyUnset: []any{"a"},
	}

	existing := h.resolve(t, pageview("user-1", properties))
	created := h.resolve(t, pageview("user-2", properties))

	assert.NotContains(t, existing.Properties, "a")
	assert.NotContains(t, existing.PropertiesLastOperation, "a")
	assert.NotContains(t, created.Properties, "a")
}

func TestResolve_NoPropertiesNoWrite(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.seed(models.Person{TeamID: testTeamID}, "user-1")

	person := h.resolve(t, pageview("user-1", map[string]any{"$current_url": "https://example.com"}))

	require.NotNil(t, person)
	assert.Equal(t, 0, h.store.mutations)
	assert.Equal(t, 0, h.producer.count())
}

func TestResolve_RetriesUpdateAfterPersonMergedAway(t *testing.T) {
	h := newHarness(t, Options{})
	stale := h.store.seed(models.Person{TeamID: testTeamID}, "user-1")

	var current *models.Person
	h.store.beforeUpdate = func(person *models.Person) error {
		if person.ID != stale.ID {
			return nil
		}
		// another worker merges the person away between fetch and update
		current = h.store.seed(models.Person{TeamID: testTeamID}, "user-1")
		h.store.mu.Lock()
		delete(h.store.state.persons, stale.ID)
		h.store.mu.Unlock()
		return nil
	}

	person := h.resolve(t, pageview("user-1", map[string]any{
		models.PropertySet: map[string]any{"plan": "pro"},
	}))

	require.NotNil(t, current)
	assert.Equal(t, current.ID, person.ID)
	assert.Equal(t, "pro", person.Properties["plan"])
}

func TestResolve_SecondMissingUpdateIsFatal(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.seed(models.Person{TeamID: testTeamID}, "user-1")

	updates := 0
	h.store.beforeUpdate = func(_ *models.Person) error {
		updates++
		return database.ErrNoRowsUpdated
	}

	_, err := h.resolver(pageview("user-1", map[string]any{
		models.PropertySet: map[string]any{"plan": "pro"},
	})).Resolve(context.Background())

	assert.ErrorIs(t, err, database.ErrNoRowsUpdated)
	assert.Equal(t, 2, updates)
}

func TestResolveDeferringProperties(t *testing.T) {
	h := newHarness(t, Options{})
	event := pageview("user-1", map[string]any{
		models.PropertySet: map[string]any{"plan": "pro"},
	})
	resolver := h.resolver(event)

	cache, err := resolver.ResolveDeferringProperties(context.Background())
	require.NoError(t, err)
	person, err := cache.Get(context.Background())
	require.NoError(t, err)
	require.NotNil(t, person)
	assert.NotContains(t, person.Properties, "plan")
	assert.Equal(t, event.UUID, person.Properties[models.PropertyCreatorEventUUID])

	require.NoError(t, resolver.UpdateProperties(context.Background()))

	updated := h.store.personByDistinctID(testTeamID, "user-1")
	assert.Equal(t, person.ID, updated.ID)
	assert.Equal(t, "pro", updated.Properties["plan"])
	assert.Equal(t, 1, h.store.updates)
}

func TestCreatePersonIfNew_NoopWhenCacheLoaded(t *testing.T) {
	h := newHarness(t, Options{})
	resolver := h.resolver(pageview("user-1", nil))
	resolver.cache.With(&models.Person{ID: 42})

	created, err := resolver.CreatePersonIfNew(context.Background(), false)

	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 0, h.store.creates)
}

func TestResolve_SlowIdentifyWarnsAndCompletes(t *testing.T) {
	h := newHarness(t, Options{IdentifyWarnAfter: time.Millisecond})
	anon := h.store.seed(models.Person{TeamID: testTeamID}, "anon-1")
	h.store.beforeAdd = func(_ *models.Person, _ string) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}

	person := h.resolve(t, &models.Event{
		Event:      models.EventIdentify,
		DistinctID: "user-1",
		Properties: map[string]any{models.PropertyAnonDistinctID: "anon-1"},
	})

	assert.Equal(t, anon.ID, person.ID)
	assert.Equal(t, anon.ID, h.store.personByDistinctID(testTeamID, "user-1").ID)
	assert.Eventually(t, func() bool {
		return h.logs.has("warn", "Identify/alias processing is slow")
	}, time.Second, 5*time.Millisecond)
}

func TestResolve_FastIdentifyDoesNotWarn(t *testing.T) {
	h := newHarness(t, Options{IdentifyWarnAfter: time.Hour})
	h.store.seed(models.Person{TeamID: testTeamID}, "anon-1")

	h.resolve(t, &models.Event{
		Event:      models.EventIdentify,
		DistinctID: "user-1",
		Properties: map[string]any{models.PropertyAnonDistinctID: "anon-1"},
	})

	assert.False(t, h.logs.has("warn", "Identify/alias processing is slow"))
}
