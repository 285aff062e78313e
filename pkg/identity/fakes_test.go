package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/info-baruzotech/posthog/pkg/database"
	"github.com/info-baruzotech/posthog/pkg/models"
)

func uniqueViolation() error {
	return database.ClassifyError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
}

func foreignKeyViolation() error {
	return database.ClassifyError(&pq.Error{Code: "23503", Message: "insert or update violates foreign key constraint"})
}

type storeState struct {
	nextID      int64
	persons     map[int64]*models.Person
	distinctIDs map[string]int64
	cohorts     map[string]int64
}

func (s storeState) clone() storeState {
	out := storeState{
		nextID:      s.nextID,
		persons:     make(map[int64]*models.Person, len(s.persons)),
		distinctIDs: make(map[string]int64, len(s.distinctIDs)),
		cohorts:     make(map[string]int64, len(s.cohorts)),
	}
	for k, v := range s.persons {
		out.persons[k] = v.Clone()
	}
	for k, v := range s.distinctIDs {
		out.distinctIDs[k] = v
	}
	for k, v := range s.cohorts {
		out.cohorts[k] = v
	}
	return out
}

// fakeStore is an in-memory PersonStore enforcing distinct id uniqueness. InTransaction
// restores a snapshot when the body fails; it is only used from one goroutine at a time.
type fakeStore struct {
	mu    sync.Mutex
	state storeState

	mutations int
	updates   int
	creates   int

	// hooks run before the corresponding mutation and may fail it
	beforeCreate func(params models.CreatePersonParams) error
	beforeAdd    func(person *models.Person, distinctID string) error
	beforeUpdate func(person *models.Person) error
	beforeDelete func(person *models.Person) error
	// afterFetch runs once a person lookup has read its row
	afterFetch func(distinctID string)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		state: storeState{
			nextID:      1,
			persons:     map[int64]*models.Person{},
			distinctIDs: map[string]int64{},
			cohorts:     map[string]int64{},
		},
	}
}

func distinctKey(teamID int64, distinctID string) string {
	return fmt.Sprintf("%d:%s", teamID, distinctID)
}

// seed stores a person owning distinctIDs without counting it as a mutation.
func (s *fakeStore) seed(person models.Person, distinctIDs ...string) *models.Person {
	s.mu.Lock()
	defer s.mu.Unlock()

	person.ID = s.state.nextID
	s.state.nextID++
	if person.UUID == "" {
		person.UUID = fmt.Sprintf("00000000-0000-0000-0000-%012d", person.ID)
	}
	if person.Properties == nil {
		person.Properties = models.Properties{}
	}
	s.state.persons[person.ID] = person.Clone()
	for _, id := range distinctIDs {
		s.state.distinctIDs[distinctKey(person.TeamID, id)] = person.ID
	}
	return person.Clone()
}

func (s *fakeStore) personByDistinctID(teamID int64, distinctID string) *models.Person {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.state.distinctIDs[distinctKey(teamID, distinctID)]
	if !ok {
		return nil
	}
	return s.state.persons[id].Clone()
}

func (s *fakeStore) personCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.persons)
}

func (s *fakeStore) distinctIDsOf(personID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for key, owner := range s.state.distinctIDs {
		if owner == personID {
			ids = append(ids, key)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *fakeStore) snapshot() storeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

func (s *fakeStore) FetchPerson(_ context.Context, teamID int64, distinctID string) (*models.Person, error) {
	person := s.personByDistinctID(teamID, distinctID)
	if s.afterFetch != nil {
		s.afterFetch(distinctID)
	}
	return person, nil
}

func (s *fakeStore) DistinctIDExists(_ context.Context, teamID int64, distinctID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state.distinctIDs[distinctKey(teamID, distinctID)]
	return ok, nil
}

func (s *fakeStore) CreatePerson(_ context.Context, params models.CreatePersonParams) (*models.Person, []models.ChangeRecord, error) {
	if s.beforeCreate != nil {
		if err := s.beforeCreate(params); err != nil {
			return nil, nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range params.DistinctIDs {
		if _, ok := s.state.distinctIDs[distinctKey(params.TeamID, id)]; ok {
			return nil, nil, uniqueViolation()
		}
	}

	person := &models.Person{
		ID:                      s.state.nextID,
		TeamID:                  params.TeamID,
		UUID:                    params.UUID,
		CreatedAt:               params.CreatedAt,
		Properties:              params.Properties.Clone(),
		PropertiesLastUpdatedAt: params.PropertiesLastUpdatedAt,
		PropertiesLastOperation: params.PropertiesLastOperation,
		IsIdentified:            params.IsIdentified,
	}
	s.state.nextID++
	s.state.persons[person.ID] = person.Clone()
	for _, id := range params.DistinctIDs {
		s.state.distinctIDs[distinctKey(params.TeamID, id)] = person.ID
	}
	s.mutations++
	s.creates++

	return person, []models.ChangeRecord{personRecord("persons", person)}, nil
}

func (s *fakeStore) UpdatePerson(_ context.Context, person *models.Person, update models.PersonUpdate) (*models.Person, []models.ChangeRecord, error) {
	if s.beforeUpdate != nil {
		if err := s.beforeUpdate(person); err != nil {
			return nil, nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.persons[person.ID]; !ok {
		return nil, nil, database.ErrNoRowsUpdated
	}
	updated := update.ApplyTo(s.state.persons[person.ID])
	updated.Version++
	s.state.persons[person.ID] = updated.Clone()
	s.mutations++
	s.updates++

	return updated, []models.ChangeRecord{personRecord("persons", updated)}, nil
}

func (s *fakeStore) AddDistinctID(_ context.Context, person *models.Person, distinctID string) ([]models.ChangeRecord, error) {
	if s.beforeAdd != nil {
		if err := s.beforeAdd(person, distinctID); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := distinctKey(person.TeamID, distinctID)
	if _, ok := s.state.distinctIDs[key]; ok {
		return nil, uniqueViolation()
	}
	if _, ok := s.state.persons[person.ID]; !ok {
		return nil, foreignKeyViolation()
	}
	s.state.distinctIDs[key] = person.ID
	s.mutations++

	return []models.ChangeRecord{{Topic: "distinct_ids", Key: distinctID}}, nil
}

func (s *fakeStore) MoveDistinctIDs(_ context.Context, source, target *models.Person) ([]models.ChangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.persons[target.ID]; !ok {
		return nil, foreignKeyViolation()
	}
	var records []models.ChangeRecord
	for key, owner := range s.state.distinctIDs {
		if owner == source.ID {
			s.state.distinctIDs[key] = target.ID
			records = append(records, models.ChangeRecord{Topic: "distinct_ids", Key: key})
		}
	}
	s.mutations++
	return records, nil
}

func (s *fakeStore) DeletePerson(_ context.Context, person *models.Person) ([]models.ChangeRecord, error) {
	if s.beforeDelete != nil {
		if err := s.beforeDelete(person); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.persons[person.ID]; !ok {
		return nil, database.ErrNoRowsDeleted
	}
	for _, owner := range s.state.distinctIDs {
		if owner == person.ID {
			return nil, foreignKeyViolation()
		}
	}
	delete(s.state.persons, person.ID)
	s.mutations++
	return []models.ChangeRecord{{Topic: "persons", Key: person.UUID}}, nil
}

func (s *fakeStore) InTransaction(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	before := s.snapshot()
	mutations := s.mutations
	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.state = before
		s.mutations = mutations
		s.mu.Unlock()
		return err
	}
	return nil
}

func personRecord(topic string, person *models.Person) models.ChangeRecord {
	value, _ := json.Marshal(person)
	return models.ChangeRecord{Topic: topic, Key: person.UUID, Value: value}
}

// cohortReassigner moves cohort memberships kept in the fake store's state, so a rolled
// back transaction restores them too.
type cohortReassigner struct {
	store *fakeStore
	fail  error
}

func (c *cohortReassigner) Name() string { return "cohort_membership" }

func (c *cohortReassigner) ReassignOwner(_ context.Context, _ int64, fromPersonID, toPersonID int64) error {
	if c.fail != nil {
		return c.fail
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	for cohort, owner := range c.store.state.cohorts {
		if owner == fromPersonID {
			c.store.state.cohorts[cohort] = toPersonID
		}
	}
	c.store.mutations++
	return nil
}

type recordingProducer struct {
	mu      sync.Mutex
	records []models.ChangeRecord
	err     error
}

func (p *recordingProducer) Queue(_ context.Context, records []models.ChangeRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.records = append(p.records, records...)
	return nil
}

func (p *recordingProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

type reportedWarning struct {
	teamID  int64
	kind    string
	details map[string]any
}

type recordingWarnings struct {
	mu       sync.Mutex
	warnings []reportedWarning
}

func (w *recordingWarnings) Report(_ context.Context, teamID int64, kind string, details map[string]any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.warnings = append(w.warnings, reportedWarning{teamID: teamID, kind: kind, details: details})
}

type recordingErrors struct {
	mu       sync.Mutex
	captured []map[string]any
}

func (e *recordingErrors) Capture(_ context.Context, _ error, extra map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.captured = append(e.captured, extra)
}

type recordingLogs struct {
	mu       sync.Mutex
	messages []ectologger.EctoLogMessage
}

func (l *recordingLogs) log(msg ectologger.EctoLogMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *recordingLogs) has(level, message string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, msg := range l.messages {
		if msg.Level == level && msg.Message == message {
			return true
		}
	}
	return false
}

type harness struct {
	store     *fakeStore
	cohorts   *cohortReassigner
	producer  *recordingProducer
	warnings  *recordingWarnings
	errors    *recordingErrors
	logs      *recordingLogs
	service   *Service
	timestamp time.Time
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	store := newFakeStore()
	h := &harness{
		store:     store,
		cohorts:   &cohortReassigner{store: store},
		producer:  &recordingProducer{},
		warnings:  &recordingWarnings{},
		errors:    &recordingErrors{},
		logs:      &recordingLogs{},
		timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.service = NewService(Dependencies{
		Store:       store,
		Reassigners: []OwnerReassigner{h.cohorts},
		Producer:    h.producer,
		Warnings:    h.warnings,
		Errors:      h.errors,
		Logger:      ectologger.NewEctoLogger(h.logs.log),
	}, opts)
	return h
}

const testTeamID int64 = 2

func (h *harness) resolver(event *models.Event) *Resolver {
	if event.TeamID == 0 {
		event.TeamID = testTeamID
	}
	if event.UUID == "" {
		event.UUID = "0190a3c4-5b6d-7e8f-9a0b-1c2d3e4f5a6b"
	}
	cache := h.service.NewPersonCache(event.TeamID, event.DistinctID)
	return h.service.NewResolver(event, event.TeamID, event.DistinctID, h.timestamp, cache)
}

func (h *harness) resolve(t *testing.T, event *models.Event) *models.Person {
	t.Helper()

	cache, err := h.resolver(event).Resolve(context.Background())
	require.NoError(t, err)
	person, err := cache.Get(context.Background())
	require.NoError(t, err)
	return person
}
