package identity

import (
	"context"

	"github.com/info-baruzotech/posthog/pkg/models"
)

// PersonCache memoizes the person resolved for one event.
type PersonCache interface {
	// Get returns the cached person, fetching it on first use. A nil person means none exists.
	Get(ctx context.Context) (*models.Person, error)
	// With installs a known person without a fetch.
	With(person *models.Person)
	// Reset forces the next Get to fetch again.
	Reset()
	// Loaded reports whether Get would be served from the cache.
	Loaded() bool
}

type cacheState int

const (
	cacheUnloaded cacheState = iota
	cachePresent
	cacheAbsent
)

// LazyPersonCache is a PersonCache keyed by (team, distinct id). It is owned by a single
// resolver and is not safe for concurrent use.
type LazyPersonCache struct {
	fetcher    PersonFetcher
	teamID     int64
	distinctID string

	state  cacheState
	person *models.Person
}

func NewLazyPersonCache(fetcher PersonFetcher, teamID int64, distinctID string) *LazyPersonCache {
	return &LazyPersonCache{
		fetcher:    fetcher,
		teamID:     teamID,
		distinctID: distinctID,
	}
}

func (c *LazyPersonCache) Get(ctx context.Context) (*models.Person, error) {
	switch c.state {
	case cachePresent:
		return c.person, nil
	case cacheAbsent:
		return nil, nil
	}

	person, err := c.fetcher.FetchPerson(ctx, c.teamID, c.distinctID)
	if err != nil {
		return nil, err
	}
	c.With(person)
	return person, nil
}

func (c *LazyPersonCache) With(person *models.Person) {
	if person == nil {
		c.state, c.person = cacheAbsent, nil
		return
	}
	c.state, c.person = cachePresent, person
}

func (c *LazyPersonCache) Reset() {
	c.state, c.person = cacheUnloaded, nil
}

func (c *LazyPersonCache) Loaded() bool {
	return c.state != cacheUnloaded
}
