package startup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
)

type StartupDependency interface {
	GetName() string
	DependsOn() []string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type StartupStatus int

const (
	StartupStatusPending StartupStatus = iota
	StartupStatusStarted
	StartupStatusStopped
	StartupStatusFailed
)

// Dependency adapts a pair of functions to StartupDependency. Either function may be nil.
type Dependency struct {
	Name     string
	Requires []string
	OnStart  func(ctx context.Context) error
	OnStop   func(ctx context.Context) error
}

func (d *Dependency) GetName() string     { return d.Name }
func (d *Dependency) DependsOn() []string { return d.Requires }

func (d *Dependency) Start(ctx context.Context) error {
	if d.OnStart == nil {
		return nil
	}
	return d.OnStart(ctx)
}

func (d *Dependency) Stop(ctx context.Context) error {
	if d.OnStop == nil {
		return nil
	}
	return d.OnStop(ctx)
}

// Startup starts dependencies after the ones they depend on, retrying the whole sequence with
// fibonacci backoff, and stops them in reverse start order.
type Startup struct {
	dependencies map[string]StartupDependency
	order        []string
	started      []string
	statuses     map[string]StartupStatus
	logger       ectologger.Logger
	maxAttempts  int
	backoffUnit  time.Duration
}

func NewStartup(logger ectologger.Logger, maxAttempts int) *Startup {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Startup{
		dependencies: make(map[string]StartupDependency),
		statuses:     make(map[string]StartupStatus),
		logger:       logger,
		maxAttempts:  maxAttempts,
		backoffUnit:  time.Second,
	}
}

func (s *Startup) AddDependency(dependency StartupDependency) {
	name := dependency.GetName()
	if _, ok := s.dependencies[name]; !ok {
		s.order = append(s.order, name)
	}
	s.dependencies[name] = dependency
}

// Status returns the current status of the named dependency
func (s *Startup) Status(name string) StartupStatus {
	return s.statuses[name]
}

func (s *Startup) Start(ctx context.Context) error {
	var lastErr error
	a, b := 1, 1
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		s.logger.WithField("attempt", attempt).Infof("Beginning startup attempt %d", attempt)

		lastErr = s.startAll(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == s.maxAttempts {
			break
		}

		wait := time.Duration(a) * s.backoffUnit
		s.logger.WithError(lastErr).Infof("Retrying in %s (attempt %d/%d)", wait, attempt, s.maxAttempts)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		a, b = b, a+b
	}
	return fmt.Errorf("startup failed after %d attempts: %w", s.maxAttempts, lastErr)
}

func (s *Startup) startAll(ctx context.Context) error {
	for _, name := range s.order {
		if err := s.startDependency(ctx, name, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *Startup) startDependency(ctx context.Context, name string, path []string) error {
	if s.statuses[name] == StartupStatusStarted {
		return nil
	}
	dependency, ok := s.dependencies[name]
	if !ok {
		return fmt.Errorf("unknown startup dependency %q", name)
	}
	for _, seen := range path {
		if seen == name {
			return fmt.Errorf("startup dependency cycle: %v -> %s", path, name)
		}
	}

	for _, required := range dependency.DependsOn() {
		if err := s.startDependency(ctx, required, append(path, name)); err != nil {
			return err
		}
	}

	log := s.logger.WithField("dependency", name)
	log.Infof("Starting dependency '%s'", name)
	s.statuses[name] = StartupStatusPending
	if err := dependency.Start(ctx); err != nil {
		s.statuses[name] = StartupStatusFailed
		log.WithError(err).Errorf("Failed to start dependency '%s'", name)
		return fmt.Errorf("start %s: %w", name, err)
	}
	s.statuses[name] = StartupStatusStarted
	s.started = append(s.started, name)
	return nil
}

// Stop stops every started dependency, dependents first. All dependencies are stopped even if
// some fail; the errors are joined.
func (s *Startup) Stop(ctx context.Context) error {
	var errs []error
	for i := len(s.started) - 1; i >= 0; i-- {
		name := s.started[i]
		if s.statuses[name] != StartupStatusStarted {
			continue
		}
		log := s.logger.WithField("dependency", name)
		log.Infof("Stopping dependency '%s'", name)
		if err := s.dependencies[name].Stop(ctx); err != nil {
			log.WithError(err).Errorf("Failed to stop dependency '%s'", name)
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
		}
		s.statuses[name] = StartupStatusStopped
	}
	s.started = nil
	return errors.Join(errs...)
}
