// Package processor resolves the person of every consumed event and publishes the event
// enriched with that person.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"

	"github.com/info-baruzotech/posthog/pkg/identity"
	"github.com/info-baruzotech/posthog/pkg/kafka"
	"github.com/info-baruzotech/posthog/pkg/metrics"
	"github.com/info-baruzotech/posthog/pkg/models"
	"github.com/info-baruzotech/posthog/pkg/tracing"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Publisher sends a JSON encoded message to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value any, headers map[string]string) error
}

type Config struct {
	// EventsWithPersonTopic receives every resolved event. Empty disables publishing.
	EventsWithPersonTopic string
	// DeferPersonProperties publishes the event before the person's properties are written.
	DeferPersonProperties bool
}

// Processor handles events from the ingestion topic
type Processor struct {
	service   *identity.Service
	publisher Publisher
	config    Config
	logger    ectologger.Logger
}

func NewProcessor(service *identity.Service, publisher Publisher, config Config, logger ectologger.Logger) *Processor {
	return &Processor{
		service:   service,
		publisher: publisher,
		config:    config,
		logger:    logger,
	}
}

// ProcessMessage resolves the person of the message's event. Invalid events are skipped; a
// returned error leaves the message uncommitted so it is redelivered.
func (p *Processor) ProcessMessage(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx = tracing.ExtractFromHeaders(ctx, msg.Headers)
	ctx, span := tracing.StartSpan(ctx, "processor.ProcessMessage")
	defer span.End()

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"key":       msg.Key,
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	if msg.Event == nil {
		if err := msg.ParseEvent(); err != nil {
			metrics.MessagesProcessed.WithLabelValues("invalid").Inc()
			log.WithError(err).Warn("Skipping unparseable event")
			return nil
		}
	}

	event := msg.Event
	if err := validate.Struct(event); err != nil {
		metrics.MessagesProcessed.WithLabelValues("invalid").Inc()
		log.WithError(describeValidationError(err)).Warn("Skipping invalid event")
		return nil
	}

	log = log.WithFields(map[string]any{
		"team_id":     event.TeamID,
		"distinct_id": event.DistinctID,
		"event":       event.Event,
		"event_uuid":  event.UUID,
	})

	if err := p.process(ctx, event); err != nil {
		log.WithError(err).Error("Failed to resolve person for event")
		return err
	}

	metrics.MessagesProcessed.WithLabelValues("success").Inc()
	return nil
}

func (p *Processor) process(ctx context.Context, event *models.Event) error {
	cache := p.service.NewPersonCache(event.TeamID, event.DistinctID)
	resolver := p.service.NewResolver(event, event.TeamID, event.DistinctID, event.Timestamp, cache)

	if !p.config.DeferPersonProperties {
		if _, err := resolver.Resolve(ctx); err != nil {
			return err
		}
		return p.publishEvent(ctx, event, cache)
	}

	if _, err := resolver.ResolveDeferringProperties(ctx); err != nil {
		return err
	}
	if err := p.publishEvent(ctx, event, cache); err != nil {
		return err
	}
	return resolver.UpdateProperties(ctx)
}

func (p *Processor) publishEvent(ctx context.Context, event *models.Event, cache identity.PersonCache) error {
	if p.config.EventsWithPersonTopic == "" {
		return nil
	}

	person, err := cache.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to load resolved person: %w", err)
	}

	out := models.EventWithPerson{
		UUID:       event.UUID,
		Event:      event.Event,
		DistinctID: event.DistinctID,
		TeamID:     event.TeamID,
		Timestamp:  event.Timestamp,
		Properties: event.Properties,
	}
	if person != nil {
		createdAt := person.CreatedAt
		out.PersonID = person.UUID
		out.PersonCreatedAt = &createdAt
		out.PersonProperties = person.Properties
	}

	headers := map[string]string{"team_id": strconv.FormatInt(event.TeamID, 10)}
	if err := p.publisher.Publish(ctx, p.config.EventsWithPersonTopic, event.DistinctID, out, headers); err != nil {
		return fmt.Errorf("failed to publish event with person: %w", err)
	}
	return nil
}

func describeValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Errorf("field %s failed rule %q", fe.StructField(), fe.Tag()))
	}
	return errors.Join(fields...)
}
