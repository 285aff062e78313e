// Package warnings reports ingestion warnings: refused operations a team should know about
// that are not errors.
package warnings

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/info-baruzotech/posthog/pkg/metrics"
	"github.com/info-baruzotech/posthog/pkg/models"
	"github.com/info-baruzotech/posthog/pkg/tracing"
)

const (
	DefaultBufferSize     = 1000
	DefaultPublishTimeout = 10 * time.Second
	DefaultSource         = "plugin-server"
)

// Publisher sends one JSON message to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value any, headers map[string]string) error
}

// Limiter decides whether a warning key may be sent now
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

type Config struct {
	Topic          string
	Source         string
	BufferSize     int
	PublishTimeout time.Duration
}

type report struct {
	ctx     context.Context
	message models.IngestionWarningMessage
	key     string
}

// Sink publishes warnings from a bounded buffer on a background goroutine. Report never
// blocks: a full buffer drops the warning.
type Sink struct {
	cfg       Config
	publisher Publisher
	limiter   Limiter
	logger    ectologger.Logger

	mu      sync.RWMutex
	started bool
	closed  bool
	queue  chan report
	done   chan struct{}
	now    func() time.Time
}

// NewSink creates a Sink. limiter may be nil to send every warning.
func NewSink(cfg Config, publisher Publisher, limiter Limiter, logger ectologger.Logger) *Sink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.Source == "" {
		cfg.Source = DefaultSource
	}
	return &Sink{
		cfg:       cfg,
		publisher: publisher,
		limiter:   limiter,
		logger:    logger,
		queue:     make(chan report, cfg.BufferSize),
		done:      make(chan struct{}),
		now:       time.Now,
	}
}

// Start begins draining the buffer
func (s *Sink) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	go s.run()
}

// Close stops accepting warnings and, if the sink was started, waits until the buffered ones
// are published.
func (s *Sink) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	started := s.started
	s.mu.Unlock()

	if started {
		<-s.done
	}
	return nil
}

// Report enqueues a warning of kind for teamID.
func (s *Sink) Report(ctx context.Context, teamID int64, kind string, details map[string]any) {
	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"team_id": teamID,
		"type":    kind,
	})

	encoded, err := json.Marshal(details)
	if err != nil {
		metrics.IngestionWarnings.WithLabelValues(kind, "invalid").Inc()
		log.WithError(err).Warn("Failed to encode ingestion warning details")
		return
	}

	r := report{
		ctx: context.WithoutCancel(ctx),
		message: models.IngestionWarningMessage{
			TeamID:    teamID,
			Source:    s.cfg.Source,
			Type:      kind,
			Details:   string(encoded),
			Timestamp: s.now().UTC().Format(time.RFC3339Nano),
		},
		key: debounceKey(teamID, kind, details),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		metrics.IngestionWarnings.WithLabelValues(kind, "dropped").Inc()
		log.Warn("Ingestion warning sink closed, dropping warning")
		return
	}

	select {
	case s.queue <- r:
	default:
		metrics.IngestionWarnings.WithLabelValues(kind, "dropped").Inc()
		log.Warn("Ingestion warning buffer full, dropping warning")
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for r := range s.queue {
		s.publish(r)
	}
}

func (s *Sink) publish(r report) {
	ctx, span := tracing.StartSpan(r.ctx, "warnings.Sink.publish")
	defer span.End()

	kind := r.message.Type
	if s.limiter != nil && !s.limiter.Allow(ctx, r.key) {
		metrics.IngestionWarnings.WithLabelValues(kind, "debounced").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()

	headers := map[string]string{"team_id": fmt.Sprint(r.message.TeamID)}
	if err := s.publisher.Publish(ctx, s.cfg.Topic, fmt.Sprint(r.message.TeamID), r.message, headers); err != nil {
		metrics.IngestionWarnings.WithLabelValues(kind, "failed").Inc()
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"team_id": r.message.TeamID,
			"type":    kind,
		}).Error("Failed to publish ingestion warning")
		return
	}
	metrics.IngestionWarnings.WithLabelValues(kind, "sent").Inc()
}

// debounceKey identifies repeats of the same warning. The triggering event is left out so
// the same refusal from many events collapses into one.
func debounceKey(teamID int64, kind string, details map[string]any) string {
	stable := make(map[string]any, len(details))
	for k, v := range details {
		if k == "eventUuid" {
			continue
		}
		stable[k] = v
	}
	encoded, _ := json.Marshal(stable)
	return fmt.Sprintf("%d:%s:%s", teamID, kind, encoded)
}
