package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"report-signal-service/aggregation"
	"report-signal-service/confidence"
	"report-signal-service/config"
	"report-signal-service/database"
	"report-signal-service/enrichment"
	"report-signal-service/escalation"
	"report-signal-service/gate"
	"report-signal-service/geocoding"
	"report-signal-service/issueconfidence"
	"report-signal-service/llm"
	"report-signal-service/metrics"
	"report-signal-service/models"
	"report-signal-service/openai"
	"report-signal-service/priority"
	"report-signal-service/rabbitmq"
	"report-signal-service/stubllm"

	"github.com/apex/log"
)

const (
	subscriberMaxRetries = 5
	enrichConcurrency    = 4
)

// Geocoder fills in a missing place for submitted coordinates
type Geocoder interface {
	Reverse(ctx context.Context, lat, lng float64) geocoding.Place
}

// EventPublisher hands report events to the async aggregation path
type EventPublisher interface {
	Publish(ctx context.Context, message any) error
}

// ReportEvent is published for every accepted report
type ReportEvent struct {
	ReportID  string    `json:"report_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Collaborators are the optional boundary dependencies. Nil fields disable
// the feature.
type Collaborators struct {
	Geocoder   Geocoder
	Summarizer enrichment.Summarizer
	Publisher  EventPublisher
}

// Service owns the engines and runs the report pipeline
type Service struct {
	config *config.Config
	store  database.Store

	gate       *gate.Gate
	confidence *confidence.Engine
	priority   *priority.Engine
	escalation *escalation.Engine
	issues     *issueconfidence.Engine
	aggregator *aggregation.Engine
	enricher   *enrichment.Enricher

	geocoder   Geocoder
	publisher  EventPublisher
	subscriber *rabbitmq.Subscriber
	closers    []func() error

	now func() time.Time

	trigger  chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	geocodes sync.WaitGroup
}

// NewService wires the service from configuration: store, scoring weights,
// geocoding, summarizers and the broker when one is configured
func NewService(ctx context.Context, cfg *config.Config) (*Service, error) {
	weights, err := config.LoadScoringWeights(cfg.ScoringWeightsFile)
	if err != nil {
		return nil, err
	}

	store, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	collab := Collaborators{
		Geocoder:   geocoding.FromConfig(cfg),
		Summarizer: summarizerFromConfig(cfg),
	}

	var closers []func() error
	var subscriber *rabbitmq.Subscriber
	if url := cfg.AMQPURL(); url != "" {
		publisher, err := rabbitmq.NewPublisher(url, cfg.Exchange, cfg.ReportRoutingKey)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to create publisher: %w", err)
		}
		subscriber, err = rabbitmq.NewSubscriber(url, cfg.Exchange, cfg.AggregationQueue, cfg.AggregationWorker, subscriberMaxRetries)
		if err != nil {
			publisher.Close()
			store.Close()
			return nil, fmt.Errorf("failed to create subscriber: %w", err)
		}
		collab.Publisher = publisher
		closers = append(closers, publisher.Close)
		log.Infof("Aggregation runs through RabbitMQ exchange=%s queue=%s", cfg.Exchange, cfg.AggregationQueue)
	} else {
		log.Info("AMQP not configured, aggregation runs in process")
	}

	s := New(cfg, store, weights, collab)
	s.subscriber = subscriber
	s.closers = closers
	return s, nil
}

func summarizerFromConfig(cfg *config.Config) enrichment.Summarizer {
	var providers []llm.Summarizer
	for _, name := range cfg.LLMProviders {
		switch name {
		case "openai":
			if cfg.OpenAIAPIKey == "" {
				log.Info("OpenAI summarization disabled, OPENAI_API_KEY not set")
				continue
			}
			providers = append(providers, openai.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.LLMTimeout))
		case "stub":
			providers = append(providers, stubllm.NewClient())
		case "", "none":
		default:
			log.Warnf("Unknown LLM provider %q", name)
		}
	}
	if len(providers) == 0 {
		return nil
	}
	return llm.NewRegistry(providers...)
}

// New builds the service around an open store
func New(cfg *config.Config, store database.Store, weights *config.ScoringWeights, collab Collaborators) *Service {
	if weights == nil {
		weights = config.DefaultScoringWeights()
	}

	s := &Service{
		config:    cfg,
		store:     store,
		geocoder:  collab.Geocoder,
		publisher: collab.Publisher,
		now:       func() time.Time { return time.Now().UTC() },
		trigger:   make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
	}

	s.gate = gate.New(store, gate.Options{
		MaxPerHour:              cfg.RateLimitMaxPerHour,
		DuplicateWindow:         cfg.DuplicateWindow,
		DuplicateDistanceMeters: cfg.DuplicateDistanceMeters,
		SimilarityThreshold:     cfg.DuplicateSimilarity,
	})
	s.confidence = confidence.New(store, cfg.ConfidenceWindow)
	s.priority = priority.New(store, weights)
	s.escalation = escalation.New(store, escalation.Options{
		PriorityThreshold: cfg.EscalationPriorityThreshold,
		LocalityThreshold: cfg.EscalationLocalityThreshold,
		VerifiedAge:       cfg.EscalationVerifiedAge,
		SafetyCritical:    weights.SafetyCriticalTypes,
	})
	s.issues = issueconfidence.New(store)
	if collab.Summarizer != nil {
		s.enricher = enrichment.New(store, collab.Summarizer, cfg.LLMTimeout, enrichConcurrency)
	}
	s.aggregator = aggregation.New(store, aggregation.Options{
		ProximityMeters: cfg.ClusterProximityMeters,
		TimeWindow:      cfg.ClusterTimeWindow,
		MinReports:      cfg.ClusterMinReports,
		Lookback:        cfg.ClusterLookback,
	}, s.issues, s.issueChanged)

	return s
}

// SetClock replaces the time source of the service and every engine
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.gate.Now = now
	s.confidence.Now = now
	s.priority.Now = now
	s.escalation.Now = now
	s.issues.Now = now
	s.aggregator.Now = now
	if s.enricher != nil {
		s.enricher.Now = now
	}
}

// Start launches the aggregation dispatcher or the broker subscriber
func (s *Service) Start() error {
	log.Info("Starting signal service...")

	if s.subscriber != nil {
		s.subscriber.Start(map[string]rabbitmq.CallbackFunc{
			s.config.ReportRoutingKey: s.handleReportEvent,
		})
	}

	s.wg.Add(1)
	go s.dispatchLoop()

	log.Info("Signal service started")
	return nil
}

// Stop drains background work and closes connections
func (s *Service) Stop() error {
	log.Info("Stopping signal service...")
	s.geocodes.Wait()
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()

	if s.subscriber != nil {
		if err := s.subscriber.Close(); err != nil {
			log.WithError(err).Warn("Error closing subscriber")
		}
	}
	if s.enricher != nil {
		s.enricher.Wait()
	}
	for _, c := range s.closers {
		if err := c(); err != nil {
			log.WithError(err).Warn("Error closing publisher")
		}
	}
	if err := s.store.Close(); err != nil {
		log.WithError(err).Error("Error closing store")
	}

	log.Info("Signal service stopped")
	return nil
}

// Store exposes the underlying store to the CLI batch commands
func (s *Service) Store() database.Store { return s.store }

func (s *Service) BrokerConfigured() bool {
	return s.subscriber != nil
}

func (s *Service) IsBrokerConnected() bool {
	return s.subscriber != nil && s.subscriber.IsConnected()
}

// dispatch schedules an aggregation pass without blocking the caller. When
// the broker is configured the event goes there; a failed publish falls back
// to the in-process loop.
func (s *Service) dispatch(ctx context.Context, r *models.Report) {
	if s.publisher != nil {
		err := s.publisher.Publish(ctx, ReportEvent{ReportID: r.ID, CreatedAt: r.CreatedAt})
		if err == nil {
			return
		}
		log.WithError(err).Warnf("Failed to publish report %s, aggregating in process", r.ID)
	}
	select {
	case s.trigger <- struct{}{}:
	default:
		// a pass is already pending and will see this report
	}
}

func (s *Service) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopChan:
			return
		case <-s.trigger:
			if _, err := s.RunAggregation(context.Background()); err != nil {
				log.WithError(err).Error("Background aggregation failed")
			}
		}
	}
}

func (s *Service) handleReportEvent(ctx context.Context, msg *rabbitmq.Message) error {
	var ev ReportEvent
	if err := msg.UnmarshalTo(&ev); err != nil {
		return rabbitmq.Permanent(fmt.Errorf("failed to decode report event: %w", err))
	}
	if _, err := s.RunAggregation(ctx); err != nil {
		return fmt.Errorf("aggregation for report %s: %w", ev.ReportID, err)
	}
	return nil
}

// issueChanged runs after aggregation created or grew an issue
func (s *Service) issueChanged(issueID string) {
	if s.enricher == nil {
		return
	}
	s.enricher.EnrichAsync(issueID)
}

// runEngine applies fn to a copy of r. On success the copy is returned, on
// error or panic the original is returned unchanged.
func (s *Service) runEngine(name string, r *models.Report, fn func(*models.Report) error) *models.Report {
	work := r.Clone()
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return fn(work)
	}()
	if err != nil {
		metrics.EngineFailuresTotal.WithLabelValues(name).Inc()
		log.WithError(err).WithField("report_id", r.ID).Errorf("%s engine failed, keeping last good values", name)
		return r
	}
	return work
}

// rescore runs the report level engines in dependency order
func (s *Service) rescore(ctx context.Context, r *models.Report, withConfidence bool) *models.Report {
	if withConfidence {
		r = s.runEngine("confidence", r, func(w *models.Report) error {
			_, err := s.confidence.Run(ctx, w)
			return err
		})
	}
	r = s.runEngine("priority", r, func(w *models.Report) error {
		_, err := s.priority.Run(ctx, w)
		return err
	})
	r = s.runEngine("escalation", r, func(w *models.Report) error {
		_, err := s.escalation.Run(ctx, w)
		return err
	})
	return r
}
