package watcher

import (
	"context"
	"math/rand"
	"time"

	"github.com/dynamic-shield/shield-oracle/entities"
	"github.com/dynamic-shield/shield-oracle/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type EventSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
	FetchEvents(ctx context.Context, from, to uint64) ([]entities.ChainEvent, error)
}

type Registry interface {
	Upsert(ctx context.Context, position entities.ShieldPosition) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job entities.Job) (string, error)
}

type checkpointStore interface {
	GetLastProcessedBlock() (uint64, error)
	SetLastProcessedBlock(block uint64) error
	AddSkippedLog(ref string) error
}

type Config struct {
	PollInterval  time.Duration
	Confirmations uint64
	MaxBlockRange uint64
	// StartBlock is the first block processed when no checkpoint exists yet.
	StartBlock   uint64
	WriteTimeout time.Duration
}

// Processor follows the contract's logs from the last checkpoint. Registrations go to the registry, triggers are
// enqueued as jobs, and the checkpoint only moves once all of a range's events were handed off.
type Processor struct {
	source   EventSource
	registry Registry
	enqueuer Enqueuer
	store    checkpointStore
	cfg      Config
	backoff  func(attempt int) time.Duration
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger
}

func NewProcessor(source EventSource, registry Registry, enqueuer Enqueuer, store checkpointStore, cfg Config, m *metrics.Metrics, logger *zap.SugaredLogger) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = 10_000
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Processor{
		source:   source,
		registry: registry,
		enqueuer: enqueuer,
		store:    store,
		cfg:      cfg,
		backoff:  exponentialBackoff,
		metrics:  m,
		logger:   logger,
	}
}

// Start runs poll cycles until the context is cancelled. Failed cycles are retried on the next tick.
func (p *Processor) Start(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		caughtUp, err := p.runCycle(ctx)
		if ctx.Err() != nil {
			p.logger.Infow("Stopping chain watcher.")
			return nil
		}
		if err != nil {
			p.logger.Errorw("Error running cycle.", "error", err)
		}
		if err == nil && !caughtUp {
			// more blocks behind the head, continue without waiting
			continue
		}

		select {
		case <-ctx.Done():
			p.logger.Infow("Stopping chain watcher.")
			return nil
		case <-ticker.C:
		}
	}
}

// runCycle processes the next block range. It reports whether the checkpoint reached the confirmed head.
func (p *Processor) runCycle(ctx context.Context) (bool, error) {
	latest, err := p.source.LatestBlock(ctx)
	if err != nil {
		return false, errors.Wrap(err, "getting latest block")
	}
	if latest < p.cfg.Confirmations {
		return true, nil
	}
	head := latest - p.cfg.Confirmations
	p.metrics.SetSourceBlock(head)

	from, err := p.nextBlock()
	if err != nil {
		return false, err
	}
	if from > head {
		return true, nil
	}
	to := min(head, from+p.cfg.MaxBlockRange-1)

	events, err := p.source.FetchEvents(ctx, from, to)
	if err != nil {
		return false, errors.Wrapf(err, "fetching events [%d-%d]", from, to)
	}

	for _, event := range events {
		if err := p.handleEvent(ctx, event); err != nil {
			return false, errors.Wrapf(err, "handling event [%s]", event.Ref)
		}
	}

	if err := p.store.SetLastProcessedBlock(to); err != nil {
		return false, errors.Wrap(err, "setting last processed block")
	}
	p.metrics.SetProcessedBlock(to)
	p.logger.Infow("Processed blocks.", "from", from, "to", to, "events", len(events))
	return to == head, nil
}

func (p *Processor) nextBlock() (uint64, error) {
	last, err := p.store.GetLastProcessedBlock()
	if errors.Is(err, entities.ErrStoreEntityNotFound) {
		return p.cfg.StartBlock, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "getting last processed block")
	}
	return last + 1, nil
}

func (p *Processor) handleEvent(ctx context.Context, event entities.ChainEvent) error {
	if event.DecodeErr != nil {
		p.logger.Warnw("Skipping undecodable log.", "log", event.Ref.String(), "error", event.DecodeErr)
		p.metrics.IncSkippedLogs()
		return errors.Wrap(p.store.AddSkippedLog(event.Ref.String()), "recording skipped log")
	}
	p.metrics.IncEvents(string(event.Kind))

	switch event.Kind {
	case entities.EventPositionRegistered:
		return p.handleRegistration(ctx, event)
	case entities.EventRangeViolationTrigger:
		job, err := entities.NewTickEventJob(event.Ref, *event.Trigger)
		if err != nil {
			return err
		}
		return p.enqueue(ctx, job)
	default:
		return errors.Errorf("unknown event kind [%s]", event.Kind)
	}
}

func (p *Processor) handleRegistration(ctx context.Context, event entities.ChainEvent) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()

	position := *event.Registered
	err := p.registry.Upsert(ctx, position)
	if errors.Is(err, entities.ErrInvalidPosition) {
		p.metrics.IncRegistryErrors()
		p.logger.Warnw("Ignoring invalid shield registration.", "log", event.Ref.String(), "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	p.logger.Infow("Registered shield.", "pool", position.PoolID.Hex(), "token", position.TokenID.String(),
		"tickLower", position.TickLower, "tickUpper", position.TickUpper)
	return nil
}

// enqueue retries until the job is stored or the context is cancelled.
func (p *Processor) enqueue(ctx context.Context, job entities.Job) error {
	for attempt := 1; ; attempt++ {
		err := func() error {
			ctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
			defer cancel()
			_, err := p.enqueuer.Enqueue(ctx, job)
			return err
		}()
		if err == nil {
			p.metrics.IncEnqueuedJobs()
			p.logger.Infow("Enqueued job.", "job", job.ID, "kind", job.Kind)
			return nil
		}

		p.metrics.IncEnqueueRetries()
		delay := p.backoff(attempt)
		p.logger.Warnw("Enqueueing job failed. Retrying.", "job", job.ID, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "enqueueing job [%s]", job.ID)
		case <-time.After(delay):
		}
	}
}

func exponentialBackoff(attempt int) time.Duration {
	d := time.Second << min(attempt-1, 5)
	return d + time.Duration(rand.Intn(1000))*time.Millisecond
}
