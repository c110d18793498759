// Package worker evaluates batches submitted on the event bus.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/finflag/internal/bus"
	"github.com/opensource-finance/finflag/internal/cache"
	"github.com/opensource-finance/finflag/internal/domain"
	"github.com/opensource-finance/finflag/internal/engine"
)

// Worker consumes TopicBatchSubmitted, runs the evaluation pipeline,
// stores the run and announces it on TopicRunCompleted.
type Worker struct {
	bus    domain.EventBus
	repo   domain.Repository
	cache  domain.Cache
	engine *engine.Engine

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs limits the worker to these tenants; empty serves all tenants.
	TenantIDs []string
}

// NewWorker creates a new async worker. repo and cache may be nil.
func NewWorker(b domain.EventBus, repo domain.Repository, c domain.Cache, eng *engine.Engine) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    b,
		repo:   repo,
		cache:  c,
		engine: eng,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{domain.AllTenants}
	}

	started := 0
	for _, tenantID := range tenants {
		sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicBatchSubmitted, w.handleMessage)
		if err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}

		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()
		started++
	}

	if started == 0 {
		return fmt.Errorf("no worker subscriptions could be started")
	}

	slog.Info("workers started",
		"tenant_count", started,
		"topic", domain.TopicBatchSubmitted,
	)

	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()
	return w.ProcessBatch(ctx, msg)
}

// ProcessBatch evaluates one submitted batch. A batch the engine rejects
// is stored as a FAILED run so a pending run id always resolves.
func (w *Worker) ProcessBatch(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var batch domain.BatchMessage
	if err := bus.Decode(msg, &batch); err != nil {
		slog.Error("failed to parse batch message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if batch.Request == nil {
		return fmt.Errorf("%w: batch message %s has no request", domain.ErrInvalidInput, msg.ID)
	}

	tenantID := msg.TenantID
	if batch.Request.TenantID != "" {
		tenantID = batch.Request.TenantID
	}
	runID := batch.RunID
	if runID == "" {
		runID = msg.ID
	}

	slog.Debug("processing batch",
		"run_id", runID,
		"tenant_id", tenantID,
		"datasets", len(batch.Request.Datasets),
	)

	report, err := w.engine.RunAs(ctx, runID, tenantID, batch.Request.Datasets, w.engine.ShouldScore(batch.Request.Score))
	var run *domain.Run
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		slog.Warn("batch rejected",
			"run_id", runID,
			"tenant_id", tenantID,
			"error", err,
		)
		run = &domain.Run{
			ID:        runID,
			TenantID:  tenantID,
			Status:    domain.RunStatusFailed,
			CreatedAt: time.Now().UTC(),
			Metadata:  domain.RunMetadata{EngineVersion: engine.Version},
		}
	case err != nil:
		return err
	default:
		run = report.Run
	}

	if w.repo != nil {
		if err := w.repo.SaveRun(ctx, tenantID, run); err != nil {
			slog.Error("failed to save run",
				"run_id", runID,
				"error", err,
			)
			return err
		}
	}
	if w.cache != nil {
		_ = w.cache.Delete(ctx, tenantID, cache.RunKey(runID))
	}

	if err := bus.PublishJSON(ctx, w.bus, tenantID, domain.TopicRunCompleted, run); err != nil {
		slog.Error("failed to publish run completion",
			"run_id", runID,
			"error", err,
		)
	}

	slog.Info("batch processed",
		"run_id", runID,
		"tenant_id", tenantID,
		"status", run.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop unsubscribes and waits for in-flight batches.
func (w *Worker) Stop() error {
	w.mu.Lock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.wg.Wait()
	w.cancel()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
