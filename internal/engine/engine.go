// Package engine runs the full evaluation pipeline over a batch of datasets:
// normalize, probe, evaluate rules, append flags, score outliers, aggregate.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/finflag/internal/aggregate"
	"github.com/opensource-finance/finflag/internal/domain"
	"github.com/opensource-finance/finflag/internal/outlier"
	"github.com/opensource-finance/finflag/internal/rules"
	"github.com/opensource-finance/finflag/internal/schema"
)

// Version is reported in run metadata.
const Version = "1.0.0"

var tracer = otel.Tracer("finflag-engine")

// Engine evaluates batches of datasets.
type Engine struct {
	cfg     domain.EngineConfig
	rules   *rules.Engine
	scorer  *outlier.Scorer
	mapping schema.Mapping
}

// New creates a pipeline over a loaded rule engine.
func New(cfg domain.EngineConfig, re *rules.Engine) *Engine {
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = 4
	}
	cfg.MaxWorkers = workers
	return &Engine{
		cfg:     cfg,
		rules:   re,
		scorer:  outlier.New(cfg.Outlier),
		mapping: schema.Mapping(cfg.Columns),
	}
}

// Rules returns the underlying rule engine.
func (e *Engine) Rules() *rules.Engine {
	return e.rules
}

// ShouldScore resolves a per-request scoring flag against the configured
// default.
func (e *Engine) ShouldScore(requested *bool) bool {
	if requested != nil {
		return *requested
	}
	return e.cfg.Outlier.Enabled
}

// Report is the result of one run.
type Report struct {
	Run *domain.Run

	// Datasets are normalized copies with flag and score columns appended.
	Datasets []*domain.Dataset

	Table *aggregate.Table
}

type datasetResult struct {
	output  *domain.Dataset
	summary domain.DatasetSummary
	ok      bool
}

// Run evaluates every dataset and aggregates the results. Datasets are
// processed concurrently and joined before cross-dataset work. Failures
// are recorded per dataset; Run only returns an error for invalid input.
func (e *Engine) Run(ctx context.Context, tenantID string, datasets []*domain.Dataset, score bool) (*Report, error) {
	return e.RunAs(ctx, uuid.New().String(), tenantID, datasets, score)
}

// RunAs is Run with a caller-assigned run id, used when the id was handed
// out before evaluation started.
func (e *Engine) RunAs(ctx context.Context, runID, tenantID string, datasets []*domain.Dataset, score bool) (*Report, error) {
	start := time.Now()

	if err := validate(datasets); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "engine.Run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("tenant.id", tenantID),
			attribute.Int("datasets", len(datasets)),
		),
	)
	defer span.End()

	catalogue := e.rules.Rules()
	scope := e.cfg.Outlier.Scope
	perDataset := score && scope != domain.OutlierScopeUnion

	results := make([]datasetResult, len(datasets))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.cfg.MaxWorkers)

	for i, ds := range datasets {
		wg.Add(1)
		go func(idx int, ds *domain.Dataset) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = e.evaluateDataset(ctx, ds, catalogue, perDataset)
		}(i, ds)
	}

	wg.Wait()

	if score && scope == domain.OutlierScopeUnion {
		e.scoreUnion(results)
	}

	summaries := make([]domain.DatasetSummary, len(results))
	outputs := make([]*domain.Dataset, len(results))
	failed := 0
	for i, r := range results {
		summaries[i] = r.summary
		outputs[i] = r.output
		if !r.ok {
			failed++
		}
	}

	ruleIDs := make([]string, len(catalogue))
	severity := make(map[string]domain.Severity, len(catalogue))
	for i, r := range catalogue {
		ruleIDs[i] = r.ID
		severity[r.ID] = r.Severity
	}

	status := domain.RunStatusCompleted
	switch {
	case failed > 0 && failed == len(results):
		status = domain.RunStatusFailed
	case failed > 0:
		status = domain.RunStatusPartial
	}

	traceID := span.SpanContext().TraceID().String()
	if !span.SpanContext().TraceID().IsValid() {
		traceID = ""
	}

	run := &domain.Run{
		ID:        runID,
		TenantID:  tenantID,
		Status:    status,
		CreatedAt: time.Now().UTC(),
		Rules:     ruleIDs,
		Severity:  severity,
		Summaries: summaries,
		Metadata: domain.RunMetadata{
			TraceID:           traceID,
			TotalMs:           time.Since(start).Milliseconds(),
			DatasetsEvaluated: len(datasets) - failed,
			RulesEvaluated:    len(catalogue),
			EngineVersion:     Version,
		},
	}
	if score {
		run.Metadata.OutlierScope = scope
	}

	if status != domain.RunStatusCompleted {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d datasets failed", failed, len(datasets)))
	}

	slog.Info("run completed",
		"run_id", run.ID,
		"tenant_id", tenantID,
		"status", status,
		"datasets", len(datasets),
		"failed", failed,
		"duration_ms", run.Metadata.TotalMs,
	)

	return &Report{
		Run:      run,
		Datasets: outputs,
		Table:    aggregate.NewTable(ruleIDs, severity, summaries),
	}, nil
}

// evaluateDataset runs one dataset through the pipeline. A panic anywhere
// in it is confined to this dataset's summary.
func (e *Engine) evaluateDataset(ctx context.Context, ds *domain.Dataset, catalogue []*rules.Rule, score bool) (res datasetResult) {
	start := time.Now()
	res.summary = domain.DatasetSummary{Dataset: ds.Name, Records: ds.Len()}

	_, span := tracer.Start(ctx, "engine.evaluateDataset",
		trace.WithAttributes(
			attribute.String("dataset", ds.Name),
			attribute.Int("records", ds.Len()),
		),
	)
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			res.ok = false
			res.summary.Error = fmt.Sprintf("evaluation panicked: %v", p)
			span.SetStatus(codes.Error, res.summary.Error)
			slog.Error("dataset evaluation panicked",
				"dataset", ds.Name,
				"error", p,
			)
		}
	}()

	if err := ctx.Err(); err != nil {
		res.summary.Error = err.Error()
		return res
	}

	// Datasets decoded from JSON may omit the column list.
	if len(ds.Columns) == 0 {
		ds = domain.NewDataset(ds.Name, nil, ds.Records)
	}

	normalized := e.mapping.Normalize(ds)
	frame := schema.NewFrame(normalized)
	ev := rules.Evaluate(frame, catalogue)

	out := normalized.Clone()
	if err := ev.Apply(out); err != nil {
		res.summary.Error = err.Error()
		span.SetStatus(codes.Error, err.Error())
		return res
	}

	unparsable := frame.Unparsable()
	for column, n := range unparsable {
		slog.Warn("unparsable cells treated as missing",
			"dataset", ds.Name,
			"column", column,
			"count", n,
		)
	}

	res.summary = aggregate.Summarize(ev, unparsable)
	res.output = out
	res.ok = true

	if score {
		scored, err := e.scorer.ScoreDataset(normalized)
		if err == nil {
			err = scored.Apply(out)
		}
		if err != nil {
			slog.Warn("outlier scoring skipped",
				"dataset", ds.Name,
				"error", err,
			)
		}
		res.summary = aggregate.WithOutliers(res.summary, scored, err)
	}

	slog.Debug("dataset evaluated",
		"dataset", ds.Name,
		"records", ds.Len(),
		"rule_errors", len(ev.Errors),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return res
}

// scoreUnion fits one model over every successfully evaluated dataset.
func (e *Engine) scoreUnion(results []datasetResult) {
	var inputs []*domain.Dataset
	var idx []int
	for i, r := range results {
		if r.ok {
			inputs = append(inputs, r.output)
			idx = append(idx, i)
		}
	}
	if len(inputs) == 0 {
		return
	}

	scored, err := e.scorer.ScoreUnion(inputs)
	for j, i := range idx {
		r := &results[i]
		if err != nil {
			r.summary = aggregate.WithOutliers(r.summary, nil, err)
			continue
		}
		applyErr := scored[j].Apply(r.output)
		if applyErr != nil {
			r.summary = aggregate.WithOutliers(r.summary, nil, applyErr)
			continue
		}
		r.summary = aggregate.WithOutliers(r.summary, scored[j], nil)
	}
	if err != nil {
		slog.Warn("union outlier scoring skipped", "error", err)
	}
}

func validate(datasets []*domain.Dataset) error {
	if len(datasets) == 0 {
		return fmt.Errorf("%w: at least one dataset is required", domain.ErrInvalidInput)
	}
	seen := make(map[string]bool, len(datasets))
	for i, ds := range datasets {
		if ds == nil {
			return fmt.Errorf("%w: dataset %d is empty", domain.ErrInvalidInput, i)
		}
		if ds.Name == "" {
			return fmt.Errorf("%w: dataset %d has no name", domain.ErrInvalidInput, i)
		}
		if seen[ds.Name] {
			return fmt.Errorf("%w: duplicate dataset %q", domain.ErrInvalidInput, ds.Name)
		}
		seen[ds.Name] = true
	}
	return nil
}
