// finflag - Anomaly evaluation for point-of-sale financial records.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

// Command finflag-scan evaluates channel exports from disk.
//
// Usage:
//
//	finflag-scan -config finflag.yaml
//	finflag-scan -out ./flagged Dine_in=dine_in.csv Zomato=zomato.csv
//
// Each dataset is written back as <name>_features.csv with flag and score
// columns appended, and the summary table with its severity breakdown is
// printed as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/opensource-finance/finflag/internal/config"
	"github.com/opensource-finance/finflag/internal/domain"
	"github.com/opensource-finance/finflag/internal/engine"
	"github.com/opensource-finance/finflag/internal/repository"
	"github.com/opensource-finance/finflag/internal/rules"
	"github.com/opensource-finance/finflag/internal/tabular"
)

// Result is the JSON printed on stdout.
type Result struct {
	RunID     string                   `json:"runId"`
	Status    string                   `json:"status"`
	Rules     []string                 `json:"rules"`
	Summaries []domain.DatasetSummary  `json:"summaries"`
	Totals    []domain.RuleTotal       `json:"totals"`
	Severity  domain.SeverityBreakdown `json:"severity"`
	Outputs   []string                 `json:"outputs"`
}

func main() {
	configPath := flag.String("config", os.Getenv("FINFLAG_CONFIG"), "Path to YAML configuration")
	outDir := flag.String("out", "", "Directory for flagged files (default from config)")
	tenantID := flag.String("tenant", "local", "Tenant ID recorded on the run")
	noScore := flag.Bool("no-score", false, "Skip the outlier scorer")
	save := flag.Bool("save", false, "Persist the run to the configured repository")
	flag.Parse()

	cfg, err := config.Load(*configPath, ".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Logs go to stderr so stdout stays valid JSON
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.LogLevel(cfg),
	})))

	if *outDir != "" {
		cfg.Engine.OutputDir = *outDir
	}

	sources, err := datasetSources(cfg.Engine.Datasets, flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	if err := run(context.Background(), cfg, sources, *tenantID, !*noScore, *save); err != nil {
		slog.Error("scan failed", "error", err)
		os.Exit(1)
	}
}

// datasetSources combines configured datasets with name=path arguments.
// Arguments replace configured datasets of the same name.
func datasetSources(configured []domain.DatasetSource, args []string) ([]domain.DatasetSource, error) {
	out := append([]domain.DatasetSource(nil), configured...)
	for _, arg := range args {
		name, path, ok := strings.Cut(arg, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("invalid dataset %q, expected name=path", arg)
		}
		replaced := false
		for i := range out {
			if out[i].Name == name {
				out[i].Path = path
				replaced = true
			}
		}
		if !replaced {
			out = append(out, domain.DatasetSource{Name: name, Path: path})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no datasets configured")
	}
	return out, nil
}

func run(ctx context.Context, cfg *domain.Config, sources []domain.DatasetSource, tenantID string, score, save bool) error {
	datasets := make([]*domain.Dataset, 0, len(sources))
	for _, src := range sources {
		ds, err := tabular.ReadCSV(src.Name, src.Path)
		if err != nil {
			return err
		}
		slog.Info("dataset loaded", "dataset", src.Name, "records", ds.Len(), "columns", len(ds.Columns))
		datasets = append(datasets, ds)
	}

	re, err := rules.NewEngine(cfg.Engine.Thresholds, cfg.Engine.Severity)
	if err != nil {
		return err
	}
	defer re.Close()

	var repo domain.Repository
	if save {
		repo, err = repository.New(cfg.Repository)
		if err != nil {
			return err
		}
		defer repo.Close()

		custom, err := repo.ListRuleConfigs(ctx, domain.GlobalTenantID)
		if err != nil {
			return err
		}
		if err := re.LoadRules(custom); err != nil {
			return err
		}
	}

	eng := engine.New(cfg.Engine, re)
	report, err := eng.Run(ctx, tenantID, datasets, score && cfg.Engine.Outlier.Enabled)
	if err != nil {
		return err
	}

	var outputs []string
	for i, ds := range report.Datasets {
		if ds == nil {
			slog.Warn("dataset not written", "dataset", datasets[i].Name, "error", report.Run.Summaries[i].Error)
			continue
		}
		path := tabular.FeaturesPath(cfg.Engine.OutputDir, ds.Name)
		if err := tabular.WriteCSV(path, ds); err != nil {
			return err
		}
		outputs = append(outputs, path)
	}

	if repo != nil {
		if err := repo.SaveRun(ctx, tenantID, report.Run); err != nil {
			return err
		}
		slog.Info("run saved", "run_id", report.Run.ID, "driver", cfg.Repository.Driver)
	}

	result := Result{
		RunID:     report.Run.ID,
		Status:    report.Run.Status,
		Rules:     report.Table.Rules(),
		Summaries: report.Table.Summaries(),
		Totals:    report.Table.Totals(),
		Severity:  report.Table.Severity(),
		Outputs:   outputs,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
