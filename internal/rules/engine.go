package rules

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/finflag/internal/domain"
	"github.com/opensource-finance/finflag/internal/schema"
)

// Engine holds the built-in catalogue plus CEL rules loaded at runtime.
type Engine struct {
	mu      sync.RWMutex
	env     *cel.Env
	builtin []*Rule
	custom  map[string]*Rule
}

// NewEngine creates a rule engine with the built-in catalogue.
func NewEngine(th domain.Thresholds, severity map[string]domain.Severity) (*Engine, error) {
	opts := []cel.EnvOption{
		cel.Variable("row", cel.MapType(cel.StringType, cel.StringType)),
	}
	for _, col := range schema.Canonical() {
		switch schema.KindOf(col) {
		case schema.KindNumber:
			opts = append(opts, cel.Variable(col, cel.DoubleType))
		case schema.KindTime:
			opts = append(opts, cel.Variable(col, cel.TimestampType))
		default:
			opts = append(opts, cel.Variable(col, cel.StringType))
		}
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:     env,
		builtin: Builtin(th, severity),
		custom:  make(map[string]*Rule),
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: rule config is required", domain.ErrInvalidInput)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.custom[cfg.ID] = compiled

	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules clears all custom rules and loads new ones.
// This enables hot-reloading of rules from the database.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*Rule)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		next[cfg.ID] = compiled
	}

	e.custom = next

	return nil
}

// Rules returns built-in rules in catalogue order followed by custom rules
// ordered by id.
func (e *Engine) Rules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Rule, 0, len(e.builtin)+len(e.custom))
	out = append(out, e.builtin...)
	ids := make([]string, 0, len(e.custom))
	for id := range e.custom {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out = append(out, e.custom[id])
	}
	return out
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.builtin) + len(e.custom)
}

// FlagColumn is one rule's output over a dataset.
type FlagColumn struct {
	RuleID   string
	Name     string
	Severity domain.Severity
	Computed bool
	Outcomes []domain.Outcome
}

// Count returns the number of TRUE outcomes, or nil when not computed.
func (c FlagColumn) Count() *int64 {
	if !c.Computed {
		return nil
	}
	var n int64
	for _, o := range c.Outcomes {
		if o == domain.OutcomeTrue {
			n++
		}
	}
	return &n
}

// Evaluation is the catalogue's output for one dataset.
type Evaluation struct {
	Dataset       string
	Records       int
	Applicability schema.Applicability
	Columns       []FlagColumn
	Errors        map[string]string
}

// Apply appends the flag columns to ds.
func (ev *Evaluation) Apply(ds *domain.Dataset) error {
	for _, col := range ev.Columns {
		values := make([]any, len(col.Outcomes))
		for i, o := range col.Outcomes {
			values[i] = o.Value()
		}
		if err := ds.AppendColumn(col.Name, values); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate runs every loaded rule over the frame.
func (e *Engine) Evaluate(f *schema.Frame) *Evaluation {
	return Evaluate(f, e.Rules())
}

// Evaluate runs the given rules over the frame. Applicability is decided
// once for the dataset; a failing rule is marked not computed and recorded
// without affecting the others.
func Evaluate(f *schema.Frame, rules []*Rule) *Evaluation {
	reqs := make([]schema.Requirement, len(rules))
	for i, r := range rules {
		reqs[i] = r.Requirement()
	}

	ds := f.Dataset()
	ev := &Evaluation{
		Dataset:       ds.Name,
		Records:       f.Len(),
		Applicability: schema.Probe(ds.Columns, reqs),
		Columns:       make([]FlagColumn, 0, len(rules)),
		Errors:        make(map[string]string),
	}

	for _, r := range rules {
		col := FlagColumn{
			RuleID:   r.ID,
			Name:     domain.FlagColumn(r.ID),
			Severity: r.Severity,
			Outcomes: make([]domain.Outcome, f.Len()),
		}
		if ev.Applicability.Applies(r.ID) {
			if err := evaluateRule(f, r, &col); err != nil {
				ev.Errors[r.ID] = err.Error()
				slog.Warn("rule evaluation failed",
					"dataset", ds.Name,
					"rule_id", r.ID,
					"error", err,
				)
			}
		}
		ev.Columns = append(ev.Columns, col)
	}

	return ev
}

func evaluateRule(f *schema.Frame, r *Rule, col *FlagColumn) (err error) {
	defer func() {
		if p := recover(); p != nil {
			for i := range col.Outcomes {
				col.Outcomes[i] = domain.OutcomeNotComputed
			}
			col.Computed = false
			err = fmt.Errorf("rule %s panicked: %v", r.ID, p)
		}
	}()

	pred := r.Bind(f)
	var failed int
	var first error
	for i := 0; i < f.Len(); i++ {
		ok, perr := pred(f.Row(i))
		if perr != nil {
			failed++
			if first == nil {
				first = perr
			}
			ok = false
		}
		col.Outcomes[i] = domain.OutcomeOf(ok)
	}
	col.Computed = true

	if failed > 0 {
		return fmt.Errorf("%d of %d records failed, first: %w", failed, f.Len(), first)
	}
	return nil
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.custom = make(map[string]*Rule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*Rule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: rule id is required", domain.ErrInvalidInput)
	}
	for _, b := range e.builtin {
		if b.ID == cfg.ID {
			return nil, fmt.Errorf("%w: rule %s shadows a built-in rule", domain.ErrInvalidInput, cfg.ID)
		}
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	severity := cfg.Severity
	if !severity.Valid() {
		severity = domain.SeverityLow
	}
	description := cfg.Description
	if description == "" {
		description = cfg.Name
	}

	return &Rule{
		ID:          cfg.ID,
		Description: description,
		Columns:     cfg.Columns,
		Severity:    severity,
		Custom:      true,
		Bind: func(f *schema.Frame) Predicate {
			columns := f.Dataset().Columns
			return func(r schema.Row) (bool, error) {
				out, _, err := program.Eval(activation(r, columns))
				if err != nil {
					return false, err
				}
				b, ok := out.(types.Bool)
				if !ok {
					return false, fmt.Errorf("rule %s returned %s", cfg.ID, out.Type())
				}
				return bool(b), nil
			}
		},
	}, nil
}

// activation exposes canonical columns as typed variables and every column
// as text under row. Missing cells are left unbound.
func activation(r schema.Row, columns []string) map[string]any {
	vars := make(map[string]any, len(columns)+1)
	row := make(map[string]string, len(columns))
	for _, c := range columns {
		if text, ok := r.Text(c); ok {
			row[c] = text
		}
	}
	vars["row"] = row
	for _, c := range schema.Canonical() {
		if v := r.Value(c); v != nil {
			vars[c] = v
		}
	}
	return vars
}
