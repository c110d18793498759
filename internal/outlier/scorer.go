// Package outlier scores records with a seeded isolation forest over the
// numeric columns of a dataset.
package outlier

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/opensource-finance/finflag/internal/domain"
	"github.com/opensource-finance/finflag/internal/schema"
)

// ErrInsufficientData is returned when there is nothing to fit a model on.
var ErrInsufficientData = errors.New("insufficient data for outlier scoring")

// Label is the model's verdict for a record.
type Label int8

const (
	LabelOutlier Label = -1
	LabelNormal  Label = 1
)

func (l Label) String() string {
	if l == LabelOutlier {
		return "OUTLIER"
	}
	return "NORMAL"
}

// Result holds per-record scores and labels.
// Scores follow the decision-function convention: negative means outlier.
type Result struct {
	Features []string
	Scores   []float64
	Labels   []Label
	Offset   float64
}

// Outliers counts records labelled as outliers.
func (r *Result) Outliers() int64 {
	var n int64
	for _, l := range r.Labels {
		if l == LabelOutlier {
			n++
		}
	}
	return n
}

// Apply appends the score and label columns to ds.
func (r *Result) Apply(ds *domain.Dataset) error {
	scores := make([]any, len(r.Scores))
	labels := make([]any, len(r.Labels))
	for i := range r.Scores {
		scores[i] = r.Scores[i]
		labels[i] = int(r.Labels[i])
	}
	if err := ds.AppendColumn(domain.ColumnAnomalyScore, scores); err != nil {
		return err
	}
	return ds.AppendColumn(domain.ColumnAnomalyLabel, labels)
}

// Scorer fits an isolation forest per call. It holds no random state so a
// single value can be shared across goroutines.
type Scorer struct {
	Trees         int
	SampleSize    int
	Contamination float64
	Seed          int64
}

// New creates a scorer from configuration.
func New(cfg domain.OutlierConfig) *Scorer {
	return &Scorer{
		Trees:         cfg.Trees,
		SampleSize:    cfg.SampleSize,
		Contamination: cfg.Contamination,
		Seed:          cfg.Seed,
	}
}

// ScoreDataset scores every record of ds.
func (s *Scorer) ScoreDataset(ds *domain.Dataset) (*Result, error) {
	names, x := Features(ds)
	if len(names) == 0 {
		return nil, fmt.Errorf("%s: no numeric columns: %w", ds.Name, ErrInsufficientData)
	}
	res, err := s.Score(x)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ds.Name, err)
	}
	res.Features = names
	return res, nil
}

// ScoreUnion fits one model over all datasets together and returns one
// result per dataset, in input order.
func (s *Scorer) ScoreUnion(datasets []*domain.Dataset) ([]*Result, error) {
	union := concat(datasets)
	res, err := s.ScoreDataset(union)
	if err != nil {
		return nil, err
	}

	out := make([]*Result, len(datasets))
	start := 0
	for i, ds := range datasets {
		end := start + ds.Len()
		out[i] = &Result{
			Features: res.Features,
			Scores:   res.Scores[start:end],
			Labels:   res.Labels[start:end],
			Offset:   res.Offset,
		}
		start = end
	}
	return out, nil
}

// Score fits on x and scores its rows. Features are standardized first.
func (s *Scorer) Score(x [][]float64) (*Result, error) {
	if len(x) < 2 || len(x[0]) == 0 {
		return nil, ErrInsufficientData
	}
	if s.Trees <= 0 || s.SampleSize < 2 {
		return nil, fmt.Errorf("invalid forest size %d trees, %d samples", s.Trees, s.SampleSize)
	}
	if s.Contamination <= 0 || s.Contamination > 0.5 {
		return nil, fmt.Errorf("contamination %v out of range (0, 0.5]", s.Contamination)
	}

	z := standardize(x)
	rng := rand.New(rand.NewSource(s.Seed))
	f := fit(z, s.Trees, s.SampleSize, rng)

	raw := make([]float64, len(z))
	for i, row := range z {
		raw[i] = f.score(row)
	}

	sorted := append([]float64(nil), raw...)
	sort.Float64s(sorted)
	offset := stat.Quantile(s.Contamination, stat.LinInterp, sorted, nil)

	res := &Result{
		Scores: make([]float64, len(raw)),
		Labels: make([]Label, len(raw)),
		Offset: offset,
	}
	for i, v := range raw {
		res.Scores[i] = v - offset
		if res.Scores[i] < 0 {
			res.Labels[i] = LabelOutlier
		} else {
			res.Labels[i] = LabelNormal
		}
	}
	return res, nil
}

// Features extracts the numeric columns of ds. A column is numeric when every
// non-blank cell parses as a number and at least one does. Flag and score
// columns are excluded. Missing values are imputed with zero.
func Features(ds *domain.Dataset) ([]string, [][]float64) {
	var names []string
	var cols [][]float64
	for _, c := range ds.Columns {
		if strings.HasPrefix(c, domain.FlagPrefix) || c == domain.ColumnAnomalyScore || c == domain.ColumnAnomalyLabel {
			continue
		}
		values, ok := numericColumn(ds.Records, c)
		if !ok {
			continue
		}
		names = append(names, c)
		cols = append(cols, values)
	}

	x := make([][]float64, len(ds.Records))
	for i := range x {
		x[i] = make([]float64, len(cols))
		for j := range cols {
			x[i][j] = cols[j][i]
		}
	}
	return names, x
}

func numericColumn(records []domain.Record, name string) ([]float64, bool) {
	values := make([]float64, len(records))
	seen := false
	for i, r := range records {
		v := r[name]
		if schema.IsBlank(v) {
			continue
		}
		f, ok := schema.ParseNumber(v)
		if !ok {
			return nil, false
		}
		values[i] = f
		seen = true
	}
	return values, seen
}

// standardize scales each column to zero mean and unit population variance.
// Constant columns become zero.
func standardize(x [][]float64) [][]float64 {
	rows, dims := len(x), len(x[0])
	z := make([][]float64, rows)
	for i := range z {
		z[i] = make([]float64, dims)
	}
	col := make([]float64, rows)
	for d := 0; d < dims; d++ {
		for i := range x {
			col[i] = x[i][d]
		}
		mean, variance := stat.PopMeanVariance(col, nil)
		sd := math.Sqrt(variance)
		if sd == 0 || math.IsNaN(sd) {
			continue
		}
		for i := range x {
			z[i][d] = (x[i][d] - mean) / sd
		}
	}
	return z
}

// concat stacks datasets into one, taking the union of their columns.
func concat(datasets []*domain.Dataset) *domain.Dataset {
	union := &domain.Dataset{Name: "union"}
	seen := make(map[string]bool)
	for _, ds := range datasets {
		for _, c := range ds.Columns {
			if !seen[c] {
				seen[c] = true
				union.Columns = append(union.Columns, c)
			}
		}
		union.Records = append(union.Records, ds.Records...)
	}
	return union
}
