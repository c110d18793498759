package outlier

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/finflag/internal/domain"
)

func testScorer() *Scorer {
	return New(domain.OutlierConfig{Trees: 100, SampleSize: 256, Contamination: 0.15, Seed: 42})
}

// bills builds n ordinary records plus one extreme bill at the end.
func bills(n int) *domain.Dataset {
	rng := rand.New(rand.NewSource(7))
	records := make([]domain.Record, 0, n+1)
	for i := 0; i < n; i++ {
		subtotal := 200 + rng.Float64()*50
		records = append(records, domain.Record{
			"invoice":     fmt.Sprintf("INV-%03d", i),
			"subtotal":    subtotal,
			"tax":         fmt.Sprintf("%.2f", subtotal*0.05),
			"final_total": subtotal * 1.05,
			"flag_x":      1,
		})
	}
	records = append(records, domain.Record{
		"invoice":     "INV-big",
		"subtotal":    9000.0,
		"tax":         "5.00",
		"final_total": 12.0,
		"flag_x":      0,
	})
	return domain.NewDataset("Dine_in", []string{"invoice", "subtotal", "tax", "final_total", "flag_x"}, records)
}

func TestFeatures(t *testing.T) {
	ds := domain.NewDataset("x", []string{"a", "b", "c", "flag_a", "anomaly_score"}, []domain.Record{
		{"a": "1,000", "b": "text", "c": nil, "flag_a": 1, "anomaly_score": 0.1},
		{"a": 2.0, "b": 3.0, "c": "", "flag_a": 0, "anomaly_score": 0.2},
		{"a": nil, "b": 4.0, "c": nil, "flag_a": 1, "anomaly_score": 0.3},
	})

	names, x := Features(ds)

	require.Equal(t, []string{"a"}, names, "only fully numeric, non-flag columns qualify")
	assert.Equal(t, [][]float64{{1000}, {2}, {0}}, x, "missing values are imputed with zero")
}

func TestScoreDeterministic(t *testing.T) {
	ds := bills(120)
	s := testScorer()

	first, err := s.ScoreDataset(ds)
	require.NoError(t, err)
	second, err := s.ScoreDataset(ds)
	require.NoError(t, err)

	assert.Equal(t, first.Scores, second.Scores)
	assert.Equal(t, first.Labels, second.Labels)
}

func TestScoreConcurrentDeterminism(t *testing.T) {
	ds := bills(80)
	s := testScorer()
	want, err := s.ScoreDataset(ds)
	require.NoError(t, err)

	results := make(chan *Result, 4)
	for i := 0; i < 4; i++ {
		go func() {
			r, _ := s.ScoreDataset(ds)
			results <- r
		}()
	}
	for i := 0; i < 4; i++ {
		got := <-results
		require.NotNil(t, got)
		assert.Equal(t, want.Scores, got.Scores)
	}
}

func TestScoreFindsExtremeRecord(t *testing.T) {
	ds := bills(120)

	res, err := testScorer().ScoreDataset(ds)
	require.NoError(t, err)

	assert.Equal(t, []string{"subtotal", "tax", "final_total"}, res.Features)
	last := len(res.Scores) - 1
	assert.Equal(t, LabelOutlier, res.Labels[last])
	for i := 0; i < last; i++ {
		assert.Less(t, res.Scores[last], res.Scores[i], "extreme bill should have the lowest score")
	}
	assert.InDelta(t, 0.15*float64(len(res.Scores)), float64(res.Outliers()), 3)
}

func TestScoreInsufficientData(t *testing.T) {
	s := testScorer()

	_, err := s.ScoreDataset(domain.NewDataset("empty", []string{"subtotal"}, nil))
	assert.ErrorIs(t, err, ErrInsufficientData)

	textOnly := domain.NewDataset("text", nil, []domain.Record{{"status": "completed"}, {"status": "cancelled"}})
	_, err = s.ScoreDataset(textOnly)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestScoreConstantFeatures(t *testing.T) {
	ds := domain.NewDataset("flat", nil, []domain.Record{
		{"subtotal": 10.0}, {"subtotal": 10.0}, {"subtotal": 10.0}, {"subtotal": 10.0},
	})

	res, err := testScorer().ScoreDataset(ds)
	require.NoError(t, err)
	assert.Zero(t, res.Outliers(), "identical records cannot be isolated")
}

func TestScoreUnion(t *testing.T) {
	a := bills(60)
	b := bills(40)
	b.Name = "Parcel"

	results, err := testScorer().ScoreUnion([]*domain.Dataset{a, b})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Len(t, results[0].Scores, a.Len())
	assert.Len(t, results[1].Scores, b.Len())
	assert.Equal(t, results[0].Offset, results[1].Offset, "one model is fitted over the union")
}

func TestApply(t *testing.T) {
	ds := bills(30)
	res, err := testScorer().ScoreDataset(ds)
	require.NoError(t, err)

	require.NoError(t, res.Apply(ds))
	assert.True(t, ds.HasColumn(domain.ColumnAnomalyScore))
	assert.True(t, ds.HasColumn(domain.ColumnAnomalyLabel))
	assert.Contains(t, []any{-1, 1}, ds.Records[0][domain.ColumnAnomalyLabel])

	assert.ErrorIs(t, res.Apply(ds), domain.ErrColumnExists)

	// Score columns never feed back into the model.
	again, err := testScorer().ScoreDataset(ds)
	require.NoError(t, err)
	assert.Equal(t, res.Scores, again.Scores)
}
