package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/finflag/internal/domain"
)

// timeLayouts are tried in order. Slash and dash dates are read day first.
var timeLayouts = []string{
	time.RFC3339,
	"2006-1-2T15:04:05",
	"2006-1-2 15:04:05",
	"2006-1-2 15:04",
	"2006-1-2",
	"2/1/2006 15:04:05",
	"2/1/2006 15:04",
	"2/1/2006 3:04:05 PM",
	"2/1/2006 3:04 PM",
	"2/1/2006",
	"2-1-2006 15:04:05",
	"2-1-2006 15:04",
	"2-1-2006 3:04:05 PM",
	"2-1-2006 3:04 PM",
	"2-1-2006",
}

var nullTokens = map[string]bool{
	"":     true,
	"nan":  true,
	"nat":  true,
	"null": true,
	"none": true,
	"na":   true,
	"n/a":  true,
}

type column struct {
	kind   Kind
	raw    []any
	text   []string
	blank  []bool
	nums   []float64
	numOK  []bool
	times  []time.Time
	timeOK []bool
	bad    int
}

// Frame is a read-only typed view of a dataset. Every number and timestamp
// column is parsed once; malformed cells become missing and are counted.
type Frame struct {
	ds      *domain.Dataset
	columns map[string]*column
}

// NewFrame parses the dataset's known columns.
func NewFrame(ds *domain.Dataset) *Frame {
	f := &Frame{ds: ds, columns: make(map[string]*column, len(ds.Columns))}
	n := len(ds.Records)
	for _, name := range ds.Columns {
		c := &column{
			kind:  KindOf(name),
			raw:   make([]any, n),
			text:  make([]string, n),
			blank: make([]bool, n),
		}
		switch c.kind {
		case KindNumber:
			c.nums = make([]float64, n)
			c.numOK = make([]bool, n)
		case KindTime:
			c.times = make([]time.Time, n)
			c.timeOK = make([]bool, n)
		}
		for i, r := range ds.Records {
			v := r[name]
			c.raw[i] = v
			c.text[i], c.blank[i] = textOf(v)
			if c.blank[i] {
				continue
			}
			switch c.kind {
			case KindNumber:
				c.nums[i], c.numOK[i] = ParseNumber(v)
				if !c.numOK[i] {
					c.bad++
				}
			case KindTime:
				c.times[i], c.timeOK[i] = ParseTime(v)
				if !c.timeOK[i] {
					c.bad++
				}
			}
		}
		f.columns[name] = c
	}
	return f
}

// Dataset returns the underlying dataset.
func (f *Frame) Dataset() *domain.Dataset {
	return f.ds
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	return len(f.ds.Records)
}

// Has reports whether the column is present.
func (f *Frame) Has(name string) bool {
	_, ok := f.columns[name]
	return ok
}

// Row returns the i-th row.
func (f *Frame) Row(i int) Row {
	return Row{f: f, i: i}
}

// Unparsable returns malformed cell counts for columns that had any.
func (f *Frame) Unparsable() map[string]int {
	out := make(map[string]int)
	for name, c := range f.columns {
		if c.bad > 0 {
			out[name] = c.bad
		}
	}
	return out
}

// Row is one record viewed through its frame.
type Row struct {
	f *Frame
	i int
}

// Index returns the row position.
func (r Row) Index() int {
	return r.i
}

// Present reports whether the column exists in the dataset.
func (r Row) Present(name string) bool {
	return r.f.Has(name)
}

// Number returns a parsed numeric cell. ok is false for absent, blank or
// malformed cells.
func (r Row) Number(name string) (float64, bool) {
	c, ok := r.f.columns[name]
	if !ok {
		return 0, false
	}
	if c.kind != KindNumber {
		if c.blank[r.i] {
			return 0, false
		}
		return ParseNumber(c.raw[r.i])
	}
	return c.nums[r.i], c.numOK[r.i]
}

// Time returns a parsed timestamp cell.
func (r Row) Time(name string) (time.Time, bool) {
	c, ok := r.f.columns[name]
	if !ok || c.kind != KindTime {
		return time.Time{}, false
	}
	return c.times[r.i], c.timeOK[r.i]
}

// Text returns the trimmed string form of a cell. ok is false when the
// column is absent or the cell is blank.
func (r Row) Text(name string) (string, bool) {
	c, ok := r.f.columns[name]
	if !ok || c.blank[r.i] {
		return "", false
	}
	return c.text[r.i], true
}

// Blank reports whether the cell is absent, null or whitespace only.
func (r Row) Blank(name string) bool {
	c, ok := r.f.columns[name]
	if !ok {
		return true
	}
	return c.blank[r.i]
}

// TextEquals compares a cell to want after trimming, ignoring case.
// Missing cells never match.
func (r Row) TextEquals(name, want string) bool {
	s, ok := r.Text(name)
	if !ok {
		return false
	}
	return strings.EqualFold(s, want)
}

// Value returns the typed cell value or nil when missing or malformed.
func (r Row) Value(name string) any {
	c, ok := r.f.columns[name]
	if !ok || c.blank[r.i] {
		return nil
	}
	switch c.kind {
	case KindNumber:
		if c.numOK[r.i] {
			return c.nums[r.i]
		}
		return nil
	case KindTime:
		if c.timeOK[r.i] {
			return c.times[r.i]
		}
		return nil
	}
	return c.text[r.i]
}

// ParseNumber converts a raw cell into a float. Strings may carry
// thousands separators.
func ParseNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case decimal.Decimal:
		f, _ := n.Float64()
		return f, true
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(n), ",", "")
		if nullTokens[strings.ToLower(s)] {
			return 0, false
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return 0, false
		}
		f, _ := d.Float64()
		return f, true
	}
	return 0, false
}

// ParseTime converts a raw cell into a timestamp.
func ParseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		s := strings.TrimSpace(t)
		if nullTokens[strings.ToLower(s)] {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// IsBlank reports whether a raw cell is null, a null token or whitespace only.
func IsBlank(v any) bool {
	_, blank := textOf(v)
	return blank
}

func textOf(v any) (string, bool) {
	var s string
	switch t := v.(type) {
	case nil:
		return "", true
	case string:
		s = strings.TrimSpace(t)
	case time.Time:
		if t.IsZero() {
			return "", true
		}
		s = t.Format(time.RFC3339)
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return "", true
		}
		s = decimal.NewFromFloat(t).String()
	default:
		s = strings.TrimSpace(fmt.Sprint(t))
	}
	return s, nullTokens[strings.ToLower(s)]
}
