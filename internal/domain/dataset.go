package domain

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrColumnExists is returned when appending a column whose name is already taken.
	ErrColumnExists = errors.New("column already exists")

	// ErrLengthMismatch is returned when appended values do not line up with the records.
	ErrLengthMismatch = errors.New("column length does not match record count")

	// ErrInvalidInput marks malformed requests or configuration.
	ErrInvalidInput = errors.New("invalid input")
)

// Record is a single transaction row keyed by column name.
// Cells hold raw values as read from the source: string, float64, int64,
// bool, time.Time or nil.
type Record map[string]any

// Dataset is an ordered collection of records from one sales channel.
type Dataset struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Records []Record `json:"records"`
}

// NewDataset builds a dataset. When columns is empty it is derived from the
// union of record keys in sorted order.
func NewDataset(name string, columns []string, records []Record) *Dataset {
	if len(columns) == 0 {
		seen := make(map[string]struct{})
		for _, r := range records {
			for k := range r {
				if _, ok := seen[k]; !ok {
					seen[k] = struct{}{}
					columns = append(columns, k)
				}
			}
		}
		sort.Strings(columns)
	}
	return &Dataset{Name: name, Columns: columns, Records: records}
}

// Len returns the number of records.
func (d *Dataset) Len() int {
	return len(d.Records)
}

// HasColumn reports whether the dataset declares the column.
func (d *Dataset) HasColumn(name string) bool {
	for _, c := range d.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// AppendColumn adds a new column to every record. Existing columns are never
// overwritten.
func (d *Dataset) AppendColumn(name string, values []any) error {
	if d.HasColumn(name) {
		return fmt.Errorf("%s: %w", name, ErrColumnExists)
	}
	if len(values) != len(d.Records) {
		return fmt.Errorf("%s: %d values for %d records: %w", name, len(values), len(d.Records), ErrLengthMismatch)
	}
	for i, r := range d.Records {
		r[name] = values[i]
	}
	d.Columns = append(d.Columns, name)
	return nil
}

// Clone returns a copy whose records can be extended without touching the original.
func (d *Dataset) Clone() *Dataset {
	out := &Dataset{
		Name:    d.Name,
		Columns: append([]string(nil), d.Columns...),
		Records: make([]Record, len(d.Records)),
	}
	for i, r := range d.Records {
		cp := make(Record, len(r))
		for k, v := range r {
			cp[k] = v
		}
		out.Records[i] = cp
	}
	return out
}

// DatasetSource points at a tabular file holding one channel's records.
type DatasetSource struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
}
