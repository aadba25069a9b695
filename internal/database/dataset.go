package database

import (
	"time"
)

// ColumnRole tells the caller how a column relates to the series model.
type ColumnRole string

const (
	RoleTime  ColumnRole = "time"
	RoleTag   ColumnRole = "tag"
	RoleField ColumnRole = "field"
	RoleOther ColumnRole = "other"
)

// Column describes a single result or schema column.
type Column struct {
	Name string     `json:"name"`
	Type DataType   `json:"type"`
	Role ColumnRole `json:"role,omitempty"`
}

// Dataset is the unified query response every driver returns.
type Dataset struct {
	Columns       []Column      `json:"columns"`
	Rows          [][]Value     `json:"rows"`
	RowCount      int           `json:"row_count"`
	ExecutionTime time.Duration `json:"execution_time"`
	Warnings      []string      `json:"warnings,omitempty"`
}

// NewDataset starts an empty dataset with the given columns.
func NewDataset(cols ...Column) *Dataset {
	return &Dataset{Columns: cols, Rows: [][]Value{}}
}

// AddColumn appends a column and pads existing rows with NULL. It returns
// the new column's index.
func (d *Dataset) AddColumn(c Column) int {
	d.Columns = append(d.Columns, c)
	for i := range d.Rows {
		d.Rows[i] = append(d.Rows[i], NullValue())
	}
	return len(d.Columns) - 1
}

// ColumnIndex returns the index of the named column, or -1.
func (d *Dataset) ColumnIndex(name string) int {
	for i, c := range d.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// AppendRow adds a row, padding or truncating it to the column count.
func (d *Dataset) AppendRow(row []Value) {
	switch {
	case len(row) < len(d.Columns):
		padded := make([]Value, len(d.Columns))
		copy(padded, row)
		row = padded
	case len(row) > len(d.Columns):
		row = row[:len(d.Columns)]
	}
	d.Rows = append(d.Rows, row)
}

// Warn records a caller-visible warning once.
func (d *Dataset) Warn(msg string) {
	for _, w := range d.Warnings {
		if w == msg {
			return
		}
	}
	d.Warnings = append(d.Warnings, msg)
}

// Finish stamps RowCount and ExecutionTime measured from start.
func (d *Dataset) Finish(start time.Time) *Dataset {
	d.RowCount = len(d.Rows)
	d.ExecutionTime = time.Since(start)
	return d
}

// Maps converts the rows into column-name keyed maps of native values.
func (d *Dataset) Maps() []map[string]any {
	out := make([]map[string]any, 0, len(d.Rows))
	for _, row := range d.Rows {
		m := make(map[string]any, len(d.Columns))
		for i, col := range d.Columns {
			if i < len(row) {
				m[col.Name] = row[i].Native()
			}
		}
		out = append(out, m)
	}
	return out
}

// Strings returns column col of every row rendered as text. Drivers use
// it for SHOW-style listings.
func (d *Dataset) Strings(col int) []string {
	out := make([]string, 0, len(d.Rows))
	for _, row := range d.Rows {
		if col < len(row) && !row[col].IsNull() {
			out = append(out, row[col].String())
		}
	}
	return out
}
