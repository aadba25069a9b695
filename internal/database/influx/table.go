// Package influx holds what the InfluxDB HTTP drivers share: decoding of
// InfluxQL JSON and Flux annotated CSV responses, InfluxQL schema
// introspection and write error mapping.
package influx

import (
	"time"

	"github.com/koustreak/tsgate/internal/database"
)

// Table assembles a Dataset from rows whose column sets may differ between
// series or Flux tables. Columns are matched by name.
type Table struct {
	ds    *database.Dataset
	index map[string]int
}

func NewTable() *Table {
	return &Table{ds: database.NewDataset(), index: map[string]int{}}
}

// Column returns the index of name, adding the column when it is new.
func (t *Table) Column(name string, typ database.DataType, role database.ColumnRole) int {
	if i, ok := t.index[name]; ok {
		return i
	}
	i := t.ds.AddColumn(database.Column{Name: name, Type: typ, Role: role})
	t.index[name] = i
	return i
}

// Append adds a row given as column index -> value. The column type is
// taken from the first non-null value; INT64 columns that later see a
// DOUBLE are promoted, since JSON cannot tell 2.0 from 2.
func (t *Table) Append(vals map[int]database.Value) {
	row := make([]database.Value, len(t.ds.Columns))
	for i, v := range vals {
		col := &t.ds.Columns[i]
		switch {
		case v.IsNull():
		case col.Type == database.TypeNull:
			col.Type = v.Type()
		case col.Type == database.TypeInt64 && v.Type() == database.TypeDouble:
			t.promote(i)
		case col.Type == database.TypeDouble && v.Type() == database.TypeInt64:
			v = database.DoubleValue(float64(v.Int()))
		}
		row[i] = v
	}
	t.ds.AppendRow(row)
}

func (t *Table) promote(col int) {
	t.ds.Columns[col].Type = database.TypeDouble
	for _, row := range t.ds.Rows {
		if v := row[col]; v.Type() == database.TypeInt64 {
			row[col] = database.DoubleValue(float64(v.Int()))
		}
	}
}

// Finish types all-null columns as TEXT and stamps the dataset.
func (t *Table) Finish(start time.Time) *database.Dataset {
	for i := range t.ds.Columns {
		if t.ds.Columns[i].Type == database.TypeNull {
			t.ds.Columns[i].Type = database.TypeText
		}
	}
	return t.ds.Finish(start)
}
