// Package typemap maps values from the newest scalar type system onto what a
// detected server actually supports.
//
// Downgrades are lossy and not invertible: a BLOB rendered as hex TEXT comes
// back as TEXT. Callers learn about lossy conversions through dataset
// warnings, reported once per column per query.
package typemap

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/koustreak/tsgate/internal/database"
)

// Mapper is built from a capability and is a pure function of it.
type Mapper struct {
	table  map[database.DataType]database.DataType
	tsUnit time.Duration // INT64 unit used when a TIMESTAMP is downgraded
}

var (
	legacyIoTDB = map[database.DataType]database.DataType{
		database.TypeBlob:      database.TypeText,
		database.TypeString:    database.TypeText,
		database.TypeTimestamp: database.TypeInt64,
		database.TypeDate:      database.TypeInt64,
	}

	influx = map[database.DataType]database.DataType{
		database.TypeInt32:     database.TypeInt64,
		database.TypeFloat:     database.TypeDouble,
		database.TypeBlob:      database.TypeText,
		database.TypeString:    database.TypeText,
		database.TypeDate:      database.TypeInt64,
		database.TypeTimestamp: database.TypeInt64,
	}
)

// lossy lists conversions that drop information the target type cannot
// carry back.
var lossy = map[[2]database.DataType]bool{
	{database.TypeBlob, database.TypeText}:       true,
	{database.TypeDate, database.TypeInt64}:      true,
	{database.TypeTimestamp, database.TypeInt64}: true,
	{database.TypeDouble, database.TypeFloat}:    true,
	{database.TypeInt64, database.TypeInt32}:     true,
}

// New builds the mapper for a capability. A nil capability maps every type
// to itself.
func New(c *database.ServerCapability) *Mapper {
	if c == nil {
		return Identity()
	}
	switch c.Family() {
	case database.FamilyIoTDB:
		if c.SupportsNewScalarTypes() {
			return Identity()
		}
		return &Mapper{table: legacyIoTDB, tsUnit: time.Millisecond}
	case database.FamilyInfluxDB:
		return &Mapper{table: influx, tsUnit: time.Nanosecond}
	}
	return Identity()
}

// Identity maps every type to itself.
func Identity() *Mapper {
	return &Mapper{table: map[database.DataType]database.DataType{}, tsUnit: time.Millisecond}
}

// MapType returns the type the server stores t as.
func (m *Mapper) MapType(t database.DataType) database.DataType {
	if to, ok := m.table[t]; ok {
		return to
	}
	return t
}

// IsTypeSupported reports whether t maps to itself.
func (m *Mapper) IsTypeSupported(t database.DataType) bool {
	return m.MapType(t) == t
}

// Table returns a copy of the downgrade table.
func (m *Mapper) Table() map[database.DataType]database.DataType {
	out := make(map[database.DataType]database.DataType, len(m.table))
	for k, v := range m.table {
		out[k] = v
	}
	return out
}

// IsLossy reports whether converting from -> to can lose information.
func IsLossy(from, to database.DataType) bool {
	return lossy[[2]database.DataType{from, to}]
}

// ConvertValue converts v to target. Values already of the target type come
// back unchanged, as do NULLs and combinations with no known conversion.
// Any value can be stringified into TEXT or STRING.
func (m *Mapper) ConvertValue(v database.Value, target database.DataType) database.Value {
	from := v.Type()
	if from == target || v.IsNull() {
		return v
	}

	switch target {
	case database.TypeText:
		return database.TextValue(m.text(v))
	case database.TypeString:
		return database.StringValue(m.text(v))
	case database.TypeInt64:
		switch from {
		case database.TypeInt32:
			return database.Int64Value(v.Int())
		case database.TypeTimestamp:
			return database.Int64Value(v.Time().UnixNano() / int64(m.tsUnit))
		case database.TypeDate:
			return database.Int64Value(v.Time().UnixMilli())
		case database.TypeBoolean:
			if v.Bool() {
				return database.Int64Value(1)
			}
			return database.Int64Value(0)
		}
	case database.TypeInt32:
		if from == database.TypeInt64 && v.Int() >= math.MinInt32 && v.Int() <= math.MaxInt32 {
			return database.Int32Value(int32(v.Int()))
		}
	case database.TypeDouble:
		switch from {
		case database.TypeFloat:
			return database.DoubleValue(v.Float())
		case database.TypeInt32, database.TypeInt64:
			return database.DoubleValue(float64(v.Int()))
		}
	case database.TypeFloat:
		if from == database.TypeDouble {
			return database.FloatValue(float32(v.Float()))
		}
	case database.TypeBlob:
		switch from {
		case database.TypeText, database.TypeString:
			if b, err := hex.DecodeString(v.Str()); err == nil {
				return database.BlobValue(b)
			}
			return database.BlobValue([]byte(v.Str()))
		}
	case database.TypeTimestamp:
		switch from {
		case database.TypeInt64:
			return database.TimestampValue(time.Unix(0, v.Int()*int64(m.tsUnit)))
		case database.TypeDate:
			return database.TimestampValue(v.Time())
		case database.TypeText, database.TypeString:
			if t, err := time.Parse(time.RFC3339Nano, v.Str()); err == nil {
				return database.TimestampValue(t)
			}
		}
	case database.TypeDate:
		switch from {
		case database.TypeInt64:
			return database.DateValue(time.UnixMilli(v.Int()))
		case database.TypeTimestamp:
			return database.DateValue(v.Time())
		case database.TypeText, database.TypeString:
			if t, err := time.Parse(time.DateOnly, v.Str()); err == nil {
				return database.DateValue(t)
			}
		}
	case database.TypeBoolean:
		switch from {
		case database.TypeText, database.TypeString:
			if b, err := strconv.ParseBool(v.Str()); err == nil {
				return database.BoolValue(b)
			}
		}
	}
	return v
}

// Downgrade returns v converted to the type the server stores it as.
func (m *Mapper) Downgrade(v database.Value) database.Value {
	return m.ConvertValue(v, m.MapType(v.Type()))
}

// DowngradeDataset rewrites every non-time column in place to its mapped
// type and records one warning per lossy column.
func (m *Mapper) DowngradeDataset(ds *database.Dataset) *database.Dataset {
	if ds == nil || len(m.table) == 0 {
		return ds
	}
	for ci, col := range ds.Columns {
		if col.Role == database.RoleTime {
			continue
		}
		target := m.MapType(col.Type)
		lossyFrom, lossyTo := database.TypeNull, database.TypeNull
		if IsLossy(col.Type, target) {
			lossyFrom, lossyTo = col.Type, target
		}
		for _, row := range ds.Rows {
			if ci >= len(row) {
				continue
			}
			from := row[ci].Type()
			out := m.ConvertValue(row[ci], m.MapType(from))
			if lossyFrom == database.TypeNull && IsLossy(from, out.Type()) {
				lossyFrom, lossyTo = from, out.Type()
			}
			row[ci] = out
		}
		ds.Columns[ci].Type = target
		if lossyFrom != database.TypeNull {
			ds.Warn(fmt.Sprintf("lossy conversion %s->%s in column %q", lossyFrom, lossyTo, col.Name))
		}
	}
	return ds
}

func (m *Mapper) text(v database.Value) string {
	switch v.Type() {
	case database.TypeBlob:
		return hex.EncodeToString(v.Bytes())
	case database.TypeTimestamp:
		return v.Time().Format(time.RFC3339Nano)
	}
	return v.String()
}
