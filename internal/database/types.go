package database

import (
	"encoding/hex"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// DataType is the scalar type of a column or value. The set is the union of
// IoTDB 2.x's types and InfluxDB's field types; the typemap package decides
// which of them a given server actually understands.
type DataType int

const (
	TypeNull DataType = iota
	TypeBoolean
	TypeInt32
	TypeInt64
	TypeFloat
	TypeDouble
	TypeText
	TypeBlob
	TypeTimestamp
	TypeDate
	TypeString
)

// AllTypes lists every non-null type, in declaration order.
var AllTypes = []DataType{
	TypeBoolean, TypeInt32, TypeInt64, TypeFloat, TypeDouble,
	TypeText, TypeBlob, TypeTimestamp, TypeDate, TypeString,
}

func (t DataType) String() string {
	switch t {
	case TypeBoolean:
		return "BOOLEAN"
	case TypeInt32:
		return "INT32"
	case TypeInt64:
		return "INT64"
	case TypeFloat:
		return "FLOAT"
	case TypeDouble:
		return "DOUBLE"
	case TypeText:
		return "TEXT"
	case TypeBlob:
		return "BLOB"
	case TypeTimestamp:
		return "TIMESTAMP"
	case TypeDate:
		return "DATE"
	case TypeString:
		return "STRING"
	default:
		return "NULL"
	}
}

// MarshalJSON renders the type name.
func (t DataType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// ParseDataType maps IoTDB type names (and the few extra spellings servers
// use in schema listings) onto a DataType.
func ParseDataType(name string) (DataType, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "BOOLEAN", "BOOL":
		return TypeBoolean, true
	case "INT32", "INT":
		return TypeInt32, true
	case "INT64", "LONG", "INTEGER", "BIGINT":
		return TypeInt64, true
	case "FLOAT":
		return TypeFloat, true
	case "DOUBLE":
		return TypeDouble, true
	case "TEXT", "VARCHAR":
		return TypeText, true
	case "BLOB", "BINARY", "VARBINARY":
		return TypeBlob, true
	case "TIMESTAMP":
		return TypeTimestamp, true
	case "DATE":
		return TypeDate, true
	case "STRING":
		return TypeString, true
	case "NULL", "UNKNOWN":
		return TypeNull, true
	}
	return TypeNull, false
}

// Value is the tagged union that crosses the driver boundary. Row values are
// always Values, never native host types, so type downgrades happen exactly
// once.
type Value struct {
	typ DataType
	b   bool
	i   int64
	f   float64
	s   string
	raw []byte
	t   time.Time
}

func NullValue() Value            { return Value{} }
func BoolValue(v bool) Value      { return Value{typ: TypeBoolean, b: v} }
func Int32Value(v int32) Value    { return Value{typ: TypeInt32, i: int64(v)} }
func Int64Value(v int64) Value    { return Value{typ: TypeInt64, i: v} }
func FloatValue(v float32) Value  { return Value{typ: TypeFloat, f: float64(v)} }
func DoubleValue(v float64) Value { return Value{typ: TypeDouble, f: v} }
func TextValue(v string) Value    { return Value{typ: TypeText, s: v} }
func StringValue(v string) Value  { return Value{typ: TypeString, s: v} }

// BlobValue copies v.
func BlobValue(v []byte) Value {
	return Value{typ: TypeBlob, raw: append([]byte(nil), v...)}
}

// TimestampValue keeps the instant in UTC.
func TimestampValue(v time.Time) Value {
	return Value{typ: TypeTimestamp, t: v.UTC()}
}

// DateValue truncates v to its UTC calendar day.
func DateValue(v time.Time) Value {
	u := v.UTC()
	return Value{typ: TypeDate, t: time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)}
}

func (v Value) Type() DataType { return v.typ }
func (v Value) IsNull() bool   { return v.typ == TypeNull }

// Bool returns the boolean payload.
func (v Value) Bool() bool { return v.b }

// Int returns the integer payload of INT32/INT64 values.
func (v Value) Int() int64 { return v.i }

// Float returns the floating payload of FLOAT/DOUBLE values.
func (v Value) Float() float64 { return v.f }

// Str returns the payload of TEXT/STRING values.
func (v Value) Str() string { return v.s }

// Bytes returns the payload of BLOB values.
func (v Value) Bytes() []byte { return v.raw }

// Time returns the payload of TIMESTAMP/DATE values.
func (v Value) Time() time.Time { return v.t }

// Native returns the value as a plain Go value (nil for NULL).
func (v Value) Native() any {
	switch v.typ {
	case TypeBoolean:
		return v.b
	case TypeInt32:
		return int32(v.i)
	case TypeInt64:
		return v.i
	case TypeFloat:
		return float32(v.f)
	case TypeDouble:
		return v.f
	case TypeText, TypeString:
		return v.s
	case TypeBlob:
		return v.raw
	case TypeTimestamp, TypeDate:
		return v.t
	default:
		return nil
	}
}

// String renders the value for display. BLOBs are hex encoded.
func (v Value) String() string {
	switch v.typ {
	case TypeBoolean:
		return strconv.FormatBool(v.b)
	case TypeInt32, TypeInt64:
		return strconv.FormatInt(v.i, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 32)
	case TypeDouble:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeText, TypeString:
		return v.s
	case TypeBlob:
		return "0x" + hex.EncodeToString(v.raw)
	case TypeTimestamp:
		return v.t.Format(time.RFC3339Nano)
	case TypeDate:
		return v.t.Format(time.DateOnly)
	default:
		return "null"
	}
}

// Equal compares type and payload.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case TypeBoolean:
		return v.b == o.b
	case TypeInt32, TypeInt64:
		return v.i == o.i
	case TypeFloat, TypeDouble:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case TypeText, TypeString:
		return v.s == o.s
	case TypeBlob:
		return string(v.raw) == string(o.raw)
	case TypeTimestamp, TypeDate:
		return v.t.Equal(o.t)
	default:
		return true
	}
}

// MarshalJSON renders the native value. Non-finite floats become strings
// because JSON has no representation for them.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.typ {
	case TypeFloat, TypeDouble:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return json.Marshal(v.String())
		}
		return json.Marshal(v.f)
	case TypeTimestamp:
		return json.Marshal(v.t.Format(time.RFC3339Nano))
	case TypeDate:
		return json.Marshal(v.t.Format(time.DateOnly))
	default:
		return json.Marshal(v.Native())
	}
}
