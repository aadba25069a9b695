package iotdb

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/koustreak/tsgate/internal/database"
)

// TSDataType serialisation codes.
var typeCodes = map[byte]database.DataType{
	0:  database.TypeBoolean,
	1:  database.TypeInt32,
	2:  database.TypeInt64,
	3:  database.TypeFloat,
	4:  database.TypeDouble,
	5:  database.TypeText,
	8:  database.TypeTimestamp,
	9:  database.TypeDate,
	10: database.TypeBlob,
	11: database.TypeString,
}

func typeCode(t database.DataType) (byte, bool) {
	for code, dt := range typeCodes {
		if dt == t {
			return code, true
		}
	}
	return 0, false
}

// Column encodings of a serialized TsBlock.
const (
	encByteArray   = 0
	encInt32Array  = 1
	encInt64Array  = 2
	encBinaryArray = 3
	encRLE         = 4
)

// block is one decoded result page.
type block struct {
	times   []int64
	columns [][]database.Value
}

func (b *block) rows() int { return len(b.times) }

// reader is a bounds-checked big-endian cursor.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = fmt.Errorf("truncated block: need %d bytes at offset %d of %d", n, r.off, len(r.buf))
		return false
	}
	return true
}

func (r *reader) u8() byte {
	if !r.need(1) {
		return 0
	}
	b := r.buf[r.off]
	r.off++
	return b
}

func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) int32() int32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (r *reader) int64() int64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (r *reader) count() int {
	n := int(r.int32())
	if n < 0 && r.err == nil {
		r.err = fmt.Errorf("negative count %d at offset %d", n, r.off-4)
	}
	return n
}

// decodeTsBlock decodes the serialized TsBlock format of IoTDB 1.0 and
// later:
//
//	int32 valueColumnCount
//	byte  valueColumnType[valueColumnCount]
//	int32 positionCount
//	byte  columnEncoding[1 + valueColumnCount]  (time column first)
//	column time, column values...
func decodeTsBlock(buf []byte, unit time.Duration) (*block, error) {
	r := &reader{buf: buf}

	n := r.count()
	types := make([]database.DataType, 0, max(n, 0))
	for i := 0; i < n && r.err == nil; i++ {
		code := r.u8()
		t, ok := typeCodes[code]
		if !ok && r.err == nil {
			return nil, fmt.Errorf("column %d: unknown data type code %d", i, code)
		}
		types = append(types, t)
	}
	positions := r.count()
	encodings := r.bytes(n + 1)
	if r.err != nil {
		return nil, r.err
	}

	timeCol, err := r.column(encodings[0], database.TypeInt64, positions, unit)
	if err != nil {
		return nil, fmt.Errorf("time column: %w", err)
	}
	b := &block{times: make([]int64, positions), columns: make([][]database.Value, n)}
	for i, v := range timeCol {
		b.times[i] = v.Int()
	}
	for i := 0; i < n; i++ {
		col, err := r.column(encodings[i+1], types[i], positions, unit)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		b.columns[i] = col
	}
	return b, nil
}

// column reads one column of positions values. Null positions carry no
// bytes in the value section.
func (r *reader) column(enc byte, t database.DataType, positions int, unit time.Duration) ([]database.Value, error) {
	if enc == encRLE {
		inner := r.u8()
		one, err := r.column(inner, t, 1, unit)
		if err != nil {
			return nil, err
		}
		out := make([]database.Value, positions)
		for i := range out {
			out[i] = one[0]
		}
		return out, nil
	}

	nulls := r.nulls(positions)
	out := make([]database.Value, positions)
	for i := 0; i < positions; i++ {
		if nulls != nil && nulls[i] {
			continue
		}
		v, err := r.value(enc, t, unit)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, r.err
}

// nulls reads the mayHaveNull flag and, when set, the packed null bits
// (most significant bit first, 1 means null).
func (r *reader) nulls(positions int) []bool {
	if r.u8() == 0 {
		return nil
	}
	packed := r.bytes((positions + 7) / 8)
	if packed == nil {
		return nil
	}
	out := make([]bool, positions)
	for i := range out {
		out[i] = packed[i/8]&(0x80>>(i%8)) != 0
	}
	return out
}

func (r *reader) value(enc byte, t database.DataType, unit time.Duration) (database.Value, error) {
	switch enc {
	case encByteArray:
		return database.BoolValue(r.u8() != 0), r.err
	case encInt32Array:
		return int32Value(t, r.int32())
	case encInt64Array:
		return int64Value(t, r.int64(), unit)
	case encBinaryArray:
		return binaryValue(t, r.bytes(r.count()))
	}
	return database.Value{}, fmt.Errorf("unknown column encoding %d", enc)
}

func int32Value(t database.DataType, raw int32) (database.Value, error) {
	switch t {
	case database.TypeInt32:
		return database.Int32Value(raw), nil
	case database.TypeFloat:
		return database.FloatValue(math.Float32frombits(uint32(raw))), nil
	case database.TypeDate:
		return database.DateValue(dateFromInt(raw)), nil
	}
	return database.Value{}, fmt.Errorf("type %s in a 32-bit column", t)
}

func int64Value(t database.DataType, raw int64, unit time.Duration) (database.Value, error) {
	switch t {
	case database.TypeInt64:
		return database.Int64Value(raw), nil
	case database.TypeDouble:
		return database.DoubleValue(math.Float64frombits(uint64(raw))), nil
	case database.TypeTimestamp:
		return database.TimestampValue(timeFromUnits(raw, unit)), nil
	}
	return database.Value{}, fmt.Errorf("type %s in a 64-bit column", t)
}

func binaryValue(t database.DataType, raw []byte) (database.Value, error) {
	switch t {
	case database.TypeText:
		return database.TextValue(string(raw)), nil
	case database.TypeString:
		return database.StringValue(string(raw)), nil
	case database.TypeBlob:
		return database.BlobValue(raw), nil
	}
	return database.Value{}, fmt.Errorf("type %s in a binary column", t)
}

// dateFromInt decodes IoTDB's yyyyMMdd DATE encoding.
func dateFromInt(v int32) time.Time {
	return time.Date(int(v/10000), time.Month(v/100%100), int(v%100), 0, 0, 0, 0, time.UTC)
}

func dateToInt(t time.Time) int32 {
	t = t.UTC()
	return int32(t.Year()*10000 + int(t.Month())*100 + t.Day())
}

func timeFromUnits(v int64, unit time.Duration) time.Time {
	switch unit {
	case time.Microsecond:
		return time.UnixMicro(v).UTC()
	case time.Nanosecond:
		return time.Unix(0, v).UTC()
	default:
		return time.UnixMilli(v).UTC()
	}
}

func timeToUnits(t time.Time, unit time.Duration) int64 {
	switch unit {
	case time.Microsecond:
		return t.UnixMicro()
	case time.Nanosecond:
		return t.UnixNano()
	default:
		return t.UnixMilli()
	}
}
