package iotdb

import (
	"fmt"
	"time"

	"github.com/koustreak/tsgate/internal/database"
)

// decodeLegacy decodes the TSQueryDataSet returned by 0.13 servers. types
// are in value-buffer order. Each value buffer holds only the non-null
// values; the matching bitmap has one bit per row, most significant bit
// first, set when the row has a value.
func decodeLegacy(ds *QueryDataSet, types []database.DataType, unit time.Duration) (*block, error) {
	if len(ds.Time)%8 != 0 {
		return nil, fmt.Errorf("time buffer of %d bytes is not a multiple of 8", len(ds.Time))
	}
	rows := len(ds.Time) / 8
	tr := &reader{buf: ds.Time}
	b := &block{times: make([]int64, rows), columns: make([][]database.Value, len(ds.Values))}
	for i := range b.times {
		b.times[i] = tr.int64()
	}

	for c, buf := range ds.Values {
		if c >= len(types) {
			return nil, fmt.Errorf("value buffer %d has no data type", c)
		}
		var bitmap []byte
		if c < len(ds.Bitmaps) {
			bitmap = ds.Bitmaps[c]
		}
		r := &reader{buf: buf}
		col := make([]database.Value, rows)
		for row := 0; row < rows; row++ {
			if row/8 >= len(bitmap) || bitmap[row/8]&(0x80>>(row%8)) == 0 {
				continue
			}
			v, err := legacyValue(r, types[c], unit)
			if err != nil {
				return nil, fmt.Errorf("column %d row %d: %w", c, row, err)
			}
			col[row] = v
		}
		if r.err != nil {
			return nil, fmt.Errorf("column %d: %w", c, r.err)
		}
		b.columns[c] = col
	}
	return b, nil
}

func legacyValue(r *reader, t database.DataType, unit time.Duration) (database.Value, error) {
	switch t {
	case database.TypeBoolean:
		return database.BoolValue(r.u8() != 0), nil
	case database.TypeInt32, database.TypeFloat, database.TypeDate:
		return int32Value(t, r.int32())
	case database.TypeInt64, database.TypeDouble, database.TypeTimestamp:
		return int64Value(t, r.int64(), unit)
	case database.TypeText, database.TypeString, database.TypeBlob:
		return binaryValue(t, r.bytes(r.count()))
	}
	return database.Value{}, fmt.Errorf("unsupported type %s", t)
}
