package influxv3

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/database/influx"
)

const timeColumn = "time"

// collect drains it into a Dataset. Rows arrive as maps, so the column
// order is rebuilt: time first, then the remaining names sorted.
func collect(it rows, start time.Time) (*database.Dataset, error) {
	t := influx.NewTable()
	for it.Next() {
		rec := it.Value()
		names := make([]string, 0, len(rec))
		for k := range rec {
			names = append(names, k)
		}
		sort.Slice(names, func(i, j int) bool {
			if (names[i] == timeColumn) != (names[j] == timeColumn) {
				return names[i] == timeColumn
			}
			return names[i] < names[j]
		})

		row := make(map[int]database.Value, len(names))
		for _, name := range names {
			role := database.RoleField
			if name == timeColumn {
				role = database.RoleTime
			}
			row[t.Column(name, database.TypeNull, role)] = value(rec[name])
		}
		t.Append(row)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return t.Finish(start), nil
}

// value converts what the client decodes from Arrow into a Value.
func value(v any) database.Value {
	switch x := v.(type) {
	case nil:
		return database.NullValue()
	case bool:
		return database.BoolValue(x)
	case int8:
		return database.Int32Value(int32(x))
	case int16:
		return database.Int32Value(int32(x))
	case int32:
		return database.Int32Value(x)
	case int64:
		return database.Int64Value(x)
	case int:
		return database.Int64Value(int64(x))
	case uint8:
		return database.Int32Value(int32(x))
	case uint16:
		return database.Int32Value(int32(x))
	case uint32:
		return database.Int64Value(int64(x))
	case uint64:
		if x > math.MaxInt64 {
			return database.TextValue(strconv.FormatUint(x, 10))
		}
		return database.Int64Value(int64(x))
	case float32:
		return database.FloatValue(x)
	case float64:
		return database.DoubleValue(x)
	case string:
		return database.TextValue(x)
	case []byte:
		return database.BlobValue(x)
	case time.Time:
		return database.TimestampValue(x)
	}
	return database.TextValue(fmt.Sprint(v))
}

// arrowType maps an information_schema data_type onto a column. Tags are
// dictionary-encoded strings.
func arrowType(name, dataType string) database.Column {
	col := database.Column{Name: name, Role: database.RoleField}
	switch {
	case strings.HasPrefix(dataType, "Timestamp"):
		col.Type = database.TypeTimestamp
		if name == timeColumn {
			col.Role = database.RoleTime
		}
	case strings.HasPrefix(dataType, "Dictionary"):
		col.Type, col.Role = database.TypeText, database.RoleTag
	case dataType == "Int64" || dataType == "UInt64":
		col.Type = database.TypeInt64
	case dataType == "Int32":
		col.Type = database.TypeInt32
	case dataType == "Float64":
		col.Type = database.TypeDouble
	case dataType == "Float32":
		col.Type = database.TypeFloat
	case dataType == "Boolean":
		col.Type = database.TypeBoolean
	case dataType == "Binary" || dataType == "LargeBinary":
		col.Type = database.TypeBlob
	default:
		col.Type = database.TypeText
	}
	return col
}
