package iotdbrest

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/database/influx"
	"github.com/koustreak/tsgate/internal/errs"
)

// queryRequest is the body of /rest/v2/query and /rest/v2/nonQuery.
type queryRequest struct {
	SQL      string `json:"sql"`
	RowLimit int    `json:"row_limit,omitempty"`
}

// queryResponse is column-major: values[i] holds every row of column i.
// Data queries fill expressions and timestamps; SHOW statements fill
// column_names.
type queryResponse struct {
	Expressions []string `json:"expressions"`
	ColumnNames []string `json:"column_names"`
	Timestamps  []int64  `json:"timestamps"`
	Values      [][]any  `json:"values"`
}

// status is the body of /ping, non-query calls and every error response.
type status struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

type insertRecordsRequest struct {
	Timestamps       []int64    `json:"timestamps"`
	MeasurementsList [][]string `json:"measurements_list"`
	DataTypesList    [][]string `json:"data_types_list"`
	ValuesList       [][]any    `json:"values_list"`
	IsAligned        bool       `json:"is_aligned"`
	Devices          []string   `json:"devices"`
}

// decode turns a query response into a Dataset. JSON carries no column
// types, so they are taken from the values as they arrive.
func decode(body []byte, unit time.Duration, start time.Time) (*database.Dataset, error) {
	var resp queryResponse
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return nil, errs.Wrap(errs.ErrKindInternal, "decode REST query response", err)
	}

	t := influx.NewTable()
	names := resp.ColumnNames
	timed := len(resp.Expressions) > 0 || resp.Timestamps != nil
	if len(resp.Expressions) > 0 {
		names = resp.Expressions
	}

	var timeCol int
	if timed {
		timeCol = t.Column("Time", database.TypeTimestamp, database.RoleTime)
	}
	cols := make([]int, len(names))
	for i, n := range names {
		role := database.RoleOther
		if timed {
			role = database.RoleField
		}
		cols[i] = t.Column(n, database.TypeNull, role)
	}

	rows := len(resp.Timestamps)
	if !timed && len(resp.Values) > 0 {
		rows = len(resp.Values[0])
	}
	for r := 0; r < rows; r++ {
		row := make(map[int]database.Value, len(cols)+1)
		if timed {
			row[timeCol] = database.TimestampValue(time.Unix(0, resp.Timestamps[r]*int64(unit)))
		}
		for i, c := range cols {
			if i >= len(resp.Values) || r >= len(resp.Values[i]) {
				continue
			}
			row[c] = jsonValue(resp.Values[i][r])
		}
		t.Append(row)
	}
	return t.Finish(start), nil
}

func jsonValue(v any) database.Value {
	switch x := v.(type) {
	case nil:
		return database.NullValue()
	case bool:
		return database.BoolValue(x)
	case string:
		return database.TextValue(x)
	case json.Number:
		if !strings.ContainsAny(string(x), ".eE") {
			if n, err := x.Int64(); err == nil {
				return database.Int64Value(n)
			}
		}
		if f, err := x.Float64(); err == nil {
			return database.DoubleValue(f)
		}
		return database.TextValue(string(x))
	}
	b, _ := json.Marshal(v)
	return database.TextValue(string(b))
}
