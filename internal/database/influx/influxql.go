package influx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/errs"
)

// Response is the JSON body of an InfluxQL /query call.
type Response struct {
	Results []Result `json:"results"`
	Error   string   `json:"error,omitempty"`
}

// Result is one statement's outcome.
type Result struct {
	StatementID int       `json:"statement_id"`
	Series      []Series  `json:"series,omitempty"`
	Messages    []Message `json:"messages,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Series is one measurement/tag-set group of rows.
type Series struct {
	Name    string            `json:"name"`
	Tags    map[string]string `json:"tags,omitempty"`
	Columns []string          `json:"columns"`
	Values  [][]any           `json:"values"`
	Partial bool              `json:"partial,omitempty"`
}

// Message is a server notice attached to a result.
type Message struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// DecodeInfluxQL turns a /query response body into a Dataset. Queries must
// be sent with epoch=ns so that times arrive as integers; RFC3339 strings are
// accepted too. Rows of every series of every statement are concatenated;
// GROUP BY tags become tag columns.
func DecodeInfluxQL(body []byte, start time.Time) (*database.Dataset, error) {
	var resp Response
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return nil, errs.Wrap(errs.ErrKindInternal, "decode InfluxQL response", err)
	}
	if resp.Error != "" {
		return nil, errs.New(errs.ErrKindQuery, resp.Error)
	}

	t := NewTable()
	for _, res := range resp.Results {
		if res.Error != "" {
			return nil, errs.Newf(errs.ErrKindQuery, "statement %d: %s", res.StatementID, res.Error)
		}
		for _, m := range res.Messages {
			t.ds.Warn(m.Level + ": " + m.Text)
		}
		for _, s := range res.Series {
			if err := t.addSeries(&s); err != nil {
				return nil, err
			}
		}
	}
	return t.Finish(start), nil
}

func (t *Table) addSeries(s *Series) error {
	cols := make([]int, len(s.Columns))
	for i, name := range s.Columns {
		role := database.RoleField
		typ := database.TypeNull
		if name == "time" {
			role, typ = database.RoleTime, database.TypeTimestamp
		}
		cols[i] = t.Column(name, typ, role)
	}

	tagKeys := make([]string, 0, len(s.Tags))
	for k := range s.Tags {
		tagKeys = append(tagKeys, k)
	}
	sort.Strings(tagKeys)
	tagCols := make([]int, len(tagKeys))
	for i, k := range tagKeys {
		tagCols[i] = t.Column(k, database.TypeText, database.RoleTag)
	}

	for _, raw := range s.Values {
		if len(raw) != len(s.Columns) {
			return errs.Newf(errs.ErrKindInternal, "series %q: row has %d values for %d columns", s.Name, len(raw), len(s.Columns))
		}
		row := make(map[int]database.Value, len(raw)+len(tagCols))
		for i, v := range raw {
			val, err := jsonValue(v, s.Columns[i] == "time")
			if err != nil {
				return errs.Wrap(errs.ErrKindInternal, fmt.Sprintf("series %q column %q", s.Name, s.Columns[i]), err)
			}
			row[cols[i]] = val
		}
		for i, k := range tagKeys {
			row[tagCols[i]] = database.TextValue(s.Tags[k])
		}
		t.Append(row)
	}
	if s.Partial {
		t.ds.Warn(fmt.Sprintf("series %q is partial; the server truncated the result", s.Name))
	}
	return nil
}

func jsonValue(v any, isTime bool) (database.Value, error) {
	switch x := v.(type) {
	case nil:
		return database.NullValue(), nil
	case bool:
		return database.BoolValue(x), nil
	case string:
		if isTime {
			ts, err := time.Parse(time.RFC3339Nano, x)
			if err != nil {
				return database.Value{}, err
			}
			return database.TimestampValue(ts), nil
		}
		return database.TextValue(x), nil
	case json.Number:
		if isTime {
			n, err := x.Int64()
			if err != nil {
				return database.Value{}, err
			}
			return database.TimestampValue(time.Unix(0, n)), nil
		}
		if !strings.ContainsAny(string(x), ".eE") {
			if n, err := x.Int64(); err == nil {
				return database.Int64Value(n), nil
			}
		}
		f, err := x.Float64()
		if err != nil {
			return database.Value{}, err
		}
		return database.DoubleValue(f), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return database.Value{}, err
	}
	return database.TextValue(string(b)), nil
}
