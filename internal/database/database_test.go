package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/koustreak/tsgate/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectBuilder(t *testing.T) {
	q, err := Select("information_schema.columns", QuoteDouble).
		Columns("column_name", "data_type").
		Where("table_name", "=", "cpu'load").
		OrderBy("column_name", Asc).
		Limit(10).
		Build()
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT "column_name", "data_type" FROM "information_schema"."columns" WHERE "table_name" = 'cpu''load' ORDER BY "column_name" ASC LIMIT 10`,
		q)

	_, err = Select("t", QuoteBacktick).Where("a", "; DROP", 1).Build()
	assert.True(t, errs.IsConfiguration(err))
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, "`a``b`", QuoteIdent("a`b", QuoteBacktick))
	assert.Equal(t, `"a""b"`, QuoteIdent(`a"b`, QuoteDouble))
}

func TestLifecycle(t *testing.T) {
	var l Lifecycle
	assert.Equal(t, StateUnconnected, l.State())

	err := l.Require("query")
	require.Error(t, err)
	assert.True(t, errs.IsConnection(err))
	assert.Contains(t, err.Error(), "not connected")

	assert.False(t, l.BeginDisconnect(), "disconnect before connect is a no-op")
	assert.Equal(t, StateUnconnected, l.State())

	work, err := l.BeginConnect()
	require.NoError(t, err)
	assert.True(t, work)
	l.Set(StateAuthenticated)
	assert.NoError(t, l.Require("query"))

	work, err = l.BeginConnect()
	require.NoError(t, err)
	assert.False(t, work, "second connect is idempotent")

	assert.True(t, l.BeginDisconnect())
	assert.False(t, l.BeginDisconnect())
	assert.Contains(t, l.Require("write").Error(), "closed")

	_, err = l.BeginConnect()
	assert.True(t, errs.IsConnection(err))
}

func TestValue(t *testing.T) {
	ts := time.Date(2024, 3, 1, 15, 4, 5, 0, time.FixedZone("x", 3600))

	assert.Equal(t, int32(7), Int32Value(7).Native())
	assert.Equal(t, "0x0aff", BlobValue([]byte{0x0a, 0xff}).String())
	assert.Equal(t, "2024-03-01", DateValue(ts).String())
	assert.True(t, TimestampValue(ts).Time().Equal(ts))
	assert.True(t, NullValue().IsNull())
	assert.True(t, DoubleValue(1.5).Equal(DoubleValue(1.5)))
	assert.False(t, Int32Value(1).Equal(Int64Value(1)))

	b, err := json.Marshal([]Value{BoolValue(true), Int64Value(3), TextValue("x"), NullValue()})
	require.NoError(t, err)
	assert.JSONEq(t, `[true, 3, "x", null]`, string(b))
}

func TestParseDataType(t *testing.T) {
	for _, dt := range AllTypes {
		got, ok := ParseDataType(dt.String())
		require.True(t, ok, dt.String())
		assert.Equal(t, dt, got)
	}
	_, ok := ParseDataType("VECTOR")
	assert.False(t, ok)
}

func TestDataset(t *testing.T) {
	ds := NewDataset(Column{Name: "time", Type: TypeTimestamp, Role: RoleTime})
	ds.AppendRow([]Value{TimestampValue(time.Unix(1, 0))})
	idx := ds.AddColumn(Column{Name: "usage", Type: TypeDouble, Role: RoleField})
	assert.Equal(t, 1, idx)
	assert.True(t, ds.Rows[0][1].IsNull())

	ds.AppendRow([]Value{TimestampValue(time.Unix(2, 0)), DoubleValue(0.5), TextValue("dropped")})
	assert.Len(t, ds.Rows[1], 2)

	ds.Warn("lossy")
	ds.Warn("lossy")
	assert.Equal(t, []string{"lossy"}, ds.Warnings)

	ds.Finish(time.Now())
	assert.Equal(t, 2, ds.RowCount)
	assert.Equal(t, 0.5, ds.Maps()[1]["usage"])
}

func TestDriverConfig(t *testing.T) {
	cfg := &DriverConfig{Family: FamilyIoTDB, Host: "db", Extra: map[string]string{ParamBatchSize: "100"}}
	require.NoError(t, cfg.Validate())

	d := cfg.WithDefaults()
	assert.Equal(t, DefaultIoTDBPort, d.Port)
	assert.Equal(t, DefaultTimeout, d.Timeout)
	assert.Equal(t, 100, d.BatchSize())
	assert.Equal(t, "http://db:6667", d.BaseURL())

	d.Extra[ParamBatchSize] = "1"
	assert.Equal(t, "100", cfg.Extra[ParamBatchSize], "clone must not share Extra")

	bad := []*DriverConfig{
		nil,
		{Family: "postgres", Host: "x"},
		{Family: FamilyInfluxDB},
		{Family: FamilyInfluxDB, Host: "x", Port: 70000},
		{Family: FamilyInfluxDB, Host: "x", Extra: map[string]string{ParamBatchSize: "zero"}},
		{Family: FamilyIoTDB, Host: "x", Extra: map[string]string{ParamProtocol: "grpc"}},
	}
	for _, c := range bad {
		assert.True(t, errs.IsConfiguration(c.Validate()))
	}
}

func TestIsBroken(t *testing.T) {
	assert.False(t, IsBroken(nil))
	assert.False(t, IsBroken(errs.New(errs.ErrKindQuery, "syntax")))
	assert.True(t, IsBroken(errs.Wrap(errs.ErrKindTimeout, "slow", context.DeadlineExceeded)))
	assert.True(t, IsBroken(&errs.WriteError{Chunks: []errs.ChunkError{{Cause: errs.New(errs.ErrKindConnection, "reset")}}}))
	assert.False(t, IsBroken(&errs.WriteError{Lines: []errs.LineError{{Line: 1, Message: "bad"}}}))
	assert.True(t, IsBroken(errors.Join(errors.New("x"), context.Canceled)))
}

func TestIsBroken_LaterChunk(t *testing.T) {
	we := &errs.WriteError{Chunks: []errs.ChunkError{
		{Index: 0, Cause: errs.New(errs.ErrKindWrite, "field type conflict")},
		{Index: 1, Cause: errs.New(errs.ErrKindTimeout, "HTTP 504")},
	}}
	assert.True(t, IsBroken(we))
	assert.True(t, IsBroken(fmt.Errorf("write: %w", we)))

	rejected := &errs.WriteError{Chunks: []errs.ChunkError{
		{Index: 0, Cause: errs.New(errs.ErrKindWrite, "field type conflict")},
		{Index: 1, Cause: errs.New(errs.ErrKindQuery, "bad request")},
	}}
	assert.False(t, IsBroken(rejected))
}

type fakeIntrospector struct {
	measurements []string
	fail         string
}

func (f *fakeIntrospector) ListMeasurements(context.Context, string) ([]string, error) {
	return f.measurements, nil
}

func (f *fakeIntrospector) DescribeMeasurement(_ context.Context, _, m string) (*MeasurementSchema, error) {
	if m == f.fail {
		return nil, errs.New(errs.ErrKindQuery, "boom")
	}
	return &MeasurementSchema{Name: m, Columns: []Column{
		{Name: "time", Type: TypeTimestamp, Role: RoleTime},
		{Name: "host", Type: TypeText, Role: RoleTag},
		{Name: "usage", Type: TypeDouble, Role: RoleField},
	}}, nil
}

func TestInspectSchema(t *testing.T) {
	s, err := InspectSchema(context.Background(), &fakeIntrospector{measurements: []string{"cpu", "mem"}}, "telegraf")
	require.NoError(t, err)
	require.Len(t, s.Measurements, 2)
	assert.Equal(t, []string{"host"}, s.Measurements[0].Tags())
	assert.Equal(t, []string{"usage"}, s.Measurements[1].Fields())

	_, err = InspectSchema(context.Background(), &fakeIntrospector{measurements: []string{"cpu"}, fail: "cpu"}, "telegraf")
	assert.True(t, errs.IsQuery(err))
}
