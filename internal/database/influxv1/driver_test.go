package influxv1

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/errs"
	"github.com/koustreak/tsgate/internal/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInflux answers the handful of 1.x endpoints the driver uses.
type fakeInflux struct {
	mu      sync.Mutex
	version string
	writes  []url.Values
	bodies  []string
	queries []url.Values
	delay   time.Duration
}

func (f *fakeInflux) routes(r chi.Router) {
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		v := f.version
		f.mu.Unlock()
		w.Header().Set("X-Influxdb-Version", v)
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/query", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("u") != "admin" || r.URL.Query().Get("p") != "secret" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authorization failed"})
			return
		}
		_ = r.ParseForm()
		f.mu.Lock()
		f.queries = append(f.queries, r.Form)
		delay := f.delay
		f.mu.Unlock()
		time.Sleep(delay)
		writeJSON(w, http.StatusOK, answer(r.Form.Get("q")))
	})
	r.Post("/write", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.writes = append(f.writes, r.URL.Query())
		f.bodies = append(f.bodies, string(body))
		f.mu.Unlock()
		if strings.Contains(string(body), "readonly") {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "partial write: field type conflict"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/api/v2/query", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		_, _ = io.WriteString(w, "#datatype,string,long,dateTime:RFC3339,double\n#group,false,false,false,false\n#default,_result,,,\n,result,table,_time,_value\n,,0,2024-01-01T00:00:00Z,4.5\n")
	})
}

func answer(q string) map[string]any {
	series := func(name string, cols []string, vals ...[]any) map[string]any {
		return map[string]any{"results": []any{map[string]any{
			"statement_id": 0,
			"series":       []any{map[string]any{"name": name, "columns": cols, "values": vals}},
		}}}
	}
	switch q {
	case "SHOW DATABASES":
		return series("databases", []string{"name"}, []any{"_internal"}, []any{"telegraf"})
	case "SHOW MEASUREMENTS":
		return series("measurements", []string{"name"}, []any{"cpu"}, []any{"mem"})
	case `SHOW TAG KEYS FROM "cpu"`:
		return series("cpu", []string{"tagKey"}, []any{"host"})
	case `SHOW FIELD KEYS FROM "cpu"`:
		return series("cpu", []string{"fieldKey", "fieldType"}, []any{"usage", "float"}, []any{"count", "integer"})
	case `SHOW TAG KEYS FROM "mem"`, `SHOW FIELD KEYS FROM "mem"`:
		return map[string]any{"results": []any{map[string]any{"statement_id": 0}}}
	case "SELECT * FROM nope":
		return map[string]any{"results": []any{map[string]any{"statement_id": 0, "error": "measurement not found"}}}
	}
	return series("cpu", []string{"time", "usage"}, []any{1000000000, 1.5}, []any{2000000000, 2.5})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func capsFor(v string, features ...database.Feature) *database.ServerCapability {
	set := map[database.Feature]bool{database.FeatureInfluxQL: true, database.FeatureDelete: true}
	for _, f := range features {
		set[f] = true
	}
	return database.NewServerCapability(database.CapabilitySpec{
		Family:    database.FamilyInfluxDB,
		Version:   version.ParseOrUnknown(v),
		Features:  set,
		Protocols: []database.Protocol{database.ProtocolHTTP},
	})
}

func newDriver(t *testing.T, f *fakeInflux, caps *database.ServerCapability) *Driver {
	t.Helper()
	return newDriverTimeout(t, f, caps, 2*time.Second)
}

func newDriverTimeout(t *testing.T, f *fakeInflux, caps *database.ServerCapability, timeout time.Duration) *Driver {
	t.Helper()
	r := chi.NewRouter()
	f.routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	cfg := &database.DriverConfig{
		ID:       "influx1",
		Family:   database.FamilyInfluxDB,
		Host:     host,
		Port:     p,
		Username: "admin",
		Password: "secret",
		Database: "telegraf",
		Timeout:  timeout,
		Extra:    map[string]string{database.ParamBatchSize: "2"},
	}
	return New(cfg, caps, nil)
}

func connected(t *testing.T, f *fakeInflux, caps *database.ServerCapability) *Driver {
	t.Helper()
	d := newDriver(t, f, caps)
	require.NoError(t, d.Connect(context.Background()))
	t.Cleanup(func() { _ = d.Disconnect(context.Background()) })
	return d
}

func TestDriver_RequiresConnect(t *testing.T) {
	d := newDriver(t, &fakeInflux{version: "1.8.10"}, capsFor("1.8.10"))
	assert.Equal(t, database.StateUnconnected, d.State())

	_, err := d.Query(context.Background(), "SELECT * FROM cpu", database.QueryOptions{})
	assert.True(t, errs.IsConnection(err))
	_, err = d.Write(context.Background(), []byte("cpu v=1"), "")
	assert.True(t, errs.IsConnection(err))

	require.NoError(t, d.Connect(context.Background()))
	require.NoError(t, d.Connect(context.Background()))
	assert.Equal(t, database.StateConnected, d.State())
	require.NoError(t, d.Disconnect(context.Background()))
	require.NoError(t, d.Disconnect(context.Background()))
	assert.Equal(t, database.StateClosed, d.State())
}

func TestDriver_QueryInfluxQL(t *testing.T) {
	f := &fakeInflux{version: "1.8.10"}
	d := connected(t, f, capsFor("1.8.10"))

	ds, err := d.Query(context.Background(), "SELECT usage FROM cpu", database.QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, ds.RowCount)
	assert.Equal(t, database.RoleTime, ds.Columns[0].Role)
	assert.Equal(t, database.TypeDouble, ds.Columns[1].Type)
	assert.True(t, time.Unix(2, 0).Equal(ds.Rows[1][0].Time()))

	_, err = d.Query(context.Background(), "SELECT * FROM cpu", database.QueryOptions{Database: "other"})
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.queries, 2)
	assert.Equal(t, "telegraf", f.queries[0].Get("db"))
	assert.Equal(t, "ns", f.queries[0].Get("epoch"))
	assert.Equal(t, "other", f.queries[1].Get("db"))
}

func TestDriver_QueryTimeoutOverridesConnection(t *testing.T) {
	f := &fakeInflux{version: "1.8.10", delay: 700 * time.Millisecond}
	d := newDriverTimeout(t, f, capsFor("1.8.10"), 300*time.Millisecond)
	require.NoError(t, d.Connect(context.Background()))
	t.Cleanup(func() { _ = d.Disconnect(context.Background()) })

	ds, err := d.Query(context.Background(), "SELECT usage FROM cpu", database.QueryOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 2, ds.RowCount)

	_, err = d.Query(context.Background(), "SELECT usage FROM cpu", database.QueryOptions{})
	require.Error(t, err)
	assert.True(t, errs.IsTimeout(err))
}

func TestDriver_QueryError(t *testing.T) {
	d := connected(t, &fakeInflux{version: "1.8.10"}, capsFor("1.8.10"))

	_, err := d.Query(context.Background(), "SELECT * FROM nope", database.QueryOptions{})
	require.Error(t, err)
	assert.True(t, errs.IsQuery(err))
	assert.Contains(t, err.Error(), "measurement not found")
}

func TestDriver_Flux(t *testing.T) {
	script := `from(bucket: "telegraf") |> range(start: -1h)`

	d := connected(t, &fakeInflux{version: "1.6.4"}, capsFor("1.6.4"))
	_, err := d.Query(context.Background(), script, database.QueryOptions{})
	assert.True(t, errs.IsUnsupported(err))

	d = connected(t, &fakeInflux{version: "1.8.10"}, capsFor("1.8.10", database.FeatureFlux))
	ds, err := d.Query(context.Background(), script, database.QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, ds.RowCount)
	assert.Equal(t, 4.5, ds.Rows[0][1].Float())
}

func TestDriver_Write(t *testing.T) {
	f := &fakeInflux{version: "1.8.10"}
	d := connected(t, f, capsFor("1.8.10"))

	payload := "cpu,host=a usage=1 1000\nbroken line\ncpu,host=b usage=2 2000\nmem free=3i 3000\n"
	n, err := d.Write(context.Background(), []byte(payload), "")
	assert.Equal(t, 3, n)

	var we *errs.WriteError
	require.ErrorAs(t, err, &we)
	require.Len(t, we.Lines, 1)
	assert.Equal(t, 2, we.Lines[0].Line)
	assert.Empty(t, we.Chunks)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.writes, 2, "three points in chunks of two")
	assert.Equal(t, "telegraf", f.writes[0].Get("db"))
	assert.Equal(t, "n", f.writes[0].Get("precision"))
	assert.Contains(t, f.bodies[0], "cpu,host=a usage=1 1000")
}

func TestDriver_WriteChunkRejected(t *testing.T) {
	d := connected(t, &fakeInflux{version: "1.8.10"}, capsFor("1.8.10"))

	payload := "cpu v=1 1\ncpu v=2 2\nreadonly v=3 3\n"
	n, err := d.Write(context.Background(), []byte(payload), "metrics")
	assert.Equal(t, 2, n)

	var we *errs.WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "metrics", we.Target)
	require.Len(t, we.Chunks, 1)
	assert.Equal(t, 1, we.Chunks[0].Index)
	assert.True(t, errs.IsWrite(we.Chunks[0].Cause))
}

func TestDriver_Schema(t *testing.T) {
	d := connected(t, &fakeInflux{version: "1.8.10"}, capsFor("1.8.10"))
	ctx := context.Background()

	dbs, err := d.ListDatabases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"_internal", "telegraf"}, dbs)

	ms, err := d.ListMeasurements(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"cpu", "mem"}, ms)

	schema, err := d.DescribeSchema(ctx, "")
	require.NoError(t, err)
	require.Len(t, schema.Measurements, 2)
	cpu := schema.Measurements[0]
	assert.Equal(t, "cpu", cpu.Name)
	assert.Equal(t, []database.Column{
		{Name: "time", Type: database.TypeTimestamp, Role: database.RoleTime},
		{Name: "host", Type: database.TypeText, Role: database.RoleTag},
		{Name: "usage", Type: database.TypeDouble, Role: database.RoleField},
		{Name: "count", Type: database.TypeInt64, Role: database.RoleField},
	}, cpu.Columns)
	assert.Len(t, schema.Measurements[1].Columns, 1)
}

func TestDriver_Health(t *testing.T) {
	f := &fakeInflux{version: "1.8.10"}
	d := connected(t, f, capsFor("1.8.10"))

	h := d.Health(context.Background())
	assert.Equal(t, database.Healthy, h.Status)
	assert.Equal(t, "1.8.10", h.Version)

	f.mu.Lock()
	f.version = "1.11.0"
	f.mu.Unlock()
	h = d.Health(context.Background())
	assert.Equal(t, database.Degraded, h.Status)
	assert.Contains(t, h.Message, "1.11.0")
}
