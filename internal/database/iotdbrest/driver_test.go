package iotdbrest

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
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

// fakeREST imitates the IoTDB REST API v2 service.
type fakeREST struct {
	mu      sync.Mutex
	sql     []string
	inserts []insertRecordsRequest
	delay   time.Duration
}

func (f *fakeREST) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, status{Code: 200, Message: "SUCCESS_STATUS"})
	})
	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				user, pass, ok := r.BasicAuth()
				if !ok || user != "root" || pass != "root" {
					writeJSON(w, http.StatusUnauthorized, status{Code: 801, Message: "WRONG_LOGIN_PASSWORD"})
					return
				}
				next.ServeHTTP(w, r)
			})
		})
		r.Post("/rest/v2/query", f.query)
		r.Post("/rest/v2/insertRecords", f.insert)
	})
	return r
}

func (f *fakeREST) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	f.sql = append(f.sql, req.SQL)
	delay := f.delay
	f.mu.Unlock()

	switch req.SQL {
	case "SHOW VERSION":
		writeJSON(w, http.StatusOK, queryResponse{ColumnNames: []string{"Version", "BuildInfo"}, Values: [][]any{{"1.3.2"}, {"abc"}}})
	case "SHOW DATABASES":
		writeJSON(w, http.StatusOK, queryResponse{ColumnNames: []string{"Database", "TTL"}, Values: [][]any{{"root.sg"}, {nil}}})
	case "SHOW DEVICES root.sg.**":
		writeJSON(w, http.StatusOK, queryResponse{ColumnNames: []string{"Device", "IsAligned"}, Values: [][]any{{"root.sg.d1"}, {"false"}}})
	case "SHOW TIMESERIES root.sg.d1.*":
		writeJSON(w, http.StatusOK, queryResponse{
			ColumnNames: []string{"Timeseries", "Alias", "Database", "DataType"},
			Values:      [][]any{{"root.sg.d1.s1", "root.sg.d1.s2"}, {nil, nil}, {"root.sg", "root.sg"}, {"DOUBLE", "INT32"}},
		})
	case "select s1, s2 from root.sg.d1":
		time.Sleep(delay)
		writeJSON(w, http.StatusOK, queryResponse{
			Expressions: []string{"root.sg.d1.s1", "root.sg.d1.s2"},
			Timestamps:  []int64{1000, 2000},
			Values:      [][]any{{1.5, 2}, {7, nil}},
		})
	default:
		writeJSON(w, http.StatusBadRequest, status{Code: 700, Message: "line 1:0 mismatched input"})
	}
}

func (f *fakeREST) insert(w http.ResponseWriter, r *http.Request) {
	var req insertRecordsRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	f.inserts = append(f.inserts, req)
	f.mu.Unlock()
	for _, d := range req.Devices {
		if d == "root.sg.readonly" {
			writeJSON(w, http.StatusOK, status{Code: 507, Message: "database is read-only"})
			return
		}
	}
	writeJSON(w, http.StatusOK, status{Code: 200, Message: "SUCCESS_STATUS"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func newDriver(t *testing.T, f *fakeREST, password string) *Driver {
	t.Helper()
	return newDriverTimeout(t, f, password, 2*time.Second)
}

func newDriverTimeout(t *testing.T, f *fakeREST, password string, timeout time.Duration) *Driver {
	t.Helper()
	srv := httptest.NewServer(f.router())
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)

	caps := database.NewServerCapability(database.CapabilitySpec{
		Family:  database.FamilyIoTDB,
		Version: version.New(1, 3, 2),
		Features: map[database.Feature]bool{
			database.FeatureSQL:            true,
			database.FeatureAdminOps:       true,
			database.FeatureNewScalarTypes: true,
			database.FeatureRESTService:    true,
		},
		Protocols: []database.Protocol{database.ProtocolThrift, database.ProtocolREST},
		Extra:     map[string]string{database.ExtraTimestampPrecision: "ms"},
	})
	return New(&database.DriverConfig{
		ID:       "iotdb-rest",
		Family:   database.FamilyIoTDB,
		Host:     host,
		Port:     6667,
		Username: "root",
		Password: password,
		Database: "sg",
		Timeout:  timeout,
		Extra: map[string]string{
			database.ParamProtocol:  "rest",
			database.ParamRESTPort:  port,
			database.ParamBatchSize: "1",
		},
	}, caps, nil)
}

func connected(t *testing.T, f *fakeREST) *Driver {
	t.Helper()
	d := newDriver(t, f, "root")
	require.NoError(t, d.Connect(context.Background()))
	return d
}

func TestDriver_Connect(t *testing.T) {
	d := newDriver(t, &fakeREST{}, "root")
	_, err := d.Query(context.Background(), "select s1 from root.sg.d1", database.QueryOptions{})
	assert.True(t, errs.IsConnection(err))

	require.NoError(t, d.Connect(context.Background()))
	assert.Equal(t, database.StateConnected, d.State())

	bad := newDriver(t, &fakeREST{}, "wrong")
	err = bad.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsAuthentication(err))
}

func TestDriver_Query(t *testing.T) {
	d := connected(t, &fakeREST{})

	ds, err := d.Query(context.Background(), "select s1, s2 from root.sg.d1", database.QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, ds.RowCount)
	assert.Equal(t, "Time", ds.Columns[0].Name)
	assert.True(t, time.UnixMilli(2000).Equal(ds.Rows[1][0].Time()))
	assert.Equal(t, database.TypeDouble, ds.Columns[1].Type, "1.5 then 2 stays double")
	assert.Equal(t, 2.0, ds.Rows[1][1].Float())
	assert.Equal(t, int64(7), ds.Rows[0][2].Int())
	assert.True(t, ds.Rows[1][2].IsNull())
}

func TestDriver_QueryTimeoutOverridesConnection(t *testing.T) {
	d := newDriverTimeout(t, &fakeREST{delay: 700 * time.Millisecond}, "root", 300*time.Millisecond)
	require.NoError(t, d.Connect(context.Background()))

	ds, err := d.Query(context.Background(), "select s1, s2 from root.sg.d1", database.QueryOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 2, ds.RowCount)

	_, err = d.Query(context.Background(), "select s1, s2 from root.sg.d1", database.QueryOptions{})
	require.Error(t, err)
	assert.True(t, errs.IsTimeout(err))
}

func TestDriver_QueryErrors(t *testing.T) {
	d := connected(t, &fakeREST{})

	_, err := d.Query(context.Background(), "selec oops", database.QueryOptions{})
	require.Error(t, err)
	assert.True(t, errs.IsQuery(err))
	assert.Contains(t, err.Error(), "mismatched input")

	_, err = d.Query(context.Background(), "SHOW TABLES", database.QueryOptions{})
	assert.True(t, errs.IsUnsupported(err))
}

func TestDriver_Write(t *testing.T) {
	f := &fakeREST{}
	d := connected(t, f)

	payload := "cpu,host=a usage=1.5,up=true 1000000000\nreadonly v=1i 2000000000\nbad\n"
	n, err := d.Write(context.Background(), []byte(payload), "")
	assert.Equal(t, 1, n)

	var we *errs.WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "root.sg", we.Target)
	require.Len(t, we.Lines, 1)
	assert.Equal(t, 3, we.Lines[0].Line)
	require.Len(t, we.Chunks, 1)
	assert.Equal(t, 1, we.Chunks[0].Index)
	assert.True(t, errs.IsWrite(we.Chunks[0].Cause))
	assert.Contains(t, we.Chunks[0].Cause.Error(), "read-only")

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.inserts, 2)
	first := f.inserts[0]
	assert.Equal(t, []string{"root.sg.cpu.a"}, first.Devices)
	assert.Equal(t, []int64{1000}, first.Timestamps)
	assert.Equal(t, [][]string{{"usage", "up"}}, first.MeasurementsList)
	assert.Equal(t, [][]string{{"DOUBLE", "BOOLEAN"}}, first.DataTypesList)
}

func TestDriver_Schema(t *testing.T) {
	d := connected(t, &fakeREST{})
	ctx := context.Background()

	dbs, err := d.ListDatabases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"root.sg"}, dbs)

	schema, err := d.DescribeSchema(ctx, "")
	require.NoError(t, err)
	require.Len(t, schema.Measurements, 1)
	assert.Equal(t, []database.Column{
		{Name: "Time", Type: database.TypeTimestamp, Role: database.RoleTime},
		{Name: "s1", Type: database.TypeDouble, Role: database.RoleField},
		{Name: "s2", Type: database.TypeInt32, Role: database.RoleField},
	}, schema.Measurements[0].Columns)
}

func TestDriver_Health(t *testing.T) {
	d := connected(t, &fakeREST{})
	assert.Equal(t, database.Healthy, d.Health(context.Background()).Status)
}

func TestDecode_ShowStatement(t *testing.T) {
	body := []byte(`{"expressions":null,"column_names":["Database","TTL"],"timestamps":null,"values":[["root.a","root.b"],[null,3600000]]}`)
	ds, err := decode(body, time.Millisecond, time.Now())
	require.NoError(t, err)
	require.Equal(t, 2, ds.RowCount)
	assert.Equal(t, database.RoleOther, ds.Columns[0].Role)
	assert.Equal(t, database.TypeInt64, ds.Columns[1].Type)
	assert.Equal(t, []string{"root.a", "root.b"}, ds.Strings(0))
}
