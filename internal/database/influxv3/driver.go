// Package influxv3 implements the InfluxDB 3 driver. SQL and InfluxQL run
// over Arrow Flight through the influxdb3-go client; line protocol is
// written over HTTP.
package influxv3

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"
	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/dialect"
	"github.com/koustreak/tsgate/internal/errs"
	"github.com/koustreak/tsgate/internal/logger"
	"github.com/koustreak/tsgate/internal/points"
	"github.com/koustreak/tsgate/internal/transport/httpx"
	"github.com/koustreak/tsgate/internal/typemap"
	"github.com/koustreak/tsgate/internal/version"
)

// Driver talks to one InfluxDB 3 server.
type Driver struct {
	database.Lifecycle

	cfg    *database.DriverConfig
	caps   *database.ServerCapability
	mapper *typemap.Mapper
	log    *logger.Logger
	http   *httpx.Client

	mu      sync.Mutex
	backend backend
	dial    func(*database.DriverConfig) (backend, error)
}

// New builds a driver. The Flight client is created by Connect.
func New(cfg *database.DriverConfig, caps *database.ServerCapability, log *logger.Logger) *Driver {
	if log == nil {
		log = logger.Nop()
	}
	cfg = cfg.Clone()
	log = log.ForDriver(string(database.KindInfluxV3))
	return &Driver{
		cfg:    cfg,
		caps:   caps,
		mapper: typemap.New(caps),
		log:    log,
		http:   httpx.New(cfg, httpx.WithLogger(log)),
		dial: func(cfg *database.DriverConfig) (backend, error) {
			return newSDKBackend(cfg)
		},
	}
}

func (d *Driver) Kind() database.Kind                      { return database.KindInfluxV3 }
func (d *Driver) Capabilities() *database.ServerCapability { return d.caps }

// Connect pings the HTTP API and builds the Flight client.
func (d *Driver) Connect(ctx context.Context) error {
	ok, err := d.BeginConnect()
	if !ok {
		return err
	}
	ctx, cancel := database.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	if _, err := d.http.Get(ctx, "/ping", "connect"); err != nil {
		return err
	}
	b, err := d.dial(d.cfg)
	if err != nil {
		return &errs.Error{Kind: errs.ErrKindConfiguration, Op: "connect", Message: "create InfluxDB 3 client", Cause: err}
	}

	d.mu.Lock()
	d.backend = b
	d.mu.Unlock()
	d.Set(database.StateConnected)
	d.log.DebugWith("connected", map[string]interface{}{"address": d.cfg.Address(), "flight": flightAddress(d.cfg)})
	return nil
}

// Disconnect closes the client. Close errors are logged.
func (d *Driver) Disconnect(ctx context.Context) error {
	if !d.BeginDisconnect() {
		return nil
	}
	d.mu.Lock()
	b := d.backend
	d.backend = nil
	d.mu.Unlock()
	if b != nil {
		if err := b.close(); err != nil {
			d.log.WarnWith("close client", err, nil)
		}
	}
	d.http.CloseIdle()
	return nil
}

func (d *Driver) client() backend {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backend
}

func (d *Driver) dbName(db string) string {
	if db != "" {
		return db
	}
	return d.cfg.Database
}

// Query runs SQL or InfluxQL. Flux is not available on InfluxDB 3.
func (d *Driver) Query(ctx context.Context, text string, opts database.QueryOptions) (*database.Dataset, error) {
	if err := d.Require("query"); err != nil {
		return nil, err
	}

	var qt influxdb3.QueryType
	switch dialect.ResolveFor(database.FamilyInfluxDB, text) {
	case dialect.Flux:
		return nil, errs.WithOp(errs.Unsupported(string(database.FeatureFlux)), "query")
	case dialect.SQL:
		qt = influxdb3.SQL
	default:
		if !d.caps.SupportsInfluxQL() {
			return nil, errs.WithOp(errs.Unsupported(string(database.FeatureInfluxQL)), "query")
		}
		qt = influxdb3.InfluxQL
	}

	db := d.dbName(opts.Database)
	if db == "" {
		return nil, &errs.Error{Kind: errs.ErrKindConfiguration, Op: "query", Message: "database required"}
	}
	ctx, cancel := database.WithTimeout(ctx, database.ResolveTimeout(opts, d.cfg.Timeout))
	defer cancel()

	ds, err := d.run(ctx, db, text, qt)
	if err != nil {
		return nil, mapError(err, "query")
	}
	return d.mapper.DowngradeDataset(ds), nil
}

func (d *Driver) run(ctx context.Context, db, text string, qt influxdb3.QueryType) (*database.Dataset, error) {
	start := time.Now()
	it, err := d.client().query(ctx, db, text, qt)
	if err != nil {
		return nil, err
	}
	return collect(it, start)
}

// Write sends line protocol to the target database.
func (d *Driver) Write(ctx context.Context, payload []byte, target string) (int, error) {
	if err := d.Require("write"); err != nil {
		return 0, err
	}
	target = d.dbName(target)
	if target == "" {
		return 0, &errs.Error{Kind: errs.ErrKindConfiguration, Op: "write", Message: "write target (database) required"}
	}
	prec, err := points.ParsePrecision(d.cfg.Param(database.ParamPrecision, ""))
	if err != nil {
		return 0, errs.WithOp(err, "write")
	}

	b := d.client()
	return points.Deliver(ctx, payload, target, d.cfg.BatchSize(), func(ctx context.Context, chunk []points.Point) error {
		body, err := points.Encode(chunk, prec)
		if err != nil {
			return err
		}
		ctx, cancel := database.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
		return mapError(b.write(ctx, target, body, prec.LineProtocol()), "write")
	})
}

// Health pings the server and compares the version it reports.
func (d *Driver) Health(ctx context.Context) database.Health {
	start := time.Now()
	h := database.Health{Version: d.caps.Version().String()}

	ctx, cancel := database.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	resp, err := d.http.Get(ctx, "/ping", "health")
	h.Latency = time.Since(start)
	if err != nil {
		h.Status, h.Message = database.Unhealthy, err.Error()
		return h
	}
	h.Status = database.Healthy

	raw := resp.Header().Get("X-Influxdb-Version")
	if raw == "" {
		var body struct {
			Version string `json:"version"`
		}
		if json.Unmarshal(resp.Body(), &body) == nil {
			raw = body.Version
		}
	}
	if v, err := version.Parse(raw); err == nil && v.Compare(d.caps.Version()) != 0 {
		h.Status = database.Degraded
		h.Message = "server now reports version " + raw + "; re-detect the connection"
	}
	return h
}

// ListDatabases reads the database configuration API.
func (d *Driver) ListDatabases(ctx context.Context) ([]string, error) {
	if err := d.Require("list databases"); err != nil {
		return nil, err
	}
	ctx, cancel := database.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	var out []map[string]string
	req := d.http.R(ctx).SetQueryParam("format", "json").SetResult(&out)
	if _, err := d.http.Do(req, http.MethodGet, "/api/v3/configure/database", "list databases"); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(out))
	for _, row := range out {
		if n := row["iox::database"]; n != "" {
			names = append(names, n)
		}
	}
	return names, nil
}

// ListMeasurements lists the tables of db from information_schema.
func (d *Driver) ListMeasurements(ctx context.Context, db string) ([]string, error) {
	if err := d.Require("list measurements"); err != nil {
		return nil, err
	}
	q, err := database.Select("information_schema.tables", database.QuoteDouble).
		Columns("table_name").
		Where("table_schema", "=", "iox").
		OrderBy("table_name", database.Asc).
		Build()
	if err != nil {
		return nil, err
	}
	ds, err := d.introspect(ctx, db, q, "list measurements")
	if err != nil {
		return nil, err
	}
	return ds.Strings(0), nil
}

// DescribeMeasurement reads column names and Arrow types from
// information_schema.
func (d *Driver) DescribeMeasurement(ctx context.Context, db, measurement string) (*database.MeasurementSchema, error) {
	q, err := database.Select("information_schema.columns", database.QuoteDouble).
		Columns("column_name", "data_type").
		Where("table_schema", "=", "iox").
		Where("table_name", "=", measurement).
		Build()
	if err != nil {
		return nil, err
	}
	ds, err := d.introspect(ctx, db, q, "describe schema")
	if err != nil {
		return nil, err
	}

	ms := &database.MeasurementSchema{Name: measurement}
	nameCol, typeCol := ds.ColumnIndex("column_name"), ds.ColumnIndex("data_type")
	if nameCol < 0 || typeCol < 0 {
		return ms, nil
	}
	for _, row := range ds.Rows {
		col := arrowType(row[nameCol].String(), row[typeCol].String())
		if col.Role == database.RoleTime {
			ms.Columns = append([]database.Column{col}, ms.Columns...)
			continue
		}
		ms.Columns = append(ms.Columns, col)
	}
	return ms, nil
}

func (d *Driver) DescribeSchema(ctx context.Context, db string) (*database.Schema, error) {
	if err := d.Require("describe schema"); err != nil {
		return nil, err
	}
	return database.InspectSchema(ctx, d, d.dbName(db))
}

func (d *Driver) introspect(ctx context.Context, db, q, op string) (*database.Dataset, error) {
	db = d.dbName(db)
	if strings.TrimSpace(db) == "" {
		return nil, &errs.Error{Kind: errs.ErrKindConfiguration, Op: op, Message: "database required"}
	}
	ctx, cancel := database.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	ds, err := d.run(ctx, db, q, influxdb3.SQL)
	if err != nil {
		return nil, mapError(err, op)
	}
	return ds, nil
}
