// Package influxv1 implements the InfluxDB 1.x driver over the HTTP API:
// InfluxQL on /query, line protocol on /write and, on 1.7+ servers with
// Flux enabled, Flux on /api/v2/query.
package influxv1

import (
	"context"
	"time"

	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/database/influx"
	"github.com/koustreak/tsgate/internal/dialect"
	"github.com/koustreak/tsgate/internal/errs"
	"github.com/koustreak/tsgate/internal/logger"
	"github.com/koustreak/tsgate/internal/points"
	"github.com/koustreak/tsgate/internal/transport/httpx"
	"github.com/koustreak/tsgate/internal/typemap"
	"github.com/koustreak/tsgate/internal/version"
)

// Driver talks to one InfluxDB 1.x server. HTTP is stateless, so the
// driver is safe for concurrent use once connected.
type Driver struct {
	database.Lifecycle

	cfg    *database.DriverConfig
	caps   *database.ServerCapability
	mapper *typemap.Mapper
	log    *logger.Logger
	http   *httpx.Client
}

// New builds a driver. Credentials travel as u/p query parameters unless a
// token is configured. No I/O happens until Connect.
func New(cfg *database.DriverConfig, caps *database.ServerCapability, log *logger.Logger) *Driver {
	if log == nil {
		log = logger.Nop()
	}
	cfg = cfg.Clone()
	log = log.ForDriver(string(database.KindInfluxV1))

	opts := []httpx.Option{httpx.WithLogger(log)}
	if cfg.Token == "" {
		opts = append(opts, httpx.WithAuth(httpx.AuthQuery))
	}
	return &Driver{
		cfg:    cfg,
		caps:   caps,
		mapper: typemap.New(caps),
		log:    log,
		http:   httpx.New(cfg, opts...),
	}
}

func (d *Driver) Kind() database.Kind                      { return database.KindInfluxV1 }
func (d *Driver) Capabilities() *database.ServerCapability { return d.caps }

// Connect pings the server.
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
	d.Set(database.StateConnected)
	d.log.DebugWith("connected", map[string]interface{}{"address": d.cfg.Address()})
	return nil
}

// Disconnect drops idle keep-alive connections.
func (d *Driver) Disconnect(ctx context.Context) error {
	if d.BeginDisconnect() {
		d.http.CloseIdle()
	}
	return nil
}

func (d *Driver) dbName(db string) string {
	if db != "" {
		return db
	}
	return d.cfg.Database
}

// influxql runs one InfluxQL statement.
func (d *Driver) influxql(ctx context.Context, db, stmt string) (*database.Dataset, error) {
	ctx, cancel := database.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	return influx.QueryInfluxQL(ctx, d.http, d.dbName(db), d.cfg.Param(database.ParamRetentionPolicy, ""), stmt)
}

// Query runs Flux scripts on the Flux endpoint and everything else as
// InfluxQL; a bare SELECT reads the same in both languages.
func (d *Driver) Query(ctx context.Context, text string, opts database.QueryOptions) (*database.Dataset, error) {
	if err := d.Require("query"); err != nil {
		return nil, err
	}
	ctx, cancel := database.WithTimeout(ctx, database.ResolveTimeout(opts, d.cfg.Timeout))
	defer cancel()

	var (
		ds  *database.Dataset
		err error
	)
	if dialect.ResolveFor(database.FamilyInfluxDB, text) == dialect.Flux {
		if !d.caps.SupportsFlux() {
			return nil, errs.WithOp(errs.Unsupported(string(database.FeatureFlux)), "query")
		}
		ds, err = influx.QueryFlux(ctx, d.http, "", text)
	} else {
		ds, err = influx.QueryInfluxQL(ctx, d.http, d.dbName(opts.Database), d.cfg.Param(database.ParamRetentionPolicy, ""), text)
	}
	if err != nil {
		return nil, errs.WithOp(err, "query")
	}
	return d.mapper.DowngradeDataset(ds), nil
}

// Write posts line protocol to /write?db=target.
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
	params := map[string]string{"db": target, "precision": influx.V1Precision(prec)}
	if rp := d.cfg.Param(database.ParamRetentionPolicy, ""); rp != "" {
		params["rp"] = rp
	}

	return points.Deliver(ctx, payload, target, d.cfg.BatchSize(), func(ctx context.Context, chunk []points.Point) error {
		body, err := points.Encode(chunk, prec)
		if err != nil {
			return err
		}
		ctx, cancel := database.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
		return influx.PostLines(ctx, d.http, "/write", params, body)
	})
}

// Health pings the server and compares the reported version.
func (d *Driver) Health(ctx context.Context) database.Health {
	start := time.Now()
	h := database.Health{Version: d.caps.Version().String()}

	ctx, cancel := database.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	resp, err := d.http.Get(ctx, "/ping", "health")
	h.Latency = time.Since(start)
	if err != nil {
		h.Status = database.Unhealthy
		h.Message = err.Error()
		return h
	}
	h.Status = database.Healthy
	if raw := resp.Header().Get("X-Influxdb-Version"); raw != "" {
		if v, err := version.Parse(raw); err == nil && v.Compare(d.caps.Version()) != 0 {
			h.Status = database.Degraded
			h.Message = "server now reports version " + raw + "; re-detect the connection"
		}
	}
	return h
}

func (d *Driver) ListDatabases(ctx context.Context) ([]string, error) {
	if err := d.Require("list databases"); err != nil {
		return nil, err
	}
	return influx.ListDatabases(ctx, d.influxql)
}

func (d *Driver) ListMeasurements(ctx context.Context, db string) ([]string, error) {
	if err := d.Require("list measurements"); err != nil {
		return nil, err
	}
	return influx.ListMeasurements(ctx, d.influxql, d.dbName(db))
}

func (d *Driver) DescribeMeasurement(ctx context.Context, db, measurement string) (*database.MeasurementSchema, error) {
	return influx.DescribeMeasurement(ctx, d.influxql, d.dbName(db), measurement)
}

func (d *Driver) DescribeSchema(ctx context.Context, db string) (*database.Schema, error) {
	if err := d.Require("describe schema"); err != nil {
		return nil, err
	}
	return database.InspectSchema(ctx, d, d.dbName(db))
}
