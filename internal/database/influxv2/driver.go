// Package influxv2 implements the InfluxDB 2.x driver. Flux runs on
// /api/v2/query, InfluxQL through the 1.x compatibility API when the server
// exposes it, and writes go to /api/v2/write against an org and bucket.
package influxv2

import (
	"context"
	"net/http"
	"strconv"
	"strings"
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

// bucketPageSize is the page size used when listing buckets.
const bucketPageSize = 100

// Driver talks to one InfluxDB 2.x server with token auth.
type Driver struct {
	database.Lifecycle

	cfg    *database.DriverConfig
	caps   *database.ServerCapability
	mapper *typemap.Mapper
	log    *logger.Logger
	http   *httpx.Client
}

// New builds a driver. No I/O happens until Connect.
func New(cfg *database.DriverConfig, caps *database.ServerCapability, log *logger.Logger) *Driver {
	if log == nil {
		log = logger.Nop()
	}
	cfg = cfg.Clone()
	log = log.ForDriver(string(database.KindInfluxV2))
	return &Driver{
		cfg:    cfg,
		caps:   caps,
		mapper: typemap.New(caps),
		log:    log,
		http:   httpx.New(cfg, httpx.WithLogger(log)),
	}
}

func (d *Driver) Kind() database.Kind                      { return database.KindInfluxV2 }
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
	d.log.DebugWith("connected", map[string]interface{}{"address": d.cfg.Address(), "org": d.org()})
	return nil
}

func (d *Driver) Disconnect(ctx context.Context) error {
	if d.BeginDisconnect() {
		d.http.CloseIdle()
	}
	return nil
}

func (d *Driver) org() string { return d.cfg.Param(database.ParamOrg, "") }

// bucket resolves the target bucket: explicit name, then the bucket
// parameter, then the configured database.
func (d *Driver) bucket(name string) string {
	if name != "" {
		return name
	}
	return d.cfg.Param(database.ParamBucket, d.cfg.Database)
}

// influxql runs stmt on the compatibility endpoint; callers check the
// capability first.
func (d *Driver) influxql(ctx context.Context, bucket, stmt string) (*database.Dataset, error) {
	ctx, cancel := database.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	return influx.QueryInfluxQL(ctx, d.http, d.bucket(bucket), d.cfg.Param(database.ParamRetentionPolicy, ""), stmt)
}

func (d *Driver) flux(ctx context.Context, script string) (*database.Dataset, error) {
	ctx, cancel := database.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	return influx.QueryFlux(ctx, d.http, d.org(), script)
}

// Query runs Flux natively. Anything else is sent as InfluxQL to the
// compatibility endpoint, which must have been detected.
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
		ds, err = influx.QueryFlux(ctx, d.http, d.org(), text)
	} else {
		if !d.caps.Has(database.FeatureV1Compatibility) {
			return nil, errs.WithOp(errs.Unsupported(string(database.FeatureV1Compatibility)), "query")
		}
		ds, err = influx.QueryInfluxQL(ctx, d.http, d.bucket(opts.Database), d.cfg.Param(database.ParamRetentionPolicy, ""), text)
	}
	if err != nil {
		return nil, errs.WithOp(err, "query")
	}
	return d.mapper.DowngradeDataset(ds), nil
}

// Write posts line protocol to /api/v2/write for the target bucket.
func (d *Driver) Write(ctx context.Context, payload []byte, target string) (int, error) {
	if err := d.Require("write"); err != nil {
		return 0, err
	}
	target = d.bucket(target)
	if target == "" {
		return 0, &errs.Error{Kind: errs.ErrKindConfiguration, Op: "write", Message: "write target (bucket) required"}
	}
	prec, err := points.ParsePrecision(d.cfg.Param(database.ParamPrecision, ""))
	if err != nil {
		return 0, errs.WithOp(err, "write")
	}
	params := map[string]string{"bucket": target, "precision": string(prec)}
	if org := d.org(); org != "" {
		params["org"] = org
	}

	return points.Deliver(ctx, payload, target, d.cfg.BatchSize(), func(ctx context.Context, chunk []points.Point) error {
		body, err := points.Encode(chunk, prec)
		if err != nil {
			return err
		}
		ctx, cancel := database.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
		return influx.PostLines(ctx, d.http, "/api/v2/write", params, body)
	})
}

type healthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Version string `json:"version"`
}

// Health reads /health. A "fail" status is unhealthy; a version different
// from the detected one is degraded.
func (d *Driver) Health(ctx context.Context) database.Health {
	start := time.Now()
	h := database.Health{Version: d.caps.Version().String()}

	ctx, cancel := database.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	var body healthResponse
	_, err := d.http.Do(d.http.R(ctx).SetResult(&body), http.MethodGet, "/health", "health")
	h.Latency = time.Since(start)
	switch {
	case err != nil:
		h.Status, h.Message = database.Unhealthy, err.Error()
	case body.Status != "" && body.Status != "pass":
		h.Status, h.Message = database.Unhealthy, "server reports "+body.Status+": "+body.Message
	default:
		h.Status = database.Healthy
		if v, err := version.Parse(body.Version); err == nil && v.Compare(d.caps.Version()) != 0 {
			h.Status = database.Degraded
			h.Message = "server now reports version " + body.Version + "; re-detect the connection"
		}
	}
	return h
}

type bucketList struct {
	Buckets []struct {
		Name string `json:"name"`
	} `json:"buckets"`
}

// ListDatabases lists bucket names through the buckets API.
func (d *Driver) ListDatabases(ctx context.Context) ([]string, error) {
	if err := d.Require("list databases"); err != nil {
		return nil, err
	}
	ctx, cancel := database.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	var names []string
	for offset := 0; ; offset += bucketPageSize {
		var page bucketList
		req := d.http.R(ctx).
			SetQueryParam("limit", strconv.Itoa(bucketPageSize)).
			SetQueryParam("offset", strconv.Itoa(offset)).
			SetResult(&page)
		if org := d.org(); org != "" {
			req.SetQueryParam("org", org)
		}
		if _, err := d.http.Do(req, http.MethodGet, "/api/v2/buckets", "list databases"); err != nil {
			return nil, err
		}
		for _, b := range page.Buckets {
			names = append(names, b.Name)
		}
		if len(page.Buckets) < bucketPageSize {
			return names, nil
		}
	}
}

// ListMeasurements uses SHOW MEASUREMENTS when the compatibility API is
// there and the Flux schema package otherwise.
func (d *Driver) ListMeasurements(ctx context.Context, bucket string) ([]string, error) {
	if err := d.Require("list measurements"); err != nil {
		return nil, err
	}
	bucket = d.bucket(bucket)
	if d.caps.Has(database.FeatureV1Compatibility) {
		return influx.ListMeasurements(ctx, d.influxql, bucket)
	}
	if bucket == "" {
		return nil, &errs.Error{Kind: errs.ErrKindConfiguration, Op: "list measurements", Message: "bucket required"}
	}
	return d.fluxValues(ctx, "schema.measurements(bucket: "+fluxString(bucket)+")", "list measurements")
}

func (d *Driver) DescribeMeasurement(ctx context.Context, bucket, measurement string) (*database.MeasurementSchema, error) {
	bucket = d.bucket(bucket)
	if d.caps.Has(database.FeatureV1Compatibility) {
		return influx.DescribeMeasurement(ctx, d.influxql, bucket, measurement)
	}

	args := "bucket: " + fluxString(bucket) + ", measurement: " + fluxString(measurement)
	tags, err := d.fluxValues(ctx, "schema.measurementTagKeys("+args+")", "describe schema")
	if err != nil {
		return nil, err
	}
	fields, err := d.fluxValues(ctx, "schema.measurementFieldKeys("+args+")", "describe schema")
	if err != nil {
		return nil, err
	}

	ms := &database.MeasurementSchema{
		Name:    measurement,
		Columns: []database.Column{{Name: "time", Type: database.TypeTimestamp, Role: database.RoleTime}},
	}
	for _, k := range tags {
		if strings.HasPrefix(k, "_") {
			continue
		}
		ms.Columns = append(ms.Columns, database.Column{Name: k, Type: database.TypeText, Role: database.RoleTag})
	}
	// the Flux schema package does not report field types
	for _, k := range fields {
		ms.Columns = append(ms.Columns, database.Column{Name: k, Type: database.TypeText, Role: database.RoleField})
	}
	return ms, nil
}

func (d *Driver) DescribeSchema(ctx context.Context, bucket string) (*database.Schema, error) {
	if err := d.Require("describe schema"); err != nil {
		return nil, err
	}
	return database.InspectSchema(ctx, d, d.bucket(bucket))
}

// fluxValues runs a schema package call and returns its _value column.
func (d *Driver) fluxValues(ctx context.Context, call, op string) ([]string, error) {
	ds, err := d.flux(ctx, "import \"influxdata/influxdb/schema\"\n"+call)
	if err != nil {
		return nil, errs.WithOp(err, op)
	}
	i := ds.ColumnIndex("_value")
	if i < 0 {
		return nil, nil
	}
	return ds.Strings(i), nil
}

func fluxString(s string) string {
	return strconv.Quote(s)
}
