// Package iotdbrest implements the IoTDB driver over the REST API v2
// service. It is chosen with extra.protocol=rest when the server runs the
// REST service; queries are tree-model SQL, writes go to insertRecords.
package iotdbrest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/database/iotdb"
	"github.com/koustreak/tsgate/internal/dialect"
	"github.com/koustreak/tsgate/internal/errs"
	"github.com/koustreak/tsgate/internal/logger"
	"github.com/koustreak/tsgate/internal/points"
	"github.com/koustreak/tsgate/internal/transport/httpx"
	"github.com/koustreak/tsgate/internal/typemap"
)

// DefaultRowLimit caps the rows one REST query returns.
const DefaultRowLimit = 10000

const codeSuccess = 200

// Driver talks to the IoTDB REST service with basic auth.
type Driver struct {
	database.Lifecycle

	cfg    *database.DriverConfig
	caps   *database.ServerCapability
	mapper *typemap.Mapper
	log    *logger.Logger
	http   *httpx.Client
	unit   time.Duration
}

// New builds a driver against the REST port. No I/O happens until Connect.
func New(cfg *database.DriverConfig, caps *database.ServerCapability, log *logger.Logger) *Driver {
	if log == nil {
		log = logger.Nop()
	}
	cfg = cfg.Clone()
	log = log.ForDriver(string(database.KindIoTDBREST))

	port := cfg.IntParam(database.ParamRESTPort, database.DefaultIoTDBRESTPort)
	base := cfg.Scheme() + "://" + cfg.AddressFor(port)
	prec, _ := caps.Extra(database.ExtraTimestampPrecision)
	return &Driver{
		cfg:    cfg,
		caps:   caps,
		mapper: typemap.New(caps),
		log:    log,
		http:   httpx.New(cfg, httpx.WithAuth(httpx.AuthBasic), httpx.WithBaseURL(base), httpx.WithLogger(log)),
		unit:   iotdb.PrecisionUnit(prec),
	}
}

func (d *Driver) Kind() database.Kind                      { return database.KindIoTDBREST }
func (d *Driver) Capabilities() *database.ServerCapability { return d.caps }

// Connect pings the REST service and checks the credentials with a cheap
// statement, since /ping is unauthenticated.
func (d *Driver) Connect(ctx context.Context) error {
	ok, err := d.BeginConnect()
	if !ok {
		return err
	}
	ctx, cancel := database.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	if err := d.ping(ctx, "connect"); err != nil {
		return err
	}
	resp, err := d.post(ctx, "/rest/v2/query", queryRequest{SQL: "SHOW VERSION"}, "connect", errs.ErrKindConnection)
	if err != nil {
		return err
	}
	if err := checkBody(resp.Body(), "connect", errs.ErrKindConnection); err != nil {
		return err
	}
	d.Set(database.StateConnected)
	d.log.DebugWith("connected", map[string]interface{}{"address": d.http.BaseURL()})
	return nil
}

func (d *Driver) Disconnect(ctx context.Context) error {
	if d.BeginDisconnect() {
		d.http.CloseIdle()
	}
	return nil
}

func (d *Driver) ping(ctx context.Context, op string) error {
	resp, err := d.http.Get(ctx, "/ping", op)
	if err != nil {
		return err
	}
	return checkBody(resp.Body(), op, errs.ErrKindConnection)
}

// post sends body as JSON. IoTDB reports failures as {code, message}, both
// with non-2xx statuses and, for some statements, inside a 200.
func (d *Driver) post(ctx context.Context, path string, body any, op string, fallback errs.ErrKind) (*resty.Response, error) {
	req := d.http.R(ctx).SetHeader("Content-Type", "application/json").SetBody(body)
	resp, err := d.http.Do(req, http.MethodPost, path, op)
	if err != nil {
		var e *errs.Error
		if resp != nil && errors.As(err, &e) && e.Kind != errs.ErrKindAuthentication && e.Kind != errs.ErrKindConnection {
			if serr := checkBody(resp.Body(), op, fallback); serr != nil {
				return nil, serr
			}
		}
		return nil, err
	}
	return resp, nil
}

// checkBody inspects a {code, message} body. Bodies of another shape pass.
func checkBody(body []byte, op string, fallback errs.ErrKind) error {
	var st status
	if err := json.Unmarshal(body, &st); err != nil || st.Code == 0 || st.Code == codeSuccess {
		return nil
	}
	return iotdb.CheckStatus(&iotdb.Status{Code: st.Code, Message: st.Message}, false, op, fallback)
}

// exec runs one statement through /rest/v2/query.
func (d *Driver) exec(ctx context.Context, op, stmt string) (*database.Dataset, error) {
	return d.execTimeout(ctx, op, stmt, d.cfg.Timeout)
}

func (d *Driver) execTimeout(ctx context.Context, op, stmt string, timeout time.Duration) (*database.Dataset, error) {
	if err := d.Require(op); err != nil {
		return nil, err
	}
	ctx, cancel := database.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := d.post(ctx, "/rest/v2/query", queryRequest{SQL: stmt, RowLimit: d.cfg.IntParam(database.ParamFetchSize, DefaultRowLimit)}, op, errs.ErrKindQuery)
	if err != nil {
		return nil, err
	}
	if err := checkBody(resp.Body(), op, errs.ErrKindQuery); err != nil {
		return nil, err
	}
	return decode(resp.Body(), d.unit, start)
}

// Query runs tree-model SQL. The REST API v2 has no table-model endpoint.
func (d *Driver) Query(ctx context.Context, text string, opts database.QueryOptions) (*database.Dataset, error) {
	if dialect.ResolveFor(database.FamilyIoTDB, text) == dialect.IoTDBTable {
		return nil, errs.WithOp(errs.Unsupported(string(database.FeatureTableModel)), "query")
	}
	ds, err := d.execTimeout(ctx, "query", text, database.ResolveTimeout(opts, d.cfg.Timeout))
	if err != nil {
		return nil, err
	}
	return d.mapper.DowngradeDataset(ds), nil
}

// Write maps line protocol onto insertRecords the same way the RPC driver
// does: one device per measurement and tag values.
func (d *Driver) Write(ctx context.Context, payload []byte, target string) (int, error) {
	if err := d.Require("write"); err != nil {
		return 0, err
	}
	target = iotdb.StorageGroup(target, d.cfg.Database)
	if target == "" {
		return 0, &errs.Error{Kind: errs.ErrKindConfiguration, Op: "write", Message: "write target (database) required"}
	}
	prec, err := points.ParsePrecision(d.cfg.Param(database.ParamPrecision, ""))
	if err != nil {
		return 0, errs.WithOp(err, "write")
	}

	return points.Deliver(ctx, payload, target, d.cfg.BatchSize(), func(ctx context.Context, chunk []points.Point) error {
		req := d.records(chunk, target, prec, time.Now())
		ctx, cancel := database.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
		resp, err := d.post(ctx, "/rest/v2/insertRecords", req, "write", errs.ErrKindWrite)
		if err != nil {
			return errs.WithOp(writeKind(err), "write")
		}
		return checkBody(resp.Body(), "write", errs.ErrKindWrite)
	})
}

func (d *Driver) records(chunk []points.Point, target string, prec points.Precision, now time.Time) *insertRecordsRequest {
	req := &insertRecordsRequest{
		Timestamps:       make([]int64, 0, len(chunk)),
		MeasurementsList: make([][]string, 0, len(chunk)),
		DataTypesList:    make([][]string, 0, len(chunk)),
		ValuesList:       make([][]any, 0, len(chunk)),
		Devices:          make([]string, 0, len(chunk)),
	}
	for i := range chunk {
		p := &chunk[i]
		var names, types []string
		var vals []any
		for _, f := range p.Fields {
			if f.Value.IsNull() {
				continue
			}
			v := d.mapper.Downgrade(f.Value)
			names = append(names, iotdb.NodeName(f.Key))
			types = append(types, v.Type().String())
			vals = append(vals, v.Native())
		}
		ts := now
		if p.HasTimestamp {
			ts = p.Time(prec)
		}
		req.Timestamps = append(req.Timestamps, ts.UnixNano()/int64(d.unit))
		req.MeasurementsList = append(req.MeasurementsList, names)
		req.DataTypesList = append(req.DataTypesList, types)
		req.ValuesList = append(req.ValuesList, vals)
		req.Devices = append(req.Devices, iotdb.DevicePath(target, p))
	}
	return req
}

// writeKind turns HTTP-level rejections of a write into Write errors.
func writeKind(err error) error {
	var e *errs.Error
	if errors.As(err, &e) && (e.Kind == errs.ErrKindQuery || e.Kind == errs.ErrKindNotFound) {
		cp := *e
		cp.Kind = errs.ErrKindWrite
		return &cp
	}
	return err
}

// Health pings the service.
func (d *Driver) Health(ctx context.Context) database.Health {
	start := time.Now()
	h := database.Health{Version: d.caps.Version().String()}

	ctx, cancel := database.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	err := d.ping(ctx, "health")
	h.Latency = time.Since(start)
	if err != nil {
		h.Status, h.Message = database.Unhealthy, err.Error()
		return h
	}
	h.Status = database.Healthy
	return h
}

func (d *Driver) ListDatabases(ctx context.Context) ([]string, error) {
	return iotdb.ListDatabases(ctx, d.exec, d.caps)
}

func (d *Driver) ListMeasurements(ctx context.Context, db string) ([]string, error) {
	return iotdb.ListDevices(ctx, d.exec, iotdb.StorageGroup(db, d.cfg.Database))
}

func (d *Driver) DescribeMeasurement(ctx context.Context, db, device string) (*database.MeasurementSchema, error) {
	return iotdb.DescribeDevice(ctx, d.exec, d.mapper, device)
}

func (d *Driver) DescribeSchema(ctx context.Context, db string) (*database.Schema, error) {
	if err := d.Require("describe schema"); err != nil {
		return nil, err
	}
	return database.InspectSchema(ctx, d, iotdb.StorageGroup(db, d.cfg.Database))
}
