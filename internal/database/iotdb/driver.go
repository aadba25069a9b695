// Package iotdb implements the IoTDB driver over the native framed binary
// RPC protocol. One Driver owns one session; the pool multiplies drivers.
package iotdb

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/dialect"
	"github.com/koustreak/tsgate/internal/errs"
	"github.com/koustreak/tsgate/internal/logger"
	"github.com/koustreak/tsgate/internal/points"
	"github.com/koustreak/tsgate/internal/transport/rpc"
	"github.com/koustreak/tsgate/internal/typemap"
	"github.com/koustreak/tsgate/internal/version"
)

// Driver is an IoTDB session behind the database.Driver contract.
type Driver struct {
	database.Lifecycle

	cfg    *database.DriverConfig
	caps   *database.ServerCapability
	mapper *typemap.Mapper
	log    *logger.Logger

	mu   sync.Mutex // serialises use of sess
	sess *Session
}

// New builds a driver. It performs no I/O; call Connect.
func New(cfg *database.DriverConfig, caps *database.ServerCapability, log *logger.Logger) *Driver {
	if log == nil {
		log = logger.Nop()
	}
	return &Driver{
		cfg:    cfg.Clone(),
		caps:   caps,
		mapper: typemap.New(caps),
		log:    log.ForDriver(string(database.KindIoTDB)),
	}
}

func (d *Driver) Kind() database.Kind                      { return database.KindIoTDB }
func (d *Driver) Capabilities() *database.ServerCapability { return d.caps }

// SessionConfigFor derives the session parameters for cfg. Detection and
// the driver share it so both open identical sessions.
func SessionConfigFor(cfg *database.DriverConfig, caps *database.ServerCapability) SessionConfig {
	sc := SessionConfig{
		Addr:      cfg.Address(),
		Username:  cfg.Username,
		Password:  cfg.Password,
		ZoneID:    cfg.Param(database.ParamZoneID, DefaultZoneID),
		FetchSize: int32(cfg.IntParam(database.ParamFetchSize, DefaultFetchSize)),
		Dial:      rpc.Config{ConnectTimeout: cfg.Timeout},
		Unit:      time.Millisecond,
	}
	if cfg.SSL {
		sc.Dial.TLS = &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	}
	if caps == nil {
		return sc
	}
	if p, ok := caps.Extra(database.ExtraTimestampPrecision); ok {
		sc.Unit = PrecisionUnit(p)
	}
	sc.Legacy = !caps.Has(database.FeatureTsBlock) && !caps.Version().IsUnknown()
	if caps.SupportsTableModel() {
		sc.SQLDialect = cfg.Param(database.ParamSQLDialect, "tree")
		if sc.SQLDialect == "table" {
			sc.Database = cfg.Database
		}
	}
	return sc
}

// Connect opens the session. Calling it on a connected driver is a no-op.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ok, err := d.BeginConnect()
	if !ok {
		return err
	}

	ctx, cancel := database.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	sess, err := OpenSession(ctx, SessionConfigFor(d.cfg, d.caps))
	if err != nil {
		return mapError(err, "connect")
	}
	d.sess = sess
	d.Set(database.StateAuthenticated)
	d.log.DebugWith("session opened", map[string]interface{}{
		"address":    d.cfg.Address(),
		"session_id": sess.ID(),
	})
	return nil
}

// Disconnect closes the session on a best-effort basis. Failures are
// logged, not returned.
func (d *Driver) Disconnect(ctx context.Context) error {
	if !d.BeginDisconnect() {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sess == nil {
		return nil
	}
	if err := d.sess.Close(ctx); err != nil {
		d.log.WarnWith("close session failed", err, map[string]interface{}{"session_id": d.sess.ID()})
	}
	d.sess = nil
	return nil
}

// Broken reports whether the session stream was interrupted. The pool
// discards broken drivers.
func (d *Driver) Broken() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sess != nil && d.sess.Broken()
}

func (d *Driver) session(op string) (*Session, error) {
	if err := d.Require(op); err != nil {
		return nil, err
	}
	if d.sess == nil {
		return nil, database.ErrNotConnected(op)
	}
	return d.sess, nil
}

// Query runs text as a tree-model statement, or a table-model one on
// servers that have it.
func (d *Driver) Query(ctx context.Context, text string, opts database.QueryOptions) (*database.Dataset, error) {
	if dialect.ResolveFor(database.FamilyIoTDB, text) == dialect.IoTDBTable && !d.caps.SupportsTableModel() {
		return nil, errs.WithOp(errs.Unsupported(string(database.FeatureTableModel)), "query")
	}

	timeout := database.ResolveTimeout(opts, d.cfg.Timeout)
	ds, err := d.execute(ctx, "query", text, timeout)
	if err != nil {
		return nil, err
	}
	return d.mapper.DowngradeDataset(ds), nil
}

func (d *Driver) execute(ctx context.Context, op, stmt string, timeout time.Duration) (*database.Dataset, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sess, err := d.session(op)
	if err != nil {
		return nil, err
	}
	ctx, cancel := database.WithTimeout(ctx, timeout)
	defer cancel()

	ds, err := sess.Execute(ctx, stmt, timeout)
	if err != nil {
		return nil, mapError(err, op)
	}
	return ds, nil
}

// Write maps line protocol onto insertRecords: target is the storage group
// (database), each point becomes one row of the device
// target.measurement[.tagvalue...].
func (d *Driver) Write(ctx context.Context, payload []byte, target string) (int, error) {
	if err := d.Require("write"); err != nil {
		return 0, err
	}
	target = StorageGroup(target, d.cfg.Database)
	if target == "" {
		return 0, &errs.Error{Kind: errs.ErrKindConfiguration, Op: "write", Message: "write target (database) required"}
	}
	prec, err := points.ParsePrecision(d.cfg.Param(database.ParamPrecision, ""))
	if err != nil {
		return 0, errs.WithOp(err, "write")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	sess, err := d.session("write")
	if err != nil {
		return 0, err
	}
	unit := sess.cfg.Unit

	return points.Deliver(ctx, payload, target, d.cfg.BatchSize(), func(ctx context.Context, chunk []points.Point) error {
		req, err := recordsFor(chunk, target, d.mapper, prec, unit, time.Now())
		if err != nil {
			return errs.Wrap(errs.ErrKindWrite, "encode records", err)
		}
		ctx, cancel := database.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
		return mapError(sess.InsertRecords(ctx, req), "write")
	})
}

// Health runs SHOW VERSION.
func (d *Driver) Health(ctx context.Context) database.Health {
	start := time.Now()
	h := database.Health{Version: d.caps.Version().String()}

	ds, err := d.execute(ctx, "health", "SHOW VERSION", d.cfg.Timeout)
	h.Latency = time.Since(start)
	if err != nil {
		h.Status = database.Unhealthy
		h.Message = err.Error()
		return h
	}
	h.Status = database.Healthy
	if vs := ds.Strings(0); len(vs) > 0 {
		if v, err := version.Parse(vs[0]); err == nil && v.Compare(d.caps.Version()) != 0 {
			h.Status = database.Degraded
			h.Message = "server now reports version " + vs[0] + "; re-detect the connection"
		}
	}
	return h
}

// exec adapts execute for the shared schema helpers.
func (d *Driver) exec(ctx context.Context, op, stmt string) (*database.Dataset, error) {
	return d.execute(ctx, op, stmt, d.cfg.Timeout)
}

func (d *Driver) ListDatabases(ctx context.Context) ([]string, error) {
	return ListDatabases(ctx, d.exec, d.caps)
}

func (d *Driver) ListMeasurements(ctx context.Context, db string) ([]string, error) {
	return ListDevices(ctx, d.exec, StorageGroup(db, d.cfg.Database))
}

func (d *Driver) DescribeMeasurement(ctx context.Context, db, device string) (*database.MeasurementSchema, error) {
	return DescribeDevice(ctx, d.exec, d.mapper, device)
}

// DescribeSchema describes every device of db.
func (d *Driver) DescribeSchema(ctx context.Context, db string) (*database.Schema, error) {
	return database.InspectSchema(ctx, d, StorageGroup(db, d.cfg.Database))
}
