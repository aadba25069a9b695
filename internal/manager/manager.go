// Package manager is the registry mapping caller-chosen connection ids to
// pooled drivers. It is the single entry point of the command surface: every
// query, write and introspection call goes through a Manager built once at
// startup and shut down on exit.
package manager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koustreak/tsgate/internal/capability"
	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/database/influxv3"
	"github.com/koustreak/tsgate/internal/dialect"
	"github.com/koustreak/tsgate/internal/errs"
	"github.com/koustreak/tsgate/internal/factory"
	"github.com/koustreak/tsgate/internal/logger"
	"github.com/koustreak/tsgate/internal/metrics"
	"github.com/koustreak/tsgate/internal/pool"
	"golang.org/x/sync/errgroup"
)

// Detector derives a capability from a live server.
type Detector interface {
	Detect(ctx context.Context, cfg *database.DriverConfig) (*database.ServerCapability, error)
}

// Builder turns a capability into an unconnected driver.
type Builder interface {
	Create(cfg *database.DriverConfig, caps *database.ServerCapability) (database.Driver, error)
}

// Options configures a Manager. Zero fields take defaults.
type Options struct {
	Logger *logger.Logger
	// Pool is the default applied to every connection.
	Pool pool.Config
	// DetectTimeout bounds each detection probe of the default detector.
	DetectTimeout time.Duration
	Detector      Detector
	Factory       Builder
	Metrics       *metrics.Metrics
}

type entry struct {
	cfg   *database.DriverConfig
	caps  *database.ServerCapability
	kind  database.Kind
	pool  *pool.Pool
	since time.Time

	mu      sync.Mutex
	lastErr string
}

func (e *entry) record(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		e.lastErr = ""
		return
	}
	e.lastErr = err.Error()
}

func (e *entry) lastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Manager is safe for concurrent use.
type Manager struct {
	log      *logger.Logger
	poolCfg  pool.Config
	detector Detector
	factory  Builder
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	conns  map[string]*entry
	closed bool
}

// New builds a Manager. The default detector confirms InfluxDB 3 Flight
// endpoints with a live probe.
func New(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	m := &Manager{
		log:      log.With().Str("component", "manager").Logger(),
		poolCfg:  opts.Pool.WithDefaults(),
		detector: opts.Detector,
		factory:  opts.Factory,
		metrics:  opts.Metrics,
		conns:    map[string]*entry{},
	}
	if m.detector == nil {
		m.detector = capability.New(capability.Options{
			Logger:       log,
			Timeout:      opts.DetectTimeout,
			FlightProber: capability.FlightProberFunc(influxv3.ProbeFlight),
		})
	}
	if m.factory == nil {
		m.factory = factory.New(log)
	}
	if m.metrics == nil {
		m.metrics = metrics.Nop()
	}
	return m
}

// Upsert registers cfg under cfg.ID. An existing connection with the same
// id is replaced and its pool closed. The first connection is opened before
// Upsert returns so bad credentials surface here.
func (m *Manager) Upsert(ctx context.Context, cfg *database.DriverConfig) (*ConnectionStatus, error) {
	if cfg == nil || cfg.ID == "" {
		return nil, errs.New(errs.ErrKindConfiguration, "connection id is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errs.WithConnection(errs.WithOp(err, "register"), cfg.ID)
	}
	if m.isClosed() {
		return nil, errShutdown(cfg.ID)
	}
	cfg = cfg.WithDefaults()

	caps, err := m.detect(ctx, cfg)
	if err != nil {
		return nil, errs.WithConnection(errs.WithOp(err, "register"), cfg.ID)
	}
	probe, err := m.factory.Create(cfg, caps)
	if err != nil {
		return nil, errs.WithConnection(errs.WithOp(err, "register"), cfg.ID)
	}

	e := &entry{cfg: cfg, caps: caps, kind: probe.Kind(), since: time.Now()}
	e.pool = pool.New(cfg.ID, m.poolCfg, m.dialer(cfg, caps), pool.Options{Logger: m.log, Observer: m.metrics})
	h, err := e.pool.Acquire(ctx)
	if err != nil {
		_ = e.pool.Close(ctx)
		return nil, errs.WithOp(err, "register")
	}
	h.Release()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = e.pool.Close(ctx)
		return nil, errShutdown(cfg.ID)
	}
	old := m.conns[cfg.ID]
	m.conns[cfg.ID] = e
	m.mu.Unlock()

	fields := map[string]interface{}{
		logger.FieldConnectionID: cfg.ID,
		logger.FieldDriver:       string(e.kind),
		"version":                caps.Version().String(),
		"address":                cfg.Address(),
	}
	m.log.Warnings("capability warning", caps.Warnings(), fields)
	if old != nil {
		if err := old.pool.Close(ctx); err != nil {
			m.log.WarnWith("closing replaced pool failed", err, fields)
		}
		m.log.InfoWith("connection replaced", fields)
	} else {
		m.log.InfoWith("connection registered", fields)
	}
	st := m.status(cfg.ID, e)
	return &st, nil
}

// dialer creates and connects one driver for the pool.
func (m *Manager) dialer(cfg *database.DriverConfig, caps *database.ServerCapability) pool.Dialer {
	return func(ctx context.Context) (database.Driver, error) {
		d, err := m.factory.Create(cfg, caps)
		if err != nil {
			return nil, err
		}
		if err := d.Connect(ctx); err != nil {
			return nil, err
		}
		return d, nil
	}
}

func (m *Manager) detect(ctx context.Context, cfg *database.DriverConfig) (*database.ServerCapability, error) {
	caps, err := m.detector.Detect(ctx, cfg)
	m.metrics.Detected(string(cfg.Family), err)
	return caps, err
}

// Remove closes and forgets a connection.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()
	if !ok {
		return errNotFound(id)
	}
	m.metrics.Forget(id)
	m.log.InfoWith("connection removed", map[string]interface{}{logger.FieldConnectionID: id})
	return errs.WithConnection(errs.WithOp(e.pool.Close(ctx), "remove"), id)
}

// Test detects, connects and health-checks cfg without registering it.
func (m *Manager) Test(ctx context.Context, cfg *database.DriverConfig) ConnectionTestResult {
	start := time.Now()
	var res ConnectionTestResult
	fail := func(err error) ConnectionTestResult {
		res.Latency = time.Since(start)
		res.Error = err.Error()
		res.ErrorKind = errs.KindOf(err).String()
		return res
	}

	if err := cfg.Validate(); err != nil {
		return fail(err)
	}
	cfg = cfg.WithDefaults()
	caps, err := m.detect(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	res.Capabilities = caps
	res.ServerVersion = caps.Version().String()

	d, err := m.factory.Create(cfg, caps)
	if err != nil {
		return fail(err)
	}
	res.Driver = d.Kind()
	if err := d.Connect(ctx); err != nil {
		return fail(err)
	}
	defer func() {
		if err := d.Disconnect(context.WithoutCancel(ctx)); err != nil {
			m.log.WarnWith("test disconnect failed", err, map[string]interface{}{"address": cfg.Address()})
		}
	}()

	h := d.Health(ctx)
	res.Health = &h
	res.Latency = time.Since(start)
	res.Success = h.Status != database.Unhealthy
	if !res.Success {
		res.Error = h.Message
	}
	return res
}

// Query runs one statement. A timeout discards the pooled connection.
func (m *Manager) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	e, err := m.get(req.ConnectionID)
	if err != nil {
		return nil, err
	}
	if req.Query == "" {
		return nil, errs.WithConnection(errs.New(errs.ErrKindConfiguration, "query text is required"), req.ConnectionID)
	}

	qid := uuid.NewString()
	start := time.Now()
	var ds *database.Dataset
	err = e.pool.With(ctx, func(d database.Driver) error {
		var err error
		ds, err = d.Query(ctx, req.Query, database.QueryOptions{Database: req.Database, Timeout: req.Timeout})
		return err
	})
	elapsed := time.Since(start)
	if err = m.finish(e, "query", err, elapsed); err != nil {
		m.log.WarnWith("query failed", err, map[string]interface{}{logger.FieldConnectionID: req.ConnectionID, "query_id": qid})
		return nil, err
	}
	m.log.DebugWith("query done", map[string]interface{}{
		logger.FieldConnectionID: req.ConnectionID,
		"query_id":               qid,
		"rows":                   ds.RowCount,
		"elapsed_ms":             elapsed.Milliseconds(),
	})
	return &QueryResult{
		QueryID:       qid,
		ConnectionID:  req.ConnectionID,
		Dialect:       dialect.ResolveFor(e.cfg.Family, req.Query).String(),
		Columns:       ds.Columns,
		Rows:          ds.Rows,
		RowCount:      ds.RowCount,
		ExecutionTime: ds.ExecutionTime,
		Timestamp:     start,
		Warnings:      ds.Warnings,
	}, nil
}

// Write sends a line-protocol payload. Partial failures come back as
// *errs.WriteError alongside the accepted count.
func (m *Manager) Write(ctx context.Context, id string, payload []byte, target string) (*WriteResult, error) {
	e, err := m.get(id)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	var n int
	err = e.pool.With(ctx, func(d database.Driver) error {
		var err error
		n, err = d.Write(ctx, payload, target)
		return err
	})
	res := &WriteResult{ConnectionID: id, Target: target, Points: n}
	return res, m.finish(e, "write", err, time.Since(start))
}

// Health checks one connection. Acquisition failures report Unhealthy.
func (m *Manager) Health(ctx context.Context, id string) (database.Health, error) {
	e, err := m.get(id)
	if err != nil {
		return database.Health{}, err
	}
	start := time.Now()
	var h database.Health
	err = e.pool.With(ctx, func(d database.Driver) error {
		h = d.Health(ctx)
		return nil
	})
	if err != nil {
		h = database.Health{Status: database.Unhealthy, Version: e.caps.Version().String(), Message: err.Error(), Latency: time.Since(start)}
	}
	m.metrics.ObserveOp(string(e.kind), "health", err, time.Since(start))
	return h, nil
}

// Status describes one connection.
func (m *Manager) Status(id string) (*ConnectionStatus, error) {
	e, err := m.get(id)
	if err != nil {
		return nil, err
	}
	st := m.status(id, e)
	return &st, nil
}

// List describes every connection, ordered by id.
func (m *Manager) List() []ConnectionStatus {
	m.mu.RLock()
	out := make([]ConnectionStatus, 0, len(m.conns))
	for id, e := range m.conns {
		out = append(out, m.status(id, e))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) status(id string, e *entry) ConnectionStatus {
	stats := e.pool.Stats()
	return ConnectionStatus{
		ID:        id,
		Connected: stats.InUse+stats.Idle > 0,
		Family:    e.cfg.Family,
		Driver:    e.kind,
		Address:   e.cfg.Address(),
		Version:   e.caps.Version().String(),
		Pool:      stats,
		LastError: e.lastError(),
		Since:     e.since,
	}
}

// Capabilities returns the detected capability. No I/O.
func (m *Manager) Capabilities(id string) (*database.ServerCapability, error) {
	e, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return e.caps, nil
}

func (m *Manager) ListDatabases(ctx context.Context, id string) ([]string, error) {
	var out []string
	err := m.run(ctx, id, "list databases", func(d database.Driver) (err error) {
		out, err = d.ListDatabases(ctx)
		return err
	})
	return out, err
}

func (m *Manager) ListMeasurements(ctx context.Context, id, db string) ([]string, error) {
	var out []string
	err := m.run(ctx, id, "list measurements", func(d database.Driver) (err error) {
		out, err = d.ListMeasurements(ctx, db)
		return err
	})
	return out, err
}

func (m *Manager) DescribeSchema(ctx context.Context, id, db string) (*database.Schema, error) {
	var out *database.Schema
	err := m.run(ctx, id, "describe schema", func(d database.Driver) (err error) {
		out, err = d.DescribeSchema(ctx, db)
		return err
	})
	return out, err
}

func (m *Manager) run(ctx context.Context, id, op string, fn func(database.Driver) error) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}
	start := time.Now()
	return m.finish(e, op, e.pool.With(ctx, fn), time.Since(start))
}

// finish records the outcome of op and annotates err with the connection.
func (m *Manager) finish(e *entry, op string, err error, elapsed time.Duration) error {
	m.metrics.ObserveOp(string(e.kind), op, err, elapsed)
	err = errs.WithConnection(errs.WithOp(err, op), e.cfg.ID)
	e.record(err)
	return err
}

// Shutdown closes every pool in parallel. One pool failing does not cut
// the others short. The Manager rejects new connections afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	conns := m.conns
	m.conns = map[string]*entry{}
	m.mu.Unlock()

	var g errgroup.Group
	for id, e := range conns {
		g.Go(func() error {
			m.metrics.Forget(id)
			return errs.WithConnection(errs.WithOp(e.pool.Close(ctx), "shutdown"), id)
		})
	}
	err := g.Wait()
	m.log.InfoWith("manager shut down", map[string]interface{}{"connections": len(conns)})
	return err
}

func (m *Manager) get(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.conns[id]
	if !ok {
		return nil, errNotFound(id)
	}
	return e, nil
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func errNotFound(id string) error {
	return &errs.Error{Kind: errs.ErrKindNotFound, ConnectionID: id, Message: "connection not registered"}
}

func errShutdown(id string) error {
	return &errs.Error{Kind: errs.ErrKindConnection, ConnectionID: id, Message: "manager is shut down"}
}
