package iotdb

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/apache/thrift/lib/go/thrift"
	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/errs"
	"github.com/koustreak/tsgate/internal/transport/rpc"
)

const (
	DefaultFetchSize = 5000
	DefaultZoneID    = "UTC"

	// clientVersion is sent in the session configuration; 1.x servers
	// reject sessions from clients they consider too old.
	clientVersion = "V_1_0"

	closeTimeout = 3 * time.Second
)

// SessionConfig describes one RPC session.
type SessionConfig struct {
	Addr       string
	Username   string
	Password   string
	ZoneID     string
	FetchSize  int32
	SQLDialect string // "tree" or "table"; ignored before 2.0
	Database   string // table model only
	Dial       rpc.Config

	// Legacy selects the pre-1.0 method names and result format. A session
	// that is not legacy falls back on its own when the server does not
	// know the 1.0 methods.
	Legacy bool

	// Unit is the server timestamp precision.
	Unit time.Duration
}

// Session is an open RPC session. It is not safe for concurrent use; the
// pool hands each session to one caller at a time.
type Session struct {
	cfg    SessionConfig
	conn   *rpc.Conn
	id     int64
	stmt   atomic.Int64
	legacy atomic.Bool
}

// OpenSession dials cfg.Addr and authenticates.
func OpenSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.ZoneID == "" {
		cfg.ZoneID = DefaultZoneID
	}
	if cfg.FetchSize <= 0 {
		cfg.FetchSize = DefaultFetchSize
	}
	if cfg.Unit <= 0 {
		cfg.Unit = time.Millisecond
	}

	conn, err := rpc.Dial(ctx, cfg.Addr, cfg.Dial)
	if err != nil {
		return nil, err
	}

	conf := map[string]string{"version": clientVersion}
	if cfg.SQLDialect != "" {
		conf["sql_dialect"] = cfg.SQLDialect
	}
	if cfg.Database != "" {
		conf["db"] = cfg.Database
	}
	req := &OpenSessionReq{
		ZoneID:        cfg.ZoneID,
		Username:      cfg.Username,
		Password:      cfg.Password,
		Configuration: conf,
	}
	var resp OpenSessionResp
	if err := conn.Call(ctx, methodOpenSession, req, &resp); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := CheckStatus(&resp.Status, cfg.Legacy, "open session", errs.ErrKindConnection); err != nil {
		_ = conn.Close()
		return nil, err
	}

	s := &Session{cfg: cfg, conn: conn, id: resp.SessionID}
	s.legacy.Store(cfg.Legacy)
	return s, nil
}

// ID returns the server-assigned session id.
func (s *Session) ID() int64 { return s.id }

// Legacy reports whether the session speaks the pre-1.0 methods.
func (s *Session) Legacy() bool { return s.legacy.Load() }

// Broken reports whether the underlying stream is unusable.
func (s *Session) Broken() bool { return s.conn.Broken() }

// nextStatementID returns 1, 2, 3, ... for the lifetime of the session.
func (s *Session) nextStatementID() int64 { return s.stmt.Add(1) }

// Execute runs one statement and drains its result set. Statements that
// return no rows produce an empty dataset.
func (s *Session) Execute(ctx context.Context, stmt string, timeout time.Duration) (*database.Dataset, error) {
	start := time.Now()
	req := &ExecuteReq{
		SessionID:   s.id,
		Statement:   stmt,
		StatementID: s.nextStatementID(),
		FetchSize:   s.cfg.FetchSize,
		Timeout:     timeout.Milliseconds(),
	}

	var resp ExecuteResp
	if err := s.execute(ctx, req, &resp); err != nil {
		return nil, err
	}
	if err := CheckStatus(&resp.Status, s.Legacy(), "execute statement", errs.ErrKindQuery); err != nil {
		return nil, err
	}
	if !resp.HasQueryID || len(resp.Columns) == 0 {
		return database.NewDataset().Finish(start), nil
	}

	rs, err := newResultSet(&resp, s.cfg.Unit)
	if err != nil {
		return nil, err
	}
	err = s.drain(ctx, req, &resp, rs)
	s.closeOperation(ctx, resp.QueryID, req.StatementID)
	if err != nil {
		return nil, err
	}
	return rs.ds.Finish(start), nil
}

// execute calls the 1.0 method and, on servers that do not know it, falls
// back to the legacy one for the rest of the session.
func (s *Session) execute(ctx context.Context, req *ExecuteReq, resp *ExecuteResp) error {
	if s.Legacy() {
		return s.conn.Call(ctx, methodExecuteStatement, req, resp)
	}
	err := s.conn.Call(ctx, methodExecuteStatementV2, req, resp)
	if !isUnknownMethod(err) {
		return err
	}
	s.legacy.Store(true)
	*resp = ExecuteResp{}
	return s.conn.Call(ctx, methodExecuteStatement, req, resp)
}

func isUnknownMethod(err error) bool {
	var ae thrift.TApplicationException
	return err != nil && errors.As(err, &ae) && ae.TypeId() == thrift.UNKNOWN_METHOD
}

// drain decodes the first page from resp and fetches the rest.
func (s *Session) drain(ctx context.Context, req *ExecuteReq, resp *ExecuteResp, rs *resultSet) error {
	legacy := s.Legacy()
	if err := rs.addPages(resp.QueryResult, resp.DataSet, legacy); err != nil {
		return err
	}

	more := resp.MoreData
	if legacy {
		more = resp.DataSet != nil && len(resp.DataSet.Time) > 0
	}
	for more {
		fetch := &FetchReq{
			SessionID:   s.id,
			Statement:   req.Statement,
			FetchSize:   s.cfg.FetchSize,
			QueryID:     resp.QueryID,
			Timeout:     req.Timeout,
			StatementID: req.StatementID,
		}
		method := methodFetchResultsV2
		if legacy {
			method = methodFetchResults
		}
		var fr FetchResp
		if err := s.conn.Call(ctx, method, fetch, &fr); err != nil {
			return err
		}
		if err := CheckStatus(&fr.Status, legacy, "fetch results", errs.ErrKindQuery); err != nil {
			return err
		}
		if !fr.HasResultSet {
			return nil
		}
		if err := rs.addPages(fr.QueryResult, fr.DataSet, legacy); err != nil {
			return err
		}
		if legacy {
			more = fr.DataSet != nil && len(fr.DataSet.Time) > 0
		} else {
			more = fr.MoreData
		}
	}
	return nil
}

// closeOperation releases server-side query resources. Failures are
// ignored: the server reclaims them when the session closes.
func (s *Session) closeOperation(ctx context.Context, queryID, statementID int64) {
	if s.conn.Broken() || ctx.Err() != nil {
		return
	}
	var st Status
	_ = s.conn.Call(ctx, methodCloseOperation, &CloseOperationReq{
		SessionID:   s.id,
		QueryID:     queryID,
		StatementID: statementID,
	}, &st)
}

// Properties calls getProperties.
func (s *Session) Properties(ctx context.Context) (*ServerProperties, error) {
	var props ServerProperties
	if err := s.conn.Call(ctx, methodGetProperties, nil, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// InsertRecords writes one batch of rows.
func (s *Session) InsertRecords(ctx context.Context, req *InsertRecordsReq) error {
	req.SessionID = s.id
	var st Status
	if err := s.conn.Call(ctx, methodInsertRecords, req, &st); err != nil {
		return err
	}
	return CheckStatus(&st, s.Legacy(), "insert records", errs.ErrKindWrite)
}

// Close attempts closeSession and always closes the socket. A broken
// stream skips closeSession: its framing can no longer be trusted and the
// server drops the session with the socket.
func (s *Session) Close(ctx context.Context) error {
	var closeErr error
	if !s.conn.Broken() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		var st Status
		closeErr = s.conn.Call(cctx, methodCloseSession, &CloseSessionReq{SessionID: s.id}, &st)
		if closeErr == nil {
			closeErr = CheckStatus(&st, s.Legacy(), "close session", errs.ErrKindConnection)
		}
		cancel()
	}
	if err := s.conn.Close(); err != nil && closeErr == nil {
		closeErr = err
	}
	return closeErr
}

// resultSet accumulates decoded pages into a dataset.
type resultSet struct {
	ds       *database.Dataset
	withTime bool
	index    []int               // dataset value column -> page column
	types    []database.DataType // page column order
	unit     time.Duration
}

func newResultSet(resp *ExecuteResp, unit time.Duration) (*resultSet, error) {
	rs := &resultSet{ds: database.NewDataset(), withTime: !resp.IgnoreTimestamp, unit: unit}
	if rs.withTime {
		rs.ds.AddColumn(database.Column{Name: "Time", Type: database.TypeTimestamp, Role: database.RoleTime})
	}

	role := database.RoleOther
	if rs.withTime {
		role = database.RoleField
	}
	pageCols := 0
	rs.index = make([]int, len(resp.Columns))
	colTypes := make([]database.DataType, len(resp.Columns))
	for i, name := range resp.Columns {
		t := database.TypeText
		if i < len(resp.DataTypes) {
			if parsed, ok := database.ParseDataType(resp.DataTypes[i]); ok {
				t = parsed
			}
		}
		idx := i
		if resp.ColumnIndex != nil {
			if v, ok := resp.ColumnIndex[name]; ok {
				idx = int(v)
			}
		}
		if idx < 0 {
			return nil, errs.Newf(errs.ErrKindInternal, "column %q has negative index %d", name, idx)
		}
		rs.index[i] = idx
		colTypes[i] = t
		pageCols = max(pageCols, idx+1)
		rs.ds.AddColumn(database.Column{Name: name, Type: t, Role: role})
	}

	rs.types = make([]database.DataType, pageCols)
	for i, idx := range rs.index {
		rs.types[idx] = colTypes[i]
	}
	return rs, nil
}

func (rs *resultSet) addPages(tsblocks [][]byte, legacy *QueryDataSet, isLegacy bool) error {
	if isLegacy {
		if legacy == nil {
			return nil
		}
		b, err := decodeLegacy(legacy, rs.types, rs.unit)
		if err != nil {
			return errs.Wrap(errs.ErrKindInternal, "decode result page", err)
		}
		return rs.add(b)
	}
	for _, raw := range tsblocks {
		b, err := decodeTsBlock(raw, rs.unit)
		if err != nil {
			return errs.Wrap(errs.ErrKindInternal, "decode result page", err)
		}
		if err := rs.add(b); err != nil {
			return err
		}
	}
	return nil
}

func (rs *resultSet) add(b *block) error {
	for _, idx := range rs.index {
		if idx >= len(b.columns) {
			return errs.Newf(errs.ErrKindInternal, "result page has %d columns, want at least %d", len(b.columns), idx+1)
		}
	}
	for row := 0; row < b.rows(); row++ {
		vals := make([]database.Value, 0, len(rs.index)+1)
		if rs.withTime {
			vals = append(vals, database.TimestampValue(timeFromUnits(b.times[row], rs.unit)))
		}
		for _, idx := range rs.index {
			vals = append(vals, b.columns[idx][row])
		}
		rs.ds.AppendRow(vals)
	}
	return nil
}

func (s *Session) String() string {
	return fmt.Sprintf("iotdb session %d@%s", s.id, s.conn.Addr())
}
