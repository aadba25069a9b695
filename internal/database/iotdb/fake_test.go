package iotdb

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apache/thrift/lib/go/thrift"
	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/transport/rpc"
	"github.com/koustreak/tsgate/internal/transport/rpc/rpctest"
	"github.com/koustreak/tsgate/internal/version"
	"github.com/stretchr/testify/require"
)

// fakeServer imitates the parts of the IoTDB client service the driver
// uses. Legacy servers (0.13) only register the pre-1.0 method names and
// answer with TSQueryDataSet pages.
type fakeServer struct {
	srv      *rpctest.Server
	legacy   bool
	password string
	version  string

	mu             sync.Mutex
	statementIDs   []int64
	statements     []string
	inserts        []*InsertRecordsReq
	closedSessions int
	closedOps      int
	fetches        int
	configuration  map[string]string
}

func newFakeServer(t *testing.T, legacy bool) *fakeServer {
	t.Helper()
	srv, err := rpctest.NewServer()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	f := &fakeServer{srv: srv, legacy: legacy, password: "root", version: "1.3.2"}
	if legacy {
		f.version = "0.13.4"
	}

	srv.Handle(methodOpenSession, f.openSession)
	srv.Handle(methodCloseSession, f.closeSession)
	srv.Handle(methodCloseOperation, f.closeOperation)
	srv.Handle(methodGetProperties, f.getProperties)
	srv.Handle(methodInsertRecords, f.insertRecords)
	srv.Handle(methodExecuteStatement, f.execute)
	srv.Handle(methodFetchResults, f.fetch)
	if !legacy {
		srv.Handle(methodExecuteStatementV2, f.execute)
		srv.Handle(methodFetchResultsV2, f.fetch)
	}
	return f
}

func (f *fakeServer) config(t *testing.T) *database.DriverConfig {
	t.Helper()
	host, port, err := net.SplitHostPort(f.srv.Addr())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return &database.DriverConfig{
		Family:   database.FamilyIoTDB,
		Host:     host,
		Port:     p,
		Username: "root",
		Password: "root",
		Database: "root.sg",
		Timeout:  2 * time.Second,
	}
}

func (f *fakeServer) capability() *database.ServerCapability {
	v := version.New(1, 3, 2)
	feats := map[database.Feature]bool{
		database.FeatureSQL:            true,
		database.FeatureBinaryRPCQuery: true,
		database.FeatureTsBlock:        true,
		database.FeatureAdminOps:       true,
		database.FeatureNewScalarTypes: true,
	}
	if f.legacy {
		v = version.New(0, 13, 4)
		feats = map[database.Feature]bool{database.FeatureSQL: true, database.FeatureBinaryRPCQuery: true}
	}
	return database.NewServerCapability(database.CapabilitySpec{
		Family:    database.FamilyIoTDB,
		Version:   v,
		Features:  feats,
		Protocols: []database.Protocol{database.ProtocolThrift},
	})
}

func (f *fakeServer) ok() Status { return Status{Code: codeSuccess} }

func (f *fakeServer) openSession(ctx context.Context, args thrift.TProtocol) (rpc.Struct, error) {
	var req OpenSessionReq
	if err := rpctest.ReadArg(ctx, args, &req); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.configuration = req.Configuration
	f.mu.Unlock()
	if req.Password != f.password {
		code := int32(codeWrongPassword)
		if f.legacy {
			code = codeLegacyWrongPassword
		}
		return &OpenSessionResp{Status: Status{Code: code, Message: "Authentication failed."}}, nil
	}
	return &OpenSessionResp{Status: f.ok(), ProtocolVersion: protocolV3, SessionID: 42}, nil
}

func (f *fakeServer) closeSession(ctx context.Context, args thrift.TProtocol) (rpc.Struct, error) {
	var req CloseSessionReq
	if err := rpctest.ReadArg(ctx, args, &req); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.closedSessions++
	f.mu.Unlock()
	st := f.ok()
	return &st, nil
}

func (f *fakeServer) closeOperation(ctx context.Context, args thrift.TProtocol) (rpc.Struct, error) {
	var req CloseOperationReq
	if err := rpctest.ReadArg(ctx, args, &req); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.closedOps++
	f.mu.Unlock()
	st := f.ok()
	return &st, nil
}

func (f *fakeServer) getProperties(ctx context.Context, args thrift.TProtocol) (rpc.Struct, error) {
	if err := rpctest.ReadArg(ctx, args, nil); err != nil {
		return nil, err
	}
	return &ServerProperties{Version: f.version, TimestampPrecision: "ms"}, nil
}

func (f *fakeServer) insertRecords(ctx context.Context, args thrift.TProtocol) (rpc.Struct, error) {
	var req InsertRecordsReq
	if err := rpctest.ReadArg(ctx, args, &req); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.inserts = append(f.inserts, &req)
	f.mu.Unlock()
	for _, d := range req.Devices {
		if strings.Contains(d, "readonly") {
			return &Status{Code: 507, Message: "database is read-only"}, nil
		}
	}
	st := f.ok()
	return &st, nil
}

// Pages served for "SELECT ... FROM root.sg.d1": two rows, then one more.
var (
	selectTimes = [][]int64{{1000, 2000}, {3000}}
	selectS1    = [][]database.Value{
		{database.Int32Value(1), database.NullValue()},
		{database.Int32Value(3)},
	}
	selectS2 = [][]database.Value{
		{database.TextValue("a"), database.TextValue("b")},
		{database.NullValue()},
	}
)

func (f *fakeServer) execute(ctx context.Context, args thrift.TProtocol) (rpc.Struct, error) {
	var req ExecuteReq
	if err := rpctest.ReadArg(ctx, args, &req); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.statementIDs = append(f.statementIDs, req.StatementID)
	f.statements = append(f.statements, req.Statement)
	f.fetches = 0
	f.mu.Unlock()

	stmt := strings.ToUpper(strings.TrimSpace(req.Statement))
	switch {
	case stmt == "SHOW VERSION":
		return f.rows(true, []string{"Version", "BuildInfo"}, []database.DataType{database.TypeText, database.TypeText},
			[]int64{0}, [][]database.Value{{database.TextValue(f.version)}, {database.TextValue("abc")}}, false), nil
	case stmt == "SHOW DATABASES" || stmt == "SHOW STORAGE GROUP":
		return f.rows(true, []string{"Database"}, []database.DataType{database.TypeText},
			[]int64{0, 0}, [][]database.Value{{database.TextValue("root.sg"), database.TextValue("root.ln")}}, false), nil
	case strings.HasPrefix(stmt, "SELECT"):
		resp := f.rows(false, []string{"root.sg.d1.s1", "root.sg.d1.s2"}, []database.DataType{database.TypeInt32, database.TypeText},
			selectTimes[0], [][]database.Value{selectS1[0], selectS2[0]}, true)
		return resp, nil
	case stmt == "SLEEP":
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
		return &ExecuteResp{Status: f.ok()}, nil
	case stmt == "BAD":
		return &ExecuteResp{Status: Status{Code: 700, Message: "line 1:0 mismatched input 'BAD'"}}, nil
	}
	return &ExecuteResp{Status: f.ok()}, nil
}

func (f *fakeServer) fetch(ctx context.Context, args thrift.TProtocol) (rpc.Struct, error) {
	var req FetchReq
	if err := rpctest.ReadArg(ctx, args, &req); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.fetches++
	n := f.fetches
	f.mu.Unlock()
	if n > 1 {
		// legacy servers signal the end with an empty result
		return &FetchResp{Status: f.ok()}, nil
	}
	types := []database.DataType{database.TypeInt32, database.TypeText}
	cols := [][]database.Value{selectS1[1], selectS2[1]}
	if f.legacy {
		return &FetchResp{Status: f.ok(), HasResultSet: true, DataSet: legacyPage(selectTimes[1], types, cols)}, nil
	}
	return &FetchResp{Status: f.ok(), HasResultSet: true, QueryResult: [][]byte{tsBlockBytes(selectTimes[1], types, cols)}}, nil
}

func (f *fakeServer) rows(ignoreTime bool, names []string, types []database.DataType, times []int64, cols [][]database.Value, more bool) *ExecuteResp {
	resp := &ExecuteResp{
		Status:          f.ok(),
		QueryID:         7,
		HasQueryID:      true,
		Columns:         names,
		IgnoreTimestamp: ignoreTime,
		ColumnIndex:     map[string]int32{},
	}
	for i, n := range names {
		resp.DataTypes = append(resp.DataTypes, types[i].String())
		resp.ColumnIndex[n] = int32(i)
	}
	if f.legacy {
		resp.DataSet = legacyPage(times, types, cols)
	} else {
		resp.QueryResult = [][]byte{tsBlockBytes(times, types, cols)}
		resp.MoreData = more
	}
	return resp
}

func (f *fakeServer) snapshot() (ids []int64, closedOps, closedSessions int, inserts []*InsertRecordsReq) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.statementIDs...), f.closedOps, f.closedSessions, append([]*InsertRecordsReq(nil), f.inserts...)
}

// tsBlockBytes serialises a TsBlock the way 1.x servers do.
func tsBlockBytes(times []int64, types []database.DataType, cols [][]database.Value) []byte {
	var b []byte
	b = binary.BigEndian.AppendUint32(b, uint32(len(types)))
	for _, t := range types {
		code, _ := typeCode(t)
		b = append(b, code)
	}
	b = binary.BigEndian.AppendUint32(b, uint32(len(times)))
	b = append(b, encInt64Array)
	for _, t := range types {
		b = append(b, encodingFor(t))
	}
	b = append(b, 0)
	for _, ts := range times {
		b = binary.BigEndian.AppendUint64(b, uint64(ts))
	}
	for _, col := range cols {
		packed, hasNull := nullBits(col, true)
		if hasNull {
			b = append(b, 1)
			b = append(b, packed...)
		} else {
			b = append(b, 0)
		}
		b = append(b, packedValues(col)...)
	}
	return b
}

// legacyPage serialises a 0.13 TSQueryDataSet.
func legacyPage(times []int64, types []database.DataType, cols [][]database.Value) *QueryDataSet {
	ds := &QueryDataSet{}
	for _, ts := range times {
		ds.Time = binary.BigEndian.AppendUint64(ds.Time, uint64(ts))
	}
	for _, col := range cols {
		bits, _ := nullBits(col, false)
		ds.Bitmaps = append(ds.Bitmaps, bits)
		ds.Values = append(ds.Values, packedValues(col))
	}
	return ds
}

func encodingFor(t database.DataType) byte {
	switch t {
	case database.TypeBoolean:
		return encByteArray
	case database.TypeInt32, database.TypeFloat, database.TypeDate:
		return encInt32Array
	case database.TypeInt64, database.TypeDouble, database.TypeTimestamp:
		return encInt64Array
	}
	return encBinaryArray
}

// nullBits packs one bit per row, most significant first. TsBlocks set the
// bit for nulls, legacy bitmaps for values.
func nullBits(col []database.Value, markNull bool) ([]byte, bool) {
	out := make([]byte, (len(col)+7)/8)
	hasNull := false
	for i, v := range col {
		if v.IsNull() {
			hasNull = true
		}
		if v.IsNull() == markNull {
			out[i/8] |= 0x80 >> (i % 8)
		}
	}
	return out, hasNull
}

func packedValues(col []database.Value) []byte {
	var b []byte
	for _, v := range col {
		if v.IsNull() {
			continue
		}
		enc, err := encodeValues([]database.Value{v}, time.Millisecond)
		if err != nil {
			panic(err)
		}
		b = append(b, enc[1:]...)
	}
	return b
}
