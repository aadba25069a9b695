package iotdb

import (
	"context"

	"github.com/apache/thrift/lib/go/thrift"
	"github.com/koustreak/tsgate/internal/transport/rpc"
)

// RPC method names of the IoTDB client service.
const (
	methodOpenSession        = "openSession"
	methodCloseSession       = "closeSession"
	methodExecuteStatement   = "executeStatement"
	methodExecuteStatementV2 = "executeStatementV2"
	methodFetchResults       = "fetchResults"
	methodFetchResultsV2     = "fetchResultsV2"
	methodCloseOperation     = "closeOperation"
	methodGetProperties      = "getProperties"
	methodInsertRecords      = "insertRecords"
)

// protocolV3 is TSProtocolVersion.IOTDB_SERVICE_PROTOCOL_V3, spoken by 0.13
// and every later release.
const protocolV3 int32 = 2

// Status is TSStatus.
type Status struct {
	Code      int32
	Message   string
	SubStatus []*Status
}

func (s *Status) Write(ctx context.Context, p thrift.TProtocol) error {
	w := rpc.NewWriter(ctx, p).Begin("TSStatus").I32("code", 1, s.Code)
	if s.Message != "" {
		w.String("message", 2, s.Message)
	}
	if len(s.SubStatus) > 0 {
		rpc.Structs(w, "subStatus", 3, s.SubStatus)
	}
	return w.End()
}

func (s *Status) Read(ctx context.Context, p thrift.TProtocol) error {
	return rpc.ReadStruct(ctx, p, func(id int16, t thrift.TType) (bool, error) {
		var err error
		switch {
		case id == 1 && t == thrift.I32:
			s.Code, err = p.ReadI32(ctx)
		case id == 2 && t == thrift.STRING:
			s.Message, err = p.ReadString(ctx)
		case id == 3 && t == thrift.LIST:
			s.SubStatus, err = rpc.StructSlice(ctx, p, func() *Status { return &Status{} })
		default:
			return false, nil
		}
		return true, err
	})
}

// OpenSessionReq is TSOpenSessionReq.
type OpenSessionReq struct {
	ZoneID        string
	Username      string
	Password      string
	Configuration map[string]string
}

func (r *OpenSessionReq) Write(ctx context.Context, p thrift.TProtocol) error {
	w := rpc.NewWriter(ctx, p).Begin("TSOpenSessionReq").
		I32("client_protocol", 1, protocolV3).
		String("zoneId", 2, r.ZoneID).
		String("username", 3, r.Username).
		String("password", 4, r.Password)
	if len(r.Configuration) > 0 {
		w.StringMap("configuration", 5, r.Configuration)
	}
	return w.End()
}

func (r *OpenSessionReq) Read(ctx context.Context, p thrift.TProtocol) error {
	return rpc.ReadStruct(ctx, p, func(id int16, t thrift.TType) (bool, error) {
		var err error
		switch {
		case id == 2 && t == thrift.STRING:
			r.ZoneID, err = p.ReadString(ctx)
		case id == 3 && t == thrift.STRING:
			r.Username, err = p.ReadString(ctx)
		case id == 4 && t == thrift.STRING:
			r.Password, err = p.ReadString(ctx)
		case id == 5 && t == thrift.MAP:
			r.Configuration, err = rpc.ReadStringMap(ctx, p)
		default:
			return false, nil
		}
		return true, err
	})
}

// OpenSessionResp is TSOpenSessionResp.
type OpenSessionResp struct {
	Status          Status
	ProtocolVersion int32
	SessionID       int64
	Configuration   map[string]string
}

func (r *OpenSessionResp) Write(ctx context.Context, p thrift.TProtocol) error {
	w := rpc.NewWriter(ctx, p).Begin("TSOpenSessionResp").
		Struct("status", 1, &r.Status).
		I32("serverProtocolVersion", 2, r.ProtocolVersion).
		I64("sessionId", 3, r.SessionID)
	if len(r.Configuration) > 0 {
		w.StringMap("configuration", 4, r.Configuration)
	}
	return w.End()
}

func (r *OpenSessionResp) Read(ctx context.Context, p thrift.TProtocol) error {
	return rpc.ReadStruct(ctx, p, func(id int16, t thrift.TType) (bool, error) {
		var err error
		switch {
		case id == 1 && t == thrift.STRUCT:
			err = r.Status.Read(ctx, p)
		case id == 2 && t == thrift.I32:
			r.ProtocolVersion, err = p.ReadI32(ctx)
		case id == 3 && t == thrift.I64:
			r.SessionID, err = p.ReadI64(ctx)
		case id == 4 && t == thrift.MAP:
			r.Configuration, err = rpc.ReadStringMap(ctx, p)
		default:
			return false, nil
		}
		return true, err
	})
}

// CloseSessionReq is TSCloseSessionReq.
type CloseSessionReq struct {
	SessionID int64
}

func (r *CloseSessionReq) Write(ctx context.Context, p thrift.TProtocol) error {
	return rpc.NewWriter(ctx, p).Begin("TSCloseSessionReq").I64("sessionId", 1, r.SessionID).End()
}

func (r *CloseSessionReq) Read(ctx context.Context, p thrift.TProtocol) error {
	return rpc.ReadStruct(ctx, p, func(id int16, t thrift.TType) (bool, error) {
		if id != 1 || t != thrift.I64 {
			return false, nil
		}
		var err error
		r.SessionID, err = p.ReadI64(ctx)
		return true, err
	})
}

// ExecuteReq is TSExecuteStatementReq.
type ExecuteReq struct {
	SessionID   int64
	Statement   string
	StatementID int64
	FetchSize   int32
	Timeout     int64 // milliseconds, zero for the server default
}

func (r *ExecuteReq) Write(ctx context.Context, p thrift.TProtocol) error {
	w := rpc.NewWriter(ctx, p).Begin("TSExecuteStatementReq").
		I64("sessionId", 1, r.SessionID).
		String("statement", 2, r.Statement).
		I64("statementId", 3, r.StatementID).
		I32("fetchSize", 4, r.FetchSize)
	if r.Timeout > 0 {
		w.I64("timeout", 5, r.Timeout)
	}
	return w.End()
}

func (r *ExecuteReq) Read(ctx context.Context, p thrift.TProtocol) error {
	return rpc.ReadStruct(ctx, p, func(id int16, t thrift.TType) (bool, error) {
		var err error
		switch {
		case id == 1 && t == thrift.I64:
			r.SessionID, err = p.ReadI64(ctx)
		case id == 2 && t == thrift.STRING:
			r.Statement, err = p.ReadString(ctx)
		case id == 3 && t == thrift.I64:
			r.StatementID, err = p.ReadI64(ctx)
		case id == 4 && t == thrift.I32:
			r.FetchSize, err = p.ReadI32(ctx)
		case id == 5 && t == thrift.I64:
			r.Timeout, err = p.ReadI64(ctx)
		default:
			return false, nil
		}
		return true, err
	})
}

// QueryDataSet is the pre-1.0 TSQueryDataSet: one buffer of big-endian
// timestamps, one value buffer and one null bitmap per column.
type QueryDataSet struct {
	Time    []byte
	Values  [][]byte
	Bitmaps [][]byte
}

func (d *QueryDataSet) Write(ctx context.Context, p thrift.TProtocol) error {
	return rpc.NewWriter(ctx, p).Begin("TSQueryDataSet").
		Binary("time", 1, d.Time).
		Binaries("valueList", 2, d.Values).
		Binaries("bitmapList", 3, d.Bitmaps).
		End()
}

func (d *QueryDataSet) Read(ctx context.Context, p thrift.TProtocol) error {
	return rpc.ReadStruct(ctx, p, func(id int16, t thrift.TType) (bool, error) {
		var err error
		switch {
		case id == 1 && t == thrift.STRING:
			d.Time, err = p.ReadBinary(ctx)
		case id == 2 && t == thrift.LIST:
			d.Values, err = rpc.ReadBinaries(ctx, p)
		case id == 3 && t == thrift.LIST:
			d.Bitmaps, err = rpc.ReadBinaries(ctx, p)
		default:
			return false, nil
		}
		return true, err
	})
}

// ExecuteResp is TSExecuteStatementResp. QueryResult holds serialized
// TsBlocks (1.0 and later); DataSet holds the legacy format.
type ExecuteResp struct {
	Status          Status
	QueryID         int64
	HasQueryID      bool
	Columns         []string
	OperationType   string
	IgnoreTimestamp bool
	DataTypes       []string
	DataSet         *QueryDataSet
	ColumnIndex     map[string]int32
	QueryResult     [][]byte
	MoreData        bool
}

func (r *ExecuteResp) Write(ctx context.Context, p thrift.TProtocol) error {
	w := rpc.NewWriter(ctx, p).Begin("TSExecuteStatementResp").Struct("status", 1, &r.Status)
	if r.HasQueryID {
		w.I64("queryId", 2, r.QueryID)
	}
	if r.Columns != nil {
		w.Strings("columns", 3, r.Columns)
	}
	if r.OperationType != "" {
		w.String("operationType", 4, r.OperationType)
	}
	w.Bool("ignoreTimeStamp", 5, r.IgnoreTimestamp)
	if r.DataTypes != nil {
		w.Strings("dataTypeList", 6, r.DataTypes)
	}
	if r.DataSet != nil {
		w.Struct("queryDataSet", 7, r.DataSet)
	}
	if r.ColumnIndex != nil {
		w.StringI32Map("columnNameIndexMap", 9, r.ColumnIndex)
	}
	if r.QueryResult != nil {
		w.Binaries("queryResult", 13, r.QueryResult)
	}
	w.Bool("moreData", 14, r.MoreData)
	return w.End()
}

func (r *ExecuteResp) Read(ctx context.Context, p thrift.TProtocol) error {
	return rpc.ReadStruct(ctx, p, func(id int16, t thrift.TType) (bool, error) {
		var err error
		switch {
		case id == 1 && t == thrift.STRUCT:
			err = r.Status.Read(ctx, p)
		case id == 2 && t == thrift.I64:
			r.QueryID, err = p.ReadI64(ctx)
			r.HasQueryID = true
		case id == 3 && t == thrift.LIST:
			r.Columns, err = rpc.ReadStrings(ctx, p)
		case id == 4 && t == thrift.STRING:
			r.OperationType, err = p.ReadString(ctx)
		case id == 5 && t == thrift.BOOL:
			r.IgnoreTimestamp, err = p.ReadBool(ctx)
		case id == 6 && t == thrift.LIST:
			r.DataTypes, err = rpc.ReadStrings(ctx, p)
		case id == 7 && t == thrift.STRUCT:
			r.DataSet = &QueryDataSet{}
			err = r.DataSet.Read(ctx, p)
		case id == 9 && t == thrift.MAP:
			r.ColumnIndex, err = rpc.ReadStringI32Map(ctx, p)
		case id == 13 && t == thrift.LIST:
			r.QueryResult, err = rpc.ReadBinaries(ctx, p)
		case id == 14 && t == thrift.BOOL:
			r.MoreData, err = p.ReadBool(ctx)
		default:
			return false, nil
		}
		return true, err
	})
}

// FetchReq is TSFetchResultsReq.
type FetchReq struct {
	SessionID   int64
	Statement   string
	FetchSize   int32
	QueryID     int64
	Timeout     int64
	StatementID int64
}

func (r *FetchReq) Write(ctx context.Context, p thrift.TProtocol) error {
	w := rpc.NewWriter(ctx, p).Begin("TSFetchResultsReq").
		I64("sessionId", 1, r.SessionID).
		String("statement", 2, r.Statement).
		I32("fetchSize", 3, r.FetchSize).
		I64("queryId", 4, r.QueryID).
		Bool("isAlign", 5, true)
	if r.Timeout > 0 {
		w.I64("timeout", 6, r.Timeout)
	}
	return w.I64("statementId", 7, r.StatementID).End()
}

func (r *FetchReq) Read(ctx context.Context, p thrift.TProtocol) error {
	return rpc.ReadStruct(ctx, p, func(id int16, t thrift.TType) (bool, error) {
		var err error
		switch {
		case id == 1 && t == thrift.I64:
			r.SessionID, err = p.ReadI64(ctx)
		case id == 2 && t == thrift.STRING:
			r.Statement, err = p.ReadString(ctx)
		case id == 3 && t == thrift.I32:
			r.FetchSize, err = p.ReadI32(ctx)
		case id == 4 && t == thrift.I64:
			r.QueryID, err = p.ReadI64(ctx)
		case id == 6 && t == thrift.I64:
			r.Timeout, err = p.ReadI64(ctx)
		case id == 7 && t == thrift.I64:
			r.StatementID, err = p.ReadI64(ctx)
		default:
			return false, nil
		}
		return true, err
	})
}

// FetchResp is TSFetchResultsResp.
type FetchResp struct {
	Status       Status
	HasResultSet bool
	DataSet      *QueryDataSet
	QueryResult  [][]byte
	MoreData     bool
}

func (r *FetchResp) Write(ctx context.Context, p thrift.TProtocol) error {
	w := rpc.NewWriter(ctx, p).Begin("TSFetchResultsResp").
		Struct("status", 1, &r.Status).
		Bool("hasResultSet", 2, r.HasResultSet).
		Bool("isAlign", 3, true)
	if r.DataSet != nil {
		w.Struct("queryDataSet", 4, r.DataSet)
	}
	if r.QueryResult != nil {
		w.Binaries("queryResult", 6, r.QueryResult)
	}
	return w.Bool("moreData", 7, r.MoreData).End()
}

func (r *FetchResp) Read(ctx context.Context, p thrift.TProtocol) error {
	return rpc.ReadStruct(ctx, p, func(id int16, t thrift.TType) (bool, error) {
		var err error
		switch {
		case id == 1 && t == thrift.STRUCT:
			err = r.Status.Read(ctx, p)
		case id == 2 && t == thrift.BOOL:
			r.HasResultSet, err = p.ReadBool(ctx)
		case id == 4 && t == thrift.STRUCT:
			r.DataSet = &QueryDataSet{}
			err = r.DataSet.Read(ctx, p)
		case id == 6 && t == thrift.LIST:
			r.QueryResult, err = rpc.ReadBinaries(ctx, p)
		case id == 7 && t == thrift.BOOL:
			r.MoreData, err = p.ReadBool(ctx)
		default:
			return false, nil
		}
		return true, err
	})
}

// CloseOperationReq is TSCloseOperationReq.
type CloseOperationReq struct {
	SessionID   int64
	QueryID     int64
	StatementID int64
}

func (r *CloseOperationReq) Write(ctx context.Context, p thrift.TProtocol) error {
	return rpc.NewWriter(ctx, p).Begin("TSCloseOperationReq").
		I64("sessionId", 1, r.SessionID).
		I64("queryId", 2, r.QueryID).
		I64("statementId", 3, r.StatementID).
		End()
}

func (r *CloseOperationReq) Read(ctx context.Context, p thrift.TProtocol) error {
	return rpc.ReadStruct(ctx, p, func(id int16, t thrift.TType) (bool, error) {
		var err error
		switch {
		case id == 1 && t == thrift.I64:
			r.SessionID, err = p.ReadI64(ctx)
		case id == 2 && t == thrift.I64:
			r.QueryID, err = p.ReadI64(ctx)
		case id == 3 && t == thrift.I64:
			r.StatementID, err = p.ReadI64(ctx)
		default:
			return false, nil
		}
		return true, err
	})
}

// ServerProperties is the reply of getProperties.
type ServerProperties struct {
	Version            string
	TimestampPrecision string
	BuildInfo          string
}

func (s *ServerProperties) Write(ctx context.Context, p thrift.TProtocol) error {
	w := rpc.NewWriter(ctx, p).Begin("ServerProperties").
		String("version", 1, s.Version).
		Strings("supportedTimeAggregationOperations", 2, nil).
		String("timestampPrecision", 3, s.TimestampPrecision)
	if s.BuildInfo != "" {
		w.String("buildInfo", 9, s.BuildInfo)
	}
	return w.End()
}

func (s *ServerProperties) Read(ctx context.Context, p thrift.TProtocol) error {
	return rpc.ReadStruct(ctx, p, func(id int16, t thrift.TType) (bool, error) {
		var err error
		switch {
		case id == 1 && t == thrift.STRING:
			s.Version, err = p.ReadString(ctx)
		case id == 3 && t == thrift.STRING:
			s.TimestampPrecision, err = p.ReadString(ctx)
		case id == 9 && t == thrift.STRING:
			s.BuildInfo, err = p.ReadString(ctx)
		default:
			return false, nil
		}
		return true, err
	})
}

// InsertRecordsReq is TSInsertRecordsReq. Values holds one encoded row per
// device, see encodeValues.
type InsertRecordsReq struct {
	SessionID    int64
	Devices      []string
	Measurements [][]string
	Values       [][]byte
	Timestamps   []int64
}

func (r *InsertRecordsReq) Write(ctx context.Context, p thrift.TProtocol) error {
	return rpc.NewWriter(ctx, p).Begin("TSInsertRecordsReq").
		I64("sessionId", 1, r.SessionID).
		Strings("prefixPaths", 2, r.Devices).
		StringLists("measurementsList", 3, r.Measurements).
		Binaries("valuesList", 4, r.Values).
		I64s("timestamps", 5, r.Timestamps).
		Bool("isAligned", 6, false).
		End()
}

func (r *InsertRecordsReq) Read(ctx context.Context, p thrift.TProtocol) error {
	return rpc.ReadStruct(ctx, p, func(id int16, t thrift.TType) (bool, error) {
		var err error
		switch {
		case id == 1 && t == thrift.I64:
			r.SessionID, err = p.ReadI64(ctx)
		case id == 2 && t == thrift.LIST:
			r.Devices, err = rpc.ReadStrings(ctx, p)
		case id == 3 && t == thrift.LIST:
			r.Measurements, err = rpc.ReadStringLists(ctx, p)
		case id == 4 && t == thrift.LIST:
			r.Values, err = rpc.ReadBinaries(ctx, p)
		case id == 5 && t == thrift.LIST:
			r.Timestamps, err = rpc.ReadI64s(ctx, p)
		default:
			return false, nil
		}
		return true, err
	})
}
