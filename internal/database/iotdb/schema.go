package iotdb

import (
	"context"
	"strings"

	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/errs"
	"github.com/koustreak/tsgate/internal/typemap"
)

// ExecFunc runs one tree-model statement. The RPC and REST drivers both
// introspect through it.
type ExecFunc func(ctx context.Context, op, stmt string) (*database.Dataset, error)

// ListDatabases lists storage groups (databases since 1.0).
func ListDatabases(ctx context.Context, exec ExecFunc, caps *database.ServerCapability) ([]string, error) {
	stmt := "SHOW DATABASES"
	if !caps.SupportsAdminOps() {
		stmt = "SHOW STORAGE GROUP"
	}
	ds, err := exec(ctx, "list databases", stmt)
	if err != nil {
		return nil, err
	}
	return ds.Strings(0), nil
}

// ListDevices lists the devices below a storage group.
func ListDevices(ctx context.Context, exec ExecFunc, db string) ([]string, error) {
	if db == "" {
		return nil, &errs.Error{Kind: errs.ErrKindConfiguration, Op: "list measurements", Message: "database required"}
	}
	ds, err := exec(ctx, "list measurements", "SHOW DEVICES "+db+".**")
	if err != nil {
		return nil, err
	}
	return ds.Strings(0), nil
}

// DescribeDevice lists the time series of one device. Types are reported
// as the server stores them after m's downgrades.
func DescribeDevice(ctx context.Context, exec ExecFunc, m *typemap.Mapper, device string) (*database.MeasurementSchema, error) {
	ds, err := exec(ctx, "describe measurement", "SHOW TIMESERIES "+device+".*")
	if err != nil {
		return nil, err
	}
	nameCol, typeCol := ColumnLike(ds, "timeseries"), ColumnLike(ds, "datatype")
	if nameCol < 0 || typeCol < 0 {
		return nil, errs.Newf(errs.ErrKindInternal, "unexpected SHOW TIMESERIES columns for %s", device)
	}

	ms := &database.MeasurementSchema{
		Name:    device,
		Columns: []database.Column{{Name: "Time", Type: database.TypeTimestamp, Role: database.RoleTime}},
	}
	for _, row := range ds.Rows {
		path := row[nameCol].String()
		t, ok := database.ParseDataType(row[typeCol].String())
		if !ok {
			t = database.TypeText
		}
		ms.Columns = append(ms.Columns, database.Column{
			Name: path[strings.LastIndexByte(path, '.')+1:],
			Type: m.MapType(t),
			Role: database.RoleField,
		})
	}
	return ms, nil
}

// ColumnLike finds a column by name, ignoring case and spaces.
func ColumnLike(ds *database.Dataset, name string) int {
	for i, c := range ds.Columns {
		if strings.EqualFold(strings.ReplaceAll(c.Name, " ", ""), name) {
			return i
		}
	}
	return -1
}

// StorageGroup resolves a database argument to a rooted path.
func StorageGroup(db, def string) string {
	if db == "" {
		db = def
	}
	if db == "" || db == "root" || strings.HasPrefix(db, "root.") {
		return db
	}
	return "root." + db
}
