package influx

import (
	"context"

	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/errs"
)

// QueryFunc runs one InfluxQL statement against db.
type QueryFunc func(ctx context.Context, db, stmt string) (*database.Dataset, error)

// FieldType maps an InfluxDB field type name onto a DataType.
func FieldType(name string) database.DataType {
	switch name {
	case "float":
		return database.TypeDouble
	case "integer", "unsigned":
		return database.TypeInt64
	case "boolean":
		return database.TypeBoolean
	default:
		return database.TypeText
	}
}

// ListDatabases runs SHOW DATABASES.
func ListDatabases(ctx context.Context, q QueryFunc) ([]string, error) {
	ds, err := q(ctx, "", "SHOW DATABASES")
	if err != nil {
		return nil, err
	}
	return column(ds, "name"), nil
}

// ListMeasurements runs SHOW MEASUREMENTS.
func ListMeasurements(ctx context.Context, q QueryFunc, db string) ([]string, error) {
	if db == "" {
		return nil, &errs.Error{Kind: errs.ErrKindConfiguration, Op: "list measurements", Message: "database required"}
	}
	ds, err := q(ctx, db, "SHOW MEASUREMENTS")
	if err != nil {
		return nil, err
	}
	return column(ds, "name"), nil
}

// DescribeMeasurement combines SHOW TAG KEYS and SHOW FIELD KEYS.
func DescribeMeasurement(ctx context.Context, q QueryFunc, db, name string) (*database.MeasurementSchema, error) {
	from := " FROM " + database.QuoteIdent(name, database.QuoteDouble)

	tags, err := q(ctx, db, "SHOW TAG KEYS"+from)
	if err != nil {
		return nil, err
	}
	fields, err := q(ctx, db, "SHOW FIELD KEYS"+from)
	if err != nil {
		return nil, err
	}

	ms := &database.MeasurementSchema{
		Name:    name,
		Columns: []database.Column{{Name: "time", Type: database.TypeTimestamp, Role: database.RoleTime}},
	}
	for _, k := range column(tags, "tagKey") {
		ms.Columns = append(ms.Columns, database.Column{Name: k, Type: database.TypeText, Role: database.RoleTag})
	}
	keyCol, typeCol := fields.ColumnIndex("fieldKey"), fields.ColumnIndex("fieldType")
	if keyCol < 0 {
		return ms, nil
	}
	for _, row := range fields.Rows {
		typ := database.TypeText
		if typeCol >= 0 {
			typ = FieldType(row[typeCol].String())
		}
		ms.Columns = append(ms.Columns, database.Column{Name: row[keyCol].String(), Type: typ, Role: database.RoleField})
	}
	return ms, nil
}

func column(ds *database.Dataset, name string) []string {
	i := ds.ColumnIndex(name)
	if i < 0 {
		return nil
	}
	return ds.Strings(i)
}
