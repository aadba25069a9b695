package database

import (
	"context"
	"fmt"
)

// MeasurementSchema describes one measurement (InfluxDB) or device / table
// (IoTDB) and its columns.
type MeasurementSchema struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Tags returns the tag column names.
func (m *MeasurementSchema) Tags() []string { return m.names(RoleTag) }

// Fields returns the field column names.
func (m *MeasurementSchema) Fields() []string { return m.names(RoleField) }

func (m *MeasurementSchema) names(role ColumnRole) []string {
	var out []string
	for _, c := range m.Columns {
		if c.Role == role {
			out = append(out, c.Name)
		}
	}
	return out
}

// Schema is the introspected structure of one database.
type Schema struct {
	Database     string              `json:"database"`
	Measurements []MeasurementSchema `json:"measurements"`
}

// Introspector reads the structure of a database.
// Each driver implements the backend-specific statements; InspectSchema is
// shared.
type Introspector interface {
	ListMeasurements(ctx context.Context, database string) ([]string, error)
	DescribeMeasurement(ctx context.Context, database, measurement string) (*MeasurementSchema, error)
}

// InspectSchema builds the full Schema by orchestrating the Introspector.
// It is expensive; callers should cache the result.
func InspectSchema(ctx context.Context, i Introspector, database string) (*Schema, error) {
	names, err := i.ListMeasurements(ctx, database)
	if err != nil {
		return nil, err
	}

	schema := &Schema{Database: database, Measurements: make([]MeasurementSchema, 0, len(names))}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, ContextError(err, "describe_schema")
		}
		ms, err := i.DescribeMeasurement(ctx, database, name)
		if err != nil {
			return nil, fmt.Errorf("describing measurement %q: %w", name, err)
		}
		schema.Measurements = append(schema.Measurements, *ms)
	}
	return schema, nil
}
