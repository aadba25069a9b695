// Package database defines the unified driver contract shared by every
// time-series backend: the Driver interface, its lifecycle, the value and
// dataset types that cross the driver boundary, and the shared schema
// introspection helper. Concrete drivers live in sub-packages.
package database

import (
	"context"
	"time"
)

// Kind names a concrete driver variant. The set is closed.
type Kind string

const (
	KindInfluxV1  Kind = "influxdb-v1-http"
	KindInfluxV2  Kind = "influxdb-v2-http"
	KindInfluxV3  Kind = "influxdb-v3-rpc"
	KindIoTDB     Kind = "iotdb-rpc"
	KindIoTDBREST Kind = "iotdb-rest"
)

// QueryOptions are per-query overrides.
type QueryOptions struct {
	Database string        // falls back to DriverConfig.Database
	Timeout  time.Duration // zero means the driver default
}

// HealthStatus is the coarse health of a connection.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// Health is the result of a health check.
type Health struct {
	Status  HealthStatus  `json:"status"`
	Version string        `json:"version"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency"`
}

// Driver is implemented by every backend variant.
//
// Connect and Disconnect are idempotent. Query, Write and the schema calls
// fail with a "not connected" Connection error until Connect has succeeded;
// they never connect implicitly.
type Driver interface {
	Kind() Kind
	State() State

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Query executes text in the dialect the server understands. opts.Timeout
	// cancels the in-flight transport call.
	Query(ctx context.Context, text string, opts QueryOptions) (*Dataset, error)

	// Write sends a line-protocol payload to target (database, bucket or
	// storage group). It returns the number of points accepted; anything
	// short of full acceptance comes back as *errs.WriteError.
	Write(ctx context.Context, payload []byte, target string) (int, error)

	Health(ctx context.Context) Health

	// Capabilities never performs I/O.
	Capabilities() *ServerCapability

	ListDatabases(ctx context.Context) ([]string, error)
	ListMeasurements(ctx context.Context, database string) ([]string, error)
	DescribeSchema(ctx context.Context, database string) (*Schema, error)
}

// ResolveTimeout picks the query timeout: explicit option, then driver
// default.
func ResolveTimeout(opts QueryOptions, def time.Duration) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return def
}

// WithTimeout derives a context bounded by d when d is positive.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
