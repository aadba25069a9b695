package influxv3

import (
	"context"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"
	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/errs"
)

// probeDatabase is queried when the config names no database. A NotFound
// answer still proves the Flight service is up.
const probeDatabase = "_tsgate_probe"

// ProbeFlight runs SELECT 1 over Flight. It returns an Unsupported error when
// the endpoint is missing or unreachable and nil when the server answered,
// including with a query-level rejection. It satisfies
// capability.FlightProberFunc.
func ProbeFlight(ctx context.Context, cfg *database.DriverConfig) error {
	return probe(ctx, cfg, func(cfg *database.DriverConfig) (backend, error) { return newSDKBackend(cfg) })
}

func probe(ctx context.Context, cfg *database.DriverConfig, dial func(*database.DriverConfig) (backend, error)) error {
	b, err := dial(cfg)
	if err != nil {
		return &errs.Error{Kind: errs.ErrKindConfiguration, Op: "probe flight", Message: "create InfluxDB 3 client", Cause: err}
	}
	defer b.close()

	db := cfg.Database
	if db == "" {
		db = probeDatabase
	}
	it, err := b.query(ctx, db, "SELECT 1", influxdb3.SQL)
	if err == nil {
		for it.Next() {
		}
		err = it.Err()
	}
	if err == nil {
		return nil
	}

	switch mapped := mapError(err, "probe flight"); errs.KindOf(mapped) {
	case errs.ErrKindQuery, errs.ErrKindNotFound:
		return nil
	case errs.ErrKindUnsupported, errs.ErrKindConnection:
		u := errs.Unsupported(string(database.ProtocolFlight))
		u.Op, u.Cause = "probe flight", mapped
		return u
	default:
		return mapped
	}
}
