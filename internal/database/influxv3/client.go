package influxv3

import (
	"context"
	"crypto/tls"
	"net/http"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"
	"github.com/influxdata/line-protocol/v2/lineprotocol"
	"github.com/koustreak/tsgate/internal/database"
)

// rows is the part of *influxdb3.QueryIterator the driver consumes.
type rows interface {
	Next() bool
	Value() map[string]any
	Err() error
}

// backend is the query and write surface of the InfluxDB 3 client.
type backend interface {
	query(ctx context.Context, db, text string, qt influxdb3.QueryType) (rows, error)
	write(ctx context.Context, db string, body []byte, prec lineprotocol.Precision) error
	close() error
}

// sdkBackend routes queries over Flight and writes over HTTP. The two use
// separate clients when the Flight port differs from the HTTP port.
type sdkBackend struct {
	queries *influxdb3.Client
	writes  *influxdb3.Client
}

func newSDKBackend(cfg *database.DriverConfig) (*sdkBackend, error) {
	writes, err := influxdb3.New(clientConfig(cfg, cfg.Port))
	if err != nil {
		return nil, err
	}
	b := &sdkBackend{queries: writes, writes: writes}

	if port := cfg.IntParam(database.ParamFlightPort, 0); port > 0 && port != cfg.Port {
		b.queries, err = influxdb3.New(clientConfig(cfg, port))
		if err != nil {
			_ = writes.Close()
			return nil, err
		}
	}
	return b, nil
}

func clientConfig(cfg *database.DriverConfig, port int) influxdb3.ClientConfig {
	cc := influxdb3.ClientConfig{
		Host:     cfg.Scheme() + "://" + cfg.AddressFor(port),
		Token:    cfg.Token,
		Database: cfg.Database,
	}
	if cfg.SSL && cfg.InsecureSkipVerify {
		cc.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
		}
	}
	return cc
}

func (b *sdkBackend) query(ctx context.Context, db, text string, qt influxdb3.QueryType) (rows, error) {
	it, err := b.queries.Query(ctx, text, influxdb3.WithDatabase(db), influxdb3.WithQueryType(qt))
	if err != nil {
		return nil, err
	}
	return it, nil
}

func (b *sdkBackend) write(ctx context.Context, db string, body []byte, prec lineprotocol.Precision) error {
	return b.writes.Write(ctx, body, influxdb3.WithDatabase(db), influxdb3.WithPrecision(prec))
}

func (b *sdkBackend) close() error {
	err := b.writes.Close()
	if b.queries != b.writes {
		if qerr := b.queries.Close(); err == nil {
			err = qerr
		}
	}
	return err
}

// flightAddress is where queries go, for log fields.
func flightAddress(cfg *database.DriverConfig) string {
	return cfg.AddressFor(cfg.IntParam(database.ParamFlightPort, cfg.Port))
}
