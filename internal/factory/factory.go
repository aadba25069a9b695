// Package factory turns a detected capability into exactly one concrete
// driver. Selection is a total function of family, major version and the
// protocol sub-features; combinations without a driver fail closed with an
// Unsupported error and never fall back to another protocol.
package factory

import (
	"fmt"

	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/database/influxv1"
	"github.com/koustreak/tsgate/internal/database/influxv2"
	"github.com/koustreak/tsgate/internal/database/influxv3"
	"github.com/koustreak/tsgate/internal/database/iotdb"
	"github.com/koustreak/tsgate/internal/database/iotdbrest"
	"github.com/koustreak/tsgate/internal/errs"
	"github.com/koustreak/tsgate/internal/logger"
)

// capVersion names the missing capability when no driver covers a version.
const capVersion = "server_version"

// Factory builds drivers. Create performs no I/O.
type Factory struct {
	log *logger.Logger
}

// New returns a Factory whose drivers log through log.
func New(log *logger.Logger) *Factory {
	if log == nil {
		log = logger.Nop()
	}
	return &Factory{log: log}
}

// Select reports which driver Create would build.
func Select(cfg *database.DriverConfig, caps *database.ServerCapability) (database.Kind, error) {
	if cfg == nil || caps == nil {
		return "", errs.New(errs.ErrKindConfiguration, "config and capability are required")
	}
	if caps.Family() != cfg.Family {
		return "", errs.Newf(errs.ErrKindConfiguration, "capability is for %s, config is for %s", caps.Family(), cfg.Family)
	}
	v := caps.Version()
	if v.IsUnknown() {
		return "", unsupported(capVersion, "server version unknown")
	}

	switch cfg.Family {
	case database.FamilyInfluxDB:
		switch {
		case v.Major == 1:
			return database.KindInfluxV1, nil
		case v.Major == 2:
			return database.KindInfluxV2, nil
		case v.Major >= 3 && caps.SpeaksProtocol(database.ProtocolFlight):
			return database.KindInfluxV3, nil
		case v.Major >= 3:
			return "", unsupported(string(database.ProtocolFlight), fmt.Sprintf("InfluxDB %s does not answer on Flight SQL", v))
		}
	case database.FamilyIoTDB:
		if !(v.Major == 0 && v.Minor >= 13) && v.Major != 1 && v.Major != 2 {
			break
		}
		if cfg.Param(database.ParamProtocol, "rpc") == "rest" {
			if !caps.Has(database.FeatureRESTService) {
				return "", unsupported(string(database.FeatureRESTService), "REST requested but the service is not enabled")
			}
			return database.KindIoTDBREST, nil
		}
		return database.KindIoTDB, nil
	}
	return "", unsupported(capVersion, fmt.Sprintf("no driver for %s %s", cfg.Family, v))
}

// Create builds the driver for cfg. The returned driver is unconnected.
func (f *Factory) Create(cfg *database.DriverConfig, caps *database.ServerCapability) (database.Driver, error) {
	kind, err := Select(cfg, caps)
	if err != nil {
		return nil, errs.WithConnection(errs.WithOp(err, "create driver"), cfg.ID)
	}
	cfg = cfg.WithDefaults()
	log := f.log.ForConnection(cfg.ID)

	var d database.Driver
	switch kind {
	case database.KindInfluxV1:
		d = influxv1.New(cfg, caps, log)
	case database.KindInfluxV2:
		d = influxv2.New(cfg, caps, log)
	case database.KindInfluxV3:
		d = influxv3.New(cfg, caps, log)
	case database.KindIoTDB:
		d = iotdb.New(cfg, caps, log)
	case database.KindIoTDBREST:
		d = iotdbrest.New(cfg, caps, log)
	}
	log.DebugWith("driver created", map[string]interface{}{"kind": string(kind), "version": caps.Version().String()})
	return d, nil
}

func unsupported(capability, msg string) *errs.Error {
	e := errs.Unsupported(capability)
	e.Message = msg + ": server lacks capability " + capability
	return e
}
