package database

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/koustreak/tsgate/internal/errs"
)

// Family is the database product a connection talks to.
type Family string

const (
	FamilyInfluxDB Family = "influxdb"
	FamilyIoTDB    Family = "iotdb"
)

// ParseFamily accepts the family name in any case.
func ParseFamily(s string) (Family, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "influxdb", "influx":
		return FamilyInfluxDB, true
	case "iotdb":
		return FamilyIoTDB, true
	}
	return "", false
}

// Default ports per family.
const (
	DefaultInfluxPort    = 8086
	DefaultIoTDBPort     = 6667
	DefaultIoTDBRESTPort = 18080

	DefaultTimeout   = 10 * time.Second
	DefaultBatchSize = 5000
)

// Keys understood in DriverConfig.Extra.
const (
	ParamOrg             = "org"              // InfluxDB 2.x organisation
	ParamBucket          = "bucket"           // InfluxDB 2.x default bucket, falls back to Database
	ParamRetentionPolicy = "retention_policy" // InfluxDB 1.x write rp
	ParamPrecision       = "precision"        // write precision: ns, us, ms, s
	ParamBatchSize       = "batch_size"       // points per write chunk
	ParamProtocol        = "protocol"         // IoTDB: "rpc" (default) or "rest"
	ParamRESTPort        = "rest_port"        // IoTDB REST service port
	ParamSQLDialect      = "sql_dialect"      // IoTDB 2.x: "tree" or "table"
	ParamZoneID          = "zone_id"          // IoTDB session time zone
	ParamFetchSize       = "fetch_size"       // IoTDB rows per fetch
	ParamFlightPort      = "flight_port"      // InfluxDB 3 Flight port when it differs from Port
)

// DriverConfig holds the connection parameters for a single logical
// connection. It is owned by the caller and cloned into every driver.
type DriverConfig struct {
	ID                 string            `yaml:"id" json:"id"`
	Family             Family            `yaml:"family" json:"family"`
	Host               string            `yaml:"host" json:"host"`
	Port               int               `yaml:"port" json:"port"`
	Username           string            `yaml:"username" json:"username,omitempty"`
	Password           string            `yaml:"password" json:"-"`
	Token              string            `yaml:"token" json:"-"`
	Database           string            `yaml:"database" json:"database,omitempty"`
	SSL                bool              `yaml:"ssl" json:"ssl"`
	InsecureSkipVerify bool              `yaml:"insecure_skip_verify" json:"insecure_skip_verify,omitempty"`
	Timeout            time.Duration     `yaml:"timeout" json:"timeout"`
	Extra              map[string]string `yaml:"extra" json:"extra,omitempty"`
}

// Clone returns a deep copy; drivers keep their own copy so caller edits
// never leak into a live connection.
func (c *DriverConfig) Clone() *DriverConfig {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Extra != nil {
		cp.Extra = make(map[string]string, len(c.Extra))
		for k, v := range c.Extra {
			cp.Extra[k] = v
		}
	}
	return &cp
}

// WithDefaults returns a clone with the family port and timeout filled in.
func (c *DriverConfig) WithDefaults() *DriverConfig {
	cp := c.Clone()
	if cp.Port == 0 {
		switch cp.Family {
		case FamilyInfluxDB:
			cp.Port = DefaultInfluxPort
		case FamilyIoTDB:
			cp.Port = DefaultIoTDBPort
		}
	}
	if cp.Timeout <= 0 {
		cp.Timeout = DefaultTimeout
	}
	return cp
}

// Validate checks the config before any I/O happens.
func (c *DriverConfig) Validate() error {
	if c == nil {
		return errs.New(errs.ErrKindConfiguration, "connection config is required")
	}
	if c.Family != FamilyInfluxDB && c.Family != FamilyIoTDB {
		return errs.Newf(errs.ErrKindConfiguration, "unknown database family %q", c.Family)
	}
	if strings.TrimSpace(c.Host) == "" {
		return errs.New(errs.ErrKindConfiguration, "host is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return errs.Newf(errs.ErrKindConfiguration, "port %d out of range", c.Port)
	}
	if c.Timeout < 0 {
		return errs.New(errs.ErrKindConfiguration, "timeout must not be negative")
	}
	if v, ok := c.Extra[ParamBatchSize]; ok {
		if n, err := strconv.Atoi(v); err != nil || n <= 0 {
			return errs.Newf(errs.ErrKindConfiguration, "%s must be a positive integer, got %q", ParamBatchSize, v)
		}
	}
	if v, ok := c.Extra[ParamProtocol]; ok && v != "rpc" && v != "rest" {
		return errs.Newf(errs.ErrKindConfiguration, "%s must be rpc or rest, got %q", ParamProtocol, v)
	}
	return nil
}

// Address returns host:port.
func (c *DriverConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// AddressFor returns host:port for an alternate port.
func (c *DriverConfig) AddressFor(port int) string {
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Scheme is "https" when SSL is on.
func (c *DriverConfig) Scheme() string {
	if c.SSL {
		return "https"
	}
	return "http"
}

// BaseURL returns scheme://host:port.
func (c *DriverConfig) BaseURL() string {
	return fmt.Sprintf("%s://%s", c.Scheme(), c.Address())
}

// Param returns an Extra value or def when unset.
func (c *DriverConfig) Param(key, def string) string {
	if v, ok := c.Extra[key]; ok && v != "" {
		return v
	}
	return def
}

// IntParam returns an Extra value parsed as int, or def when unset or invalid.
func (c *DriverConfig) IntParam(key string, def int) int {
	v, ok := c.Extra[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// BatchSize is the number of points sent per write chunk.
func (c *DriverConfig) BatchSize() int {
	return c.IntParam(ParamBatchSize, DefaultBatchSize)
}
