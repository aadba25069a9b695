package database

import (
	"encoding/json"
	"sort"

	"github.com/koustreak/tsgate/internal/version"
)

// Feature is a named capability flag.
type Feature string

const (
	FeatureInfluxQL        Feature = "influxql"
	FeatureFlux            Feature = "flux"
	FeatureSQL             Feature = "sql"
	FeatureNewScalarTypes  Feature = "new_scalar_types"
	FeatureAdminOps        Feature = "admin_ops"
	FeatureBinaryRPCQuery  Feature = "binary_rpc_query"
	FeatureTableModel      Feature = "table_model"
	FeatureTsBlock         Feature = "tsblock"
	FeatureDelete          Feature = "delete"
	FeatureRESTService     Feature = "rest_service"
	FeatureV1Compatibility Feature = "v1_compat"
)

// Protocol is a wire protocol the server was seen to speak.
type Protocol string

const (
	ProtocolHTTP   Protocol = "http"
	ProtocolFlight Protocol = "flight_sql"
	ProtocolThrift Protocol = "thrift_rpc"
	ProtocolREST   Protocol = "rest"
)

// Extra property keys set by detection.
const (
	ExtraBuild              = "build"               // build flavour or commit, when reported
	ExtraTimestampPrecision = "timestamp_precision" // IoTDB: ms, us or ns
	ExtraProtocolVersion    = "protocol_version"    // IoTDB RPC protocol version
	ExtraLegacyRPC          = "legacy_rpc"          // "true" when IoTDB lacks the 1.0 RPC methods
)

// ServerCapability is derived once per connection from the server version
// plus live probes. It has no setters; a changed server needs a new
// detection, so instances are safe to share without locking.
type ServerCapability struct {
	family    Family
	version   version.Info
	features  map[Feature]bool
	protocols []Protocol
	extra     map[string]string
	warnings  []string
}

// CapabilitySpec is the input to NewServerCapability.
type CapabilitySpec struct {
	Family    Family
	Version   version.Info
	Features  map[Feature]bool
	Protocols []Protocol
	Extra     map[string]string
	Warnings  []string
}

// NewServerCapability copies spec into an immutable capability.
func NewServerCapability(spec CapabilitySpec) *ServerCapability {
	c := &ServerCapability{
		family:    spec.Family,
		version:   spec.Version,
		features:  make(map[Feature]bool, len(spec.Features)),
		protocols: append([]Protocol(nil), spec.Protocols...),
		extra:     make(map[string]string, len(spec.Extra)),
		warnings:  append([]string(nil), spec.Warnings...),
	}
	for k, v := range spec.Features {
		if v {
			c.features[k] = true
		}
	}
	for k, v := range spec.Extra {
		c.extra[k] = v
	}
	return c
}

func (c *ServerCapability) Family() Family        { return c.family }
func (c *ServerCapability) Version() version.Info { return c.version }

// Has reports whether the feature flag is set.
func (c *ServerCapability) Has(f Feature) bool {
	return c != nil && c.features[f]
}

// Features lists the set flags in sorted order.
func (c *ServerCapability) Features() []Feature {
	out := make([]Feature, 0, len(c.features))
	for f := range c.features {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Protocols returns a copy of the supported protocol list.
func (c *ServerCapability) Protocols() []Protocol {
	return append([]Protocol(nil), c.protocols...)
}

// SpeaksProtocol reports whether p is in the protocol list.
func (c *ServerCapability) SpeaksProtocol(p Protocol) bool {
	for _, have := range c.protocols {
		if have == p {
			return true
		}
	}
	return false
}

// Extra returns an extra property.
func (c *ServerCapability) Extra(key string) (string, bool) {
	v, ok := c.extra[key]
	return v, ok
}

// Warnings returns a copy of the detection warnings.
func (c *ServerCapability) Warnings() []string {
	return append([]string(nil), c.warnings...)
}

func (c *ServerCapability) SupportsInfluxQL() bool       { return c.Has(FeatureInfluxQL) }
func (c *ServerCapability) SupportsFlux() bool           { return c.Has(FeatureFlux) }
func (c *ServerCapability) SupportsSQL() bool            { return c.Has(FeatureSQL) }
func (c *ServerCapability) SupportsNewScalarTypes() bool { return c.Has(FeatureNewScalarTypes) }
func (c *ServerCapability) SupportsAdminOps() bool       { return c.Has(FeatureAdminOps) }
func (c *ServerCapability) HasBinaryRPCQuery() bool      { return c.Has(FeatureBinaryRPCQuery) }
func (c *ServerCapability) SupportsTableModel() bool     { return c.Has(FeatureTableModel) }

// MarshalJSON exposes the capability for status endpoints.
func (c *ServerCapability) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Family    Family            `json:"family"`
		Version   string            `json:"version"`
		Features  []Feature         `json:"features"`
		Protocols []Protocol        `json:"protocols"`
		Extra     map[string]string `json:"extra,omitempty"`
		Warnings  []string          `json:"warnings,omitempty"`
	}{c.family, c.version.String(), c.Features(), c.protocols, c.extra, c.warnings})
}
