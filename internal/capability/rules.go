package capability

import (
	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/version"
)

// rule enables a feature from a minimum version onwards. Rules only ever
// switch features on, so Infer is monotone in the version.
type rule struct {
	feature      database.Feature
	major, minor uint64
}

var influxRules = []rule{
	{database.FeatureInfluxQL, 0, 0},
	{database.FeatureDelete, 1, 0},
	{database.FeatureFlux, 2, 0},
	{database.FeatureNewScalarTypes, 2, 0},
	{database.FeatureAdminOps, 2, 0},
	{database.FeatureV1Compatibility, 2, 0},
	{database.FeatureSQL, 3, 0},
	{database.FeatureBinaryRPCQuery, 3, 0},
}

var iotdbRules = []rule{
	{database.FeatureSQL, 0, 0},
	{database.FeatureBinaryRPCQuery, 0, 0},
	{database.FeatureDelete, 0, 0},
	{database.FeatureTsBlock, 1, 0},
	{database.FeatureAdminOps, 1, 0},
	{database.FeatureNewScalarTypes, 1, 3},
	{database.FeatureTableModel, 2, 0},
}

// Infer returns the features a server of family at version v has by version
// alone. An unknown version infers nothing.
func Infer(family database.Family, v version.Info) map[database.Feature]bool {
	out := map[database.Feature]bool{}
	if v.IsUnknown() {
		return out
	}
	var rules []rule
	switch family {
	case database.FamilyInfluxDB:
		rules = influxRules
	case database.FamilyIoTDB:
		rules = iotdbRules
	}
	for _, r := range rules {
		if v.AtLeast(r.major, r.minor) {
			out[r.feature] = true
		}
	}
	return out
}

// protocolsFor lists the wire protocols implied by the inferred features.
// Live probes append to the list.
func protocolsFor(family database.Family, features map[database.Feature]bool) []database.Protocol {
	switch family {
	case database.FamilyInfluxDB:
		ps := []database.Protocol{database.ProtocolHTTP}
		if features[database.FeatureBinaryRPCQuery] {
			ps = append(ps, database.ProtocolFlight)
		}
		return ps
	case database.FamilyIoTDB:
		return []database.Protocol{database.ProtocolThrift}
	}
	return nil
}
