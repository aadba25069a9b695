// Package dialect classifies raw query text into the query language it is
// written in.
//
// The classifier is a heuristic: it looks for the presence of distinguishing
// tokens and never parses a grammar. Text that is valid in more than one
// language (a bare SELECT ... FROM ...) is classified by a fixed precedence,
// which can be wrong for unusual input. Callers that know the language
// should not rely on Resolve.
package dialect

import (
	"strings"

	"github.com/koustreak/tsgate/internal/database"
)

// Dialect is a query language or schema model.
type Dialect int

const (
	InfluxQL   Dialect = iota // default for text with no distinguishing tokens
	Flux                      // pipeline-oriented
	SQL                       // declarative, row-oriented
	IoTDBTree                 // IoTDB path-addressed tree model
	IoTDBTable                // IoTDB 2.x relational table model
)

func (d Dialect) String() string {
	switch d {
	case Flux:
		return "flux"
	case SQL:
		return "sql"
	case IoTDBTree:
		return "iotdb_tree"
	case IoTDBTable:
		return "iotdb_table"
	default:
		return "influxql"
	}
}

// fluxTokens never appear in the row-oriented languages.
var fluxTokens = []string{
	"|>",
	"from(bucket:",
	"range(start:",
	"import \"",
	"buckets()",
}

// influxQLOnly are fragments exclusive to InfluxQL. Their presence vetoes a
// SQL classification even when the text also reads as SELECT ... FROM.
var influxQLOnly = []string{
	"group by time(",
	"fill(",
	" slimit ",
	" soffset ",
	"show measurements",
	"show tag keys",
	"show tag values",
	"show field keys",
	"show retention policies",
	"show series",
	"show databases",
	"show diagnostics",
	"create retention policy",
	" tz(",
}

// sqlPrefixes start statements that read as generic SQL.
var sqlPrefixes = []string{
	"select ",
	"with ",
	"show tables",
	"show columns",
	"describe ",
	"desc ",
	"explain ",
	"insert into ",
}

// Resolve classifies text. The order of checks is fixed: Flux, then the
// IoTDB tree path, then SQL unless an InfluxQL-only token is present, then
// the InfluxQL default.
func Resolve(text string) Dialect {
	norm := normalize(text)

	if containsAny(norm, fluxTokens) {
		return Flux
	}
	if isTreePath(norm) {
		return IoTDBTree
	}
	if containsAny(norm, influxQLOnly) {
		return InfluxQL
	}
	if hasPrefixAny(norm, sqlPrefixes) {
		return SQL
	}
	return InfluxQL
}

// ResolveFor classifies text for a database family. IoTDB speaks no Flux or
// InfluxQL, so SQL maps onto the table model and everything else onto the
// tree model.
func ResolveFor(family database.Family, text string) Dialect {
	d := Resolve(text)
	if family != database.FamilyIoTDB {
		return d
	}
	switch d {
	case IoTDBTree:
		return IoTDBTree
	case SQL:
		return IoTDBTable
	default:
		return IoTDBTree
	}
}

// normalize lowercases, collapses whitespace and pads with spaces so token
// checks can rely on word boundaries at both ends.
func normalize(text string) string {
	return " " + strings.Join(strings.Fields(strings.ToLower(text)), " ") + " "
}

// isTreePath reports whether the text addresses a series path such as
// root.sg.d1.s1. A quoted 'root.' inside a string literal still counts; the
// resolver does not tokenize literals.
func isTreePath(norm string) bool {
	for _, p := range []string{" root.", ",root.", "(root."} {
		if strings.Contains(norm, p) {
			return true
		}
	}
	return false
}

func containsAny(s string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func hasPrefixAny(norm string, prefixes []string) bool {
	trimmed := strings.TrimLeft(norm, " (")
	for _, p := range prefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	return false
}
