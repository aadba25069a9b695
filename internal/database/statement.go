package database

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/koustreak/tsgate/internal/errs"
)

// QuoteStyle controls how identifiers are quoted in generated statements.
type QuoteStyle int

const (
	// QuoteDouble wraps identifiers in "..." (InfluxQL, SQL).
	QuoteDouble QuoteStyle = iota

	// QuoteBacktick wraps identifiers in `...` (IoTDB).
	QuoteBacktick
)

// validOps is the allowlist of comparison operators for WHERE clauses.
// The operator position cannot be escaped, so anything else is rejected.
var validOps = map[string]bool{
	"=":    true,
	"!=":   true,
	"<>":   true,
	"<":    true,
	">":    true,
	"<=":   true,
	">=":   true,
	"LIKE": true,
}

// SelectBuilder generates the read-only statements drivers use for schema
// introspection. The servers offer no bind parameters on every protocol, so
// values are rendered as escaped literals.
//
// Usage:
//
//	q, err := database.Select("information_schema.columns", database.QuoteDouble).
//	    Columns("column_name", "data_type").
//	    Where("table_name", "=", "cpu").
//	    OrderBy("column_name", database.Asc).
//	    Build()
type SelectBuilder struct {
	from    string
	style   QuoteStyle
	columns []string
	where   []whereClause
	orderBy []orderClause
	limit   *int
}

// SortDirection controls the ORDER BY direction.
type SortDirection bool

const (
	Asc  SortDirection = false
	Desc SortDirection = true
)

type whereClause struct {
	column string
	op     string
	value  any
}

type orderClause struct {
	column string
	dir    SortDirection
}

// Select starts a builder. from may be dotted (schema.table); each segment
// is quoted separately.
func Select(from string, style QuoteStyle) *SelectBuilder {
	return &SelectBuilder{from: from, style: style}
}

// Columns restricts the projection; SELECT * is the default.
func (b *SelectBuilder) Columns(cols ...string) *SelectBuilder {
	b.columns = cols
	return b
}

// Where adds a condition; multiple calls are combined with AND.
func (b *SelectBuilder) Where(column, op string, value any) *SelectBuilder {
	b.where = append(b.where, whereClause{column, op, value})
	return b
}

// OrderBy appends an ORDER BY term.
func (b *SelectBuilder) OrderBy(column string, dir SortDirection) *SelectBuilder {
	b.orderBy = append(b.orderBy, orderClause{column, dir})
	return b
}

// Limit caps the number of rows.
func (b *SelectBuilder) Limit(n int) *SelectBuilder {
	b.limit = &n
	return b
}

// Build renders the statement.
func (b *SelectBuilder) Build() (string, error) {
	cols := "*"
	if len(b.columns) > 0 {
		quoted := make([]string, len(b.columns))
		for i, c := range b.columns {
			quoted[i] = QuoteIdent(c, b.style)
		}
		cols = strings.Join(quoted, ", ")
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(cols)
	sb.WriteString(" FROM ")
	sb.WriteString(QuotePath(b.from, b.style))

	if len(b.where) > 0 {
		parts := make([]string, 0, len(b.where))
		for _, w := range b.where {
			op := strings.ToUpper(w.op)
			if !validOps[op] {
				return "", errs.Newf(errs.ErrKindConfiguration, "unsupported WHERE operator: %q", w.op)
			}
			lit, err := Literal(w.value)
			if err != nil {
				return "", err
			}
			parts = append(parts, fmt.Sprintf("%s %s %s", QuoteIdent(w.column, b.style), op, lit))
		}
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(parts, " AND "))
	}

	if len(b.orderBy) > 0 {
		parts := make([]string, len(b.orderBy))
		for i, o := range b.orderBy {
			dir := "ASC"
			if o.dir == Desc {
				dir = "DESC"
			}
			parts[i] = fmt.Sprintf("%s %s", QuoteIdent(o.column, b.style), dir)
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(parts, ", "))
	}

	if b.limit != nil {
		fmt.Fprintf(&sb, " LIMIT %d", *b.limit)
	}
	return sb.String(), nil
}

// QuoteIdent quotes a single identifier, doubling embedded quote characters.
func QuoteIdent(name string, style QuoteStyle) string {
	if style == QuoteBacktick {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuotePath quotes each dot-separated segment of a qualified name.
func QuotePath(path string, style QuoteStyle) string {
	segs := strings.Split(path, ".")
	for i, s := range segs {
		segs[i] = QuoteIdent(s, style)
	}
	return strings.Join(segs, ".")
}

// QuoteString renders s as a single-quoted string literal with embedded
// quotes doubled.
func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Literal renders a Go value as a statement literal.
func Literal(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "NULL", nil
	case string:
		return QuoteString(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case time.Time:
		return QuoteString(x.UTC().Format(time.RFC3339Nano)), nil
	case Value:
		if x.IsNull() {
			return "NULL", nil
		}
		return Literal(x.Native())
	}
	return "", errs.Newf(errs.ErrKindConfiguration, "cannot render %T as a literal", v)
}
