// Package points parses and re-encodes line-protocol write payloads.
//
// Line protocol is the canonical write format for every driver:
//
//	measurement[,tag=value...] field=value[,field=value...] [timestamp]
//
// Parsing is line by line; a malformed line is reported with its 1-based line
// number and does not abort the rest of the payload.
package points

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/errs"
)

// Tag is a single tag pair.
type Tag struct {
	Key   string
	Value string
}

// Field is a single field pair. Values are BOOLEAN, INT64, DOUBLE or TEXT.
type Field struct {
	Key   string
	Value database.Value
}

// Point is one parsed line.
type Point struct {
	Measurement  string
	Tags         []Tag // sorted by key
	Fields       []Field
	Timestamp    int64 // in the payload's precision
	HasTimestamp bool
	Line         int // 1-based line number in the payload
}

// Tag returns the value of the named tag.
func (p *Point) Tag(key string) (string, bool) {
	for _, t := range p.Tags {
		if t.Key == key {
			return t.Value, true
		}
	}
	return "", false
}

// Field returns the value of the named field.
func (p *Point) Field(key string) (database.Value, bool) {
	for _, f := range p.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return database.NullValue(), false
}

// Parse splits payload into points. Blank lines and # comments are skipped
// but still counted for line numbers.
func Parse(payload []byte) ([]Point, []errs.LineError) {
	var (
		out     []Point
		lineErr []errs.LineError
	)
	for i, raw := range strings.Split(string(payload), "\n") {
		line := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p, err := ParseLine(line)
		if err != nil {
			lineErr = append(lineErr, errs.LineError{Line: i + 1, Message: err.Error()})
			continue
		}
		p.Line = i + 1
		out = append(out, p)
	}
	return out, lineErr
}

// ParseLine parses a single line.
func ParseLine(line string) (Point, error) {
	sections := splitUnescaped(line, ' ', true)
	if len(sections) == 0 || sections[0] == "" {
		return Point{}, fmt.Errorf("missing measurement")
	}
	if len(sections) > 3 {
		return Point{}, fmt.Errorf("unexpected text after timestamp: %q", strings.Join(sections[3:], " "))
	}

	keyParts := splitUnescaped(sections[0], ',', false)
	p := Point{Measurement: unescape(keyParts[0], ", ")}
	if p.Measurement == "" {
		return Point{}, fmt.Errorf("missing measurement")
	}

	tags := make(map[string]string, len(keyParts)-1)
	for _, kv := range keyParts[1:] {
		k, v, ok := cutUnescaped(kv, '=')
		k, v = unescape(k, ",= "), unescape(v, ",= ")
		if !ok || k == "" || v == "" {
			return Point{}, fmt.Errorf("invalid tag %q", kv)
		}
		tags[k] = v
	}
	for k, v := range tags {
		p.Tags = append(p.Tags, Tag{Key: k, Value: v})
	}
	sort.Slice(p.Tags, func(i, j int) bool { return p.Tags[i].Key < p.Tags[j].Key })

	if len(sections) < 2 || sections[1] == "" {
		return Point{}, fmt.Errorf("at least one field required")
	}
	for _, kv := range splitUnescaped(sections[1], ',', true) {
		k, raw, ok := cutUnescaped(kv, '=')
		k = unescape(k, ",= ")
		if !ok || k == "" {
			return Point{}, fmt.Errorf("invalid field %q", kv)
		}
		v, err := parseFieldValue(raw)
		if err != nil {
			return Point{}, fmt.Errorf("invalid value for field %q: %w", k, err)
		}
		p.Fields = append(p.Fields, Field{Key: k, Value: v})
	}
	if len(p.Fields) == 0 {
		return Point{}, fmt.Errorf("at least one field required")
	}

	if len(sections) == 3 {
		ts, err := strconv.ParseInt(sections[2], 10, 64)
		if err != nil {
			return Point{}, fmt.Errorf("invalid timestamp %q", sections[2])
		}
		p.Timestamp, p.HasTimestamp = ts, true
	}
	return p, nil
}

// parseFieldValue accepts integer fields written with a decimal point
// ("1.0i") as long as the value is integral.
func parseFieldValue(raw string) (database.Value, error) {
	if raw == "" {
		return database.NullValue(), fmt.Errorf("empty value")
	}

	if raw[0] == '"' {
		if len(raw) < 2 || raw[len(raw)-1] != '"' {
			return database.NullValue(), fmt.Errorf("unterminated string %s", raw)
		}
		return database.TextValue(unescape(raw[1:len(raw)-1], `"\`)), nil
	}

	switch raw {
	case "t", "T", "true", "True", "TRUE":
		return database.BoolValue(true), nil
	case "f", "F", "false", "False", "FALSE":
		return database.BoolValue(false), nil
	}

	switch raw[len(raw)-1] {
	case 'i':
		num := raw[:len(raw)-1]
		if n, err := strconv.ParseInt(num, 10, 64); err == nil {
			return database.Int64Value(n), nil
		}
		f, err := strconv.ParseFloat(num, 64)
		if err != nil || f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
			return database.NullValue(), fmt.Errorf("bad integer %s", raw)
		}
		return database.Int64Value(int64(f)), nil
	case 'u':
		n, err := strconv.ParseUint(raw[:len(raw)-1], 10, 64)
		if err != nil {
			return database.NullValue(), fmt.Errorf("bad unsigned integer %s", raw)
		}
		if n > math.MaxInt64 {
			return database.TextValue(strconv.FormatUint(n, 10)), nil
		}
		return database.Int64Value(int64(n)), nil
	}

	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return database.NullValue(), fmt.Errorf("bad number %s", raw)
	}
	return database.DoubleValue(f), nil
}

// splitUnescaped splits s on sep, honouring backslash escapes and, when
// quotes is set, double-quoted strings.
func splitUnescaped(s string, sep byte, quotes bool) []string {
	var (
		parts   []string
		start   int
		inQuote bool
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\':
			i++
		case quotes && c == '"':
			inQuote = !inQuote
		case c == sep && !inQuote:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])

	if sep == ' ' {
		kept := parts[:0]
		for _, p := range parts {
			if p != "" {
				kept = append(kept, p)
			}
		}
		parts = kept
	}
	return parts
}

// cutUnescaped splits s at the first unescaped sep.
func cutUnescaped(s string, sep byte) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case sep:
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

// unescape removes the backslash in front of any character listed in chars.
func unescape(s, chars string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && strings.IndexByte(chars, s[i+1]) >= 0 {
			i++
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}
