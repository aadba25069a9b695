package points

import (
	"fmt"
	"strings"
	"time"

	"github.com/influxdata/line-protocol/v2/lineprotocol"
	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/errs"
)

// Precision is the unit of the timestamps in a payload.
type Precision string

const (
	Nanosecond  Precision = "ns"
	Microsecond Precision = "us"
	Millisecond Precision = "ms"
	Second      Precision = "s"
)

// ParsePrecision accepts ns, us, ms and s; empty means nanoseconds.
func ParsePrecision(s string) (Precision, error) {
	switch p := Precision(strings.ToLower(strings.TrimSpace(s))); p {
	case "", "n":
		return Nanosecond, nil
	case Nanosecond, Microsecond, Millisecond, Second:
		return p, nil
	case "u", "µs":
		return Microsecond, nil
	}
	return "", errs.Newf(errs.ErrKindConfiguration, "unknown precision %q", s)
}

// Duration returns the length of one unit.
func (p Precision) Duration() time.Duration {
	switch p {
	case Microsecond:
		return time.Microsecond
	case Millisecond:
		return time.Millisecond
	case Second:
		return time.Second
	default:
		return time.Nanosecond
	}
}

// LineProtocol returns the encoder precision for p.
func (p Precision) LineProtocol() lineprotocol.Precision {
	switch p {
	case Microsecond:
		return lineprotocol.Microsecond
	case Millisecond:
		return lineprotocol.Millisecond
	case Second:
		return lineprotocol.Second
	default:
		return lineprotocol.Nanosecond
	}
}

// Time converts the point's timestamp using prec. Points without a
// timestamp return the zero time.
func (p *Point) Time(prec Precision) time.Time {
	if !p.HasTimestamp {
		return time.Time{}
	}
	return time.Unix(0, 0).Add(time.Duration(p.Timestamp) * prec.Duration()).UTC()
}

// Encode renders points as canonical line protocol: sorted tags, escaped
// keys and the timestamp in prec.
func Encode(pts []Point, prec Precision) ([]byte, error) {
	var enc lineprotocol.Encoder
	enc.SetPrecision(prec.LineProtocol())

	for i := range pts {
		p := &pts[i]
		enc.StartLine(p.Measurement)
		for _, t := range p.Tags {
			enc.AddTag(t.Key, t.Value)
		}
		for _, f := range p.Fields {
			v, ok := lineprotocol.NewValue(f.Value.Native())
			if !ok {
				return nil, errs.Newf(errs.ErrKindWrite, "line %d: field %q has no line-protocol representation", p.Line, f.Key)
			}
			enc.AddField(f.Key, v)
		}
		enc.EndLine(p.Time(prec))
		if err := enc.Err(); err != nil {
			return nil, errs.Wrap(errs.ErrKindInternal, fmt.Sprintf("line %d: encode", p.Line), err)
		}
	}
	return enc.Bytes(), nil
}

// Chunk splits pts into consecutive groups of at most size points.
func Chunk(pts []Point, size int) [][]Point {
	if size <= 0 {
		size = database.DefaultBatchSize
	}
	var out [][]Point
	for start := 0; start < len(pts); start += size {
		end := min(start+size, len(pts))
		out = append(out, pts[start:end])
	}
	return out
}

// ChunkError builds the error record for a failed chunk.
func ChunkError(index int, chunk []Point, cause error) errs.ChunkError {
	ce := errs.ChunkError{Index: index, Points: len(chunk), Cause: cause}
	if len(chunk) > 0 {
		ce.FirstLine = chunk[0].Line
		ce.LastLine = chunk[len(chunk)-1].Line
	}
	return ce
}
