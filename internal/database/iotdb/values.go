package iotdb

import (
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/points"
	"github.com/koustreak/tsgate/internal/typemap"
)

// encodeValues serialises one insertRecords row: per value a type code byte
// followed by the big-endian payload. Variable-length values carry an int32
// length prefix.
func encodeValues(vals []database.Value, unit time.Duration) ([]byte, error) {
	var buf []byte
	for _, v := range vals {
		code, ok := typeCode(v.Type())
		if !ok {
			return nil, fmt.Errorf("type %s cannot be written", v.Type())
		}
		buf = append(buf, code)
		switch v.Type() {
		case database.TypeBoolean:
			if v.Bool() {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case database.TypeInt32:
			buf = binary.BigEndian.AppendUint32(buf, uint32(int32(v.Int())))
		case database.TypeInt64:
			buf = binary.BigEndian.AppendUint64(buf, uint64(v.Int()))
		case database.TypeFloat:
			buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(float32(v.Float())))
		case database.TypeDouble:
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v.Float()))
		case database.TypeText, database.TypeString:
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.Str())))
			buf = append(buf, v.Str()...)
		case database.TypeBlob:
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.Bytes())))
			buf = append(buf, v.Bytes()...)
		case database.TypeDate:
			buf = binary.BigEndian.AppendUint32(buf, uint32(dateToInt(v.Time())))
		case database.TypeTimestamp:
			buf = binary.BigEndian.AppendUint64(buf, uint64(timeToUnits(v.Time(), unit)))
		}
	}
	return buf, nil
}

var plainNode = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// NodeName quotes a path node that is not a plain identifier.
func NodeName(s string) string {
	if plainNode.MatchString(s) {
		return s
	}
	return database.QuoteIdent(s, database.QuoteBacktick)
}

// DevicePath maps a point onto a tree-model device: the target storage
// group, the measurement, then tag values in tag-key order. Measurements
// already rooted at "root." are used as given.
func DevicePath(target string, p *points.Point) string {
	var sb strings.Builder
	if strings.HasPrefix(p.Measurement, "root.") {
		sb.WriteString(p.Measurement)
	} else {
		sb.WriteString(target)
		sb.WriteByte('.')
		sb.WriteString(NodeName(p.Measurement))
	}
	for _, t := range p.Tags {
		sb.WriteByte('.')
		sb.WriteString(NodeName(t.Value))
	}
	return sb.String()
}

// recordsFor builds an insertRecords request for one chunk of points.
func recordsFor(chunk []points.Point, target string, m *typemap.Mapper, prec points.Precision, unit time.Duration, now time.Time) (*InsertRecordsReq, error) {
	req := &InsertRecordsReq{
		Devices:      make([]string, 0, len(chunk)),
		Measurements: make([][]string, 0, len(chunk)),
		Values:       make([][]byte, 0, len(chunk)),
		Timestamps:   make([]int64, 0, len(chunk)),
	}
	for i := range chunk {
		p := &chunk[i]
		names := make([]string, 0, len(p.Fields))
		vals := make([]database.Value, 0, len(p.Fields))
		for _, f := range p.Fields {
			if f.Value.IsNull() {
				continue
			}
			names = append(names, NodeName(f.Key))
			vals = append(vals, m.Downgrade(f.Value))
		}
		buf, err := encodeValues(vals, unit)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", p.Line, err)
		}

		ts := now
		if p.HasTimestamp {
			ts = p.Time(prec)
		}
		req.Devices = append(req.Devices, DevicePath(target, p))
		req.Measurements = append(req.Measurements, names)
		req.Values = append(req.Values, buf)
		req.Timestamps = append(req.Timestamps, timeToUnits(ts, unit))
	}
	return req, nil
}

// PrecisionUnit maps ServerProperties.timestampPrecision onto a duration.
func PrecisionUnit(s string) time.Duration {
	switch strings.ToLower(s) {
	case "us":
		return time.Microsecond
	case "ns":
		return time.Nanosecond
	default:
		return time.Millisecond
	}
}
