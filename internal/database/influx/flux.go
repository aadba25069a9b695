package influx

import (
	"encoding/base64"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/errs"
)

// FluxDialect is the request dialect that makes the server emit the three
// annotation rows DecodeFlux relies on.
var FluxDialect = map[string]any{
	"header":         true,
	"delimiter":      ",",
	"annotations":    []string{"datatype", "group", "default"},
	"commentPrefix":  "#",
	"dateTimeFormat": "RFC3339",
}

// Flux columns that only describe the stream structure.
var fluxMeta = map[string]bool{"result": true, "table": true}

// fluxBlock is the header state of the current CSV table.
type fluxBlock struct {
	types    []string
	groups   []bool
	defaults []string
	names    []string
	cols     []int
}

// DecodeFlux reads an annotated CSV Flux response into a Dataset. Every
// table of the response contributes rows; columns are matched by name.
// Group-key columns that do not start with an underscore become tag
// columns, _time the time column and _value a field.
func DecodeFlux(r io.Reader, start time.Time) (*database.Dataset, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	t := NewTable()
	var blk *fluxBlock
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errs.Wrap(errs.ErrKindInternal, "decode Flux response", err)
		}
		if len(rec) == 0 || (len(rec) == 1 && rec[0] == "") {
			blk = nil
			continue
		}

		switch {
		case strings.HasPrefix(rec[0], "#"):
			if blk == nil || blk.names != nil {
				blk = &fluxBlock{}
			}
			switch rec[0] {
			case "#datatype":
				blk.types = rec
			case "#group":
				blk.groups = make([]bool, len(rec))
				for i, g := range rec {
					blk.groups[i] = g == "true"
				}
			case "#default":
				blk.defaults = rec
			}
		case blk == nil || blk.names == nil:
			if blk == nil {
				blk = &fluxBlock{}
			}
			blk.names = rec
			if isFluxError(rec) {
				continue
			}
			blk.cols = make([]int, len(rec))
			for i, name := range rec {
				if i == 0 || fluxMeta[name] {
					blk.cols[i] = -1
					continue
				}
				blk.cols[i] = t.Column(name, fluxType(blk.annotation(blk.types, i)), blk.role(i))
			}
		default:
			if isFluxError(blk.names) {
				return nil, fluxError(blk.names, rec)
			}
			row := make(map[int]database.Value, len(rec))
			for i, raw := range rec {
				if i >= len(blk.cols) || blk.cols[i] < 0 {
					continue
				}
				if raw == "" {
					raw = blk.annotation(blk.defaults, i)
				}
				v, err := fluxValue(blk.annotation(blk.types, i), raw)
				if err != nil {
					return nil, errs.Wrap(errs.ErrKindInternal, fmt.Sprintf("column %q", blk.names[i]), err)
				}
				row[blk.cols[i]] = v
			}
			t.Append(row)
		}
	}
	return t.Finish(start), nil
}

func (b *fluxBlock) annotation(row []string, i int) string {
	if i < len(row) {
		return row[i]
	}
	return ""
}

func (b *fluxBlock) role(i int) database.ColumnRole {
	name := b.names[i]
	switch {
	case name == "_time":
		return database.RoleTime
	case name == "_value":
		return database.RoleField
	case i < len(b.groups) && b.groups[i] && !strings.HasPrefix(name, "_"):
		return database.RoleTag
	case strings.HasPrefix(name, "_"):
		return database.RoleOther
	}
	return database.RoleField
}

// isFluxError recognises the error table a query failing mid-stream
// produces: columns "error" and "reference".
func isFluxError(names []string) bool {
	for _, n := range names {
		if n == "error" {
			return true
		}
	}
	return false
}

func fluxError(names, rec []string) error {
	for i, n := range names {
		if n == "error" && i < len(rec) {
			return errs.New(errs.ErrKindQuery, rec[i])
		}
	}
	return errs.New(errs.ErrKindQuery, "flux query failed")
}

func fluxType(annotation string) database.DataType {
	switch {
	case annotation == "boolean":
		return database.TypeBoolean
	case annotation == "long" || annotation == "unsignedLong":
		return database.TypeInt64
	case annotation == "double":
		return database.TypeDouble
	case strings.HasPrefix(annotation, "dateTime"):
		return database.TypeTimestamp
	case annotation == "base64Binary":
		return database.TypeBlob
	case annotation == "string" || annotation == "duration":
		return database.TypeText
	}
	return database.TypeNull
}

func fluxValue(annotation, raw string) (database.Value, error) {
	if raw == "" && annotation != "string" {
		return database.NullValue(), nil
	}
	switch fluxType(annotation) {
	case database.TypeBoolean:
		b, err := strconv.ParseBool(raw)
		return database.BoolValue(b), err
	case database.TypeInt64:
		if annotation == "unsignedLong" {
			u, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return database.Value{}, err
			}
			if u > math.MaxInt64 {
				return database.TextValue(raw), nil
			}
			return database.Int64Value(int64(u)), nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		return database.Int64Value(n), err
	case database.TypeDouble:
		f, err := strconv.ParseFloat(raw, 64)
		return database.DoubleValue(f), err
	case database.TypeTimestamp:
		ts, err := time.Parse(time.RFC3339Nano, raw)
		return database.TimestampValue(ts), err
	case database.TypeBlob:
		b, err := base64.StdEncoding.DecodeString(raw)
		return database.BlobValue(b), err
	}
	return database.TextValue(raw), nil
}
