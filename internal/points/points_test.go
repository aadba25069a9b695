package points

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine_IntegerWithDecimalPoint(t *testing.T) {
	p, err := ParseLine("cpu,host=a usage=1.0i 1000")
	require.NoError(t, err)

	assert.Equal(t, "cpu", p.Measurement)
	assert.Equal(t, []Tag{{Key: "host", Value: "a"}}, p.Tags)
	require.Len(t, p.Fields, 1)
	assert.Equal(t, "usage", p.Fields[0].Key)
	assert.True(t, database.Int64Value(1).Equal(p.Fields[0].Value))
	assert.True(t, p.HasTimestamp)
	assert.Equal(t, int64(1000), p.Timestamp)
}

func TestParseLine_RequiresField(t *testing.T) {
	for _, line := range []string{"cpu", "cpu,host=a", "cpu,host=a  "} {
		_, err := ParseLine(line)
		require.Error(t, err, line)
		assert.Equal(t, "at least one field required", err.Error())
	}
}

func TestParseLine_Values(t *testing.T) {
	p, err := ParseLine(`weather,location=us\ west,zone=b temp=82.5,ok=t,count=3i,big=18446744073709551615u,note="a \"quoted\", spaced note"`)
	require.NoError(t, err)

	assert.Equal(t, "weather", p.Measurement)
	loc, _ := p.Tag("location")
	assert.Equal(t, "us west", loc)
	assert.False(t, p.HasTimestamp)

	temp, _ := p.Field("temp")
	assert.Equal(t, database.TypeDouble, temp.Type())
	ok, _ := p.Field("ok")
	assert.True(t, ok.Bool())
	count, _ := p.Field("count")
	assert.Equal(t, int64(3), count.Int())
	big, _ := p.Field("big")
	assert.Equal(t, database.TypeText, big.Type())
	note, _ := p.Field("note")
	assert.Equal(t, `a "quoted", spaced note`, note.Str())
}

func TestParseLine_Rejects(t *testing.T) {
	tests := map[string]string{
		"cpu,host usage=1":       `invalid tag "host"`,
		",host=a usage=1":        "missing measurement",
		"cpu usage=1.5i":         `invalid value for field "usage"`,
		"cpu usage=abc":          `invalid value for field "usage"`,
		"cpu usage=1 12ab":       `invalid timestamp "12ab"`,
		"cpu usage=1 100 extra":  "unexpected text after timestamp",
		`cpu note="unterminated`: `invalid value for field "note"`,
	}
	for line, want := range tests {
		t.Run(line, func(t *testing.T) {
			_, err := ParseLine(line)
			require.Error(t, err)
			assert.Contains(t, err.Error(), want)
		})
	}
}

func TestParse_LineNumbers(t *testing.T) {
	payload := strings.Join([]string{
		"# header comment",
		"cpu,host=a usage=1 1",
		"",
		"cpu",
		"mem used=2i 2\r",
		"disk free=oops",
	}, "\n")

	pts, lineErrs := Parse([]byte(payload))
	require.Len(t, pts, 2)
	assert.Equal(t, 2, pts[0].Line)
	assert.Equal(t, 5, pts[1].Line)

	require.Len(t, lineErrs, 2)
	assert.Equal(t, 4, lineErrs[0].Line)
	assert.Equal(t, "line 4: at least one field required", lineErrs[0].Error())
	assert.Equal(t, 6, lineErrs[1].Line)
}

func TestEncode_Canonical(t *testing.T) {
	pts, lineErrs := Parse([]byte("cpu,zone=b,host=a usage=1.0i,idle=0.5 1700000000000\nmem free=\"x y\""))
	require.Empty(t, lineErrs)

	out, err := Encode(pts, Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "cpu,host=a,zone=b usage=1i,idle=0.5 1700000000000\nmem free=\"x y\"\n", string(out))
}

func TestPointTime(t *testing.T) {
	p := Point{Timestamp: 1500, HasTimestamp: true}
	assert.True(t, p.Time(Millisecond).Equal(time.UnixMilli(1500)))
	assert.True(t, p.Time(Second).Equal(time.Unix(1500, 0)))
	assert.True(t, (&Point{}).Time(Nanosecond).IsZero())
}

func TestParsePrecision(t *testing.T) {
	p, err := ParsePrecision("MS")
	require.NoError(t, err)
	assert.Equal(t, Millisecond, p)
	p, _ = ParsePrecision("")
	assert.Equal(t, Nanosecond, p)
	_, err = ParsePrecision("h")
	assert.True(t, errs.IsConfiguration(err))
}

func TestChunk(t *testing.T) {
	pts := make([]Point, 7)
	chunks := Chunk(pts, 3)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[2], 1)
	assert.Empty(t, Chunk(nil, 3))
}

func TestDeliver_PartialFailure(t *testing.T) {
	payload := []byte("a v=1 1\nbad\nb v=2 2\nc v=3 3\nd v=4 4\ne v=5 5")

	calls := 0
	n, err := Deliver(context.Background(), payload, "db", 2, func(_ context.Context, chunk []Point) error {
		calls++
		if calls == 2 {
			return errs.New(errs.ErrKindWrite, "partial write: field type conflict")
		}
		return nil
	})

	assert.Equal(t, 3, n)
	var we *errs.WriteError
	require.True(t, errors.As(err, &we))
	assert.Equal(t, 3, we.Succeeded)
	assert.Equal(t, "db", we.Target)
	require.Len(t, we.Lines, 1)
	assert.Equal(t, 2, we.Lines[0].Line)
	require.Len(t, we.Chunks, 1)
	assert.Equal(t, 1, we.Chunks[0].Index)
	assert.Equal(t, 4, we.Chunks[0].FirstLine)
	assert.Equal(t, 5, we.Chunks[0].LastLine)
}

func TestDeliver_AllGood(t *testing.T) {
	n, err := Deliver(context.Background(), []byte("a v=1\nb v=2"), "db", 10, func(context.Context, []Point) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDeliver_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := Deliver(ctx, []byte("a v=1\nb v=2"), "db", 1, func(context.Context, []Point) error {
		t.Fatal("nothing may be sent after cancellation")
		return nil
	})
	assert.Zero(t, n)
	assert.True(t, errs.IsWrite(err))
	assert.True(t, database.IsBroken(err))
}
