package version

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		raw                 string
		major, minor, patch uint64
		build               string
	}{
		{"2.0.3", 2, 0, 3, ""},
		{"1.3.2-beta", 1, 3, 2, "beta"},
		{"v2.7.1", 2, 7, 1, ""},
		{"1.8", 1, 8, 0, ""},
		{"1.8.10 (git: 1.8 688e697c51)", 1, 8, 10, ""},
		{"InfluxDB 3.0.1, revision 4ce0b9c", 3, 0, 1, ""},
		{"1.11.8-c1.11.8", 1, 11, 8, "c1.11.8"},
		{"0.13.4", 0, 13, 4, ""},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			v, err := Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.major, v.Major)
			assert.Equal(t, tt.minor, v.Minor)
			assert.Equal(t, tt.patch, v.Patch)
			assert.Equal(t, tt.build, v.Build)
			assert.False(t, v.IsUnknown())
		})
	}
}

func TestParse_RoundTripsEveryU8Triple(t *testing.T) {
	for _, major := range []uint64{0, 1, 2, 9, 10, 127, 255} {
		for _, minor := range []uint64{0, 3, 99, 255} {
			for _, patch := range []uint64{0, 7, 200} {
				raw := fmt.Sprintf("%d.%d.%d", major, minor, patch)
				v, err := Parse(raw)
				require.NoError(t, err, raw)
				assert.Equal(t, [3]uint64{major, minor, patch}, [3]uint64{v.Major, v.Minor, v.Patch}, raw)

				withBuild, err := Parse(raw + "-rc1")
				require.NoError(t, err)
				assert.Equal(t, v.Major, withBuild.Major)
				assert.Equal(t, "rc1", withBuild.Build)
			}
		}
	}
}

func TestParse_Failures(t *testing.T) {
	for _, raw := range []string{"", "   ", "x.1.2", "1.x.3", "latest", "v.1"} {
		t.Run(raw, func(t *testing.T) {
			v, err := Parse(raw)
			assert.Error(t, err)
			assert.True(t, v.IsUnknown())
		})
	}
}

func TestParseOrUnknown(t *testing.T) {
	v := ParseOrUnknown("nightly")
	assert.True(t, v.IsUnknown())
	assert.Equal(t, "unknown", v.String())
	assert.Equal(t, "nightly", v.Build)

	v = ParseOrUnknown("1.3.2")
	assert.Equal(t, "1.3.2", v.String())
}

func TestCompare(t *testing.T) {
	assert.True(t, mustParse(t, "1.8.10").Less(mustParse(t, "2.0.0")))
	assert.True(t, mustParse(t, "1.3.2-beta").Less(mustParse(t, "1.3.2")))
	assert.True(t, mustParse(t, "0.13.4").Less(mustParse(t, "1.0.0")))
	assert.Equal(t, 0, mustParse(t, "v2.7.1").Compare(mustParse(t, "2.7.1")))
	assert.True(t, Unknown().Less(mustParse(t, "0.0.1")))
	assert.Equal(t, 0, Unknown().Compare(Unknown()))
}

func TestAtLeast(t *testing.T) {
	v := mustParse(t, "1.3.0-beta")
	assert.True(t, v.AtLeast(1, 3))
	assert.True(t, v.AtLeast(0, 99))
	assert.False(t, v.AtLeast(1, 4))
	assert.False(t, v.AtLeast(2, 0))
	assert.False(t, Unknown().AtLeast(0, 0))
}

func mustParse(t *testing.T, raw string) Info {
	t.Helper()
	v, err := Parse(raw)
	require.NoError(t, err)
	return v
}
