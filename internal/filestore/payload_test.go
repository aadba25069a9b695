package filestore

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/koustreak/tsgate/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memObject struct {
	io.Reader
	info *ObjectInfo
}

func (o *memObject) Close() error      { return nil }
func (o *memObject) Info() *ObjectInfo { return o.info }

// memStore keeps objects of one bucket in memory.
type memStore map[string]string

func (m memStore) Ping(context.Context) error { return nil }
func (m memStore) Close() error               { return nil }

func (m memStore) ListObjects(_ context.Context, _ string, opts ListOptions) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for k, v := range m {
		if strings.HasPrefix(k, opts.Prefix) {
			out = append(out, ObjectInfo{Key: k, Size: int64(len(v)), IsDir: strings.HasSuffix(k, "/")})
		}
	}
	return out, nil
}

func (m memStore) GetObject(_ context.Context, _, key string) (Object, error) {
	v, ok := m[key]
	if !ok {
		return nil, errs.New(errs.ErrKindNotFound, "no such key "+key)
	}
	return &memObject{Reader: bytes.NewReader([]byte(v)), info: &ObjectInfo{Key: key}}, nil
}

func TestParseURI(t *testing.T) {
	loc, err := ParseURI("s3://ingest/2024/06/cpu.lp")
	require.NoError(t, err)
	assert.Equal(t, Location{Bucket: "ingest", Key: "2024/06/cpu.lp"}, loc)
	assert.False(t, loc.IsPrefix())
	assert.Equal(t, "s3://ingest/2024/06/cpu.lp", loc.String())

	loc, err = ParseURI("s3://ingest")
	require.NoError(t, err)
	assert.True(t, loc.IsPrefix())

	for _, bad := range []string{"ingest/cpu.lp", "s3:///cpu.lp", ""} {
		_, err := ParseURI(bad)
		assert.True(t, errs.IsConfiguration(err), bad)
	}
}

func TestReadPayloads(t *testing.T) {
	store := memStore{
		"2024/b.lp":   "cpu v=2 2\n",
		"2024/a.lp":   "cpu v=1 1\n",
		"2024/empty/": "",
		"other.lp":    "mem v=1 1\n",
	}
	ctx := context.Background()

	got, err := ReadPayloads(ctx, store, Location{Bucket: "b", Key: "2024/"}, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2024/a.lp", got[0].Key)
	assert.Equal(t, "cpu v=2 2\n", string(got[1].Data))

	got, err = ReadPayloads(ctx, store, Location{Bucket: "b", Key: "other.lp"}, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)

	_, err = ReadPayloads(ctx, store, Location{Bucket: "b", Key: "missing/"}, 0)
	assert.True(t, errs.IsNotFound(err))

	_, err = ReadPayloads(ctx, store, Location{Bucket: "b", Key: "other.lp"}, 4)
	assert.True(t, errs.IsConfiguration(err))
}

func TestConfig(t *testing.T) {
	c := Config{Endpoint: "localhost:9000"}.WithDefaults()
	assert.Equal(t, ProviderMinIO, c.Provider)
	assert.Equal(t, DefaultMaxObjectSize, c.MaxObjectSize)
	require.NoError(t, c.Validate())

	assert.Error(t, (&Config{}).Validate())
	assert.Error(t, (&Config{Endpoint: "x", Provider: "gcs"}).Validate())
}
