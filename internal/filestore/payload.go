package filestore

import (
	"context"
	"io"
	"sort"
	"strings"

	"github.com/koustreak/tsgate/internal/errs"
)

// URIScheme prefixes object locations on the command line.
const URIScheme = "s3://"

// Location names one object, or every object under a prefix when Key is
// empty or ends in "/".
type Location struct {
	Bucket string
	Key    string
}

func (l Location) String() string { return URIScheme + l.Bucket + "/" + l.Key }

// IsPrefix reports whether the location selects several objects.
func (l Location) IsPrefix() bool { return l.Key == "" || strings.HasSuffix(l.Key, "/") }

// IsURI reports whether s looks like an object location.
func IsURI(s string) bool { return strings.HasPrefix(s, URIScheme) }

// ParseURI parses "s3://bucket/key".
func ParseURI(s string) (Location, error) {
	if !IsURI(s) {
		return Location{}, errs.Newf(errs.ErrKindConfiguration, "object location %q must start with %s", s, URIScheme)
	}
	bucket, key, _ := strings.Cut(strings.TrimPrefix(s, URIScheme), "/")
	if bucket == "" {
		return Location{}, errs.Newf(errs.ErrKindConfiguration, "object location %q has no bucket", s)
	}
	return Location{Bucket: bucket, Key: key}, nil
}

// Payload is the content of one object.
type Payload struct {
	Key  string
	Data []byte
}

// ReadPayloads reads the object at loc, or every object under it in key
// order when loc is a prefix. Objects larger than maxSize are rejected.
func ReadPayloads(ctx context.Context, s Store, loc Location, maxSize int64) ([]Payload, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxObjectSize
	}
	keys := []string{loc.Key}
	if loc.IsPrefix() {
		objs, err := s.ListObjects(ctx, loc.Bucket, ListOptions{Prefix: loc.Key, Recursive: true})
		if err != nil {
			return nil, err
		}
		keys = keys[:0]
		for _, o := range objs {
			if !o.IsDir {
				keys = append(keys, o.Key)
			}
		}
		if len(keys) == 0 {
			return nil, errs.Newf(errs.ErrKindNotFound, "no objects under %s", loc)
		}
		sort.Strings(keys)
	}

	out := make([]Payload, 0, len(keys))
	for _, key := range keys {
		data, err := readObject(ctx, s, loc.Bucket, key, maxSize)
		if err != nil {
			return nil, err
		}
		out = append(out, Payload{Key: key, Data: data})
	}
	return out, nil
}

func readObject(ctx context.Context, s Store, bucket, key string, maxSize int64) ([]byte, error) {
	obj, err := s.GetObject(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, maxSize+1))
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindConnection, "read object "+key, err)
	}
	if int64(len(data)) > maxSize {
		return nil, errs.Newf(errs.ErrKindConfiguration, "object %s exceeds %d bytes", key, maxSize)
	}
	return data, nil
}
