package errs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "message only",
			err:  New(ErrKindConfiguration, "host is required"),
			want: "[configuration] host is required",
		},
		{
			name: "with op and connection",
			err: &Error{
				Kind:         ErrKindQuery,
				Op:           "query",
				ConnectionID: "prod",
				Message:      "server rejected statement",
				Cause:        errors.New("syntax error at position 3"),
			},
			want: "[query] query (conn=prod): server rejected statement: syntax error at position 3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestPredicates(t *testing.T) {
	err := Wrap(ErrKindTimeout, "query timed out", context.DeadlineExceeded)

	assert.True(t, IsTimeout(err))
	assert.False(t, IsConnection(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, ErrKindUnknown, KindOf(errors.New("plain")))
}

func TestWithConnection_DoesNotMutateOriginal(t *testing.T) {
	orig := New(ErrKindQuery, "bad")
	annotated := WithConnection(orig, "c1")

	assert.Empty(t, orig.ConnectionID)
	var e *Error
	require.True(t, errors.As(annotated, &e))
	assert.Equal(t, "c1", e.ConnectionID)
	assert.True(t, IsQuery(annotated))
}

func TestWithOp_WrapsForeignErrors(t *testing.T) {
	err := WithOp(errors.New("boom"), "connect")

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "connect", e.Op)
	assert.Equal(t, ErrKindUnknown, e.Kind)
	assert.Nil(t, WithOp(nil, "connect"))
}

func TestWriteError(t *testing.T) {
	we := &WriteError{
		Succeeded: 3,
		Lines:     []LineError{{Line: 2, Message: "at least one field required"}},
		Chunks: []ChunkError{{
			Index: 1, FirstLine: 5, LastLine: 6, Points: 2,
			Cause: New(ErrKindTimeout, "deadline"),
		}},
	}

	assert.True(t, IsWrite(we))
	assert.True(t, we.Failed())
	assert.Contains(t, we.Error(), "line 2: at least one field required")
	assert.Contains(t, we.Error(), "3 points written")
	assert.True(t, IsWrite(WithConnection(we, "c1")))
	assert.Equal(t, "c1", we.ConnectionID)

	var empty *WriteError
	assert.NoError(t, empty.OrNil())
	assert.NoError(t, (&WriteError{Succeeded: 10}).OrNil())
}

func TestWriteError_UnwrapsEveryChunk(t *testing.T) {
	we := &WriteError{Chunks: []ChunkError{
		{Index: 0, Cause: New(ErrKindWrite, "field type conflict")},
		{Index: 1},
		{Index: 2, Cause: Wrap(ErrKindTimeout, "deadline exceeded", context.DeadlineExceeded)},
	}}

	require.Len(t, we.Unwrap(), 2)
	assert.ErrorIs(t, we, context.DeadlineExceeded)
	assert.Equal(t, ErrKindWrite, KindOf(we))

	var timeout *Error
	found := false
	for _, c := range we.Unwrap() {
		if errors.As(c, &timeout) && timeout.Kind == ErrKindTimeout {
			found = true
		}
	}
	assert.True(t, found)
	assert.Empty(t, (&WriteError{Lines: []LineError{{Line: 1}}}).Unwrap())
}

func TestWithOp_KeepsWriteError(t *testing.T) {
	we := &WriteError{Target: "db", Chunks: []ChunkError{{Cause: New(ErrKindWrite, "rejected")}}}
	err := WithConnection(WithOp(we, "write"), "c1")

	var got *WriteError
	assert.True(t, errors.As(err, &got))
	assert.Same(t, we, got)
	assert.Equal(t, "c1", got.ConnectionID)
}
