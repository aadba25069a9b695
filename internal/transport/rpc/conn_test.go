package rpc_test

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/apache/thrift/lib/go/thrift"
	"github.com/koustreak/tsgate/internal/errs"
	"github.com/koustreak/tsgate/internal/transport/rpc"
	"github.com/koustreak/tsgate/internal/transport/rpc/rpctest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echo struct {
	Msg string
	N   int64
}

func (e *echo) Write(ctx context.Context, p thrift.TProtocol) error {
	return rpc.NewWriter(ctx, p).Begin("Echo").String("msg", 1, e.Msg).I64("n", 2, e.N).End()
}

func (e *echo) Read(ctx context.Context, p thrift.TProtocol) error {
	return rpc.ReadStruct(ctx, p, func(id int16, t thrift.TType) (bool, error) {
		var err error
		switch {
		case id == 1 && t == thrift.STRING:
			e.Msg, err = p.ReadString(ctx)
		case id == 2 && t == thrift.I64:
			e.N, err = p.ReadI64(ctx)
		default:
			return false, nil
		}
		return true, err
	})
}

// wideEcho carries a field older clients do not know about.
type wideEcho struct {
	echo
	Extra []string
}

func (e *wideEcho) Write(ctx context.Context, p thrift.TProtocol) error {
	return rpc.NewWriter(ctx, p).Begin("Echo").
		String("msg", 1, e.Msg).
		Strings("extra", 7, e.Extra).
		I64("n", 2, e.N).
		End()
}

func newServer(t *testing.T) *rpctest.Server {
	t.Helper()
	srv, err := rpctest.NewServer()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	srv.Handle("echo", func(ctx context.Context, args thrift.TProtocol) (rpc.Struct, error) {
		var in echo
		if err := rpctest.ReadArg(ctx, args, &in); err != nil {
			return nil, err
		}
		return &wideEcho{echo: echo{Msg: strings.ToUpper(in.Msg), N: in.N + 1}, Extra: []string{"x"}}, nil
	})
	srv.Handle("fail", func(ctx context.Context, args thrift.TProtocol) (rpc.Struct, error) {
		if err := rpctest.ReadArg(ctx, args, nil); err != nil {
			return nil, err
		}
		return nil, errors.New("boom")
	})
	srv.Handle("slow", func(ctx context.Context, args thrift.TProtocol) (rpc.Struct, error) {
		if err := rpctest.ReadArg(ctx, args, nil); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
		return &echo{}, nil
	})
	return srv
}

func dial(t *testing.T, srv *rpctest.Server) *rpc.Conn {
	t.Helper()
	c, err := rpc.Dial(context.Background(), srv.Addr(), rpc.Config{ConnectTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConn_RoundTrip(t *testing.T) {
	c := dial(t, newServer(t))

	for i := int64(0); i < 3; i++ {
		var out echo
		require.NoError(t, c.Call(context.Background(), "echo", &echo{Msg: "ping", N: i}, &out))
		assert.Equal(t, "PING", out.Msg)
		assert.Equal(t, i+1, out.N)
	}
	assert.False(t, c.Broken())
}

func TestConn_ApplicationExceptionKeepsStream(t *testing.T) {
	c := dial(t, newServer(t))

	err := c.Call(context.Background(), "fail", nil, &echo{})
	require.Error(t, err)
	assert.True(t, errs.IsQuery(err))
	assert.Contains(t, err.Error(), "boom")

	err = c.Call(context.Background(), "nope", nil, &echo{})
	require.Error(t, err)
	assert.True(t, errs.IsQuery(err))
	assert.False(t, c.Broken())

	var out echo
	require.NoError(t, c.Call(context.Background(), "echo", &echo{Msg: "still"}, &out))
	assert.Equal(t, "STILL", out.Msg)
}

func TestConn_CancelBreaksConnection(t *testing.T) {
	c := dial(t, newServer(t))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.Call(ctx, "slow", nil, &echo{})
	require.Error(t, err)
	assert.True(t, errs.IsTimeout(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, c.Broken())

	err = c.Call(context.Background(), "echo", &echo{}, &echo{})
	assert.True(t, errs.IsConnection(err))
}

func TestConn_CancelledBeforeCall(t *testing.T) {
	c := dial(t, newServer(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Call(ctx, "echo", &echo{}, &echo{})
	assert.True(t, errs.IsTimeout(err))
	assert.False(t, c.Broken())
}

func TestConn_CallAfterClose(t *testing.T) {
	c := dial(t, newServer(t))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err := c.Call(context.Background(), "echo", &echo{}, &echo{})
	assert.True(t, errs.IsConnection(err))
}

func TestDial_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = rpc.Dial(context.Background(), addr, rpc.Config{ConnectTimeout: time.Second})
	require.Error(t, err)
	assert.True(t, errs.IsConnection(err))
}
