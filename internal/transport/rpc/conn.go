// Package rpc is the framed binary RPC transport: a TCP socket wrapped in
// thrift's framed transport and binary protocol. Every frame is length
// prefixed; payloads are thrift structs serialised by hand-written codecs.
//
// All socket I/O of a Conn runs on a dedicated, OS-thread-pinned executor
// goroutine. Cancelling the context of a call forces an immediate socket
// deadline, which aborts the in-flight read or write; the Conn is then
// marked broken and must be discarded.
package rpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/thrift/lib/go/thrift"
	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/errs"
)

// DefaultMaxFrameSize matches the server-side default of the IoTDB RPC
// service.
const DefaultMaxFrameSize = 512 * 1024 * 1024

// Config controls how a Conn is dialled.
type Config struct {
	ConnectTimeout time.Duration
	TLS            *tls.Config // nil for plain TCP
	MaxFrameSize   int32
}

// Conn is one framed binary RPC connection.
type Conn struct {
	addr   string
	sock   *cancelableConn
	trans  thrift.TTransport
	proto  thrift.TProtocol
	exec   *executor
	seq    atomic.Int32
	broken atomic.Bool
	once   sync.Once
}

// Dial opens a TCP connection to addr and wraps it in the framed binary
// protocol.
func Dial(ctx context.Context, addr string, cfg Config) (*Conn, error) {
	d := &net.Dialer{Timeout: cfg.ConnectTimeout}

	var (
		raw net.Conn
		err error
	)
	if cfg.TLS != nil {
		raw, err = (&tls.Dialer{NetDialer: d, Config: cfg.TLS}).DialContext(ctx, "tcp", addr)
	} else {
		raw, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		if e := database.ContextError(err, "dial"); e != nil {
			return nil, e
		}
		return nil, &errs.Error{Kind: errs.ErrKindConnection, Op: "dial", Message: "server unreachable", Cause: err}
	}

	maxFrame := cfg.MaxFrameSize
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	conf := &thrift.TConfiguration{
		MaxFrameSize:       maxFrame,
		TBinaryStrictRead:  thrift.BoolPtr(true),
		TBinaryStrictWrite: thrift.BoolPtr(true),
	}

	sock := &cancelableConn{Conn: raw}
	trans := thrift.NewTFramedTransportConf(thrift.NewTSocketFromConnConf(sock, conf), conf)
	return &Conn{
		addr:  addr,
		sock:  sock,
		trans: trans,
		proto: thrift.NewTBinaryProtocolConf(trans, conf),
		exec:  newExecutor(),
	}, nil
}

// Addr returns the remote address.
func (c *Conn) Addr() string { return c.addr }

// Broken reports whether the stream is in an unknown state.
func (c *Conn) Broken() bool { return c.broken.Load() }

// Call invokes method with req as its single argument (nil for none) and
// decodes the reply into resp.
func (c *Conn) Call(ctx context.Context, method string, req, resp Struct) error {
	if c.broken.Load() {
		return &errs.Error{Kind: errs.ErrKindConnection, Op: method, Message: "connection is broken"}
	}
	return c.exec.run(ctx, func() error {
		if err := ctx.Err(); err != nil {
			return database.ContextError(err, method)
		}

		stop := context.AfterFunc(ctx, c.sock.cancel)
		err := c.roundTrip(ctx, method, req, resp)
		if !stop() {
			// the interrupt fired; the socket now carries a past deadline
			c.broken.Store(true)
		}

		if err == nil {
			return nil
		}
		var app *applicationError
		if errors.As(err, &app) {
			return &errs.Error{Kind: errs.ErrKindQuery, Op: method, Message: "server raised exception", Cause: err}
		}

		c.broken.Store(true)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return database.ContextError(ctxErr, method)
		}
		return mapTransportError(err, method)
	})
}

func (c *Conn) roundTrip(ctx context.Context, method string, req, resp Struct) error {
	seq := c.seq.Add(1)

	if err := c.proto.WriteMessageBegin(ctx, method, thrift.CALL, seq); err != nil {
		return err
	}
	w := NewWriter(ctx, c.proto).Begin(method + "_args")
	if req != nil {
		w.Struct("req", 1, req)
	}
	if err := w.End(); err != nil {
		return err
	}
	if err := c.proto.WriteMessageEnd(ctx); err != nil {
		return err
	}
	if err := c.proto.Flush(ctx); err != nil {
		return err
	}

	name, mtype, rseq, err := c.proto.ReadMessageBegin(ctx)
	if err != nil {
		return err
	}
	if mtype == thrift.EXCEPTION {
		exc := thrift.NewTApplicationException(thrift.UNKNOWN_APPLICATION_EXCEPTION, "")
		if err := exc.Read(ctx, c.proto); err != nil {
			return err
		}
		if err := c.proto.ReadMessageEnd(ctx); err != nil {
			return err
		}
		return &applicationError{cause: exc}
	}
	if name != method || rseq != seq || mtype != thrift.REPLY {
		return thrift.NewTProtocolExceptionWithType(thrift.INVALID_DATA,
			fmt.Errorf("unexpected reply %s#%d (type %d) to %s#%d", name, rseq, mtype, method, seq))
	}

	gotResult := false
	err = ReadStruct(ctx, c.proto, func(id int16, t thrift.TType) (bool, error) {
		if id != 0 || t != thrift.STRUCT {
			return false, nil
		}
		gotResult = true
		return true, resp.Read(ctx, c.proto)
	})
	if err != nil {
		return err
	}
	if err := c.proto.ReadMessageEnd(ctx); err != nil {
		return err
	}
	if !gotResult {
		return &applicationError{cause: thrift.NewTApplicationException(thrift.MISSING_RESULT, method+" returned no result")}
	}
	return nil
}

// Close stops the executor and closes the socket. It is safe to call more
// than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.exec.stop()
		err = c.trans.Close()
	})
	return err
}

type applicationError struct {
	cause thrift.TApplicationException
}

func (e *applicationError) Error() string { return e.cause.Error() }
func (e *applicationError) Unwrap() error { return e.cause }

func mapTransportError(err error, op string) *errs.Error {
	if e := database.ContextError(err, op); e != nil {
		return e
	}
	var te thrift.TTransportException
	if errors.As(err, &te) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return &errs.Error{Kind: errs.ErrKindConnection, Op: op, Message: "connection lost", Cause: err}
	}
	var pe thrift.TProtocolException
	if errors.As(err, &pe) && pe.TypeId() != thrift.UNKNOWN_PROTOCOL_EXCEPTION {
		return &errs.Error{Kind: errs.ErrKindInternal, Op: op, Message: "malformed frame", Cause: err}
	}
	return &errs.Error{Kind: errs.ErrKindConnection, Op: op, Message: "transport failure", Cause: err}
}

// cancelableConn keeps a forced deadline in place: thrift resets socket
// deadlines before every read, which would otherwise undo the interrupt.
type cancelableConn struct {
	net.Conn
	cancelled atomic.Bool
}

func (c *cancelableConn) cancel() {
	c.cancelled.Store(true)
	_ = c.Conn.SetDeadline(time.Now())
}

func (c *cancelableConn) SetDeadline(t time.Time) error {
	if c.cancelled.Load() {
		t = time.Now()
	}
	return c.Conn.SetDeadline(t)
}

func (c *cancelableConn) SetReadDeadline(t time.Time) error {
	if c.cancelled.Load() {
		t = time.Now()
	}
	return c.Conn.SetReadDeadline(t)
}

func (c *cancelableConn) SetWriteDeadline(t time.Time) error {
	if c.cancelled.Load() {
		t = time.Now()
	}
	return c.Conn.SetWriteDeadline(t)
}
