// Package rpctest runs an in-process framed binary RPC server for tests,
// in the spirit of net/http/httptest.
package rpctest

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/apache/thrift/lib/go/thrift"
	"github.com/koustreak/tsgate/internal/transport/rpc"
)

// HandlerFunc serves one method. It must read its arguments from args
// (ReadArg does that for the usual single-argument shape) and returns the
// reply struct, or an error to send back as an application exception.
type HandlerFunc func(ctx context.Context, args thrift.TProtocol) (rpc.Struct, error)

// Server accepts connections on a loopback port.
type Server struct {
	ln       net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	conns    atomic.Int64
	wg       sync.WaitGroup
}

// NewServer starts listening on 127.0.0.1 with an ephemeral port.
func NewServer() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{ln: ln, ctx: ctx, cancel: cancel, handlers: map[string]HandlerFunc{}}
	s.wg.Add(1)
	go s.accept()
	return s, nil
}

// Addr returns host:port.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Connections returns how many connections have been accepted.
func (s *Server) Connections() int64 { return s.conns.Load() }

// Handle registers h for method, replacing any previous handler.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// Close stops accepting, cancels handler contexts and waits for all
// connection goroutines.
func (s *Server) Close() {
	s.cancel()
	_ = s.ln.Close()
	s.wg.Wait()
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.conns.Add(1)
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	conf := &thrift.TConfiguration{}
	trans := thrift.NewTFramedTransportConf(thrift.NewTSocketFromConnConf(conn, conf), conf)
	proto := thrift.NewTBinaryProtocolConf(trans, conf)
	ctx := s.ctx

	for {
		name, _, seq, err := proto.ReadMessageBegin(ctx)
		if err != nil {
			return
		}

		s.mu.RLock()
		h := s.handlers[name]
		s.mu.RUnlock()

		var (
			reply  rpc.Struct
			appErr thrift.TApplicationException
		)
		if h == nil {
			if err := proto.Skip(ctx, thrift.STRUCT); err != nil {
				return
			}
			appErr = thrift.NewTApplicationException(thrift.UNKNOWN_METHOD, "unknown method "+name)
		} else {
			reply, err = h(ctx, proto)
			if err != nil {
				var ae thrift.TApplicationException
				if !errors.As(err, &ae) {
					ae = thrift.NewTApplicationException(thrift.INTERNAL_ERROR, err.Error())
				}
				appErr = ae
			}
		}
		if err := proto.ReadMessageEnd(ctx); err != nil {
			return
		}

		if appErr != nil {
			err = writeException(ctx, proto, name, seq, appErr)
		} else {
			err = writeReply(ctx, proto, name, seq, reply)
		}
		if err != nil {
			return
		}
	}
}

func writeReply(ctx context.Context, p thrift.TProtocol, name string, seq int32, reply rpc.Struct) error {
	if err := p.WriteMessageBegin(ctx, name, thrift.REPLY, seq); err != nil {
		return err
	}
	w := rpc.NewWriter(ctx, p).Begin(name + "_result")
	if reply != nil {
		w.Struct("success", 0, reply)
	}
	if err := w.End(); err != nil {
		return err
	}
	if err := p.WriteMessageEnd(ctx); err != nil {
		return err
	}
	return p.Flush(ctx)
}

func writeException(ctx context.Context, p thrift.TProtocol, name string, seq int32, exc thrift.TApplicationException) error {
	if err := p.WriteMessageBegin(ctx, name, thrift.EXCEPTION, seq); err != nil {
		return err
	}
	if err := exc.Write(ctx, p); err != nil {
		return err
	}
	if err := p.WriteMessageEnd(ctx); err != nil {
		return err
	}
	return p.Flush(ctx)
}

// ReadArg decodes an args struct whose field 1 is req. A nil req skips the
// arguments.
func ReadArg(ctx context.Context, p thrift.TProtocol, req rpc.Struct) error {
	return rpc.ReadStruct(ctx, p, func(id int16, t thrift.TType) (bool, error) {
		if id != 1 || t != thrift.STRUCT || req == nil {
			return false, nil
		}
		return true, req.Read(ctx, p)
	})
}
