package influxv3

import (
	"errors"
	"net"
	"net/http"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"
	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/errs"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// mapError turns client errors into *errs.Error. Queries fail with gRPC
// statuses from the Flight service; writes fail with *influxdb3.ServerError.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	if ce := database.ContextError(err, op); ce != nil {
		return ce
	}

	var se *influxdb3.ServerError
	if errors.As(err, &se) {
		return serverError(se, op)
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return &errs.Error{Kind: grpcKind(st.Code()), Op: op, Message: st.Message(), Cause: err}
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return &errs.Error{Kind: errs.ErrKindConnection, Op: op, Message: "server unreachable", Cause: err}
	}
	kind := errs.ErrKindQuery
	if op == "write" {
		kind = errs.ErrKindWrite
	}
	return &errs.Error{Kind: kind, Op: op, Message: err.Error(), Cause: err}
}

func grpcKind(c codes.Code) errs.ErrKind {
	switch c {
	case codes.Unauthenticated, codes.PermissionDenied:
		return errs.ErrKindAuthentication
	case codes.Unavailable:
		return errs.ErrKindConnection
	case codes.DeadlineExceeded, codes.Canceled:
		return errs.ErrKindTimeout
	case codes.Unimplemented:
		return errs.ErrKindUnsupported
	case codes.NotFound:
		return errs.ErrKindNotFound
	case codes.Internal, codes.DataLoss:
		return errs.ErrKindInternal
	}
	return errs.ErrKindQuery
}

func serverError(se *influxdb3.ServerError, op string) error {
	msg := se.Message
	if msg == "" {
		msg = http.StatusText(se.StatusCode)
	}

	kind := errs.ErrKindQuery
	switch code := se.StatusCode; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = errs.ErrKindAuthentication
	case code == http.StatusNotFound:
		kind = errs.ErrKindNotFound
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		kind = errs.ErrKindTimeout
	case code >= 500:
		kind = errs.ErrKindConnection
	case op == "write":
		kind = errs.ErrKindWrite
	}
	return &errs.Error{Kind: kind, Op: op, Message: msg, Cause: se}
}
