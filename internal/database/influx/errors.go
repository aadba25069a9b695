package influx

import (
	"errors"

	"github.com/koustreak/tsgate/internal/errs"
)

// WriteFailure re-kinds a failed write request. Rejections the HTTP layer
// reports as Query or NotFound (bad line, unknown database) are Write errors
// here; transport, timeout and authentication kinds are kept.
func WriteFailure(err error) error {
	var e *errs.Error
	if !errors.As(err, &e) {
		return errs.Wrap(errs.ErrKindWrite, "write rejected", err)
	}
	switch e.Kind {
	case errs.ErrKindQuery, errs.ErrKindNotFound:
		cp := *e
		cp.Kind = errs.ErrKindWrite
		return &cp
	}
	return err
}
