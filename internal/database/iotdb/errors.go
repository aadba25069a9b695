package iotdb

import (
	"errors"
	"fmt"

	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/errs"
)

// IoTDB status codes.
// 1.x list: https://iotdb.apache.org/UserGuide/latest/Reference/Status-Codes.html
const (
	codeSuccess       = 200
	codeMultipleError = 302 // 1.x: inspect subStatus
	codeRedirect      = 400 // 1.x: REDIRECTION_RECOMMEND, the write still succeeded

	// 0.13
	codeLegacyWrongPassword = 600
	codeLegacyNotLogin      = 601
	codeLegacyNoPermission  = 602
	codeLegacyAuthInit      = 603

	// 1.x
	codeAuthInit      = 800
	codeWrongPassword = 801
	codeNotLogin      = 802
	codeNoPermission  = 803
	codeUserNotExist  = 804
)

func isAuthCode(code int32, legacy bool) bool {
	if legacy {
		return code >= codeLegacyWrongPassword && code <= codeLegacyAuthInit
	}
	return code >= codeAuthInit && code <= codeUserNotExist
}

// CheckStatus returns nil for a successful status. Failures become fallback
// errors unless the code is an authentication failure.
func CheckStatus(s *Status, legacy bool, op string, fallback errs.ErrKind) error {
	switch {
	case s.Code == codeSuccess:
		return nil
	case s.Code == codeRedirect && !legacy:
		return nil
	case s.Code == codeMultipleError && !legacy:
		for _, sub := range s.SubStatus {
			if err := CheckStatus(sub, legacy, op, fallback); err != nil {
				return err
			}
		}
		if len(s.SubStatus) > 0 {
			return nil
		}
	}

	kind := fallback
	if isAuthCode(s.Code, legacy) {
		kind = errs.ErrKindAuthentication
	}
	msg := s.Message
	if msg == "" {
		msg = "request failed"
	}
	return &errs.Error{Kind: kind, Op: op, Message: msg, Cause: fmt.Errorf("status %d", s.Code)}
}

// mapError normalises errors from the session layer for the driver surface.
// Errors that already carry a kind pass through with op attached.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return errs.WithOp(err, op)
	}
	if ce := database.ContextError(err, op); ce != nil {
		return ce
	}
	return &errs.Error{Kind: errs.ErrKindInternal, Op: op, Message: "unexpected session error", Cause: err}
}
