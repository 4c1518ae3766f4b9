package myerr

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind uint8

const (
	KindUnknown Kind = iota

	// not signed in, not an admin, request not accepted
	KindPermission

	KindNotFound

	KindInvalid

	// concurrent create of the same key, etc.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindPermission:
		return "permission"
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	case KindConflict:
		return "conflict"
	}
	return "unknown"
}

// BizErr is a classified error that callers branch on. Anything else that
// bubbles out of a repository is treated as transient.
type BizErr struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *BizErr) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s(%s): %s", e.Kind, e.Code, e.Msg)
}

func New(kind Kind, code, msg string) error {
	return errors.WithStack(&BizErr{Kind: kind, Code: code, Msg: msg})
}

func Permission(code, format string, args ...any) error {
	return New(KindPermission, code, fmt.Sprintf(format, args...))
}

func NotFound(code, format string, args ...any) error {
	return New(KindNotFound, code, fmt.Sprintf(format, args...))
}

func Invalid(code, format string, args ...any) error {
	return New(KindInvalid, code, fmt.Sprintf(format, args...))
}

func Conflict(code, format string, args ...any) error {
	return New(KindConflict, code, fmt.Sprintf(format, args...))
}

func KindOf(err error) Kind {
	var be *BizErr
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

func CodeOf(err error) string {
	var be *BizErr
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

func IsPermission(err error) bool {
	return KindOf(err) == KindPermission
}

func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

func IsInvalid(err error) bool {
	return KindOf(err) == KindInvalid
}

func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindUnknown
}
