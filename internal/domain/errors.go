package domain

import (
	"errors"
	"fmt"
)

// ErrorKind — таксономия ошибок шлюза. Значение попадает в ответ и в аудит как есть.
type ErrorKind string

const (
	KindUnknownAction       ErrorKind = "UnknownAction"
	KindPolicyViolation     ErrorKind = "PolicyViolation"
	KindTimeout             ErrorKind = "Timeout"
	KindUpstreamAuthExpired ErrorKind = "UpstreamAuthExpired"
	KindRateLimited         ErrorKind = "RateLimited"
	KindHandlerFailure      ErrorKind = "HandlerFailure"
	KindNoMatchingRule      ErrorKind = "NoMatchingRule"
	KindUpstreamFailure     ErrorKind = "UpstreamFailure" // сеть, 5xx-предохранитель, слишком большой ответ
)

// Error — типизированная ошибка шлюза.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is сравнивает только по Kind, чтобы работал errors.Is(err, domain.ErrRateLimited).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Сентинелы для errors.Is
var (
	ErrUnknownAction       = &Error{Kind: KindUnknownAction}
	ErrPolicyViolation     = &Error{Kind: KindPolicyViolation}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrUpstreamAuthExpired = &Error{Kind: KindUpstreamAuthExpired}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
	ErrHandlerFailure      = &Error{Kind: KindHandlerFailure}
	ErrNoMatchingRule      = &Error{Kind: KindNoMatchingRule}
	ErrUpstreamFailure     = &Error{Kind: KindUpstreamFailure}
)

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func WrapError(kind ErrorKind, err error, msg string) *Error {
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// PolicyViolation — самый частый случай, выделен для краткости.
func PolicyViolation(format string, args ...any) *Error {
	return NewError(KindPolicyViolation, format, args...)
}

// KindOf достает Kind из цепочки ошибок. Нетипизированная ошибка считается HandlerFailure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindHandlerFailure
}
