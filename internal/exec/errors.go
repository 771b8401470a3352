package exec

import (
	"fmt"
)

// ErrorKind classifies execution failures
type ErrorKind int

const (
	KindInvalidExpression ErrorKind = iota + 1
	KindTypeMismatch
	KindAggregation
	KindCanceled
)

var errorKindStrings = map[ErrorKind]string{
	KindInvalidExpression: "InvalidExpression",
	KindTypeMismatch:      "TypeMismatch",
	KindAggregation:       "Aggregation",
	KindCanceled:          "Canceled",
}

func (k ErrorKind) String() string {
	if s, ok := errorKindStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is returned by the engine for any failure while running a query
type Error struct {
	Kind    ErrorKind
	Expr    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + ": " + e.Message
	if e.Expr != "" {
		msg += " in " + e.Expr
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func errorf(kind ErrorKind, expr fmt.Stringer, format string, args ...interface{}) *Error {
	e := &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
	if expr != nil {
		e.Expr = expr.String()
	}
	return e
}
