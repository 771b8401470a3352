package common

import (
	"errors"
	"fmt"
)

// ErrorCode represents the kind of a cube error. Callers branch on the code,
// never on the message.
type ErrorCode int

const (
	// General errors
	ErrInternal ErrorCode = iota + 1000
	ErrInvalidInput

	// Schema declaration errors
	ErrDuplicateName ErrorCode = iota + 2000
	ErrUnknownDependency
	ErrCyclicDependency
	ErrInvalidExpression

	// Query construction errors
	ErrUnknownField ErrorCode = iota + 3000
	ErrInvalidHierarchyLevel
	ErrEmptySelect

	// Mutation errors
	ErrSchemaMismatch ErrorCode = iota + 4000
	ErrSourceFailure

	// Execution errors
	ErrExecutionFailure ErrorCode = iota + 5000
	ErrCacheComputeFailure
)

var errorCodeNames = map[ErrorCode]string{
	ErrInternal:              "Internal",
	ErrInvalidInput:          "InvalidInput",
	ErrDuplicateName:         "DuplicateName",
	ErrUnknownDependency:     "UnknownDependency",
	ErrCyclicDependency:      "CyclicDependency",
	ErrInvalidExpression:     "InvalidExpression",
	ErrUnknownField:          "UnknownField",
	ErrInvalidHierarchyLevel: "InvalidHierarchyLevel",
	ErrEmptySelect:           "EmptySelect",
	ErrSchemaMismatch:        "SchemaMismatch",
	ErrSourceFailure:         "SourceFailure",
	ErrExecutionFailure:      "ExecutionFailure",
	ErrCacheComputeFailure:   "CacheComputeFailure",
}

// String returns the kind name of the code.
func (c ErrorCode) String() string {
	if s, ok := errorCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// ParseErrorCode is the inverse of ErrorCode.String
func ParseErrorCode(name string) (ErrorCode, bool) {
	for code, s := range errorCodeNames {
		if s == name {
			return code, true
		}
	}
	return 0, false
}

// CubeError represents an error raised by the cube engine
type CubeError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface
func (e *CubeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *CubeError) Unwrap() error {
	return e.Cause
}

// NewError creates a new CubeError
func NewError(code ErrorCode, message string) *CubeError {
	return &CubeError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// Errorf creates a new CubeError with a formatted message
func Errorf(code ErrorCode, format string, args ...interface{}) *CubeError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// NewErrorWithCause creates a new CubeError with an underlying cause
func NewErrorWithCause(code ErrorCode, message string, cause error) *CubeError {
	return &CubeError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context to the error
func (e *CubeError) WithContext(key string, value interface{}) *CubeError {
	e.Context[key] = value
	return e
}

// IsErrorCode checks if an error, or any error it wraps, has a specific code
func IsErrorCode(err error, code ErrorCode) bool {
	var cubeErr *CubeError
	if errors.As(err, &cubeErr) {
		return cubeErr.Code == code
	}
	return false
}

// CodeOf returns the code of the outermost CubeError in err's chain, or
// ErrInternal when err carries none.
func CodeOf(err error) ErrorCode {
	var cubeErr *CubeError
	if errors.As(err, &cubeErr) {
		return cubeErr.Code
	}
	return ErrInternal
}

func ErrUnknownFieldError(name string) *CubeError {
	return Errorf(ErrUnknownField, "unknown field: %s", name).WithContext("field", name)
}

func ErrDuplicateNameError(name string) *CubeError {
	return Errorf(ErrDuplicateName, "field %q already exists", name).WithContext("field", name)
}

func ErrSchemaMismatchError(message string) *CubeError {
	return NewError(ErrSchemaMismatch, message)
}
