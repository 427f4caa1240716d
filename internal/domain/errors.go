package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrProviderNotFound     = fmt.Errorf("provider not found")
	ErrCapabilityNotFound   = fmt.Errorf("capability not found")
	ErrProviderDisabled     = fmt.Errorf("provider disabled")
	ErrProviderUnreachable  = fmt.Errorf("provider unreachable")
	ErrProviderConstruction = fmt.Errorf("provider construction failed")
	ErrInvalidConfig        = fmt.Errorf("invalid configuration")
	ErrMaxIterations        = fmt.Errorf("dispatch loop reached max iterations")
	ErrDecision             = fmt.Errorf("decision backend failed")
	ErrRateLimit            = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid          = fmt.Errorf("authentication failed")
	ErrPathOutsideSandbox   = fmt.Errorf("path is outside sandbox boundary")
	ErrConversationNotFound = fmt.Errorf("conversation not found")
	ErrConfigLoad           = fmt.Errorf("failed to load configuration")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Registry.Invoke")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeProviderNotFound     ErrorCode = "PROVIDER_NOT_FOUND"
	CodeCapabilityNotFound   ErrorCode = "CAPABILITY_NOT_FOUND"
	CodeProviderDisabled     ErrorCode = "PROVIDER_DISABLED"
	CodeProviderUnreachable  ErrorCode = "PROVIDER_UNREACHABLE"
	CodeProviderConstruction ErrorCode = "PROVIDER_CONSTRUCTION"
	CodeInvalidConfig        ErrorCode = "INVALID_CONFIG"
	CodeMaxIterations        ErrorCode = "MAX_ITERATIONS"
	CodeDecision             ErrorCode = "DECISION_FAILED"
	CodeRateLimit            ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid          ErrorCode = "AUTH_INVALID"
	CodePathOutsideSandbox   ErrorCode = "PATH_OUTSIDE_SANDBOX"
	CodeConversationNotFound ErrorCode = "CONVERSATION_NOT_FOUND"
	CodeConfigLoad           ErrorCode = "CONFIG_LOAD"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrProviderNotFound:     CodeProviderNotFound,
	ErrCapabilityNotFound:   CodeCapabilityNotFound,
	ErrProviderDisabled:     CodeProviderDisabled,
	ErrProviderUnreachable:  CodeProviderUnreachable,
	ErrProviderConstruction: CodeProviderConstruction,
	ErrInvalidConfig:        CodeInvalidConfig,
	ErrMaxIterations:        CodeMaxIterations,
	ErrDecision:             CodeDecision,
	ErrRateLimit:            CodeRateLimit,
	ErrAuthInvalid:          CodeAuthInvalid,
	ErrPathOutsideSandbox:   CodePathOutsideSandbox,
	ErrConversationNotFound: CodeConversationNotFound,
	ErrConfigLoad:           CodeConfigLoad,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}
