package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrDuplicate     = fmt.Errorf("duplicate")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrLimitReached  = fmt.Errorf("limit reached")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the orchestration runtime.
var (
	ErrValidation          = fmt.Errorf("validation failed")
	ErrInvalidSize         = fmt.Errorf("line count out of range")
	ErrIO                  = fmt.Errorf("io failure")
	ErrMissingCapabilities = fmt.Errorf("missing capabilities")
	ErrPlanning            = fmt.Errorf("planning failed")
	ErrExecution           = fmt.Errorf("execution failed")
	ErrRecoveryFailed      = fmt.Errorf("recovery failed")
	ErrNoAgents            = fmt.Errorf("no agents available")
	ErrAmbiguous           = fmt.Errorf("request is ambiguous")
	ErrDependencyCycle     = fmt.Errorf("dependency cycle")
	ErrInvalidName         = fmt.Errorf("invalid component name")
	ErrCorruptCatalog      = fmt.Errorf("catalog corrupt")

	ErrConfigLoad      = fmt.Errorf("failed to load configuration")
	ErrDecryption      = fmt.Errorf("decryption failed")
	ErrPathOutsideRoot = fmt.Errorf("path outside the allowed root")

	// Model provider errors.
	ErrProviderNotFound = fmt.Errorf("llm provider not found")
	ErrContextOverflow  = fmt.Errorf("context window exceeded")
	ErrRateLimit        = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid      = fmt.Errorf("authentication failed")

	// Runner errors.
	ErrRunnerUnavailable = fmt.Errorf("no runner for component")
	ErrInvalidResult     = fmt.Errorf("invalid result type")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Registry.RegisterTool")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "registry", "factory")
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

// NewSubSystemError creates a DomainError tagged with a subsystem.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrProviderError)
}

// ErrorCode is the machine-readable category surfaced in envelopes and
// workflow error lists.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "unknown_error"
	CodeValidation          ErrorCode = "validation_error"
	CodeInvalidSize         ErrorCode = "invalid_size"
	CodeIO                  ErrorCode = "io_error"
	CodeMissingCapabilities ErrorCode = "missing_capabilities"
	CodePlanning            ErrorCode = "planning_error"
	CodeExecution           ErrorCode = "execution_error"
	CodeTimeout             ErrorCode = "timeout"
	CodeRecoveryFailed      ErrorCode = "recovery_failed"
	CodeNoAgents            ErrorCode = "no_agents"
	CodeAmbiguous           ErrorCode = "ambiguous"
	CodeNotFound            ErrorCode = "not_found"
	CodeDuplicate           ErrorCode = "duplicate"
	CodeInvalidInput        ErrorCode = "invalid_input"
	CodeLimitReached        ErrorCode = "limit_reached"
	CodeProviderError       ErrorCode = "provider_error"
	CodeProviderNotFound    ErrorCode = "provider_not_found"
	CodeRateLimit           ErrorCode = "rate_limit"
	CodeAuthInvalid         ErrorCode = "auth_invalid"
	CodeContextOverflow     ErrorCode = "context_overflow"
	CodeConfigLoad          ErrorCode = "config_load"
	CodeDecryption          ErrorCode = "decryption"
)

// errorCodeMap maps sentinel errors to their codes. More specific sentinels
// are listed in errorCodeOrder so chain walking is deterministic.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:            CodeNotFound,
	ErrDuplicate:           CodeDuplicate,
	ErrTimeout:             CodeTimeout,
	ErrLimitReached:        CodeLimitReached,
	ErrInvalidInput:        CodeInvalidInput,
	ErrProviderError:       CodeProviderError,
	ErrValidation:          CodeValidation,
	ErrInvalidSize:         CodeInvalidSize,
	ErrIO:                  CodeIO,
	ErrMissingCapabilities: CodeMissingCapabilities,
	ErrPlanning:            CodePlanning,
	ErrExecution:           CodeExecution,
	ErrRecoveryFailed:      CodeRecoveryFailed,
	ErrNoAgents:            CodeNoAgents,
	ErrAmbiguous:           CodeAmbiguous,
	ErrDependencyCycle:     CodePlanning,
	ErrInvalidName:         CodeValidation,
	ErrCorruptCatalog:      CodeIO,
	ErrConfigLoad:          CodeConfigLoad,
	ErrDecryption:          CodeDecryption,
	ErrPathOutsideRoot:     CodeInvalidInput,
	ErrProviderNotFound:    CodeProviderNotFound,
	ErrContextOverflow:     CodeContextOverflow,
	ErrRateLimit:           CodeRateLimit,
	ErrAuthInvalid:         CodeAuthInvalid,
	ErrRunnerUnavailable:   CodeExecution,
	ErrInvalidResult:       CodeExecution,
}

var errorCodeOrder = []error{
	ErrInvalidSize, ErrIO, ErrCorruptCatalog, ErrInvalidName, ErrValidation,
	ErrMissingCapabilities, ErrDependencyCycle, ErrPlanning, ErrRecoveryFailed,
	ErrNoAgents, ErrAmbiguous, ErrTimeout, ErrRunnerUnavailable, ErrInvalidResult,
	ErrExecution, ErrProviderNotFound, ErrRateLimit, ErrAuthInvalid,
	ErrContextOverflow, ErrProviderError, ErrConfigLoad, ErrDecryption, ErrPathOutsideRoot,
	ErrNotFound, ErrDuplicate, ErrLimitReached, ErrInvalidInput,
}

// subSystemCodeMap refines category sentinels per subsystem.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"planner":  CodeNoAgents,
		"executor": CodeExecution,
	},
	ErrInvalidInput: {
		"factory":  CodeValidation,
		"registry": CodeValidation,
		"planner":  CodePlanning,
	},
}

// ErrorCodeOf returns the code for err. It unwraps DomainError, consults the
// subsystem map, then walks the chain with errors.Is.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for _, sentinel := range errorCodeOrder {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if bySub, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := bySub[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
