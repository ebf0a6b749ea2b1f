package domain

import (
	"errors"
	"fmt"
	"time"
)

// Category sentinels. Typed provider and tool errors below wrap exactly one
// of these so callers can branch with errors.Is.
var (
	ErrAuthInvalid   = fmt.Errorf("authentication failed")
	ErrRateLimit     = fmt.Errorf("rate limit exceeded")
	ErrBadRequest    = fmt.Errorf("bad request")
	ErrServer        = fmt.Errorf("provider server error")
	ErrNetwork       = fmt.Errorf("network error")
	ErrToolFailure   = fmt.Errorf("tool execution failed")
	ErrMaxIterations = fmt.Errorf("tool loop reached max iterations")
)

// Sentinel errors for the domain layer.
var (
	ErrInvalidInput    = fmt.Errorf("invalid input")
	ErrTimeout         = fmt.Errorf("operation timed out")
	ErrNotFound        = fmt.Errorf("not found")
	ErrToolNotFound    = fmt.Errorf("tool not found")
	ErrCircuitOpen     = fmt.Errorf("circuit open")
	ErrStreamConsumed  = fmt.Errorf("stream already consumed")
	ErrConfigLoad      = fmt.Errorf("failed to load configuration")
	ErrDecryption      = fmt.Errorf("decryption failed")
	ErrEncryption      = fmt.Errorf("encryption operation failed")
	ErrUnknownProvider = fmt.Errorf("unknown llm provider")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Chat.StreamChat")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "stream", "config"); used for ErrorCode dispatch
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

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
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

// AuthenticationError reports rejected credentials (HTTP 401/403).
type AuthenticationError struct {
	Provider string
	Message  string
}

func (e *AuthenticationError) Error() string {
	return providerMessage(e.Provider, ErrAuthInvalid, e.Message)
}

func (e *AuthenticationError) Unwrap() error { return ErrAuthInvalid }

// RateLimitError reports provider throttling. RetryAfter is zero when the
// provider gave no hint.
type RateLimitError struct {
	Provider   string
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	msg := providerMessage(e.Provider, ErrRateLimit, e.Message)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	return msg
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimit }

// BadRequestError reports a request the provider will never accept as sent.
type BadRequestError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *BadRequestError) Error() string {
	return providerMessage(e.Provider, ErrBadRequest, e.Message)
}

func (e *BadRequestError) Unwrap() error { return ErrBadRequest }

// ServerError reports a provider-side failure (5xx, overloaded).
type ServerError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e.StatusCode > 0 {
		return providerMessage(e.Provider, ErrServer, fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message))
	}
	return providerMessage(e.Provider, ErrServer, e.Message)
}

func (e *ServerError) Unwrap() error { return ErrServer }

// NetworkError reports a transport failure before or during a response.
type NetworkError struct {
	Provider string
	Err      error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return providerMessage(e.Provider, ErrNetwork, "")
	}
	return providerMessage(e.Provider, ErrNetwork, e.Err.Error())
}

func (e *NetworkError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNetwork}
	}
	return []error{ErrNetwork, e.Err}
}

// ToolExecutionError reports a failed tool callback.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("Error executing tool %s: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrToolFailure}
	}
	return []error{ErrToolFailure, e.Err}
}

// ToolLoopExceededError is returned when the model keeps requesting tools
// after MaxIterations executions.
type ToolLoopExceededError struct {
	MaxIterations int
}

func (e *ToolLoopExceededError) Error() string {
	return fmt.Sprintf("%s (%d)", ErrMaxIterations, e.MaxIterations)
}

func (e *ToolLoopExceededError) Unwrap() error { return ErrMaxIterations }

func providerMessage(provider string, sentinel error, msg string) string {
	out := sentinel.Error()
	if provider != "" {
		out = provider + ": " + out
	}
	if msg != "" {
		out += ": " + msg
	}
	return out
}

// IsRetryableError reports whether err is a transient provider failure that
// may succeed on an identical retry. Rate limits are decided by the caller's
// retry policy.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrServer) || errors.Is(err, ErrNetwork)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes. Every sentinel error maps to exactly one code.
const (
	CodeUnknown         ErrorCode = "UNKNOWN"
	CodeAuthInvalid     ErrorCode = "AUTH_INVALID"
	CodeRateLimit       ErrorCode = "RATE_LIMIT"
	CodeBadRequest      ErrorCode = "BAD_REQUEST"
	CodeServer          ErrorCode = "PROVIDER_SERVER"
	CodeNetwork         ErrorCode = "NETWORK"
	CodeToolFailure     ErrorCode = "TOOL_FAILURE"
	CodeMaxIterations   ErrorCode = "MAX_ITERATIONS"
	CodeInvalidInput    ErrorCode = "INVALID_INPUT"
	CodeTimeout         ErrorCode = "TIMEOUT"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeToolNotFound    ErrorCode = "TOOL_NOT_FOUND"
	CodeCircuitOpen     ErrorCode = "CIRCUIT_OPEN"
	CodeStreamConsumed  ErrorCode = "STREAM_CONSUMED"
	CodeConfigLoad      ErrorCode = "CONFIG_LOAD"
	CodeDecryption      ErrorCode = "DECRYPTION"
	CodeEncryption      ErrorCode = "ENCRYPTION"
	CodeUnknownProvider ErrorCode = "UNKNOWN_PROVIDER"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeStreamDecode     ErrorCode = "STREAM_DECODE"
	CodeToolInputInvalid ErrorCode = "TOOL_INPUT_INVALID"
	CodeConfigInvalid    ErrorCode = "CONFIG_INVALID"
	CodeMCPNotFound      ErrorCode = "MCP_SERVER_NOT_FOUND"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrAuthInvalid:     CodeAuthInvalid,
	ErrRateLimit:       CodeRateLimit,
	ErrBadRequest:      CodeBadRequest,
	ErrServer:          CodeServer,
	ErrNetwork:         CodeNetwork,
	ErrToolFailure:     CodeToolFailure,
	ErrMaxIterations:   CodeMaxIterations,
	ErrInvalidInput:    CodeInvalidInput,
	ErrTimeout:         CodeTimeout,
	ErrNotFound:        CodeNotFound,
	ErrToolNotFound:    CodeToolNotFound,
	ErrCircuitOpen:     CodeCircuitOpen,
	ErrStreamConsumed:  CodeStreamConsumed,
	ErrConfigLoad:      CodeConfigLoad,
	ErrDecryption:      CodeDecryption,
	ErrEncryption:      CodeEncryption,
	ErrUnknownProvider: CodeUnknownProvider,
}

// errorCodePriority fixes the order in which wrapped chains are matched so
// that an error wrapping several sentinels resolves deterministically.
var errorCodePriority = []error{
	ErrMaxIterations,
	ErrToolFailure,
	ErrCircuitOpen,
	ErrAuthInvalid,
	ErrRateLimit,
	ErrBadRequest,
	ErrServer,
	ErrNetwork,
	ErrStreamConsumed,
	ErrToolNotFound,
	ErrNotFound,
	ErrUnknownProvider,
	ErrConfigLoad,
	ErrDecryption,
	ErrEncryption,
	ErrTimeout,
	ErrInvalidInput,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrInvalidInput: {
		"stream": CodeStreamDecode,
		"tool":   CodeToolInputInvalid,
		"config": CodeConfigInvalid,
	},
	ErrNotFound: {
		"mcp": CodeMCPNotFound,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
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

	for _, sentinel := range errorCodePriority {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
