package domain

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Category sentinels.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrDisabled         = fmt.Errorf("disabled")
	ErrInvalidInput     = fmt.Errorf("invalid input")
)

// Plugin error kinds. Every kind belongs to exactly one ErrorClass.
var (
	// Initialization class.
	ErrInitializationFailed = fmt.Errorf("plugin initialization failed")
	ErrDependencyNotMet     = fmt.Errorf("plugin dependency not met")
	ErrVersionIncompatible  = fmt.Errorf("plugin version incompatible")

	// Execution class.
	ErrExecutionFailed  = fmt.Errorf("plugin execution failed")
	ErrCommandNotFound  = fmt.Errorf("plugin command not found")
	ErrInvalidArguments = fmt.Errorf("invalid plugin arguments")
	ErrExecutionTimeout = fmt.Errorf("plugin execution timed out: %w", ErrTimeout)

	// Resource class.
	ErrMemoryLimitExceeded  = fmt.Errorf("memory limit exceeded: %w", ErrLimitReached)
	ErrStorageQuotaExceeded = fmt.Errorf("storage quota exceeded: %w", ErrLimitReached)
	ErrCPUThrottling        = fmt.Errorf("cpu throttling: %w", ErrLimitReached)
	ErrNetworkQuotaExceeded = fmt.Errorf("network request quota exceeded: %w", ErrLimitReached)

	// Permission class.
	ErrPluginPermissionDenied  = fmt.Errorf("plugin: %w", ErrPermissionDenied)
	ErrPermissionRequestFailed = fmt.Errorf("permission request failed")

	// Security class.
	ErrSecurityViolation           = fmt.Errorf("security violation")
	ErrSignatureVerificationFailed = fmt.Errorf("signature verification failed")
	ErrMaliciousCodeDetected       = fmt.Errorf("malicious code detected")

	// Crash class.
	ErrCrashed = fmt.Errorf("plugin crashed")

	// Lookup and structure.
	ErrPluginNotFound         = fmt.Errorf("plugin: %w", ErrNotFound)
	ErrAlreadyLoaded          = fmt.Errorf("plugin already loaded: %w", ErrDuplicate)
	ErrPluginDisabled         = fmt.Errorf("plugin: %w", ErrDisabled)
	ErrInvalidPluginStructure = fmt.Errorf("invalid plugin structure")
	ErrInvalidTransition      = fmt.Errorf("invalid lifecycle transition")
)

// Infrastructure sentinels.
var (
	ErrSSRFBlocked = fmt.Errorf("request to private/reserved IP blocked")
	ErrConfigLoad  = fmt.Errorf("failed to load configuration")
	ErrEncryption  = fmt.Errorf("encryption operation failed")
	ErrDecryption  = fmt.Errorf("decryption failed")
	ErrAuditWrite  = fmt.Errorf("audit log write failed")
	ErrStorage     = fmt.Errorf("storage operation failed")
	ErrCircuitOpen = fmt.Errorf("circuit breaker open")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Gateway.Load")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "sandbox", "wasm"); used for ErrorCode dispatch
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

// PluginError attributes a failure to a specific plugin.
type PluginError struct {
	PluginID string
	Op       string
	Err      error
	Detail   string
}

func (e *PluginError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s [%s]: %s: %s", e.Op, e.PluginID, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Op, e.PluginID, e.Err)
}

func (e *PluginError) Unwrap() error { return e.Err }

// NewPluginError creates a PluginError.
func NewPluginError(pluginID, op string, err error, detail string) *PluginError {
	return &PluginError{PluginID: pluginID, Op: op, Err: err, Detail: detail}
}

// LimitError reports a resource ceiling being hit. Kind is one of the
// resource-class sentinels.
type LimitError struct {
	Kind  error
	Used  float64
	Limit float64
	Unit  string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s (%g %s used, %g %s limit)", e.Kind, e.Used, e.Unit, e.Limit, e.Unit)
}

func (e *LimitError) Unwrap() error { return e.Kind }

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorClass groups plugin error kinds by who has to react to them.
type ErrorClass string

const (
	ClassUnknown        ErrorClass = "unknown"
	ClassInitialization ErrorClass = "initialization"
	ClassExecution      ErrorClass = "execution"
	ClassResource       ErrorClass = "resource"
	ClassPermission     ErrorClass = "permission"
	ClassSecurity       ErrorClass = "security"
	ClassCrash          ErrorClass = "crash"
)

var classMembers = []struct {
	class ErrorClass
	errs  []error
}{
	// Security first so a wrapped chain that also mentions a resource is still critical.
	{ClassSecurity, []error{ErrSecurityViolation, ErrSignatureVerificationFailed, ErrMaliciousCodeDetected, ErrSSRFBlocked}},
	{ClassCrash, []error{ErrCrashed}},
	{ClassResource, []error{ErrMemoryLimitExceeded, ErrStorageQuotaExceeded, ErrCPUThrottling, ErrNetworkQuotaExceeded}},
	{ClassPermission, []error{ErrPermissionDenied, ErrPermissionRequestFailed}},
	{ClassInitialization, []error{ErrInitializationFailed, ErrDependencyNotMet, ErrVersionIncompatible}},
	{ClassExecution, []error{ErrExecutionFailed, ErrCommandNotFound, ErrInvalidArguments, ErrExecutionTimeout}},
}

// ClassOf returns the error class of err.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	for _, m := range classMembers {
		for _, e := range m.errs {
			if errors.Is(err, e) {
				return m.class
			}
		}
	}
	return ClassUnknown
}

// Severity drives log level and alerting.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity accepts the String form of a severity, case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	for _, sev := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		if strings.EqualFold(strings.TrimSpace(s), sev.String()) {
			return sev, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q: %w", s, ErrInvalidInput)
}

// LogLevel maps a severity onto the slog level it is logged at.
func (s Severity) LogLevel() slog.Level {
	switch s {
	case SeverityCritical, SeverityHigh:
		return slog.LevelError
	case SeverityMedium:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// SeverityOf derives severity from the error kind.
func SeverityOf(err error) Severity {
	switch {
	case err == nil:
		return SeverityLow
	case ClassOf(err) == ClassSecurity:
		return SeverityCritical
	case errors.Is(err, ErrCrashed), errors.Is(err, ErrMemoryLimitExceeded):
		return SeverityHigh
	case errors.Is(err, ErrCommandNotFound), errors.Is(err, ErrInvalidArguments):
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// IsRecoverable reports whether the recovery manager may act on err.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrExecutionTimeout) ||
		errors.Is(err, ErrMemoryLimitExceeded) ||
		errors.Is(err, ErrCPUThrottling) ||
		errors.Is(err, ErrCrashed)
}

// IsSecurity reports whether err is security-class and therefore fatal.
func IsSecurity(err error) bool {
	return ClassOf(err) == ClassSecurity
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown               ErrorCode = "UNKNOWN"
	CodeInitializationFailed  ErrorCode = "INITIALIZATION_FAILED"
	CodeDependencyNotMet      ErrorCode = "DEPENDENCY_NOT_MET"
	CodeVersionIncompatible   ErrorCode = "VERSION_INCOMPATIBLE"
	CodeExecutionFailed       ErrorCode = "EXECUTION_FAILED"
	CodeCommandNotFound       ErrorCode = "COMMAND_NOT_FOUND"
	CodeInvalidArguments      ErrorCode = "INVALID_ARGUMENTS"
	CodeExecutionTimeout      ErrorCode = "EXECUTION_TIMEOUT"
	CodeMemoryLimitExceeded   ErrorCode = "MEMORY_LIMIT_EXCEEDED"
	CodeStorageQuotaExceeded  ErrorCode = "STORAGE_QUOTA_EXCEEDED"
	CodeCPUThrottling         ErrorCode = "CPU_THROTTLING"
	CodeNetworkQuotaExceeded  ErrorCode = "NETWORK_QUOTA_EXCEEDED"
	CodePermissionRequest     ErrorCode = "PERMISSION_REQUEST_FAILED"
	CodeSecurityViolation     ErrorCode = "SECURITY_VIOLATION"
	CodeSignatureVerification ErrorCode = "SIGNATURE_VERIFICATION_FAILED"
	CodeMaliciousCode         ErrorCode = "MALICIOUS_CODE_DETECTED"
	CodeCrashed               ErrorCode = "CRASHED"
	CodePluginNotFound        ErrorCode = "PLUGIN_NOT_FOUND"
	CodeAlreadyLoaded         ErrorCode = "ALREADY_LOADED"
	CodePluginDisabled        ErrorCode = "PLUGIN_DISABLED"
	CodePluginPermission      ErrorCode = "PLUGIN_PERMISSION"
	CodeInvalidStructure      ErrorCode = "INVALID_PLUGIN_STRUCTURE"
	CodeInvalidTransition     ErrorCode = "INVALID_TRANSITION"
	CodeSSRFBlocked           ErrorCode = "SSRF_BLOCKED"
	CodeConfigLoad            ErrorCode = "CONFIG_LOAD"
	CodeEncryption            ErrorCode = "ENCRYPTION"
	CodeDecryption            ErrorCode = "DECRYPTION"
	CodeAuditWrite            ErrorCode = "AUDIT_WRITE"
	CodeStorage               ErrorCode = "STORAGE"
	CodeCircuitOpen           ErrorCode = "CIRCUIT_OPEN"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeWASMTimeout    ErrorCode = "WASM_TIMEOUT"
	CodeWASMCapability ErrorCode = "WASM_CAPABILITY"
	CodeNetworkTimeout ErrorCode = "NETWORK_TIMEOUT"

	// Category fallbacks.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeDisabled         ErrorCode = "DISABLED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
)

// errorCodes is ordered most-specific first; wrapped kinds such as
// ErrExecutionTimeout must match before their ErrTimeout category.
var errorCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrInitializationFailed, CodeInitializationFailed},
	{ErrDependencyNotMet, CodeDependencyNotMet},
	{ErrVersionIncompatible, CodeVersionIncompatible},
	{ErrExecutionFailed, CodeExecutionFailed},
	{ErrCommandNotFound, CodeCommandNotFound},
	{ErrInvalidArguments, CodeInvalidArguments},
	{ErrExecutionTimeout, CodeExecutionTimeout},
	{ErrMemoryLimitExceeded, CodeMemoryLimitExceeded},
	{ErrStorageQuotaExceeded, CodeStorageQuotaExceeded},
	{ErrCPUThrottling, CodeCPUThrottling},
	{ErrNetworkQuotaExceeded, CodeNetworkQuotaExceeded},
	{ErrPermissionRequestFailed, CodePermissionRequest},
	{ErrPluginPermissionDenied, CodePluginPermission},
	{ErrSecurityViolation, CodeSecurityViolation},
	{ErrSignatureVerificationFailed, CodeSignatureVerification},
	{ErrMaliciousCodeDetected, CodeMaliciousCode},
	{ErrCrashed, CodeCrashed},
	{ErrPluginNotFound, CodePluginNotFound},
	{ErrAlreadyLoaded, CodeAlreadyLoaded},
	{ErrPluginDisabled, CodePluginDisabled},
	{ErrInvalidPluginStructure, CodeInvalidStructure},
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrSSRFBlocked, CodeSSRFBlocked},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrEncryption, CodeEncryption},
	{ErrDecryption, CodeDecryption},
	{ErrAuditWrite, CodeAuditWrite},
	{ErrStorage, CodeStorage},
	{ErrCircuitOpen, CodeCircuitOpen},
	{ErrNotFound, CodeNotFound},
	{ErrDuplicate, CodeDuplicate},
	{ErrTimeout, CodeTimeout},
	{ErrLimitReached, CodeLimitReached},
	{ErrPermissionDenied, CodePermissionDenied},
	{ErrDisabled, CodeDisabled},
	{ErrInvalidInput, CodeInvalidInput},
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrTimeout: {
		"wasm":    CodeWASMTimeout,
		"network": CodeNetworkTimeout,
	},
	ErrExecutionTimeout: {
		"network": CodeNetworkTimeout,
	},
	ErrPermissionDenied: {
		"plugin": CodePluginPermission,
		"wasm":   CodeWASMCapability,
	},
	ErrNotFound: {
		"plugin": CodePluginNotFound,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// DomainErrors with a SubSystem resolve through subSystemCodeMap first.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	var de *DomainError
	if errors.As(err, &de) && de.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[de.Err]; ok {
			if code, ok := subsysMap[de.SubSystem]; ok {
				return code
			}
		}
	}

	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e)
}

// SentinelOf returns the sentinel error behind code, or nil for CodeUnknown
// and unrecognised codes. It lets remote callers recover errors.Is matching
// from a code carried over the wire.
func SentinelOf(code ErrorCode) error {
	for _, ec := range errorCodes {
		if ec.code == code {
			return ec.err
		}
	}
	for sentinel, bySubsystem := range subSystemCodeMap {
		for _, c := range bySubsystem {
			if c == code {
				return sentinel
			}
		}
	}
	return nil
}
