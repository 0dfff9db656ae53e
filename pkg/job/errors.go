package job

import "fmt"

// Kind identifies one of the error kinds the core distinguishes.
// Each Kind is surfaced to users as a distinct sentinel-wrapped error so
// callers can use errors.Is against the exported Err* values below.
type Kind string

const (
	KindNotSerializable   Kind = "not_serializable"
	KindDependencyError   Kind = "dependency_error"
	KindContainerPrep     Kind = "container_preparation"
	KindExecutionError    Kind = "execution_error"
	KindJobCancelled      Kind = "job_cancelled"
	KindTimeout           Kind = "timeout"
	KindWorkerDied        Kind = "worker_died"
	KindRegistrationTimeout Kind = "registration_timeout"
	KindFileUnavailable   Kind = "file_unavailable"
	KindDuplicateFunction Kind = "duplicate_function"
	KindDeserialization   Kind = "deserialization_error"
)

// Error wraps a job-domain failure with its Kind, so downstream code can
// branch on what happened without string matching the message.
type Error struct {
	Kind    Kind
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is lets errors.Is(err, ErrTimeout) etc. match by Kind alone, ignoring
// message and wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newError(kind Kind, message string, wrapped error) *Error {
	return &Error{Kind: kind, Message: message, Wrapped: wrapped}
}

// Sentinel errors usable with errors.Is; only Kind is compared.
var (
	ErrNotSerializable     = &Error{Kind: KindNotSerializable}
	ErrDependencyError     = &Error{Kind: KindDependencyError}
	ErrContainerPrep       = &Error{Kind: KindContainerPrep}
	ErrExecutionError      = &Error{Kind: KindExecutionError}
	ErrJobCancelled        = &Error{Kind: KindJobCancelled}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrWorkerDied          = &Error{Kind: KindWorkerDied}
	ErrRegistrationTimeout = &Error{Kind: KindRegistrationTimeout}
	ErrFileUnavailable     = &Error{Kind: KindFileUnavailable}
	ErrDuplicateFunction   = &Error{Kind: KindDuplicateFunction}
	ErrDeserialization     = &Error{Kind: KindDeserialization}
)

func NotSerializableError(msg string, cause error) *Error {
	return newError(KindNotSerializable, msg, cause)
}

func DependencyError(ancestorJobID string, cause error) *Error {
	return newError(KindDependencyError, fmt.Sprintf("ancestor job %s failed", ancestorJobID), cause)
}

func ContainerPreparationError(msg string, cause error) *Error {
	return newError(KindContainerPrep, msg, cause)
}

func ExecutionError(msg string, cause error) *Error {
	return newError(KindExecutionError, msg, cause)
}

func CancelledError() *Error {
	return newError(KindJobCancelled, "job cancelled", nil)
}

func TimeoutError(msg string) *Error {
	return newError(KindTimeout, msg, nil)
}

func WorkerDiedError() *Error {
	return newError(KindWorkerDied, "worker died without sending a terminal message", nil)
}

func RegistrationTimeoutError(feedURI string) *Error {
	return newError(KindRegistrationTimeout, fmt.Sprintf("timed out registering with compute resource %s", feedURI), nil)
}

func FileUnavailableError(uri string) *Error {
	return newError(KindFileUnavailable, fmt.Sprintf("file %s not resolvable", uri), nil)
}

func DuplicateFunctionError(name, version string) *Error {
	return newError(KindDuplicateFunction, fmt.Sprintf("function %s@%s already registered", name, version), nil)
}

func DeserializationError(msg string, cause error) *Error {
	return newError(KindDeserialization, msg, cause)
}
