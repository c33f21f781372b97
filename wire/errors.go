package wire

// ErrorCode enumerates the wire-level status codes returned on every
// response (spec.md §6).
type ErrorCode int

const (
	Ok ErrorCode = iota
	ErrorProtocolViolation
	ErrorInvalidValue
	ErrorInvalidSignature
	ErrorNotFound
	ErrorNotAvailable
	ErrorRejected
	ErrorBusy
	ErrorBadRole
	ErrorInternal
)

func (c ErrorCode) String() string {
	switch c {
	case Ok:
		return "Ok"
	case ErrorProtocolViolation:
		return "ErrorProtocolViolation"
	case ErrorInvalidValue:
		return "ErrorInvalidValue"
	case ErrorInvalidSignature:
		return "ErrorInvalidSignature"
	case ErrorNotFound:
		return "ErrorNotFound"
	case ErrorNotAvailable:
		return "ErrorNotAvailable"
	case ErrorRejected:
		return "ErrorRejected"
	case ErrorBusy:
		return "ErrorBusy"
	case ErrorBadRole:
		return "ErrorBadRole"
	case ErrorInternal:
		return "ErrorInternal"
	default:
		return "ErrorUnknown"
	}
}

// Status is the error/success payload attached to every response
// (spec.md §6, §7). Details carries the dotted field path for
// ErrorInvalidValue / ErrorInvalidSignature (spec.md §4.1).
type Status struct {
	Code    ErrorCode
	Details string
}

// OkStatus is the zero-value success status.
var OkStatus = Status{Code: Ok}

// Error implements the error interface so a Status can be returned and
// compared like any other Go error at package boundaries.
func (s Status) Error() string {
	if s.Details == "" {
		return s.Code.String()
	}
	return s.Code.String() + ": " + s.Details
}

// Invalid constructs an ErrorInvalidValue status naming the first
// violating field (spec.md §4.1).
func Invalid(fieldPath string) Status {
	return Status{Code: ErrorInvalidValue, Details: fieldPath}
}

// InvalidSignature constructs an ErrorInvalidSignature status naming the
// signature field that failed to verify.
func InvalidSignature(fieldPath string) Status {
	return Status{Code: ErrorInvalidSignature, Details: fieldPath}
}
