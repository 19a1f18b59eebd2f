package fhir

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrorKind is the symbolic classification of a gateway error.
type ErrorKind string

// Error kinds raised by the gateway and its collaborators.
const (
	KindConfigInvalid           ErrorKind = "CONFIG_INVALID"
	KindInvalidConnectionString ErrorKind = "INVALID_CONNECTION_STRING"
	KindUnknownSource           ErrorKind = "UNKNOWN_SOURCE"
	KindAuthRefreshFailed       ErrorKind = "AUTH_REFRESH_FAILED"
	KindKeyLoadFailed           ErrorKind = "KEY_LOAD_FAILED"
	KindInvalidJSONResponse     ErrorKind = "INVALID_JSON_RESPONSE"
	KindConnectionError         ErrorKind = "CONNECTION_ERROR"
	KindNotFound                ErrorKind = "NOT_FOUND"
	KindValidationError         ErrorKind = "VALIDATION_ERROR"
	KindNotImplemented          ErrorKind = "NOT_IMPLEMENTED"
)

// StateUnknown is used when no HTTP status code could be determined.
const StateUnknown = "UNKNOWN"

// ConnectionError is the uniform error type for all FHIR gateway failures.
// State carries the numeric HTTP status code as a string, or "UNKNOWN".
type ConnectionError struct {
	Kind    ErrorKind
	State   string
	Message string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Kind, e.State, e.Message, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.State, e.Message)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AsConnectionError unwraps err to a *ConnectionError if one is in the chain.
func AsConnectionError(err error) (*ConnectionError, bool) {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// HTTPError is raised by the client for a non-success remote response. It
// carries the raw status code plus any OperationOutcome diagnostics so the
// gateway can translate it into a ConnectionError with operation context.
type HTTPError struct {
	StatusCode  int
	Diagnostics string
	Body        string
}

func (e *HTTPError) Error() string {
	if e.Diagnostics != "" {
		return fmt.Sprintf("remote returned %d: %s", e.StatusCode, e.Diagnostics)
	}
	return fmt.Sprintf("remote returned %d", e.StatusCode)
}

// statusFragments maps mapped HTTP states to their human-readable template
// fragment, following the FHIR http interaction outcome definitions.
var statusFragments = map[int]string{
	400: "the resource could not be parsed or failed basic FHIR validation rules, or multiple matches were found for a conditional interaction",
	401: "authorization is required for the interaction that was attempted",
	403: "you do not have permission to perform this interaction",
	404: "the resource type or endpoint does not exist on the server",
	405: "the server does not allow client defined ids",
	409: "version conflict - the resource has changed since it was last read",
	410: "the resource has been deleted and is gone",
	412: "the version id in the request does not match the current version on the server",
	422: "the proposed resource violated applicable FHIR profiles or server business rules",
}

var threeDigitCode = regexp.MustCompile(`\b(4[0-9]{2})\b`)

// MapOperationError translates an error raised during a client operation into
// a ConnectionError with operation and target context. The HTTP state is
// taken from a typed HTTPError if present, otherwise parsed from the
// stringified error; unresolvable errors get state UNKNOWN.
func MapOperationError(err error, resourceType, resourceID, operation string) *ConnectionError {
	if ce, ok := AsConnectionError(err); ok {
		return ce
	}

	target := resourceType
	if resourceID != "" {
		target = resourceType + "/" + resourceID
	}

	status := 0
	diagnostics := ""
	var he *HTTPError
	if errors.As(err, &he) {
		if _, ok := statusFragments[he.StatusCode]; ok {
			status = he.StatusCode
		}
		diagnostics = he.Diagnostics
	}
	if status == 0 {
		for _, m := range threeDigitCode.FindAllString(err.Error(), -1) {
			code, convErr := strconv.Atoi(m)
			if convErr == nil {
				if _, ok := statusFragments[code]; ok {
					status = code
					break
				}
			}
		}
	}

	if status == 0 {
		return &ConnectionError{
			Kind:    KindConnectionError,
			State:   StateUnknown,
			Message: fmt.Sprintf("%s %s failed: %v", operation, target, err),
			Err:     err,
		}
	}

	msg := fmt.Sprintf("%s %s failed: %s", operation, target, statusFragments[status])
	if diagnostics != "" {
		msg = fmt.Sprintf("%s (%s)", msg, diagnostics)
	}
	return &ConnectionError{
		Kind:    ErrorKind(fmt.Sprintf("HTTP_%d", status)),
		State:   strconv.Itoa(status),
		Message: msg,
		Err:     err,
	}
}

// NewValidationError builds a fixed-state 422 error for schema failures.
func NewValidationError(message string, cause error) *ConnectionError {
	return &ConnectionError{Kind: KindValidationError, State: "422", Message: message, Err: cause}
}

// NewConnectionFailure builds a fixed-state 503 error for transport failures.
func NewConnectionFailure(message string, cause error) *ConnectionError {
	return &ConnectionError{Kind: KindConnectionError, State: "503", Message: message, Err: cause}
}

// NewAuthenticationError builds a fixed-state 401 error for auth failures.
func NewAuthenticationError(message string, cause error) *ConnectionError {
	return &ConnectionError{Kind: KindAuthRefreshFailed, State: "401", Message: message, Err: cause}
}

// NewConfigError builds a CONFIG_INVALID error with no HTTP state.
func NewConfigError(message string) *ConnectionError {
	return &ConnectionError{Kind: KindConfigInvalid, State: StateUnknown, Message: message}
}
