package mailchimp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Sentinels matched by errors.Is against the typed errors below.
var (
	ErrConfiguration = errors.New("mailchimp client misconfigured")
	ErrInput         = errors.New("invalid input")
	ErrRequest       = errors.New("invalid request")
	ErrTransport     = errors.New("transport failure")
)

// ConfigurationError reports a client setting that prevents any request
// from being built, such as a missing list ID.
type ConfigurationError struct {
	Setting string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Setting, e.Message)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// InputReason tells a missing email apart from a malformed one.
type InputReason string

const (
	InputMissing   InputReason = "missing"
	InputMalformed InputReason = "malformed"
)

// InputError reports a caller-supplied value that cannot be used.
type InputError struct {
	Reason InputReason
	Value  string
}

func (e *InputError) Error() string {
	if e.Reason == InputMissing {
		return "no e-mail address was provided"
	}
	return fmt.Sprintf("%s is not a valid e-mail address", e.Value)
}

func (e *InputError) Is(target error) bool {
	return target == ErrInput
}

// RequestError reports a violated request contract, e.g. conflicting
// filter parameters or an execution without an HTTP method.
type RequestError struct {
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func (e *RequestError) Is(target error) bool {
	return target == ErrRequest
}

// TransportError wraps a failure to complete the HTTP exchange at all.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// Error represents a non-success response returned by the MailChimp API.
// Operations never return it directly; use Outcome.Err to obtain one.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api request failed with status %d: %s", e.StatusCode, e.Body)
}

// Title extracts the problem title MailChimp places in error bodies.
func (e *Error) Title() string {
	var problem struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal([]byte(e.Body), &problem); err != nil {
		return ""
	}
	return problem.Title
}

func isErrorStatus(err error, status int) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == status
	}
	return false
}

// IsBadRequest checks if the error represents a 400 Bad Request response.
func IsBadRequest(err error) bool {
	return isErrorStatus(err, http.StatusBadRequest)
}

// IsNotFound checks if the error represents a 404 Not Found response.
func IsNotFound(err error) bool {
	return isErrorStatus(err, http.StatusNotFound)
}

// IsMemberExists checks if the error is MailChimp's "Member Exists"
// rejection of a create for an address already on the list.
func IsMemberExists(err error) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusBadRequest && apiErr.Title() == "Member Exists"
}

// IsConfigurationError checks if err stems from client configuration.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsInputError checks if err stems from a missing or malformed email.
func IsInputError(err error) bool {
	return errors.Is(err, ErrInput)
}

// IsTransportError checks if the HTTP exchange itself failed.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrTransport)
}
