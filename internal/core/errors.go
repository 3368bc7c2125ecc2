package core

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// limitPatterns match the backend messages that signal an exhausted upload quota.
var limitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)limit of \d+ uploads?`),
	regexp.MustCompile(`(?i)upload limit (reached|exceeded)`),
	regexp.MustCompile(`(?i)reached (the|your) (upload|monthly) limit`),
	regexp.MustCompile(`(?i)no remaining uploads`),
}

// IsLimitMessage reports whether a server message means the quota is used up.
func IsLimitMessage(msg string) bool {
	for _, p := range limitPatterns {
		if p.MatchString(msg) {
			return true
		}
	}
	return false
}

// ValidationError rejects a file before any network call.
type ValidationError struct {
	File   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid file %q: %s", e.File, e.Reason)
}

// NetworkError is a transport-level failure: no HTTP response was received.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx response with the server message, if any.
type HTTPError struct {
	StatusCode int
	Message    string
	Fields     map[string][]string
}

func (e *HTTPError) Error() string {
	return e.Message
}

// NewHTTPError builds the error surfaced for a non-2xx response. A 422 with
// field errors is flattened into one "field: msg" list sorted by field.
func NewHTTPError(status int, message string, fields map[string][]string) *HTTPError {
	msg := strings.TrimSpace(message)
	if status == 422 && len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %s", k, strings.Join(fields[k], ", ")))
		}
		msg = strings.Join(parts, "; ")
	}
	if msg == "" {
		msg = fmt.Sprintf("Request failed with status %d", status)
	}
	return &HTTPError{StatusCode: status, Message: msg, Fields: fields}
}

// QuotaExceededError is an HTTPError whose message matched a limit pattern.
type QuotaExceededError struct {
	*HTTPError
	SignupPrompt string
}

func (e *QuotaExceededError) Unwrap() error { return e.HTTPError }

// ParseError means the server answered with a body we could not decode.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: malformed response: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// SlotAcquisitionError wraps a failed presigned-URL request for one file.
type SlotAcquisitionError struct {
	File string
	Err  error
}

func (e *SlotAcquisitionError) Error() string {
	return fmt.Sprintf("get upload url for %q: %v", e.File, e.Err)
}

func (e *SlotAcquisitionError) Unwrap() error { return e.Err }

// StorageWriteError wraps a failed direct write to object storage.
type StorageWriteError struct {
	File string
	Err  error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("upload %q to storage: %v", e.File, e.Err)
}

func (e *StorageWriteError) Unwrap() error { return e.Err }

// ConfirmError wraps a failed batch confirmation.
type ConfirmError struct {
	Files int
	Err   error
}

func (e *ConfirmError) Error() string {
	return fmt.Sprintf("confirm %d uploaded files: %v", e.Files, e.Err)
}

func (e *ConfirmError) Unwrap() error { return e.Err }

// AsQuotaExceeded promotes an HTTP error with a limit message to a
// QuotaExceededError. Any other error is returned unchanged.
func AsQuotaExceeded(err error) error {
	var qe *QuotaExceededError
	if errors.As(err, &qe) {
		return err
	}
	var he *HTTPError
	if errors.As(err, &he) && IsLimitMessage(he.Message) {
		return &QuotaExceededError{HTTPError: he}
	}
	return err
}

// IsQuotaExceeded reports whether err carries an exhausted-quota signal.
func IsQuotaExceeded(err error) bool {
	if err == nil {
		return false
	}
	var qe *QuotaExceededError
	if errors.As(err, &qe) {
		return true
	}
	return IsLimitMessage(err.Error())
}

// IsUnauthorized reports a 401 response, which for anonymous listings means
// the session has no history yet.
func IsUnauthorized(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == 401
}

// Phase names the pipeline step that produced err.
func Phase(err error) string {
	var (
		ve *ValidationError
		se *SlotAcquisitionError
		we *StorageWriteError
		qe *QuotaExceededError
		ce *ConfirmError
	)
	switch {
	case errors.As(err, &ve):
		return "validate"
	case errors.As(err, &se):
		return "slot"
	case errors.As(err, &we):
		return "storage"
	case errors.As(err, &qe):
		return "quota"
	case errors.As(err, &ce):
		return "confirm"
	default:
		return "unknown"
	}
}
