package mailcoach

import (
	"errors"
	"fmt"
	"net/http"
)

// permanentError is a comparable sentinel that also reports itself as a
// permanent failure.
type permanentError string

func (e permanentError) Error() string   { return string(e) }
func (e permanentError) Permanent() bool { return true }

var (
	// ErrNoHostSet is returned by Send when no host is configured.
	// No payload is built and no request is made.
	ErrNoHostSet = errors.New("mailcoach: no host set")

	// ErrDuplicateTransactionalMail is returned when a message carries more
	// than one X-Mailcoach-Transactional-Mail header.
	ErrDuplicateTransactionalMail error = permanentError("mailcoach: only a single transactional mail may be defined")

	// ErrMalformedReplacement matches any *MalformedReplacementError.
	ErrMalformedReplacement error = permanentError("mailcoach: malformed replacement")
)

// MalformedReplacementError reports a replacement header whose value is not
// valid JSON.
type MalformedReplacementError struct {
	Key string
	Err error
}

func (e *MalformedReplacementError) Error() string {
	return fmt.Sprintf("mailcoach: replacement %q is not valid JSON: %v", e.Key, e.Err)
}

func (e *MalformedReplacementError) Unwrap() error { return e.Err }

func (e *MalformedReplacementError) Is(target error) bool {
	return target == ErrMalformedReplacement
}

func (e *MalformedReplacementError) Permanent() bool { return true }

// NotAllowedToSendMailError is returned when the API answers 403.
// Body holds the raw response body, cut to its first 64 KiB.
type NotAllowedToSendMailError struct {
	Body string
}

func (e *NotAllowedToSendMailError) Error() string {
	return "mailcoach: not allowed to send mail: " + e.Body
}

func (e *NotAllowedToSendMailError) Permanent() bool { return true }

// EmailNotValidError is returned when the API answers 422.
// Body holds the raw response body, usually the validation messages, cut
// to its first 64 KiB.
type EmailNotValidError struct {
	Body string
}

func (e *EmailNotValidError) Error() string {
	return "mailcoach: could not send email because it's not valid, mailcoach responded with: " + e.Body
}

func (e *EmailNotValidError) Permanent() bool { return true }

// StatusError is any other non-2xx answer. It is passed through as-is,
// except that Body keeps only the first 64 KiB of the response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("mailcoach: unexpected response (HTTP %d): %s", e.StatusCode, e.Body)
}

// Permanent reports client errors other than timeouts and throttling.
func (e *StatusError) Permanent() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return false
	default:
		return e.StatusCode >= 400 && e.StatusCode < 500
	}
}

// classifyError maps a non-2xx response to its error value.
func classifyError(statusCode int, body string) error {
	switch statusCode {
	case http.StatusForbidden:
		return &NotAllowedToSendMailError{Body: body}
	case http.StatusUnprocessableEntity:
		return &EmailNotValidError{Body: body}
	default:
		return &StatusError{StatusCode: statusCode, Body: body}
	}
}
