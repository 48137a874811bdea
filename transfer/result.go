package transfer

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/c360/dataplane/errors"
)

// Status is the outcome tag of a transfer
type Status string

// Transfer statuses
const (
	StatusSuccess    Status = "SUCCESS"
	StatusErrorRetry Status = "ERROR_RETRY"
	StatusFatal      Status = "FATAL_ERROR"
)

// Result is the outcome of a validation or a transfer
type Result struct {
	Status   Status   `json:"status"`
	Messages []string `json:"messages,omitempty"`
}

// Success returns a successful result
func Success() Result {
	return Result{Status: StatusSuccess}
}

// Failure returns a failed result with the given status and diagnostics
func Failure(status Status, messages ...string) Result {
	if status == StatusSuccess || status == "" {
		status = StatusErrorRetry
	}
	return Result{Status: status, Messages: append([]string(nil), messages...)}
}

// Failuref returns a failed result with one formatted message
func Failuref(status Status, format string, args ...any) Result {
	return Failure(status, fmt.Sprintf(format, args...))
}

// FromError converts an error into a result. Transient errors map to
// ERROR_RETRY, everything else to FATAL_ERROR. Errors combined with multierr
// contribute one message each.
func FromError(err error) Result {
	if err == nil {
		return Success()
	}

	errs := multierr.Errors(err)
	messages := make([]string, 0, len(errs))
	transient := true
	for _, e := range errs {
		messages = append(messages, e.Error())
		if !errors.IsTransient(e) {
			transient = false
		}
	}

	if transient {
		return Failure(StatusErrorRetry, messages...)
	}
	return Failure(StatusFatal, messages...)
}

// Succeeded reports whether the result is a success
func (r Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Failed reports whether the result is a failure
func (r Result) Failed() bool {
	return !r.Succeeded()
}

// Retryable reports whether a failure may succeed when resubmitted
func (r Result) Retryable() bool {
	return r.Status == StatusErrorRetry
}

// Message joins the diagnostics into a single line
func (r Result) Message() string {
	return strings.Join(r.Messages, "; ")
}

// Err returns the result as a classified error, or nil on success
func (r Result) Err() error {
	if r.Succeeded() {
		return nil
	}
	msg := r.Message()
	if msg == "" {
		msg = string(r.Status)
	}
	base := fmt.Errorf("%s", msg)
	if r.Retryable() {
		return errors.WrapTransient(base, "transfer", "Result", "transfer")
	}
	return errors.WrapFatal(base, "transfer", "Result", "transfer")
}

// Merge combines results. The merge succeeds only if every input succeeded;
// messages are concatenated in order and a single fatal input makes the
// merged status fatal.
func Merge(results ...Result) Result {
	var messages []string
	failed, fatal := false, false
	for _, r := range results {
		if r.Succeeded() {
			continue
		}
		failed = true
		if r.Status == StatusFatal {
			fatal = true
		}
		messages = append(messages, r.Messages...)
	}

	switch {
	case !failed:
		return Success()
	case fatal:
		return Failure(StatusFatal, messages...)
	default:
		return Failure(StatusErrorRetry, messages...)
	}
}
