// Package awsx holds the AWS adapters behind the monitor loop's
// collaborator interfaces: fleet membership, metric statistics, and
// the standing termination alarm.
package awsx

import (
	"errors"
	"fmt"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
)

// TransientError marks a retryable telemetry failure: rate limiting or
// a 5xx-class backend error. The caller retries with backoff and, once
// the budget is exhausted, skips the metric for the cycle.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient backend error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// NotFoundError marks an instance unknown to the backend. This is not
// a loop failure: the instance vanished outside our control (spot
// reclamation, manual kill) and is simply untracked.
type NotFoundError struct {
	InstanceID string
	Err        error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("instance %s not found: %v", e.InstanceID, e.Err)
}
func (e *NotFoundError) Unwrap() error { return e.Err }

// Error codes CloudWatch and EC2 return for throttling and temporary
// unavailability.
var transientCodes = map[string]bool{
	"Throttling":                  true,
	"ThrottlingException":         true,
	"RequestThrottled":            true,
	"RequestLimitExceeded":        true,
	"TooManyRequestsException":    true,
	"LimitExceededException":      true,
	"ServiceUnavailable":          true,
	"ServiceUnavailableException": true,
	"InternalFailure":             true,
	"InternalServiceError":        true,
	"RequestTimeout":              true,
	"RequestTimeoutException":     true,
	"EC2ThrottledException":       true,
}

var notFoundCodes = map[string]bool{
	"InvalidInstanceID.NotFound":  true,
	"InvalidInstanceID.Malformed": true,
	"ResourceNotFound":            true,
	"ResourceNotFoundException":   true,
}

// ClassifyError maps an SDK error into the loop's taxonomy. Errors
// that are neither transient nor not-found pass through unchanged.
func ClassifyError(instanceID string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if transientCodes[code] {
			return &TransientError{Err: err}
		}
		if notFoundCodes[code] {
			return &NotFoundError{InstanceID: instanceID, Err: err}
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
			return &TransientError{Err: err}
		}
	}

	return err
}

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
