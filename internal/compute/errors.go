package compute

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

// retryableCodes are EC2 API error codes that describe a condition expected
// to clear on its own: throttling, capacity, and eventual consistency.
var retryableCodes = map[string]bool{
	"RequestLimitExceeded":         true,
	"Throttling":                   true,
	"ThrottlingException":          true,
	"InsufficientInstanceCapacity": true,
	"IncorrectInstanceState":       true,
	"InvalidInstanceID.NotFound":   true,
	"ServiceUnavailable":           true,
	"Unavailable":                  true,
	"InternalError":                true,
}

// ProviderError is returned by Inventory implementations when a provider call
// is rejected or fails.
type ProviderError struct {
	Op        string
	NodeID    string
	Code      string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.NodeID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a provider error that may succeed if
// the call is repeated later.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// wrapAPIError classifies an AWS SDK error into a ProviderError.
func wrapAPIError(op, nodeID string, err error) error {
	if err == nil {
		return nil
	}
	pe := &ProviderError{Op: op, NodeID: nodeID, Err: err}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		pe.Code = apiErr.ErrorCode()
		pe.Retryable = retryableCodes[pe.Code] || apiErr.ErrorFault() == smithy.FaultServer
	}
	return pe
}
