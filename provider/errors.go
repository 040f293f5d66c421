package provider

import (
	"errors"
	"fmt"
	"strings"
)

// EmptyResponseError means the provider answered but produced nothing usable.
// Reason carries any provider-supplied block or refusal detail.
type EmptyResponseError struct {
	Reason string
}

func (e *EmptyResponseError) Error() string {
	if e.Reason == "" {
		return "provider returned no usable content"
	}
	return "provider returned no usable content: " + e.Reason
}

// BlockedBySafetyError means generation was refused by the provider's content
// policy. It is distinct from EmptyResponseError so the sanitization policy
// can branch on it.
type BlockedBySafetyError struct {
	Reason string
}

func (e *BlockedBySafetyError) Error() string {
	return "generation blocked by safety policy: " + e.Reason
}

// RateLimitedError means the provider throttled the call.
type RateLimitedError struct {
	Status int
	Detail string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (status %d): %s", e.Status, e.Detail)
}

// JobFailedError means the video backend reported a failed job.
type JobFailedError struct {
	Reason string
}

func (e *JobFailedError) Error() string { return "video job failed: " + e.Reason }

// JobTimeoutError means the poll ceiling was exceeded before the job resolved.
type JobTimeoutError struct {
	JobID string
}

func (e *JobTimeoutError) Error() string {
	return "video job " + e.JobID + " did not complete before the poll ceiling"
}

// OutputNotFoundError means a job finished but none of the known output
// shapes matched its result record.
type OutputNotFoundError struct {
	AvailableKeys []string
}

func (e *OutputNotFoundError) Error() string {
	return "job finished but no output location matched; available keys: [" +
		strings.Join(e.AvailableKeys, " ") + "]"
}

// IsRateLimited reports whether err is a throttling failure, either typed or
// recognizable from quota keywords in the message.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range []string{"rate limit", "quota", "resource exhausted", "too many requests", "429"} {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
