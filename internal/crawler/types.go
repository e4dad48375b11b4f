// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// OutcomeKind classifies the result of a single fetch attempt.
type OutcomeKind string

// Outcome kinds recorded per fetch attempt.
const (
	OutcomeSuccess     OutcomeKind = "success"
	OutcomeSoftFailure OutcomeKind = "soft_failure"
	OutcomeHardFailure OutcomeKind = "hard_failure"
)

// ContentKind describes how a successful payload was decoded.
type ContentKind string

// Content kinds for successful fetches.
const (
	ContentJSON ContentKind = "json"
	ContentText ContentKind = "text"
)

// Outcome is the result of one fetch attempt. Exactly one is produced per
// attempted URL; failures are captured here rather than returned as errors.
type Outcome struct {
	URL        string
	Kind       OutcomeKind
	StatusCode int
	Content    ContentKind
	Headers    http.Header
	Body       []byte
	Value      any
	Reason     string
	Err        error
	Duration   time.Duration
}

// OK reports whether the fetch produced a usable payload.
func (o Outcome) OK() bool {
	return o.Kind == OutcomeSuccess
}

// ErrorText renders the failure for logs and API responses.
func (o Outcome) ErrorText() string {
	switch o.Kind {
	case OutcomeSoftFailure:
		return o.Reason
	case OutcomeHardFailure:
		if o.Err != nil {
			return o.Err.Error()
		}
		return "fetch failed"
	default:
		return ""
	}
}

// SuccessJSON builds a success outcome for a decoded JSON payload.
func SuccessJSON(url string, status int, headers http.Header, body []byte, value any, d time.Duration) Outcome {
	return Outcome{
		URL:        url,
		Kind:       OutcomeSuccess,
		StatusCode: status,
		Content:    ContentJSON,
		Headers:    headers,
		Body:       body,
		Value:      value,
		Duration:   d,
	}
}

// SuccessText builds a success outcome for a raw text payload.
func SuccessText(url string, status int, headers http.Header, body []byte, d time.Duration) Outcome {
	return Outcome{
		URL:        url,
		Kind:       OutcomeSuccess,
		StatusCode: status,
		Content:    ContentText,
		Headers:    headers,
		Body:       body,
		Duration:   d,
	}
}

// SoftFailure builds an outcome for a completed request with an error status.
func SoftFailure(url string, status int, reason string, d time.Duration) Outcome {
	return Outcome{
		URL:        url,
		Kind:       OutcomeSoftFailure,
		StatusCode: status,
		Reason:     reason,
		Duration:   d,
	}
}

// HardFailure builds an outcome for a request that could not complete.
func HardFailure(url string, err error, d time.Duration) Outcome {
	return Outcome{
		URL:      url,
		Kind:     OutcomeHardFailure,
		Err:      err,
		Duration: d,
	}
}

// BatchResult holds one Outcome per input URL, in input order. Failures occupy
// their slot rather than being dropped, so its length always equals the length
// of the batch input.
type BatchResult []Outcome

// Succeeded counts success outcomes in the batch.
func (b BatchResult) Succeeded() int {
	n := 0
	for _, o := range b {
		if o.OK() {
			n++
		}
	}
	return n
}

// Failed counts soft and hard failures in the batch.
func (b BatchResult) Failed() int {
	return len(b) - b.Succeeded()
}

// Record is a processed data item persisted for each stored payload.
type Record struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Status is the snapshot returned by the lifecycle controller. Building one
// never blocks and never fails.
type Status struct {
	Running        bool         `json:"running"`
	ActiveJobs     int          `json:"active_jobs"`
	RegisteredJobs int          `json:"registered_jobs"`
	Config         StatusConfig `json:"config"`
}

// StatusConfig echoes the static crawler configuration in a status snapshot.
type StatusConfig struct {
	Enabled         bool    `json:"enabled"`
	IntervalSeconds float64 `json:"interval_seconds"`
	Concurrency     int     `json:"concurrency"`
	TimeoutSeconds  float64 `json:"timeout_seconds"`
}
