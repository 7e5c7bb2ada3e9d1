package models

import (
	"strings"
	"time"
)

// EndpointClass groups endpoints that share a per-address budget.
type EndpointClass string

const (
	// ClassRegister covers anonymous identity registration.
	ClassRegister EndpointClass = "register"
	// ClassIssue covers credential issuance, including fingerprint bootstrap.
	ClassIssue EndpointClass = "issue"
	// ClassValidate covers secret validation, the cheapest place to guess secrets.
	ClassValidate EndpointClass = "validate"
)

func (c EndpointClass) IsValid() bool {
	switch c {
	case ClassRegister, ClassIssue, ClassValidate:
		return true
	}
	return false
}

// Limit is a request budget over a sliding window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Result is the outcome of a single limit check.
type Result struct {
	Allowed    bool      `json:"allowed"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds, only set when not allowed
}

// ExceededResponse is the body returned with 429.
type ExceededResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
}

// Key builds the bucket key for an address within a class. Colons in the
// address (IPv6) are escaped so they cannot collide with key separators.
func Key(class EndpointClass, address string) string {
	return "ratelimit:" + string(class) + ":" + strings.ReplaceAll(address, ":", "_")
}
