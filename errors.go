package skillagent

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrNoAPIKey is returned by providers constructed with an empty API key.
// The core refuses to start an LLM call without credentials.
var ErrNoAPIKey = errors.New("llm client: api key is empty")

// ErrLLM is a provider-level failure (auth, quota, malformed response).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx response from a provider endpoint. RetryAfter carries
// the parsed Retry-After header when present (429/503 responses).
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrDependencyGraph is a structural violation in a dependency task set
// (cycle or reference to a missing task id). Raised before any task executes.
type ErrDependencyGraph struct {
	Message string
}

func (e *ErrDependencyGraph) Error() string {
	return "dependency graph: " + e.Message
}

// llmFailedPrefix is the sentinel prefix for responses produced when the LLM
// call itself failed. Team success checks depend on it.
const llmFailedPrefix = "LLM call failed: "

// ParseRetryAfter parses a Retry-After header value (delta-seconds form).
// Returns 0 for empty or unparseable values.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
