package build

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// Key identifies one firmware build within the catalog.
type Key struct {
	// OS is the operating system name as spelled in the AppleDB tree.
	OS string
	// ID is the build identifier, for example "22A3354".
	ID string
}

// String renders the key for logs and summaries.
func (k Key) String() string {
	return k.OS + "/" + k.ID
}

// MajorVersion extracts the leading numeric component of a build identifier.
// It returns 0 when the identifier does not start with digits.
func MajorVersion(buildID string) int {
	end := 0
	for end < len(buildID) && buildID[end] >= '0' && buildID[end] <= '9' {
		end++
	}

	if end == 0 {
		return 0
	}

	major, err := strconv.Atoi(buildID[:end])
	if err != nil {
		return 0
	}

	return major
}

// outcome is the resolution tag of a RetryState.
type outcome uint8

const (
	outcomePending outcome = iota
	outcomeSucceeded
	outcomeFailed
)

// RetryState tracks the download outcome for a single build.
// The zero value is a pending state with no attempts recorded yet.
type RetryState struct {
	outcome  outcome
	attempts int
}

// NewPending returns a pending state with the given number of failed attempts.
func NewPending(attempts int) RetryState {
	if attempts < 0 {
		attempts = 0
	}

	return RetryState{outcome: outcomePending, attempts: attempts}
}

// Succeeded returns the terminal state of a build whose keys were stored.
func Succeeded() RetryState {
	return RetryState{outcome: outcomeSucceeded}
}

// Failed returns the terminal state of a build that was given up on.
func Failed() RetryState {
	return RetryState{outcome: outcomeFailed}
}

// IsPending reports whether the build is still eligible for download attempts.
func (s RetryState) IsPending() bool {
	return s.outcome == outcomePending
}

// IsSucceeded reports whether the build's keys were stored durably.
func (s RetryState) IsSucceeded() bool {
	return s.outcome == outcomeSucceeded
}

// IsFailed reports whether the build exhausted its attempt budget.
func (s RetryState) IsFailed() bool {
	return s.outcome == outcomeFailed
}

// IsResolved reports whether the state is terminal. Resolved builds are
// never attempted again.
func (s RetryState) IsResolved() bool {
	return s.outcome != outcomePending
}

// Attempts returns the number of failed attempts recorded so far.
// It is zero for resolved states.
func (s RetryState) Attempts() int {
	if s.IsResolved() {
		return 0
	}

	return s.attempts
}

// Next returns the state after one more download attempt. Terminal states
// are returned unchanged. A failed attempt that reaches maxAttempts turns
// the state into Failed for good.
func (s RetryState) Next(succeeded bool, maxAttempts int) RetryState {
	if s.IsResolved() {
		return s
	}

	if succeeded {
		return Succeeded()
	}

	attempts := s.attempts + 1
	if attempts >= maxAttempts {
		return Failed()
	}

	return NewPending(attempts)
}

// String renders the state for logs.
func (s RetryState) String() string {
	switch s.outcome {
	case outcomeSucceeded:
		return "succeeded"
	case outcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("pending after %d attempts", s.attempts)
	}
}

// errNegativeAttempts is returned when a stored attempt count is negative.
var errNegativeAttempts = errors.New("attempt count must not be negative")

// MarshalJSON encodes the state in the ledger's legacy form: a pending state
// is its attempt count, a resolved state is a plain boolean.
func (s RetryState) MarshalJSON() ([]byte, error) {
	switch s.outcome {
	case outcomeSucceeded:
		return []byte("true"), nil
	case outcomeFailed:
		return []byte("false"), nil
	default:
		return []byte(strconv.Itoa(s.attempts)), nil
	}
}

// UnmarshalJSON decodes the legacy ledger form, see MarshalJSON.
func (s *RetryState) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "true":
		*s = Succeeded()

		return nil
	case "false":
		*s = Failed()

		return nil
	}

	attempts, err := strconv.Atoi(string(bytes.TrimSpace(data)))
	if err != nil {
		return fmt.Errorf("retry state must be an attempt count or a boolean: %w", err)
	}

	if attempts < 0 {
		return errNegativeAttempts
	}

	*s = NewPending(attempts)

	return nil
}
